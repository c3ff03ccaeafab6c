package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
)

var errEmptyResponse = errors.New("empty response")

// kick starts the next exchange if the Client is idle.
// A long-poll in flight is superseded by new local work. Caller must hold the lock.
func (c *Client) kick() {
	if !c.running {
		return
	}

	if c.inFlight {
		if !c.interruptable || !c.hasLocalWork() {
			return
		}
		c.abort()
	}

	// Backoff is respected even if there is new work to send
	if c.retryStopCh != nil {
		return
	}

	c.startCycle()
}

// hasLocalWork checks if something is queued for the next exchange.
func (c *Client) hasLocalWork() bool {
	return len(c.unsent) > 0 || len(c.queued) > 0
}

// startCycle moves queued work to the sent buffers and starts an exchange.
// Sent buffers survive failures: a retry sends them again along with new work.
func (c *Client) startCycle() {
	c.sent = model.Merge(c.sent, c.unsent)
	c.unsent = nil
	c.sentCalls = append(c.sentCalls, c.queued...)
	c.queued = nil

	req := &model.Request{
		Store: c.storeUID,
		Base:  c.revision,
	}
	if len(c.sent) > 0 {
		req.Patch = model.Clone(c.sent).(model.Map)
	}
	for _, call := range c.sentCalls {
		req.RPC = append(req.RPC, model.Call{
			JSONRPC: model.JSONRPCVersion,
			ID:      call.id,
			Method:  call.method,
			Params:  call.params,
		})
	}
	req.Wait = !c.revision.IsZero() && req.Patch == nil && len(req.RPC) == 0

	ctx, cancel := context.WithCancel(context.Background())
	c.cycle++
	c.cancelFn = cancel
	c.inFlight = true
	c.interruptable = req.Wait

	if c.events.OnPoll != nil {
		onPoll := c.events.OnPoll
		c.notify(func() { onPoll(req) })
	}

	c.wg.Add(1)
	go c.roundTrip(ctx, c.cycle, req)
}

// roundTrip performs the exchange and handles its outcome unless it was aborted meanwhile.
// The wait group slot is released before callbacks are flushed, so Stop may be called from a callback.
func (c *Client) roundTrip(ctx context.Context, cycle uint64, req *model.Request) {
	start := c.clock.Now()
	res, err := c.transport.Exchange(ctx, req)
	if err == nil && res == nil {
		err = errEmptyResponse
	}
	dur := c.clock.Since(start)

	c.Lock()
	if cycle != c.cycle {
		// Aborted: not a failure
		c.Unlock()
		exchangesTotal.WithLabelValues(resultAborted).Inc()
		c.wg.Done()
		return
	}

	c.inFlight = false
	c.interruptable = false
	c.cancelFn()
	c.cancelFn = nil

	if err != nil {
		c.failed(err)
	} else {
		c.succeeded(req, res, dur)
	}
	c.Unlock()
	c.wg.Done()

	c.flush()
}

// succeeded handles a successful exchange and starts the next one. Caller must hold the lock.
func (c *Client) succeeded(req *model.Request, res *model.Response, dur time.Duration) {
	c.failures = 0
	exchangesTotal.WithLabelValues(resultOK).Inc()
	if !req.Wait {
		roundTripDuration.Observe(dur.Seconds())
		c.monitor.RoundTrip(dur)
	}

	if c.events.OnResponse != nil {
		onResponse := c.events.OnResponse
		c.notify(func() { onResponse(res) })
	}

	c.handleResponse(res)
	c.kick()
}

// failed counts the failure and schedules a retry. Caller must hold the lock.
func (c *Client) failed(err error) {
	c.failures++
	exchangesTotal.WithLabelValues(resultError).Inc()
	c.monitor.Failed()

	c.logger.Warn("sync exchange failed", zap.Int("failures", c.failures), zap.Error(err))
	if c.events.OnRequestError != nil {
		onRequestError := c.events.OnRequestError
		c.notify(func() { onRequestError(err) })
	}

	c.scheduleRetry()
}

// scheduleRetry arms the retry timer. Caller must hold the lock.
func (c *Client) scheduleRetry() {
	if !c.running || c.retryStopCh != nil {
		return
	}

	n := c.failures - 1
	if n < 0 {
		n = 0
	}
	delay := c.backoff(n)

	stopCh := make(chan struct{})
	c.retryStopCh = stopCh
	retriesTotal.Inc()
	c.monitor.Retry(delay)
	c.logger.Debug("retry scheduled", zap.Duration("delay", delay))

	if c.events.OnRetry != nil {
		onRetry := c.events.OnRetry
		c.notify(func() { onRetry(delay) })
	}

	c.wg.Add(1)
	go c.retryAfter(delay, stopCh)
}

// retryAfter waits for the retry delay and kicks the next exchange.
func (c *Client) retryAfter(delay time.Duration, stopCh chan struct{}) {
	select {
	case <-c.clock.After(delay):
	case <-stopCh:
		c.wg.Done()
		return
	}

	c.Lock()
	if c.retryStopCh != stopCh {
		c.Unlock()
		c.wg.Done()
		return
	}
	c.retryStopCh = nil
	c.kick()
	c.Unlock()
	c.wg.Done()

	c.flush()
}

// abort cancels the exchange in flight. Its outcome is ignored. Caller must hold the lock.
func (c *Client) abort() {
	if !c.inFlight {
		return
	}

	c.cycle++
	c.cancelFn()
	c.cancelFn = nil
	c.inFlight = false
	c.interruptable = false
}

// stopRetry disarms the retry timer. Caller must hold the lock.
func (c *Client) stopRetry() {
	if c.retryStopCh == nil {
		return
	}

	close(c.retryStopCh)
	c.retryStopCh = nil
}

// handleResponse applies the server state and answers RPC calls. Caller must hold the lock.
func (c *Client) handleResponse(res *model.Response) {
	if !res.Revision.IsZero() {
		// The server got the patch
		c.sent = nil

		switch {
		case res.HasPatch():
			c.data = model.Patch(c.data, res.Patch)
		case res.Data != nil:
			c.data = model.Patch(nil, res.Data)
		}

		if c.storeUID != "" && c.storeUID != res.Store {
			c.logger.Info("store changed", zap.String("old", c.storeUID), zap.String("new", res.Store))
		}
		c.revision = res.Revision
		c.storeUID = res.Store
	}

	if len(res.Ans) > 0 {
		answers := make(map[int64]model.Answer, len(res.Ans))
		for _, ans := range res.Ans {
			answers[ans.ID] = ans
		}

		optimistic := make([]optimisticPatch, 0, len(c.optimistic))
		for _, p := range c.optimistic {
			if _, found := answers[p.id]; !found {
				optimistic = append(optimistic, p)
			}
		}
		c.optimistic = optimistic

		c.dataDidChange()

		sentCalls := make([]*pendingCall, 0, len(c.sentCalls))
		for _, call := range c.sentCalls {
			ans, found := answers[call.id]
			if !found {
				sentCalls = append(sentCalls, call)
				continue
			}
			c.answer(call, ans.Result, ans.Error)
		}
		c.sentCalls = sentCalls

		return
	}

	c.dataDidChange()
}

// answer queues the call callback. Caller must hold the lock.
func (c *Client) answer(call *pendingCall, result model.Value, err *model.RPCError) {
	if call.cb == nil {
		return
	}

	if err != nil {
		result = nil
	} else if result == nil {
		result = model.Null{}
	}

	cb := call.cb
	c.notify(func() { cb(result, err) })
}

// dataDidChange rebuilds the visible document: server data, sent patch, unsent patch, optimistic patches.
// Caller must hold the lock.
func (c *Client) dataDidChange() {
	visible := model.Patch(nil, c.data, c.sent, c.unsent)
	for _, p := range c.optimistic {
		model.Patch(visible, p.patch)
	}

	oldDoc := c.visible
	c.visible = visible

	onData := c.events.OnData
	observer := c.observer
	c.notify(func() {
		if onData != nil {
			onData(visible, oldDoc)
		}
		observer.Update(visible, oldDoc)
	})
}

// notify queues a callback to be invoked by flush. Caller must hold the lock.
func (c *Client) notify(fn func()) {
	c.pending = append(c.pending, fn)
}

// flush invokes queued callbacks without holding the lock.
// Callbacks may call Client methods: reentrant flushes are drained by the outer one.
func (c *Client) flush() {
	c.Lock()
	if c.flushing {
		c.Unlock()
		return
	}
	c.flushing = true

	for len(c.pending) > 0 {
		fn := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]

		c.Unlock()
		c.safeCall(fn)
		c.Lock()
	}

	c.flushing = false
	c.Unlock()
}

// safeCall invokes a callback making sure a faulty one never breaks the notification loop.
func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panic", zap.Any("panic", r))
		}
	}()

	fn()
}
