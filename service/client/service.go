package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
)

type (
	// Config keeps the HTTP Client settings.
	Config struct {
		// Sync endpoint URL
		URL string `mapstructure:"url"`
		// Retry backoff limit
		MaxDelay time.Duration `mapstructure:"max-delay"`
		// Non long-poll request timeout (0: no timeout)
		RequestTimeout time.Duration `mapstructure:"request-timeout"`
	}

	// RPCCallback receives an RPC call outcome: exactly one of result and err is set.
	RPCCallback func(result model.Value, err *model.RPCError)

	// Events are optional Client hooks. They are invoked outside of the Client lock, in order.
	Events struct {
		// Request about to be sent
		OnPoll func(req *model.Request)
		// Exchange succeeded
		OnResponse func(res *model.Response)
		// Exchange failed (aborted exchanges are not reported)
		OnRequestError func(err error)
		// Retry scheduled
		OnRetry func(delay time.Duration)
		// Visible document recomputed
		OnData func(newDoc, oldDoc model.Map)
	}

	// Client keeps a local replica of the server document in sync.
	// Local changes are visible right away and sent in batches, server changes are received via long-polling.
	Client struct {
		sync.Mutex
		// Config
		logger    *zap.Logger
		transport Transport
		clock     clockwork.Clock
		backoff   BackoffFunc
		events    Events
		monitor   *Monitor
		observer  *Observer
		// Replica state
		running  bool
		revision model.Revision
		storeUID string
		data     model.Map // acknowledged server document
		visible  model.Map // data with local changes applied
		sent     model.Map // patch sent, not yet acknowledged
		unsent   model.Map // patch queued for the next exchange
		// RPC state
		nextID     int64
		queued     []*pendingCall
		sentCalls  []*pendingCall
		optimistic []optimisticPatch
		// Exchange state
		cycle         uint64
		inFlight      bool
		interruptable bool
		cancelFn      context.CancelFunc
		retryStopCh   chan struct{}
		failures      int
		wg            sync.WaitGroup
		// Deferred notifications
		pending  []func()
		flushing bool
	}

	pendingCall struct {
		id     int64
		method string
		params model.Value
		cb     RPCCallback
	}

	optimisticPatch struct {
		id    int64
		patch model.Map
	}

	// Opt configures a Client.
	Opt func(c *Client)
)

// DefaultConfig returns the default Client config.
func DefaultConfig() Config {
	return Config{
		URL:            "http://127.0.0.1:2222/",
		MaxDelay:       DefaultMaxDelay,
		RequestTimeout: 30 * time.Second,
	}
}

// WithLogger sets the Client logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock sets the clock retries are scheduled with.
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithBackoff sets the retry backoff function.
func WithBackoff(backoff BackoffFunc) Opt {
	return func(c *Client) {
		c.backoff = backoff
	}
}

// WithEvents sets the Client hooks.
func WithEvents(events Events) Opt {
	return func(c *Client) {
		c.events = events
	}
}

// Start starts syncing.
func (c *Client) Start() {
	c.Lock()
	if c.running {
		c.Unlock()
		return
	}
	c.running = true
	c.logger.Info("Client: start")
	c.kick()
	c.Unlock()

	c.monitor.Start()
	c.flush()
}

// Stop stops syncing. A long-poll is aborted, an exchange carrying local changes is awaited.
// Unacknowledged changes are kept and sent on the next Start. Stop may be called from a callback.
func (c *Client) Stop() {
	c.Lock()
	if !c.running {
		c.Unlock()
		return
	}
	c.running = false
	c.stopRetry()
	if c.inFlight && c.interruptable {
		c.abort()
	}
	c.Unlock()

	c.wg.Wait()
	c.monitor.Stop()
	c.logger.Info("Client: stop")
	c.flush()
}

// Reset abandons every pending change: RPC callbacks get the "store reset" error.
// If data is not nil, it replaces the local document and the next exchange fetches a full snapshot.
func (c *Client) Reset(data model.Map) {
	c.Lock()
	c.abort()
	c.stopRetry()

	resetErr := model.NewRPCError(model.CodeServerError, "store reset")
	for _, calls := range [][]*pendingCall{c.sentCalls, c.queued} {
		for _, call := range calls {
			c.answer(call, nil, resetErr)
		}
	}
	c.sentCalls, c.queued, c.optimistic = nil, nil, nil
	c.sent, c.unsent = nil, nil
	c.failures = 0

	if data != nil {
		c.data = model.Patch(nil, data)
		c.revision = ""
		c.storeUID = ""
	}
	c.logger.Debug("Client: reset", zap.Bool("data", data != nil))

	c.dataDidChange()
	c.kick()
	c.Unlock()

	c.flush()
}

// Patch queues a change of the node at path. The change is visible right away.
// An empty path replaces the root keys present in value (which must be a map).
func (c *Client) Patch(path model.Path, value model.Value) {
	c.Lock()
	c.unsent = model.Merge(c.unsent, model.PathSet(path, value))
	c.dataDidChange()
	c.kick()
	c.Unlock()

	c.flush()
}

// RPC queues a call and returns its id. The optional optimistic patch is visible until the call is answered.
func (c *Client) RPC(method string, params model.Value, cb RPCCallback, optimistic model.Map) int64 {
	c.Lock()
	c.nextID++
	call := &pendingCall{
		id:     c.nextID,
		method: method,
		params: model.Clone(params),
		cb:     cb,
	}
	c.queued = append(c.queued, call)

	if optimistic != nil {
		c.optimistic = append(c.optimistic, optimisticPatch{
			id:    call.id,
			patch: model.Clone(optimistic).(model.Map),
		})
		c.dataDidChange()
	}
	c.kick()
	c.Unlock()

	c.flush()

	return call.id
}

// Get returns a copy of the visible node at path or def if not found.
func (c *Client) Get(path model.Path, def model.Value) model.Value {
	c.Lock()
	defer c.Unlock()

	return model.Clone(model.PathGet(c.visible, path, def))
}

// Data returns a copy of the visible document.
func (c *Client) Data() model.Map {
	c.Lock()
	defer c.Unlock()

	return model.Clone(c.visible).(model.Map)
}

// Subscribe adds a document change subscription (see Observer.Subscribe).
func (c *Client) Subscribe(path model.Path, fn ObserverFunc, ctx any) *Subscription {
	return c.observer.Subscribe(path, fn, ctx)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(sub *Subscription) bool {
	return c.observer.Unsubscribe(sub)
}

// Revision returns the last acknowledged revision (empty if unknown).
func (c *Client) Revision() model.Revision {
	c.Lock()
	defer c.Unlock()

	return c.revision
}

// StoreUID returns the uid of the store the Client is synced to (empty if unknown).
func (c *Client) StoreUID() string {
	c.Lock()
	defer c.Unlock()

	return c.storeUID
}

// Synced checks if a revision is known and every local change is acknowledged.
func (c *Client) Synced() bool {
	c.Lock()
	defer c.Unlock()

	return !c.revision.IsZero() &&
		len(c.sent) == 0 && len(c.unsent) == 0 &&
		len(c.sentCalls) == 0 && len(c.queued) == 0
}

// NewClient creates a new Client object.
func NewClient(transport Transport, opts ...Opt) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("%s: nil", "transport")
	}

	c := &Client{
		logger:    zap.NewNop(),
		transport: transport,
		clock:     clockwork.NewRealClock(),
		backoff:   DefaultBackoff,
		observer:  NewObserver(),
		data:      make(model.Map),
		visible:   make(model.Map),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		return nil, fmt.Errorf("%s: nil", "logger")
	}
	if c.clock == nil {
		return nil, fmt.Errorf("%s: nil", "clock")
	}
	if c.backoff == nil {
		return nil, fmt.Errorf("%s: nil", "backoff")
	}
	c.monitor = NewMonitor(c.logger)

	return c, nil
}

// NewHTTPClient creates a new Client syncing with the endpoint at cfg.URL.
func NewHTTPClient(cfg Config, logger *zap.Logger, opts ...Opt) (*Client, error) {
	if cfg.MaxDelay <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "MaxDelay")
	}
	if cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "RequestTimeout")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport, err := NewHTTPTransport(cfg.URL,
		WithTransportLogger(logger),
		WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	opts = append([]Opt{WithLogger(logger), WithBackoff(NewBackoff(cfg.MaxDelay))}, opts...)

	return NewClient(transport, opts...)
}
