package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
	"github.com/itiky/deltasync/storage"
)

// ErrStopped is returned for exchanges submitted to (or pending in) a stopped SyncService.
var ErrStopped = errors.New("sync service stopped")

type (
	// Config keeps SyncService / Handler settings.
	Config struct {
		// Exchange queue size
		QueueSize int `mapstructure:"queue-size"`
		// Max request body size in bytes
		MaxBodyBytes int64 `mapstructure:"max-body-bytes"`
	}

	// SyncService serializes sync exchanges against a Store: applies patches, runs RPC calls, commits and
	// either replies or parks the exchange until a later commit has something to report.
	SyncService struct {
		// Config
		cfg    Config
		logger *zap.Logger
		// State
		store      *storage.Store
		gateway    *Gateway
		dispatcher *dispatcher
		monitor    *Monitor
		waiterSeq  uint64
		//
		exchangeCh chan *exchange
		cancelCh   chan uint64
		resetCh    chan resetJob
		started    atomic.Bool
		startOnce  sync.Once
		stopOnce   sync.Once
		stopCh     chan struct{}
		doneCh     chan struct{}
	}

	// exchange is a single request submitted to the worker.
	exchange struct {
		id      uint64
		ctx     context.Context
		req     *model.Request
		replyCh chan *model.Response
	}

	resetJob struct {
		data   model.Map
		doneCh chan struct{}
	}

	// ServiceOpt configures a SyncService.
	ServiceOpt func(s *SyncService)
)

// DefaultConfig returns the default SyncService config.
func DefaultConfig() Config {
	return Config{
		QueueSize:    64,
		MaxBodyBytes: 8 << 20,
	}
}

// WithLogger sets the SyncService logger.
func WithLogger(logger *zap.Logger) ServiceOpt {
	return func(s *SyncService) {
		s.logger = logger
	}
}

// WithGateway sets the RPC gateway (the built-in methods gateway is used by default).
func WithGateway(g *Gateway) ServiceOpt {
	return func(s *SyncService) {
		s.gateway = g
	}
}

// WithConfig sets the SyncService config.
func WithConfig(cfg Config) ServiceOpt {
	return func(s *SyncService) {
		s.cfg = cfg
	}
}

// Store returns the served Store.
func (s *SyncService) Store() *storage.Store {
	return s.store
}

// Config returns the service config.
func (s *SyncService) Config() Config {
	return s.cfg
}

// Exchange submits a request and waits for the reply.
// A parked (long-poll) exchange is dropped without reply once ctx is done.
func (s *SyncService) Exchange(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		req = &model.Request{}
	}

	ex := &exchange{
		id:      atomic.AddUint64(&s.waiterSeq, 1),
		ctx:     ctx,
		req:     req,
		replyCh: make(chan *model.Response, 1),
	}

	select {
	case s.exchangeCh <- ex:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopCh:
		return nil, ErrStopped
	}

	select {
	case res := <-ex.replyCh:
		return res, nil
	case <-ctx.Done():
		// Unpark
		select {
		case s.cancelCh <- ex.id:
		case <-s.stopCh:
		}
		return nil, ctx.Err()
	case <-s.stopCh:
		return nil, ErrStopped
	}
}

// Reset replaces the document starting a new logical store (parked clients receive the new snapshot).
func (s *SyncService) Reset(ctx context.Context, data model.Map) error {
	job := resetJob{
		data:   data,
		doneCh: make(chan struct{}),
	}

	select {
	case s.resetCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	}

	select {
	case <-job.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	}
}

// Start starts the service worker.
func (s *SyncService) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.monitor.Start()
		go s.worker()
	})
}

// Stop stops the service worker. Pending exchanges fail with ErrStopped.
func (s *SyncService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.monitor.Stop()
	})

	if s.started.Load() {
		<-s.doneCh
	}
}

// worker does the actual job: exchanges are handled one at a time.
func (s *SyncService) worker() {
	defer close(s.doneCh)

	s.logger.Info("SyncService: start",
		zap.String("store", s.store.UID()),
		zap.String("revision", string(s.store.Revision())),
	)

	for {
		select {
		case <-s.stopCh:
			// Service stop
			s.logger.Info("SyncService: stop", zap.Int("parked", s.dispatcher.len()))
			return
		case ex := <-s.exchangeCh:
			// Handle a new exchange
			s.safeHandle(ex)
		case id := <-s.cancelCh:
			// Client disconnected
			if s.dispatcher.drop(id) {
				exchangesTotal.WithLabelValues(outcomeCanceled).Inc()
				s.logger.Debug("parked exchange dropped", zap.Uint64("id", id))
			}
		case job := <-s.resetCh:
			// Store reset
			s.store.Reset(job.data)
			close(job.doneCh)
		}
	}
}

// safeHandle handles an exchange making sure a faulty exchange never stops the worker.
func (s *SyncService) safeHandle(ex *exchange) {
	defer func() {
		if r := recover(); r != nil {
			discarded := s.store.Discard()
			s.logger.Error("exchange handling panic",
				zap.Uint64("id", ex.id),
				zap.Bool("discarded", discarded),
				zap.Any("panic", r),
			)
			exchangesTotal.WithLabelValues(outcomeError).Inc()

			ans := make([]model.Answer, 0, len(ex.req.RPC))
			for _, call := range ex.req.RPC {
				ans = append(ans, model.Answer{
					JSONRPC: model.JSONRPCVersion,
					ID:      call.ID,
					Error:   model.NewRPCError(model.CodeInternalError, "internal error: %v", r),
				})
			}

			// Answer with the current snapshot, the client resyncs
			res, _ := buildResponse(s.store, "", "", ans, false)
			select {
			case ex.replyCh <- res:
			default:
			}
		}
	}()

	s.handle(ex)
}

// handle applies the exchange patch, runs its RPC calls, commits and replies (or parks).
func (s *SyncService) handle(ex *exchange) {
	start := time.Now()
	defer func() {
		dur := time.Since(start)
		exchangeDuration.Observe(dur.Seconds())
		s.monitor.ExchangeServed(dur)
	}()

	req := ex.req
	uid := s.store.UID()

	base, patch, wait := req.Base, req.Patch, req.Wait
	storeMatch := req.Store == "" || req.Store == uid
	if !storeMatch {
		// Client is synced to another store instance: nothing it sends can be trusted, resync it
		s.logger.Debug("store mismatch",
			zap.String("client_store", req.Store),
			zap.String("store", uid),
		)
		exchangesTotal.WithLabelValues(outcomeMismatch).Inc()
		base, patch, wait = "", nil, false
	}

	if patch != nil {
		s.store.Add(patch)
	}

	var ans []model.Answer
	if len(req.RPC) > 0 {
		wait = false
		ans = s.gateway.Run(ex.ctx, s.store, req.RPC, storeMatch)
	}

	// Parked clients are released within the commit path
	s.store.Commit()

	waiterStore := req.Store
	if waiterStore == "" {
		waiterStore = uid
	}

	if wait && !base.IsZero() {
		if res, ready := buildResponse(s.store, waiterStore, base, nil, true); ready {
			exchangesTotal.WithLabelValues(outcomeReply).Inc()
			ex.replyCh <- res
			return
		}

		s.dispatcher.park(&waiter{
			id:      ex.id,
			base:    base,
			store:   waiterStore,
			ctx:     ex.ctx,
			replyCh: ex.replyCh,
		})
		exchangesTotal.WithLabelValues(outcomeParked).Inc()
		return
	}

	res, _ := buildResponse(s.store, waiterStore, base, ans, false)
	exchangesTotal.WithLabelValues(outcomeReply).Inc()
	ex.replyCh <- res
}

// onCommit is the Store commit listener.
func (s *SyncService) onCommit(snap storage.Snapshot) {
	if rev, err := strconv.Atoi(string(snap.Revision)); err == nil {
		currentRevision.Set(float64(rev))
	}
	commitsTotal.Inc()

	released := s.dispatcher.dispatch()
	if released > 0 {
		exchangesTotal.WithLabelValues(outcomeReleased).Add(float64(released))
	}
	s.monitor.Committed(released, s.dispatcher.len())
}

// NewSyncService creates a new SyncService object.
func NewSyncService(store *storage.Store, opts ...ServiceOpt) (*SyncService, error) {
	if store == nil {
		return nil, fmt.Errorf("%s: nil", "store")
	}

	s := &SyncService{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		store:  store,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.QueueSize < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "QueueSize")
	}
	if s.cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "MaxBodyBytes")
	}

	if s.gateway == nil {
		g, err := NewDefaultGateway(s.logger)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		s.gateway = g
	}

	s.dispatcher = &dispatcher{store: store}
	s.monitor = NewMonitor(s.logger)
	s.exchangeCh = make(chan *exchange, s.cfg.QueueSize)
	s.cancelCh = make(chan uint64)
	s.resetCh = make(chan resetJob)

	store.OnCommit(s.onCommit)

	return s, nil
}
