package server

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"go.uber.org/zap"
)

// Monitor keeps SyncService stats and periodically reports them.
type Monitor struct {
	sync.Mutex
	logger      *zap.Logger
	exchanges   int
	commits     int
	released    int
	parked      int
	exchangeDur *movingaverage.MovingAverage
	stopCh      chan struct{}
}

// ExchangeServed updates the exchange handling duration metric.
func (m *Monitor) ExchangeServed(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.exchangeDur.Add(float64(dur/time.Microsecond) / 1000.0)
	m.exchanges++
}

// Committed increments the published revisions metric.
func (m *Monitor) Committed(released, parked int) {
	m.Lock()
	defer m.Unlock()

	m.commits++
	m.released += released
	m.parked = parked
}

// Start starts the Monitor worker.
func (m *Monitor) Start() {
	if m.stopCh != nil {
		return
	}

	m.stopCh = make(chan struct{})
	go m.worker()
}

// Stop stops the Monitor worker.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}

	close(m.stopCh)
}

// worker does the actual job.
func (m *Monitor) worker() {
	const period = 5 * time.Second

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			// Stop the monitor
			return
		case <-ticker.C:
			// Print the report
			m.Lock()

			periodSec := float64(period) / float64(time.Second)
			m.logger.Info("monitor",
				zap.Float64("exchanges_per_sec", float64(m.exchanges)/periodSec),
				zap.Float64("commits_per_sec", float64(m.commits)/periodSec),
				zap.Float64("released_per_sec", float64(m.released)/periodSec),
				zap.Int("parked", m.parked),
				zap.Float64("exchange_dur_ms", m.exchangeDur.Avg()),
			)
			m.exchanges = 0
			m.commits = 0
			m.released = 0

			m.Unlock()
		}
	}
}

// NewMonitor creates a new Monitor object.
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:      logger,
		exchangeDur: movingaverage.New(5),
	}
}
