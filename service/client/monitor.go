package client

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"go.uber.org/zap"
)

// Monitor keeps Client stats and periodically reports them.
type Monitor struct {
	sync.Mutex
	logger       *zap.Logger
	roundTripDur *movingaverage.MovingAverage
	roundTrips   int
	failures     int
	retries      int
	lastRetry    time.Duration
	stopCh       chan struct{}
}

// RoundTrip updates the successful exchange metrics.
func (m *Monitor) RoundTrip(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.roundTrips++
	m.roundTripDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

// Failed increments the failed exchange counter.
func (m *Monitor) Failed() {
	m.Lock()
	defer m.Unlock()

	m.failures++
}

// Retry updates the retry metrics.
func (m *Monitor) Retry(delay time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.retries++
	m.lastRetry = delay
}

// Start starts the Monitor worker.
func (m *Monitor) Start() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh != nil {
		return
	}

	m.stopCh = make(chan struct{})
	go m.worker(m.stopCh)
}

// Stop stops the Monitor worker.
func (m *Monitor) Stop() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh == nil {
		return
	}

	close(m.stopCh)
	m.stopCh = nil
}

// worker does the actual job.
func (m *Monitor) worker(stopCh <-chan struct{}) {
	const period = 5 * time.Second

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			// Stop the monitor
			return
		case <-ticker.C:
			// Print the report
			m.Lock()

			periodSec := float64(period) / float64(time.Second)
			m.logger.Info("monitor",
				zap.Float64("round_trips_per_sec", float64(m.roundTrips)/periodSec),
				zap.Float64("round_trip_dur_ms", m.roundTripDur.Avg()),
				zap.Int("failures", m.failures),
				zap.Int("retries", m.retries),
				zap.Duration("last_retry_delay", m.lastRetry),
			)
			m.roundTrips = 0
			m.failures = 0
			m.retries = 0

			m.Unlock()
		}
	}
}

// NewMonitor creates a new Monitor object.
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:       logger,
		roundTripDur: movingaverage.New(3),
	}
}
