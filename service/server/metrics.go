package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the basic namespace where all metrics are defined under.
	Namespace = "deltasync"

	subsystem = "server"
)

// Label values.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeMismatch = "store_mismatch"
	outcomeReply    = "reply"
	outcomeParked   = "parked"
	outcomeReleased = "released"
	outcomeCanceled = "canceled"

	methodLabelUnknown = "unknown"
)

var (
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      "exchanges_total",
		Help:      "Sync exchanges handled by outcome",
	}, []string{"outcome"})

	rpcCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      "rpc_calls_total",
		Help:      "RPC calls executed by method and outcome",
	}, []string{"method", "outcome"})

	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      "commits_total",
		Help:      "Store revisions published",
	})

	parkedWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      "parked_waiters",
		Help:      "Long-poll exchanges waiting for a commit",
	})

	currentRevision = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      "revision",
		Help:      "Current store revision",
	})

	exchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      "exchange_duration_seconds",
		Help:      "Time spent by the worker on an exchange (parked time excluded)",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)
