package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "deltasync"
	subsystem = "client"
)

// Label values.
const (
	resultOK      = "ok"
	resultError   = "error"
	resultAborted = "aborted"
)

var (
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "exchanges_total",
		Help:      "Sync exchanges by result",
	}, []string{"result"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "retries_total",
		Help:      "Scheduled exchange retries",
	})

	roundTripDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "round_trip_seconds",
		Help:      "Successful non long-poll exchange duration",
		Buckets:   prometheus.DefBuckets,
	})
)
