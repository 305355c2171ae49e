package matrix

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mxsync",
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Total number of sync attempts by outcome",
		},
		[]string{"outcome"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mxsync",
			Subsystem: "sync",
			Name:      "dropped_events_total",
			Help:      "Total number of events dropped while decoding or classifying",
		},
		[]string{"reason"},
	)
	sendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mxsync",
			Subsystem: "send",
			Name:      "retries_total",
			Help:      "Total number of message sends scheduled for retry",
		},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(syncRequests, droppedEvents, sendRetries)
	})
}
