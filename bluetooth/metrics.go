package bluetooth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksReceived counts chunks folded into the measurement set.
	// Labels: source (device, test)
	ChunksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ekomilkd",
			Subsystem: "session",
			Name:      "chunks_received_total",
			Help:      "Text chunks received from the analyser",
		},
		[]string{"source"},
	)

	ChunksUnmatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ekomilkd",
			Subsystem: "session",
			Name:      "chunks_unmatched_total",
			Help:      "Chunks that carried no recognised parameter",
		},
	)

	// ChunksDropped counts chunks that arrived after their session ended.
	ChunksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ekomilkd",
			Subsystem: "session",
			Name:      "chunks_dropped_total",
			Help:      "Chunks discarded because their session was already closed",
		},
	)

	ParametersParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ekomilkd",
			Subsystem: "session",
			Name:      "parameters_parsed_total",
			Help:      "Parameter values extracted, by parameter",
		},
		[]string{"parameter"},
	)

	// Sessions counts connection attempts.
	// Labels: result (connected, failed)
	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ekomilkd",
			Subsystem: "bluetooth",
			Name:      "sessions_total",
			Help:      "Serial session attempts by result",
		},
		[]string{"result"},
	)

	// Connected is 1 while a device session is open.
	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ekomilkd",
			Subsystem: "bluetooth",
			Name:      "connected",
			Help:      "Whether an analyser is connected (1) or not (0)",
		},
	)
)
