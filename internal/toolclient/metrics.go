package toolclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Tool invocations by tool and outcome kind",
	}, []string{"tool", "outcome"})

	toolAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "tool",
		Name:      "attempts_total",
		Help:      "Network attempts made per tool, including retries",
	}, []string{"tool"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "teller",
		Subsystem: "tool",
		Name:      "call_duration_seconds",
		Help:      "End-to-end tool invocation latency including retries",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"tool"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "teller",
		Subsystem: "tool",
		Name:      "circuit_state",
		Help:      "Circuit state per endpoint (0 closed, 1 half-open, 2 open)",
	}, []string{"endpoint"})

	circuitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "tool",
		Name:      "circuit_rejections_total",
		Help:      "Calls rejected without a network attempt because the circuit was open",
	}, []string{"endpoint"})
)
