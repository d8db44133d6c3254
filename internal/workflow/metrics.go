package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Workflow node executions",
	}, []string{"node"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "workflow",
		Name:      "outcomes_total",
		Help:      "Session status after each processed message",
	}, []string{"status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "workflow",
		Name:      "errors_total",
		Help:      "Step failures handled by kind",
	}, []string{"kind"})

	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "workflow",
		Name:      "escalations_total",
		Help:      "Conversations handed to a human by failure kind",
	}, []string{"kind"})
)
