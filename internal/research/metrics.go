package research

import "github.com/prometheus/client_golang/prometheus"

var (
	phaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_research_phase_transitions_total",
			Help: "Research phase transitions by source and target phase.",
		},
		[]string{"from", "to"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_research_cycle_duration_seconds",
			Help:    "Duration of one coordinator poll cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	handlerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_research_handler_failures_total",
			Help: "Phase handler invocations that failed their research.",
		},
	)
)

func init() {
	prometheus.MustRegister(phaseTransitionsTotal, cycleDuration, handlerFailuresTotal)
}
