package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for identify requests.
const (
	OutcomeCreatePrimary   = "create_primary"
	OutcomeAttachSecondary = "attach_secondary"
	OutcomeNoOp            = "noop"
	OutcomeMerge           = "merge"
	OutcomeError           = "error"
)

// Metrics holds the Prometheus collectors for reconciliation.
type Metrics struct {
	IdentifyTotal    *prometheus.CounterVec
	IdentifyDuration prometheus.Histogram
	MergedPrimaries  prometheus.Counter
	Retries          prometheus.Counter
	Conflicts        prometheus.Counter
	PublishFailures  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IdentifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_identify_total",
			Help: "Identify requests by reconciliation outcome",
		}, []string{"outcome"}),
		IdentifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_identify_duration_seconds",
			Help:    "Time spent reconciling one identify request",
			Buckets: prometheus.DefBuckets,
		}),
		MergedPrimaries: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_merged_primaries_total",
			Help: "Primary contacts demoted because their identity merged into an older one",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_identify_retries_total",
			Help: "Identify attempts repeated after a concurrency conflict",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_concurrency_conflicts_total",
			Help: "Concurrency conflicts reported by the lock or the store",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_event_publish_failures_total",
			Help: "Identity events that could not be published",
		}),
	}
}

// ObserveOutcome counts one finished identify request.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.IdentifyTotal.WithLabelValues(outcome).Inc()
}
