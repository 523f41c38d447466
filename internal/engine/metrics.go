package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	claims         prometheus.Counter
	claimConflicts prometheus.Counter
	invocations    *prometheus.CounterVec
	invocationTime *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	orphans        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowctl_task_claims_total", Help: "Tasks claimed by this dispatcher.",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowctl_task_claim_conflicts_total", Help: "Claims lost to another worker.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowctl_operator_invocations_total", Help: "Operator invocations by operator and result kind.",
		}, []string{"operator", "result"}),
		invocationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "flowctl_operator_invocation_seconds", Help: "Duration of operator invocations.", Buckets: prometheus.DefBuckets,
		}, []string{"operator"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowctl_task_transitions_total", Help: "Task state transitions by target state.",
		}, []string{"to"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowctl_attempts_finished_total", Help: "Attempts finished by outcome.",
		}, []string{"outcome"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowctl_orphaned_tasks_total", Help: "Running tasks recovered from dead workers.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.claims, m.claimConflicts, m.invocations, m.invocationTime, m.transitions, m.attempts, m.orphans,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}

// RegisterPool exposes pool gauges on reg.
func RegisterPool(reg prometheus.Registerer, pool *WorkerPool) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flowctl_worker_pool_active", Help: "Invocations currently running.",
		}, func() float64 { return float64(pool.Metrics().Active) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flowctl_worker_pool_available", Help: "Free worker slots.",
		}, func() float64 { return float64(pool.Available()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "flowctl_worker_pool_panics_total", Help: "Invocations that panicked.",
		}, func() float64 { return float64(pool.Metrics().Panics) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
