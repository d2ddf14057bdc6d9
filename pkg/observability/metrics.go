package observability

import (
	"context"
	"errors"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a Coordinator.
type Metrics struct {
	rounds       prometheus.Counter
	aborts       *prometheus.CounterVec
	duration     prometheus.Histogram
	samples      prometheus.Counter
	currentRound prometheus.Gauge
	delta        prometheus.Gauge
	state        *prometheus.GaugeVec
}

var states = []domain.RoundState{
	domain.StateIdle,
	domain.StateBroadcasting,
	domain.StateCollecting,
	domain.StateAggregating,
	domain.StateUpdated,
	domain.StateAborted,
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_rounds_completed_total",
			Help: "Total number of completed rounds",
		}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmesh_rounds_aborted_total",
			Help: "Total number of aborted round attempts",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedmesh_round_duration_seconds",
			Help:    "Duration of completed rounds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_samples_aggregated_total",
			Help: "Sum of the sample counts of every aggregated contribution",
		}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fedmesh_round",
			Help: "Index of the last completed round",
		}),
		delta: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fedmesh_update_l2",
			Help: "Euclidean norm of the last global update",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fedmesh_round_state",
			Help: "1 for the current state of the round state machine",
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{m.rounds, m.aborts, m.duration, m.samples, m.currentRound, m.delta, m.state} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	m.setState(domain.StateIdle)
	return m, nil
}

func (m *Metrics) setState(s domain.RoundState) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

// Hooks returns the callbacks that feed the collectors.
func (m *Metrics) Hooks() domain.RoundHooks {
	return domain.RoundHooks{
		OnStateChange: func(_ context.Context, e *domain.StateEvent) {
			m.setState(e.To)
		},
		OnRoundComplete: func(_ context.Context, e *domain.RoundEvent) {
			m.rounds.Inc()
			m.duration.Observe(e.Duration.Seconds())
			m.samples.Add(float64(e.TotalSamples))
			m.currentRound.Set(float64(e.Round))
			if e.Delta != nil {
				m.delta.Set(e.Delta.L2)
			} else {
				m.delta.Set(0)
			}
		},
		OnRoundAbort: func(_ context.Context, e *domain.RoundEvent) {
			m.aborts.WithLabelValues(AbortReason(e.Err)).Inc()
		},
	}
}

// AbortReason maps an abort cause to a low-cardinality label.
func AbortReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrParticipantUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrRoundOrderViolation):
		return "order"
	case errors.Is(err, domain.ErrShapeMismatch):
		return "shape"
	case errors.Is(err, domain.ErrIncompatibleRepresentations):
		return "representation"
	case errors.Is(err, domain.ErrKeyMismatch):
		return "key"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
