// Package metrics provides Prometheus collectors for segment evaluation and refresh.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/solatis/segmentkeeper/internal/types"
)

// Result label values.
const (
	ResultOK          = "ok"
	ResultInvalid     = "invalid"
	ResultUnsupported = "unsupported"
	ResultLifecycle   = "lifecycle"
	ResultError       = "error"
)

// Metrics holds the segmentkeeper collectors registered on one registry.
type Metrics struct {
	// refreshes counts refresh outcomes.
	// Labels: result (ok, invalid, unsupported, lifecycle, error)
	refreshes *prometheus.CounterVec

	// evaluations counts store reads.
	// Labels: result
	evaluations *prometheus.CounterVec

	// evaluationSeconds measures store read latency.
	// Labels: op (count, list)
	evaluationSeconds *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "segmentkeeper",
			Name:      "refresh_total",
			Help:      "Dynamic segment refreshes by result",
		}, []string{"result"}),
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "segmentkeeper",
			Name:      "evaluations_total",
			Help:      "Donor store evaluations by result",
		}, []string{"result"}),
		evaluationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "segmentkeeper",
			Name:      "evaluation_seconds",
			Help:      "Donor store evaluation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
	}
}

// Result classifies err into a result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, types.ErrValidation):
		return ResultInvalid
	case errors.Is(err, types.ErrUnsupportedPredicate):
		return ResultUnsupported
	case errors.Is(err, types.ErrLifecycle):
		return ResultLifecycle
	}
	return ResultError
}

// ObserveEvaluation implements rules.Observer.
func (m *Metrics) ObserveEvaluation(op string, elapsed time.Duration, err error) {
	m.evaluations.WithLabelValues(Result(err)).Inc()
	m.evaluationSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveRefresh records one refresh outcome.
func (m *Metrics) ObserveRefresh(err error) {
	m.refreshes.WithLabelValues(Result(err)).Inc()
}
