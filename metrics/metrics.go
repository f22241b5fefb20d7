// Package metrics exports balancer activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"balance-rpc/loadbalance"
)

const namespace = "balance_rpc"

// Dispatch outcomes.
const (
	OutcomeOK              = "ok"
	OutcomeNoTarget        = "no_target"
	OutcomeNoCurrentTarget = "no_current_target"
	OutcomeCanceled        = "canceled"
	OutcomeError           = "error"
)

// Prometheus implements loadbalance.Observer.
type Prometheus struct {
	gatherer   prometheus.Gatherer
	targets    *prometheus.GaugeVec
	dispatches *prometheus.CounterVec
}

var _ loadbalance.Observer = (*Prometheus)(nil)

// New registers the balancer collectors on a fresh registry.
func New() *Prometheus {
	reg := prometheus.NewRegistry()
	return NewWith(reg, reg)
}

// NewWith registers the collectors on reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		gatherer: g,
		targets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "targets",
				Help:      "Number of current targets per group and resolved pattern.",
			},
			[]string{"group", "pattern"},
		),
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Routed calls per group, resolved pattern, model and outcome.",
			},
			[]string{"group", "pattern", "model", "outcome"},
		),
	}
}

func (p *Prometheus) TargetsChanged(group, key string, count int) {
	p.targets.WithLabelValues(group, key).Set(float64(count))
}

func (p *Prometheus) Dispatched(group, key, model string, err error) {
	p.dispatches.WithLabelValues(group, key, model, Outcome(err)).Inc()
}

// Outcome classifies a Route error into a metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, loadbalance.ErrNoTarget):
		return OutcomeNoTarget
	case errors.Is(err, loadbalance.ErrNoCurrentTarget):
		return OutcomeNoCurrentTarget
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// Handler serves the collected metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
