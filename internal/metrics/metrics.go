// Package metrics defines the Prometheus collectors exported by rackd.
//
// Collectors are registered on a per-instance registry rather than the
// global default so that tests can build as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every rackd collector.
type Metrics struct {
	registry *prometheus.Registry

	// SlotReservations counts reserve/release attempts by operation and result.
	SlotReservations *prometheus.CounterVec

	// Transitions counts synchronous state change requests.
	Transitions *prometheus.CounterVec

	// Activations counts finished activation tasks by outcome.
	Activations *prometheus.CounterVec

	// ActivationsPending tracks accepted but unfinished activation tasks.
	ActivationsPending prometheus.Gauge

	// ActivationDelay observes the provisioning delay drawn per task.
	ActivationDelay prometheus.Histogram

	// Expirations counts active servers moved to unpaid.
	Expirations *prometheus.CounterVec

	// EventsPublished counts lifecycle events by type and result.
	EventsPublished *prometheus.CounterVec
}

// New builds a Metrics with its own registry, including Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SlotReservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rackd_slot_operations_total",
			Help: "Rack slot operations by operation and result",
		}, []string{"operation", "result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rackd_state_transitions_total",
			Help: "Requested server state transitions by source, target and result",
		}, []string{"from", "to", "result"}),
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rackd_activations_total",
			Help: "Finished activation tasks by outcome",
		}, []string{"outcome"}),
		ActivationsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "rackd_activations_pending",
			Help: "Activation tasks accepted and not yet finished",
		}),
		ActivationDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rackd_activation_delay_seconds",
			Help:    "Provisioning delay applied to activation tasks",
			Buckets: []float64{0.01, 0.1, 1, 3, 5, 10, 20, 30},
		}),
		Expirations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rackd_server_expirations_total",
			Help: "Active servers moved to unpaid, by detection path",
		}, []string{"path"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rackd_events_published_total",
			Help: "Lifecycle events published by type and result",
		}, []string{"type", "result"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Result maps an error to a low-cardinality label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
