// Package metrics defines the handful of Prometheus collectors this proxy
// exposes and an injected (non-global) registry to hold them.
//
// Grounded on wisbric-nightowl's internal/telemetry/metrics.go (package-level
// collector vars, an All()-style registration list) and internal/httpserver/server.go
// (a *prometheus.Registry threaded through the server rather than relying on
// the package-global DefaultRegisterer, so tests can register a scratch
// registry instead of colliding with other packages' metrics).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the collectors this proxy emits along with the registry
// they are registered against.
type Registry struct {
	reg *prometheus.Registry

	SelectionsTotal     *prometheus.CounterVec
	CooldownsInstalled  *prometheus.CounterVec
	QuotaSweepDuration  prometheus.Histogram
	ModelsDisabled      *prometheus.GaugeVec
	UpstreamCallDuration *prometheus.HistogramVec
	UpstreamErrorsTotal *prometheus.CounterVec
	StreamEventsTotal   *prometheus.CounterVec
}

// New constructs a fresh registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity_proxy",
			Subsystem: "selector",
			Name:      "selections_total",
			Help:      "Total number of credential selections, by model.",
		}, []string{"model"}),
		CooldownsInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity_proxy",
			Subsystem: "cooldown",
			Name:      "installed_total",
			Help:      "Total number of cooldown records installed, by reason.",
		}, []string{"reason"}),
		QuotaSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "antigravity_proxy",
			Subsystem: "quota",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full quota monitor sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		ModelsDisabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "antigravity_proxy",
			Subsystem: "quota",
			Name:      "models_disabled",
			Help:      "Number of models currently disabled per credential.",
		}, []string{"credential"}),
		UpstreamCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "antigravity_proxy",
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of an upstream call, by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity_proxy",
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Total number of classified upstream errors, by kind.",
		}, []string{"kind"}),
		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "antigravity_proxy",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total number of SSE events emitted, by event type.",
		}, []string{"event_type"}),
	}
	reg.MustRegister(
		m.SelectionsTotal,
		m.CooldownsInstalled,
		m.QuotaSweepDuration,
		m.ModelsDisabled,
		m.UpstreamCallDuration,
		m.UpstreamErrorsTotal,
		m.StreamEventsTotal,
	)
	return m
}

// Registerer exposes the underlying registry for promhttp.HandlerFor.
func (m *Registry) Registerer() *prometheus.Registry {
	return m.reg
}
