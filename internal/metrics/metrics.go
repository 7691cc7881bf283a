package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service's prometheus collectors. A nil *Metrics is
// safe to use; every method becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	signersCreated *prometheus.CounterVec
	castsPublished *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	rateLimited    prometheus.Counter
}

// New builds a registry with process/go collectors plus service counters.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		signersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_signers_created_total",
			Help: "Signer credentials created, by provider.",
		}, []string{"provider"}),
		castsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_casts_published_total",
			Help: "Casts published, by provider.",
		}, []string{"provider"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_upstream_errors_total",
			Help: "Upstream provider call failures, by provider client.",
		}, []string{"client"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
	registry.MustRegister(m.signersCreated, m.castsPublished, m.upstreamErrors, m.rateLimited)
	return m
}

// Handler exposes the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SignerCreated records a successful credential creation.
func (m *Metrics) SignerCreated(provider string) {
	if m == nil {
		return
	}
	m.signersCreated.WithLabelValues(provider).Inc()
}

// CastPublished records a successful cast publication.
func (m *Metrics) CastPublished(provider string) {
	if m == nil {
		return
	}
	m.castsPublished.WithLabelValues(provider).Inc()
}

// UpstreamError records a provider call failure.
func (m *Metrics) UpstreamError(client string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(client).Inc()
}

// RateLimited records a rate-limiter rejection.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
