package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider bundles the metrics registry and the tracer.
type Provider struct {
	Registry *prometheus.Registry
	Metrics  *Metrics
	Tracer   *Tracer
}

// NewProvider creates a private registry with Go and process collectors plus all service metrics.
func NewProvider() *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Provider{
		Registry: reg,
		Metrics:  NewMetrics(reg),
		Tracer:   NewTracer(),
	}
}

// NewNopProvider registers on a throwaway registry. Intended for tests and one-shot commands.
func NewNopProvider() *Provider {
	reg := prometheus.NewRegistry()
	return &Provider{Registry: reg, Metrics: NewMetrics(reg), Tracer: NewTracer()}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry})
}
