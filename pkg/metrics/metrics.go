// Package metrics provides Prometheus metrics for the fleet agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics holds the Prometheus registry and the agent's collectors.
type Metrics struct {
	registry *prometheus.Registry
	info     *prometheus.GaugeVec

	// Agent metrics
	Agent *AgentMetrics
}

// NewAgentMetrics creates a registry with the Go, process and agent collectors.
func NewAgentMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "info",
		Help:      "Agent identity; always 1",
	}, []string{"agent_id", "version"})
	registry.MustRegister(info)

	return &Metrics{
		registry: registry,
		info:     info,
		Agent:    newAgentMetrics(registry),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
		},
	)
}

// SetInfo publishes fleet_agent_info, a constant 1 labelled with the
// agent id and version. Calling it again replaces the labels.
func (m *Metrics) SetInfo(agentID, version string) {
	m.info.Reset()
	m.info.WithLabelValues(agentID, version).Set(1)
}

// Server returns an HTTP server exposing /metrics on addr.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
