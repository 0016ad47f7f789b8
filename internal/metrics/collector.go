// Package metrics provides Prometheus metrics for the session agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evalgo.org/sessionagent/models"
)

// Collector holds the agent's Prometheus collectors.
type Collector struct {
	registry prometheus.Gatherer

	heartbeatsTotal    *prometheus.CounterVec
	operationsTotal    *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	sessionHosts       prometheus.Gauge
	hostStartsTotal    *prometheus.CounterVec
	hostExitsTotal     prometheus.Counter
	logLinesTotal      prometheus.Counter
	deleteFailureTotal prometheus.Counter
}

// NewCollector creates a collector registered on its own registry, together
// with the Go and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewCollectorWithRegistry(registry, registry)
}

// NewCollectorWithRegistry creates a collector registered on registerer and
// served from gatherer.
func NewCollectorWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		registry: gatherer,
		heartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionagent_heartbeats_total",
				Help: "Heartbeats received, by route shape",
			},
			[]string{"shape"},
		),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionagent_heartbeat_operations_total",
				Help: "Operations returned to session hosts",
			},
			[]string{"operation"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionagent_state_transitions_total",
				Help: "Accepted session host state changes, by new state",
			},
			[]string{"state"},
		),
		sessionHosts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionagent_session_hosts",
				Help: "Session host records currently in the store",
			},
		),
		hostStartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionagent_host_starts_total",
				Help: "Session host start attempts, by result",
			},
			[]string{"result"},
		),
		hostExitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionagent_host_exits_total",
				Help: "Session hosts whose backend unit exited",
			},
		),
		logLinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionagent_log_lines_captured_total",
				Help: "Lines appended to session host capture files",
			},
		),
		deleteFailureTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionagent_delete_failures_total",
				Help: "Backend units that could not be terminated",
			},
		),
	}

	registerer.MustRegister(
		c.heartbeatsTotal,
		c.operationsTotal,
		c.stateTransitions,
		c.sessionHosts,
		c.hostStartsTotal,
		c.hostExitsTotal,
		c.logLinesTotal,
		c.deleteFailureTotal,
	)

	return c
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHeartbeat counts one heartbeat and the operation returned for it.
func (c *Collector) RecordHeartbeat(shape string, op models.Operation) {
	if c == nil {
		return
	}
	c.heartbeatsTotal.WithLabelValues(shape).Inc()
	c.operationsTotal.WithLabelValues(op.String()).Inc()
}

// RecordStateTransition counts one accepted state change.
func (c *Collector) RecordStateTransition(state models.SessionHostStatus) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(state.String()).Inc()
}

// SetSessionHosts sets the number of records in the store.
func (c *Collector) SetSessionHosts(n int) {
	if c == nil {
		return
	}
	c.sessionHosts.Set(float64(n))
}

// RecordHostStart counts a start attempt.
func (c *Collector) RecordHostStart(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.hostStartsTotal.WithLabelValues(result).Inc()
}

// RecordHostExit counts a backend unit exit.
func (c *Collector) RecordHostExit() {
	if c == nil {
		return
	}
	c.hostExitsTotal.Inc()
}

// RecordLogLines adds n captured lines.
func (c *Collector) RecordLogLines(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.logLinesTotal.Add(float64(n))
}

// RecordDeleteFailure counts a failed TryDelete.
func (c *Collector) RecordDeleteFailure() {
	if c == nil {
		return
	}
	c.deleteFailureTotal.Inc()
}
