// Package metrics exposes Prometheus metrics for the coordination plane.
//
// Metric names follow the RED/USE conventions used throughout the pack:
// counters for registrations, heartbeats, and reaps; a histogram for
// remote tool-call latency; gauges for current worker count and role.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one coordination-plane instance.
type Collector struct {
	registrations   prometheus.Counter
	deregistrations prometheus.Counter
	heartbeats      prometheus.Counter
	reaps           prometheus.Counter

	electionsHeld prometheus.Counter
	electionsWon  prometheus.Counter

	toolCallsTotal   *prometheus.CounterVec
	toolCallFailures *prometheus.CounterVec
	toolCallLatency  prometheus.Histogram

	workerCount prometheus.Gauge
	isMaster    prometheus.Gauge
}

// NewCollector creates and registers a new metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_worker_registrations_total",
			Help: "Total number of worker registrations accepted by the master.",
		}),
		deregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_worker_deregistrations_total",
			Help: "Total number of worker deregistrations (explicit or reaped).",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_heartbeats_total",
			Help: "Total number of heartbeats received by the master.",
		}),
		reaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_worker_reaps_total",
			Help: "Total number of workers removed by heartbeat-timeout reaping.",
		}),
		electionsHeld: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_elections_held_total",
			Help: "Total number of leader elections initiated by this instance.",
		}),
		electionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_elections_won_total",
			Help: "Total number of leader elections won by this instance.",
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordination_tool_calls_total",
			Help: "Total tool calls routed, labeled by routing class and target.",
		}, []string{"class", "target"}),
		toolCallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordination_tool_call_failures_total",
			Help: "Total tool calls that failed, labeled by routing class.",
		}, []string{"class"}),
		toolCallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordination_tool_call_latency_seconds",
			Help:    "Tool call round-trip latency in seconds, local or remote.",
			Buckets: prometheus.DefBuckets,
		}),
		workerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_registered_workers",
			Help: "Current number of workers registered with this master.",
		}),
		isMaster: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_is_master",
			Help: "1 if this instance currently holds the master role, else 0.",
		}),
	}

	prometheus.MustRegister(
		c.registrations,
		c.deregistrations,
		c.heartbeats,
		c.reaps,
		c.electionsHeld,
		c.electionsWon,
		c.toolCallsTotal,
		c.toolCallFailures,
		c.toolCallLatency,
		c.workerCount,
		c.isMaster,
	)

	return c
}

// RecordRegistration records a worker registration.
func (c *Collector) RecordRegistration() { c.registrations.Inc() }

// RecordDeregistration records a worker deregistration (explicit or reaped).
func (c *Collector) RecordDeregistration() { c.deregistrations.Inc() }

// RecordHeartbeat records a heartbeat received at the master.
func (c *Collector) RecordHeartbeat() { c.heartbeats.Inc() }

// RecordReap records a worker removed by heartbeat-timeout reaping.
func (c *Collector) RecordReap() { c.reaps.Inc() }

// RecordElectionHeld records that this instance initiated an election.
func (c *Collector) RecordElectionHeld() { c.electionsHeld.Inc() }

// RecordElectionWon records that this instance won an election.
func (c *Collector) RecordElectionWon() { c.electionsWon.Inc() }

// RecordToolCall records a completed tool call routed by the given class to
// the given target ("local", "remote", or "aggregated"), with its latency
// in seconds.
func (c *Collector) RecordToolCall(class, target string, latencySeconds float64, success bool) {
	c.toolCallsTotal.WithLabelValues(class, target).Inc()
	c.toolCallLatency.Observe(latencySeconds)
	if !success {
		c.toolCallFailures.WithLabelValues(class).Inc()
	}
}

// SetWorkerCount sets the current registered-worker gauge.
func (c *Collector) SetWorkerCount(n int) { c.workerCount.Set(float64(n)) }

// SetIsMaster sets whether this instance currently holds the master role.
func (c *Collector) SetIsMaster(master bool) {
	if master {
		c.isMaster.Set(1)
		return
	}
	c.isMaster.Set(0)
}

// StartServer starts the Prometheus metrics HTTP server on the given port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
