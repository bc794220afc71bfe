package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.registrations, "registrations counter should be initialized")
	assert.NotNil(t, collector.deregistrations, "deregistrations counter should be initialized")
	assert.NotNil(t, collector.heartbeats, "heartbeats counter should be initialized")
	assert.NotNil(t, collector.reaps, "reaps counter should be initialized")
	assert.NotNil(t, collector.electionsHeld, "electionsHeld counter should be initialized")
	assert.NotNil(t, collector.electionsWon, "electionsWon counter should be initialized")
	assert.NotNil(t, collector.toolCallsTotal, "toolCallsTotal counter vec should be initialized")
	assert.NotNil(t, collector.toolCallFailures, "toolCallFailures counter vec should be initialized")
	assert.NotNil(t, collector.toolCallLatency, "toolCallLatency histogram should be initialized")
	assert.NotNil(t, collector.workerCount, "workerCount gauge should be initialized")
	assert.NotNil(t, collector.isMaster, "isMaster gauge should be initialized")
}

func TestRecordRegistration(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRegistration()
	}, "RecordRegistration should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordRegistration()
	}
}

func TestRecordDeregistration(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordDeregistration()
	}, "RecordDeregistration should not panic")
}

func TestRecordHeartbeat(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordHeartbeat()
	}, "RecordHeartbeat should not panic")

	for i := 0; i < 10; i++ {
		collector.RecordHeartbeat()
	}
}

func TestRecordReap(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordReap()
	}, "RecordReap should not panic")

	for i := 0; i < 3; i++ {
		collector.RecordReap()
	}
}

func TestRecordElectionHeldAndWon(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordElectionHeld()
		collector.RecordElectionWon()
	}, "RecordElectionHeld/RecordElectionWon should not panic")
}

func TestRecordToolCall(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}

	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordToolCall("workspace_specific", "remote", latency, true)
		}, "RecordToolCall should not panic with latency %f", latency)
	}
}

func TestRecordToolCallFailure(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordToolCall("aggregated", "local", 0.2, false)
	}, "RecordToolCall should not panic on a failed call")
}

func TestSetWorkerCount(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	counts := []int{0, 1, 5, 100}

	for _, n := range counts {
		assert.NotPanics(t, func() {
			collector.SetWorkerCount(n)
		}, "SetWorkerCount should not panic with n=%d", n)
	}
}

func TestSetIsMaster(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetIsMaster(true)
		collector.SetIsMaster(false)
	}, "SetIsMaster should not panic")
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	// Prometheus metrics should be thread-safe.
	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordRegistration()
			collector.RecordHeartbeat()
			collector.RecordToolCall("workspace_specific", "local", 0.05, true)
			collector.SetWorkerCount(10)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	// Collectors register on the default registerer, so they are not
	// independent: only one can exist per registry.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector panics on duplicate registration: a process
	// should have only one collector.
	assert.Panics(t, func() {
		NewCollector()
	}, "creating a second collector should panic due to duplicate registration")
}

func TestMetricOperationSequence(t *testing.T) {
	// A typical registration -> heartbeat -> tool-call sequence.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRegistration()
		collector.SetWorkerCount(1)

		collector.RecordHeartbeat()

		collector.RecordToolCall("workspace_specific", "remote", 0.5, true)
	}, "complete registration/heartbeat/tool-call sequence should not panic")
}

func TestMetricOperationWithFailureAndReap(t *testing.T) {
	// A worker registers, goes quiet, and is reaped after a failed call.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRegistration()
		collector.SetWorkerCount(1)

		collector.RecordToolCall("active_context", "remote", 0.3, false)

		collector.RecordReap()
		collector.RecordDeregistration()
		collector.SetWorkerCount(0)
	}, "registration/failure/reap scenario should not panic")
}

func TestZeroAndBoundaryValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordToolCall("aggregated", "local", 0.0, true) // zero latency
		collector.SetWorkerCount(0)                                // empty registry
	}, "edge case values should not panic")
}
