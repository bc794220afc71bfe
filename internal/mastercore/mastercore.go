// Package mastercore implements the master role: it owns the worker
// registry, hosts the coordination HTTP surface, reaps stale workers, and
// arbitrates split-brain detected at bind time. Adapted from the
// teacher's internal/controller.Controller (stopCh/WaitGroup lifecycle,
// periodic-ticker loops) and internal/server.Server's RPC handler shapes,
// reshaped onto net/http plus encoding/json.
package mastercore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/internal/metrics"
	"github.com/P-de-Jong/codebridge-mcp/internal/portprobe"
	"github.com/P-de-Jong/codebridge-mcp/internal/registry"
	"github.com/P-de-Jong/codebridge-mcp/internal/router"
	"github.com/P-de-Jong/codebridge-mcp/internal/scheduler"
	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// ErrPortInUse wraps a bind failure so the caller (ModeSupervisor) can
// distinguish "someone else already holds the master port" from other
// startup errors and route into split-brain resolution.
var ErrPortInUse = errors.New("mastercore: master port already bound")

const toolCallHistoryCap = 100

// Config configures a MasterCore instance.
type Config struct {
	InstanceID        types.InstanceId
	Port              int
	Version           string
	HeartbeatInterval time.Duration
	TimeoutMultiplier int
	ShutdownTimeout   time.Duration // global timeout for the shutdown broadcast
}

// toolCallState groups the mutable request-path counters behind one
// mutex, per the design note that MasterState should be a single owner
// with a serialised-mutation discipline rather than scattered locks.
type toolCallState struct {
	mu      sync.Mutex
	history []types.ToolCallLog
	perf    types.PerformanceMetrics
}

func (s *toolCallState) record(entry types.ToolCallLog, duration time.Duration, success bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, entry)
	if len(s.history) > toolCallHistoryCap {
		s.history = s.history[len(s.history)-toolCallHistoryCap:]
	}
	s.perf.Observe(duration, success, now)
}

func (s *toolCallState) snapshot() ([]types.ToolCallLog, types.PerformanceMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ToolCallLog, len(s.history))
	copy(out, s.history)
	return out, s.perf
}

// MasterCore is the master-role runtime: registry, coordination HTTP
// server, reaper, and tool-call bookkeeping.
type MasterCore struct {
	cfg      Config
	registry *registry.Registry
	router   *router.Router
	metrics  *metrics.Collector
	state    toolCallState

	startTime time.Time
	server    *http.Server
	listener  net.Listener
	reaper    *scheduler.Periodic

	// now is overridden in tests for deterministic timestamps.
	now func() time.Time
}

// New creates a MasterCore. rt must already be wired with this process's
// LocalToolExecutor for the local branch of aggregated/fallback routing.
func New(cfg Config, reg *registry.Registry, rt *router.Router, mc *metrics.Collector) *MasterCore {
	return &MasterCore{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		metrics:  mc,
		now:      time.Now,
	}
}

// Start binds the master port and begins serving. If the port is already
// held by another process, it returns an error wrapping ErrPortInUse;
// the caller is expected to probe the occupant's identity (via
// healthprobe) and invoke ResolveSplitBrain before retrying or stepping
// down, per spec.md's split-brain arbitration design.
func (m *MasterCore) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", m.cfg.Port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortInUse, err)
	}
	m.listener = ln
	m.startTime = m.now()

	mux := http.NewServeMux()
	m.mount(mux)
	m.server = &http.Server{Handler: mux}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Default().Error("mastercore: server exited", "error", err)
		}
	}()

	m.reaper = scheduler.New("mastercore-reaper", m.cfg.HeartbeatInterval, m.reap)
	m.reaper.Start()

	if m.metrics != nil {
		m.metrics.SetIsMaster(true)
		m.metrics.SetWorkerCount(m.registry.Count())
	}

	slog.Default().Info("mastercore started", "instanceId", m.cfg.InstanceID, "port", m.cfg.Port)
	return nil
}

func (m *MasterCore) reap(now time.Time) {
	reaped := m.registry.ReapExpired(now, m.cfg.HeartbeatInterval, m.cfg.TimeoutMultiplier)
	for _, id := range reaped {
		slog.Default().Info("mastercore: reaped expired worker", "instanceId", id)
		if m.metrics != nil {
			m.metrics.RecordReap()
			m.metrics.RecordDeregistration()
		}
	}
	if len(reaped) > 0 && m.metrics != nil {
		m.metrics.SetWorkerCount(m.registry.Count())
	}
}

// ResolveSplitBrain decides, given two instance ids observed to both
// believe they are master, which one must step down. Per spec.md §4.7,
// the instance with the lexicographically higher instanceId steps down.
// This is a pure function so the comparator is unit-testable without any
// real port contention; S5 exercises it against the bind-failure path in
// Start.
func ResolveSplitBrain(ownID, otherID types.InstanceId) (stepDown bool) {
	return ownID > otherID
}

// PreserveState snapshots the registry ahead of a step-down, per
// spec.md's preserveState() step. The snapshot is informational only —
// the new WorkerCore does not replay it; it re-registers fresh with the
// winning master.
func (m *MasterCore) PreserveState() []types.WorkerRecord {
	return m.registry.Snapshot()
}

// Stop broadcasts MASTER_SHUTDOWN to every registered worker (bounded by
// cfg.ShutdownTimeout overall), then closes the HTTP server and reaper.
func (m *MasterCore) Stop(ctx context.Context) {
	m.broadcastShutdown(ctx)

	if m.reaper != nil {
		m.reaper.Stop()
	}
	if m.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.server.Shutdown(shutdownCtx)
	}
	if m.metrics != nil {
		m.metrics.SetIsMaster(false)
	}
}

func (m *MasterCore) broadcastShutdown(ctx context.Context) {
	workers := m.registry.Snapshot()
	if len(workers) == 0 {
		return
	}

	timeout := m.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	broadcastCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	client := &http.Client{}
	notice := transport.ShutdownNotice{
		Type:       "MASTER_SHUTDOWN",
		InstanceID: string(m.cfg.InstanceID),
		Timestamp:  transport.NowMillis(m.now()),
		Message:    "master is shutting down",
	}

	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := fmt.Sprintf("http://127.0.0.1:%d/coordination/shutdown", w.Port)
			req, err := http.NewRequestWithContext(broadcastCtx, http.MethodPost, url, jsonBody(notice))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				slog.Default().Warn("mastercore: shutdown notice failed", "worker", w.InstanceID, "error", err)
				return
			}
			resp.Body.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-broadcastCtx.Done():
		slog.Default().Warn("mastercore: shutdown broadcast timed out")
	}
}

func (m *MasterCore) mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /coordination/health", m.handleHealth)
	mux.HandleFunc("POST /coordination/workers/register", m.handleRegister)
	mux.HandleFunc("DELETE /coordination/workers/{id}", m.handleDeregister)
	mux.HandleFunc("POST /coordination/workers/{id}/heartbeat", m.handleHeartbeat)
	mux.HandleFunc("GET /coordination/workers", m.handleListWorkers)
	mux.HandleFunc("POST /coordination/tools/{tool}", m.handleToolCall)
}

func (m *MasterCore) handleHealth(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, transport.HealthResponseBody{
		Status:      string(types.MasterHealthy),
		InstanceID:  string(m.cfg.InstanceID),
		Uptime:      m.now().Sub(m.startTime).Milliseconds(),
		WorkerCount: m.registry.Count(),
		Version:     m.cfg.Version,
		Timestamp:   transport.NowMillis(m.now()),
	})
}

func (m *MasterCore) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body transport.RegisterRequestBody
	if err := transport.DecodeJSON(r, &body); err != nil {
		transport.WriteJSON(w, http.StatusBadRequest, transport.RegisterResponseBody{Success: false, Error: "malformed request body"})
		return
	}

	if body.Port <= 0 || !portprobe.IsReachable(body.Port, 2*time.Second) {
		transport.WriteJSON(w, http.StatusBadRequest, transport.RegisterResponseBody{Success: false, Error: "worker port not reachable"})
		return
	}

	record, err := m.registry.Register(registry.RegisterRequest{
		InstanceID:    types.InstanceId(body.InstanceID),
		WorkspaceName: body.WorkspaceName,
		WorkspacePath: body.WorkspacePath,
		Port:          body.Port,
		Capabilities:  body.Capabilities,
		Version:       body.Version,
	}, m.now())
	if err != nil {
		transport.WriteJSON(w, http.StatusBadRequest, transport.RegisterResponseBody{Success: false, Error: err.Error()})
		return
	}

	if m.metrics != nil {
		m.metrics.RecordRegistration()
		m.metrics.SetWorkerCount(m.registry.Count())
	}

	transport.WriteJSON(w, http.StatusOK, transport.RegisterResponseBody{
		Success:           true,
		InstanceID:        string(record.InstanceID),
		MasterInstanceID:  string(m.cfg.InstanceID),
		HeartbeatInterval: m.cfg.HeartbeatInterval.Milliseconds(),
	})
}

func (m *MasterCore) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := types.InstanceId(r.PathValue("id"))
	m.registry.Deregister(id)
	if m.metrics != nil {
		m.metrics.RecordDeregistration()
		m.metrics.SetWorkerCount(m.registry.Count())
	}
	transport.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (m *MasterCore) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := types.InstanceId(r.PathValue("id"))

	var body transport.HeartbeatRequestBody
	if err := transport.DecodeJSON(r, &body); err != nil {
		transport.WriteJSON(w, http.StatusBadRequest, transport.HeartbeatResponseBody{Success: false})
		return
	}

	if m.metrics != nil {
		m.metrics.RecordHeartbeat()
	}

	ts := time.UnixMilli(body.Timestamp)
	err := m.registry.Heartbeat(id, types.WorkerStatus(body.Status), ts)
	if errors.Is(err, registry.ErrUnknownWorker) {
		// Not-found is recovery, not an error: spec.md §7.
		transport.WriteJSON(w, http.StatusOK, transport.HeartbeatResponseBody{
			Success:          false,
			ShouldReregister: true,
		})
		return
	}

	transport.WriteJSON(w, http.StatusOK, transport.HeartbeatResponseBody{
		Success:      true,
		MasterStatus: string(types.MasterHealthy),
	})
}

func (m *MasterCore) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, transport.WorkersListResponseBody{
		Workers: m.registry.Snapshot(),
	})
}

func (m *MasterCore) handleToolCall(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	var params map[string]any
	if err := transport.DecodeJSON(r, &params); err != nil {
		transport.WriteJSON(w, http.StatusBadRequest, transport.ToolResult{Success: false, Error: "malformed request body"})
		return
	}

	start := m.now()
	result, decision, err := m.router.Route(r.Context(), tool, params)
	duration := m.now().Sub(start)

	class := types.RoutingClassFor(tool)
	target := "local"
	if decision.Target != "" {
		target = "remote"
	} else if decision.Aggregated {
		target = "aggregated"
	}

	success := err == nil && result.Success
	if m.metrics != nil {
		m.metrics.RecordToolCall(string(class), target, duration.Seconds(), success)
	}

	entry := types.ToolCallLog{
		Tool:      tool,
		Params:    params,
		Timestamp: start,
		Duration:  duration,
		RoutedTo:  decision.Target,
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Result = result.Result
	}
	m.state.record(entry, duration, success, m.now())

	if err != nil {
		transport.WriteJSON(w, http.StatusOK, transport.ToolResult{Success: false, Error: err.Error()})
		return
	}
	transport.WriteJSON(w, http.StatusOK, result)
}

// PerformanceSnapshot returns a copy of the rolling performance metrics
// and the bounded tool-call history, for diagnostics.
func (m *MasterCore) PerformanceSnapshot() ([]types.ToolCallLog, types.PerformanceMetrics) {
	return m.state.snapshot()
}

func jsonBody(v any) *bytes.Reader {
	data, err := json.Marshal(v)
	if err != nil {
		return bytes.NewReader([]byte("{}"))
	}
	return bytes.NewReader(data)
}
