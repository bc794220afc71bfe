// Package workercore implements the worker role: it binds the local port
// its caller chose, exposes the local tool-exec and worker-side
// coordination endpoints,
// registers with the master (retrying with exponential backoff), and
// runs the heartbeat and master-health timers that decide when to
// trigger an election. Adapted from the teacher's
// internal/worker.GrpcJobSource (register/Heartbeat/ReRegister
// convention) transliterated from gRPC to HTTP, and its
// pollerLoop/ackLoop ticker-plus-stopCh shape.
package workercore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/internal/healthprobe"
	"github.com/P-de-Jong/codebridge-mcp/internal/metrics"
	"github.com/P-de-Jong/codebridge-mcp/internal/scheduler"
	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// ErrRegistrationExhausted is returned by Register when every retry
// attempt has failed; the caller (ModeSupervisor) transitions to
// STANDALONE while keeping the local tool-exec endpoint live.
var ErrRegistrationExhausted = errors.New("workercore: registration retries exhausted")

const maxRegistrationAttempts = 5

// Config configures a WorkerCore instance.
type Config struct {
	InstanceID      types.InstanceId
	Port            int
	MasterPort      int
	Version         string
	MasterHealthInterval   time.Duration
	MasterFailureThreshold int
}

// ElectionTrigger is invoked by the master-health loop once the failure
// counter reaches cfg.MasterFailureThreshold, provided no election is
// already in progress.
type ElectionTrigger interface {
	IsElectionInProgress() bool
	StartElection(ctx context.Context)
}

// WorkerCore is the worker-role runtime.
type WorkerCore struct {
	cfg     Config
	local   transport.LocalToolExecutor
	adapter transport.WorkspaceAdapter
	metrics *metrics.Collector
	prober  *healthprobe.Prober
	trigger ElectionTrigger

	server       *http.Server
	listener     net.Listener
	heartbeatLoop *scheduler.Periodic
	healthLoop    *scheduler.Periodic

	heartbeatInterval time.Duration
	failureCount      int
	registeredAt      time.Time

	client *http.Client
	// sleep/now are overridden in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

// New creates a WorkerCore bound to local port cfg.Port.
func New(cfg Config, local transport.LocalToolExecutor, adapter transport.WorkspaceAdapter, mc *metrics.Collector, trigger ElectionTrigger) *WorkerCore {
	return &WorkerCore{
		cfg:     cfg,
		local:   local,
		adapter: adapter,
		metrics: mc,
		prober:  healthprobe.New(),
		trigger: trigger,
		client:  &http.Client{},
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// Start binds the local port and serves the worker HTTP surface. It does
// not register with the master or start the timers: call Register, then
// BeginTimers once registration succeeds. The HTTP surface keeps running
// even if Register exhausts its retries.
func (w *WorkerCore) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", w.cfg.Port))
	if err != nil {
		return fmt.Errorf("workercore: bind local port %d: %w", w.cfg.Port, err)
	}
	w.listener = ln

	mux := http.NewServeMux()
	w.mount(mux)
	w.server = &http.Server{Handler: mux}

	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Default().Error("workercore: server exited", "error", err)
		}
	}()

	return nil
}

// Stop closes the HTTP server and any running timers.
func (w *WorkerCore) Stop() {
	if w.heartbeatLoop != nil {
		w.heartbeatLoop.Stop()
	}
	if w.healthLoop != nil {
		w.healthLoop.Stop()
	}
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.server.Shutdown(ctx)
	}
}

// Register calls the master's register endpoint with exponential backoff
// (2^n seconds) up to maxRegistrationAttempts. On success it records the
// master-assigned heartbeat interval for BeginTimers. On exhaustion it
// returns ErrRegistrationExhausted; the local tool-exec endpoint started
// by Start remains live regardless.
func (w *WorkerCore) Register(ctx context.Context) error {
	name, path, _, _ := w.adapter.CurrentWorkspaceInfo()
	body := transport.RegisterRequestBody{
		InstanceID:    string(w.cfg.InstanceID),
		WorkspaceName: name,
		WorkspacePath: path,
		Port:          w.cfg.Port,
		Capabilities:  w.local.GetAvailableTools(),
		Version:       w.cfg.Version,
	}

	var lastErr error
	for attempt := 0; attempt < maxRegistrationAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			w.sleep(backoff)
		}

		resp, err := w.doRegister(ctx, body)
		if err == nil && resp.Success {
			w.heartbeatInterval = time.Duration(resp.HeartbeatInterval) * time.Millisecond
			w.registeredAt = w.now()
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("workercore: registration rejected: %s", resp.Error)
		}
	}

	return fmt.Errorf("%w: %v", ErrRegistrationExhausted, lastErr)
}

func (w *WorkerCore) doRegister(ctx context.Context, body transport.RegisterRequestBody) (transport.RegisterResponseBody, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return transport.RegisterResponseBody{}, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/coordination/workers/register", w.cfg.MasterPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return transport.RegisterResponseBody{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return transport.RegisterResponseBody{}, err
	}
	defer resp.Body.Close()

	var out transport.RegisterResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transport.RegisterResponseBody{}, err
	}
	return out, nil
}

// BeginTimers starts the heartbeat-send loop and the master-health loop.
func (w *WorkerCore) BeginTimers() {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w.heartbeatLoop = scheduler.New("workercore-heartbeat", interval, w.sendHeartbeat)
	w.heartbeatLoop.Start()

	healthInterval := w.cfg.MasterHealthInterval
	if healthInterval <= 0 {
		healthInterval = 3 * time.Second
	}
	w.healthLoop = scheduler.New("workercore-master-health", healthInterval, w.checkMasterHealth)
	w.healthLoop.Start()
}

// sendHeartbeat posts this worker's liveness to the master. Per spec.md
// §4.8, a failed heartbeat call is not itself a failure signal — the
// master-health timer is the sole authority for detecting master loss —
// so errors here are logged and absorbed.
func (w *WorkerCore) sendHeartbeat(now time.Time) {
	status := w.adapter.WorkerStatus()
	body := transport.HeartbeatRequestBody{
		InstanceID: string(w.cfg.InstanceID),
		Status:     string(status),
		Timestamp:  transport.NowMillis(now),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/coordination/workers/%s/heartbeat", w.cfg.MasterPort, w.cfg.InstanceID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Default().Warn("workercore: heartbeat failed", "error", err)
		return
	}
	defer resp.Body.Close()

	var out transport.HeartbeatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return
	}
	if out.ShouldReregister {
		if err := w.Register(ctx); err != nil {
			slog.Default().Warn("workercore: re-registration failed", "error", err)
		}
	}
}

// checkMasterHealth probes the master and updates the failure counter,
// triggering an election once the threshold is reached.
func (w *WorkerCore) checkMasterHealth(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status := w.prober.ProbeMaster(ctx, w.cfg.MasterPort, 2*time.Second)
	if status == types.MasterHealthy {
		w.failureCount = 0
		return
	}

	w.failureCount++
	slog.Default().Warn("workercore: master unhealthy", "status", status, "failureCount", w.failureCount)

	if w.failureCount >= w.cfg.MasterFailureThreshold && w.trigger != nil {
		if !w.trigger.IsElectionInProgress() {
			w.trigger.StartElection(context.Background())
		}
	}
}

func (w *WorkerCore) mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", w.handleHealth)
	mux.HandleFunc("POST /tools/{tool}", w.handleToolCall)
	mux.HandleFunc("GET /context", w.handleContext)
	mux.HandleFunc("GET /election/candidate", w.handleElectionCandidate)
	mux.HandleFunc("POST /election/message", w.handleElectionMessage)
	mux.HandleFunc("POST /coordination/shutdown", w.handleShutdownNotice)
}

func (w *WorkerCore) handleHealth(rw http.ResponseWriter, r *http.Request) {
	name, _, _, _ := w.adapter.CurrentWorkspaceInfo()
	transport.WriteJSON(rw, http.StatusOK, transport.HealthResponseBody{
		Status:        string(types.MasterHealthy),
		InstanceID:    string(w.cfg.InstanceID),
		WorkspaceName: name,
		Capabilities:  w.local.GetAvailableTools(),
		Timestamp:     transport.NowMillis(w.now()),
	})
}

func (w *WorkerCore) handleToolCall(rw http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	var params map[string]any
	if err := transport.DecodeJSON(r, &params); err != nil {
		transport.WriteJSON(rw, http.StatusBadRequest, transport.ToolResult{Success: false, Error: "malformed request body"})
		return
	}

	result, err := w.local.ExecuteTool(r.Context(), tool, params)
	if err != nil {
		transport.WriteJSON(rw, http.StatusOK, transport.ToolResult{Success: false, Error: err.Error()})
		return
	}
	transport.WriteJSON(rw, http.StatusOK, result)
}

func (w *WorkerCore) handleContext(rw http.ResponseWriter, r *http.Request) {
	name, path, kind, folders := w.adapter.CurrentWorkspaceInfo()
	transport.WriteJSON(rw, http.StatusOK, map[string]any{
		"workspace": map[string]any{
			"name":    name,
			"path":    path,
			"type":    kind,
			"folders": folders,
		},
	})
}

// uptime reports how long this worker has held its registration, per
// spec.md §4.9's "ms since worker registration". A worker still waiting
// on Register (registeredAt zero) reports zero rather than a fabricated
// value.
func (w *WorkerCore) uptime() time.Duration {
	if w.registeredAt.IsZero() {
		return 0
	}
	return w.now().Sub(w.registeredAt)
}

func (w *WorkerCore) handleElectionCandidate(rw http.ResponseWriter, r *http.Request) {
	inputs := w.adapter.WorkspaceScoreInputs()
	transport.WriteJSON(rw, http.StatusOK, types.ElectionCandidate{
		InstanceID:     w.cfg.InstanceID,
		WorkspaceScore: inputs.WorkspaceScore(),
		Uptime:         w.uptime(),
		ResourceUsage:  w.adapter.ResourceUsage(),
		LastSeen:       w.now(),
		Capabilities:   w.local.GetAvailableTools(),
	})
}

func (w *WorkerCore) handleElectionMessage(rw http.ResponseWriter, r *http.Request) {
	var msg transport.ElectionMessage
	if err := transport.DecodeJSON(r, &msg); err != nil {
		transport.WriteJSON(rw, http.StatusBadRequest, map[string]bool{"success": false})
		return
	}
	slog.Default().Info("workercore: election message received", "type", msg.Type, "from", msg.FromInstanceID)
	transport.WriteJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

func (w *WorkerCore) handleShutdownNotice(rw http.ResponseWriter, r *http.Request) {
	var notice transport.ShutdownNotice
	if err := transport.DecodeJSON(r, &notice); err != nil {
		transport.WriteJSON(rw, http.StatusBadRequest, map[string]bool{"success": false})
		return
	}
	slog.Default().Info("workercore: master shutdown notice received", "from", notice.InstanceID)
	transport.WriteJSON(rw, http.StatusOK, map[string]bool{"success": true})
}
