// Package supervisor implements the lifecycle orchestrator described in
// spec.md §4.10: detect a starting role, run the corresponding core, and
// carry out the role transitions triggered by election outcomes,
// split-brain detection, and registration exhaustion. Grounded on the
// teacher's internal/cli.go role dispatch (runWorkerNode/runControllerNode
// choosing a run function per mode), generalized from a one-shot CLI
// branch taken once at startup into explicit transition methods a running
// process invokes on itself.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/internal/election"
	"github.com/P-de-Jong/codebridge-mcp/internal/healthprobe"
	"github.com/P-de-Jong/codebridge-mcp/internal/mastercore"
	"github.com/P-de-Jong/codebridge-mcp/internal/metrics"
	"github.com/P-de-Jong/codebridge-mcp/internal/portprobe"
	"github.com/P-de-Jong/codebridge-mcp/internal/registry"
	"github.com/P-de-Jong/codebridge-mcp/internal/remoteexec"
	"github.com/P-de-Jong/codebridge-mcp/internal/roledetector"
	"github.com/P-de-Jong/codebridge-mcp/internal/router"
	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/internal/workercore"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// Config carries every field the master and worker cores need, since a
// transition always constructs a fresh core rather than mutating the
// previous one in place (spec.md §9's tagged-variant design note).
type Config struct {
	InstanceID types.InstanceId
	Version    string

	MasterPort    int
	WorkerPortMin int
	WorkerPortMax int

	HeartbeatInterval      time.Duration
	HeartbeatTimeoutMult   int
	MasterHealthInterval   time.Duration
	MasterFailureThreshold int
	ElectionTimeout        time.Duration
	ShutdownTimeout        time.Duration

	RoleDetect roledetector.Config

	// StepDownPortWait is the small delay spec.md §9 requires before a
	// stepped-down master's fresh WorkerCore re-binds a worker port,
	// giving its own just-closed master listener time to release.
	StepDownPortWait time.Duration
	// ElectionWaitForMaster bounds how long a losing worker waits for the
	// election's winner to actually come up before self-promoting.
	ElectionWaitForMaster time.Duration
}

func withDefaults(cfg Config) Config {
	if cfg.StepDownPortWait <= 0 {
		cfg.StepDownPortWait = 250 * time.Millisecond
	}
	if cfg.ElectionWaitForMaster <= 0 {
		cfg.ElectionWaitForMaster = 30 * time.Second
	}
	return cfg
}

// workspaceScorer adapts transport.WorkspaceAdapter to the narrower
// interface roledetector needs.
type workspaceScorer struct {
	adapter transport.WorkspaceAdapter
}

func (w workspaceScorer) LocalWorkspaceScore() float64 {
	return w.adapter.WorkspaceScoreInputs().WorkspaceScore()
}

// Supervisor holds the single running role as a tagged variant: exactly
// one of master or worker is non-nil at a time (both nil means
// STANDALONE, which has no core of its own beyond the local tool-exec
// surface the caller already exposes).
type Supervisor struct {
	cfg     Config
	local   transport.LocalToolExecutor
	adapter transport.WorkspaceAdapter
	metrics *metrics.Collector
	prober  *healthprobe.Prober

	mu            sync.Mutex
	role          types.Role
	transitioning bool

	master *mastercore.MasterCore
	worker *workercore.WorkerCore

	sleep func(time.Duration)
}

// New creates a Supervisor.
func New(cfg Config, local transport.LocalToolExecutor, adapter transport.WorkspaceAdapter, mc *metrics.Collector) *Supervisor {
	cfg = withDefaults(cfg)
	return &Supervisor{
		cfg:     cfg,
		local:   local,
		adapter: adapter,
		metrics: mc,
		prober:  healthprobe.New(),
		sleep:   time.Sleep,
	}
}

// Run detects the starting role, starts the corresponding core, and
// blocks until ctx is cancelled, at which point it stops whichever core
// ended up running.
func (s *Supervisor) Run(ctx context.Context) error {
	detector := roledetector.New(s.cfg.RoleDetect, s.prober, workspaceScorer{s.adapter})
	role := detector.Detect(ctx)
	slog.Default().Info("supervisor: starting role", "role", role, "instanceId", s.cfg.InstanceID)

	switch role {
	case types.RoleMaster:
		if err := s.becomeMaster(ctx); err != nil {
			slog.Default().Error("supervisor: failed to start as master", "error", err)
			s.becomeStandalone()
		}
	case types.RoleWorker:
		s.becomeWorker(ctx)
	default:
		s.becomeStandalone()
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// Role reports the current operating role.
func (s *Supervisor) Role() types.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Stop shuts down whichever core is currently running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	master, worker := s.master, s.worker
	s.mu.Unlock()

	if master != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		master.Stop(ctx)
	}
	if worker != nil {
		worker.Stop()
	}
}

// beginTransition returns false (and does nothing) if a transition is
// already underway, implementing spec.md §4.10's non-concurrency
// requirement: "a flag (becomingMaster etc.) must short-circuit re-entry".
func (s *Supervisor) beginTransition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitioning {
		return false
	}
	s.transitioning = true
	return true
}

func (s *Supervisor) endTransition() {
	s.mu.Lock()
	s.transitioning = false
	s.mu.Unlock()
}

// becomeMaster starts a fresh MasterCore bound to the configured master
// port. A bind failure is interpreted as split-brain: another process
// already holds the port, and ResolveSplitBrain decides whether this
// process steps down to WORKER or the occupant must (in which case this
// process keeps retrying is not modeled here; spec.md places that
// decision with whichever side loses the tie, so losing ties is the only
// branch this function needs to act on).
func (s *Supervisor) becomeMaster(ctx context.Context) error {
	reg := registry.New()
	remote := remoteexec.New()
	rt := router.New(reg, remote, s.local)

	mc := mastercore.New(mastercore.Config{
		InstanceID:        s.cfg.InstanceID,
		Port:              s.cfg.MasterPort,
		Version:           s.cfg.Version,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		TimeoutMultiplier: s.cfg.HeartbeatTimeoutMult,
		ShutdownTimeout:   s.cfg.ShutdownTimeout,
	}, reg, rt, s.metrics)

	if err := mc.Start(ctx); err != nil {
		if errors.Is(err, mastercore.ErrPortInUse) {
			return s.handleSplitBrain(ctx)
		}
		return fmt.Errorf("supervisor: master start failed: %w", err)
	}

	s.mu.Lock()
	s.master = mc
	s.worker = nil
	s.role = types.RoleMaster
	s.mu.Unlock()
	return nil
}

// handleSplitBrain runs when this process lost the bind race for the
// master port. It identifies the occupant via HealthProbe, applies the
// deterministic tie-break, and steps down to WORKER on a losing
// comparison. spec.md §REDESIGN-FLAGS notes the source's split-brain path
// always reported "no other master" — this identifies the real occupant
// instead of fabricating that outcome.
func (s *Supervisor) handleSplitBrain(ctx context.Context) error {
	occupant, ok := s.prober.Identify(ctx, s.cfg.MasterPort, 2*time.Second)
	if !ok {
		return fmt.Errorf("supervisor: master port held but occupant unidentifiable")
	}

	if !mastercore.ResolveSplitBrain(s.cfg.InstanceID, types.InstanceId(occupant)) {
		// We won the tie; the occupant is expected to step down on its
		// own next health check. Nothing to do on our side but report
		// the conflict upward.
		return fmt.Errorf("supervisor: split-brain with %s, we won the tie but lost the bind race", occupant)
	}

	slog.Default().Info("supervisor: lost split-brain tie, stepping down to worker", "occupant", occupant, "self", s.cfg.InstanceID)
	s.sleep(s.cfg.StepDownPortWait)
	s.becomeWorker(ctx)
	return nil
}

// becomeWorker starts a fresh WorkerCore: binds a local port, registers
// with the master (retrying with backoff), and begins the heartbeat and
// master-health timers on success. On registration exhaustion it leaves
// the WorkerCore's local tool-exec endpoint running but marks the role
// STANDALONE, per spec.md §4.8/§4.10.
func (s *Supervisor) becomeWorker(ctx context.Context) {
	port, err := portprobe.FindAvailablePort(s.cfg.WorkerPortMin, s.cfg.WorkerPortMax)
	if err != nil {
		slog.Default().Error("supervisor: no worker port available", "error", err)
		s.becomeStandalone()
		return
	}

	coord := election.New(election.Config{
		SelfInstanceID:  s.cfg.InstanceID,
		WorkerPortMin:   s.cfg.WorkerPortMin,
		WorkerPortMax:   s.cfg.WorkerPortMax,
		ElectionTimeout: s.cfg.ElectionTimeout,
		DyingMasterPort: s.cfg.MasterPort,
	})
	trigger := &electionAdapter{sup: s, coord: coord}

	wc := workercore.New(workercore.Config{
		InstanceID:             s.cfg.InstanceID,
		Port:                   port,
		MasterPort:             s.cfg.MasterPort,
		Version:                s.cfg.Version,
		MasterHealthInterval:   s.cfg.MasterHealthInterval,
		MasterFailureThreshold: s.cfg.MasterFailureThreshold,
	}, s.local, s.adapter, s.metrics, trigger)

	if err := wc.Start(ctx); err != nil {
		slog.Default().Error("supervisor: worker start failed", "error", err)
		s.becomeStandalone()
		return
	}

	s.mu.Lock()
	s.worker = wc
	s.master = nil
	s.role = types.RoleWorker
	s.mu.Unlock()

	if err := wc.Register(ctx); err != nil {
		slog.Default().Warn("supervisor: registration exhausted, falling back to standalone", "error", err)
		s.mu.Lock()
		s.role = types.RoleStandalone
		s.mu.Unlock()
		return
	}

	wc.BeginTimers()
}

// becomeStandalone marks the process as STANDALONE with no coordination
// core running at all — just the local tool-exec surface the caller
// already exposes outside the supervisor.
func (s *Supervisor) becomeStandalone() {
	s.mu.Lock()
	s.master = nil
	s.worker = nil
	s.role = types.RoleStandalone
	s.mu.Unlock()
}

// electionAdapter implements workercore.ElectionTrigger, wiring a
// WorkerCore's master-health loop to an election.Coordinator and, once
// that coordinator decides a winner, back into the supervisor's own
// transition methods.
type electionAdapter struct {
	sup   *Supervisor
	coord *election.Coordinator
}

func (e *electionAdapter) IsElectionInProgress() bool {
	return e.coord.IsElectionInProgress()
}

// StartElection is called by the WorkerCore's master-health loop; it
// must not block that loop, so the actual election runs in its own
// goroutine.
func (e *electionAdapter) StartElection(ctx context.Context) {
	go e.run(ctx)
}

func (e *electionAdapter) run(ctx context.Context) {
	if e.sup.metrics != nil {
		e.sup.metrics.RecordElectionHeld()
	}

	result, err := e.coord.StartElection(ctx)
	if err != nil {
		slog.Default().Warn("supervisor: election failed", "error", err)
		return
	}

	if result.SelfWon {
		if e.sup.metrics != nil {
			e.sup.metrics.RecordElectionWon()
		}
		e.sup.onElectionWon(ctx)
		return
	}
	e.sup.onElectionLost(ctx)
}

// onElectionWon transitions WORKER → MASTER: stop the WorkerCore, start
// a MasterCore on the configured master port, and reset the failure
// counter implicitly by discarding the old WorkerCore entirely (a fresh
// component per transition, never a mutated one, per spec.md §9).
func (s *Supervisor) onElectionWon(ctx context.Context) {
	if !s.beginTransition() {
		return
	}
	defer s.endTransition()

	s.mu.Lock()
	worker := s.worker
	s.mu.Unlock()
	if worker != nil {
		worker.Stop()
	}

	if err := s.becomeMaster(ctx); err != nil {
		slog.Default().Error("supervisor: failed to become master after election win", "error", err)
		s.becomeStandalone()
	}
}

// onElectionLost waits up to cfg.ElectionWaitForMaster for the elected
// winner to actually come up before self-promoting, per spec.md §4.10's
// "WORKER, election lost → WORKER: wait ≤30s for new master; on timeout,
// self-promote".
func (s *Supervisor) onElectionLost(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.ElectionWaitForMaster)
	for time.Now().Before(deadline) {
		if s.prober.ProbeMaster(ctx, s.cfg.MasterPort, 2*time.Second) == types.MasterHealthy {
			return
		}
		s.sleep(time.Second)
	}

	slog.Default().Warn("supervisor: no master appeared after election loss, self-promoting")
	s.onElectionWon(ctx)
}
