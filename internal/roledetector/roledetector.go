// Package roledetector decides the initial role (MASTER / WORKER /
// STANDALONE) of a process at startup, adapting the randomized
// collision-avoidance backoff from internal/raft's election-timeout idiom
// into a jittered re-probe before a process claims mastership.
package roledetector

import (
	"context"
	"math/rand"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// WorkspaceScorer supplies the local workspace score used to decide
// whether a DEGRADED master probe should be treated as an opportunity to
// become master. Backed by the WorkspaceAdapter the core consumes.
type WorkspaceScorer interface {
	LocalWorkspaceScore() float64
}

// Prober is the subset of healthprobe.Prober this detector depends on.
type Prober interface {
	ProbeMaster(ctx context.Context, port int, timeout time.Duration) types.MasterStatus
}

// Config configures detection.
type Config struct {
	CoordinationEnabled bool
	ForcedRole           types.Role
	MasterPort           int
	ProbeTimeout         time.Duration
	// ScoreThreshold is the minimum local workspace score that makes this
	// process a mastership candidate after a sustained DEGRADED reading.
	ScoreThreshold float64
}

// Detector decides the initial role of this process.
type Detector struct {
	cfg     Config
	prober  Prober
	scorer  WorkspaceScorer
	sleep   func(time.Duration)
	randInt func(n int64) int64
}

// New creates a Detector.
func New(cfg Config, prober Prober, scorer WorkspaceScorer) *Detector {
	return &Detector{
		cfg:     cfg,
		prober:  prober,
		scorer:  scorer,
		sleep:   time.Sleep,
		randInt: rand.Int63n,
	}
}

// Detect runs the role-detection algorithm described in spec.md §4.3.
func (d *Detector) Detect(ctx context.Context) types.Role {
	if !d.cfg.CoordinationEnabled {
		return types.RoleStandalone
	}
	if d.cfg.ForcedRole != "" {
		return d.cfg.ForcedRole
	}

	status := d.prober.ProbeMaster(ctx, d.cfg.MasterPort, d.cfg.ProbeTimeout)
	switch status {
	case types.MasterHealthy:
		return types.RoleWorker
	case types.MasterUnreachable, types.MasterShutdown:
		return types.RoleMaster
	default: // MasterDegraded
		return d.evaluateDegraded(ctx)
	}
}

// evaluateDegraded re-probes three times at 1s intervals; if at least
// 67% of those probes remain DEGRADED/UNREACHABLE, it computes a local
// workspace score and, if that score clears the threshold, waits a
// randomized 0-2000ms backoff before a final re-probe. The randomized
// backoff is a required split-brain avoidance mechanism, not a
// performance tweak: it keeps two processes that both observe a degraded
// master from claiming mastership in lockstep.
func (d *Detector) evaluateDegraded(ctx context.Context) types.Role {
	const samples = 3
	unhealthy := 0
	for i := 0; i < samples; i++ {
		if i > 0 {
			d.sleep(time.Second)
		}
		status := d.prober.ProbeMaster(ctx, d.cfg.MasterPort, d.cfg.ProbeTimeout)
		if status == types.MasterDegraded || status == types.MasterUnreachable {
			unhealthy++
		}
	}

	if float64(unhealthy)/float64(samples) < 0.67 {
		return types.RoleWorker
	}

	score := d.scorer.LocalWorkspaceScore()
	if score < d.cfg.ScoreThreshold {
		return types.RoleWorker
	}

	backoff := time.Duration(d.randInt(2001)) * time.Millisecond
	d.sleep(backoff)

	final := d.prober.ProbeMaster(ctx, d.cfg.MasterPort, d.cfg.ProbeTimeout)
	if final == types.MasterUnreachable || final == types.MasterDegraded || final == types.MasterShutdown {
		return types.RoleMaster
	}
	return types.RoleWorker
}
