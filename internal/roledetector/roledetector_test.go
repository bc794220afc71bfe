package roledetector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

type fakeProber struct {
	sequence []types.MasterStatus
	calls    int
}

func (f *fakeProber) ProbeMaster(ctx context.Context, port int, timeout time.Duration) types.MasterStatus {
	s := f.sequence[f.calls]
	if f.calls < len(f.sequence)-1 {
		f.calls++
	}
	return s
}

type fakeScorer struct{ score float64 }

func (f fakeScorer) LocalWorkspaceScore() float64 { return f.score }

func newTestDetector(cfg Config, prober Prober, scorer WorkspaceScorer) *Detector {
	d := New(cfg, prober, scorer)
	d.sleep = func(time.Duration) {}
	d.randInt = func(n int64) int64 { return 0 }
	return d
}

func TestDetectStandaloneWhenDisabled(t *testing.T) {
	d := newTestDetector(Config{CoordinationEnabled: false}, &fakeProber{}, fakeScorer{})
	assert.Equal(t, types.RoleStandalone, d.Detect(context.Background()))
}

func TestDetectForcedRole(t *testing.T) {
	d := newTestDetector(Config{CoordinationEnabled: true, ForcedRole: types.RoleWorker}, &fakeProber{}, fakeScorer{})
	assert.Equal(t, types.RoleWorker, d.Detect(context.Background()))
}

func TestDetectWorkerWhenMasterHealthy(t *testing.T) {
	d := newTestDetector(Config{CoordinationEnabled: true}, &fakeProber{sequence: []types.MasterStatus{types.MasterHealthy}}, fakeScorer{})
	assert.Equal(t, types.RoleWorker, d.Detect(context.Background()))
}

func TestDetectMasterWhenUnreachable(t *testing.T) {
	d := newTestDetector(Config{CoordinationEnabled: true}, &fakeProber{sequence: []types.MasterStatus{types.MasterUnreachable}}, fakeScorer{})
	assert.Equal(t, types.RoleMaster, d.Detect(context.Background()))
}

func TestDetectDegradedBecomesMasterWhenScoreClears(t *testing.T) {
	prober := &fakeProber{sequence: []types.MasterStatus{
		types.MasterDegraded, // initial probe -> evaluateDegraded
		types.MasterDegraded, // sample 1
		types.MasterUnreachable, // sample 2
		types.MasterUnreachable, // sample 3, repeated for the final re-probe
	}}
	d := newTestDetector(Config{CoordinationEnabled: true, ScoreThreshold: 0.5}, prober, fakeScorer{score: 0.9})
	assert.Equal(t, types.RoleMaster, d.Detect(context.Background()))
}

func TestDetectDegradedBecomesWorkerWhenScoreBelowThreshold(t *testing.T) {
	prober := &fakeProber{sequence: []types.MasterStatus{
		types.MasterDegraded,
		types.MasterDegraded,
		types.MasterUnreachable,
	}}
	d := newTestDetector(Config{CoordinationEnabled: true, ScoreThreshold: 0.5}, prober, fakeScorer{score: 0.1})
	assert.Equal(t, types.RoleWorker, d.Detect(context.Background()))
}

func TestDetectDegradedBecomesWorkerWhenMostlyHealthyOnResample(t *testing.T) {
	prober := &fakeProber{sequence: []types.MasterStatus{
		types.MasterDegraded,
		types.MasterHealthy,
		types.MasterHealthy,
		types.MasterHealthy,
	}}
	d := newTestDetector(Config{CoordinationEnabled: true, ScoreThreshold: 0.0}, prober, fakeScorer{score: 1})
	assert.Equal(t, types.RoleWorker, d.Detect(context.Background()))
}
