package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P-de-Jong/codebridge-mcp/internal/portprobe"
	"github.com/P-de-Jong/codebridge-mcp/internal/roledetector"
	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

type fakeLocal struct{}

func (fakeLocal) ExecuteTool(ctx context.Context, name string, params map[string]any) (transport.ToolResult, error) {
	return transport.ToolResult{Success: true, Result: "ok"}, nil
}
func (fakeLocal) GetAvailableTools() []string { return []string{"definition"} }

type fakeAdapter struct{}

func (fakeAdapter) CurrentWorkspaceInfo() (string, string, string, []string) {
	return "ws", "/ws", "folder", []string{"/ws"}
}
func (fakeAdapter) WorkspaceScoreInputs() types.WorkspaceScoreInputs {
	return types.WorkspaceScoreInputs{FileCount: 1, GitCommits: 1, RecentActivity: 1}
}
func (fakeAdapter) WorkerStatus() types.WorkerStatus { return types.WorkerActive }
func (fakeAdapter) ResourceUsage() float64           { return 0 }

func newTestSupervisor(t *testing.T, masterPort int) *Supervisor {
	t.Helper()
	sup := New(Config{
		InstanceID:             "self",
		Version:                "test",
		MasterPort:             masterPort,
		WorkerPortMin:          29700,
		WorkerPortMax:          29799,
		HeartbeatInterval:      50 * time.Millisecond,
		HeartbeatTimeoutMult:   3,
		MasterHealthInterval:   50 * time.Millisecond,
		MasterFailureThreshold: 3,
		ElectionTimeout:        time.Second,
		ShutdownTimeout:        time.Second,
		ElectionWaitForMaster:  30 * time.Millisecond,
		StepDownPortWait:       1 * time.Millisecond,
		RoleDetect: roledetector.Config{
			CoordinationEnabled: true,
			MasterPort:          masterPort,
			ProbeTimeout:        time.Second,
		},
	}, fakeLocal{}, fakeAdapter{}, nil)
	sup.sleep = func(time.Duration) {}
	t.Cleanup(sup.Stop)
	return sup
}

// newFakeMaster starts a minimal HTTP server standing in for another
// process's coordination surface: health identification and worker
// registration, enough for split-brain and becomeWorker tests.
func newFakeMaster(t *testing.T, instanceID string) (int, net.Listener) {
	t.Helper()
	port, err := portprobe.FindAvailablePort(29600, 29650)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/coordination/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "instanceId": instanceID})
	})
	mux.HandleFunc("/coordination/workers/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "masterInstanceId": instanceID, "heartbeatInterval": 50,
		})
	})

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	go http.Serve(ln, mux)
	return port, ln
}

func TestWithDefaultsAppliesFallbacks(t *testing.T) {
	cfg := withDefaults(Config{})
	assert.Equal(t, 250*time.Millisecond, cfg.StepDownPortWait)
	assert.Equal(t, 30*time.Second, cfg.ElectionWaitForMaster)
}

func TestRunBecomesStandaloneWhenCoordinationDisabled(t *testing.T) {
	sup := New(Config{InstanceID: "self", MasterPort: 1}, fakeLocal{}, fakeAdapter{}, nil)
	sup.sleep = func(time.Duration) {}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, sup.Run(ctx))

	assert.Equal(t, types.RoleStandalone, sup.Role())
}

func TestBecomeMasterStartsCore(t *testing.T) {
	port, err := portprobe.FindAvailablePort(29500, 29599)
	require.NoError(t, err)
	sup := newTestSupervisor(t, port)

	require.NoError(t, sup.becomeMaster(context.Background()))
	assert.Equal(t, types.RoleMaster, sup.Role())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/coordination/health", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBecomeMasterStepsDownOnLosingSplitBrainTie(t *testing.T) {
	occupantPort, ln := newFakeMaster(t, "aaa") // lexicographically lower than "self"
	defer ln.Close()

	sup := newTestSupervisor(t, occupantPort) // InstanceID "self" > "aaa"

	require.NoError(t, sup.becomeMaster(context.Background()))
	assert.Equal(t, types.RoleWorker, sup.Role())
}

func TestBecomeWorkerRegistersAgainstMaster(t *testing.T) {
	masterPort, ln := newFakeMaster(t, "master-1")
	defer ln.Close()

	sup := newTestSupervisor(t, masterPort)
	sup.becomeWorker(context.Background())

	assert.Equal(t, types.RoleWorker, sup.Role())
}

func TestOnElectionWonTransitionsToMaster(t *testing.T) {
	masterPort, ln := newFakeMaster(t, "master-1")
	sup := newTestSupervisor(t, masterPort)
	sup.becomeWorker(context.Background())
	require.Equal(t, types.RoleWorker, sup.Role())

	ln.Close() // the old master is gone; this process won the election

	sup.onElectionWon(context.Background())
	assert.Equal(t, types.RoleMaster, sup.Role())
}

func TestOnElectionLostSelfPromotesAfterTimeout(t *testing.T) {
	port, err := portprobe.FindAvailablePort(29500, 29599)
	require.NoError(t, err)
	sup := newTestSupervisor(t, port) // nothing listens on port: always unreachable

	sup.onElectionLost(context.Background())
	assert.Equal(t, types.RoleMaster, sup.Role())
}

func TestOnElectionLostStaysWorkerWhenMasterHealthy(t *testing.T) {
	masterPort, ln := newFakeMaster(t, "master-1")
	defer ln.Close()

	sup := newTestSupervisor(t, masterPort)
	sup.mu.Lock()
	sup.role = types.RoleWorker
	sup.mu.Unlock()

	sup.onElectionLost(context.Background())
	assert.Equal(t, types.RoleWorker, sup.Role())
}

func TestBeginTransitionGuardsReentry(t *testing.T) {
	sup := newTestSupervisor(t, 1)

	assert.True(t, sup.beginTransition())
	assert.False(t, sup.beginTransition())

	sup.endTransition()
	assert.True(t, sup.beginTransition())
}
