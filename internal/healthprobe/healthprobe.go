// Package healthprobe classifies a remote master's health by probing its
// /coordination/health endpoint, adapted from cuemby-warren's
// pkg/health.HTTPChecker context-aware request/timing shape.
package healthprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// healthyLatencyBound is the spec's hard HEALTHY/DEGRADED boundary.
// Consumers must not interpret timing variance below this bound as
// degradation: only completion time >= this bound, or a malformed
// response, counts as DEGRADED.
const healthyLatencyBound = 2000 * time.Millisecond

// HealthResponse is the subset of /coordination/health this probe parses.
type HealthResponse struct {
	Status      string `json:"status"`
	InstanceID  string `json:"instanceId"`
	WorkerCount int    `json:"workerCount"`
}

// Prober probes a remote master's health endpoint over HTTP.
type Prober struct {
	Client *http.Client
}

// New creates a Prober with a sensible default client.
func New() *Prober {
	return &Prober{Client: &http.Client{}}
}

// ProbeMaster probes the loopback master port and classifies its status.
// HEALTHY: the probe completed in < 2000ms with a parseable response.
// DEGRADED: it completed but was slow (>= 2000ms) or malformed.
// UNREACHABLE: connection was refused or the request timed out.
func (p *Prober) ProbeMaster(ctx context.Context, port int, timeout time.Duration) types.MasterStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/coordination/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.MasterUnreachable
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return types.MasterUnreachable
	}
	defer resp.Body.Close()

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.MasterDegraded
	}
	if resp.StatusCode != http.StatusOK || body.InstanceID == "" {
		return types.MasterDegraded
	}
	if body.Status == string(types.MasterShutdown) {
		return types.MasterShutdown
	}
	if elapsed >= healthyLatencyBound {
		return types.MasterDegraded
	}

	return types.MasterHealthy
}

// Identify probes port and returns the instanceId reported by whoever is
// listening there, for split-brain arbitration (spec.md §4.7): a process
// that fails to bind its configured master port needs to know who beat
// it there before it can run the deterministic tie-break.
func (p *Prober) Identify(ctx context.Context, port int, timeout time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/coordination/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.InstanceID == "" {
		return "", false
	}
	return body.InstanceID, true
}
