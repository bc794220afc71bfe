// Package election implements leader election among discovered workers
// when the master is judged unreachable. Grounded on
// internal/raft/raft.go's startElection (vote-counting under a mutex,
// quorum = majority of peers, convertToLeader on majority) with "vote"
// replaced by "candidate score response" and the RPC transport replaced
// by HTTP GET/POST against the worker surface.
package election

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// State is a position in the election state machine.
type State string

const (
	StateIdle                 State = "IDLE"
	StateDiscovering          State = "DISCOVERING"
	StateCollectingCandidates State = "COLLECTING_CANDIDATES"
	StateDecided              State = "DECIDED"
	StateBroadcasting         State = "BROADCASTING"
)

// ErrElectionInProgress is returned when a second election is requested
// while one is already running on this process.
var ErrElectionInProgress = errors.New("election: already in progress")

// ErrQuorumNotMet is returned when fewer than ceil(totalWorkers/2)
// candidates responded to scoring before electionTimeout elapsed.
var ErrQuorumNotMet = errors.New("election: quorum not met")

const (
	portScanBatchSize  = 10
	portScanProbe      = 2 * time.Second
	portScanBatchGap   = 100 * time.Millisecond
	defaultElectionTimeout = 5 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	SelfInstanceID  types.InstanceId
	WorkerPortMin   int
	WorkerPortMax   int
	ElectionTimeout time.Duration
	// DyingMasterPort is probed first for a registry listing; 0 skips it.
	DyingMasterPort int
}

// Result is the outcome of one completed election.
type Result struct {
	Winner  types.ElectionCandidate
	SelfWon bool
}

// candidate pairs a discovered worker's port with its scored response.
type candidate struct {
	port int
	data types.ElectionCandidate
}

// Coordinator runs at most one election at a time per process.
type Coordinator struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	state State

	sleep func(time.Duration)
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = defaultElectionTimeout
	}
	return &Coordinator{
		cfg:    cfg,
		client: &http.Client{},
		state:  StateIdle,
		sleep:  time.Sleep,
	}
}

// IsElectionInProgress reports whether this process is currently running
// an election.
func (c *Coordinator) IsElectionInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateIdle
}

// StartElection runs the full discover → collect → decide → broadcast
// sequence and returns the winner. A concurrent call while one is
// already running returns ErrElectionInProgress immediately.
func (c *Coordinator) StartElection(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return Result{}, ErrElectionInProgress
	}
	c.state = StateDiscovering
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
	}()

	ports := c.discover(ctx)
	if len(ports) == 0 {
		return Result{}, fmt.Errorf("election: no workers discovered")
	}

	c.setState(StateCollectingCandidates)
	candidates := c.collectCandidates(ctx, ports)

	quorum := int(math.Ceil(float64(len(ports)) / 2))
	if len(candidates) < quorum {
		return Result{}, fmt.Errorf("%w: got %d of %d ports, needed %d", ErrQuorumNotMet, len(candidates), len(ports), quorum)
	}

	c.setState(StateDecided)
	winner := pickWinner(candidates)

	c.setState(StateBroadcasting)
	c.broadcastWinner(ctx, candidates, winner)

	return Result{
		Winner:  winner.data,
		SelfWon: winner.data.InstanceID == c.cfg.SelfInstanceID,
	}, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// discover tries the dying master's registry listing first, then falls
// back to a bounded-concurrency port scan of the worker range.
func (c *Coordinator) discover(ctx context.Context) []int {
	if c.cfg.DyingMasterPort > 0 {
		if ports := c.discoverViaDyingMaster(ctx); len(ports) > 0 {
			return ports
		}
	}
	return c.discoverViaPortScan(ctx)
}

func (c *Coordinator) discoverViaDyingMaster(ctx context.Context) []int {
	url := fmt.Sprintf("http://127.0.0.1:%d/coordination/workers", c.cfg.DyingMasterPort)
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var body transport.WorkersListResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}

	ports := make([]int, 0, len(body.Workers))
	for _, w := range body.Workers {
		ports = append(ports, w.Port)
	}
	return ports
}

// discoverViaPortScan probes every port in [WorkerPortMin, WorkerPortMax]
// in batches of 10 concurrent probes, 2s timeout each, 100ms between
// batches. A port counts as a worker iff its /health reply carries a
// non-empty instanceId. The batch size is load-bearing: unbounded
// concurrency here would self-throttle on loopback.
func (c *Coordinator) discoverViaPortScan(ctx context.Context) []int {
	var mu sync.Mutex
	var found []int

	for start := c.cfg.WorkerPortMin; start <= c.cfg.WorkerPortMax; start += portScanBatchSize {
		end := start + portScanBatchSize - 1
		if end > c.cfg.WorkerPortMax {
			end = c.cfg.WorkerPortMax
		}

		var g errgroup.Group
		for port := start; port <= end; port++ {
			port := port
			g.Go(func() error {
				if id := c.probeHealth(ctx, port); id != "" {
					mu.Lock()
					found = append(found, port)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if start+portScanBatchSize <= c.cfg.WorkerPortMax {
			c.sleep(portScanBatchGap)
		}
	}

	sort.Ints(found)
	return found
}

func (c *Coordinator) probeHealth(ctx context.Context, port int) string {
	reqCtx, cancel := context.WithTimeout(ctx, portScanProbe)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var body transport.HealthResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.InstanceID
}

// collectCandidates scores every discovered port via /election/candidate,
// bounded by cfg.ElectionTimeout overall.
func (c *Coordinator) collectCandidates(ctx context.Context, ports []int) []candidate {
	collectCtx, cancel := context.WithTimeout(ctx, c.cfg.ElectionTimeout)
	defer cancel()

	var mu sync.Mutex
	var candidates []candidate
	var wg sync.WaitGroup

	for _, port := range ports {
		port := port
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.scoreCandidate(collectCtx, port)
			if err != nil {
				return
			}
			mu.Lock()
			candidates = append(candidates, candidate{port: port, data: data})
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-collectCtx.Done():
		slog.Default().Warn("election: collection phase timed out, deciding with partial responses")
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]candidate, len(candidates))
	copy(out, candidates)
	return out
}

func (c *Coordinator) scoreCandidate(ctx context.Context, port int) (types.ElectionCandidate, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/election/candidate", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.ElectionCandidate{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return types.ElectionCandidate{}, err
	}
	defer resp.Body.Close()

	var out types.ElectionCandidate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.ElectionCandidate{}, err
	}
	return out, nil
}

// pickWinner applies the deterministic comparator: workspaceScore DESC,
// uptime DESC, resourceUsage ASC, instanceId ASC. Because instanceId
// breaks every remaining tie, sorting always yields a unique maximum.
func pickWinner(candidates []candidate) candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].data, sorted[j].data
		if a.WorkspaceScore != b.WorkspaceScore {
			return a.WorkspaceScore > b.WorkspaceScore
		}
		if a.Uptime != b.Uptime {
			return a.Uptime > b.Uptime
		}
		if a.ResourceUsage != b.ResourceUsage {
			return a.ResourceUsage < b.ResourceUsage
		}
		return a.InstanceID < b.InstanceID
	})

	return sorted[0]
}

// broadcastWinner sends MASTER_ELECTED to every candidate except the
// winner. Failures are logged and ignored: losing candidates discover
// the new master via their own health loop within 30s regardless.
func (c *Coordinator) broadcastWinner(ctx context.Context, candidates []candidate, winner candidate) {
	msg := transport.ElectionMessage{
		Type:           "MASTER_ELECTED",
		FromInstanceID: string(c.cfg.SelfInstanceID),
		Timestamp:      transport.NowMillis(time.Now()),
		Data:           map[string]any{"newMasterId": winner.data.InstanceID, "newMasterPort": winner.port},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var wg sync.WaitGroup
	for _, cand := range candidates {
		if cand.port == winner.port {
			continue
		}
		cand := cand
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := fmt.Sprintf("http://127.0.0.1:%d/election/message", cand.port)
			reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.client.Do(req)
			if err != nil {
				slog.Default().Warn("election: broadcast failed", "port", cand.port, "error", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()
}
