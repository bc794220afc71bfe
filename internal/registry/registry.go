// Package registry is the master-side WorkerRegistry: mapping from worker
// instance id to WorkerRecord, with heartbeat-timeout reaping and a
// workspace-path to instance-id index. Adapted from the teacher's
// internal/server.go worker map plus the lease/expiry and
// shouldReregister recovery convention from its RegisterWorker and
// SendHeartbeat handlers.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// ErrUnknownWorker is returned by Heartbeat when the instance id is not
// (or no longer) registered; the caller should reply shouldReregister.
var ErrUnknownWorker = errors.New("registry: unknown worker instance")

// RegisterRequest is the payload of POST /coordination/workers/register.
type RegisterRequest struct {
	InstanceID    types.InstanceId
	WorkspaceName string
	WorkspacePath string
	Port          int
	Capabilities  []string
	Version       string
}

// Registry is the master's single-writer worker registry.
//
// Invariants: R1 (InstanceID is primary key), R2 (LastSeen monotonic),
// R3 (port reachable at registration — verified by the caller before
// Register is invoked), M1 (every workspaceRouting value is a registry
// key), M2 (reaping a worker atomically drops its routing entries).
type Registry struct {
	mu               sync.RWMutex
	workers          map[types.InstanceId]*types.WorkerRecord
	workspaceRouting map[string]types.InstanceId
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		workers:          make(map[types.InstanceId]*types.WorkerRecord),
		workspaceRouting: make(map[string]types.InstanceId),
	}
}

// Register validates and creates or replaces the record for
// req.InstanceID, updating the workspace index. Replacing an existing id
// is allowed (re-registration after a worker restarts with the same id).
func (r *Registry) Register(req RegisterRequest, now time.Time) (*types.WorkerRecord, error) {
	if req.InstanceID == "" {
		return nil, errors.New("registry: instanceId is required")
	}
	if req.Port <= 0 {
		return nil, errors.New("registry: port must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop any stale routing entry pointing at a previous workspace path
	// for this instance before recording the new one.
	if existing, ok := r.workers[req.InstanceID]; ok {
		if existing.WorkspacePath != "" && r.workspaceRouting[existing.WorkspacePath] == req.InstanceID {
			delete(r.workspaceRouting, existing.WorkspacePath)
		}
	}

	record := &types.WorkerRecord{
		InstanceID:    req.InstanceID,
		WorkspaceName: req.WorkspaceName,
		WorkspacePath: req.WorkspacePath,
		Port:          req.Port,
		Capabilities:  req.Capabilities,
		Status:        types.WorkerActive,
		RegisteredAt:  now,
		LastSeen:      now,
		Version:       req.Version,
	}
	r.workers[req.InstanceID] = record

	if req.WorkspacePath != "" {
		r.workspaceRouting[req.WorkspacePath] = req.InstanceID
	}

	return record, nil
}

// Deregister removes a worker and its routing entries. Idempotent.
func (r *Registry) Deregister(id types.InstanceId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

// Heartbeat updates lastSeen/status for a known worker. If the id is
// unknown it returns ErrUnknownWorker so the caller can reply
// shouldReregister:true, per the recovery (not error) convention in
// spec.md §7.
func (r *Registry) Heartbeat(id types.InstanceId, status types.WorkerStatus, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	if ts.After(record.LastSeen) {
		record.LastSeen = ts
	}
	record.Status = status
	return nil
}

// ReapExpired removes every record whose LastSeen is older than
// timeoutMultiplier * heartbeatInterval before now, atomically dropping
// its workspaceRouting entry (M2). Returns the reaped instance ids.
func (r *Registry) ReapExpired(now time.Time, heartbeatInterval time.Duration, timeoutMultiplier int) []types.InstanceId {
	deadline := time.Duration(timeoutMultiplier) * heartbeatInterval

	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []types.InstanceId
	for id, rec := range r.workers {
		if now.Sub(rec.LastSeen) > deadline {
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		r.removeLocked(id)
	}
	return reaped
}

// removeLocked deletes a worker and its routing entry; caller holds mu.
func (r *Registry) removeLocked(id types.InstanceId) {
	rec, ok := r.workers[id]
	if !ok {
		return
	}
	delete(r.workers, id)
	if rec.WorkspacePath != "" && r.workspaceRouting[rec.WorkspacePath] == id {
		delete(r.workspaceRouting, rec.WorkspacePath)
	}
}

// Get returns a copy-on-read snapshot of one worker, or false if absent.
func (r *Registry) Get(id types.InstanceId) (types.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workers[id]
	if !ok {
		return types.WorkerRecord{}, false
	}
	return *rec, true
}

// Snapshot returns a consistent copy-on-read list of all workers.
func (r *Registry) Snapshot() []types.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, *rec)
	}
	return out
}

// Count returns the number of currently registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// ByWorkspace resolves the worker registered for an exact workspace path
// through the workspaceRouting index. Router's workspace_specific strategy
// (a) does not call it; it scans Snapshot for a name or path match.
func (r *Registry) ByWorkspace(path string) (types.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.workspaceRouting[path]
	if !ok {
		return types.WorkerRecord{}, false
	}
	rec, ok := r.workers[id]
	if !ok {
		return types.WorkerRecord{}, false
	}
	return *rec, true
}

// MostRecentlyActive returns the active worker with the greatest LastSeen,
// used by the active_context routing class and workspace_specific
// fallback (c).
func (r *Registry) MostRecentlyActive() (types.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.WorkerRecord
	for _, rec := range r.workers {
		if rec.Status != types.WorkerActive {
			continue
		}
		if best == nil || rec.LastSeen.After(best.LastSeen) {
			best = rec
		}
	}
	if best == nil {
		return types.WorkerRecord{}, false
	}
	return *best, true
}

// Any returns an arbitrary registered worker, used by workspace_specific
// fallback (d).
func (r *Registry) Any() (types.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.workers {
		return *rec, true
	}
	return types.WorkerRecord{}, false
}

// ByWorkspacePrefix returns the worker whose WorkspacePath is the longest
// matching prefix of path, used for the uri-based selection strategy (b)
// with the longest-prefix tie-break.
func (r *Registry) ByWorkspacePrefix(path string) (types.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.WorkerRecord
	bestLen := -1
	for _, rec := range r.workers {
		if rec.WorkspacePath == "" {
			continue
		}
		if hasPathPrefix(path, rec.WorkspacePath) && len(rec.WorkspacePath) > bestLen {
			best = rec
			bestLen = len(rec.WorkspacePath)
		}
	}
	if best == nil {
		return types.WorkerRecord{}, false
	}
	return *best, true
}

// hasPathPrefix reports whether prefix is a path-boundary-respecting prefix
// of path: prefix itself, or prefix followed by "/". A bare string match
// would let "/a" prefix-match "/ab/x".
func hasPathPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	if path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || prefix[len(prefix)-1] == '/' || path[len(prefix)] == '/'
}
