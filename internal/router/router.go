// Package router picks the execution target for a tool call based on its
// static routing class, fans out and merges aggregated tools, and falls
// back to local execution on remote failure. Grounded on
// internal/controller.go's single-assignment dispatch loop, generalized
// to multi-target fan-out using golang.org/x/sync/errgroup so one failing
// branch never cancels its siblings.
package router

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/P-de-Jong/codebridge-mcp/internal/remoteexec"
	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// RegistryView is the read-only subset of registry.Registry the Router
// depends on, copy-on-read per the spec's shared-resource policy.
type RegistryView interface {
	Snapshot() []types.WorkerRecord
	ByWorkspace(path string) (types.WorkerRecord, bool)
	ByWorkspacePrefix(path string) (types.WorkerRecord, bool)
	MostRecentlyActive() (types.WorkerRecord, bool)
	Any() (types.WorkerRecord, bool)
}

// RemoteCaller is the subset of remoteexec.Executor the Router depends on.
type RemoteCaller interface {
	Call(ctx context.Context, worker types.WorkerRecord, tool string, params map[string]any) (transport.ToolResult, error)
}

// Decision records where a call actually went, for toolCallLog.routedTo
// and for the "Router records the fallback" requirement.
type Decision struct {
	Target      types.InstanceId
	FellBack    bool
	Aggregated  bool
	BranchCount int
}

// Router dispatches tool calls by routing class.
type Router struct {
	registry RegistryView
	remote   RemoteCaller
	local    transport.LocalToolExecutor
}

// New creates a Router.
func New(registry RegistryView, remote RemoteCaller, local transport.LocalToolExecutor) *Router {
	return &Router{registry: registry, remote: remote, local: local}
}

// Route executes tool according to its routing class and returns the
// result plus a Decision describing where it actually went.
func (r *Router) Route(ctx context.Context, tool string, params map[string]any) (transport.ToolResult, Decision, error) {
	switch types.RoutingClassFor(tool) {
	case types.ClassAggregated:
		return r.routeAggregated(ctx, tool, params)
	case types.ClassActiveContext:
		return r.routeActiveContext(ctx, tool, params)
	default:
		return r.routeWorkspaceSpecific(ctx, tool, params)
	}
}

func (r *Router) routeWorkspaceSpecific(ctx context.Context, tool string, params map[string]any) (transport.ToolResult, Decision, error) {
	target, ok := r.selectWorkspaceTarget(params)
	if !ok {
		result, err := r.callLocal(ctx, tool, params)
		return result, Decision{Target: "", FellBack: false}, err
	}

	result, err := r.remote.Call(ctx, target, tool, params)
	if err == nil {
		return result, Decision{Target: target.InstanceID}, nil
	}

	// Remote failed after retries; fall back to local execution.
	result, localErr := r.callLocal(ctx, tool, params)
	return result, Decision{Target: "", FellBack: true}, localErr
}

// selectWorkspaceTarget implements the (a)-(d) selection chain from
// spec.md §4.6; (e) local is handled by the caller when ok is false.
func (r *Router) selectWorkspaceTarget(params map[string]any) (types.WorkerRecord, bool) {
	if ws, ok := stringParam(params, "workspace"); ok {
		for _, w := range r.registry.Snapshot() {
			if w.WorkspaceName == ws || w.WorkspacePath == ws {
				return w, true
			}
		}
	}

	if uri, ok := stringParam(params, "uri"); ok {
		abs := normalizePath(uri)
		if w, ok := r.registry.ByWorkspacePrefix(abs); ok {
			return w, true
		}
	}

	if w, ok := r.registry.MostRecentlyActive(); ok {
		return w, true
	}

	if w, ok := r.registry.Any(); ok {
		return w, true
	}

	return types.WorkerRecord{}, false
}

func (r *Router) routeActiveContext(ctx context.Context, tool string, params map[string]any) (transport.ToolResult, Decision, error) {
	target, ok := r.registry.MostRecentlyActive()
	if !ok {
		result, err := r.callLocal(ctx, tool, params)
		return result, Decision{}, err
	}

	result, err := r.remote.Call(ctx, target, tool, params)
	if err == nil {
		return result, Decision{Target: target.InstanceID}, nil
	}

	result, localErr := r.callLocal(ctx, tool, params)
	return result, Decision{FellBack: true}, localErr
}

// branch is one fan-out result, tagged with its originator for merge.
type branch struct {
	origin types.InstanceId // empty means this process (local/master)
	result transport.ToolResult
	err    error
}

// routeAggregated fans out to every worker and to local, then merges
// per-tool. At least one successful branch is required.
func (r *Router) routeAggregated(ctx context.Context, tool string, params map[string]any) (transport.ToolResult, Decision, error) {
	workers := r.registry.Snapshot()
	branches := make([]branch, len(workers)+1)

	// A zero-value Group (not WithContext) is used deliberately: branch
	// calls below capture their own error into `branches` and always
	// return nil from the group func, so one failing branch never cancels
	// or aborts its siblings — "null for failed branches", not early-exit.
	var g errgroup.Group

	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			res, err := r.remote.Call(ctx, w, tool, params)
			branches[i] = branch{origin: w.InstanceID, result: res, err: err}
			return nil
		})
	}

	localIdx := len(workers)
	g.Go(func() error {
		res, err := r.callLocal(ctx, tool, params)
		branches[localIdx] = branch{origin: "", result: res, err: err}
		return nil
	})

	_ = g.Wait()

	successes := 0
	for _, b := range branches {
		if b.err == nil {
			successes++
		}
	}
	if successes == 0 {
		return transport.ToolResult{}, Decision{Aggregated: true, BranchCount: len(branches)}, fmt.Errorf("all workers and local failed for tool %s", tool)
	}

	merged := merge(tool, branches)
	return merged, Decision{Aggregated: true, BranchCount: len(branches)}, nil
}

func (r *Router) callLocal(ctx context.Context, tool string, params map[string]any) (transport.ToolResult, error) {
	if r.local == nil {
		return transport.ToolResult{}, fmt.Errorf("router: no local executor available for tool %s", tool)
	}
	return r.local.ExecuteTool(ctx, tool, params)
}

func stringParam(params map[string]any, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func normalizePath(uri string) string {
	if strings.HasPrefix(uri, "file://") {
		uri = strings.TrimPrefix(uri, "file://")
	}
	return filepath.Clean(uri)
}

// merge applies the per-tool aggregation policy from spec.md §4.6.
func merge(tool string, branches []branch) transport.ToolResult {
	switch tool {
	case "open-files":
		return mergeDedupByField(branches, "uri")
	case "workspace-symbols":
		return mergeDedupCapped(branches, 100)
	case "file-search":
		return mergeNonEmptyLines(branches)
	case "workspaces", "instances":
		return mergeWithOriginPrefix(branches)
	default:
		return mergeFirstSuccess(branches)
	}
}

func mergeFirstSuccess(branches []branch) transport.ToolResult {
	for _, b := range branches {
		if b.err == nil {
			return b.result
		}
	}
	return transport.ToolResult{}
}

func mergeDedupByField(branches []branch, field string) transport.ToolResult {
	seen := make(map[string]bool)
	var out []any
	for _, b := range branches {
		if b.err != nil {
			continue
		}
		items, ok := b.result.Result.([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				out = append(out, item)
				continue
			}
			key := fmt.Sprintf("%v", m[field])
			if key != "" && seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
		}
	}
	return transport.ToolResult{Success: true, Result: out}
}

func mergeDedupCapped(branches []branch, cap int) transport.ToolResult {
	seen := make(map[string]bool)
	var out []any
	for _, b := range branches {
		if b.err != nil {
			continue
		}
		items, ok := b.result.Result.([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			key := fmt.Sprintf("%v", item)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
			if len(out) >= cap {
				return transport.ToolResult{Success: true, Result: out}
			}
		}
	}
	return transport.ToolResult{Success: true, Result: out}
}

func mergeNonEmptyLines(branches []branch) transport.ToolResult {
	var out []string
	for _, b := range branches {
		if b.err != nil {
			continue
		}
		lines, ok := b.result.Result.([]string)
		if !ok {
			if items, ok := b.result.Result.([]any); ok {
				for _, it := range items {
					if s, ok := it.(string); ok && s != "" {
						out = append(out, s)
					}
				}
			}
			continue
		}
		for _, line := range lines {
			if line != "" {
				out = append(out, line)
			}
		}
	}
	return transport.ToolResult{Success: true, Result: out}
}

func mergeWithOriginPrefix(branches []branch) transport.ToolResult {
	var out []any
	for _, b := range branches {
		if b.err != nil {
			continue
		}
		role := "worker"
		if b.origin == "" {
			role = "master"
		}
		out = append(out, map[string]any{
			"origin": role,
			"data":   b.result.Result,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi := out[i].(map[string]any)["origin"].(string)
		oj := out[j].(map[string]any)["origin"].(string)
		return oi < oj
	})
	return transport.ToolResult{Success: true, Result: out}
}
