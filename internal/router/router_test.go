package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

type fakeRegistry struct {
	workers       []types.WorkerRecord
	byWorkspace   map[string]types.WorkerRecord
	byPrefix      map[string]types.WorkerRecord
	mostRecent    *types.WorkerRecord
	any           *types.WorkerRecord
}

func (f *fakeRegistry) Snapshot() []types.WorkerRecord { return f.workers }
func (f *fakeRegistry) ByWorkspace(path string) (types.WorkerRecord, bool) {
	w, ok := f.byWorkspace[path]
	return w, ok
}
func (f *fakeRegistry) ByWorkspacePrefix(path string) (types.WorkerRecord, bool) {
	w, ok := f.byPrefix[path]
	return w, ok
}
func (f *fakeRegistry) MostRecentlyActive() (types.WorkerRecord, bool) {
	if f.mostRecent == nil {
		return types.WorkerRecord{}, false
	}
	return *f.mostRecent, true
}
func (f *fakeRegistry) Any() (types.WorkerRecord, bool) {
	if f.any == nil {
		return types.WorkerRecord{}, false
	}
	return *f.any, true
}

type fakeRemote struct {
	results map[types.InstanceId]transport.ToolResult
	errs    map[types.InstanceId]error
}

func (f *fakeRemote) Call(ctx context.Context, worker types.WorkerRecord, tool string, params map[string]any) (transport.ToolResult, error) {
	if err, ok := f.errs[worker.InstanceID]; ok {
		return transport.ToolResult{}, err
	}
	return f.results[worker.InstanceID], nil
}

type fakeLocal struct {
	result transport.ToolResult
	err    error
	called bool
}

func (f *fakeLocal) ExecuteTool(ctx context.Context, name string, params map[string]any) (transport.ToolResult, error) {
	f.called = true
	return f.result, f.err
}
func (f *fakeLocal) GetAvailableTools() []string { return nil }

func TestRouteWorkspaceSpecificByPrefix(t *testing.T) {
	w1 := types.WorkerRecord{InstanceID: "w1", WorkspacePath: "/ws/a"}
	reg := &fakeRegistry{workers: []types.WorkerRecord{w1}, byPrefix: map[string]types.WorkerRecord{"/ws/a": w1}}
	remote := &fakeRemote{results: map[types.InstanceId]transport.ToolResult{"w1": {Success: true, Result: "ok"}}}
	local := &fakeLocal{}

	r := New(reg, remote, local)
	result, decision, err := r.Route(context.Background(), "definition", map[string]any{"uri": "/ws/a/file.go"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, types.InstanceId("w1"), decision.Target)
	assert.False(t, local.called)
}

func TestRouteWorkspaceSpecificFallsBackLocalOnRemoteFailure(t *testing.T) {
	w1 := types.WorkerRecord{InstanceID: "w1", WorkspacePath: "/ws/a"}
	reg := &fakeRegistry{workers: []types.WorkerRecord{w1}, byPrefix: map[string]types.WorkerRecord{"/ws/a": w1}}
	remote := &fakeRemote{errs: map[types.InstanceId]error{"w1": fmt.Errorf("boom")}}
	local := &fakeLocal{result: transport.ToolResult{Success: true, Result: "local"}}

	r := New(reg, remote, local)
	result, decision, err := r.Route(context.Background(), "definition", map[string]any{"uri": "/ws/a/file.go"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, decision.FellBack)
	assert.True(t, local.called)
}

func TestRouteWorkspaceSpecificNoWorkersGoesLocal(t *testing.T) {
	reg := &fakeRegistry{}
	remote := &fakeRemote{}
	local := &fakeLocal{result: transport.ToolResult{Success: true}}

	r := New(reg, remote, local)
	_, _, err := r.Route(context.Background(), "definition", nil)
	require.NoError(t, err)
	assert.True(t, local.called)
}

func TestRouteActiveContext(t *testing.T) {
	w1 := types.WorkerRecord{InstanceID: "w1"}
	reg := &fakeRegistry{mostRecent: &w1}
	remote := &fakeRemote{results: map[types.InstanceId]transport.ToolResult{"w1": {Success: true}}}
	local := &fakeLocal{}

	r := New(reg, remote, local)
	_, decision, err := r.Route(context.Background(), "active-editor", nil)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceId("w1"), decision.Target)
}

func TestRouteAggregatedMergesAllBranches(t *testing.T) {
	w1 := types.WorkerRecord{InstanceID: "w1"}
	w2 := types.WorkerRecord{InstanceID: "w2"}
	reg := &fakeRegistry{workers: []types.WorkerRecord{w1, w2}}
	remote := &fakeRemote{results: map[types.InstanceId]transport.ToolResult{
		"w1": {Success: true, Result: []any{"a"}},
		"w2": {Success: true, Result: []any{"b"}},
	}}
	local := &fakeLocal{result: transport.ToolResult{Success: true, Result: []any{"c"}}}

	r := New(reg, remote, local)
	result, decision, err := r.Route(context.Background(), "file-search", nil)
	require.NoError(t, err)
	assert.True(t, decision.Aggregated)
	lines, ok := result.Result.([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, lines)
}

func TestRouteAggregatedFailsWhenAllBranchesFail(t *testing.T) {
	w1 := types.WorkerRecord{InstanceID: "w1"}
	reg := &fakeRegistry{workers: []types.WorkerRecord{w1}}
	remote := &fakeRemote{errs: map[types.InstanceId]error{"w1": fmt.Errorf("down")}}
	local := &fakeLocal{err: fmt.Errorf("local unavailable")}

	r := New(reg, remote, local)
	_, _, err := r.Route(context.Background(), "file-search", nil)
	assert.Error(t, err)
}

func TestRouteAggregatedSucceedsWithOneBranch(t *testing.T) {
	w1 := types.WorkerRecord{InstanceID: "w1"}
	reg := &fakeRegistry{workers: []types.WorkerRecord{w1}}
	remote := &fakeRemote{errs: map[types.InstanceId]error{"w1": fmt.Errorf("down")}}
	local := &fakeLocal{result: transport.ToolResult{Success: true, Result: []any{"only-local"}}}

	r := New(reg, remote, local)
	result, _, err := r.Route(context.Background(), "file-search", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"only-local"}, result.Result)
}

func TestRouteAggregatedWorkspacesTagsOrigin(t *testing.T) {
	w1 := types.WorkerRecord{InstanceID: "w1"}
	reg := &fakeRegistry{workers: []types.WorkerRecord{w1}}
	remote := &fakeRemote{results: map[types.InstanceId]transport.ToolResult{"w1": {Success: true, Result: "wsdata"}}}
	local := &fakeLocal{result: transport.ToolResult{Success: true, Result: "masterdata"}}

	r := New(reg, remote, local)
	result, _, err := r.Route(context.Background(), "workspaces", nil)
	require.NoError(t, err)
	items, ok := result.Result.([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}
