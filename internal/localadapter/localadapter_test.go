package localadapter

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

func TestNewWorkspaceDefaultsToCwd(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	ws, err := NewWorkspace("")
	require.NoError(t, err)

	name, path, kind, folders := ws.CurrentWorkspaceInfo()
	assert.Equal(t, wd, path)
	assert.Equal(t, "folder", kind)
	assert.Equal(t, []string{wd}, folders)
	assert.NotEmpty(t, name)
}

func TestWorkspaceReportsActiveStatus(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, types.WorkerActive, ws.WorkerStatus())
}

func TestResourceUsageIsWithinBounds(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	usage := ws.ResourceUsage()
	assert.GreaterOrEqual(t, usage, 0.0)
	assert.LessOrEqual(t, usage, 100.0)
}

func TestWorkspaceScoreInputsOnEmptyDir(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	inputs := ws.WorkspaceScoreInputs()
	assert.Equal(t, 0.0, inputs.FileCount)
	assert.Equal(t, 0.0, inputs.GitCommits)
}

func TestNoopExecutorRejectsEveryCall(t *testing.T) {
	var exec NoopExecutor
	assert.Empty(t, exec.GetAvailableTools())

	_, err := exec.ExecuteTool(context.Background(), "whatever", nil)
	assert.Error(t, err)
}
