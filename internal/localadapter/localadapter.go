// Package localadapter provides the default transport.LocalToolExecutor and
// transport.WorkspaceAdapter implementations cmd/codebridge wires into the
// supervisor when no editor integration is plugged in. The real adapters
// (editor extension, language server, whatever embeds this module) are out
// of scope per spec.md §1 — this package exists only so the binary has
// something concrete to construct and run standalone against.
package localadapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// Workspace is a transport.WorkspaceAdapter grounded on the current working
// directory: its name is the directory's base name, its score inputs come
// from a shallow file walk and `git rev-list --count HEAD`, and it always
// reports WorkerActive since there is no real editor session to go idle.
type Workspace struct {
	root string
}

// NewWorkspace builds a Workspace adapter rooted at dir. An empty dir
// resolves to the process's current working directory.
func NewWorkspace(dir string) (*Workspace, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("localadapter: resolve cwd: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("localadapter: resolve %s: %w", dir, err)
	}
	return &Workspace{root: abs}, nil
}

// CurrentWorkspaceInfo implements transport.WorkspaceAdapter.
func (w *Workspace) CurrentWorkspaceInfo() (name, path, kind string, folders []string) {
	return filepath.Base(w.root), w.root, "folder", []string{w.root}
}

// WorkerStatus implements transport.WorkspaceAdapter. A standalone process
// with no attached editor session is always active.
func (w *Workspace) WorkerStatus() types.WorkerStatus {
	return types.WorkerActive
}

// WorkspaceScoreInputs implements transport.WorkspaceAdapter, counting
// regular files under root (capped to keep startup fast on large trees) and
// shelling out to git for commit count. Both fall back to zero rather than
// failing the process: a workspace that isn't a git repo, or that can't be
// walked, still has a workspaceScore, just a low one.
func (w *Workspace) WorkspaceScoreInputs() types.WorkspaceScoreInputs {
	return types.WorkspaceScoreInputs{
		FileCount:      float64(w.countFiles()),
		GitCommits:     float64(w.countGitCommits()),
		RecentActivity: float64(w.recentActivityScore()),
	}
}

// ResourceUsage implements transport.WorkspaceAdapter with a cheap
// goroutine-count heuristic: the process's total goroutine count scaled
// linearly so that goroutineSaturation goroutines (or more) maps to 100.
// The runtime's own baseline goroutines are not subtracted. It is a coarse proxy,
// not a CPU/memory profiler, but it is a real measured signal rather than
// a fabricated constant.
const goroutineSaturation = 500

func (w *Workspace) ResourceUsage() float64 {
	n := runtime.NumGoroutine()
	usage := float64(n) / float64(goroutineSaturation) * 100
	if usage > 100 {
		return 100
	}
	return usage
}

const fileCountCap = 5000

func (w *Workspace) countFiles() int {
	count := 0
	filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if count >= fileCountCap {
			return filepath.SkipAll
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

func (w *Workspace) countGitCommits() int {
	out, err := exec.Command("git", "-C", w.root, "rev-list", "--count", "HEAD").Output()
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0
	}
	return n
}

// recentActivityScore counts files modified in the last 24 hours, a cheap
// proxy for "this workspace is the one the user is actively working in".
func (w *Workspace) recentActivityScore() int {
	cutoff := time.Now().Add(-24 * time.Hour)
	count := 0
	filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			count++
		}
		return nil
	})
	return count
}

// NoopExecutor is a transport.LocalToolExecutor with no registered tools. It
// lets the coordination plane run, register, and route without a real
// editor-side tool surface attached; every call fails explicitly rather than
// pretending to succeed.
type NoopExecutor struct{}

// ExecuteTool implements transport.LocalToolExecutor.
func (NoopExecutor) ExecuteTool(ctx context.Context, name string, params map[string]any) (transport.ToolResult, error) {
	return transport.ToolResult{}, fmt.Errorf("localadapter: no local tool executor registered for %q", name)
}

// GetAvailableTools implements transport.LocalToolExecutor.
func (NoopExecutor) GetAvailableTools() []string {
	return nil
}
