// Package remoteexec is the master-to-worker RemoteExecutor: a single
// tool invocation over HTTP with bounded retries and exponential backoff.
// Adapted from internal/worker/grpc_source.go's GrpcJobSource (one method
// per remote op, wrapped errors) transliterated from a gRPC client call to
// an http.Client.Do call against the worker's POST /tools/{tool} endpoint.
package remoteexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

const (
	maxAttempts       = 4 // initial + 3 retries
	initialBackoff    = time.Second
	perAttemptTimeout = 30 * time.Second
)

// ErrWorkerUnreachable is raised when all attempts against a worker fail.
type ErrWorkerUnreachable struct {
	InstanceID types.InstanceId
	Tool       string
	LastErr    error
}

func (e *ErrWorkerUnreachable) Error() string {
	return fmt.Sprintf("remoteexec: worker %s unreachable for tool %q: %v", e.InstanceID, e.Tool, e.LastErr)
}

func (e *ErrWorkerUnreachable) Unwrap() error { return e.LastErr }

// Executor calls a worker's local tool-exec HTTP endpoint. It never
// mutates the registry itself; failure bubbles up to the caller (Router),
// which decides whether to route elsewhere.
type Executor struct {
	Client *http.Client
	// sleep is overridden in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// New creates an Executor with a sensible default client.
func New() *Executor {
	return &Executor{
		Client: &http.Client{},
		sleep:  time.Sleep,
	}
}

// Call invokes tool on the given worker with up to 4 attempts
// (initial + 3 retries), exponential backoff starting at 1s and
// doubling, and a 30s per-attempt timeout.
func (e *Executor) Call(ctx context.Context, worker types.WorkerRecord, tool string, params map[string]any) (transport.ToolResult, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return transport.ToolResult{}, fmt.Errorf("remoteexec: encode params: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/tools/%s", worker.Port, tool)

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			e.sleep(backoff)
			backoff *= 2
		}

		result, err := e.attempt(ctx, url, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return transport.ToolResult{}, &ErrWorkerUnreachable{
		InstanceID: worker.InstanceID,
		Tool:       tool,
		LastErr:    lastErr,
	}
}

func (e *Executor) attempt(ctx context.Context, url string, body []byte) (transport.ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return transport.ToolResult{}, fmt.Errorf("remoteexec: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return transport.ToolResult{}, fmt.Errorf("remoteexec: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result transport.ToolResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return transport.ToolResult{}, fmt.Errorf("remoteexec: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return transport.ToolResult{}, fmt.Errorf("remoteexec: worker returned status %d", resp.StatusCode)
	}

	return result, nil
}
