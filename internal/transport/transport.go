// Package transport holds the JSON wire types and small HTTP helpers
// shared by MasterCore and WorkerCore's handlers, and declares the
// InboundTransport interface for the session-oriented tool protocol.
// Grounded on cuemby-warren's pkg/health/http.go context-aware
// request/response shape; no corpus repo ships an HTTP router library for
// a JSON server (see DESIGN.md), so routing uses the stdlib's Go 1.22+
// method+pattern http.ServeMux directly.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

// ToolResult is the opaque result of one tool execution, returned by a
// LocalToolExecutor or over the wire from a RemoteExecutor call.
type ToolResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RegisterRequestBody is the wire body of POST /coordination/workers/register.
type RegisterRequestBody struct {
	InstanceID    string   `json:"instanceId"`
	WorkspaceName string   `json:"workspaceName"`
	WorkspacePath string   `json:"workspacePath"`
	Port          int      `json:"port"`
	Capabilities  []string `json:"capabilities"`
	Version       string   `json:"version"`
}

// RegisterResponseBody is the response of POST /coordination/workers/register.
type RegisterResponseBody struct {
	Success           bool   `json:"success"`
	InstanceID        string `json:"instanceId,omitempty"`
	MasterInstanceID  string `json:"masterInstanceId,omitempty"`
	HeartbeatInterval int64  `json:"heartbeatInterval,omitempty"` // milliseconds
	Error             string `json:"error,omitempty"`
}

// HeartbeatRequestBody is the wire body of POST /coordination/workers/{id}/heartbeat.
type HeartbeatRequestBody struct {
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

// HeartbeatResponseBody is the response of the heartbeat endpoint.
type HeartbeatResponseBody struct {
	Success         bool   `json:"success"`
	MasterStatus    string `json:"masterStatus,omitempty"`
	ShouldReregister bool  `json:"shouldReregister,omitempty"`
}

// HealthResponseBody is the response of GET /coordination/health and GET /health.
type HealthResponseBody struct {
	Status      string `json:"status"`
	InstanceID  string `json:"instanceId"`
	Uptime      int64  `json:"uptime,omitempty"` // milliseconds
	WorkerCount int    `json:"workerCount,omitempty"`
	Version     string `json:"version,omitempty"`
	Timestamp   int64  `json:"timestamp"`

	// Worker surface GET /health extras.
	WorkspaceName string   `json:"workspaceName,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// WorkersListResponseBody is the response of GET /coordination/workers.
type WorkersListResponseBody struct {
	Workers []types.WorkerRecord `json:"workers"`
}

// ElectionMessage is the body of POST /election/message.
type ElectionMessage struct {
	Type           string `json:"type"`
	FromInstanceID string `json:"fromInstanceId"`
	Timestamp      int64  `json:"timestamp"`
	Data           any    `json:"data,omitempty"`
}

// ShutdownNotice is the body of POST /coordination/shutdown.
type ShutdownNotice struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Timestamp  int64  `json:"timestamp"`
	Message    string `json:"message,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v, returning a 400-worthy error
// on malformed JSON per spec.md §7's protocol-error handling.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// InboundTransport is the session-oriented tool protocol; this module
// ships no implementation of it (message framing, session lifecycle).
// No core component mounts it: MasterCore's mux serves only the
// coordination surface, so no /mcp endpoint is exposed.
type InboundTransport interface {
	// Mount registers the inbound tool endpoint's handlers (POST/GET/DELETE
	// /mcp) onto mux.
	Mount(mux *http.ServeMux)
}

// LocalToolExecutor is consumed, not implemented, by the core (spec.md §6).
type LocalToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, params map[string]any) (ToolResult, error)
	GetAvailableTools() []string
}

// WorkspaceAdapter is consumed, not implemented, by the core (spec.md §6).
type WorkspaceAdapter interface {
	CurrentWorkspaceInfo() (name, path, kind string, folders []string)
	WorkspaceScoreInputs() types.WorkspaceScoreInputs
	WorkerStatus() types.WorkerStatus
	// ResourceUsage reports this instance's current load on a 0-100 scale,
	// lower meaning less loaded, for the election candidate comparator's
	// resourceUsage tier (spec.md §4.9). Never defaulted or fabricated by
	// the core — an adapter that cannot measure load returns 0, the same
	// as an idle instance, rather than a placeholder constant.
	ResourceUsage() float64
}

// NowMillis is a small helper kept consistent with the teacher's
// Unix-milliseconds timestamp convention (pkg/types.Job's CreatedAt/
// UpdatedAt fields).
func NowMillis(t time.Time) int64 { return t.UnixMilli() }
