// ============================================================================
// bridgectl - Ad Hoc Coordination-Plane CLI
// ============================================================================
//
// File: cmd/bridgectl/main.go
// Purpose: A small standalone client for poking a running codebridge
//          master over HTTP, for debugging and manual smoke-testing:
//          check its health, list registered workers, or push a tool
//          call through its router.
//
// Usage:
//   ./bridgectl health   --master localhost:9100
//   ./bridgectl workers  --master localhost:9100
//   ./bridgectl call open-files --master localhost:9100 --params '{}'
//
// ============================================================================

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	masterAddr, rest := extractMasterFlag(os.Args[2:])

	var err error
	switch os.Args[1] {
	case "health":
		err = runHealth(masterAddr)
	case "workers":
		err = runWorkers(masterAddr)
	case "call":
		err = runCall(masterAddr, rest)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: bridgectl <health|workers|call TOOL> [--master host:port] [--params json]")
}

// extractMasterFlag pulls --master out of args, defaulting to localhost:9100
// (the compiled-in default master port), and returns the remaining args.
func extractMasterFlag(args []string) (string, []string) {
	addr := "localhost:9100"
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--master" && i+1 < len(args) {
			addr = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return addr, rest
}

func extractParamsFlag(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "--params" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return "{}"
}

func runHealth(masterAddr string) error {
	body, err := get(fmt.Sprintf("http://%s/coordination/health", masterAddr))
	if err != nil {
		return err
	}

	var resp transport.HealthResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}

	fmt.Printf("status:      %s\n", resp.Status)
	fmt.Printf("instanceId:  %s\n", resp.InstanceID)
	fmt.Printf("version:     %s\n", resp.Version)
	fmt.Printf("uptime:      %dms\n", resp.Uptime)
	fmt.Printf("workerCount: %d\n", resp.WorkerCount)
	return nil
}

func runWorkers(masterAddr string) error {
	body, err := get(fmt.Sprintf("http://%s/coordination/workers", masterAddr))
	if err != nil {
		return err
	}

	var resp transport.WorkersListResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}

	if len(resp.Workers) == 0 {
		fmt.Println("no workers registered")
		return nil
	}
	for _, w := range resp.Workers {
		fmt.Printf("%-24s %-20s port=%-6d status=%-8s lastSeen=%s\n",
			w.InstanceID, w.WorkspaceName, w.Port, w.Status, w.LastSeen.Format(time.RFC3339))
	}
	return nil
}

func runCall(masterAddr string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("call requires a tool name, e.g. bridgectl call open-files")
	}
	tool := args[0]
	params := extractParamsFlag(args[1:])

	url := fmt.Sprintf("http://%s/coordination/tools/%s", masterAddr, tool)
	body, err := post(url, []byte(params))
	if err != nil {
		return err
	}

	var result transport.ToolResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}

	if !result.Success {
		fmt.Printf("call failed: %s\n", result.Error)
		return nil
	}
	out, _ := json.MarshalIndent(result.Result, "", "  ")
	fmt.Println(string(out))
	return nil
}

func get(url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return do(req)
}

func post(url string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func do(req *http.Request) ([]byte, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
