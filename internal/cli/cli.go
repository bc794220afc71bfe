// Package cli builds the codebridge command tree, adapted from the
// teacher's internal/cli.BuildCLI: a cobra root command with persistent
// --config flag and serve/status/version subcommands. serve loads config,
// wires the supervisor, and blocks on shutdown signals; status is a
// read-only probe of an already-running instance. The teacher's enqueue
// subcommand has no equivalent here; ad hoc tool-call invocation instead
// lives in the separate bridgectl binary (see cmd/bridgectl).
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/P-de-Jong/codebridge-mcp/internal/config"
	"github.com/P-de-Jong/codebridge-mcp/internal/localadapter"
	"github.com/P-de-Jong/codebridge-mcp/internal/metrics"
	"github.com/P-de-Jong/codebridge-mcp/internal/roledetector"
	"github.com/P-de-Jong/codebridge-mcp/internal/supervisor"
	"github.com/P-de-Jong/codebridge-mcp/internal/transport"
	"github.com/P-de-Jong/codebridge-mcp/pkg/types"
)

var configFile string

// BuildCLI assembles the root command. version is threaded into the serve
// and version subcommands; the root's --version flag is enabled by the
// caller setting rootCmd.Version (see cmd/codebridge/main.go).
func BuildCLI(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codebridge",
		Short: "codebridge: a multi-instance coordination plane for editor tool calls",
		Long: `codebridge detects whether it is running standalone or alongside
sibling instances of the same editor extension, and when siblings are
present, elects a master that routes workspace-aware tool calls between
them.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand(version))
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildVersionCommand(version))

	return rootCmd
}

func buildServeCommand(version string) *cobra.Command {
	var workspaceDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination plane",
		Long:  "Detect this process's role, start the corresponding core, and block until a shutdown signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(version, workspaceDir)
		},
	}

	cmd.Flags().StringVar(&workspaceDir, "workspace", "", "workspace root used for workspaceScore inputs (defaults to cwd)")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report this instance's role and health",
		Long:  "Probe the coordination/health endpoint on this host's configured master port and print the master's status, instance id, version, uptime, and worker count.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus()
		},
	}
	return cmd
}

func buildVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// printStatus probes this process's own coordination surface, the way a
// sibling instance or bridgectl would. It is a read-only diagnostic: it
// does not start anything, so it only succeeds against an already-running
// codebridge serve instance on the same host.
func printStatus() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.HealthTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/coordination/health", cfg.Coordination.MasterPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Println("no master reachable on the configured master port (this host may be running as a worker, standalone, or not at all)")
		return nil
	}
	defer resp.Body.Close()

	var body transport.HealthResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}

	fmt.Printf("status:      %s\n", body.Status)
	fmt.Printf("instanceId:  %s\n", body.InstanceID)
	fmt.Printf("version:     %s\n", body.Version)
	fmt.Printf("uptime:      %s\n", time.Duration(body.Uptime)*time.Millisecond)
	fmt.Printf("workerCount: %d\n", body.WorkerCount)
	return nil
}

func runSupervisor(version, workspaceDir string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	instanceID := types.InstanceId(uuid.NewString())
	slog.Default().Info("codebridge: starting", "instanceId", instanceID, "version", version)

	workspace, err := localadapter.NewWorkspace(workspaceDir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			slog.Default().Info("codebridge: starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Default().Error("codebridge: metrics server stopped", "error", err)
			}
		}()
	}

	sup := supervisor.New(supervisor.Config{
		InstanceID:             instanceID,
		Version:                version,
		MasterPort:             cfg.Coordination.MasterPort,
		WorkerPortMin:          cfg.Coordination.WorkerPortMin,
		WorkerPortMax:          cfg.Coordination.WorkerPortMax,
		HeartbeatInterval:      cfg.Heartbeat.Interval,
		HeartbeatTimeoutMult:   cfg.Heartbeat.TimeoutMultiplier,
		MasterHealthInterval:   cfg.Election.MasterHealthCheckInterval,
		MasterFailureThreshold: cfg.Election.FailureThreshold,
		ElectionTimeout:        cfg.Election.Timeout,
		ShutdownTimeout:        cfg.HTTP.ShutdownTimeout,
		RoleDetect: roledetector.Config{
			CoordinationEnabled: cfg.Coordination.Enabled,
			ForcedRole:          types.Role(cfg.Coordination.ForcedRole),
			MasterPort:          cfg.Coordination.MasterPort,
			ProbeTimeout:        cfg.HTTP.HealthTimeout,
		},
	}, localadapter.NoopExecutor{}, workspace, collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor exited with error: %w", err)
	}

	slog.Default().Info("codebridge: shut down cleanly")
	return nil
}
