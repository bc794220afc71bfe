// ============================================================================
// codebridge - Main Entry Point
// ============================================================================
//
// File: cmd/codebridge/main.go
// Purpose: Application entry point and CLI initialization
//
// Responsibilities:
//   1. Version Management - Inject build info via ldflags
//   2. Panic Recovery - Catch unexpected panics gracefully
//   3. CLI Setup - Build and configure the Cobra command interface
//   4. Error Handling - Unified command execution error handling
//
// Version Injection:
//   Variables injected at build time via -ldflags:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
//
// Usage:
//   ./codebridge --help               # Show help
//   ./codebridge version              # Show version
//   ./codebridge serve                # Start the coordination plane
//   ./codebridge serve -c custom.yaml # Start with a custom config file
//   ./codebridge status               # Probe a locally running instance
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/P-de-Jong/codebridge-mcp/internal/cli"
)

// Build-time version injection via ldflags.
var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	fullVersion := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd := cli.BuildCLI(fullVersion)
	rootCmd.Version = fullVersion

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
