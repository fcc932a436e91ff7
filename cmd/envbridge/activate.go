package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"envbridge/internal/config"
	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/system"
)

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Run the full activation sequence for the workspace",
	Long: `activate runs the canonical control flow once: classify workspace
health, run the migration engine, provision the managed environment if
required, resolve the interpreter, and preflight-verify it. This is what
the host invokes once per workspace window.`,
	RunE: runActivate,
}

func runActivate(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	storageDir := filepath.Join(ws, ".envbridge-logs")

	cfg, err := config.Load(filepath.Join(ws, ".envbridge.yaml"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	host := ports.NewTermHost()
	host.GlobalStorageDirV = storageDir
	hostPorts := host.AsHost()
	hostPorts.Config = cfg

	audit := logging.NewAuditLog(filepath.Join(storageDir, "audit"))

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	core, result, err := system.GetOrBootCore(ctx, ws, hostPorts, audit)
	if err != nil {
		return fmt.Errorf("activate workspace: %w", err)
	}
	_ = core

	fmt.Printf("health: %s\n", result.Health)
	fmt.Printf("migration: %s\n", result.MigrationOutcome.Action)
	if result.ProvisionRan {
		if result.ProvisionErr != nil {
			fmt.Printf("provision: failed: %v\n", result.ProvisionErr)
		} else {
			fmt.Println("provision: ran")
		}
	}
	fmt.Printf("interpreter: %s (%s)\n", result.Resolution.InterpreterPath, result.Resolution.Reason)
	fmt.Printf("preflight: %s\n", result.Preflight.Status)

	if !result.Ready() {
		return fmt.Errorf("workspace is not ready; run \"envbridge doctor\" for details")
	}
	return nil
}
