package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"envbridge/internal/config"
	"envbridge/internal/diagnostics"
	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/preflight"
	"envbridge/internal/system"
)

var rawOutput bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the workspace environment without mutating it",
	Long: `doctor re-resolves the interpreter and re-runs preflight verification,
ignoring the preflight cache, and renders the combined result as a markdown
report. It never provisions or migrates anything.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&rawOutput, "raw", false, "Print unrendered markdown instead of a styled terminal view")
}

func runDoctor(cmd *cobra.Command, args []string) error {
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

	verifier := preflight.New(system.PreflightModule)
	verifier.Audit = audit

	reporter := diagnostics.New(ws, hostPorts, verifier)
	reporter.Audit = audit

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	report, err := reporter.GenerateReport(ctx)
	if err != nil {
		return fmt.Errorf("generate diagnostics report: %w", err)
	}

	if rawOutput {
		fmt.Println(report.Markdown)
	} else {
		rendered, err := glamour.Render(report.Markdown, "auto")
		if err != nil {
			fmt.Println(report.Markdown)
		} else {
			fmt.Print(rendered)
		}
	}

	if !report.Healthy {
		return fmt.Errorf("workspace environment needs attention")
	}
	return nil
}
