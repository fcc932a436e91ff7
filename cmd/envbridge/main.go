// Package main implements envbridge, the CLI surface onto the workspace
// environment lifecycle core. It is a thin host adapter: the actual
// lifecycle logic lives in internal/system and the components it wires.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"envbridge/internal/logging"
)

var (
	verbose     bool
	workspace   string
	debugLog    bool
	logLevel    string
	jsonLogs    bool
	timeout     time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "envbridge",
	Short: "Workspace environment lifecycle core for the knowledge graph extension",
	Long: `envbridge manages the managed Python virtual environment a workspace's
knowledge graph daemon runs in: health classification, pre-upgrade schema
migration, provisioning, interpreter resolution, and preflight verification.

Run "envbridge activate" once per workspace window, "envbridge doctor" to
diagnose a workspace that looks unhealthy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("build CLI logger: %w", err)
		}

		ws := resolveWorkspace()
		storageDir := filepath.Join(ws, ".envbridge-logs")
		if err := logging.Initialize(storageDir, debugLog, logLevel, jsonLogs); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func resolveWorkspace() string {
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
		return ws
	}
	if abs, err := filepath.Abs(ws); err == nil {
		return abs
	}
	return ws
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug-logging", false, "Enable internal category-file logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Internal log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write internal logs as JSON lines")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(activateCmd, doctorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
