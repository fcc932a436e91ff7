// Package provision implements the Environment Provisioner: creating,
// verifying, and refreshing the managed virtual environment.
package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"envbridge/internal/fsops"
	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/preflight"
	"envbridge/internal/runner"
	"envbridge/internal/workspace"
)

// ErrorCode distinguishes provision failures the caller must branch on.
type ErrorCode string

const (
	ErrRuntimeVersionUnsupported ErrorCode = "RUNTIME_VERSION_UNSUPPORTED"
	ErrVerificationFailed        ErrorCode = "VERIFICATION_FAILED"
)

// Error carries a machine-readable code and a user-readable remediation
// string.
type Error struct {
	Code        ErrorCode
	Remediation string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Remediation, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Remediation)
}

func (e *Error) Unwrap() error { return e.Cause }

// FingerprintMatch is the outcome of checkDependencyFingerprint.
type FingerprintMatch string

const (
	FingerprintMatches   FingerprintMatch = "match"
	FingerprintMismatch  FingerprintMatch = "mismatch"
	FingerprintUnknown   FingerprintMatch = "unknown"
)

// Progress is one phased-progress update, mirroring the host status sink's
// coarse-grained states with finer detail for an interactive CLI.
type Progress struct {
	Phase   string
	Message string
	Percent float64
}

// VersionWindow bounds the interpreter's minor version, inclusive.
type VersionWindow struct {
	MinMinor int
	MaxMinor int
}

// Provisioner owns the managed virtual environment lifecycle for a single
// workspace.
type Provisioner struct {
	WorkspacePath      string
	Host               ports.Host
	Runner             *runner.Runner
	Preflight          *preflight.Verifier
	DependencyManifest []string
	RuntimeWindow      VersionWindow
	ProgressChan       chan<- Progress
	Audit              *logging.AuditLog
	AllowedEnvVars     []string

	HostInterpreter string // interpreter used to create the venv (e.g. system python3)
}

// New returns a Provisioner with sensible defaults for an unconfigured
// dependency manifest.
func New(workspacePath string, host ports.Host, manifest []string) *Provisioner {
	p := &Provisioner{
		WorkspacePath:      workspacePath,
		Host:               host,
		Runner:             runner.New(),
		Preflight:          preflight.New("kgraph"),
		DependencyManifest: manifest,
		RuntimeWindow:      VersionWindow{MinMinor: 9, MaxMinor: 13},
		HostInterpreter:    systemInterpreter(),
	}
	if host.Config != nil {
		p.AllowedEnvVars = host.Config.AllowedEnvVars()
	}
	return p
}

func systemInterpreter() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func (p *Provisioner) emit(phase, message string, percent float64) {
	if p.ProgressChan != nil {
		p.ProgressChan <- Progress{Phase: phase, Message: message, Percent: percent}
	}
	logging.ProvisionInfo("%s: %s (%.0f%%)", phase, message, percent*100)
	if p.Audit == nil {
		return
	}
	p.Audit.Log(logging.AuditEvent{
		Type:          logging.EventProvisionPhase,
		WorkspacePath: p.WorkspacePath,
		Data: map[string]interface{}{
			"phase":   phase,
			"percent": percent,
		},
	})
}

func (p *Provisioner) emitFailure(errorCode ErrorCode, phase string) {
	if p.Audit == nil {
		return
	}
	p.Audit.Log(logging.AuditEvent{
		Type:          logging.EventProvisionFailed,
		WorkspacePath: p.WorkspacePath,
		Data: map[string]interface{}{
			"phase":     phase,
			"errorCode": string(errorCode),
		},
	})
}

// CreateManaged runs the canonical provisioning flow: version check, hidden
// directory creation, early schema-marker write, venv creation, dependency
// install, verification, env.json write. Any failure in steps 4-7 rolls
// back the partially created venv; the schema marker is intentionally left
// in place.
func (p *Provisioner) CreateManaged(ctx context.Context) error {
	store := workspace.New(p.WorkspacePath)

	if err := p.checkRuntimeVersion(ctx); err != nil {
		p.emitFailure(ErrRuntimeVersionUnsupported, "runtime-version-check")
		return err
	}
	p.emit("provision", "runtime version accepted", 0.05)

	if err := os.MkdirAll(store.Dir(), 0o755); err != nil {
		p.emitFailure("", "hidden-directory-create")
		return fmt.Errorf("create hidden workspace directory: %w", err)
	}
	p.emit("provision", "hidden workspace directory ready", 0.1)

	if err := store.WriteSchemaMarker(workspace.CurrentSchemaVersion); err != nil {
		p.emitFailure("", "schema-marker-write")
		return fmt.Errorf("write schema marker: %w", err)
	}
	p.emit("provision", "schema marker written", 0.15)

	venvPath := filepath.Join(store.Dir(), "venv")
	if err := p.createVenv(ctx, venvPath); err != nil {
		p.rollback(venvPath)
		p.emitFailure("", "venv-create")
		return err
	}
	p.emit("provision", "virtual environment created", 0.4)

	interpreterPath := venvInterpreterPath(venvPath)

	if err := p.installDependencies(ctx, interpreterPath); err != nil {
		p.rollback(venvPath)
		p.emitFailure("", "dependency-install")
		return err
	}
	p.emit("provision", "dependencies installed", 0.7)

	if p.Host.Status != nil {
		p.Host.Status.SetStatus(ctx, ports.StatusProvisioning, "verifying installation")
	}
	p.Preflight.InvalidateCache()
	result := p.Preflight.Verify(ctx, p.WorkspacePath, p.Host.Config)
	if result.Status != preflight.StatusHealthy {
		p.rollback(venvPath)
		p.emitFailure(ErrVerificationFailed, "post-install-verify")
		return &Error{Code: ErrVerificationFailed, Remediation: "The newly created environment failed verification.", Cause: fmt.Errorf("preflight status %s", result.Status)}
	}
	p.emit("provision", "verification succeeded", 0.9)

	fingerprint := p.fingerprint()
	meta := &workspace.EnvMetadata{
		InterpreterPath:          interpreterPath,
		Ownership:                workspace.OwnershipManaged,
		DependencySetFingerprint: fingerprint,
		CreatedAt:                nowISO(),
		Platform:                 runtime.GOOS,
	}
	if err := store.WriteEnv(meta); err != nil {
		p.rollback(venvPath)
		p.emitFailure("", "env-metadata-write")
		return fmt.Errorf("write env.json: %w", err)
	}
	p.emit("provision", "environment metadata written", 0.95)

	if p.Host.Status != nil {
		p.Host.Status.SetStatus(ctx, ports.StatusReady, "")
	}
	p.emit("provision", "ready", 1.0)
	return nil
}

func (p *Provisioner) checkRuntimeVersion(ctx context.Context) error {
	res, err := p.Runner.Run(ctx, runner.Command{
		Binary:        p.HostInterpreter,
		Args:          []string{"--version"},
		Env:           runner.BuildAllowedEnv(p.AllowedEnvVars),
		CaptureOutput: true,
		TimeoutMs:     5000,
	})
	if err != nil {
		return &Error{Code: ErrRuntimeVersionUnsupported, Remediation: "Install a supported Python runtime and ensure it is on PATH.", Cause: err}
	}

	combined := res.Stdout + res.Stderr
	minor, ok := parsePythonMinor(combined)
	if !ok || minor < p.RuntimeWindow.MinMinor || minor > p.RuntimeWindow.MaxMinor {
		return &Error{
			Code:        ErrRuntimeVersionUnsupported,
			Remediation: fmt.Sprintf("Install Python 3.%d-3.%d.", p.RuntimeWindow.MinMinor, p.RuntimeWindow.MaxMinor),
			Cause:       fmt.Errorf("detected version string %q", strings.TrimSpace(combined)),
		}
	}
	return nil
}

var pythonVersionPattern = regexp.MustCompile(`Python 3\.(\d+)`)

func parsePythonMinor(text string) (int, bool) {
	m := pythonVersionPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	minor, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return minor, true
}

func (p *Provisioner) createVenv(ctx context.Context, venvPath string) error {
	res, err := p.Runner.Run(ctx, runner.Command{
		Binary:        p.HostInterpreter,
		Args:          []string{"-m", "venv", venvPath},
		Env:           runner.BuildAllowedEnv(p.AllowedEnvVars),
		CaptureOutput: true,
		TimeoutMs:     60000,
	})
	if err != nil {
		return fmt.Errorf("spawn venv creation: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("venv creation failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// InstallDependencies installs the canonical dependency manifest into the
// interpreter at interpreterPath.
func (p *Provisioner) InstallDependencies(ctx context.Context, interpreterPath string) error {
	err := p.installDependencies(ctx, interpreterPath)
	p.Preflight.InvalidateCache()
	return err
}

func (p *Provisioner) installDependencies(ctx context.Context, interpreterPath string) error {
	if len(p.DependencyManifest) == 0 {
		return nil
	}
	args := append([]string{"-m", "pip", "install", "--disable-pip-version-check"}, p.DependencyManifest...)
	res, err := p.Runner.Run(ctx, runner.Command{
		Binary:        interpreterPath,
		Args:          args,
		Env:           runner.BuildAllowedEnv(p.AllowedEnvVars),
		CaptureOutput: true,
		TimeoutMs:     300000,
	})
	if err != nil {
		return fmt.Errorf("spawn dependency install: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dependency install failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// rollback deletes the partially created virtual environment directory
// recursively. The schema marker is never touched here: removing it would
// reintroduce the false-legacy window.
func (p *Provisioner) rollback(venvPath string) {
	if err := os.RemoveAll(venvPath); err != nil {
		logging.ProvisionError("rollback failed to remove %s: %v", venvPath, err)
	}
}

// Verify delegates to the preflight verifier for this workspace.
func (p *Provisioner) Verify(ctx context.Context) preflight.Result {
	return p.Preflight.Verify(ctx, p.WorkspacePath, p.Host.Config)
}

// CheckDependencyFingerprint reads env.json and compares its recorded
// fingerprint against the manifest's current fingerprint. A mismatch flips
// the status sink to "update required" without prompting; activation
// policy, not this component, decides whether to interrupt the user.
func (p *Provisioner) CheckDependencyFingerprint(ctx context.Context) FingerprintMatch {
	store := workspace.New(p.WorkspacePath)
	meta, err := store.ReadEnv()
	if err != nil || meta == nil {
		return FingerprintUnknown
	}

	current := p.fingerprint()
	if meta.DependencySetFingerprint != current {
		if p.Host.Status != nil {
			p.Host.Status.SetStatus(ctx, ports.StatusUpdateRequired, "dependency manifest changed")
		}
		return FingerprintMismatch
	}
	return FingerprintMatches
}

func (p *Provisioner) fingerprint() string {
	sorted := append([]string(nil), p.DependencyManifest...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Refresh pauses background work, stops the daemon, renames the existing
// venv aside, recreates and reinstalls, then deletes the backup on success
// or restores it on any failure.
func (p *Provisioner) Refresh(ctx context.Context) error {
	store := workspace.New(p.WorkspacePath)
	venvPath := filepath.Join(store.Dir(), "venv")
	backupPath := venvPath + ".backup"

	if err := p.quiesce(ctx); err != nil {
		return fmt.Errorf("quiescence failed: %w", err)
	}

	if err := fsops.RetryableRename(venvPath, backupPath); err != nil {
		return fmt.Errorf("rename venv aside: %w", err)
	}

	if err := p.createVenv(ctx, venvPath); err != nil {
		os.RemoveAll(venvPath)
		fsops.RetryableRename(backupPath, venvPath)
		return err
	}

	interpreterPath := venvInterpreterPath(venvPath)
	if err := p.installDependencies(ctx, interpreterPath); err != nil {
		os.RemoveAll(venvPath)
		fsops.RetryableRename(backupPath, venvPath)
		return err
	}

	p.Preflight.InvalidateCache()
	result := p.Preflight.Verify(ctx, p.WorkspacePath, p.Host.Config)
	if result.Status != preflight.StatusHealthy {
		os.RemoveAll(venvPath)
		fsops.RetryableRename(backupPath, venvPath)
		return &Error{Code: ErrVerificationFailed, Remediation: "Refreshed environment failed verification; reverted."}
	}

	os.RemoveAll(backupPath)

	meta := &workspace.EnvMetadata{
		InterpreterPath:          interpreterPath,
		Ownership:                workspace.OwnershipManaged,
		DependencySetFingerprint: p.fingerprint(),
		CreatedAt:                nowISO(),
		Platform:                 runtime.GOOS,
	}
	return store.WriteEnv(meta)
}

// quiesce asks the background operation manager to pause with the
// configured (bounded) pause budget and stops the daemon with a 300ms
// Windows settle delay, racing both against independent budgets. On a
// pause timeout it prompts the user to cancel operations or abort:
// cancelling treats the pause as satisfied and lets the caller proceed;
// aborting (or dismissing the prompt) resumes the background manager and
// returns an error.
func (p *Provisioner) quiesce(ctx context.Context) error {
	budget := ports.BoundedPauseTimeout(p.Host.Config)

	g, gctx := errgroup.WithContext(ctx)

	paused := false
	pauseTimedOut := false
	if p.Host.Background != nil {
		g.Go(func() error {
			ok, err := p.Host.Background.Pause(gctx, budget)
			if err != nil {
				return err
			}
			paused = ok
			if !ok {
				pauseTimedOut = true
				return fmt.Errorf("background operation manager did not quiesce within budget")
			}
			return nil
		})
	}

	if p.Host.Daemon != nil {
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(gctx, 15*time.Second)
			defer cancel()
			if err := p.Host.Daemon.Stop(stopCtx); err != nil {
				return err
			}
			if runtime.GOOS == "windows" {
				time.Sleep(300 * time.Millisecond)
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		return nil
	}

	if pauseTimedOut && p.Host.Prompt != nil {
		choice, promptErr := p.Host.Prompt.ShowQuiesceTimeout(ctx)
		if promptErr == nil && choice == ports.PromptCancelOperations {
			return nil
		}
	}

	if paused && p.Host.Background != nil {
		p.Host.Background.Resume(ctx)
	}
	return err
}

func venvInterpreterPath(venvPath string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvPath, "Scripts", "python.exe")
	}
	return filepath.Join(venvPath, "bin", "python")
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
