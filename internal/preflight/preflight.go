// Package preflight runs the short interpreter probe that decides whether
// the runtime can import the required module before any privileged
// operation proceeds, with a TTL-bounded cache and concurrent-call
// collapsing.
package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/resolver"
	"envbridge/internal/runner"
	"envbridge/internal/workspace"
)

// Status is the coarse preflight verdict.
type Status string

const (
	StatusHealthy                Status = "HEALTHY"
	StatusModuleMissing          Status = "MODULE_MISSING"
	StatusInterpreterNotRunnable Status = "INTERPRETER_NOT_RUNNABLE"
	StatusInProgress             Status = "IN_PROGRESS"
)

// ReasonCode is a low-cardinality classification of a failure's text.
type ReasonCode string

const (
	ReasonPythonNotFound      ReasonCode = "PYTHON_NOT_FOUND"
	ReasonPythonExecFailed    ReasonCode = "PYTHON_EXEC_FAILED"
	ReasonPythonTimeout       ReasonCode = "PYTHON_TIMEOUT"
	ReasonModuleImportFailed  ReasonCode = "MODULE_IMPORT_FAILED"
	ReasonModuleDepNotFound   ReasonCode = "MODULE_DEP_NOT_FOUND"
	ReasonDLLLoadFailed       ReasonCode = "DLL_LOAD_FAILED"
	ReasonDBLockedOrBusy      ReasonCode = "DB_LOCKED_OR_BUSY"
	ReasonPermissionDenied    ReasonCode = "PERMISSION_DENIED"
	ReasonUnknown             ReasonCode = "UNKNOWN"
)

// RemediationAction names what the caller should do about a failure.
type RemediationAction string

const (
	ActionRefreshDependencies RemediationAction = "REFRESH_DEPENDENCIES"
	ActionInstallGuidance     RemediationAction = "INSTALL_GUIDANCE"
	ActionInitializeWorkspace RemediationAction = "INITIALIZE_WORKSPACE"
)

// Remediation is attached to a non-healthy result.
type Remediation struct {
	Action    RemediationAction `json:"action"`
	Message   string            `json:"message"`
	CommandID string            `json:"commandId,omitempty"`
}

// Result is the full preflight verdict.
type Result struct {
	Status           Status      `json:"status"`
	ModuleImportable bool        `json:"moduleImportable"`
	ModuleVersion    string      `json:"moduleVersion,omitempty"`
	InterpreterPath  string      `json:"interpreterPath"`
	Ownership        string      `json:"ownership,omitempty"`
	ReasonCode       ReasonCode  `json:"reasonCode,omitempty"`
	Remediation      *Remediation `json:"remediation,omitempty"`
	DurationMs       int64       `json:"durationMs"`
	Cached           bool        `json:"cached"`
	Error            string      `json:"error,omitempty"`
}

// probeOutput is the single JSON line the inline probe program prints.
type probeOutput struct {
	Status           string `json:"status"`
	ModuleImportable bool   `json:"module_importable"`
	ModuleVersion    string `json:"module_version,omitempty"`
	Error            string `json:"error,omitempty"`
}

const cacheTTL = 30 * time.Second

type cacheEntry struct {
	result                   Result
	interpreterPath          string
	ownership                workspace.Ownership
	dependencySetFingerprint string
	at                       time.Time
}

// Verifier runs the preflight probe for a single module import, cached
// per the resolver's key fields.
type Verifier struct {
	ModuleName string
	Runner     *runner.Runner
	Audit      *logging.AuditLog

	mu    sync.Mutex
	entry *cacheEntry
	group singleflight.Group
}

// New returns a Verifier checking that moduleName imports cleanly.
func New(moduleName string) *Verifier {
	return &Verifier{ModuleName: moduleName, Runner: runner.New()}
}

// InvalidateCache clears the cached result. Mandatory after every
// dependency-mutating operation and after adopting a new interpreter.
// Calling it twice is equivalent to calling it once.
func (v *Verifier) InvalidateCache() {
	v.mu.Lock()
	v.entry = nil
	v.mu.Unlock()
}

// Verify runs C4 to resolve the interpreter, then probes it, reusing a
// cached HEALTHY result when the key fields match and it's within TTL.
// Concurrent calls for the same workspace collapse into one probe.
func (v *Verifier) Verify(ctx context.Context, workspacePath string, cfg ports.ConfigPort) Result {
	res, _, _ := v.group.Do(workspacePath, func() (interface{}, error) {
		return v.verifyUncollapsed(ctx, workspacePath, cfg), nil
	})
	return res.(Result)
}

func (v *Verifier) verifyUncollapsed(ctx context.Context, workspacePath string, cfg ports.ConfigPort) Result {
	start := time.Now()
	resolution := resolver.Resolve(workspacePath, cfg, v.Audit)

	store := workspace.New(workspacePath)
	meta, _ := store.ReadEnv()
	fingerprint := ""
	if meta != nil {
		fingerprint = meta.DependencySetFingerprint
	}

	v.mu.Lock()
	if e := v.entry; e != nil &&
		e.interpreterPath == resolution.InterpreterPath &&
		e.ownership == resolution.Ownership &&
		e.dependencySetFingerprint == fingerprint &&
		time.Since(e.at) < cacheTTL {
		cached := e.result
		cached.Cached = true
		v.mu.Unlock()
		v.logResult(workspacePath, cached, resolution, "cache")
		return cached
	}
	v.mu.Unlock()

	var allowedEnvVars []string
	if cfg != nil {
		allowedEnvVars = cfg.AllowedEnvVars()
	}
	result := v.probe(ctx, resolution, allowedEnvVars)
	result.DurationMs = time.Since(start).Milliseconds()
	result.Cached = false

	if result.Status == StatusHealthy {
		v.mu.Lock()
		v.entry = &cacheEntry{
			result:                   result,
			interpreterPath:          resolution.InterpreterPath,
			ownership:                resolution.Ownership,
			dependencySetFingerprint: fingerprint,
			at:                       time.Now(),
		}
		v.mu.Unlock()
	}

	v.logResult(workspacePath, result, resolution, "fresh")
	return result
}

// probeCodeTemplate is the inline program passed via the interpreter's inline-code
// flag, never written to a script file on disk.
const probeCodeTemplate = `
import json
try:
    import %s as _m
    version = getattr(_m, "__version__", None)
    print(json.dumps({"status": "ok", "module_importable": True, "module_version": version}))
except Exception as e:
    print(json.dumps({"status": "error", "module_importable": False, "error": str(e)}))
`

func (v *Verifier) probe(ctx context.Context, resolution resolver.Resolution, allowedEnvVars []string) Result {
	code := fmt.Sprintf(probeCodeTemplate, v.ModuleName)

	res, err := v.Runner.Run(ctx, runner.Command{
		Binary:        resolution.InterpreterPath,
		Args:          []string{"-c", code},
		Env:           runner.BuildAllowedEnv(allowedEnvVars),
		CaptureOutput: true,
		TimeoutMs:     10000,
	})

	if err != nil {
		reason := ReasonPythonExecFailed
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			reason = ReasonPythonNotFound
		}
		return Result{
			Status:          StatusInterpreterNotRunnable,
			InterpreterPath: resolution.InterpreterPath,
			Ownership:       string(resolution.Ownership),
			ReasonCode:      reason,
			Remediation:     remediationFor(resolution.Ownership),
			Error:           redactPaths(err.Error()),
		}
	}

	if res.Killed {
		return Result{
			Status:          StatusInterpreterNotRunnable,
			InterpreterPath: resolution.InterpreterPath,
			Ownership:       string(resolution.Ownership),
			ReasonCode:      ReasonPythonTimeout,
			Remediation:     remediationFor(resolution.Ownership),
			Error:           "probe timed out",
		}
	}

	var out probeOutput
	line := strings.TrimSpace(res.Stdout)
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		return Result{
			Status:          StatusModuleMissing,
			InterpreterPath: resolution.InterpreterPath,
			Ownership:       string(resolution.Ownership),
			ReasonCode:      classify("", res.Stderr),
			Remediation:     remediationFor(resolution.Ownership),
			Error:           redactPaths(res.Stderr),
		}
	}

	if out.ModuleImportable {
		return Result{
			Status:           StatusHealthy,
			ModuleImportable: true,
			ModuleVersion:    out.ModuleVersion,
			InterpreterPath:  resolution.InterpreterPath,
			Ownership:        string(resolution.Ownership),
		}
	}

	return Result{
		Status:          StatusModuleMissing,
		InterpreterPath: resolution.InterpreterPath,
		Ownership:       string(resolution.Ownership),
		ReasonCode:      classify(out.Error, res.Stderr),
		Remediation:     remediationFor(resolution.Ownership),
		Error:           redactPaths(out.Error),
	}
}

func remediationFor(ownership workspace.Ownership) *Remediation {
	switch ownership {
	case workspace.OwnershipManaged:
		return &Remediation{
			Action:    ActionRefreshDependencies,
			Message:   "The managed environment's dependencies appear out of date. Refresh to reinstall them.",
			CommandID: "envbridge.refreshDependencies",
		}
	case workspace.OwnershipExternal:
		return &Remediation{
			Action:  ActionInstallGuidance,
			Message: "This interpreter is user-managed. Install the required module yourself; the core will not modify it.",
		}
	default:
		return &Remediation{
			Action:  ActionInitializeWorkspace,
			Message: "No environment is associated with this workspace yet. Initialize one to continue.",
		}
	}
}

func (v *Verifier) logResult(workspacePath string, result Result, resolution resolver.Resolution, source string) {
	logging.Get(logging.CategoryPreflight).StructuredLog("info", "preflight verification", map[string]interface{}{
		"status":           result.Status,
		"moduleImportable": result.ModuleImportable,
		"moduleVersion":    result.ModuleVersion,
		"ownership":        result.Ownership,
		"reasonCode":       result.ReasonCode,
		"durationMs":       result.DurationMs,
		"cached":           result.Cached,
		"source":           source,
	})
	if v.Audit == nil {
		return
	}
	v.Audit.Log(logging.AuditEvent{
		Type:          logging.EventPreflightResult,
		WorkspacePath: workspacePath,
		Data: map[string]interface{}{
			"status":           string(result.Status),
			"moduleImportable": result.ModuleImportable,
			"moduleVersion":    result.ModuleVersion,
			"reasonCode":       string(result.ReasonCode),
			"durationMs":       result.DurationMs,
			"cached":           result.Cached,
			"source":           source,
		},
	})
}
