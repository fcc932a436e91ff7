// Package resolver implements the lifecycle core's sole path to an
// interpreter path: a deterministic 4-tier precedence chain. No other
// component may duplicate this logic.
package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/workspace"
)

// Reason records which tier produced a resolution.
type Reason string

const (
	ReasonMetadata             Reason = "METADATA"
	ReasonManagedVenvHeuristic Reason = "MANAGED_VENV_HEURISTIC"
	ReasonExplicitConfig       Reason = "EXPLICIT_CONFIG"
	ReasonSystemFallback       Reason = "SYSTEM_FALLBACK"
)

// Resolution is the resolver's output.
type Resolution struct {
	InterpreterPath string
	Reason          Reason
	Ownership       workspace.Ownership
	MetadataExists  bool
}

// Resolve runs the 4-tier precedence chain for workspacePath, consulting
// cfg only at tier 3. audit may be nil (e.g. under test); when present,
// every resolution is recorded as an EventResolution audit entry alongside
// the structured log line.
func Resolve(workspacePath string, cfg ports.ConfigPort, audit *logging.AuditLog) Resolution {
	store := workspace.New(workspacePath)

	meta, err := store.ReadEnv()
	if err != nil && errors.Is(err, workspace.ErrCorruptEnvMetadata) {
		logMetadataCorrupt(workspacePath, err, audit)
	}
	metadataExists := err == nil && meta != nil && meta.InterpreterPath != "" && meta.Ownership != ""

	if metadataExists {
		res := Resolution{
			InterpreterPath: meta.InterpreterPath,
			Reason:          ReasonMetadata,
			Ownership:       meta.Ownership,
			MetadataExists:  true,
		}
		logResolution(workspacePath, res, audit)
		return res
	}

	if managed, ok := managedVenvPath(store); ok {
		res := Resolution{
			InterpreterPath: managed,
			Reason:          ReasonManagedVenvHeuristic,
			Ownership:       workspace.OwnershipManaged,
			MetadataExists:  false,
		}
		logResolution(workspacePath, res, audit)
		return res
	}

	if cfg != nil {
		if configured := cfg.InterpreterPath(); configured != "" {
			res := Resolution{
				InterpreterPath: configured,
				Reason:          ReasonExplicitConfig,
				Ownership:       workspace.OwnershipExternal,
				MetadataExists:  false,
			}
			logResolution(workspacePath, res, audit)
			return res
		}
	}

	res := Resolution{
		InterpreterPath: systemFallback(),
		Reason:          ReasonSystemFallback,
		Ownership:       workspace.OwnershipExternal,
		MetadataExists:  false,
	}
	logResolution(workspacePath, res, audit)
	return res
}

// managedVenvPath checks the platform-specific expected location inside the
// managed virtual environment.
func managedVenvPath(store *workspace.Store) (string, bool) {
	var candidate string
	if runtime.GOOS == "windows" {
		candidate = filepath.Join(store.Dir(), "venv", "Scripts", "python.exe")
	} else {
		candidate = filepath.Join(store.Dir(), "venv", "bin", "python")
	}

	if _, err := os.Stat(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

func systemFallback() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// logMetadataCorrupt records that env.json failed to parse and resolution
// is falling through to tier 2, so a corrupt-but-silent metadata file never
// goes unnoticed.
func logMetadataCorrupt(workspacePath string, err error, audit *logging.AuditLog) {
	logging.ResolverWarn("env.json corrupt for %s, falling back to tier 2: %v", workspacePath, err)
	if audit == nil {
		return
	}
	audit.Log(logging.AuditEvent{
		Type:          logging.EventMetadataCorrupt,
		WorkspacePath: workspacePath,
		Data: map[string]interface{}{
			"error": err.Error(),
		},
	})
}

func logResolution(workspacePath string, res Resolution, audit *logging.AuditLog) {
	logging.ResolverInfo(
		"resolved interpreter for %s: path=%s reason=%s ownership=%s metadataExists=%v",
		workspacePath, res.InterpreterPath, res.Reason, res.Ownership, res.MetadataExists,
	)
	if audit == nil {
		return
	}
	audit.Log(logging.AuditEvent{
		Type:          logging.EventResolution,
		WorkspacePath: workspacePath,
		Data: map[string]interface{}{
			"reasonCode":      string(res.Reason),
			"ownership":       string(res.Ownership),
			"metadataExists":  res.MetadataExists,
			"interpreterPath": res.InterpreterPath,
		},
	})
}
