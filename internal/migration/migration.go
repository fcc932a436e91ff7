// Package migration implements the Migration Engine: three-valued legacy
// detection, pre-upgrade orchestration with user confirmation and
// revalidation, and the crash-consistent backup procedure (backup.go).
package migration

import (
	"context"
	"errors"
	"os"

	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/workspace"
)

// State is the three-valued outcome of detectMigrationState.
type State string

const (
	StateNotLegacy       State = "NOT_LEGACY"
	StateLegacyConfirmed State = "LEGACY_CONFIRMED"
	StateUnknownIOError  State = "UNKNOWN_IO_ERROR"
)

// DetectionResult carries the detection outcome and its diagnostics.
// Invariant: RequiresBackup is true only when State == StateLegacyConfirmed.
type DetectionResult struct {
	State          State
	RequiresBackup bool
	Reason         string
	Diagnostics    map[string]interface{}
}

// Action is the orchestration's final verdict.
type Action string

const (
	ActionNone                Action = "none"
	ActionUserDeclined        Action = "user-declined"
	ActionRevalidationAborted Action = "revalidation-aborted"
	ActionBackupSuccess       Action = "backup-success"
	ActionBackupFailed        Action = "backup-failed"
	ActionIOError             Action = "io-error"
)

// Outcome is checkPreUpgradeMigration's return value.
type Outcome struct {
	Action            Action
	RequiresFreshInit bool
	BackupPath        string
	Error             error
}

// Engine runs migration detection and the pre-upgrade orchestration for a
// single workspace.
type Engine struct {
	WorkspacePath string
	Host          ports.Host
	Audit         *logging.AuditLog
}

// New returns an Engine for workspacePath.
func New(workspacePath string, host ports.Host, audit *logging.AuditLog) *Engine {
	return &Engine{WorkspacePath: workspacePath, Host: host, Audit: audit}
}

// DetectMigrationState is the single-read, no-TOCTOU detection function.
// It never probes existence before reading the marker: a stat-then-read
// pair would leave a race window between the two syscalls that a
// concurrent window's writes could fall into.
func (e *Engine) DetectMigrationState() DetectionResult {
	store := workspace.New(e.WorkspacePath)

	if _, err := os.Stat(store.Dir()); os.IsNotExist(err) {
		return DetectionResult{State: StateNotLegacy, Reason: "hidden directory absent"}
	}

	meta, metaErr := store.ReadEnv()
	if metaErr != nil && !errors.Is(metaErr, workspace.ErrCorruptEnvMetadata) {
		return DetectionResult{
			State:       StateUnknownIOError,
			Reason:      "env.json read error",
			Diagnostics: map[string]interface{}{"errorCode": metaErr.Error()},
		}
	}
	if meta == nil {
		reason := "env.json absent"
		if metaErr != nil {
			reason = "env.json corrupt, treated as absent"
		}
		return DetectionResult{State: StateNotLegacy, Reason: reason}
	}

	version, ok, err := store.ReadSchemaMarker()
	if err != nil {
		return DetectionResult{
			State:       StateUnknownIOError,
			Reason:      "schema marker read error",
			Diagnostics: map[string]interface{}{"errorCode": err.Error()},
		}
	}
	if !ok {
		return DetectionResult{
			State:          StateLegacyConfirmed,
			RequiresBackup: true,
			Reason:         "schema marker absent (ENOENT)",
		}
	}
	if version >= workspace.CurrentSchemaVersion {
		return DetectionResult{State: StateNotLegacy, Reason: "schema marker current"}
	}
	return DetectionResult{
		State:          StateLegacyConfirmed,
		RequiresBackup: true,
		Reason:         "schema marker stale",
		Diagnostics:    map[string]interface{}{"markerVersion": version},
	}
}

// CheckPreUpgradeMigration is the full 8-step orchestration.
func (e *Engine) CheckPreUpgradeMigration(ctx context.Context) Outcome {
	e.log(logging.EventMigrationCheckInvoked, nil)

	if e.hasOrphanGuardFile() {
		e.log(logging.EventOrphanGuardFileDetected, nil)
	}

	detection := e.DetectMigrationState()
	e.log(logging.EventMigrationDetectionResult, map[string]interface{}{
		"reasonCode": detection.Reason,
	})

	switch detection.State {
	case StateUnknownIOError:
		e.log(logging.EventUnknownIOError, map[string]interface{}{"errorCode": detection.Reason})
		return Outcome{Action: ActionIOError, RequiresFreshInit: false, Error: errors.New(detection.Reason)}
	case StateNotLegacy:
		return Outcome{Action: ActionNone, RequiresFreshInit: false}
	}

	e.log(logging.EventBackupModalShown, nil)
	choice := ports.PromptIgnore
	if e.Host.Prompt != nil {
		c, err := e.Host.Prompt.ShowBackupWarning(ctx)
		if err != nil {
			choice = ports.PromptIgnore
		} else {
			choice = c
		}
	}

	if choice != ports.PromptProceedWithBackup {
		e.log(logging.EventBackupUserDeclined, nil)
		return Outcome{Action: ActionUserDeclined, RequiresFreshInit: false}
	}
	e.log(logging.EventBackupUserConfirmed, nil)

	revalidation := e.DetectMigrationState()
	e.log(logging.EventPreBackupRevalidation, map[string]interface{}{
		"revalidationResult": string(revalidation.State),
		"markerNowPresent":   revalidation.State == StateNotLegacy,
	})
	switch revalidation.State {
	case StateNotLegacy:
		return Outcome{Action: ActionRevalidationAborted, RequiresFreshInit: false}
	case StateUnknownIOError:
		return Outcome{Action: ActionIOError, RequiresFreshInit: false, Error: errors.New(revalidation.Reason)}
	}

	backupPath, err := e.performBackup(ctx)
	if err != nil {
		return Outcome{Action: ActionBackupFailed, RequiresFreshInit: true, Error: err}
	}
	return Outcome{Action: ActionBackupSuccess, RequiresFreshInit: true, BackupPath: backupPath}
}

// hasOrphanGuardFile reports whether a guard record from a previously
// interrupted run is present. Its presence is logged but not acted on;
// fresh detection proceeds regardless.
func (e *Engine) hasOrphanGuardFile() bool {
	_, ok, _ := e.readGuard()
	return ok
}

func (e *Engine) log(eventType logging.EventType, data map[string]interface{}) {
	if e.Audit == nil {
		return
	}
	sessionID, extVersion := "", ""
	if e.Host.Storage != nil {
		sessionID = e.Host.Storage.SessionID()
		extVersion = e.Host.Storage.ExtensionVersion()
	}
	e.Audit.Log(logging.AuditEvent{
		Type:             eventType,
		SessionID:        sessionID,
		WorkspacePath:    e.WorkspacePath,
		ExtensionVersion: extVersion,
		Data:             data,
	})
}
