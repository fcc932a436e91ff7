package workspace

import (
	"os"
	"path/filepath"
)

// migrationInProgressFileName is the sentinel the migration engine writes
// into the workspace when a backup starts, before quiescence. It is removed
// if quiescence or backup naming fails, travels with the hidden directory
// into the backup on a successful rename, and stays in place if the rename
// fails — the classifier's only workspace-local signal that a prior
// migration was interrupted (the GuardRecord counterpart lives in host
// storage and is invisible to a pure filesystem classifier).
const migrationInProgressFileName = "MIGRATION_IN_PROGRESS"

// Health is the verdict of the ordered filesystem triage.
type Health string

const (
	HealthFresh   Health = "FRESH"
	HealthBroken  Health = "BROKEN"
	HealthValid   Health = "VALID"
)

func (s *Store) migrationMarkerPath() string {
	return filepath.Join(s.Dir(), migrationInProgressFileName)
}

// WriteMigrationInProgressMarker creates the sentinel. Called by the
// migration engine before it renames the hidden directory aside.
func (s *Store) WriteMigrationInProgressMarker() error {
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.migrationMarkerPath(), nil, 0o644)
}

// ClearMigrationInProgressMarker removes the sentinel. Best-effort: a
// missing marker is not an error.
func (s *Store) ClearMigrationInProgressMarker() error {
	err := os.Remove(s.migrationMarkerPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) hasMigrationMarker() bool {
	_, err := os.Stat(s.migrationMarkerPath())
	return err == nil
}

// Classify is a pure function of filesystem state: six ordered checks,
// first match wins. It never mutates anything and never consults the
// schema marker's value directly — that distinction belongs to the
// migration engine's detection state machine, not to health triage.
func Classify(workspacePath string) Health {
	s := New(workspacePath)

	if _, err := os.Stat(s.Dir()); os.IsNotExist(err) {
		return HealthFresh
	}

	if s.hasMigrationMarker() {
		return HealthBroken
	}

	meta, err := s.ReadEnv()
	if err != nil || meta == nil {
		return HealthFresh
	}

	venvParent := filepath.Dir(filepath.Dir(meta.InterpreterPath))
	if _, err := os.Stat(venvParent); os.IsNotExist(err) {
		return HealthBroken
	}

	if _, err := os.Stat(meta.InterpreterPath); os.IsNotExist(err) {
		return HealthBroken
	}

	return HealthValid
}
