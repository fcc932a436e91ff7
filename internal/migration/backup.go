package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"envbridge/internal/fsops"
	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/workspace"
)

// GuardRecord is written to host storage immediately before a destructive
// rename and deleted after it succeeds. Its presence at activation is an
// orphan signal — a prior rename was interrupted.
type GuardRecord struct {
	OperationID      string `json:"operationId"`
	StartedAt        string `json:"startedAt"`
	WorkspacePath    string `json:"workspacePath"`
	ExtensionVersion string `json:"extensionVersion"`
	TargetBackupPath string `json:"targetBackupPath"`
	Status           string `json:"status"`
}

func (e *Engine) guardDir() string {
	if e.Host.Storage == nil {
		return ""
	}
	return filepath.Join(e.Host.Storage.GlobalStorageDir(), "audit")
}

func (e *Engine) guardPath() string {
	return filepath.Join(e.guardDir(), fmt.Sprintf("guard-%s.json", logging.PartitionPrefix(e.WorkspacePath)))
}

func (e *Engine) readGuard() (*GuardRecord, bool, error) {
	if e.Host.Storage == nil {
		return nil, false, nil
	}
	data, err := os.ReadFile(e.guardPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec GuardRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// writeGuard writes the guard file. Best-effort: a write failure is
// reported but never aborts the backup, and its loss is accepted as a
// forfeited forensic trace.
func (e *Engine) writeGuard(rec *GuardRecord) error {
	dir := e.guardDir()
	if dir == "" {
		return fmt.Errorf("no host storage provider configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(e.guardPath(), data, 0o644)
}

func (e *Engine) deleteGuard() error {
	err := os.Remove(e.guardPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// performBackup executes the crash-consistent rename under the explicit
// enforcement order: quiesce, name, guard, rename, cleanup-or-preserve.
func (e *Engine) performBackup(ctx context.Context) (string, error) {
	store := workspace.New(e.WorkspacePath)
	operationID := uuid.New().String()
	e.log(logging.EventBackupStarted, map[string]interface{}{"operationId": operationID})

	if err := store.WriteMigrationInProgressMarker(); err != nil {
		logging.MigrationWarn("could not write migration-in-progress marker: %v", err)
	}

	e.log(logging.EventBackupQuiesceStart, nil)
	paused, err := e.quiesce(ctx)
	if err != nil {
		e.log(logging.EventBackupQuiesceFailed, map[string]interface{}{"errorCode": err.Error()})
		if paused && e.Host.Background != nil {
			e.Host.Background.Resume(ctx)
		}
		store.ClearMigrationInProgressMarker()
		return "", fmt.Errorf("quiescence failed: %w", err)
	}
	e.log(logging.EventBackupQuiesceComplete, nil)

	backupName, err := e.collisionFreeBackupName()
	if err != nil {
		store.ClearMigrationInProgressMarker()
		return "", err
	}
	backupPath := filepath.Join(e.WorkspacePath, backupName)

	guard := &GuardRecord{
		OperationID:      operationID,
		StartedAt:        time.Now().UTC().Format(time.RFC3339),
		WorkspacePath:    e.WorkspacePath,
		ExtensionVersion: e.extensionVersion(),
		TargetBackupPath: backupPath,
		Status:           "in-progress",
	}
	if err := e.writeGuard(guard); err != nil {
		logging.MigrationWarn("guard file write failed (best-effort): %v", err)
	} else {
		e.log(logging.EventBackupGuardFileWritten, map[string]interface{}{"operationId": operationID, "guardPath": e.guardPath()})
	}

	renameErr := fsops.RetryableRename(store.Dir(), backupPath)
	if renameErr != nil {
		e.log(logging.EventBackupFailed, map[string]interface{}{"errorCode": renameErr.Error()})
		return "", fmt.Errorf("rename hidden directory to backup: %w", renameErr)
	}

	if err := e.deleteGuard(); err != nil {
		logging.MigrationWarn("guard file delete failed (best-effort): %v", err)
	} else {
		e.log(logging.EventBackupGuardFileDeleted, map[string]interface{}{"operationId": operationID})
	}
	e.log(logging.EventBackupCompleted, map[string]interface{}{"backupPath": backupPath})

	return backupPath, nil
}

// collisionFreeBackupName generates pre-<schemaVersion>-backup-<timestamp>,
// appending -1, -2, … until an unused sibling path is found. No colons:
// Windows-hostile.
func (e *Engine) collisionFreeBackupName() (string, error) {
	timestamp := time.Now().UTC().Format("20060102T150405")
	base := fmt.Sprintf("pre-%d-backup-%s", workspace.CurrentSchemaVersion, timestamp)

	candidate := base
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		path := filepath.Join(e.WorkspacePath, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return candidate, nil
		}
		if i > 10000 {
			return "", fmt.Errorf("could not find a free backup name after %d attempts", i)
		}
	}
}

func (e *Engine) extensionVersion() string {
	if e.Host.Storage == nil {
		return ""
	}
	return e.Host.Storage.ExtensionVersion()
}

// quiesce races the background pause (the configured, bounded budget) and
// the daemon stop (15s budget) against independent timeouts. A Windows-only
// 300ms settle delay follows a successful daemon stop. Returns whether the
// background manager was successfully paused, for resume-on-failure
// bookkeeping.
func (e *Engine) quiesce(ctx context.Context) (paused bool, err error) {
	budget := ports.BoundedPauseTimeout(e.Host.Config)

	g, gctx := errgroup.WithContext(ctx)

	if e.Host.Background != nil {
		g.Go(func() error {
			pauseCtx, cancel := context.WithTimeout(gctx, budget)
			defer cancel()
			ok, perr := e.Host.Background.Pause(pauseCtx, budget)
			if perr != nil {
				return perr
			}
			paused = ok
			if !ok {
				return fmt.Errorf("background operation manager did not quiesce within %s", budget)
			}
			return nil
		})
	}

	if e.Host.Daemon != nil {
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(gctx, 15*time.Second)
			defer cancel()
			if err := e.Host.Daemon.Stop(stopCtx); err != nil {
				return err
			}
			if runtime.GOOS == "windows" {
				time.Sleep(300 * time.Millisecond)
			}
			return nil
		})
	}

	return paused, g.Wait()
}
