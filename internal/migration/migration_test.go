package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"envbridge/internal/ports"
	"envbridge/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDetectMigrationStateHiddenDirAbsent(t *testing.T) {
	ws := t.TempDir()
	e := New(ws, ports.Host{}, nil)
	result := e.DetectMigrationState()
	assert.Equal(t, StateNotLegacy, result.State)
	assert.False(t, result.RequiresBackup)
}

func TestDetectMigrationStateEnvAbsent(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))

	e := New(ws, ports.Host{}, nil)
	result := e.DetectMigrationState()
	assert.Equal(t, StateNotLegacy, result.State)
}

func TestDetectMigrationStateEnvReadIOError(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
	// env.json as a directory forces a non-ENOENT read error, distinct
	// from plain absence.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(), "env.json"), 0o755))

	e := New(ws, ports.Host{}, nil)
	result := e.DetectMigrationState()
	assert.Equal(t, StateUnknownIOError, result.State)
	assert.NotEmpty(t, result.Diagnostics["errorCode"])
}

func TestDetectMigrationStateSchemaMarkerAbsentIsLegacy(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, store.WriteEnv(&workspace.EnvMetadata{
		InterpreterPath: "/venv/bin/python",
		Ownership:       workspace.OwnershipManaged,
	}))

	e := New(ws, ports.Host{}, nil)
	result := e.DetectMigrationState()
	assert.Equal(t, StateLegacyConfirmed, result.State)
	assert.True(t, result.RequiresBackup)
}

func TestDetectMigrationStateSchemaMarkerReadIOError(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, store.WriteEnv(&workspace.EnvMetadata{
		InterpreterPath: "/venv/bin/python",
		Ownership:       workspace.OwnershipManaged,
	}))
	// system/SCHEMA_VERSION as a directory forces a non-ENOENT error.
	systemDir := filepath.Join(store.Dir(), "system")
	require.NoError(t, os.MkdirAll(filepath.Join(systemDir, "SCHEMA_VERSION"), 0o755))

	e := New(ws, ports.Host{}, nil)
	result := e.DetectMigrationState()
	assert.Equal(t, StateUnknownIOError, result.State)
}

func TestDetectMigrationStateSchemaMarkerStaleIsLegacy(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, store.WriteEnv(&workspace.EnvMetadata{
		InterpreterPath: "/venv/bin/python",
		Ownership:       workspace.OwnershipManaged,
	}))
	require.NoError(t, store.WriteSchemaMarker(workspace.CurrentSchemaVersion-1))

	e := New(ws, ports.Host{}, nil)
	result := e.DetectMigrationState()
	assert.Equal(t, StateLegacyConfirmed, result.State)
	assert.True(t, result.RequiresBackup)
	assert.Equal(t, workspace.CurrentSchemaVersion-1, result.Diagnostics["markerVersion"])
}

func TestDetectMigrationStateSchemaMarkerCurrentIsNotLegacy(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, store.WriteEnv(&workspace.EnvMetadata{
		InterpreterPath: "/venv/bin/python",
		Ownership:       workspace.OwnershipManaged,
	}))
	require.NoError(t, store.WriteSchemaMarker(workspace.CurrentSchemaVersion))

	e := New(ws, ports.Host{}, nil)
	result := e.DetectMigrationState()
	assert.Equal(t, StateNotLegacy, result.State)
}

func TestCheckPreUpgradeMigrationIOError(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(), "env.json"), 0o755))

	host := ports.NewNoopHost()
	e := New(ws, host.AsHost(), nil)

	outcome := e.CheckPreUpgradeMigration(context.Background())
	assert.Equal(t, ActionIOError, outcome.Action)
	assert.False(t, outcome.RequiresFreshInit)
	assert.Error(t, outcome.Error)
}

func TestCheckPreUpgradeMigrationNotLegacyIsNoop(t *testing.T) {
	ws := t.TempDir()
	host := ports.NewNoopHost()
	e := New(ws, host.AsHost(), nil)

	outcome := e.CheckPreUpgradeMigration(context.Background())
	assert.Equal(t, ActionNone, outcome.Action)
	assert.False(t, outcome.RequiresFreshInit)
}

func legacyWorkspace(t *testing.T, ws string) {
	t.Helper()
	store := workspace.New(ws)
	require.NoError(t, store.WriteEnv(&workspace.EnvMetadata{
		InterpreterPath: filepath.Join(ws, ".envbridge", "venv", "bin", "python"),
		Ownership:       workspace.OwnershipManaged,
	}))
	require.NoError(t, store.WriteSchemaMarker(workspace.CurrentSchemaVersion-1))
}

func TestCheckPreUpgradeMigrationUserDeclined(t *testing.T) {
	ws := t.TempDir()
	legacyWorkspace(t, ws)

	host := ports.NewNoopHost()
	host.PromptChoiceV = ports.PromptIgnore
	host.GlobalStorageDirV = t.TempDir()
	e := New(ws, host.AsHost(), nil)

	outcome := e.CheckPreUpgradeMigration(context.Background())
	assert.Equal(t, ActionUserDeclined, outcome.Action)
	assert.False(t, outcome.RequiresFreshInit)

	// Workspace untouched: schema marker is still stale, not renamed away.
	_, ok, err := workspace.New(ws).ReadSchemaMarker()
	require.NoError(t, err)
	assert.True(t, ok)
}

// revalidatingPrompt confirms the backup but mutates the workspace to
// current-schema in between detection and revalidation, exercising the
// pre-backup revalidation's abort path.
type revalidatingPrompt struct {
	ws string
}

func (p *revalidatingPrompt) ShowBackupWarning(ctx context.Context) (ports.PromptChoice, error) {
	store := workspace.New(p.ws)
	if err := store.WriteSchemaMarker(workspace.CurrentSchemaVersion); err != nil {
		return ports.PromptIgnore, err
	}
	return ports.PromptProceedWithBackup, nil
}
func (p *revalidatingPrompt) ShowInfo(ctx context.Context, message string)    {}
func (p *revalidatingPrompt) ShowWarning(ctx context.Context, message string) {}
func (p *revalidatingPrompt) ShowQuiesceTimeout(ctx context.Context) (ports.PromptChoice, error) {
	return ports.PromptAbort, nil
}

func TestCheckPreUpgradeMigrationRevalidationAborted(t *testing.T) {
	ws := t.TempDir()
	legacyWorkspace(t, ws)

	host := ports.NewNoopHost()
	host.GlobalStorageDirV = t.TempDir()
	h := host.AsHost()
	h.Prompt = &revalidatingPrompt{ws: ws}
	e := New(ws, h, nil)

	outcome := e.CheckPreUpgradeMigration(context.Background())
	assert.Equal(t, ActionRevalidationAborted, outcome.Action)
	assert.False(t, outcome.RequiresFreshInit)

	// Revalidation's own write must survive: the hidden dir was never
	// renamed away.
	_, err := os.Stat(workspace.New(ws).Dir())
	assert.NoError(t, err)
}

func TestCheckPreUpgradeMigrationBackupSuccess(t *testing.T) {
	ws := t.TempDir()
	legacyWorkspace(t, ws)

	host := ports.NewNoopHost()
	host.GlobalStorageDirV = t.TempDir()
	e := New(ws, host.AsHost(), nil)

	outcome := e.CheckPreUpgradeMigration(context.Background())
	require.Equal(t, ActionBackupSuccess, outcome.Action)
	assert.True(t, outcome.RequiresFreshInit)
	require.NotEmpty(t, outcome.BackupPath)

	_, err := os.Stat(outcome.BackupPath)
	assert.NoError(t, err, "backup directory must exist at the reported path")
	_, err = os.Stat(workspace.New(ws).Dir())
	assert.True(t, os.IsNotExist(err), "original hidden dir must be gone after a successful rename")

	// Guard file is deleted on success.
	guardEntries, _ := os.ReadDir(filepath.Join(host.GlobalStorageDirV, "audit"))
	for _, entry := range guardEntries {
		assert.NotContains(t, entry.Name(), "guard-")
	}
}

func TestCheckPreUpgradeMigrationBackupFailedOnQuiesceFailure(t *testing.T) {
	ws := t.TempDir()
	legacyWorkspace(t, ws)

	host := ports.NewNoopHost()
	host.GlobalStorageDirV = t.TempDir()
	host.PauseErrV = errors.New("background pipeline refused to pause")
	e := New(ws, host.AsHost(), nil)

	outcome := e.CheckPreUpgradeMigration(context.Background())
	assert.Equal(t, ActionBackupFailed, outcome.Action)
	assert.True(t, outcome.RequiresFreshInit)
	assert.Error(t, outcome.Error)

	// Quiescence failed before any rename: hidden dir is exactly where it
	// was, and the migration-in-progress marker left no trace.
	_, err := os.Stat(workspace.New(ws).Dir())
	assert.NoError(t, err)
	marker := filepath.Join(workspace.New(ws).Dir(), "MIGRATION_IN_PROGRESS")
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestCollisionFreeBackupNameAvoidsExistingSibling(t *testing.T) {
	ws := t.TempDir()
	e := New(ws, ports.Host{}, nil)

	first, err := e.collisionFreeBackupName()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, first), 0o755))

	second, err := e.collisionFreeBackupName()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestQuiesceReturnsWithinBudgetOnSlowDaemon(t *testing.T) {
	host := ports.NewNoopHost()
	h := host.AsHost()
	h.Daemon = slowDaemon{delay: 10 * time.Millisecond}
	e := New(t.TempDir(), h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.quiesce(ctx)
	assert.NoError(t, err)
}

type slowDaemon struct{ delay time.Duration }

func (s slowDaemon) Stop(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
