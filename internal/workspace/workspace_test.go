package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEnvReturnsNilOnAbsence(t *testing.T) {
	s := New(t.TempDir())
	meta, err := s.ReadEnv()
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestReadEnvReturnsNilOnParseFailure(t *testing.T) {
	ws := t.TempDir()
	s := New(ws)
	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	require.NoError(t, os.WriteFile(s.envPath(), []byte("{not json"), 0o644))

	meta, err := s.ReadEnv()
	require.ErrorIs(t, err, ErrCorruptEnvMetadata)
	assert.Nil(t, meta)
}

func TestWriteEnvThenReadRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	meta := &EnvMetadata{
		InterpreterPath:          "/ws/.envbridge/venv/bin/python3",
		Ownership:                OwnershipManaged,
		DependencySetFingerprint: "abc123",
		CreatedAt:                "2026-07-30T00:00:00Z",
		Platform:                 "linux",
	}
	require.NoError(t, s.WriteEnv(meta))

	loaded, err := s.ReadEnv()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	if diff := cmp.Diff(meta, loaded); diff != "" {
		t.Errorf("round-tripped metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaMarkerAbsentReportsNotOk(t *testing.T) {
	s := New(t.TempDir())
	_, ok, err := s.ReadSchemaMarker()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchemaMarkerRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.WriteSchemaMarker(CurrentSchemaVersion))

	v, ok, err := s.ReadSchemaMarker()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestSchemaMarkerUnreadableValueIsError(t *testing.T) {
	ws := t.TempDir()
	s := New(ws)
	require.NoError(t, os.MkdirAll(s.systemDir(), 0o755))
	require.NoError(t, os.WriteFile(s.schemaPath(), []byte("not-an-integer"), 0o644))

	_, ok, err := s.ReadSchemaMarker()
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestClassifyFreshWhenHiddenDirAbsent(t *testing.T) {
	assert.Equal(t, HealthFresh, Classify(t.TempDir()))
}

func TestClassifyFreshWhenEnvJSONAbsent(t *testing.T) {
	ws := t.TempDir()
	s := New(ws)
	require.NoError(t, s.WriteSchemaMarker(CurrentSchemaVersion))
	assert.Equal(t, HealthFresh, Classify(ws))
}

func TestClassifyBrokenWhenMigrationMarkerPresent(t *testing.T) {
	ws := t.TempDir()
	s := New(ws)
	require.NoError(t, s.WriteEnv(&EnvMetadata{InterpreterPath: filepath.Join(ws, "nope")}))
	require.NoError(t, s.WriteMigrationInProgressMarker())
	assert.Equal(t, HealthBroken, Classify(ws))
}

func TestClassifyBrokenWhenVenvParentMissing(t *testing.T) {
	ws := t.TempDir()
	s := New(ws)
	require.NoError(t, s.WriteEnv(&EnvMetadata{
		InterpreterPath: filepath.Join(ws, "gone", "bin", "python3"),
		Ownership:       OwnershipManaged,
	}))
	assert.Equal(t, HealthBroken, Classify(ws))
}

func TestClassifyBrokenWhenInterpreterFileMissing(t *testing.T) {
	ws := t.TempDir()
	s := New(ws)
	venvBin := filepath.Join(s.Dir(), "venv", "bin")
	require.NoError(t, os.MkdirAll(venvBin, 0o755))
	require.NoError(t, s.WriteEnv(&EnvMetadata{
		InterpreterPath: filepath.Join(venvBin, "python3"),
		Ownership:       OwnershipManaged,
	}))
	assert.Equal(t, HealthBroken, Classify(ws))
}

func TestClassifyValidWhenEverythingPresent(t *testing.T) {
	ws := t.TempDir()
	s := New(ws)
	venvBin := filepath.Join(s.Dir(), "venv", "bin")
	require.NoError(t, os.MkdirAll(venvBin, 0o755))
	interpreter := filepath.Join(venvBin, "python3")
	require.NoError(t, os.WriteFile(interpreter, nil, 0o755))
	require.NoError(t, s.WriteEnv(&EnvMetadata{
		InterpreterPath: interpreter,
		Ownership:       OwnershipManaged,
	}))
	assert.Equal(t, HealthValid, Classify(ws))
}

func TestMigrationMarkerClearIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	assert.NoError(t, s.ClearMigrationInProgressMarker())
	require.NoError(t, s.WriteMigrationInProgressMarker())
	assert.True(t, s.hasMigrationMarker())
	require.NoError(t, s.ClearMigrationInProgressMarker())
	assert.False(t, s.hasMigrationMarker())
}
