package runner

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoCmd(arg string) Command {
	if runtime.GOOS == "windows" {
		return Command{Binary: "cmd", Args: []string{"/C", "echo " + arg}}
	}
	return Command{Binary: "echo", Args: []string{arg}}
}

func TestRunCapturesStdout(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), echoCmd("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix-only binary")
	}
	r := New()
	res, err := r.Run(context.Background(), Command{Binary: "false"})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.False(t, res.Killed)
}

func TestRunMissingBinaryIsErrNotFound(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), Command{Binary: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix-only binary")
	}
	r := New()
	res, err := r.Run(context.Background(), Command{Binary: "sleep", Args: []string{"5"}, TimeoutMs: 50})
	require.NoError(t, err)
	assert.True(t, res.Killed)
}

func TestRunNeverAppliesShellQuoting(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix-only binary")
	}
	r := New()
	res, err := r.Run(context.Background(), Command{Binary: "echo", Args: []string{"$HOME; rm -rf /"}})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "$HOME; rm -rf /")
}

func TestRunRespectsOutputCap(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix-only binary")
	}
	r := New()
	r.MaxOutputBytes = 16
	res, err := r.Run(context.Background(), Command{Binary: "yes", Args: nil, TimeoutMs: 200})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 32)
}
