package ports

import (
	"context"
	"time"
)

// NoopHost is a test double: every operation
// succeeds instantly with no visible side effect. Background pause always
// reports quiescence reached; the modal always proceeds with backup, since
// most tests want the happy path unless they override a single port.
type NoopHost struct {
	SessionIDValue    string
	ExtensionVersionV string
	GlobalStorageDirV string
	InterpreterPathV  string
	DebugLoggingV     bool
	PauseTimeoutMsV   int
	PromptChoiceV     PromptChoice
	QuiesceChoiceV    PromptChoice
	PauseResultV      bool
	PauseErrV         error
	AllowedEnvVarsV   []string
}

// NewNoopHost returns a NoopHost with sensible zero-friction defaults.
func NewNoopHost() *NoopHost {
	return &NoopHost{
		SessionIDValue:    "test-session",
		ExtensionVersionV: "0.0.0-test",
		PromptChoiceV:     PromptProceedWithBackup,
		QuiesceChoiceV:    PromptAbort,
		PauseResultV:      true,
		PauseTimeoutMsV:   5000,
	}
}

func (n *NoopHost) SetStatus(ctx context.Context, s Status, detail string) {}

func (n *NoopHost) Pause(ctx context.Context, timeout time.Duration) (bool, error) {
	return n.PauseResultV, n.PauseErrV
}

func (n *NoopHost) Resume(ctx context.Context) error { return nil }

func (n *NoopHost) Stop(ctx context.Context) error { return nil }

func (n *NoopHost) SessionID() string           { return n.SessionIDValue }
func (n *NoopHost) ProcessID() int              { return 1 }
func (n *NoopHost) ExtensionVersion() string    { return n.ExtensionVersionV }
func (n *NoopHost) GlobalStorageDir() string    { return n.GlobalStorageDirV }

func (n *NoopHost) ShowBackupWarning(ctx context.Context) (PromptChoice, error) {
	return n.PromptChoiceV, nil
}
func (n *NoopHost) ShowInfo(ctx context.Context, message string)    {}
func (n *NoopHost) ShowWarning(ctx context.Context, message string) {}

func (n *NoopHost) ShowQuiesceTimeout(ctx context.Context) (PromptChoice, error) {
	return n.QuiesceChoiceV, nil
}

func (n *NoopHost) InterpreterPath() string          { return n.InterpreterPathV }
func (n *NoopHost) DebugLogging() bool               { return n.DebugLoggingV }
func (n *NoopHost) BackgroundPauseTimeoutMs() int    { return n.PauseTimeoutMsV }
func (n *NoopHost) AllowedEnvVars() []string         { return n.AllowedEnvVarsV }

// AsHost assembles the bundle. NoopHost implements every port itself so the
// bundle is trivially self-referential.
func (n *NoopHost) AsHost() Host {
	return Host{
		Status:     n,
		Background: n,
		Daemon:     n,
		Storage:    n,
		Prompt:     n,
		Config:     n,
	}
}
