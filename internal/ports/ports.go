// Package ports declares the small duck-typed interfaces that let the
// workspace lifecycle core talk to the editor host without depending on it.
// Each port is specified by the operations it exposes, not by what backs it;
// the host adapter supplies a concrete implementation at activation time.
package ports

import (
	"context"
	"time"
)

// Status is a coarse lifecycle state surfaced to the host's status sink.
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusProvisioning    Status = "provisioning"
	StatusMigrating       Status = "migrating"
	StatusReady           Status = "ready"
	StatusUpdateRequired  Status = "update-required"
	StatusError           Status = "error"
)

// StatusSink accepts state transitions from the core. It never blocks on
// anything the core needs to wait for.
type StatusSink interface {
	SetStatus(ctx context.Context, s Status, detail string)
}

// BackgroundOperationManager models the summarization/retrieval pipeline's
// ability to pause and resume around a destructive rename.
type BackgroundOperationManager interface {
	// Pause asks the background subsystem to stop touching the workspace
	// directory. It returns true if quiescence was reached within timeout.
	Pause(ctx context.Context, timeout time.Duration) (bool, error)
	Resume(ctx context.Context) error
}

// DaemonController models the Python knowledge-graph daemon's ability to
// stop cleanly so its open file handles release the workspace directory.
type DaemonController interface {
	Stop(ctx context.Context) error
}

// HostStorageProvider yields identity and the stable global storage root
// that lives outside any workspace (so it survives a workspace rename).
type HostStorageProvider interface {
	SessionID() string
	ProcessID() int
	ExtensionVersion() string
	GlobalStorageDir() string
}

// PromptChoice is the user's response to a modal prompt.
type PromptChoice string

const (
	PromptProceedWithBackup PromptChoice = "proceed-with-backup"
	PromptIgnore            PromptChoice = "ignore"
	PromptCancelOperations  PromptChoice = "cancel-operations"
	PromptAbort             PromptChoice = "abort"
)

// PromptPort abstracts the modal/information/progress surfaces. Dismissal
// of the modal (closing it without an explicit choice) must be reported as
// PromptIgnore by every implementation — fail-closed per spec.
type PromptPort interface {
	ShowBackupWarning(ctx context.Context) (PromptChoice, error)
	ShowInfo(ctx context.Context, message string)
	ShowWarning(ctx context.Context, message string)

	// ShowQuiesceTimeout is shown when refresh's background-pause budget
	// expires before the background-operation manager quiesces. The only
	// meaningful responses are PromptCancelOperations (force past the
	// pause and continue refreshing) and PromptAbort (resume the
	// background manager and abort the refresh). Dismissal without an
	// explicit choice must be reported as PromptAbort — fail-closed.
	ShowQuiesceTimeout(ctx context.Context) (PromptChoice, error)
}

// ConfigPort surfaces the recognized configuration options.
type ConfigPort interface {
	InterpreterPath() string
	DebugLogging() bool
	BackgroundPauseTimeoutMs() int
	AllowedEnvVars() []string
}

// defaultPauseTimeout is used when ConfigPort is nil or configured with a
// non-positive value. maxPauseTimeout bounds an operator-supplied value so a
// misconfigured budget can't block a refresh indefinitely.
const (
	defaultPauseTimeout = 5 * time.Second
	maxPauseTimeout     = 60 * time.Second
)

// BoundedPauseTimeout resolves cfg's configured background-pause budget,
// falling back to defaultPauseTimeout when unset and clamping to
// maxPauseTimeout.
func BoundedPauseTimeout(cfg ConfigPort) time.Duration {
	if cfg == nil {
		return defaultPauseTimeout
	}
	ms := cfg.BackgroundPauseTimeoutMs()
	if ms <= 0 {
		return defaultPauseTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxPauseTimeout {
		return maxPauseTimeout
	}
	return d
}

// Host bundles every port the core needs. Assembled once at activation.
type Host struct {
	Status     StatusSink
	Background BackgroundOperationManager
	Daemon     DaemonController
	Storage    HostStorageProvider
	Prompt     PromptPort
	Config     ConfigPort
}
