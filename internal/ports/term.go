package ports

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	statusStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	modalTitle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	modalBorder  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	selectedBtn  = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 2)
	plainBtn     = lipgloss.NewStyle().Padding(0, 2)
)

// TermHost is the interactive terminal implementation of Host, used by
// cmd/envbridge when running attached to a TTY. Every write goes to stderr so
// stdout stays reserved for machine-readable output (e.g. diagnostics JSON).
type TermHost struct {
	SessionIDValue    string
	ExtensionVersionV string
	GlobalStorageDirV string
	InterpreterPathV  string
	DebugLoggingV     bool
	PauseTimeoutMsV   int
	AllowedEnvVarsV   []string
}

func NewTermHost() *TermHost {
	return &TermHost{
		SessionIDValue:  "term-session",
		PauseTimeoutMsV: 5000,
	}
}

func (t *TermHost) SetStatus(ctx context.Context, s Status, detail string) {
	line := statusStyle.Render(fmt.Sprintf("[%s]", s))
	if detail != "" {
		line += " " + infoStyle.Render(detail)
	}
	fmt.Fprintln(os.Stderr, line)
}

func (t *TermHost) Pause(ctx context.Context, timeout time.Duration) (bool, error) {
	return true, nil
}

func (t *TermHost) Resume(ctx context.Context) error { return nil }

func (t *TermHost) Stop(ctx context.Context) error { return nil }

func (t *TermHost) SessionID() string        { return t.SessionIDValue }
func (t *TermHost) ProcessID() int           { return os.Getpid() }
func (t *TermHost) ExtensionVersion() string { return t.ExtensionVersionV }
func (t *TermHost) GlobalStorageDir() string { return t.GlobalStorageDirV }

func (t *TermHost) ShowInfo(ctx context.Context, message string) {
	fmt.Fprintln(os.Stderr, infoStyle.Render(message))
}

func (t *TermHost) ShowWarning(ctx context.Context, message string) {
	fmt.Fprintln(os.Stderr, warningStyle.Render(message))
}

// ShowBackupWarning runs a small bubbletea program with a two-button modal
// (Proceed with Backup / Ignore). Closing the modal without an explicit
// choice — Esc, Ctrl+C, or the program erroring out — reports PromptIgnore.
func (t *TermHost) ShowBackupWarning(ctx context.Context) (PromptChoice, error) {
	return t.runTwoButtonModal(ctx, twoButtonSpec{
		title: "Legacy workspace detected",
		body: "This workspace was built by an older version. Continuing requires" +
			" moving it aside. A timestamped backup can be kept next to it.",
		leftLabel:  "Proceed with Backup",
		rightLabel: "Ignore",
		leftChoice: PromptProceedWithBackup,
		hint:       "ignore",
	}, PromptIgnore)
}

// ShowQuiesceTimeout runs the same modal shape for refresh's pause-timeout
// recovery (Cancel operations / Abort). Closing without an explicit choice
// reports PromptAbort — fail-closed, matching ShowBackupWarning.
func (t *TermHost) ShowQuiesceTimeout(ctx context.Context) (PromptChoice, error) {
	return t.runTwoButtonModal(ctx, twoButtonSpec{
		title: "Background operations did not pause in time",
		body: "The knowledge graph's background pipeline did not quiesce within" +
			" the configured budget. Cancel its in-flight operations to continue" +
			" refreshing, or abort the refresh and let it resume.",
		leftLabel:  "Cancel operations",
		rightLabel: "Abort",
		leftChoice: PromptCancelOperations,
		hint:       "abort",
	}, PromptAbort)
}

// twoButtonSpec parameterizes the shared two-button modal: a left button
// mapped to leftChoice, a right button mapped to rightChoice (the dismissal
// default passed to runTwoButtonModal).
type twoButtonSpec struct {
	title      string
	body       string
	leftLabel  string
	rightLabel string
	leftChoice PromptChoice
	hint       string
}

func (t *TermHost) runTwoButtonModal(ctx context.Context, spec twoButtonSpec, rightChoice PromptChoice) (PromptChoice, error) {
	m := twoButtonModal{spec: spec, selected: 0}
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithOutput(os.Stderr))
	final, err := p.Run()
	if err != nil {
		return rightChoice, err
	}
	result, ok := final.(twoButtonModal)
	if !ok || !result.chosen {
		return rightChoice, nil
	}
	if result.selected == 0 {
		return spec.leftChoice, nil
	}
	return rightChoice, nil
}

type twoButtonModal struct {
	spec     twoButtonSpec
	selected int
	chosen   bool
}

func (m twoButtonModal) Init() tea.Cmd { return nil }

func (m twoButtonModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch keyMsg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.chosen = false
		return m, tea.Quit
	case tea.KeyLeft, tea.KeyRight, tea.KeyTab:
		m.selected = 1 - m.selected
		return m, nil
	case tea.KeyEnter:
		m.chosen = true
		return m, tea.Quit
	}
	return m, nil
}

func (m twoButtonModal) View() string {
	title := modalTitle.Render(m.spec.title)

	left := m.spec.leftLabel
	right := m.spec.rightLabel
	if m.selected == 0 {
		left = selectedBtn.Render(left)
		right = plainBtn.Render(right)
	} else {
		left = plainBtn.Render(left)
		right = selectedBtn.Render(right)
	}
	buttons := lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right)
	content := lipgloss.JoinVertical(lipgloss.Left, title, "", m.spec.body, "", buttons,
		"", infoStyle.Render(fmt.Sprintf("←/→ to choose, Enter to confirm, Esc to %s", m.spec.hint)))
	return modalBorder.Render(content)
}

// AsHost assembles the bundle.
func (t *TermHost) AsHost() Host {
	return Host{
		Status:     t,
		Background: t,
		Daemon:     t,
		Storage:    t,
		Prompt:     t,
		Config:     t,
	}
}

func (t *TermHost) InterpreterPath() string       { return t.InterpreterPathV }
func (t *TermHost) DebugLogging() bool            { return t.DebugLoggingV }
func (t *TermHost) BackgroundPauseTimeoutMs() int { return t.PauseTimeoutMsV }
func (t *TermHost) AllowedEnvVars() []string      { return t.AllowedEnvVarsV }
