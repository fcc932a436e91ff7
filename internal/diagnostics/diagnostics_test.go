package diagnostics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envbridge/internal/ports"
	"envbridge/internal/preflight"
	"envbridge/internal/workspace"
)

func TestGenerateReportUnhealthyWhenNoEnvironment(t *testing.T) {
	ws := t.TempDir()
	host := ports.NewNoopHost().AsHost()
	r := New(ws, host, preflight.New("kgraph"))

	report, err := r.GenerateReport(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.Contains(t, report.Markdown, "needs attention")
	assert.Contains(t, report.Markdown, "## Interpreter Selection")
	assert.Contains(t, report.Markdown, "## Machine-Readable Fields")
	assert.Equal(t, resolverReasonSystemFallback, report.Data["reasonCode"])
}

// resolverReasonSystemFallback mirrors resolver.ReasonSystemFallback without
// importing the resolver package's Reason type, keeping this assertion a
// plain string comparison against the report's JSON-friendly data map.
const resolverReasonSystemFallback = "SYSTEM_FALLBACK"

func TestGenerateReportIncludesErrorDetailsSection(t *testing.T) {
	ws := t.TempDir()
	store := workspace.New(ws)
	require.NoError(t, store.WriteEnv(&workspace.EnvMetadata{
		InterpreterPath: "/nonexistent/python3",
		Ownership:       workspace.OwnershipExternal,
	}))

	host := ports.NewNoopHost().AsHost()
	r := New(ws, host, preflight.New("kgraph"))

	report, err := r.GenerateReport(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	assert.Contains(t, report.Markdown, "## Error Details")
	assert.Contains(t, report.Markdown, "## Recommended Action")
}
