// Package diagnostics combines the Interpreter Resolver and Preflight
// Verifier into one structured-and-human report, the "doctor" surface the
// host exposes for manual troubleshooting.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"envbridge/internal/logging"
	"envbridge/internal/ports"
	"envbridge/internal/preflight"
	"envbridge/internal/resolver"
	"envbridge/internal/workspace"
)

// Report is generateReport's return value: a machine-consumable summary, a
// rendered markdown document, and the raw key-field data the markdown was
// built from.
type Report struct {
	Healthy  bool           `json:"healthy"`
	Markdown string         `json:"markdown"`
	Data     map[string]any `json:"data"`
}

// Reporter generates diagnostics reports for a single workspace.
type Reporter struct {
	WorkspacePath string
	Host          ports.Host
	Preflight     *preflight.Verifier
	Audit         *logging.AuditLog
}

// New returns a Reporter backed by the given preflight Verifier. Callers
// typically share the same Verifier a Provisioner already verifies with so
// TTL caching behaves predictably.
func New(workspacePath string, host ports.Host, verifier *preflight.Verifier) *Reporter {
	return &Reporter{WorkspacePath: workspacePath, Host: host, Preflight: verifier}
}

// GenerateReport invalidates the preflight cache, re-resolves the
// interpreter, re-probes it, and renders both outcomes into one report.
func (r *Reporter) GenerateReport(ctx context.Context) (*Report, error) {
	r.Preflight.InvalidateCache()

	resolution := resolver.Resolve(r.WorkspacePath, r.Host.Config, r.Audit)
	result := r.Preflight.Verify(ctx, r.WorkspacePath, r.Host.Config)

	healthy := result.Status == preflight.StatusHealthy

	fingerprint := r.dependencySetFingerprint()

	data := map[string]any{
		"interpreterPath":          resolution.InterpreterPath,
		"reasonCode":               string(resolution.Reason),
		"ownership":                string(resolution.Ownership),
		"metadataExists":           resolution.MetadataExists,
		"dependencySetFingerprint": fingerprint,
		"status":                   string(result.Status),
		"moduleImportable":         result.ModuleImportable,
		"moduleVersion":            result.ModuleVersion,
		"durationMs":               result.DurationMs,
		"cached":                   result.Cached,
	}
	if result.Error != "" {
		data["error"] = result.Error
	}

	md, err := r.render(resolution, result, fingerprint, healthy)
	if err != nil {
		return nil, fmt.Errorf("render diagnostics markdown: %w", err)
	}

	return &Report{Healthy: healthy, Markdown: md, Data: data}, nil
}

// dependencySetFingerprint reads env.json directly: the resolver's
// Resolution doesn't carry this field since tiers 2-4 never consult
// env.json's fingerprint, only its interpreter path.
func (r *Reporter) dependencySetFingerprint() string {
	store := workspace.New(r.WorkspacePath)
	meta, _ := store.ReadEnv()
	if meta == nil {
		return ""
	}
	return meta.DependencySetFingerprint
}

func (r *Reporter) render(resolution resolver.Resolution, result preflight.Result, fingerprint string, healthy bool) (string, error) {
	var b strings.Builder

	b.WriteString("# Environment Diagnostics\n\n")
	if healthy {
		b.WriteString("**Summary:** the workspace environment is healthy.\n\n")
	} else {
		b.WriteString("**Summary:** the workspace environment needs attention.\n\n")
	}

	b.WriteString("## Interpreter Selection\n\n")
	fmt.Fprintf(&b, "- Path: `%s`\n", resolution.InterpreterPath)
	fmt.Fprintf(&b, "- Reason: `%s`\n", resolution.Reason)
	fmt.Fprintf(&b, "- Ownership: `%s`\n", resolution.Ownership)
	fmt.Fprintf(&b, "- Metadata present: %v\n", resolution.MetadataExists)
	if fingerprint != "" {
		fmt.Fprintf(&b, "- Dependency set fingerprint: `%s`\n", fingerprint)
	}
	b.WriteString("\n")

	b.WriteString("## Preflight\n\n")
	fmt.Fprintf(&b, "- Status: `%s`\n", result.Status)
	fmt.Fprintf(&b, "- Module importable: %v\n", result.ModuleImportable)
	if result.ModuleVersion != "" {
		fmt.Fprintf(&b, "- Module version: `%s`\n", result.ModuleVersion)
	}
	fmt.Fprintf(&b, "- Duration: %dms (cached=%v)\n\n", result.DurationMs, result.Cached)

	if result.Error != "" {
		b.WriteString("## Error Details\n\n")
		fmt.Fprintf(&b, "```\n%s\n```\n\n", result.Error)
	}

	if result.Remediation != nil {
		b.WriteString("## Recommended Action\n\n")
		fmt.Fprintf(&b, "- %s: %s\n\n", result.Remediation.Action, result.Remediation.Message)
	}

	fields := map[string]any{
		"interpreterPath":          resolution.InterpreterPath,
		"reasonCode":               string(resolution.Reason),
		"ownership":                string(resolution.Ownership),
		"dependencySetFingerprint": fingerprint,
		"status":                   string(result.Status),
		"moduleImportable":         result.ModuleImportable,
		"moduleVersion":            result.ModuleVersion,
		"durationMs":               result.DurationMs,
		"cached":                   result.Cached,
	}
	encoded, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "", err
	}
	b.WriteString("## Machine-Readable Fields\n\n")
	fmt.Fprintf(&b, "```json\n%s\n```\n", encoded)

	return b.String(), nil
}
