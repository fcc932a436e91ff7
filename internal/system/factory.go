// Package system provides the core initialization and factory logic for the
// workspace environment lifecycle. It wires the nine core components into
// the single activation sequence the host invokes once per workspace
// window: Health Classifier → Migration Engine → Provisioner (if required)
// → Interpreter Resolver → Preflight Verifier → ready.
package system

import (
	"context"
	"fmt"
	"sync"

	"envbridge/internal/logging"
	"envbridge/internal/migration"
	"envbridge/internal/ports"
	"envbridge/internal/preflight"
	"envbridge/internal/provision"
	"envbridge/internal/resolver"
	"envbridge/internal/workspace"
)

// DependencyManifest is the canonical list of Python packages the knowledge
// graph daemon requires; its sha256 becomes EnvMetadata.DependencySetFingerprint.
var DependencyManifest = []string{
	"networkx>=3.0",
	"numpy>=1.24",
	"sentence-transformers>=2.2",
}

// PreflightModule is the module every preflight probe checks for importability.
const PreflightModule = "kgraph"

// Global registry of booted Cores, keyed by workspace path. Multiple host
// windows onto the same workspace must share one Core: the preflight
// cache, the singleflight group, and the audit log's partition all assume
// a single in-process owner per workspace.
var (
	cores   = map[string]*Core{}
	coresMu sync.Mutex
)

// GetOrBootCore returns the process-wide Core for workspacePath, booting
// and activating it once. Subsequent calls for the same workspace path
// return the existing Core without re-running activation; callers that
// need a fresh activation (e.g. after the workspace folder changed
// identity) should call ResetCore first.
func GetOrBootCore(ctx context.Context, workspacePath string, host ports.Host, audit *logging.AuditLog) (*Core, *ActivationResult, error) {
	coresMu.Lock()
	if existing, ok := cores[workspacePath]; ok {
		coresMu.Unlock()
		return existing, existing.lastActivation, nil
	}
	coresMu.Unlock()

	core := New(workspacePath, host, audit)
	result, err := core.Activate(ctx)
	core.lastActivation = result

	coresMu.Lock()
	cores[workspacePath] = core
	coresMu.Unlock()

	return core, result, err
}

// ResetCore discards the cached Core for workspacePath. Primarily for
// tests; in production a workspace rarely needs re-activation within the
// same process lifetime.
func ResetCore(workspacePath string) {
	coresMu.Lock()
	delete(cores, workspacePath)
	coresMu.Unlock()
}

// ActivationResult is what the host receives once activation finishes,
// successfully or not.
type ActivationResult struct {
	Health           workspace.Health
	MigrationOutcome migration.Outcome
	ProvisionRan     bool
	ProvisionErr     error
	Resolution       resolver.Resolution
	Preflight        preflight.Result
}

// Ready reports whether the workspace ended activation able to serve a
// privileged request.
func (r *ActivationResult) Ready() bool {
	return r.ProvisionErr == nil && r.Preflight.Status == preflight.StatusHealthy
}

// Core bundles the long-lived per-workspace state: the preflight verifier
// (which must persist across requests for its TTL cache and singleflight
// collapse to do anything), the audit log, and the host ports.
type Core struct {
	WorkspacePath      string
	Host               ports.Host
	Audit              *logging.AuditLog
	Verifier           *preflight.Verifier
	DependencyManifest []string

	lastActivation *ActivationResult
}

// New assembles a Core for workspacePath without activating it. audit may
// be nil for test callers that don't need a persisted trail.
// DependencyManifest defaults to the package-level DependencyManifest;
// override the returned Core's field directly (e.g. to an empty slice in
// a test that only cares about activation branching, not a real install).
func New(workspacePath string, host ports.Host, audit *logging.AuditLog) *Core {
	verifier := preflight.New(PreflightModule)
	verifier.Audit = audit
	return &Core{
		WorkspacePath:      workspacePath,
		Host:               host,
		Audit:              audit,
		Verifier:           verifier,
		DependencyManifest: DependencyManifest,
	}
}

// Activate runs the canonical control flow once for c.WorkspacePath:
// classify health, run the migration engine unconditionally (it is a
// no-op for a current-schema workspace), provision if the workspace isn't
// VALID, then resolve and preflight-verify the interpreter. Every
// subsequent privileged request should re-enter via ReResolve instead of
// calling Activate again — migration and provisioning belong only at
// window-open time.
func (c *Core) Activate(ctx context.Context) (*ActivationResult, error) {
	if c.Host.Status != nil {
		c.Host.Status.SetStatus(ctx, ports.StatusInitializing, "")
	}

	health := workspace.Classify(c.WorkspacePath)

	migEngine := migration.New(c.WorkspacePath, c.Host, c.Audit)
	outcome := migEngine.CheckPreUpgradeMigration(ctx)
	result := &ActivationResult{Health: health, MigrationOutcome: outcome}

	if outcome.Action == migration.ActionIOError {
		if c.Host.Status != nil {
			c.Host.Status.SetStatus(ctx, ports.StatusError, "workspace state could not be read")
		}
		return result, fmt.Errorf("migration detection failed: %w", outcome.Error)
	}

	if outcome.RequiresFreshInit {
		health = workspace.HealthFresh
		result.Health = health
	}

	if health != workspace.HealthValid {
		if c.Host.Status != nil {
			c.Host.Status.SetStatus(ctx, ports.StatusProvisioning, "")
		}
		provisioner := provision.New(c.WorkspacePath, c.Host, c.DependencyManifest)
		provisioner.Preflight = c.Verifier
		provisioner.Audit = c.Audit
		result.ProvisionRan = true
		if err := provisioner.CreateManaged(ctx); err != nil {
			result.ProvisionErr = err
			if c.Host.Status != nil {
				c.Host.Status.SetStatus(ctx, ports.StatusError, err.Error())
			}
			return result, nil
		}
		c.Verifier.InvalidateCache()
	}

	result.Resolution, result.Preflight = c.resolveAndVerify(ctx)

	if c.Host.Status != nil {
		if result.Preflight.Status == preflight.StatusHealthy {
			c.Host.Status.SetStatus(ctx, ports.StatusReady, "")
		} else {
			c.Host.Status.SetStatus(ctx, ports.StatusError, string(result.Preflight.Status))
		}
	}

	return result, nil
}

// ReResolve re-enters C4→C5 for a single privileged request, the re-entry
// point every operation after activation must use instead of Activate.
func (c *Core) ReResolve(ctx context.Context) (resolver.Resolution, preflight.Result) {
	return c.resolveAndVerify(ctx)
}

func (c *Core) resolveAndVerify(ctx context.Context) (resolver.Resolution, preflight.Result) {
	resolution := resolver.Resolve(c.WorkspacePath, c.Host.Config, c.Audit)
	result := c.Verifier.Verify(ctx, c.WorkspacePath, c.Host.Config)
	return resolution, result
}
