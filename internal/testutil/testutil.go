// Package testutil holds shared test fixtures: canned manifests, a stub
// surface adapter, and a permissive registry factory.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/surface"
)

// StudyManifest builds a small valid manifest over the given surfaces and
// locations with one query per name. Checkpointing is enabled with a
// per-cell save interval of 1 so tests observe every snapshot.
func StudyManifest(name string, queries, surfaces, locations []string) *manifest.Manifest {
	m := &manifest.Manifest{
		Name:          name,
		TenantID:      "tenant-test",
		EvidenceLevel: manifest.EvidenceNone,
		RetentionDays: 30,
		Deadline:      time.Now().Add(24 * time.Hour),
		CompletionCriteria: manifest.CompletionCriteria{
			CoverageThreshold: 1.0,
		},
		Execution: manifest.ExecutionConfig{
			Retry: manifest.RetryConfig{
				MaxRetries:        2,
				BackoffStrategy:   "fixed",
				InitialDelayMs:    100,
				MaxDelayMs:        1000,
				BackoffMultiplier: 2,
			},
			Checkpoint: manifest.CheckpointConfig{
				Enabled:           true,
				SaveIntervalCells: 1,
			},
			Timeouts:       manifest.TimeoutConfig{QueryTimeoutMs: 5000},
			MaxConcurrency: 2,
			ExecutionOrder: manifest.OrderRoundRobin,
		},
	}
	for _, q := range queries {
		m.Queries = append(m.Queries, manifest.QuerySpec{Text: q})
	}
	for _, s := range surfaces {
		m.Surfaces = append(m.Surfaces, manifest.SurfaceConfig{ID: s, Required: true})
		m.CompletionCriteria.RequiredSurfaceIDs = append(m.CompletionCriteria.RequiredSurfaceIDs, s)
	}
	for _, l := range locations {
		m.Locations = append(m.Locations, manifest.LocationConfig{ID: l, ProxyType: manifest.ProxyDatacenter})
	}
	return m
}

// PermissiveRegistries accepts every surface and location ID.
func PermissiveRegistries() manifest.Registries {
	return manifest.Registries{
		HasSurface:  func(string) bool { return true },
		HasLocation: func(string) bool { return true },
	}
}

// StubAdapter is a configurable surface adapter for tests. The zero value
// answers every query successfully with a canned response.
type StubAdapter struct {
	SurfaceID    string
	Auth         bool
	Anonymous    bool
	GeoTargeting bool

	// ExecuteFn overrides the canned success response when set.
	ExecuteFn func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error)

	mu    sync.Mutex
	calls []string
}

func (a *StubAdapter) ID() string                 { return a.SurfaceID }
func (a *StubAdapter) Category() surface.Category { return surface.CategoryAPI }
func (a *StubAdapter) RequiresAuth() bool         { return a.Auth }
func (a *StubAdapter) SupportsAnonymous() bool    { return a.Anonymous }
func (a *StubAdapter) SupportsGeoTargeting() bool { return a.GeoTargeting }

func (a *StubAdapter) ExecuteQuery(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, text)
	a.mu.Unlock()

	if a.ExecuteFn != nil {
		return a.ExecuteFn(ctx, text, qctx)
	}
	return &surface.QueryResult{
		Success:        true,
		Content:        "stub response to: " + text,
		ResponseTimeMs: 1,
	}, nil
}

func (a *StubAdapter) ValidateSession(context.Context) (surface.SessionStatus, error) {
	return surface.SessionStatus{Valid: true, Authenticated: a.Auth}, nil
}

func (a *StubAdapter) ResetSession(context.Context) error { return nil }

// Calls returns the query texts seen so far.
func (a *StubAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}
