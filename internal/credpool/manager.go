package credpool

import (
	"math/rand/v2"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/vault"
)

// Manager keeps one pool per surface, created lazily on first use.
type Manager struct {
	backend   vault.Backend
	defaults  Config
	overrides map[string]Config // per-surface config, keyed by surfaceId
	clk       clock.Clock
	rng       *rand.Rand
	observers []Observer // applied to every pool at creation

	pools *xsync.Map[string, *Pool]
}

// NewManager builds a pool manager over one vault backend. Surface-specific
// configs override the defaults; observers are subscribed to each new pool.
func NewManager(backend vault.Backend, defaults Config, overrides map[string]Config, clk clock.Clock, rng *rand.Rand, observers ...Observer) *Manager {
	if clk == nil {
		clk = clock.System
	}
	return &Manager{
		backend:   backend,
		defaults:  defaults,
		overrides: overrides,
		clk:       clk,
		rng:       rng,
		observers: observers,
		pools:     xsync.NewMap[string, *Pool](),
	}
}

// Pool returns the surface's pool, creating it on first request.
func (m *Manager) Pool(surfaceID string) *Pool {
	p, _ := m.pools.LoadOrCompute(surfaceID, func() (*Pool, bool) {
		cfg := m.defaults
		if o, ok := m.overrides[surfaceID]; ok {
			cfg = o
		}
		p := New(surfaceID, cfg, m.backend, m.clk, m.rng)
		for _, obs := range m.observers {
			p.Subscribe(obs)
		}
		return p, false
	})
	return p
}

// GetNext selects the next credential for the surface.
func (m *Manager) GetNext(surfaceID string) (vault.Credential, error) {
	return m.Pool(surfaceID).GetNext()
}

// ReportSuccess routes a success to the surface's pool.
func (m *Manager) ReportSuccess(surfaceID, credentialID string) {
	m.Pool(surfaceID).ReportSuccess(credentialID)
}

// ReportError routes a failure to the surface's pool.
func (m *Manager) ReportError(surfaceID, credentialID string) {
	m.Pool(surfaceID).ReportError(credentialID)
}

// Health reports each created pool's health, keyed by surfaceId.
func (m *Manager) Health() map[string]Health {
	out := make(map[string]Health)
	m.pools.Range(func(surfaceID string, p *Pool) bool {
		out[surfaceID] = p.Health()
		return true
	})
	return out
}
