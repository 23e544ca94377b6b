package proxy

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/benthamlabs/bentham/internal/model"
)

// RotationStrategy selects the next proxy from a pool.
type RotationStrategy string

const (
	RotateRoundRobin RotationStrategy = "round-robin"
	RotateRandom     RotationStrategy = "random"
	RotateLeastUsed  RotationStrategy = "least-used"
	RotateSticky     RotationStrategy = "sticky"
)

// IsValid reports whether s is a known rotation strategy.
func (s RotationStrategy) IsValid() bool {
	switch s {
	case RotateRoundRobin, RotateRandom, RotateLeastUsed, RotateSticky:
		return true
	}
	return false
}

// PoolConfig declares a named proxy pool.
type PoolConfig struct {
	ID                string
	Rotation          RotationStrategy
	Locations         []string // empty means any location
	MinHealthyProxies int
}

// Pool is a named set of proxies with its own rotation state.
type Pool struct {
	cfg       PoolConfig
	records   []model.ProxyRecord // sorted by ID
	useCounts map[string]int
	rrCursor  int
	rng       *rand.Rand
}

// AddPool registers a pool over the given proxy records. Records outside the
// pool's location constraint are rejected.
func (m *Manager) AddPool(cfg PoolConfig, records []model.ProxyRecord) error {
	if cfg.ID == "" {
		return fmt.Errorf("proxy: pool id is required")
	}
	if !cfg.Rotation.IsValid() {
		return fmt.Errorf("proxy: unknown rotation strategy %q", cfg.Rotation)
	}
	allowed := make(map[string]bool, len(cfg.Locations))
	for _, loc := range cfg.Locations {
		allowed[loc] = true
	}
	for _, rec := range records {
		if len(allowed) > 0 && !allowed[rec.LocationID] {
			return fmt.Errorf("proxy: %s is in location %s, outside pool %s constraint",
				rec.ID, rec.LocationID, cfg.ID)
		}
	}

	sorted := make([]model.ProxyRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[cfg.ID]; exists {
		return fmt.Errorf("proxy: pool %s already exists", cfg.ID)
	}
	m.pools[cfg.ID] = &Pool{
		cfg:       cfg,
		records:   sorted,
		useCounts: make(map[string]int),
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	return nil
}

// RemovePool drops a pool. Its proxies and sessions are untouched.
func (m *Manager) RemovePool(id string) {
	m.mu.Lock()
	delete(m.pools, id)
	m.mu.Unlock()
}

// requestFromPool selects from a named pool, gated on minHealthyProxies.
func (m *Manager) requestFromPool(req Request, now time.Time) (Assignment, error) {
	m.mu.Lock()
	pool, ok := m.pools[req.PoolID]
	if !ok {
		m.mu.Unlock()
		return Assignment{}, fmt.Errorf("proxy: unknown pool %q", req.PoolID)
	}

	exclude := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		exclude[id] = true
	}
	var healthy []model.ProxyRecord
	for _, rec := range pool.records {
		if m.Health.Healthy(rec.ID) {
			healthy = append(healthy, rec)
		}
	}
	if len(healthy) < pool.cfg.MinHealthyProxies {
		m.mu.Unlock()
		return Assignment{}, fmt.Errorf("%w: pool %s has %d healthy, needs %d",
			ErrPoolUnhealthy, req.PoolID, len(healthy), pool.cfg.MinHealthyProxies)
	}

	var candidates []model.ProxyRecord
	for _, rec := range healthy {
		if exclude[rec.ID] {
			continue
		}
		if req.Location != "" && rec.LocationID != req.Location {
			continue
		}
		if req.Type != "" && rec.Type != req.Type {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		m.mu.Unlock()
		return Assignment{}, fmt.Errorf("proxy: pool %s has no eligible proxy", req.PoolID)
	}

	var chosen model.ProxyRecord
	switch pool.cfg.Rotation {
	case RotateRandom:
		chosen = candidates[pool.rng.IntN(len(candidates))]
	case RotateLeastUsed:
		chosen = candidates[0]
		for _, rec := range candidates[1:] {
			if pool.useCounts[rec.ID] < pool.useCounts[chosen.ID] {
				chosen = rec
			}
		}
	case RotateSticky:
		chosen = m.stickyPickLocked(pool, candidates, req, now)
	default: // round-robin
		chosen = candidates[pool.rrCursor%len(candidates)]
		pool.rrCursor++
	}
	pool.useCounts[chosen.ID]++
	m.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if req.Target != "" {
		ttl := m.cfg.DefaultStickyDuration
		if req.StickyDuration > 0 {
			ttl = req.StickyDuration
		}
		s := model.ProxySession{
			ProxyID:      chosen.ID,
			Target:       req.Target,
			SessionID:    sessionID,
			CreatedAtNs:  now.UnixNano(),
			ExpiresAtNs:  now.Add(ttl).UnixNano(),
			LastAccessNs: now.UnixNano(),
		}
		m.mu.Lock()
		m.sessions[s.Key()] = s
		m.mu.Unlock()
		m.persist.MarkProxySession(chosen.ID, req.Target)
	}
	chosen.Username = FormatSessionUsername(chosen.Username, sessionID)
	return Assignment{Proxy: chosen, SessionID: sessionID, Provider: chosen.ProviderID}, nil
}

// stickyPickLocked reuses the pool proxy already bound to the request target
// when its session is still live. Caller holds m.mu.
func (m *Manager) stickyPickLocked(pool *Pool, candidates []model.ProxyRecord, req Request, now time.Time) model.ProxyRecord {
	if req.Target != "" {
		for _, rec := range candidates {
			key := model.ProxySessionKey{ProxyID: rec.ID, Target: req.Target}
			if s, ok := m.sessions[key]; ok && !s.Expired(now) {
				return rec
			}
		}
	}
	return candidates[pool.rrCursor%len(candidates)]
}
