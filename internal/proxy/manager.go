package proxy

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/model"
	"github.com/benthamlabs/bentham/internal/sweep"
)

// AutoProvider is the manifest hint meaning "highest-priority enabled
// provider supporting this location".
const AutoProvider = "auto"

// ManagerConfig tunes session and probe behavior.
type ManagerConfig struct {
	DefaultStickyDuration time.Duration
	Health                HealthConfig
}

// DefaultManagerConfig returns the manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultStickyDuration: 10 * time.Minute,
		Health:                DefaultHealthConfig(),
	}
}

// SessionPersister marks sticky sessions dirty for the cache flush.
type SessionPersister interface {
	MarkProxySession(proxyID, target string)
	MarkProxySessionDelete(proxyID, target string)
}

// Request asks for a proxy assignment.
type Request struct {
	Location       string
	Type           string
	Provider       string // provider name or AutoProvider
	Target         string // surface host the session pins to
	SessionID      string // resume an existing sticky session
	RequireSticky  bool
	StickyDuration time.Duration // 0 means DefaultStickyDuration
	PoolID         string
	Exclude        []string
}

// Assignment is a granted proxy plus the session token to attach.
type Assignment struct {
	Proxy     model.ProxyRecord
	SessionID string
	Provider  string
}

var (
	// ErrNoProvider is returned when no enabled provider serves the location.
	ErrNoProvider = errors.New("proxy: no provider for location")
	// ErrPoolUnhealthy is returned when a pool is below its healthy floor.
	ErrPoolUnhealthy = errors.New("proxy: pool below healthy floor")
)

// Manager resolves locations to providers and hands out proxy assignments
// with sticky session reuse and health gating.
type Manager struct {
	cfg     ManagerConfig
	persist SessionPersister
	clk     clock.Clock

	Health  *HealthTracker
	Latency *LatencyTable

	mu        sync.Mutex
	providers []Provider
	sessions  map[model.ProxySessionKey]model.ProxySession
	pools     map[string]*Pool

	prober *sweep.Runner
	probe  ProbeFunc
}

// NewManager builds a manager over the given providers.
func NewManager(cfg ManagerConfig, persist SessionPersister, healthPersist HealthPersister, clk clock.Clock, providers ...Provider) *Manager {
	if clk == nil {
		clk = clock.System
	}
	m := &Manager{
		cfg:       cfg,
		persist:   persist,
		clk:       clk,
		Health:    NewHealthTracker(cfg.Health, healthPersist, clk),
		Latency:   NewLatencyTable(4096),
		providers: providers,
		sessions:  make(map[model.ProxySessionKey]model.ProxySession),
		pools:     make(map[string]*Pool),
		probe:     SOCKS5Probe,
	}
	sort.SliceStable(m.providers, func(i, j int) bool {
		return m.providers[i].Priority() < m.providers[j].Priority()
	})
	return m
}

// SetProbe replaces the active-probe implementation (tests).
func (m *Manager) SetProbe(fn ProbeFunc) { m.probe = fn }

// RestoreSessions seeds sticky sessions from cache.db, dropping expired ones.
func (m *Manager) RestoreSessions(sessions []model.ProxySession) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if s.Expired(now) {
			m.persist.MarkProxySessionDelete(s.ProxyID, s.Target)
			continue
		}
		m.sessions[s.Key()] = s
	}
}

// ResolveProvider maps a location and manifest hint to a provider. A named
// hint must match an enabled provider supporting the location; AutoProvider
// picks the highest-priority enabled provider that does.
func (m *Manager) ResolveProvider(locationID, hint string) (Provider, error) {
	m.mu.Lock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	m.mu.Unlock()

	if hint != "" && hint != AutoProvider {
		for _, p := range providers {
			if p.Name() == hint {
				if !p.Enabled() {
					return nil, fmt.Errorf("proxy: provider %s is disabled", hint)
				}
				if !p.SupportsLocation(locationID) {
					return nil, fmt.Errorf("proxy: provider %s does not serve location %s", hint, locationID)
				}
				return p, nil
			}
		}
		return nil, fmt.Errorf("proxy: unknown provider %q", hint)
	}

	for _, p := range providers {
		if p.Enabled() && p.SupportsLocation(locationID) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrNoProvider, locationID)
}

// AvailableLocations unions the location catalogs of all enabled providers.
func (m *Manager) AvailableLocations() []string {
	m.mu.Lock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	m.mu.Unlock()

	seen := make(map[string]bool)
	out := []string{}
	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		for _, loc := range p.AvailableLocations() {
			if !seen[loc] {
				seen[loc] = true
				out = append(out, loc)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ListRecords enumerates every record held by static providers, including
// disabled ones. Providers that mint records on demand have nothing to list
// and are skipped.
func (m *Manager) ListRecords() []model.ProxyRecord {
	m.mu.Lock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	m.mu.Unlock()

	var out []model.ProxyRecord
	for _, p := range providers {
		sp, ok := p.(*StaticProvider)
		if !ok {
			continue
		}
		sp.mu.RLock()
		for _, list := range sp.byLoc {
			out = append(out, list...)
		}
		sp.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SupportsLocation reports whether any enabled provider serves the location.
func (m *Manager) SupportsLocation(locationID string) bool {
	m.mu.Lock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	m.mu.Unlock()

	for _, p := range providers {
		if p.Enabled() && p.SupportsLocation(locationID) {
			return true
		}
	}
	return false
}

// RequestProxy grants a proxy for the request. Sticky requests reuse an
// unexpired session for (proxy, target) when one exists; otherwise a new
// session is minted with the configured TTL.
func (m *Manager) RequestProxy(req Request) (Assignment, error) {
	now := m.clk.Now()

	if req.PoolID != "" {
		return m.requestFromPool(req, now)
	}

	// Sticky resume: find the caller's live session for this target.
	if req.SessionID != "" && req.Target != "" {
		if asg, ok := m.resumeSession(req, now); ok {
			return asg, nil
		}
	}

	provider, err := m.ResolveProvider(req.Location, req.Provider)
	if err != nil {
		return Assignment{}, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	rec, err := provider.GetProxyConfig(req.Location, RequestOptions{
		Type:      req.Type,
		SessionID: sessionID,
		Exclude:   append(m.unhealthyIDs(provider, req.Location), req.Exclude...),
	})
	if err != nil {
		return Assignment{}, err
	}

	if req.Target != "" {
		ttl := m.cfg.DefaultStickyDuration
		if req.StickyDuration > 0 {
			ttl = req.StickyDuration
		}
		s := model.ProxySession{
			ProxyID:      rec.ID,
			Target:       req.Target,
			SessionID:    sessionID,
			CreatedAtNs:  now.UnixNano(),
			ExpiresAtNs:  now.Add(ttl).UnixNano(),
			LastAccessNs: now.UnixNano(),
		}
		m.mu.Lock()
		m.sessions[s.Key()] = s
		m.mu.Unlock()
		m.persist.MarkProxySession(rec.ID, req.Target)
	}

	return Assignment{Proxy: rec, SessionID: sessionID, Provider: provider.Name()}, nil
}

// resumeSession looks for a live session carrying the caller's token.
func (m *Manager) resumeSession(req Request, now time.Time) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		if s.SessionID != req.SessionID || s.Target != req.Target {
			continue
		}
		if s.Expired(now) || !m.Health.Healthy(s.ProxyID) {
			delete(m.sessions, key)
			m.persist.MarkProxySessionDelete(key.ProxyID, key.Target)
			return Assignment{}, false
		}
		s.LastAccessNs = now.UnixNano()
		m.sessions[key] = s
		m.persist.MarkProxySession(key.ProxyID, key.Target)

		rec, err := m.recordForLocked(s.ProxyID, req, s.SessionID)
		if err != nil {
			return Assignment{}, false
		}
		return Assignment{Proxy: rec, SessionID: s.SessionID, Provider: rec.ProviderID}, true
	}
	return Assignment{}, false
}

// recordForLocked re-resolves a proxy record by ID across providers.
// Caller holds m.mu.
func (m *Manager) recordForLocked(proxyID string, req Request, sessionID string) (model.ProxyRecord, error) {
	for _, p := range m.providers {
		if !p.Enabled() || !p.SupportsLocation(req.Location) {
			continue
		}
		rec, err := p.GetProxyConfig(req.Location, RequestOptions{SessionID: sessionID})
		if err == nil && rec.ID == proxyID {
			return rec, nil
		}
		// Walk the provider's rotation until the ID comes around or a full
		// cycle passes.
		for i := 0; i < 16; i++ {
			rec, err = p.GetProxyConfig(req.Location, RequestOptions{SessionID: sessionID})
			if err == nil && rec.ID == proxyID {
				return rec, nil
			}
		}
	}
	return model.ProxyRecord{}, fmt.Errorf("proxy: %s no longer resolvable", proxyID)
}

// unhealthyIDs lists the provider's proxies currently marked unhealthy so
// selection can route around them.
func (m *Manager) unhealthyIDs(p Provider, locationID string) []string {
	sp, ok := p.(*StaticProvider)
	if !ok {
		return nil
	}
	var out []string
	sp.mu.RLock()
	for _, rec := range sp.byLoc[locationID] {
		if !m.Health.Healthy(rec.ID) {
			out = append(out, rec.ID)
		}
	}
	sp.mu.RUnlock()
	return out
}

// ReportUsage folds a request outcome into the proxy's health and refreshes
// the sticky session's last-access time.
func (m *Manager) ReportUsage(proxyID, target string, success bool) {
	m.Health.ReportUsage(proxyID, success)
	if target == "" {
		return
	}
	now := m.clk.Now()
	key := model.ProxySessionKey{ProxyID: proxyID, Target: target}
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.LastAccessNs = now.UnixNano()
		m.sessions[key] = s
		m.persist.MarkProxySession(proxyID, target)
	}
	m.mu.Unlock()
}

// CleanupExpiredSessions drops lapsed sticky sessions. Returns the count.
func (m *Manager) CleanupExpiredSessions() int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for key, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, key)
			m.persist.MarkProxySessionDelete(key.ProxyID, key.Target)
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("[proxy] dropped %d expired sticky sessions", dropped)
	}
	return dropped
}

// ReadSession is the flush-time reader for the proxy_sessions dirty set.
func (m *Manager) ReadSession(key model.ProxySessionKey) *model.ProxySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	cp := s
	return &cp
}

// StartProber launches the background health probe loop over all static
// provider proxies. The loop also sweeps expired sticky sessions.
func (m *Manager) StartProber() {
	m.mu.Lock()
	if m.prober != nil {
		m.mu.Unlock()
		return
	}
	interval := m.cfg.Health.HealthCheckInterval
	m.prober = sweep.NewRunner(interval, interval/4, func() {
		m.probeAll()
		m.CleanupExpiredSessions()
	})
	m.mu.Unlock()
	m.prober.Start()
}

// StopProber stops the background probe loop.
func (m *Manager) StopProber() {
	m.mu.Lock()
	p := m.prober
	m.prober = nil
	m.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (m *Manager) probeAll() {
	m.mu.Lock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	probe := m.probe
	m.mu.Unlock()

	for _, p := range providers {
		sp, ok := p.(*StaticProvider)
		if !ok || !sp.Enabled() {
			continue
		}
		sp.mu.RLock()
		var records []model.ProxyRecord
		for _, list := range sp.byLoc {
			records = append(records, list...)
		}
		sp.mu.RUnlock()
		for _, rec := range records {
			m.Health.Probe(rec, probe, m.Latency)
		}
	}
}
