// Package credpool selects credentials from the vault per surface, tracking
// per-credential usage, consecutive errors, and cooldowns. Pools hold
// credential IDs only; the vault stays the owner of the credential records.
package credpool

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/vault"
)

// Strategy picks the next credential from the non-cooldown set.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyLeastUsed  Strategy = "least_used"
)

// IsValid reports whether s is a known selection strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed:
		return true
	}
	return false
}

// Health is the pool's aggregate availability state.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Config tunes one pool.
type Config struct {
	Strategy             Strategy
	MaxErrors            int           // consecutive errors before cooldown
	ErrorCooldown        time.Duration // cooldown length after MaxErrors
	MinActiveCredentials int           // healthy floor
}

// DefaultConfig matches a single-credential development setup.
func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyRoundRobin,
		MaxErrors:            3,
		ErrorCooldown:        60 * time.Second,
		MinActiveCredentials: 1,
	}
}

// Usage is the pool's per-credential counter set.
type Usage struct {
	CredentialID  string     `json:"credentialId"`
	UseCount      int        `json:"useCount"`
	ErrorCount    int        `json:"errorCount"` // consecutive, reset on success
	InCooldown    bool       `json:"inCooldown"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
}

// Event is delivered to subscribed observers.
type Event struct {
	Kind         EventKind
	SurfaceID    string
	CredentialID string
	Success      bool   // credential_used only
	Health       Health // pool_health_change only
	At           time.Time
}

// EventKind discriminates pool events.
type EventKind string

const (
	EventCredentialUsed EventKind = "credential_used"
	EventCooldownStart  EventKind = "credential_cooldown_start"
	EventCooldownEnd    EventKind = "credential_cooldown_end"
	EventPoolExhausted  EventKind = "pool_exhausted"
	EventHealthChange   EventKind = "pool_health_change"
)

// Observer receives pool events. Callbacks run on the caller's goroutine
// outside the pool lock and must not block for long.
type Observer func(Event)

// ErrExhausted is returned by GetNext when no credential is selectable.
var ErrExhausted = errors.New("credpool: no active credential available")

// Pool selects credentials for one surface.
type Pool struct {
	surfaceID string
	cfg       Config
	backend   vault.Backend
	clk       clock.Clock
	rng       *rand.Rand

	mu         sync.Mutex
	usage      map[string]*Usage
	rrCursor   int
	lastHealth Health
	observers  []Observer
}

// New builds a pool over the vault backend for one surface.
func New(surfaceID string, cfg Config, backend vault.Backend, clk clock.Clock, rng *rand.Rand) *Pool {
	if clk == nil {
		clk = clock.System
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if !cfg.Strategy.IsValid() {
		cfg.Strategy = StrategyRoundRobin
	}
	p := &Pool{
		surfaceID: surfaceID,
		cfg:       cfg,
		backend:   backend,
		clk:       clk,
		rng:       rng,
		usage:     make(map[string]*Usage),
	}
	p.lastHealth = p.health(p.selectable(clk.Now()))
	return p
}

// Subscribe registers an observer for this pool's events.
func (p *Pool) Subscribe(obs Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, obs)
	p.mu.Unlock()
}

// GetNext selects the next credential per the configured strategy.
// Credentials in cooldown are skipped; an empty selectable set emits
// pool_exhausted and returns ErrExhausted.
func (p *Pool) GetNext() (vault.Credential, error) {
	now := p.clk.Now()

	p.mu.Lock()
	ended := p.endExpiredCooldownsLocked(now)
	candidates := p.selectableLocked(now)
	if len(candidates) == 0 {
		p.mu.Unlock()
		p.emitCooldownEnds(ended, now)
		p.emit(Event{Kind: EventPoolExhausted, SurfaceID: p.surfaceID, At: now})
		p.publishHealth(now)
		return vault.Credential{}, fmt.Errorf("%w for surface %s", ErrExhausted, p.surfaceID)
	}

	var chosen vault.Credential
	switch p.cfg.Strategy {
	case StrategyRandom:
		chosen = candidates[p.rng.IntN(len(candidates))]
	case StrategyLeastUsed:
		chosen = candidates[0]
		best := p.usageLocked(chosen.ID).UseCount
		for _, c := range candidates[1:] {
			if n := p.usageLocked(c.ID).UseCount; n < best {
				chosen, best = c, n
			}
		}
	default: // round_robin
		chosen = candidates[p.rrCursor%len(candidates)]
		p.rrCursor++
	}
	p.usageLocked(chosen.ID).UseCount++
	p.mu.Unlock()

	p.emitCooldownEnds(ended, now)
	p.publishHealth(now)
	return chosen, nil
}

// ReportSuccess resets the credential's consecutive error count.
func (p *Pool) ReportSuccess(credentialID string) {
	now := p.clk.Now()
	p.mu.Lock()
	p.usageLocked(credentialID).ErrorCount = 0
	p.mu.Unlock()
	p.emit(Event{Kind: EventCredentialUsed, SurfaceID: p.surfaceID, CredentialID: credentialID, Success: true, At: now})
	p.publishHealth(now)
}

// ReportError bumps the consecutive error count and starts a cooldown once
// it reaches MaxErrors.
func (p *Pool) ReportError(credentialID string) {
	now := p.clk.Now()
	var cooled bool

	p.mu.Lock()
	u := p.usageLocked(credentialID)
	u.ErrorCount++
	if u.ErrorCount >= p.cfg.MaxErrors && !u.InCooldown {
		until := now.Add(p.cfg.ErrorCooldown)
		u.InCooldown = true
		u.CooldownUntil = &until
		cooled = true
	}
	p.mu.Unlock()

	p.emit(Event{Kind: EventCredentialUsed, SurfaceID: p.surfaceID, CredentialID: credentialID, Success: false, At: now})
	if cooled {
		log.Printf("[credpool] %s: credential %s entered cooldown until %s",
			p.surfaceID, credentialID, now.Add(p.cfg.ErrorCooldown).Format(time.RFC3339))
		p.emit(Event{Kind: EventCooldownStart, SurfaceID: p.surfaceID, CredentialID: credentialID, At: now})
	}
	p.publishHealth(now)
}

// UsageOf returns a copy of the credential's counters.
func (p *Pool) UsageOf(credentialID string) Usage {
	now := p.clk.Now()
	p.mu.Lock()
	ended := p.endExpiredCooldownsLocked(now)
	u := *p.usageLocked(credentialID)
	p.mu.Unlock()
	p.emitCooldownEnds(ended, now)
	return u
}

// Health recomputes and returns the pool's current health.
func (p *Pool) Health() Health {
	now := p.clk.Now()
	p.mu.Lock()
	ended := p.endExpiredCooldownsLocked(now)
	h := p.health(p.selectableLocked(now))
	p.mu.Unlock()
	p.emitCooldownEnds(ended, now)
	return h
}

// selectable is the lock-free variant used during construction.
func (p *Pool) selectable(now time.Time) []vault.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectableLocked(now)
}

// selectableLocked returns active, non-cooldown credentials in the vault's
// insertion order. Caller holds p.mu.
func (p *Pool) selectableLocked(now time.Time) []vault.Credential {
	var out []vault.Credential
	for _, c := range p.backend.GetActiveBySurface(p.surfaceID, now) {
		if u, ok := p.usage[c.ID]; ok && u.InCooldown {
			continue
		}
		out = append(out, c)
	}
	return out
}

// endExpiredCooldownsLocked lifts cooldowns whose deadline passed and
// returns the affected credential IDs so the caller can emit cooldown-end
// events after releasing p.mu.
func (p *Pool) endExpiredCooldownsLocked(now time.Time) []string {
	var ended []string
	for id, u := range p.usage {
		if u.InCooldown && u.CooldownUntil != nil && !u.CooldownUntil.After(now) {
			u.InCooldown = false
			u.CooldownUntil = nil
			u.ErrorCount = 0
			ended = append(ended, id)
		}
	}
	return ended
}

// emitCooldownEnds fires cooldown-end events for the lifted credentials.
func (p *Pool) emitCooldownEnds(ids []string, now time.Time) {
	for _, id := range ids {
		p.emit(Event{Kind: EventCooldownEnd, SurfaceID: p.surfaceID, CredentialID: id, At: now})
	}
}

func (p *Pool) usageLocked(id string) *Usage {
	u, ok := p.usage[id]
	if !ok {
		u = &Usage{CredentialID: id}
		p.usage[id] = u
	}
	return u
}

// health maps the selectable count to the tri-state: at or above the floor
// is healthy, below it degraded, zero unhealthy.
func (p *Pool) health(selectable []vault.Credential) Health {
	n := len(selectable)
	switch {
	case n >= p.cfg.MinActiveCredentials:
		return HealthHealthy
	case n > 0:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// publishHealth emits pool_health_change on transitions only.
func (p *Pool) publishHealth(now time.Time) {
	p.mu.Lock()
	h := p.health(p.selectableLocked(now))
	changed := h != p.lastHealth
	p.lastHealth = h
	p.mu.Unlock()
	if changed {
		log.Printf("[credpool] %s: pool health is now %s", p.surfaceID, h)
		p.emit(Event{Kind: EventHealthChange, SurfaceID: p.surfaceID, Health: h, At: now})
	}
}

// emit delivers an event to all observers outside the pool lock.
func (p *Pool) emit(ev Event) {
	p.mu.Lock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()
	for _, obs := range observers {
		obs(ev)
	}
}
