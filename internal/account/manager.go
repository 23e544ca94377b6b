// Package account manages tenant-owned surface identities: registry, pool
// grouping, and checkout/checkin with cooldowns and concurrency caps.
// Accounts and pools are strong-persisted; usage counters and live checkouts
// are weak-persisted through dirty marks.
package account

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
)

// Persister is the slice of the state engine the manager writes through.
type Persister interface {
	UpsertAccount(a model.Account) error
	DeleteAccount(id string) error
	UpsertPool(p model.AccountPool) error
	DeletePool(id string) error
	AddPoolMember(poolID, accountID string) error
	RemovePoolMember(poolID, accountID string) error
	MarkAccountUsage(accountID string)
	MarkAccountUsageDelete(accountID string)
	MarkCheckout(checkoutID string)
	MarkCheckoutDelete(checkoutID string)
}

// Config tunes checkout behavior.
type Config struct {
	MaxCheckoutDuration time.Duration // hard cap on lease length
	DefaultCooldown     time.Duration // cooldown applied on failed checkin
	CooldownOnFailure   bool
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxCheckoutDuration: 30 * time.Minute,
		DefaultCooldown:     5 * time.Minute,
		CooldownOnFailure:   true,
	}
}

// CheckoutRequest asks for an account lease on one surface.
type CheckoutRequest struct {
	SurfaceID       string
	TenantID        string
	PoolID          string
	Prefer          []string
	Exclude         []string
	SessionDuration time.Duration // 0 means MaxCheckoutDuration
}

// Checkout pairs the lease with the account it holds.
type Checkout struct {
	model.Checkout
	Account model.Account
}

var (
	// ErrNoAccountAvailable is returned when no candidate survives selection.
	ErrNoAccountAvailable = errors.New("account: no account available")
	// ErrNotFound is returned for lookups of unknown accounts or pools.
	ErrNotFound = errors.New("account: not found")
)

// Manager is the account registry plus checkout state. One mutex guards the
// whole selection critical section so concurrent checkouts observe a
// consistent view of activeSessions and lastUsedAt.
type Manager struct {
	cfg     Config
	persist Persister
	clk     clock.Clock

	mu        sync.Mutex
	accounts  map[string]model.Account
	usage     map[string]*model.AccountUsage
	pools     map[string]model.AccountPool
	members   map[string]map[string]bool // poolID -> accountID set
	checkouts map[string]model.Checkout
}

// NewManager builds an empty manager.
func NewManager(cfg Config, persist Persister, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.System
	}
	return &Manager{
		cfg:       cfg,
		persist:   persist,
		clk:       clk,
		accounts:  make(map[string]model.Account),
		usage:     make(map[string]*model.AccountUsage),
		pools:     make(map[string]model.AccountPool),
		members:   make(map[string]map[string]bool),
		checkouts: make(map[string]model.Checkout),
	}
}

// Restore seeds the manager from persisted rows at startup. Checkouts that
// expired while the process was down are dropped and their session counts
// not restored.
func (m *Manager) Restore(accounts []model.Account, pools []model.AccountPool, memberships []model.PoolMember, usage []model.AccountUsage, checkouts []model.Checkout) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	for _, p := range pools {
		m.pools[p.ID] = p
		if m.members[p.ID] == nil {
			m.members[p.ID] = make(map[string]bool)
		}
	}
	for _, link := range memberships {
		if m.members[link.PoolID] == nil {
			m.members[link.PoolID] = make(map[string]bool)
		}
		m.members[link.PoolID][link.AccountID] = true
	}
	for _, u := range usage {
		cp := u
		cp.ActiveSessions = 0 // recomputed from surviving checkouts below
		m.usage[u.AccountID] = &cp
	}
	dropped := 0
	for _, c := range checkouts {
		if c.Expired(now) {
			dropped++
			m.persist.MarkCheckoutDelete(c.ID)
			continue
		}
		m.checkouts[c.ID] = c
		m.usageLocked(c.AccountID).ActiveSessions++
	}
	if dropped > 0 {
		log.Printf("[account] dropped %d checkouts that expired during downtime", dropped)
	}
}

// --- registry ---

// AddAccount registers a new account.
func (m *Manager) AddAccount(a model.Account) error {
	if a.ID == "" || a.SurfaceID == "" || a.TenantID == "" {
		return errors.New("account: id, surfaceId, and tenantId are required")
	}
	if !a.Status.IsValid() {
		return fmt.Errorf("account: invalid status %q", a.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; exists {
		return fmt.Errorf("account: %s already exists", a.ID)
	}
	m.accounts[a.ID] = a
	return m.persist.UpsertAccount(a)
}

// RemoveAccount deletes an account, its usage block, and pool memberships.
func (m *Manager) RemoveAccount(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[id]; !exists {
		return fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	delete(m.accounts, id)
	delete(m.usage, id)
	for _, set := range m.members {
		delete(set, id)
	}
	m.persist.MarkAccountUsageDelete(id)
	return m.persist.DeleteAccount(id)
}

// GetAccount returns an account by ID.
func (m *Manager) GetAccount(id string) (model.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	return a, ok
}

// GetAllAccounts returns every account, ordered by ID.
func (m *Manager) GetAllAccounts() []model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sortAccounts(out)
	return out
}

// GetTenantAccounts returns the tenant's accounts, ordered by ID.
func (m *Manager) GetTenantAccounts(tenantID string) []model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Account
	for _, a := range m.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sortAccounts(out)
	return out
}

// GetSurfaceAccounts returns the surface's accounts, ordered by ID.
func (m *Manager) GetSurfaceAccounts(surfaceID string) []model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Account
	for _, a := range m.accounts {
		if a.SurfaceID == surfaceID {
			out = append(out, a)
		}
	}
	sortAccounts(out)
	return out
}

// UpdateAccount replaces an existing account record.
func (m *Manager) UpdateAccount(a model.Account) error {
	if !a.Status.IsValid() {
		return fmt.Errorf("account: invalid status %q", a.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; !exists {
		return fmt.Errorf("%w: account %s", ErrNotFound, a.ID)
	}
	a.UpdatedAtNs = m.clk.Now().UnixNano()
	m.accounts[a.ID] = a
	return m.persist.UpsertAccount(a)
}

// SetAccountStatus updates the lifecycle status.
func (m *Manager) SetAccountStatus(id string, status model.AccountStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("account: invalid status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, exists := m.accounts[id]
	if !exists {
		return fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	a.Status = status
	a.UpdatedAtNs = m.clk.Now().UnixNano()
	m.accounts[id] = a
	return m.persist.UpsertAccount(a)
}

// SetEnabled flips the operator enable switch.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, exists := m.accounts[id]
	if !exists {
		return fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	a.Enabled = enabled
	a.UpdatedAtNs = m.clk.Now().UnixNano()
	m.accounts[id] = a
	return m.persist.UpsertAccount(a)
}

// --- pools ---

// CreatePool registers a labeled subset of one surface's accounts.
func (m *Manager) CreatePool(p model.AccountPool) error {
	if p.ID == "" || p.SurfaceID == "" {
		return errors.New("account: pool id and surfaceId are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[p.ID]; exists {
		return fmt.Errorf("account: pool %s already exists", p.ID)
	}
	p.UpdatedAtNs = m.clk.Now().UnixNano()
	m.pools[p.ID] = p
	m.members[p.ID] = make(map[string]bool)
	return m.persist.UpsertPool(p)
}

// RemovePool deletes a pool and its memberships.
func (m *Manager) RemovePool(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[id]; !exists {
		return fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	delete(m.pools, id)
	delete(m.members, id)
	return m.persist.DeletePool(id)
}

// GetPool returns a pool by ID.
func (m *Manager) GetPool(id string) (model.AccountPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	return p, ok
}

// GetSurfacePools returns the surface's pools, ordered by ID.
func (m *Manager) GetSurfacePools(surfaceID string) []model.AccountPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AccountPool
	for _, p := range m.pools {
		if p.SurfaceID == surfaceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddToPool links an account into a pool. The account's surface must match
// the pool's surface.
func (m *Manager) AddToPool(poolID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolID]
	if !ok {
		return fmt.Errorf("%w: pool %s", ErrNotFound, poolID)
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if a.SurfaceID != p.SurfaceID {
		return fmt.Errorf("account: %s is bound to surface %s, pool %s serves %s",
			accountID, a.SurfaceID, poolID, p.SurfaceID)
	}
	m.members[poolID][accountID] = true
	return m.persist.AddPoolMember(poolID, accountID)
}

// RemoveFromPool unlinks an account from a pool.
func (m *Manager) RemoveFromPool(poolID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[poolID]
	if !ok {
		return fmt.Errorf("%w: pool %s", ErrNotFound, poolID)
	}
	delete(set, accountID)
	return m.persist.RemovePoolMember(poolID, accountID)
}

// --- checkout/checkin ---

// Checkout leases the least-recently-used available account matching the
// request. Returns ErrNoAccountAvailable when no candidate survives the
// filters.
func (m *Manager) Checkout(req CheckoutRequest) (Checkout, error) {
	now := m.clk.Now()
	exclude := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		exclude[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []model.Account
	for _, a := range m.accounts {
		if a.SurfaceID != req.SurfaceID || a.TenantID != req.TenantID {
			continue
		}
		if req.PoolID != "" && !m.members[req.PoolID][a.ID] {
			continue
		}
		if exclude[a.ID] || !m.availableLocked(a, now) {
			continue
		}
		candidates = append(candidates, a)
	}

	if len(req.Prefer) > 0 {
		preferred := make(map[string]bool, len(req.Prefer))
		for _, id := range req.Prefer {
			preferred[id] = true
		}
		var kept []model.Account
		for _, a := range candidates {
			if preferred[a.ID] {
				kept = append(kept, a)
			}
		}
		if len(kept) > 0 {
			candidates = kept
		}
	}
	if len(candidates) == 0 {
		return Checkout{}, fmt.Errorf("%w for surface %s", ErrNoAccountAvailable, req.SurfaceID)
	}

	// Least recently used wins; never-used accounts sort first. Ties break
	// by accountId ascending.
	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := m.usageLocked(candidates[i].ID), m.usageLocked(candidates[j].ID)
		if ui.LastUsedAtNs != uj.LastUsedAtNs {
			return ui.LastUsedAtNs < uj.LastUsedAtNs
		}
		return candidates[i].ID < candidates[j].ID
	})
	chosen := candidates[0]

	dur := m.cfg.MaxCheckoutDuration
	if req.SessionDuration > 0 && req.SessionDuration < dur {
		dur = req.SessionDuration
	}
	co := model.Checkout{
		ID:             uuid.NewString(),
		AccountID:      chosen.ID,
		SurfaceID:      req.SurfaceID,
		TenantID:       req.TenantID,
		PoolID:         req.PoolID,
		CheckedOutAtNs: now.UnixNano(),
		ExpiresAtNs:    now.Add(dur).UnixNano(),
	}
	m.checkouts[co.ID] = co

	u := m.usageLocked(chosen.ID)
	u.ActiveSessions++
	u.LastUsedAtNs = now.UnixNano()

	m.persist.MarkCheckout(co.ID)
	m.persist.MarkAccountUsage(chosen.ID)
	return Checkout{Checkout: co, Account: chosen}, nil
}

// Checkin releases a lease and records the outcome. Returns false when the
// checkout is unknown (already checked in or expired by the sweep).
func (m *Manager) Checkin(checkoutID string, success bool) bool {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	co, ok := m.checkouts[checkoutID]
	if !ok {
		return false
	}
	delete(m.checkouts, checkoutID)

	u := m.usageLocked(co.AccountID)
	u.RequestCount++
	if success {
		u.SuccessCount++
	} else {
		u.FailedCount++
		if m.cfg.CooldownOnFailure {
			cooldown := m.cfg.DefaultCooldown
			if a, ok := m.accounts[co.AccountID]; ok && a.CooldownSeconds > 0 {
				cooldown = time.Duration(a.CooldownSeconds) * time.Second
			}
			u.CooldownEndsNs = now.Add(cooldown).UnixNano()
		}
	}
	if u.ActiveSessions > 0 {
		u.ActiveSessions--
	}

	m.persist.MarkCheckoutDelete(checkoutID)
	m.persist.MarkAccountUsage(co.AccountID)
	return true
}

// GetCheckout returns a live checkout by ID.
func (m *Manager) GetCheckout(id string) (model.Checkout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	co, ok := m.checkouts[id]
	return co, ok
}

// GetActiveCheckouts returns all live checkouts, ordered by ID.
func (m *Manager) GetActiveCheckouts() []model.Checkout {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Checkout, 0, len(m.checkouts))
	for _, co := range m.checkouts {
		out = append(out, co)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupExpiredCheckouts expires lapsed leases and releases their session
// slots. Idempotent and safe to race with Checkin: a checkout already gone
// is simply skipped. Returns the number of leases expired.
func (m *Manager) CleanupExpiredCheckouts() int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for id, co := range m.checkouts {
		if !co.Expired(now) {
			continue
		}
		delete(m.checkouts, id)
		u := m.usageLocked(co.AccountID)
		u.FailedCount++
		if u.ActiveSessions > 0 {
			u.ActiveSessions--
		}
		m.persist.MarkCheckoutDelete(id)
		m.persist.MarkAccountUsage(co.AccountID)
		expired++
	}
	if expired > 0 {
		log.Printf("[account] expired %d stale checkouts", expired)
	}
	return expired
}

// --- availability and health ---

// IsAvailable reports whether the account could be checked out right now.
func (m *Manager) IsAvailable(accountID string) bool {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return false
	}
	return m.availableLocked(a, now)
}

// availableLocked is the availability predicate: enabled, active status, not in
// cooldown, below maxConcurrent. Caller holds m.mu.
func (m *Manager) availableLocked(a model.Account, now time.Time) bool {
	if !a.Enabled || a.Status != model.AccountActive {
		return false
	}
	u := m.usageLocked(a.ID)
	if u.InCooldown(now) {
		return false
	}
	if a.MaxConcurrent > 0 && u.ActiveSessions >= a.MaxConcurrent {
		return false
	}
	return true
}

// Usage returns a copy of the account's counters.
func (m *Manager) Usage(accountID string) model.AccountUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.usageLocked(accountID)
}

// ReportHealthCheck applies an external health verdict. A healthy report on
// an account previously marked invalid or expired restores active status and
// clears any cooldown; an unhealthy report sets the given status and may
// extend the cooldown.
func (m *Manager) ReportHealthCheck(accountID string, healthy bool, status model.AccountStatus, cooldown time.Duration) error {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	u := m.usageLocked(accountID)

	if healthy {
		a.Status = model.AccountActive
		u.CooldownEndsNs = 0
	} else {
		if status.IsValid() {
			a.Status = status
		}
		if cooldown > 0 {
			u.CooldownEndsNs = now.Add(cooldown).UnixNano()
		}
	}
	a.UpdatedAtNs = now.UnixNano()
	m.accounts[accountID] = a

	m.persist.MarkAccountUsage(accountID)
	return m.persist.UpsertAccount(a)
}

// usageLocked returns the live usage block, creating it on first touch.
// Caller holds m.mu.
func (m *Manager) usageLocked(accountID string) *model.AccountUsage {
	u, ok := m.usage[accountID]
	if !ok {
		u = &model.AccountUsage{AccountID: accountID}
		m.usage[accountID] = u
	}
	return u
}

// ReadUsage is the flush-time reader for the account_usage dirty set.
func (m *Manager) ReadUsage(accountID string) *model.AccountUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[accountID]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// ReadCheckout is the flush-time reader for the checkouts dirty set.
func (m *Manager) ReadCheckout(checkoutID string) *model.Checkout {
	m.mu.Lock()
	defer m.mu.Unlock()
	co, ok := m.checkouts[checkoutID]
	if !ok {
		return nil
	}
	cp := co
	return &cp
}

func sortAccounts(list []model.Account) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
