// Package model holds the persistence row types shared by the state layer
// and the managers that own the corresponding in-memory records.
package model

import "time"

// AccountStatus is the operator-visible account lifecycle state.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountInvalid   AccountStatus = "invalid"
	AccountExpired   AccountStatus = "expired"
)

// IsValid reports whether s is a known account status.
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountActive, AccountSuspended, AccountInvalid, AccountExpired:
		return true
	}
	return false
}

// AccountCredential is one credential reference carried by an account.
type AccountCredential struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Account is a tenant-owned logical identity usable on one surface.
// Strong-persisted in state.db.
type Account struct {
	ID              string              `json:"id"`
	SurfaceID       string              `json:"surfaceId"`
	TenantID        string              `json:"tenantId"`
	Identifier      string              `json:"identifier"`
	Name            string              `json:"name"`
	Credentials     []AccountCredential `json:"credentials"`
	Status          AccountStatus       `json:"status"`
	Enabled         bool                `json:"enabled"`
	MaxConcurrent   int                 `json:"maxConcurrent,omitempty"`   // 0 means unlimited
	CooldownSeconds int                 `json:"cooldownSeconds,omitempty"` // 0 means manager default
	CreatedAtNs     int64               `json:"createdAtNs"`
	UpdatedAtNs     int64               `json:"updatedAtNs"`
}

// AccountPool is a labeled subset of one surface's accounts.
// Strong-persisted in state.db; membership lives in pool_members.
type AccountPool struct {
	ID          string `json:"id"`
	SurfaceID   string `json:"surfaceId"`
	Name        string `json:"name"`
	UpdatedAtNs int64  `json:"updatedAtNs"`
}

// PoolMember links an account into a pool.
type PoolMember struct {
	PoolID    string `json:"poolId"`
	AccountID string `json:"accountId"`
}

// AccountUsage is the per-account counter block. Weak-persisted in cache.db;
// the account manager owns the live copy.
type AccountUsage struct {
	AccountID      string `json:"accountId"`
	RequestCount   int64  `json:"requestCount"`
	SuccessCount   int64  `json:"successCount"`
	FailedCount    int64  `json:"failedCount"`
	ActiveSessions int    `json:"activeSessions"`
	LastUsedAtNs   int64  `json:"lastUsedAtNs,omitempty"`   // 0 means never used
	CooldownEndsNs int64  `json:"cooldownEndsNs,omitempty"` // 0 means no cooldown
}

// InCooldown reports whether the usage block carries an active cooldown.
func (u AccountUsage) InCooldown(now time.Time) bool {
	return u.CooldownEndsNs > now.UnixNano()
}

// Checkout is a live account lease. Weak-persisted in cache.db so restarts
// can restore active session counts.
type Checkout struct {
	ID             string `json:"id"`
	AccountID      string `json:"accountId"`
	SurfaceID      string `json:"surfaceId"`
	TenantID       string `json:"tenantId"`
	PoolID         string `json:"poolId,omitempty"`
	CheckedOutAtNs int64  `json:"checkedOutAtNs"`
	ExpiresAtNs    int64  `json:"expiresAtNs"`
}

// Expired reports whether the checkout lease has lapsed.
func (c Checkout) Expired(now time.Time) bool {
	return c.ExpiresAtNs < now.UnixNano()
}

// ProxyRecord is a registered proxy endpoint. Strong-persisted in state.db.
type ProxyRecord struct {
	ID          string `json:"id"`
	ProviderID  string `json:"providerId"`
	LocationID  string `json:"locationId"`
	Type        string `json:"type"` // datacenter, residential, mobile
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Enabled     bool   `json:"enabled"`
	UpdatedAtNs int64  `json:"updatedAtNs"`
}

// ProxySessionKey is the composite key for sticky proxy sessions.
type ProxySessionKey struct {
	ProxyID string
	Target  string
}

// ProxySession is a sticky binding of a proxy to a target.
// Weak-persisted in cache.db.
type ProxySession struct {
	ProxyID      string `json:"proxyId"`
	Target       string `json:"target"`
	SessionID    string `json:"sessionId"`
	CreatedAtNs  int64  `json:"createdAtNs"`
	ExpiresAtNs  int64  `json:"expiresAtNs"`
	LastAccessNs int64  `json:"lastAccessNs"`
}

// Key returns the session's composite key.
func (s ProxySession) Key() ProxySessionKey {
	return ProxySessionKey{ProxyID: s.ProxyID, Target: s.Target}
}

// Expired reports whether the sticky session has lapsed.
func (s ProxySession) Expired(now time.Time) bool {
	return s.ExpiresAtNs < now.UnixNano()
}

// ProxyHealth is the per-proxy health block. Weak-persisted in cache.db.
type ProxyHealth struct {
	ProxyID              string  `json:"proxyId"`
	SuccessRate          float64 `json:"successRate"` // EWMA in [0,1]
	ConsecutiveFailures  int     `json:"consecutiveFailures"`
	ConsecutiveSuccesses int     `json:"consecutiveSuccesses"`
	Healthy              bool    `json:"healthy"`
	LastProbeAtNs        int64   `json:"lastProbeAtNs,omitempty"`
	LastErrorMessage     string  `json:"lastErrorMessage,omitempty"`
}
