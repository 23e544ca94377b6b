// Package proxy implements provider-agnostic proxy selection: location to
// provider resolution, sticky sessions, health tracking with active probes,
// and rotation pools.
package proxy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/benthamlabs/bentham/internal/model"
)

// RequestOptions narrows provider selection for one request.
type RequestOptions struct {
	Type      string // datacenter, residential, mobile; empty accepts any
	SessionID string // appended to the proxy username for sticky vendors
	Exclude   []string
}

// Provider serves proxy endpoints for a set of locations.
type Provider interface {
	Name() string
	Priority() int // lower wins
	Enabled() bool
	GetProxyConfig(locationID string, opts RequestOptions) (model.ProxyRecord, error)
	ValidateCredentials() bool
	AvailableLocations() []string
	SupportsLocation(locationID string) bool
	CostPerGB() float64
}

// FormatSessionUsername appends a session token to a vendor username in the
// widely used "user-session-<id>" form so upstreams pin the egress IP.
func FormatSessionUsername(username, sessionID string) string {
	if sessionID == "" {
		return username
	}
	return username + "-session-" + sessionID
}

// StaticProvider serves operator-registered proxies from the state store.
type StaticProvider struct {
	name     string
	priority int
	enabled  bool
	cost     float64

	mu       sync.RWMutex
	byLoc    map[string][]model.ProxyRecord
	rrCursor map[string]int
}

// NewStaticProvider builds a provider over a fixed proxy list.
func NewStaticProvider(name string, priority int, costPerGB float64, records []model.ProxyRecord) *StaticProvider {
	p := &StaticProvider{
		name:     name,
		priority: priority,
		enabled:  true,
		cost:     costPerGB,
		byLoc:    make(map[string][]model.ProxyRecord),
		rrCursor: make(map[string]int),
	}
	p.Replace(records)
	return p
}

// Replace swaps the proxy list (registration changes, bootstrap reload).
func (p *StaticProvider) Replace(records []model.ProxyRecord) {
	byLoc := make(map[string][]model.ProxyRecord)
	for _, r := range records {
		if !r.Enabled {
			continue
		}
		byLoc[r.LocationID] = append(byLoc[r.LocationID], r)
	}
	for _, list := range byLoc {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	p.mu.Lock()
	p.byLoc = byLoc
	p.mu.Unlock()
}

func (p *StaticProvider) Name() string  { return p.name }
func (p *StaticProvider) Priority() int { return p.priority }
func (p *StaticProvider) Enabled() bool { return p.enabled }

func (p *StaticProvider) SetEnabled(on bool) {
	p.mu.Lock()
	p.enabled = on
	p.mu.Unlock()
}
func (p *StaticProvider) CostPerGB() float64 { return p.cost }

// ValidateCredentials always succeeds: static proxies carry their own
// credentials per record.
func (p *StaticProvider) ValidateCredentials() bool { return true }

// AvailableLocations lists the locations with at least one enabled proxy.
func (p *StaticProvider) AvailableLocations() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.byLoc))
	for loc := range p.byLoc {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// SupportsLocation reports whether the provider serves the location.
func (p *StaticProvider) SupportsLocation(locationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byLoc[locationID]) > 0
}

// GetProxyConfig round-robins over the location's proxies, skipping excluded
// IDs, and stamps the session token into the username.
func (p *StaticProvider) GetProxyConfig(locationID string, opts RequestOptions) (model.ProxyRecord, error) {
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		exclude[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.byLoc[locationID]
	if len(list) == 0 {
		return model.ProxyRecord{}, fmt.Errorf("proxy: provider %s has no proxies for location %s", p.name, locationID)
	}
	for i := 0; i < len(list); i++ {
		rec := list[p.rrCursor[locationID]%len(list)]
		p.rrCursor[locationID]++
		if exclude[rec.ID] {
			continue
		}
		if opts.Type != "" && rec.Type != opts.Type {
			continue
		}
		rec.Username = FormatSessionUsername(rec.Username, opts.SessionID)
		return rec, nil
	}
	return model.ProxyRecord{}, fmt.Errorf("proxy: provider %s has no eligible proxy for location %s", p.name, locationID)
}
