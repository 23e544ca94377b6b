// Package surface defines the adapter contract at the boundary to external
// surface collaborators (API clients, web chatbots, search scrapers) and the
// registry the orchestrator resolves surfaces through.
package surface

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/model"
)

// Category classifies how an adapter reaches its surface.
type Category string

const (
	CategoryAPI        Category = "api"
	CategoryWebChatbot Category = "web_chatbot"
	CategorySearch     Category = "search"
)

// QueryContext carries the per-dispatch resources an adapter needs.
type QueryContext struct {
	SessionID     string
	Proxy         *model.ProxyRecord
	AccountID     string
	Credential    map[string]string // flattened credential fields, nil for anonymous
	Timeout       time.Duration
	EvidenceLevel manifest.EvidenceLevel
}

// Evidence is what an adapter captured alongside a response.
type Evidence struct {
	SHA256         string    `json:"sha256,omitempty"`
	CapturedAt     time.Time `json:"capturedAt,omitempty"`
	ScreenshotPath string    `json:"screenshotPath,omitempty"`
}

// QueryResult is one adapter response for one cell.
type QueryResult struct {
	Success        bool      `json:"success"`
	Content        string    `json:"content,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	CostUSD        float64   `json:"costUsd,omitempty"`
	Evidence       *Evidence `json:"evidence,omitempty"`
}

// SessionStatus reports an adapter session's standing.
type SessionStatus struct {
	Valid         bool          `json:"valid"`
	Authenticated bool          `json:"authenticated"`
	RateLimited   bool          `json:"rateLimited"`
	Cooldown      time.Duration `json:"cooldown,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// Adapter is the contract each surface integration implements. Adapters own
// their transport; the orchestrator only hands them resources and a query.
type Adapter interface {
	ID() string
	Category() Category
	RequiresAuth() bool
	SupportsAnonymous() bool
	SupportsGeoTargeting() bool

	ExecuteQuery(ctx context.Context, text string, qctx QueryContext) (*QueryResult, error)
	ValidateSession(ctx context.Context) (SessionStatus, error)
	ResetSession(ctx context.Context) error
}

// Registry holds adapters keyed by surface ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Re-registering a surface ID is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.ID()]; exists {
		return fmt.Errorf("surface: adapter %s already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Get resolves a surface ID to its adapter.
func (r *Registry) Get(surfaceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[surfaceID]
	if !ok {
		return nil, fmt.Errorf("surface: no adapter registered for %s", surfaceID)
	}
	return a, nil
}

// Has reports whether a surface ID is registered.
func (r *Registry) Has(surfaceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[surfaceID]
	return ok
}

// IDs lists registered surface IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var builtins []Adapter

// RegisterBuiltin adds an adapter to the compiled-in set picked up at
// process startup. Adapter packages call this from init.
func RegisterBuiltin(a Adapter) {
	builtins = append(builtins, a)
}

// BuiltinAdapters returns the compiled-in adapter set. The open-source
// tree ships none; deployment builds link their own adapter packages.
func BuiltinAdapters() []Adapter {
	return builtins
}
