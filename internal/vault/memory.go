package vault

import (
	"fmt"
	"sync"
	"time"
)

// MemoryBackend is a map-backed vault for development and tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	creds map[string]Credential
	order []string // insertion order for stable listings
}

// NewMemoryBackend creates an empty in-memory vault.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{creds: make(map[string]Credential)}
}

func (b *MemoryBackend) Store(c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.creds[c.ID]; exists {
		return fmt.Errorf("vault: credential %s already exists", c.ID)
	}
	b.creds[c.ID] = c
	b.order = append(b.order, c.ID)
	return nil
}

func (b *MemoryBackend) Update(c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.creds[c.ID]; !exists {
		return fmt.Errorf("vault: credential %s not found", c.ID)
	}
	b.creds[c.ID] = c
	return nil
}

func (b *MemoryBackend) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.creds, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *MemoryBackend) Get(id string) (Credential, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.creds[id]
	return c, ok
}

func (b *MemoryBackend) Exists(id string) bool {
	_, ok := b.Get(id)
	return ok
}

func (b *MemoryBackend) List() []Credential {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Credential, 0, len(b.creds))
	for _, id := range b.order {
		if c, ok := b.creds[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (b *MemoryBackend) ListByType(t Type) []Credential {
	var out []Credential
	for _, c := range b.List() {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func (b *MemoryBackend) GetBySurface(surfaceID string) []Credential {
	var out []Credential
	for _, c := range b.List() {
		if c.SurfaceID == surfaceID {
			out = append(out, c)
		}
	}
	return out
}

func (b *MemoryBackend) GetActiveBySurface(surfaceID string, now time.Time) []Credential {
	var out []Credential
	for _, c := range b.GetBySurface(surfaceID) {
		if c.Active(now) {
			out = append(out, c)
		}
	}
	return out
}

func (b *MemoryBackend) Flush() error  { return nil }
func (b *MemoryBackend) Reload() error { return nil }
