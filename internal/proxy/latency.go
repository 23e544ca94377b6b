package proxy

import (
	"math"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// LatencyStats holds the TD-EWMA probe latency for a single proxy.
type LatencyStats struct {
	Ewma        time.Duration
	LastUpdated time.Time
}

// LatencyTable is a bounded, thread-safe per-proxy latency table backed by
// an otter cache, with LRU eviction for long-retired proxies.
type LatencyTable struct {
	mu    sync.Mutex
	cache otter.Cache[string, LatencyStats]
}

// NewLatencyTable creates a table bounded to maxEntries proxies.
func NewLatencyTable(maxEntries int) *LatencyTable {
	cache, err := otter.MustBuilder[string, LatencyStats](maxEntries).
		Cost(func(_ string, _ LatencyStats) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("proxy: failed to create latency table: " + err.Error())
	}
	return &LatencyTable{cache: cache}
}

// Update folds a probe observation into the proxy's entry using TD-EWMA:
//
//	weight  = exp(-dt / decayWindow)
//	newEwma = oldEwma*weight + latency*(1-weight)
//
// The first observation seeds the entry with the raw latency.
func (t *LatencyTable) Update(proxyID string, latency, decayWindow time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	old, found := t.cache.Get(proxyID)
	if !found {
		t.cache.Set(proxyID, LatencyStats{Ewma: latency, LastUpdated: now})
		return
	}

	dt := now.Sub(old.LastUpdated).Seconds()
	decay := decayWindow.Seconds()
	if decay <= 0 {
		decay = 1
	}
	weight := math.Exp(-dt / decay)
	newEwma := time.Duration(float64(old.Ewma)*weight + float64(latency)*(1-weight))
	t.cache.Set(proxyID, LatencyStats{Ewma: newEwma, LastUpdated: now})
}

// Get returns the proxy's latency stats, if present.
func (t *LatencyTable) Get(proxyID string) (LatencyStats, bool) {
	return t.cache.Get(proxyID)
}

// Size returns the number of proxies with latency data.
func (t *LatencyTable) Size() int {
	return t.cache.Size()
}

// Close releases resources held by the underlying cache.
func (t *LatencyTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Close()
}
