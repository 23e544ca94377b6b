package state

import "sync"

// DirtyOp discriminates pending persistence operations.
type DirtyOp int

const (
	// OpUpsert marks a key for upsert; the value is read from memory at flush time.
	OpUpsert DirtyOp = iota
	// OpDelete marks a key for deletion.
	OpDelete
)

// DirtySet accumulates dirty keys between flushes. It holds keys only; the
// live values belong to the owning manager and are read back at flush time.
// Drain swaps the map so marks arriving mid-flush land in the next batch.
type DirtySet[K comparable] struct {
	mu sync.Mutex
	m  map[K]DirtyOp
}

// NewDirtySet creates an empty DirtySet.
func NewDirtySet[K comparable]() *DirtySet[K] {
	return &DirtySet[K]{m: make(map[K]DirtyOp)}
}

// MarkUpsert records a pending upsert for key.
func (d *DirtySet[K]) MarkUpsert(key K) {
	d.mu.Lock()
	d.m[key] = OpUpsert
	d.mu.Unlock()
}

// MarkDelete records a pending delete for key.
func (d *DirtySet[K]) MarkDelete(key K) {
	d.mu.Lock()
	d.m[key] = OpDelete
	d.mu.Unlock()
}

// Drain swaps in a fresh map and returns the old one as a stable snapshot.
func (d *DirtySet[K]) Drain() map[K]DirtyOp {
	d.mu.Lock()
	old := d.m
	d.m = make(map[K]DirtyOp, len(old)/2)
	d.mu.Unlock()
	return old
}

// Merge restores a drained snapshot after a failed flush. Keys re-dirtied
// since the drain keep their newer op.
func (d *DirtySet[K]) Merge(old map[K]DirtyOp) {
	d.mu.Lock()
	for k, v := range old {
		if _, exists := d.m[k]; !exists {
			d.m[k] = v
		}
	}
	d.mu.Unlock()
}

// Len returns the current number of dirty entries.
func (d *DirtySet[K]) Len() int {
	d.mu.Lock()
	n := len(d.m)
	d.mu.Unlock()
	return n
}
