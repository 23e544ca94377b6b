package checkpoint

import (
	"log"
	"sync"
	"time"

	"github.com/benthamlabs/bentham/internal/clock"
)

// AutoSavePolicy controls when the manager persists the in-memory snapshot.
// A save fires when either SaveIntervalCells results have accumulated since
// the last save or SaveIntervalSeconds have elapsed, whichever comes first.
type AutoSavePolicy struct {
	Enabled             bool
	SaveIntervalCells   int
	SaveIntervalSeconds int
	PreserveCheckpoint  bool
}

// Manager owns one study's in-memory checkpoint and applies the auto-save
// policy against a Store. The in-memory snapshot is authoritative: a failed
// save is logged and surfaced but never corrupts run state.
type Manager struct {
	store  Store
	policy AutoSavePolicy
	clk    clock.Clock

	mu             sync.Mutex
	current        Checkpoint
	cellsSinceSave int
	lastSaveAt     time.Time
}

// NewManager wraps store with the auto-save policy for a fresh checkpoint.
func NewManager(store Store, policy AutoSavePolicy, clk clock.Clock, initial Checkpoint) *Manager {
	if clk == nil {
		clk = clock.System
	}
	return &Manager{
		store:      store,
		policy:     policy,
		clk:        clk,
		current:    initial,
		lastSaveAt: clk.Now(),
	}
}

// Snapshot returns a deep copy of the current in-memory checkpoint.
func (m *Manager) Snapshot() Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.clone()
}

// RecordResult applies a terminal cell outcome and saves when the policy says so.
// The returned error reflects a failed save only; the in-memory state is updated
// regardless.
func (m *Manager) RecordResult(res CellResult) error {
	m.mu.Lock()
	m.current = m.current.ApplyResult(res, m.clk.Now())
	m.cellsSinceSave++
	due := m.saveDueLocked()
	m.mu.Unlock()

	if due {
		return m.Save()
	}
	return nil
}

// RecordRetry applies a retry-state update. Retry transitions alone never
// trigger a save; they ride along with the next result-driven save.
func (m *Manager) RecordRetry(cellKey string, state RetryState) {
	m.mu.Lock()
	m.current = m.current.ApplyRetry(cellKey, state, m.clk.Now())
	m.mu.Unlock()
}

// Replace installs a new snapshot (checkpoint restore path).
func (m *Manager) Replace(ckpt Checkpoint) {
	m.mu.Lock()
	m.current = ckpt.clone()
	m.cellsSinceSave = 0
	m.lastSaveAt = m.clk.Now()
	m.mu.Unlock()
}

// saveDueLocked evaluates the auto-save policy. Caller holds m.mu.
func (m *Manager) saveDueLocked() bool {
	if !m.policy.Enabled {
		return false
	}
	if m.policy.SaveIntervalCells > 0 && m.cellsSinceSave >= m.policy.SaveIntervalCells {
		return true
	}
	if m.policy.SaveIntervalSeconds > 0 {
		elapsed := m.clk.Now().Sub(m.lastSaveAt)
		if elapsed >= time.Duration(m.policy.SaveIntervalSeconds)*time.Second {
			return true
		}
	}
	return false
}

// Save persists the current snapshot unconditionally.
func (m *Manager) Save() error {
	m.mu.Lock()
	snap := m.current.clone()
	m.mu.Unlock()

	if err := m.store.Save(snap); err != nil {
		log.Printf("[checkpoint] save failed for study %s: %v", snap.StudyID, err)
		return err
	}

	m.mu.Lock()
	m.cellsSinceSave = 0
	m.lastSaveAt = m.clk.Now()
	m.mu.Unlock()
	return nil
}

// Finalize flushes or removes the snapshot per PreserveCheckpoint.
func (m *Manager) Finalize() error {
	if m.policy.PreserveCheckpoint {
		return m.Save()
	}
	m.mu.Lock()
	id := m.current.StudyID
	m.mu.Unlock()
	return m.store.Delete(id)
}
