package state

import (
	"fmt"
	"log"

	"github.com/benthamlabs/bentham/internal/model"
)

// CacheReaders provides callbacks for reading current in-memory values at
// flush time. If a reader returns nil for a key marked OpUpsert, the key is
// treated as a delete (the record was removed between mark and flush).
type CacheReaders struct {
	ReadAccountUsage func(accountID string) *model.AccountUsage
	ReadCheckout     func(checkoutID string) *model.Checkout
	ReadProxySession func(key model.ProxySessionKey) *model.ProxySession
	ReadProxyHealth  func(proxyID string) *model.ProxyHealth
}

// StateEngine is the single write entry point for all persistence.
// Strong-persist data goes through transactional writes to state.db.
// Weak-persist data is marked dirty and batch-flushed to cache.db.
type StateEngine struct {
	*StateRepo
	*CacheRepo

	dirtyAccountUsage  *DirtySet[string]
	dirtyCheckouts     *DirtySet[string]
	dirtyProxySessions *DirtySet[model.ProxySessionKey]
	dirtyProxyHealth   *DirtySet[string]
}

func newStateEngine(stateRepo *StateRepo, cacheRepo *CacheRepo) *StateEngine {
	return &StateEngine{
		StateRepo:          stateRepo,
		CacheRepo:          cacheRepo,
		dirtyAccountUsage:  NewDirtySet[string](),
		dirtyCheckouts:     NewDirtySet[string](),
		dirtyProxySessions: NewDirtySet[model.ProxySessionKey](),
		dirtyProxyHealth:   NewDirtySet[string](),
	}
}

// --- Weak-persist methods (dirty-mark only) ---

func (e *StateEngine) MarkAccountUsage(accountID string) { e.dirtyAccountUsage.MarkUpsert(accountID) }
func (e *StateEngine) MarkAccountUsageDelete(accountID string) {
	e.dirtyAccountUsage.MarkDelete(accountID)
}
func (e *StateEngine) MarkCheckout(checkoutID string)       { e.dirtyCheckouts.MarkUpsert(checkoutID) }
func (e *StateEngine) MarkCheckoutDelete(checkoutID string) { e.dirtyCheckouts.MarkDelete(checkoutID) }

func (e *StateEngine) MarkProxySession(proxyID, target string) {
	e.dirtyProxySessions.MarkUpsert(model.ProxySessionKey{ProxyID: proxyID, Target: target})
}
func (e *StateEngine) MarkProxySessionDelete(proxyID, target string) {
	e.dirtyProxySessions.MarkDelete(model.ProxySessionKey{ProxyID: proxyID, Target: target})
}
func (e *StateEngine) MarkProxyHealth(proxyID string)       { e.dirtyProxyHealth.MarkUpsert(proxyID) }
func (e *StateEngine) MarkProxyHealthDelete(proxyID string) { e.dirtyProxyHealth.MarkDelete(proxyID) }

// DirtyCount returns the total number of dirty entries across all sets.
func (e *StateEngine) DirtyCount() int {
	return e.dirtyAccountUsage.Len() +
		e.dirtyCheckouts.Len() +
		e.dirtyProxySessions.Len() +
		e.dirtyProxyHealth.Len()
}

// classifyDirtySet splits a drained snapshot into upsert values and delete
// keys, reading upsert values through the supplied reader.
func classifyDirtySet[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirtySets drains all dirty sets, reads current values via readers,
// and batch-writes to cache.db in a single transaction. On failure,
// undrained entries are merged back.
func (e *StateEngine) FlushDirtySets(readers CacheReaders) error {
	drainedUsage := e.dirtyAccountUsage.Drain()
	drainedCheckouts := e.dirtyCheckouts.Drain()
	drainedSessions := e.dirtyProxySessions.Drain()
	drainedHealth := e.dirtyProxyHealth.Drain()

	remerge := func() {
		e.dirtyAccountUsage.Merge(drainedUsage)
		e.dirtyCheckouts.Merge(drainedCheckouts)
		e.dirtyProxySessions.Merge(drainedSessions)
		e.dirtyProxyHealth.Merge(drainedHealth)
	}

	upsertUsage, deleteUsage := classifyDirtySet(drainedUsage, readers.ReadAccountUsage)
	upsertCheckouts, deleteCheckouts := classifyDirtySet(drainedCheckouts, readers.ReadCheckout)
	upsertSessions, deleteSessions := classifyDirtySet(drainedSessions, readers.ReadProxySession)
	upsertHealth, deleteHealth := classifyDirtySet(drainedHealth, readers.ReadProxyHealth)

	if err := e.CacheRepo.FlushTx(FlushOps{
		UpsertAccountUsage:  upsertUsage,
		DeleteAccountUsage:  deleteUsage,
		UpsertCheckouts:     upsertCheckouts,
		DeleteCheckouts:     deleteCheckouts,
		UpsertProxySessions: upsertSessions,
		DeleteProxySessions: deleteSessions,
		UpsertProxyHealth:   upsertHealth,
		DeleteProxyHealth:   deleteHealth,
	}); err != nil {
		remerge()
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed dirty sets: usage=%d, checkouts=%d, sessions=%d, health=%d",
		len(drainedUsage), len(drainedCheckouts), len(drainedSessions), len(drainedHealth))
	return nil
}
