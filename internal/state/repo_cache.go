package state

import (
	"database/sql"
	"fmt"

	"github.com/benthamlabs/bentham/internal/model"
)

const (
	upsertAccountUsageSQL = `
		INSERT INTO account_usage (account_id, request_count, success_count, failed_count,
		                           active_sessions, last_used_at_ns, cooldown_ends_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			request_count    = excluded.request_count,
			success_count    = excluded.success_count,
			failed_count     = excluded.failed_count,
			active_sessions  = excluded.active_sessions,
			last_used_at_ns  = excluded.last_used_at_ns,
			cooldown_ends_ns = excluded.cooldown_ends_ns`
	deleteAccountUsageSQL = `DELETE FROM account_usage WHERE account_id = ?`

	upsertCheckoutSQL = `
		INSERT INTO checkouts (id, account_id, surface_id, tenant_id, pool_id, checked_out_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id        = excluded.account_id,
			surface_id        = excluded.surface_id,
			tenant_id         = excluded.tenant_id,
			pool_id           = excluded.pool_id,
			checked_out_at_ns = excluded.checked_out_at_ns,
			expires_at_ns     = excluded.expires_at_ns`
	deleteCheckoutSQL = `DELETE FROM checkouts WHERE id = ?`

	upsertProxySessionSQL = `
		INSERT INTO proxy_sessions (proxy_id, target, session_id, created_at_ns, expires_at_ns, last_access_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(proxy_id, target) DO UPDATE SET
			session_id     = excluded.session_id,
			created_at_ns  = excluded.created_at_ns,
			expires_at_ns  = excluded.expires_at_ns,
			last_access_ns = excluded.last_access_ns`
	deleteProxySessionSQL = `DELETE FROM proxy_sessions WHERE proxy_id = ? AND target = ?`

	upsertProxyHealthSQL = `
		INSERT INTO proxy_health (proxy_id, success_rate, consecutive_failures, consecutive_successes,
		                          healthy, last_probe_at_ns, last_error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(proxy_id) DO UPDATE SET
			success_rate          = excluded.success_rate,
			consecutive_failures  = excluded.consecutive_failures,
			consecutive_successes = excluded.consecutive_successes,
			healthy               = excluded.healthy,
			last_probe_at_ns      = excluded.last_probe_at_ns,
			last_error_message    = excluded.last_error_message`
	deleteProxyHealthSQL = `DELETE FROM proxy_health WHERE proxy_id = ?`
)

// CacheRepo wraps cache.db and provides batch read/write for weak-persist data.
type CacheRepo struct {
	db *sql.DB
}

func newCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// --- bootstrap loads ---

// LoadAllAccountUsage reads all usage blocks.
func (r *CacheRepo) LoadAllAccountUsage() ([]model.AccountUsage, error) {
	rows, err := r.db.Query(`
		SELECT account_id, request_count, success_count, failed_count,
		       active_sessions, last_used_at_ns, cooldown_ends_ns
		FROM account_usage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.AccountUsage
	for rows.Next() {
		var u model.AccountUsage
		if err := rows.Scan(&u.AccountID, &u.RequestCount, &u.SuccessCount, &u.FailedCount,
			&u.ActiveSessions, &u.LastUsedAtNs, &u.CooldownEndsNs); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// LoadAllCheckouts reads all live checkout leases.
func (r *CacheRepo) LoadAllCheckouts() ([]model.Checkout, error) {
	rows, err := r.db.Query(`
		SELECT id, account_id, surface_id, tenant_id, pool_id, checked_out_at_ns, expires_at_ns
		FROM checkouts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Checkout
	for rows.Next() {
		var c model.Checkout
		if err := rows.Scan(&c.ID, &c.AccountID, &c.SurfaceID, &c.TenantID, &c.PoolID,
			&c.CheckedOutAtNs, &c.ExpiresAtNs); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// LoadAllProxySessions reads all sticky sessions.
func (r *CacheRepo) LoadAllProxySessions() ([]model.ProxySession, error) {
	rows, err := r.db.Query(`
		SELECT proxy_id, target, session_id, created_at_ns, expires_at_ns, last_access_ns
		FROM proxy_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProxySession
	for rows.Next() {
		var s model.ProxySession
		if err := rows.Scan(&s.ProxyID, &s.Target, &s.SessionID, &s.CreatedAtNs,
			&s.ExpiresAtNs, &s.LastAccessNs); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// LoadAllProxyHealth reads all proxy health blocks.
func (r *CacheRepo) LoadAllProxyHealth() ([]model.ProxyHealth, error) {
	rows, err := r.db.Query(`
		SELECT proxy_id, success_rate, consecutive_failures, consecutive_successes,
		       healthy, last_probe_at_ns, last_error_message
		FROM proxy_health`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProxyHealth
	for rows.Next() {
		var h model.ProxyHealth
		var healthy int
		if err := rows.Scan(&h.ProxyID, &h.SuccessRate, &h.ConsecutiveFailures,
			&h.ConsecutiveSuccesses, &healthy, &h.LastProbeAtNs, &h.LastErrorMessage); err != nil {
			return nil, err
		}
		h.Healthy = healthy != 0
		result = append(result, h)
	}
	return result, rows.Err()
}

// --- flush ---

// FlushOps holds all upsert/delete slices for a single-transaction cache flush.
type FlushOps struct {
	UpsertAccountUsage  []model.AccountUsage
	DeleteAccountUsage  []string
	UpsertCheckouts     []model.Checkout
	DeleteCheckouts     []string
	UpsertProxySessions []model.ProxySession
	DeleteProxySessions []model.ProxySessionKey
	UpsertProxyHealth   []model.ProxyHealth
	DeleteProxyHealth   []string
}

// FlushTx executes all upserts and deletes in a single transaction.
func (r *CacheRepo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, upsertAccountUsageSQL, len(ops.UpsertAccountUsage), func(stmt *sql.Stmt, i int) error {
		u := ops.UpsertAccountUsage[i]
		_, err := stmt.Exec(u.AccountID, u.RequestCount, u.SuccessCount, u.FailedCount,
			u.ActiveSessions, u.LastUsedAtNs, u.CooldownEndsNs)
		return err
	}); err != nil {
		return fmt.Errorf("upsert account_usage: %w", err)
	}

	if err := bulkExecTx(tx, upsertCheckoutSQL, len(ops.UpsertCheckouts), func(stmt *sql.Stmt, i int) error {
		c := ops.UpsertCheckouts[i]
		_, err := stmt.Exec(c.ID, c.AccountID, c.SurfaceID, c.TenantID, c.PoolID,
			c.CheckedOutAtNs, c.ExpiresAtNs)
		return err
	}); err != nil {
		return fmt.Errorf("upsert checkouts: %w", err)
	}

	if err := bulkExecTx(tx, upsertProxySessionSQL, len(ops.UpsertProxySessions), func(stmt *sql.Stmt, i int) error {
		s := ops.UpsertProxySessions[i]
		_, err := stmt.Exec(s.ProxyID, s.Target, s.SessionID, s.CreatedAtNs, s.ExpiresAtNs, s.LastAccessNs)
		return err
	}); err != nil {
		return fmt.Errorf("upsert proxy_sessions: %w", err)
	}

	if err := bulkExecTx(tx, upsertProxyHealthSQL, len(ops.UpsertProxyHealth), func(stmt *sql.Stmt, i int) error {
		h := ops.UpsertProxyHealth[i]
		_, err := stmt.Exec(h.ProxyID, h.SuccessRate, h.ConsecutiveFailures, h.ConsecutiveSuccesses,
			boolToInt(h.Healthy), h.LastProbeAtNs, h.LastErrorMessage)
		return err
	}); err != nil {
		return fmt.Errorf("upsert proxy_health: %w", err)
	}

	if err := bulkExecTx(tx, deleteCheckoutSQL, len(ops.DeleteCheckouts), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.Exec(ops.DeleteCheckouts[i])
		return err
	}); err != nil {
		return fmt.Errorf("delete checkouts: %w", err)
	}

	if err := bulkExecTx(tx, deleteProxySessionSQL, len(ops.DeleteProxySessions), func(stmt *sql.Stmt, i int) error {
		k := ops.DeleteProxySessions[i]
		_, err := stmt.Exec(k.ProxyID, k.Target)
		return err
	}); err != nil {
		return fmt.Errorf("delete proxy_sessions: %w", err)
	}

	if err := bulkExecTx(tx, deleteProxyHealthSQL, len(ops.DeleteProxyHealth), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.Exec(ops.DeleteProxyHealth[i])
		return err
	}); err != nil {
		return fmt.Errorf("delete proxy_health: %w", err)
	}

	if err := bulkExecTx(tx, deleteAccountUsageSQL, len(ops.DeleteAccountUsage), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.Exec(ops.DeleteAccountUsage[i])
		return err
	}); err != nil {
		return fmt.Errorf("delete account_usage: %w", err)
	}

	return tx.Commit()
}

// bulkExecTx runs a prepared statement within an existing transaction for n rows.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}
