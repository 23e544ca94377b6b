package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benthamlabs/bentham/internal/model"
)

// StateRepo wraps state.db and provides transactional CRUD for strong-persist
// data. Writes are serialized by an internal mutex.
type StateRepo struct {
	db *sql.DB
	mu sync.Mutex
}

func newStateRepo(db *sql.DB) *StateRepo {
	return &StateRepo{db: db}
}

// --- system_config ---

// GetSystemConfig loads the persisted runtime config JSON and its version.
// Returns nil and version 0 when no row exists.
func (r *StateRepo) GetSystemConfig() (json.RawMessage, int, error) {
	row := r.db.QueryRow("SELECT config_json, version FROM system_config WHERE id = 1")
	var configJSON string
	var version int
	if err := row.Scan(&configJSON, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("scan system_config: %w", err)
	}
	return json.RawMessage(configJSON), version, nil
}

// SaveSystemConfig persists the runtime config with the given version.
func (r *StateRepo) SaveSystemConfig(cfg json.RawMessage, version int, updatedAtNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, string(cfg), version, updatedAtNs)
	return err
}

// --- accounts ---

// UpsertAccount inserts or updates an account by ID.
func (r *StateRepo) UpsertAccount(a model.Account) error {
	creds, err := json.Marshal(a.Credentials)
	if err != nil {
		return fmt.Errorf("marshal account credentials: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO accounts (id, surface_id, tenant_id, identifier, name, credentials_json,
		                      status, enabled, max_concurrent, cooldown_seconds, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			surface_id       = excluded.surface_id,
			tenant_id        = excluded.tenant_id,
			identifier       = excluded.identifier,
			name             = excluded.name,
			credentials_json = excluded.credentials_json,
			status           = excluded.status,
			enabled          = excluded.enabled,
			max_concurrent   = excluded.max_concurrent,
			cooldown_seconds = excluded.cooldown_seconds,
			updated_at_ns    = excluded.updated_at_ns
	`, a.ID, a.SurfaceID, a.TenantID, a.Identifier, a.Name, string(creds),
		string(a.Status), boolToInt(a.Enabled), a.MaxConcurrent, a.CooldownSeconds,
		a.CreatedAtNs, a.UpdatedAtNs)
	return err
}

// DeleteAccount removes an account and its pool memberships.
func (r *StateRepo) DeleteAccount(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pool_members WHERE account_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM accounts WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAccounts returns all accounts.
func (r *StateRepo) ListAccounts() ([]model.Account, error) {
	rows, err := r.db.Query(`
		SELECT id, surface_id, tenant_id, identifier, name, credentials_json,
		       status, enabled, max_concurrent, cooldown_seconds, created_at_ns, updated_at_ns
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Account
	for rows.Next() {
		var a model.Account
		var credsJSON, status string
		var enabled int
		if err := rows.Scan(&a.ID, &a.SurfaceID, &a.TenantID, &a.Identifier, &a.Name,
			&credsJSON, &status, &enabled, &a.MaxConcurrent, &a.CooldownSeconds,
			&a.CreatedAtNs, &a.UpdatedAtNs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(credsJSON), &a.Credentials); err != nil {
			return nil, fmt.Errorf("decode credentials_json for %s: %w", a.ID, err)
		}
		a.Status = model.AccountStatus(status)
		a.Enabled = enabled != 0
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- account_pools ---

// UpsertPool inserts or updates a pool by ID.
func (r *StateRepo) UpsertPool(p model.AccountPool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO account_pools (id, surface_id, name, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			surface_id    = excluded.surface_id,
			name          = excluded.name,
			updated_at_ns = excluded.updated_at_ns
	`, p.ID, p.SurfaceID, p.Name, p.UpdatedAtNs)
	return err
}

// DeletePool removes a pool and its memberships.
func (r *StateRepo) DeletePool(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pool_members WHERE pool_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM account_pools WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListPools returns all pools.
func (r *StateRepo) ListPools() ([]model.AccountPool, error) {
	rows, err := r.db.Query("SELECT id, surface_id, name, updated_at_ns FROM account_pools ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.AccountPool
	for rows.Next() {
		var p model.AccountPool
		if err := rows.Scan(&p.ID, &p.SurfaceID, &p.Name, &p.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// AddPoolMember links an account into a pool.
func (r *StateRepo) AddPoolMember(poolID, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO pool_members (pool_id, account_id) VALUES (?, ?)
		ON CONFLICT(pool_id, account_id) DO NOTHING
	`, poolID, accountID)
	return err
}

// RemovePoolMember unlinks an account from a pool.
func (r *StateRepo) RemovePoolMember(poolID, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM pool_members WHERE pool_id = ? AND account_id = ?", poolID, accountID)
	return err
}

// ListPoolMembers returns all pool membership links.
func (r *StateRepo) ListPoolMembers() ([]model.PoolMember, error) {
	rows, err := r.db.Query("SELECT pool_id, account_id FROM pool_members")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PoolMember
	for rows.Next() {
		var m model.PoolMember
		if err := rows.Scan(&m.PoolID, &m.AccountID); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// --- proxies ---

// UpsertProxy inserts or updates a proxy record by ID.
func (r *StateRepo) UpsertProxy(p model.ProxyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO proxies (id, provider_id, location_id, type, host, port, username, password, enabled, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id   = excluded.provider_id,
			location_id   = excluded.location_id,
			type          = excluded.type,
			host          = excluded.host,
			port          = excluded.port,
			username      = excluded.username,
			password      = excluded.password,
			enabled       = excluded.enabled,
			updated_at_ns = excluded.updated_at_ns
	`, p.ID, p.ProviderID, p.LocationID, p.Type, p.Host, p.Port, p.Username, p.Password,
		boolToInt(p.Enabled), p.UpdatedAtNs)
	return err
}

// DeleteProxy removes a proxy record by ID.
func (r *StateRepo) DeleteProxy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM proxies WHERE id = ?", id)
	return err
}

// ListProxies returns all proxy records.
func (r *StateRepo) ListProxies() ([]model.ProxyRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, provider_id, location_id, type, host, port, username, password, enabled, updated_at_ns
		FROM proxies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProxyRecord
	for rows.Next() {
		var p model.ProxyRecord
		var enabled int
		if err := rows.Scan(&p.ID, &p.ProviderID, &p.LocationID, &p.Type, &p.Host, &p.Port,
			&p.Username, &p.Password, &enabled, &p.UpdatedAtNs); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		result = append(result, p)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
