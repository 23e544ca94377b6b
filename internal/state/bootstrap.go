package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// persistenceCloser holds DB handles for cleanup. Implements io.Closer.
type persistenceCloser struct {
	stateDB *sql.DB
	cacheDB *sql.DB
}

func (c *persistenceCloser) Close() error {
	return errors.Join(c.stateDB.Close(), c.cacheDB.Close())
}

// PersistenceBootstrap opens state.db and cache.db under dataDir, applies
// migrations to both, and returns a ready StateEngine plus an io.Closer for
// the DB handles.
func PersistenceBootstrap(dataDir string) (engine *StateEngine, closer io.Closer, err error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	stateDB, err := OpenDB(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open state.db: %w", err)
	}

	cacheDB, err := OpenDB(filepath.Join(dataDir, "cache.db"))
	if err != nil {
		stateDB.Close()
		return nil, nil, fmt.Errorf("open cache.db: %w", err)
	}

	if err := MigrateStateDB(stateDB); err != nil {
		stateDB.Close()
		cacheDB.Close()
		return nil, nil, fmt.Errorf("migrate state.db: %w", err)
	}
	if err := MigrateCacheDB(cacheDB); err != nil {
		stateDB.Close()
		cacheDB.Close()
		return nil, nil, fmt.Errorf("migrate cache.db: %w", err)
	}

	engine = newStateEngine(newStateRepo(stateDB), newCacheRepo(cacheDB))
	return engine, &persistenceCloser{stateDB: stateDB, cacheDB: cacheDB}, nil
}
