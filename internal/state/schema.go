// Package state implements the persistence layer: SQLite repos, the
// StateEngine write path, dirty-set batch flushing, and bootstrap.
//
// Strong-persist data (accounts, pools, proxies, system config) goes through
// transactional writes to state.db. Weak-persist data (usage counters,
// checkouts, proxy sessions, proxy health) is marked dirty in memory and
// batch-flushed to cache.db.
package state

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// OpenDB opens (or creates) a SQLite database at path with WAL journaling,
// synchronous=NORMAL, foreign_keys=ON, and a 5s busy timeout. The connection
// pool is capped at one: all writes funnel through a single writer.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}
