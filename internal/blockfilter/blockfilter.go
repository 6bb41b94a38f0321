/*
Package blockfilter manages the ad/tracker host filter backed by SQLite
with an in-memory cache for O(1) runtime lookups.

The SQLite database is the persistent store; hosts carry a kind ("ad" or
"tracker") so the two feature flags gate independently. At startup, all
hosts are loaded into in-memory sets. The database is rebuilt when list
URLs are fetched via Update.
*/
package blockfilter

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Kind labels why a host is filtered.
type Kind string

// Filter kinds.
const (
	KindAd      Kind = "ad"
	KindTracker Kind = "tracker"
)

// DB manages the block filter database and in-memory cache.
type DB struct {
	conn   *sqlite.Conn
	logger *slog.Logger

	mu       sync.RWMutex
	adHosts  map[string]struct{}
	trackers map[string]struct{}

	blockAds      atomic.Bool
	blockTrackers atomic.Bool

	blocksTotal atomic.Int64
}

// Open opens or creates a block filter database at the given path and
// loads all hosts into memory. Pass ":memory:" for a transient DB.
func Open(dbPath string, logger *slog.Logger) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open blockfilter db: %w", err)
	}

	db := &DB{
		conn:     conn,
		logger:   logger,
		adHosts:  make(map[string]struct{}),
		trackers: make(map[string]struct{}),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := db.loadCache(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SetEnabled toggles which filter kinds are active.
func (db *DB) SetEnabled(ads, trackers bool) {
	db.blockAds.Store(ads)
	db.blockTrackers.Store(trackers)
}

// ShouldBlock reports whether the host (case-insensitive) matches an
// active filter, and which kind matched. Parent domains match: a filter
// entry for "ads.example.com" also blocks "cdn.ads.example.com".
func (db *DB) ShouldBlock(host string) (bool, Kind) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	ads := db.blockAds.Load()
	trackers := db.blockTrackers.Load()
	if !ads && !trackers {
		return false, ""
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for h := host; h != ""; {
		if ads {
			if _, ok := db.adHosts[h]; ok {
				db.blocksTotal.Add(1)
				return true, KindAd
			}
		}
		if trackers {
			if _, ok := db.trackers[h]; ok {
				db.blocksTotal.Add(1)
				return true, KindTracker
			}
		}
		idx := strings.IndexByte(h, '.')
		if idx < 0 {
			break
		}
		h = h[idx+1:]
	}

	return false, ""
}

// BlocksTotal returns the total number of blocked requests since startup.
func (db *DB) BlocksTotal() int64 {
	return db.blocksTotal.Load()
}

// Size returns the number of hosts in the filter, by kind.
func (db *DB) Size() (ads, trackers int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.adHosts), len(db.trackers)
}

// AddInlineHosts merges hosts from config into the in-memory cache.
// These are not stored in SQLite, so an update-blocklist run leaves them
// as configured; a later Update in the same process reloads the sets from
// SQLite and drops them.
func (db *DB) AddInlineHosts(kind Kind, hosts []string) {
	if len(hosts) == 0 {
		return
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	target := db.setFor(kind)
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			target[h] = struct{}{}
		}
	}
}

// Update downloads host lists from the given URLs, parses them, and
// rebuilds the stored entries for kind. Other kinds are untouched.
func (db *DB) Update(kind Kind, urls []string, fetchFn FetchFunc) error {
	var allHosts []string

	for _, u := range urls {
		db.logger.Info("fetching host list", "kind", kind, "url", u)

		hosts, err := fetchFn(u)
		if err != nil {
			db.logger.Error("failed to fetch host list", "kind", kind, "url", u, "error", err)
			continue
		}

		db.logger.Info("parsed host list", "kind", kind, "url", u, "hosts", len(hosts))
		allHosts = append(allHosts, hosts...)
	}

	if err := db.rebuildKind(kind, allHosts); err != nil {
		return fmt.Errorf("rebuild %s hosts: %w", kind, err)
	}

	if err := db.loadCache(); err != nil {
		return fmt.Errorf("reload cache: %w", err)
	}

	ads, trackers := db.Size()
	db.logger.Info("host filter updated", "kind", kind, "ads", ads, "trackers", trackers)

	return nil
}

// ensureSchema creates the database tables if they don't exist.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS hosts (
			host TEXT NOT NULL,
			kind TEXT NOT NULL,
			PRIMARY KEY (host, kind)
		) WITHOUT ROWID;
	`, nil)
}

// loadCache reads all hosts from SQLite into the in-memory sets.
func (db *DB) loadCache() error {
	newAds := make(map[string]struct{})
	newTrackers := make(map[string]struct{})

	err := sqlitex.Execute(db.conn, "SELECT host, kind FROM hosts", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			switch Kind(stmt.ColumnText(1)) {
			case KindAd:
				newAds[stmt.ColumnText(0)] = struct{}{}
			case KindTracker:
				newTrackers[stmt.ColumnText(0)] = struct{}{}
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("load hosts from db: %w", err)
	}

	db.mu.Lock()
	db.adHosts = newAds
	db.trackers = newTrackers
	db.mu.Unlock()

	return nil
}

// rebuildKind replaces one kind's rows in a transaction.
func (db *DB) rebuildKind(kind Kind, hosts []string) (err error) {
	defer sqlitex.Save(db.conn)(&err)

	if err = sqlitex.Execute(db.conn, "DELETE FROM hosts WHERE kind = ?", &sqlitex.ExecOptions{
		Args: []any{string(kind)},
	}); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(h)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		err = sqlitex.Execute(db.conn,
			"INSERT INTO hosts (host, kind) VALUES (?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{h, string(kind)},
			})
		if err != nil {
			return fmt.Errorf("insert host %q: %w", h, err)
		}
	}

	return nil
}

// setFor returns the in-memory set for kind. Callers hold db.mu.
func (db *DB) setFor(kind Kind) map[string]struct{} {
	if kind == KindTracker {
		return db.trackers
	}
	return db.adHosts
}
