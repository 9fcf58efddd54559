// Package migrate implements the migration gate shared by the SQLite and
// PostgreSQL backends: a small JSON cache file records the (db path, head
// revision) pair a process last migrated to, so a warm restart against an
// already-current database skips re-running migrations entirely.
package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
)

// DefaultCachePath matches the original project's on-disk layout.
const DefaultCachePath = "data/migration_status.json"

type cacheEntry struct {
	DBPath   string `json:"db_path"`
	Revision string `json:"revision"`
}

// Gate decides, for a given on-disk database, whether migrations need to
// run at all.
type Gate struct {
	CachePath string
}

// NewGate returns a Gate using path, or DefaultCachePath if path is empty.
func NewGate(path string) *Gate {
	if path == "" {
		path = DefaultCachePath
	}
	return &Gate{CachePath: path}
}

// EnsureInMemory always runs migrations unconditionally: an in-memory
// database has no persistent state to gate against.
func EnsureInMemory(m *migrate.Migrate) error {
	return runUp(m)
}

// Ensure runs migrations against an on-disk database only when needed:
// a fresh (missing or empty) file always migrates; an existing file
// migrates only if the cached head revision disagrees with (or is absent
// from) what's on disk.
func (g *Gate) Ensure(m *migrate.Migrate, dbPath string) error {
	fresh, err := isNewDB(dbPath)
	if err != nil {
		return fmt.Errorf("migrate: stat %s: %w", dbPath, err)
	}
	if fresh {
		if err := runUp(m); err != nil {
			return err
		}
		return g.updateCache(dbPath, m)
	}
	return g.ensureExisting(m, dbPath)
}

func (g *Gate) ensureExisting(m *migrate.Migrate, dbPath string) error {
	cached, ok := g.readCache(dbPath)
	head, headErr := headRevision(m)

	runNeeded := !ok || headErr != nil || cached.Revision != head
	if !runNeeded {
		return nil
	}
	if err := runUp(m); err != nil {
		return err
	}
	return g.updateCache(dbPath, m)
}

func runUp(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

func headRevision(m *migrate.Migrate) (string, error) {
	version, _, err := m.Version()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(version), 10), nil
}

func isNewDB(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}

func (g *Gate) readCache(dbPath string) (cacheEntry, bool) {
	data, err := os.ReadFile(g.CachePath)
	if err != nil {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return cacheEntry{}, false
	}
	if entry.DBPath != dbPath {
		return cacheEntry{}, false
	}
	return entry, true
}

func (g *Gate) updateCache(dbPath string, m *migrate.Migrate) error {
	head, err := headRevision(m)
	if err != nil {
		return fmt.Errorf("migrate: reading head revision for cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(g.CachePath), 0o755); err != nil {
		return fmt.Errorf("migrate: creating cache dir: %w", err)
	}
	data, err := json.Marshal(cacheEntry{DBPath: dbPath, Revision: head})
	if err != nil {
		return err
	}
	return os.WriteFile(g.CachePath, data, 0o644)
}
