package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Key addresses one read-layer query. Account, Market and Family are the
// invalidation dimensions; Query distinguishes entries inside a family.
type Key struct {
	Account string
	Market  string
	Family  string
	Query   string
}

func (k Key) String() string {
	return strings.Join([]string{norm(k.Account), norm(k.Market), norm(k.Family), norm(k.Query)}, "|")
}

// Scope selects entries to invalidate. Empty fields match anything.
type Scope struct {
	Account string
	Market  string
	Family  string
}

func (s Scope) Matches(k Key) bool {
	return match(s.Account, k.Account) && match(s.Market, k.Market) && match(s.Family, k.Family)
}

func match(want, got string) bool {
	return want == "" || norm(want) == norm(got)
}

func norm(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Store is the on-disk tier, shared between processes through a file lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS read_entries (
			key TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			market TEXT NOT NULL,
			family TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_read_entries_scope ON read_entries(account, market, family);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries whose TTL has fully expired.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	if _, err := s.db.Exec("DELETE FROM read_entries WHERE created_at + ttl_seconds < ?", nowUnix); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(key Key, maxStale time.Duration) (Result, error) {
	var value []byte
	var createdUnix int64
	var ttlSeconds int64
	err := s.db.QueryRow("SELECT value, created_at, ttl_seconds FROM read_entries WHERE key = ?", key.String()).Scan(&value, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{Hit: false}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := time.Since(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	stale := age > ttl
	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

func (s *Store) Set(key Key, value []byte, ttl time.Duration) error {
	return s.withLock(func() error {
		ttlSeconds := int64(ttl.Seconds())
		if ttlSeconds <= 0 {
			ttlSeconds = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO read_entries (key, account, market, family, value, created_at, ttl_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value=excluded.value,
				created_at=excluded.created_at,
				ttl_seconds=excluded.ttl_seconds
		`, key.String(), norm(key.Account), norm(key.Market), norm(key.Family), value, time.Now().UTC().Unix(), ttlSeconds)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

// Invalidate removes every entry inside scope and reports how many went.
func (s *Store) Invalidate(scope Scope) (int64, error) {
	var removed int64
	err := s.withLock(func() error {
		query := "DELETE FROM read_entries WHERE 1=1"
		args := make([]any, 0, 3)
		for _, dim := range []struct{ col, val string }{
			{"account", scope.Account},
			{"market", scope.Market},
			{"family", scope.Family},
		} {
			if dim.val == "" {
				continue
			}
			query += " AND " + dim.col + " = ?"
			args = append(args, norm(dim.val))
		}
		res, err := s.db.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("cache invalidate: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (s *Store) withLock(fn func() error) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}
