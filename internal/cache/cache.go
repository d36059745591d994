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

// Store is a sqlite-backed TTL cache of encoded plans, scoped per account.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// busyTimeoutDSN makes a connection wait on a locked database instead of failing fast.
const busyTimeoutDSN = "?_pragma=busy_timeout(5000)"

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+busyTimeoutDSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS plans (
			key TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			payload BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_plans_account ON plans(account);",
	}
	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	err = store.write(func() error {
		for _, query := range queries {
			if _, err := db.Exec(query); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes every expired plan.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.write(func() error {
		_, err := s.db.Exec("DELETE FROM plans WHERE expires_at <= ?", s.now().UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		return nil
	})
}

// Get returns the payload stored under key if it has not expired.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var payload []byte
	var expires int64
	err := s.db.QueryRow("SELECT payload, expires_at FROM plans WHERE key = ?", key).Scan(&payload, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache read: %w", err)
	}
	if s.now().UTC().UnixMilli() >= expires {
		return nil, false, nil
	}
	return payload, true, nil
}

// Put stores payload under key for ttl. A non-positive ttl stores nothing.
func (s *Store) Put(key, account string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	expires := s.now().UTC().Add(ttl).UnixMilli()
	return s.write(func() error {
		_, err := s.db.Exec(`
			INSERT INTO plans (key, account, payload, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				account=excluded.account,
				payload=excluded.payload,
				expires_at=excluded.expires_at
		`, key, strings.ToLower(account), payload, expires)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

// InvalidateAccount drops every plan cached for account. Balances change once a
// run submits transactions, so earlier plans no longer apply.
func (s *Store) InvalidateAccount(account string) error {
	return s.write(func() error {
		_, err := s.db.Exec("DELETE FROM plans WHERE account = ?", strings.ToLower(account))
		if err != nil {
			return fmt.Errorf("invalidate cached plans: %w", err)
		}
		return nil
	})
}

func (s *Store) write(fn func() error) error {
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
