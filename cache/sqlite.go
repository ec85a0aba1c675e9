package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	config     Config
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a private in-memory db is opened.
// The cache is not meant to survive restarts; a file only moves the bytes out of the heap.
func NewSQLiteCache(filename string, config Config) (*SQLiteCache, error) {
	memory := filename == ""
	if memory {
		filename = ":memory:"
	} else if !strings.Contains(filename, "?") {
		filename += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// every connection to :memory: is its own database
	if memory {
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			content_type TEXT,
			captured_at INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS captured_at_idx ON cache (captured_at)",
	}
	if !memory {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		config:     config.withDefaults(),
	}, nil
}

func (s *SQLiteCache) Get(key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var capturedAt int64
	err := s.db.QueryRow("SELECT content_type, captured_at, bytes FROM cache WHERE key = ?", key).
		Scan(&entry.ContentType, &capturedAt, &entry.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.CapturedAt = time.Unix(0, capturedAt)
	entry.Fresh = isFresh(s.config.Now(), entry.CapturedAt, s.config.Expiry)
	return entry, true, nil
}

func (s *SQLiteCache) Put(key string, body []byte, contentType string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if body == nil {
		body = []byte{}
	}
	_, err = tx.Exec("INSERT OR REPLACE INTO cache (key, content_type, captured_at, bytes) VALUES (?, ?, ?, ?)",
		key, contentType, s.config.Now().UnixNano(), body)
	if err != nil {
		return err
	}
	if s.config.MaxEntries > 0 {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM cache").Scan(&count); err != nil {
			return err
		}
		if excess := count - s.config.MaxEntries; excess > 0 {
			_, err := tx.Exec(
				"DELETE FROM cache WHERE key IN (SELECT key FROM cache WHERE key != ? ORDER BY captured_at ASC LIMIT ?)",
				key, excess)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Len returns the number of stored entries, fresh or stale.
func (s *SQLiteCache) Len() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&count)
	return count, err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
