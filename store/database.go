// Package store persists a node's state in SQLite: its identity and nospam,
// its own profile and presence, and the friend list.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DefaultDBFileName is the SQLite filename under the persistent location.
const DefaultDBFileName = "carrier.db"

// ErrNoIdentity is returned by LoadIdentity on a fresh database.
var ErrNoIdentity = errors.New("no stored identity")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS identity (
  id          INTEGER PRIMARY KEY CHECK (id = 1),
  secret_key  BLOB NOT NULL,
  nospam      INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS self_profile (
  id          INTEGER PRIMARY KEY CHECK (id = 1),
  name        TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  has_avatar  INTEGER NOT NULL DEFAULT 0,
  gender      TEXT NOT NULL DEFAULT '',
  phone       TEXT NOT NULL DEFAULT '',
  email       TEXT NOT NULL DEFAULT '',
  region      TEXT NOT NULL DEFAULT '',
  presence    INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS friends (
  user_id     TEXT PRIMARY KEY,
  public_key  BLOB NOT NULL,
  label       TEXT NOT NULL DEFAULT '',
  name        TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  has_avatar  INTEGER NOT NULL DEFAULT 0,
  gender      TEXT NOT NULL DEFAULT '',
  phone       TEXT NOT NULL DEFAULT '',
  email       TEXT NOT NULL DEFAULT '',
  region      TEXT NOT NULL DEFAULT '',
  presence    INTEGER NOT NULL DEFAULT 0,
  added_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_friends_added_at
ON friends (added_at, user_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once
}

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenPath",
		"path":     dbPath,
	}).Info("Opened state database")
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
