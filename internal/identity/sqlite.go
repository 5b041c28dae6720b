package identity

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps preferences in a key/value table, one row per
// (scope, key).
type SQLiteStore struct {
	db    *sql.DB
	scope string
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Use ":memory:" for a throwaway store.
func OpenSQLite(path, scope string) (*SQLiteStore, error) {
	if scope == "" {
		scope = DefaultScope
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("identity: open db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("identity: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: conn, scope: scope}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS preferences (
			scope TEXT NOT NULL,
			key   TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (scope, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("identity: create preferences: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get() (Identity, error) {
	addr, err := s.get(KeyAddress)
	if err != nil {
		return Identity{}, err
	}
	name, err := s.get(KeyName)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Address: addr, Name: name}, nil
}

func (s *SQLiteStore) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM preferences WHERE scope = ? AND key = ?", s.scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(id Identity) error {
	return s.put(id.Address, id.Name)
}

func (s *SQLiteStore) Clear() error {
	return s.put("", "")
}

// put writes both keys in one transaction so a half-written identity is
// never observed.
func (s *SQLiteStore) put(addr, name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	const upsert = "INSERT OR REPLACE INTO preferences (scope, key, value) VALUES (?, ?, ?)"
	if _, err := tx.Exec(upsert, s.scope, KeyAddress, addr); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, KeyAddress, err)
	}
	if _, err := tx.Exec(upsert, s.scope, KeyName, name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, KeyName, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
