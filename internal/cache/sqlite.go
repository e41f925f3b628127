package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStorage implements Storage in a single SQLite database file
type SQLiteStorage struct {
	db *sql.DB
}

type sqliteGeneration struct {
	storage *SQLiteStorage
	name    string
}

// NewSQLite opens (or creates) the database at path and its tables
func NewSQLite(path string) (*SQLiteStorage, error) {
	if path == "" {
		path = ".cache/offline-proxy.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	storage, err := NewSQLiteFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return storage, nil
}

// NewSQLiteFromDB creates the cache tables on an existing connection if needed
func NewSQLiteFromDB(db *sql.DB) (*SQLiteStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_generations table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (generation, key)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_entries table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO cache_generations (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("register generation: %w", err)
	}
	return &sqliteGeneration{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Lookup(ctx context.Context, name string) (Generation, bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM cache_generations WHERE name = ?", name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query generation: %w", err)
	}
	return &sqliteGeneration{storage: s, name: name}, true, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM cache_generations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE generation = ?", name); err != nil {
		return false, fmt.Errorf("delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM cache_generations WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("delete generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	var data []byte
	err := g.storage.db.QueryRowContext(ctx,
		"SELECT data FROM cache_entries WHERE generation = ? AND key = ?",
		g.name, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return Deserialize(data)
}

func (g *sqliteGeneration) Put(ctx context.Context, key string, entry *Entry) error {
	data, err := Serialize(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	_, err = g.storage.db.ExecContext(ctx, `
		INSERT INTO cache_entries (generation, key, stored_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (generation, key) DO UPDATE SET
			stored_at = excluded.stored_at,
			data = excluded.data
	`, g.name, key, entry.StoredAt.Unix(), data)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}
