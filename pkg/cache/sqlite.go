package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteProvider persists entries in a local sqlite database. All tables of
// the provider share one database file.
type SQLiteProvider struct {
	id string

	mu  sync.Mutex
	db  *sql.DB
	err error

	// inflight orders Close after the last running operation instead of
	// relying on a timeout.
	inflight sync.WaitGroup
}

// NewSQLiteProvider creates a persistent provider registered under id. An
// empty filename opens a shared in-memory database.
func NewSQLiteProvider(id, filename string) *SQLiteProvider {
	p := &SQLiteProvider{id: id}
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		p.err = fmt.Errorf("open sqlite: %w", err)
		return p
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			tbl TEXT NOT NULL,
			key TEXT NOT NULL,
			updated INTEGER NOT NULL,
			value BLOB,
			headers TEXT,
			cache_control TEXT,
			PRIMARY KEY (tbl, key)
		)`,
		"CREATE INDEX IF NOT EXISTS cache_entries_updated_idx ON cache_entries (updated)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			p.err = fmt.Errorf("init sqlite: %w", err)
			db.Close()
			return p
		}
	}
	p.db = db
	return p
}

// CacheID implements Provider.
func (p *SQLiteProvider) CacheID() string { return p.id }

// Create implements Provider.
func (p *SQLiteProvider) Create(table string) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &sqliteBackend{provider: p, table: table}, nil
}

// Close closes the underlying database once every backend operation has
// drained. Backends created from this provider are unusable afterwards.
func (p *SQLiteProvider) Close() error {
	p.mu.Lock()
	if p.db == nil {
		p.mu.Unlock()
		return nil
	}
	db := p.db
	p.db = nil
	p.err = ErrClosed
	p.mu.Unlock()

	p.inflight.Wait()
	return db.Close()
}

type sqliteBackend struct {
	provider *SQLiteProvider
	table    string
}

// begin registers an operation and returns the database handle, or ErrClosed
// once the provider has shut down.
func (b *sqliteBackend) begin() (*sql.DB, error) {
	p := b.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}
	p.inflight.Add(1)
	return p.db, nil
}

func (b *sqliteBackend) end() { b.provider.inflight.Done() }

func (b *sqliteBackend) Available() bool {
	p := b.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db != nil
}

func (b *sqliteBackend) Get(ctx context.Context, key string) (*Entry, error) {
	db, err := b.begin()
	if err != nil {
		return nil, err
	}
	defer b.end()

	var (
		updated             int64
		value               []byte
		headersJSON, ccJSON string
	)
	row := db.QueryRowContext(ctx,
		"SELECT updated, value, headers, cache_control FROM cache_entries WHERE tbl = ? AND key = ?",
		b.table, key)
	if err := row.Scan(&updated, &value, &headersJSON, &ccJSON); err != nil {
		if err == sql.ErrNoRows {
			Misses.WithLabelValues("sqlite").Inc()
			return nil, ErrMiss
		}
		Errors.WithLabelValues("sqlite", "get").Inc()
		return nil, fmt.Errorf("sqlite get: %w", err)
	}

	entry := &Entry{
		Key:     key,
		Table:   b.table,
		Updated: time.UnixMilli(updated),
		Value:   value,
	}
	if err := json.Unmarshal([]byte(headersJSON), &entry.Headers); err != nil {
		Errors.WithLabelValues("sqlite", "get").Inc()
		return nil, fmt.Errorf("%w: headers: %v", ErrInvalidEntry, err)
	}
	if err := json.Unmarshal([]byte(ccJSON), &entry.CacheControl); err != nil {
		Errors.WithLabelValues("sqlite", "get").Inc()
		return nil, fmt.Errorf("%w: cache-control: %v", ErrInvalidEntry, err)
	}
	Hits.WithLabelValues("sqlite").Inc()
	return entry, nil
}

func (b *sqliteBackend) Set(ctx context.Context, key string, entry *Entry) error {
	db, err := b.begin()
	if err != nil {
		return err
	}
	defer b.end()

	headers := entry.Headers
	if headers == nil {
		headers = http.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		Errors.WithLabelValues("sqlite", "set").Inc()
		return fmt.Errorf("marshal headers: %w", err)
	}
	ccJSON, err := json.Marshal(entry.CacheControl)
	if err != nil {
		Errors.WithLabelValues("sqlite", "set").Inc()
		return fmt.Errorf("marshal cache-control: %w", err)
	}

	// The update only applies when it does not move Updated backwards.
	_, err = db.ExecContext(ctx, `INSERT INTO cache_entries
		(tbl, key, updated, value, headers, cache_control)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tbl, key) DO UPDATE SET
			updated = excluded.updated,
			value = excluded.value,
			headers = excluded.headers,
			cache_control = excluded.cache_control
		WHERE excluded.updated >= cache_entries.updated`,
		b.table, key, entry.Updated.UnixMilli(), []byte(entry.Value), string(headersJSON), string(ccJSON))
	if err != nil {
		Errors.WithLabelValues("sqlite", "set").Inc()
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, key string) error {
	db, err := b.begin()
	if err != nil {
		return err
	}
	defer b.end()

	if _, err := db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE tbl = ? AND key = ?", b.table, key); err != nil {
		Errors.WithLabelValues("sqlite", "delete").Inc()
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Clear(ctx context.Context) (int, error) {
	db, err := b.begin()
	if err != nil {
		return 0, err
	}
	defer b.end()

	res, err := db.ExecContext(ctx, "DELETE FROM cache_entries WHERE tbl = ?", b.table)
	if err != nil {
		Errors.WithLabelValues("sqlite", "clear").Inc()
		return 0, fmt.Errorf("sqlite clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *sqliteBackend) Keys(ctx context.Context, fn func(string) bool) error {
	db, err := b.begin()
	if err != nil {
		return err
	}
	defer b.end()

	rows, err := db.QueryContext(ctx,
		"SELECT key FROM cache_entries WHERE tbl = ? ORDER BY key", b.table)
	if err != nil {
		Errors.WithLabelValues("sqlite", "keys").Inc()
		return fmt.Errorf("sqlite keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			Errors.WithLabelValues("sqlite", "keys").Inc()
			return fmt.Errorf("sqlite keys: %w", err)
		}
		if !fn(key) {
			return nil
		}
	}
	return rows.Err()
}

// Close of one backend is a no-op; the provider owns the database and orders
// its own Close after in-flight operations.
func (b *sqliteBackend) Close() error { return nil }
