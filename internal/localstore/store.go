// Package localstore is the embedded, file-backed cache that every synced
// collection reads from first.
//
// Each collection is one SQLite table keyed by id. Rows hold primitives only:
// strings, int64s and float64s. Composite fields are encoded by the codecs
// before they reach this package. Only this package opens or queries the
// database; everything else goes through a [*Store].
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrUnknownCollection is returned for operations on a collection that was
// never registered.
var ErrUnknownCollection = errors.New("unknown collection")

// Row is one cached record. The "id" key is always present on rows returned
// by the store; NULL columns are omitted.
type Row map[string]any

// ID returns the row's primary key.
func (r Row) ID() string {
	id, _ := r[IDColumn].(string)
	return id
}

// Store is the SQLite-backed local cache.
//
// Readers of a collection run concurrently; a write to a collection excludes
// every other reader and writer of that collection. ClearAll excludes
// everything.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex // guards tables and locks; write-held by ClearAll
	tables map[string]Table
	locks  map[string]*sync.RWMutex
}

// DefaultDBPath returns the default cache location:
// ~/.local/share/penpalsync/cache.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "penpalsync", "cache.db"), nil
}

// Open opens (or creates) the database at path in WAL mode and creates the
// given collection tables.
func Open(path string, tables ...Table) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		tables: make(map[string]Table),
		locks:  make(map[string]*sync.RWMutex),
	}
	for _, t := range tables {
		if err := s.Register(context.Background(), t); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register creates the table for t if needed. Registering the same table
// twice is a no-op.
func (s *Store) Register(ctx context.Context, t Table) error {
	if err := t.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[t.Name]; ok {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, t.ddl()); err != nil {
		return fmt.Errorf("creating table %s: %w", t.Name, err)
	}
	s.tables[t.Name] = t
	s.locks[t.Name] = &sync.RWMutex{}
	return nil
}

// Collections returns the registered collection names, sorted.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// acquire takes the store-wide read lock plus the collection lock and returns
// the table and a release func.
func (s *Store) acquire(collection string, write bool) (Table, func(), error) {
	s.mu.RLock()
	t, ok := s.tables[collection]
	if !ok {
		s.mu.RUnlock()
		return Table{}, nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	l := s.locks[collection]
	if write {
		l.Lock()
		return t, func() { l.Unlock(); s.mu.RUnlock() }, nil
	}
	l.RLock()
	return t, func() { l.RUnlock(); s.mu.RUnlock() }, nil
}

// Get returns the row with the given id, or (nil, nil) if there is none.
func (s *Store) Get(ctx context.Context, collection, id string) (Row, error) {
	t, release, err := s.acquire(collection, false)
	if err != nil {
		return nil, err
	}
	defer release()

	return getRow(ctx, s.db, t, id)
}

// Query returns the rows of collection matching q.
func (s *Store) Query(ctx context.Context, collection string, q Query) ([]Row, error) {
	t, release, err := s.acquire(collection, false)
	if err != nil {
		return nil, err
	}
	defer release()

	stmt, args, err := selectSQL(t, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows, t)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s rows: %w", collection, err)
	}
	return out, nil
}

// Count returns the number of rows in collection matching where.
func (s *Store) Count(ctx context.Context, collection string, where ...Cond) (int, error) {
	t, release, err := s.acquire(collection, false)
	if err != nil {
		return 0, err
	}
	defer release()

	clause, args, err := whereClause(t, where)
	if err != nil {
		return 0, err
	}
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quote(t.Name), clause)
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// Put inserts row, or replaces the whole stored row if its id exists.
// Columns missing from row are stored as NULL.
func (s *Store) Put(ctx context.Context, collection string, row Row) error {
	t, release, err := s.acquire(collection, true)
	if err != nil {
		return err
	}
	defer release()

	return putRow(ctx, s.db, t, row)
}

// Update runs fn against the current row (nil if absent) and stores the row
// it returns, all while holding the collection's write lock inside one
// transaction. Returning a nil row leaves storage untouched.
func (s *Store) Update(ctx context.Context, collection, id string, fn func(Row) (Row, error)) (Row, error) {
	t, release, err := s.acquire(collection, true)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update of %s/%s: %w", collection, id, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getRow(ctx, tx, t, id)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	next[IDColumn] = id
	if err := putRow(ctx, tx, t, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update of %s/%s: %w", collection, id, err)
	}
	return next, nil
}

// Delete removes the row with the given id. Deleting a missing id is not an
// error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	t, release, err := s.acquire(collection, true)
	if err != nil {
		return err
	}
	defer release()

	q := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(t.Name), quote(IDColumn))
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

// DeleteWhere removes every row matching where and returns how many went.
// An empty predicate deletes the whole collection.
func (s *Store) DeleteWhere(ctx context.Context, collection string, where ...Cond) (int64, error) {
	t, release, err := s.acquire(collection, true)
	if err != nil {
		return 0, err
	}
	defer release()

	clause, args, err := whereClause(t, where)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("DELETE FROM %s%s", quote(t.Name), clause)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", collection, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearAll wipes every registered collection in a single transaction. No
// reader observes a partially cleared store.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for name := range s.tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+quote(name)); err != nil {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing clear: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// execer matches both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner matches both *sql.Row and *sql.Rows so scanRow can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func getRow(ctx context.Context, db execer, t Table, id string) (Row, error) {
	stmt, args, err := selectSQL(t, Query{Where: []Cond{Eq(IDColumn, id)}})
	if err != nil {
		return nil, err
	}
	row, err := scanRow(db.QueryRowContext(ctx, stmt, args...), t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	return row, err
}

func putRow(ctx context.Context, db execer, t Table, row Row) error {
	id := row.ID()
	if id == "" {
		return fmt.Errorf("put into %s: row has no id", t.Name)
	}
	for k := range row {
		if _, ok := t.columnType(k); !ok {
			return fmt.Errorf("put into %s: unknown column %q", t.Name, k)
		}
	}

	cols := t.columnNames()
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		marks[i] = "?"
		args[i] = toSQLValue(row[c])
	}
	q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quote(t.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upserting %s/%s: %w", t.Name, id, err)
	}
	return nil
}

func scanRow(s scanner, t Table) (Row, error) {
	cols := t.columnNames()
	dest := make([]any, len(cols))
	for i, c := range cols {
		typ, _ := t.columnType(c)
		switch typ {
		case Integer:
			dest[i] = new(sql.NullInt64)
		case Real:
			dest[i] = new(sql.NullFloat64)
		default:
			dest[i] = new(sql.NullString)
		}
	}
	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning %s row: %w", t.Name, err)
	}

	row := make(Row, len(cols))
	for i, c := range cols {
		switch v := dest[i].(type) {
		case *sql.NullInt64:
			if v.Valid {
				row[c] = v.Int64
			}
		case *sql.NullFloat64:
			if v.Valid {
				row[c] = v.Float64
			}
		case *sql.NullString:
			if v.Valid {
				row[c] = v.String
			}
		}
	}
	return row, nil
}

// toSQLValue narrows caller values to the primitives SQLite stores.
func toSQLValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UnixMilli()
	default:
		return v
	}
}
