// Package codec converts domain records between their in-memory form, the
// remote document shape and the local cache row shape.
//
// Every function here is pure and total. Decoding a document or row that is
// missing a required field reports ok=false instead of failing, and a
// malformed composite column decodes to an empty value, so one bad record
// never breaks a batch.
package codec

import (
	"time"

	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/remote"
)

// Standard columns present on every cache table.
const (
	ColSynced    = "isSynced"
	ColUpdatedAt = "updatedAt"
	ColCachedAt  = "cachedAt"
)

// Codec describes one synced collection and maps its records T between the
// three representations.
type Codec[T any] interface {
	Collection() string
	Table() localstore.Table

	// Order returns the column/field results are sorted by.
	Order() (field string, desc bool)

	// LocalScope and RemoteScope select the records belonging to a scope
	// key (a user id, a conversation id, ...).
	LocalScope(key string) []localstore.Cond
	RemoteScope(key string) []remote.Filter

	// Bind attaches the scope key to a record decoded from a scoped remote
	// query, for collections whose documents do not carry it directly.
	Bind(v T, key string) T

	ID(v T) string
	Version(v T) time.Time
	SortKey(v T) time.Time
	Synced(v T) bool
	WithSynced(v T, synced bool) T

	ToRemote(v T) map[string]any
	FromRemote(doc remote.Document) (T, bool)
	ToRow(v T) localstore.Row
	FromRow(row localstore.Row) (T, bool)
}

// schema carries the collection-level parts shared by every codec.
type schema struct {
	collection string
	scopeField string
	orderField string
	desc       bool
	columns    []localstore.Column
}

func (s schema) Collection() string { return s.collection }

func (s schema) Order() (string, bool) { return s.orderField, s.desc }

func (s schema) Table() localstore.Table {
	cols := make([]localstore.Column, 0, len(s.columns)+3)
	cols = append(cols, s.columns...)
	cols = append(cols,
		localstore.Column{Name: ColSynced, Type: localstore.Integer},
		localstore.Column{Name: ColUpdatedAt, Type: localstore.Integer},
		localstore.Column{Name: ColCachedAt, Type: localstore.Integer},
	)
	idx := []string{s.scopeField}
	if s.orderField != s.scopeField {
		idx = append(idx, s.orderField)
	}
	return localstore.Table{Name: s.collection, Columns: cols, Indexes: idx}
}

func (s schema) LocalScope(key string) []localstore.Cond {
	return []localstore.Cond{localstore.Eq(s.scopeField, key)}
}

func (s schema) RemoteScope(key string) []remote.Filter {
	return []remote.Filter{{Field: s.scopeField, Op: remote.OpEq, Value: key}}
}

// syncCols fills the standard columns of row.
func syncCols(row localstore.Row, synced bool, version time.Time) localstore.Row {
	row[ColSynced] = boolInt(synced)
	row[ColUpdatedAt] = millis(version)
	return row
}
