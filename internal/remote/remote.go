// Package remote defines the document-store contract the sync layer talks to
// and its Firestore implementation.
//
// Documents are plain maps keyed by field name, addressed by collection and
// id. Failures are classified into a small set of kinds (see [Error]) so that
// callers can tell a network blip from a permanent refusal.
package remote

import (
	"context"
	"time"
)

// Document is one remote record.
type Document struct {
	ID   string
	Data map[string]any

	// UpdateTime is the server-assigned last write time, zero if unknown.
	UpdateTime time.Time
}

// FilterOp is a query comparison operator in Firestore notation.
type FilterOp string

const (
	OpEq            FilterOp = "=="
	OpNe            FilterOp = "!="
	OpLt            FilterOp = "<"
	OpLe            FilterOp = "<="
	OpGt            FilterOp = ">"
	OpGe            FilterOp = ">="
	OpArrayContains FilterOp = "array-contains"
)

// Filter is one field comparison; filters in a query are ANDed.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query selects documents of one collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// ChangeKind tags an incremental change delivered by a listener.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

// String returns the lowercase name of the kind.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is a single document change.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Tx is the view of the store available inside RunTransaction. All reads
// must happen before the first write.
type Tx interface {
	Get(collection, id string) (*Document, error)
	Set(collection, id string, data map[string]any, merge bool) error
	Delete(collection, id string) error
}

// Watch is a live subscription to a query. The first batch returned by Next
// is the initial snapshot (every matching document as Added); later batches
// are incremental.
type Watch interface {
	Next(ctx context.Context) ([]Change, error)
	Stop()
}

// Store is the remote document database.
type Store interface {
	// Get returns the document, or (nil, nil) if it does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	Delete(ctx context.Context, collection, id string) error

	// RunTransaction runs fn atomically. fn may be invoked several times
	// when the transaction contends with another writer; none of its writes
	// are visible unless the final attempt commits.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Listen(ctx context.Context, collection string, q Query) (Watch, error)
}
