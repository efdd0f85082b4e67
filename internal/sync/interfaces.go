// Package sync implements the local-first synchronisation layer. It serves
// reads from the local cache, refreshes them from the remote document store
// and writes the reconciled result back through the cache.
//
// The package contains three main components:
//
//   - [Coordinator] runs the fetch / mutate protocol for one collection.
//   - [Handle] is a realtime listener feeding remote changes into the cache,
//     started with [Coordinator.Listen].
//   - [Engine] runs the background loop: warm-up, listeners, the retry pass
//     for unsynced rows and TTL eviction.
package sync

import (
	"context"

	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/remote"
)

// LocalStore is the embedded cache.
// Implemented by [localstore.Store].
type LocalStore interface {
	Get(ctx context.Context, collection, id string) (localstore.Row, error)
	Query(ctx context.Context, collection string, q localstore.Query) ([]localstore.Row, error)
	Put(ctx context.Context, collection string, row localstore.Row) error
	Delete(ctx context.Context, collection, id string) error
	DeleteWhere(ctx context.Context, collection string, where ...localstore.Cond) (int64, error)
}

// RemoteStore is the remote document database.
// Implemented by [remote.Firestore] and [memstore.Store].
type RemoteStore interface {
	Get(ctx context.Context, collection, id string) (*remote.Document, error)
	Query(ctx context.Context, collection string, q remote.Query) ([]remote.Document, error)
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	Delete(ctx context.Context, collection, id string) error
	Listen(ctx context.Context, collection string, q remote.Query) (remote.Watch, error)
}

// Session reports the signed-in user.
// Implemented by [session.Session].
type Session interface {
	CurrentUserID() (string, bool)
}
