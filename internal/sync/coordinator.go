package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/penpalsync/penpalsync/internal/codec"
	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/remote"
)

// ErrMalformed reports a remote document that could not be decoded.
var ErrMalformed = errors.New("malformed document")

// RetryStats summarises one [Coordinator.RetryPending] pass.
type RetryStats struct {
	Attempted int
	Synced    int
	Failed    int
}

// pendingWrite is a local mutation the remote has not confirmed yet.
type pendingWrite[T any] struct {
	seq     uint64
	started time.Time
	value   T
	running bool

	// superseded is set when a remote copy replaced the cached row while
	// the write was in flight. A failed push then drops the write.
	superseded bool
}

// Coordinator implements the local-first read and write-through protocol for
// one collection. Create one per collection with [NewCoordinator]; it is safe
// for concurrent use.
//
// Conflict policy: the remote copy wins, except when this process holds an
// unconfirmed local write for the same id that was started after the last
// successful remote read of the scope, and the remote version is strictly
// older than that write (its start time or its own version, whichever is
// later). That write is kept and re-queued for [Coordinator.RetryPending].
type Coordinator[T any] struct {
	codec   codec.Codec[T]
	local   LocalStore
	remote  RemoteStore
	session Session
	log     *slog.Logger
	now     func() time.Time
	otel    instruments

	// mu serialises cache writes with the bookkeeping below, so a fetch
	// never interleaves with an optimistic write to the same row.
	mu        sync.Mutex
	seq       uint64
	pending   map[string]*pendingWrite[T]
	lastRead  map[string]time.Time // scope → issue time of last good remote read
	requeued  map[string]T
	listeners map[string]*Handle // scope → active listener
}

// NewCoordinator creates a Coordinator for the collection described by cd.
func NewCoordinator[T any](cd codec.Codec[T], local LocalStore, rs RemoteStore, sess Session, logger *slog.Logger) *Coordinator[T] {
	return &Coordinator[T]{
		codec:     cd,
		local:     local,
		remote:    rs,
		session:   sess,
		log:       logger.With("collection", cd.Collection()),
		now:       time.Now,
		otel:      newInstruments(logger),
		pending:   make(map[string]*pendingWrite[T]),
		lastRead:  make(map[string]time.Time),
		requeued:  make(map[string]T),
		listeners: make(map[string]*Handle),
	}
}

// Collection returns the collection name.
func (c *Coordinator[T]) Collection() string { return c.codec.Collection() }

// Cached returns the cached entities of scope in declared order.
func (c *Coordinator[T]) Cached(ctx context.Context, scope string) ([]T, error) {
	rows, err := c.local.Query(ctx, c.Collection(), c.scopeQuery(scope))
	if err != nil {
		return nil, fmt.Errorf("reading cached %s: %w", c.Collection(), err)
	}
	return c.decodeRows(ctx, rows), nil
}

// Fetch returns the cached entities of scope immediately and refreshes them
// from the remote store in the background. The future resolves to the merged,
// ordered result. A transient remote failure resolves it to the cache
// contents; a permanent one resolves it to the error.
func (c *Coordinator[T]) Fetch(ctx context.Context, scope string) ([]T, *Future[[]T]) {
	immediate, err := c.Cached(ctx, scope)
	if err != nil {
		c.log.Error("reading cache", "scope", scope, "error", err)
	}

	fut := newFuture[[]T]()
	go func() { fut.resolve(c.refresh(ctx, scope)) }()
	return immediate, fut
}

// Warm fetches scope and waits for the remote refresh.
func (c *Coordinator[T]) Warm(ctx context.Context, scope string) error {
	_, fut := c.Fetch(ctx, scope)
	_, err := fut.Wait(ctx)
	return err
}

func (c *Coordinator[T]) refresh(ctx context.Context, scope string) ([]T, error) {
	coll := c.Collection()
	ctx, span := c.otel.tracer.Start(ctx, spanFetch, trace.WithAttributes(
		attribute.String("sync.collection", coll),
		attribute.String("sync.scope", scope),
	))
	defer span.End()

	issued := c.now()
	field, desc := c.codec.Order()
	docs, err := c.remote.Query(ctx, coll, remote.Query{
		Filters: c.codec.RemoteScope(scope),
		OrderBy: field,
		Desc:    desc,
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !remote.IsTransient(err) {
			span.SetStatus(otelcodes.Error, "remote fetch failed")
			return nil, fmt.Errorf("fetching %s for %s: %w", coll, scope, err)
		}
		c.otel.fallbacks.Add(ctx, 1, c.metricAttrs())
		c.log.Warn("remote fetch failed, serving cache", "scope", scope, "error", err)
		return c.Cached(ctx, scope)
	}

	fetched := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, ok := c.codec.FromRemote(doc)
		if !ok {
			c.skip(ctx, "document", doc.ID)
			continue
		}
		fetched = append(fetched, c.codec.Bind(v, scope))
	}

	merged, err := c.merge(ctx, scope, fetched, issued)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("sync.remote", len(docs)),
		attribute.Int("sync.result", len(merged)),
	)
	return merged, nil
}

// merge reconciles a fresh remote result with the cache and writes the
// outcome through. Synced rows the remote no longer has are pruned; unsynced
// local-only rows are kept.
func (c *Coordinator[T]) merge(ctx context.Context, scope string, fetched []T, issued time.Time) ([]T, error) {
	coll := c.Collection()

	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.local.Query(ctx, coll, c.scopeQuery(scope))
	if err != nil {
		return nil, fmt.Errorf("reading cached %s: %w", coll, err)
	}

	lastRead := c.lastRead[scope]
	cachedAt := c.now()
	seen := make(map[string]bool, len(fetched))
	out := make([]T, 0, len(fetched))
	written := 0

	for _, v := range fetched {
		id := c.codec.ID(v)
		if seen[id] {
			continue
		}
		seen[id] = true

		if kept, ok := c.newerLocal(id, c.codec.Version(v), lastRead); ok {
			c.requeue(ctx, id, kept)
			out = append(out, kept)
			continue
		}
		v = c.codec.WithSynced(v, true)
		if err := c.local.Put(ctx, coll, c.row(v, cachedAt)); err != nil {
			return nil, fmt.Errorf("caching %s %s: %w", coll, id, err)
		}
		c.remoteWon(id)
		written++
		out = append(out, v)
	}

	pruned := 0
	for _, row := range rows {
		id := row.ID()
		if seen[id] {
			continue
		}
		if v, ok := c.codec.FromRow(row); ok && !c.codec.Synced(v) {
			out = append(out, v)
			continue
		}
		if err := c.local.Delete(ctx, coll, id); err != nil {
			return nil, fmt.Errorf("pruning %s %s: %w", coll, id, err)
		}
		pruned++
	}

	c.lastRead[scope] = issued
	c.otel.rowsWritten.Add(ctx, int64(written), c.metricAttrs())
	if pruned > 0 {
		c.log.Debug("pruned rows missing remotely", "scope", scope, "count", pruned)
	}

	c.sort(out)
	return out, nil
}

// newerLocal reports the pending local value for id if it must win over a
// remote version. Caller holds c.mu.
func (c *Coordinator[T]) newerLocal(id string, remoteVersion, lastRead time.Time) (T, bool) {
	var zero T
	p, ok := c.pending[id]
	if !ok || p.superseded || !p.started.After(lastRead) {
		return zero, false
	}
	intent := c.codec.Version(p.value)
	if p.started.After(intent) {
		intent = p.started
	}
	if !remoteVersion.Before(intent) {
		return zero, false
	}
	return p.value, true
}

// remoteWon settles the bookkeeping for id after a remote copy replaced the
// cached row. A write still in flight keeps its entry so its push can settle
// it. Caller holds c.mu.
func (c *Coordinator[T]) remoteWon(id string) {
	delete(c.requeued, id)
	p, ok := c.pending[id]
	if !ok {
		return
	}
	if p.running {
		p.superseded = true
		return
	}
	delete(c.pending, id)
}

// keepUnsynced makes sure the cache still holds v as unsynced after its push
// failed. Caller holds c.mu.
func (c *Coordinator[T]) keepUnsynced(ctx context.Context, id string, v T) {
	coll := c.Collection()
	row, err := c.local.Get(ctx, coll, id)
	if err != nil {
		c.log.Error("reading cache", "id", id, "error", err)
		return
	}
	if row != nil {
		if cur, ok := c.codec.FromRow(row); ok && !c.codec.Synced(cur) {
			return
		}
	}
	if err := c.local.Put(ctx, coll, c.row(c.codec.WithSynced(v, false), c.now())); err != nil {
		c.log.Error("restoring unsynced row", "id", id, "error", err)
	}
}

// requeue records a kept local write for the next retry pass. Caller holds c.mu.
func (c *Coordinator[T]) requeue(ctx context.Context, id string, v T) {
	c.requeued[id] = v
	c.otel.requeued.Add(ctx, 1, c.metricAttrs())
	c.log.Info("kept newer local write over remote copy", "id", id)
}

// Get returns the cached entity id, if any, and refreshes it from the remote
// store in the background. The future resolves to [remote.ErrNotFound] when
// the remote no longer has it.
func (c *Coordinator[T]) Get(ctx context.Context, id string) (T, bool, *Future[T]) {
	var cached T
	found := false

	row, err := c.local.Get(ctx, c.Collection(), id)
	switch {
	case err != nil:
		c.log.Error("reading cache", "id", id, "error", err)
	case row != nil:
		if cached, found = c.codec.FromRow(row); !found {
			c.skip(ctx, "row", id)
		}
	}

	fut := newFuture[T]()
	go func() { fut.resolve(c.refreshOne(ctx, id, cached, found)) }()
	return cached, found, fut
}

func (c *Coordinator[T]) refreshOne(ctx context.Context, id string, cached T, found bool) (T, error) {
	coll := c.Collection()
	var zero T

	doc, err := c.remote.Get(ctx, coll, id)
	if err != nil {
		if found && remote.IsTransient(err) {
			c.otel.fallbacks.Add(ctx, 1, c.metricAttrs())
			c.log.Warn("remote get failed, serving cache", "id", id, "error", err)
			return cached, nil
		}
		return zero, fmt.Errorf("getting %s %s: %w", coll, id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if doc == nil {
		if p, ok := c.pending[id]; ok {
			return p.value, nil
		}
		if found {
			if err := c.local.Delete(ctx, coll, id); err != nil {
				return zero, fmt.Errorf("pruning %s %s: %w", coll, id, err)
			}
		}
		return zero, fmt.Errorf("getting %s %s: %w", coll, id, remote.ErrNotFound)
	}

	v, ok := c.codec.FromRemote(*doc)
	if !ok {
		c.skip(ctx, "document", id)
		if found {
			return cached, nil
		}
		return zero, fmt.Errorf("getting %s %s: %w", coll, id, ErrMalformed)
	}
	if uid, ok := c.session.CurrentUserID(); ok {
		v = c.codec.Bind(v, uid)
	}
	if kept, ok := c.newerLocal(id, c.codec.Version(v), time.Time{}); ok {
		c.requeue(ctx, id, kept)
		return kept, nil
	}

	v = c.codec.WithSynced(v, true)
	if err := c.local.Put(ctx, coll, c.row(v, c.now())); err != nil {
		return zero, fmt.Errorf("caching %s %s: %w", coll, id, err)
	}
	c.remoteWon(id)
	c.otel.rowsWritten.Add(ctx, 1, c.metricAttrs())
	return v, nil
}

// Mutate writes v to the remote store. With optimistic set, v is cached as
// unsynced before Mutate returns; otherwise the cache is only written once
// the remote confirms. The future resolves to the synced value, or to the
// remote error with the cached row left unsynced for a later retry pass.
//
// Mutate panics if no user is signed in.
func (c *Coordinator[T]) Mutate(ctx context.Context, v T, optimistic bool) (*Future[T], error) {
	c.mustUser("mutate")

	coll := c.Collection()
	id := c.codec.ID(v)
	if id == "" {
		return nil, fmt.Errorf("mutating %s: entity has no id", coll)
	}

	var seq uint64
	if optimistic {
		v = c.codec.WithSynced(v, false)

		c.mu.Lock()
		now := c.now()
		if err := c.local.Put(ctx, coll, c.row(v, now)); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("caching %s %s: %w", coll, id, err)
		}
		seq = c.track(id, v, now)
		c.mu.Unlock()
	}

	fut := newFuture[T]()
	go func() { fut.resolve(c.push(ctx, v, seq)) }()
	return fut, nil
}

// track records a running local write for id. Caller holds c.mu.
func (c *Coordinator[T]) track(id string, v T, started time.Time) uint64 {
	c.seq++
	c.pending[id] = &pendingWrite[T]{seq: c.seq, started: started, value: v, running: true}
	return c.seq
}

// push sends v to the remote store and settles the bookkeeping for the write
// numbered seq (zero for a non-optimistic write).
func (c *Coordinator[T]) push(ctx context.Context, v T, seq uint64) (T, error) {
	coll := c.Collection()
	id := c.codec.ID(v)

	ctx, span := c.otel.tracer.Start(ctx, spanMutate, trace.WithAttributes(
		attribute.String("sync.collection", coll),
		attribute.String("sync.id", id),
		attribute.Bool("sync.optimistic", seq != 0),
	))
	defer span.End()

	err := c.remote.Set(ctx, coll, id, c.codec.ToRemote(v), true)

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[id]
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "remote write failed")
		if p != nil && p.seq == seq {
			if p.superseded {
				delete(c.pending, id)
				c.log.Warn("remote write failed after a remote update replaced it, dropped", "id", id, "error", err)
				return v, fmt.Errorf("writing %s %s: %w", coll, id, err)
			}
			p.running = false
			c.keepUnsynced(context.WithoutCancel(ctx), id, p.value)
		}
		c.log.Warn("remote write failed, left unsynced", "id", id, "error", err)
		return v, fmt.Errorf("writing %s %s: %w", coll, id, err)
	}

	synced := c.codec.WithSynced(v, true)
	own := (seq == 0 && p == nil) || (seq != 0 && p != nil && p.seq == seq)
	if !own {
		// A newer local write for id is outstanding and settles itself.
		return synced, nil
	}
	delete(c.pending, id)
	delete(c.requeued, id)
	if err := c.local.Put(ctx, coll, c.row(synced, c.now())); err != nil {
		return synced, fmt.Errorf("caching %s %s: %w", coll, id, err)
	}
	return synced, nil
}

// Remove deletes id from the remote store and the cache. With optimistic set
// the cached row is dropped before Remove returns and restored if the remote
// delete fails.
//
// Remove panics if no user is signed in.
func (c *Coordinator[T]) Remove(ctx context.Context, id string, optimistic bool) (*Future[struct{}], error) {
	c.mustUser("remove")
	coll := c.Collection()

	var prev localstore.Row
	if optimistic {
		c.mu.Lock()
		row, err := c.local.Get(ctx, coll, id)
		if err == nil {
			err = c.local.Delete(ctx, coll, id)
		}
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("removing cached %s %s: %w", coll, id, err)
		}
		prev = row
		delete(c.pending, id)
		delete(c.requeued, id)
		c.mu.Unlock()
	}

	fut := newFuture[struct{}]()
	go func() { fut.resolve(struct{}{}, c.pushDelete(ctx, id, prev)) }()
	return fut, nil
}

func (c *Coordinator[T]) pushDelete(ctx context.Context, id string, prev localstore.Row) error {
	coll := c.Collection()
	err := c.remote.Delete(ctx, coll, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if prev != nil {
			if cur, gerr := c.local.Get(ctx, coll, id); gerr == nil && cur == nil {
				if perr := c.local.Put(ctx, coll, prev); perr != nil {
					c.log.Error("restoring cached row", "id", id, "error", perr)
				}
			}
		}
		return fmt.Errorf("deleting %s %s: %w", coll, id, err)
	}
	delete(c.pending, id)
	delete(c.requeued, id)
	if err := c.local.Delete(ctx, coll, id); err != nil {
		return fmt.Errorf("removing cached %s %s: %w", coll, id, err)
	}
	return nil
}

// Pending returns every cached entity not yet confirmed by the remote store,
// oldest first.
func (c *Coordinator[T]) Pending(ctx context.Context) ([]T, error) {
	rows, err := c.local.Query(ctx, c.Collection(), localstore.Query{
		Where:   []localstore.Cond{localstore.Eq(codec.ColSynced, 0)},
		OrderBy: codec.ColUpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("reading pending %s: %w", c.Collection(), err)
	}
	return c.decodeRows(ctx, rows), nil
}

// RetryPending re-issues every unsynced entity and every re-queued local
// write to the remote store once. Writes still in flight are skipped. The
// returned error joins the individual failures.
func (c *Coordinator[T]) RetryPending(ctx context.Context) (RetryStats, error) {
	var stats RetryStats

	pending, err := c.Pending(ctx)
	if err != nil {
		return stats, err
	}

	type job struct {
		v   T
		seq uint64
	}

	c.mu.Lock()
	byID := make(map[string]T, len(pending)+len(c.requeued))
	for _, v := range pending {
		byID[c.codec.ID(v)] = v
	}
	for id, v := range c.requeued {
		byID[id] = v
	}
	jobs := make([]job, 0, len(byID))
	now := c.now()
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		started := now
		if p, ok := c.pending[id]; ok {
			if p.running {
				continue
			}
			started = p.started
		}
		v := c.codec.WithSynced(byID[id], false)
		jobs = append(jobs, job{v: v, seq: c.track(id, v, started)})
	}
	c.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		stats.Attempted++
		if _, err := c.push(ctx, j.v, j.seq); err != nil {
			stats.Failed++
			errs = append(errs, err)
			continue
		}
		stats.Synced++
	}
	if stats.Attempted > 0 {
		c.otel.retried.Add(ctx, int64(stats.Attempted), c.metricAttrs())
		c.log.Info("retried unsynced writes", "attempted", stats.Attempted, "synced", stats.Synced, "failed", stats.Failed)
	}
	return stats, errors.Join(errs...)
}

// Evict purges synced rows cached before the cutoff. Unsynced rows are never
// evicted.
func (c *Coordinator[T]) Evict(ctx context.Context, before time.Time) (int64, error) {
	n, err := c.local.DeleteWhere(ctx, c.Collection(),
		localstore.Eq(codec.ColSynced, 1),
		localstore.Where(codec.ColCachedAt, localstore.OpLt, before.UnixMilli()),
	)
	if err != nil {
		return 0, fmt.Errorf("evicting %s: %w", c.Collection(), err)
	}
	if n > 0 {
		c.otel.evicted.Add(ctx, n, c.metricAttrs())
	}
	return n, nil
}

func (c *Coordinator[T]) mustUser(op string) {
	if _, ok := c.session.CurrentUserID(); !ok {
		panic(fmt.Sprintf("sync: %s on %s with no signed-in user", op, c.Collection()))
	}
}

func (c *Coordinator[T]) scopeQuery(scope string) localstore.Query {
	field, desc := c.codec.Order()
	return localstore.Query{Where: c.codec.LocalScope(scope), OrderBy: field, Desc: desc}
}

func (c *Coordinator[T]) row(v T, cachedAt time.Time) localstore.Row {
	r := c.codec.ToRow(v)
	r[codec.ColCachedAt] = cachedAt.UnixMilli()
	return r
}

func (c *Coordinator[T]) decodeRows(ctx context.Context, rows []localstore.Row) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, ok := c.codec.FromRow(row)
		if !ok {
			c.skip(ctx, "row", row.ID())
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c *Coordinator[T]) skip(ctx context.Context, kind, id string) {
	c.otel.skipped.Add(ctx, 1, c.metricAttrs())
	c.log.Warn("skipping malformed record", "kind", kind, "id", id)
}

// sort orders vs by the collection's order key, ties broken by id.
func (c *Coordinator[T]) sort(vs []T) {
	_, desc := c.codec.Order()
	slices.SortStableFunc(vs, func(a, b T) int {
		n := c.codec.SortKey(a).Compare(c.codec.SortKey(b))
		if desc {
			n = -n
		}
		if n == 0 {
			n = strings.Compare(c.codec.ID(a), c.codec.ID(b))
		}
		return n
	})
}

func (c *Coordinator[T]) metricAttrs() metric.AddOption {
	return metric.WithAttributes(attribute.String("collection", c.Collection()))
}
