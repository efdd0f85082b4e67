package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/penpalsync/penpalsync/internal/remote"
)

// Event is one remote change after it was applied to the cache. Value is
// the zero T for removals.
type Event[T any] struct {
	Kind  remote.ChangeKind
	ID    string
	Value T
}

// Handle is an active realtime listener. It must be released with
// [Handle.Release] to stop the remote watch.
type Handle struct {
	collection string
	scope      string
	cancel     context.CancelFunc
	watch      remote.Watch
	done       chan struct{}
	once       sync.Once
	onRelease  func(*Handle)
}

// Collection returns the listened collection.
func (h *Handle) Collection() string { return h.collection }

// Scope returns the listened scope key.
func (h *Handle) Scope() string { return h.scope }

// Done is closed once the listener goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Release stops the listener and waits for it to exit. It is safe to call
// more than once, but not from inside the listener's event callback.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.cancel()
		h.watch.Stop()
		<-h.done
		if h.onRelease != nil {
			h.onRelease(h)
		}
	})
}

// Listen subscribes to remote changes of scope and applies them to the cache:
// added and modified documents are written as synced rows, removed ones are
// deleted. fn, if non-nil, receives every applied change; the first batch is
// the remote's initial snapshot. A listener already active for scope is
// released first.
func (c *Coordinator[T]) Listen(ctx context.Context, scope string, fn func(Event[T])) (*Handle, error) {
	coll := c.Collection()

	c.mu.Lock()
	prev := c.listeners[scope]
	c.mu.Unlock()
	if prev != nil {
		prev.Release()
	}

	lctx, cancel := context.WithCancel(ctx)
	field, desc := c.codec.Order()
	w, err := c.remote.Listen(lctx, coll, remote.Query{
		Filters: c.codec.RemoteScope(scope),
		OrderBy: field,
		Desc:    desc,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listening to %s for %s: %w", coll, scope, err)
	}

	h := &Handle{
		collection: coll,
		scope:      scope,
		cancel:     cancel,
		watch:      w,
		done:       make(chan struct{}),
	}
	h.onRelease = func(h *Handle) {
		c.mu.Lock()
		if c.listeners[scope] == h {
			delete(c.listeners, scope)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	other := c.listeners[scope]
	c.listeners[scope] = h
	c.mu.Unlock()
	if other != nil {
		other.Release()
	}

	go c.listen(lctx, h, fn)
	c.log.Debug("listener started", "scope", scope)
	return h, nil
}

// Watch is [Coordinator.Listen] without a callback.
func (c *Coordinator[T]) Watch(ctx context.Context, scope string) (*Handle, error) {
	return c.Listen(ctx, scope, nil)
}

// Listeners returns the number of active listeners.
func (c *Coordinator[T]) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Coordinator[T]) listen(ctx context.Context, h *Handle, fn func(Event[T])) {
	defer close(h.done)
	for {
		changes, err := h.watch.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("listener stopped", "scope", h.scope, "error", err)
			}
			return
		}
		for _, ch := range changes {
			ev, ok, err := c.apply(ctx, h.scope, ch)
			if err != nil {
				c.log.Error("applying remote change", "scope", h.scope, "id", ch.Doc.ID, "kind", ch.Kind.String(), "error", err)
				continue
			}
			if ok && fn != nil {
				fn(ev)
			}
		}
	}
}

// apply writes one remote change through to the cache. A pending local write
// for the same id takes precedence over removals and older versions.
func (c *Coordinator[T]) apply(ctx context.Context, scope string, ch remote.Change) (Event[T], bool, error) {
	coll := c.Collection()
	id := ch.Doc.ID

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch.Kind == remote.Removed {
		if _, ok := c.pending[id]; ok {
			return Event[T]{}, false, nil
		}
		if err := c.local.Delete(ctx, coll, id); err != nil {
			return Event[T]{}, false, fmt.Errorf("removing cached %s %s: %w", coll, id, err)
		}
		return Event[T]{Kind: remote.Removed, ID: id}, true, nil
	}

	v, ok := c.codec.FromRemote(ch.Doc)
	if !ok {
		c.skip(ctx, "document", id)
		return Event[T]{}, false, nil
	}
	v = c.codec.Bind(v, scope)

	if kept, ok := c.newerLocal(id, c.codec.Version(v), c.lastRead[scope]); ok {
		c.requeue(ctx, id, kept)
		return Event[T]{Kind: ch.Kind, ID: id, Value: kept}, true, nil
	}

	v = c.codec.WithSynced(v, true)
	if err := c.local.Put(ctx, coll, c.row(v, c.now())); err != nil {
		return Event[T]{}, false, fmt.Errorf("caching %s %s: %w", coll, id, err)
	}
	c.remoteWon(id)
	c.otel.rowsWritten.Add(ctx, 1, c.metricAttrs())
	return Event[T]{Kind: ch.Kind, ID: id, Value: v}, true, nil
}
