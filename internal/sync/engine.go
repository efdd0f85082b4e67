package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// warmConcurrency bounds parallel warm-up fetches per collection.
const warmConcurrency = 4

// Syncer is the collection-independent view of a [Coordinator] the engine
// drives. Implemented by [Coordinator].
type Syncer interface {
	Collection() string
	Warm(ctx context.Context, scope string) error
	Watch(ctx context.Context, scope string) (*Handle, error)
	RetryPending(ctx context.Context) (RetryStats, error)
	Evict(ctx context.Context, before time.Time) (int64, error)
}

// Target binds a collection to the scopes the engine keeps fresh.
type Target struct {
	Syncer Syncer

	// Scopes lists the scope keys for the signed-in user. Nil means the
	// user id itself. Targets are warmed in order, so Scopes may read what
	// an earlier target cached.
	Scopes func(ctx context.Context, userID string) ([]string, error)

	// NoListen disables realtime listeners for the target.
	NoListen bool
}

// Stats tracks the work done by one engine pass.
type Stats struct {
	Warmed  int
	Retried int
	Synced  int
	Failed  int
	Evicted int64
}

// Engine runs the background sync lifecycle: warm-up, realtime listeners,
// a periodic retry pass for unsynced writes and TTL eviction. Create one
// with [NewEngine] and start it with [Engine.Run].
type Engine struct {
	targets  []Target
	session  Session
	interval time.Duration
	ttl      time.Duration
	backoff  backoff
	log      *slog.Logger
	now      func() time.Time
	otel     instruments

	mu      sync.Mutex
	handles []*Handle
}

// NewEngine creates an Engine. interval is the retry/eviction period and ttl
// the maximum age of synced cache rows.
func NewEngine(targets []Target, sess Session, interval, ttl time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		targets:  targets,
		session:  sess,
		interval: interval,
		ttl:      ttl,
		backoff:  defaultBackoff(),
		log:      logger,
		now:      time.Now,
		otel:     newInstruments(logger),
	}
}

// ErrNoUser is returned when the engine is started with nobody signed in.
var ErrNoUser = errors.New("no signed-in user")

// RunOnce performs a single pass: retry unsynced writes, warm every target
// for the signed-in user and evict expired rows.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	uid, ok := e.session.CurrentUserID()
	if !ok {
		return Stats{}, ErrNoUser
	}

	stats, retryErr := e.retryPass(ctx)
	warmed, warmErr := e.warm(ctx, uid)
	stats.Warmed = warmed
	evicted, evictErr := e.evict(ctx)
	stats.Evicted = evicted
	return stats, errors.Join(retryErr, warmErr, evictErr)
}

// Run warms the cache, starts listeners and then ticks until ctx is
// cancelled. Listeners are released on return.
func (e *Engine) Run(ctx context.Context) error {
	uid, ok := e.session.CurrentUserID()
	if !ok {
		return ErrNoUser
	}

	// Unsynced writes go out before the warm-up so it cannot clobber them.
	if _, err := e.retryPass(ctx); err != nil {
		e.log.Warn("initial retry pass incomplete", "error", err)
	}
	if _, err := e.warm(ctx, uid); err != nil {
		e.log.Error("initial warm-up failed", "error", err)
	}
	e.startListeners(ctx, uid)
	defer e.Release()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.tick(ctx); err != nil {
				e.log.Error("sync tick failed", "error", err)
			}
		}
	}
}

// Release stops every listener the engine started. It is safe to call
// concurrently with Run and more than once.
func (e *Engine) Release() {
	e.mu.Lock()
	handles := e.handles
	e.handles = nil
	e.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	if len(handles) > 0 {
		e.log.Info("released listeners", "count", len(handles))
	}
}

// tick runs one periodic pass, recording a trace span.
func (e *Engine) tick(ctx context.Context) (Stats, error) {
	ctx, span := e.otel.tracer.Start(ctx, spanTick)
	defer span.End()

	if _, ok := e.session.CurrentUserID(); !ok {
		e.log.Debug("no signed-in user, skipping tick")
		return Stats{}, nil
	}

	stats, err := e.retryPass(ctx)
	evicted, evictErr := e.evict(ctx)
	stats.Evicted = evicted
	err = errors.Join(err, evictErr)

	span.SetAttributes(
		attribute.Int("sync.retried", stats.Retried),
		attribute.Int("sync.synced", stats.Synced),
		attribute.Int("sync.failed", stats.Failed),
		attribute.Int64("sync.evicted", stats.Evicted),
	)
	if err != nil {
		span.RecordError(err)
	}
	if stats.Retried > 0 || stats.Evicted > 0 {
		e.log.Info("sync tick", "retried", stats.Retried, "synced", stats.Synced, "failed", stats.Failed, "evicted", stats.Evicted)
	}
	return stats, err
}

// retryPass runs every target's retry pass concurrently, each with bounded
// exponential backoff on transient failures.
func (e *Engine) retryPass(ctx context.Context) (Stats, error) {
	var (
		mu    sync.Mutex
		stats Stats
		g     errgroup.Group
	)
	for _, t := range e.targets {
		g.Go(func() error {
			var failed int
			err := e.retry(ctx, t.Syncer.Collection(), func() error {
				rs, err := t.Syncer.RetryPending(ctx)
				mu.Lock()
				stats.Retried += rs.Attempted
				stats.Synced += rs.Synced
				mu.Unlock()
				failed = rs.Failed
				return err
			})
			mu.Lock()
			stats.Failed += failed
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("retrying %s: %w", t.Syncer.Collection(), err)
			}
			return nil
		})
	}
	return stats, g.Wait()
}

// warm fetches every scope of every target, target by target.
func (e *Engine) warm(ctx context.Context, uid string) (int, error) {
	var (
		mu     sync.Mutex
		warmed int
		errs   []error
	)
	for _, t := range e.targets {
		scopes, err := e.scopes(ctx, t, uid)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		var g errgroup.Group
		g.SetLimit(warmConcurrency)
		for _, scope := range scopes {
			g.Go(func() error {
				err := t.Syncer.Warm(ctx, scope)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, fmt.Errorf("warming %s for %s: %w", t.Syncer.Collection(), scope, err))
					return nil
				}
				warmed++
				return nil
			})
		}
		_ = g.Wait()
	}
	e.log.Debug("warm-up finished", "scopes", warmed, "errors", len(errs))
	return warmed, errors.Join(errs...)
}

func (e *Engine) startListeners(ctx context.Context, uid string) {
	for _, t := range e.targets {
		if t.NoListen {
			continue
		}
		scopes, err := e.scopes(ctx, t, uid)
		if err != nil {
			e.log.Error("resolving listener scopes", "collection", t.Syncer.Collection(), "error", err)
			continue
		}
		for _, scope := range scopes {
			h, err := t.Syncer.Watch(ctx, scope)
			if err != nil {
				e.log.Error("starting listener, falling back to polling", "collection", t.Syncer.Collection(), "scope", scope, "error", err)
				continue
			}
			e.mu.Lock()
			e.handles = append(e.handles, h)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) evict(ctx context.Context) (int64, error) {
	before := e.now().Add(-e.ttl)
	var (
		total int64
		errs  []error
	)
	for _, t := range e.targets {
		n, err := t.Syncer.Evict(ctx, before)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (e *Engine) scopes(ctx context.Context, t Target, uid string) ([]string, error) {
	if t.Scopes == nil {
		return []string{uid}, nil
	}
	scopes, err := t.Scopes(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("resolving %s scopes: %w", t.Syncer.Collection(), err)
	}
	return scopes, nil
}
