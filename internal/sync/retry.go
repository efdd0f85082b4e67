package sync

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/penpalsync/penpalsync/internal/remote"
)

// Default retry schedule of the engine's retry pass.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// backoff is an exponential retry schedule with jitter.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

func defaultBackoff() backoff {
	return backoff{attempts: defaultMaxAttempts, base: defaultBaseDelay, max: defaultMaxDelay}
}

// delay returns the wait after failed attempt n (zero-based): base doubled
// n times and capped at max, then jittered into [d/2, d).
func (b backoff) delay(n int) time.Duration {
	d := min(b.base, b.max)
	for range n {
		if d >= b.max/2 {
			d = b.max
			break
		}
		d *= 2
	}
	return d/2 + rand.N(d/2) //nolint:gosec // jitter does not need crypto/rand
}

// retry calls fn until it succeeds or fails with anything but a transient
// remote error, at most e.backoff.attempts times. what names the work in
// debug logs.
func (e *Engine) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for n := range e.backoff.attempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry cancelled: %w", ctxErr)
		}
		if err = fn(); err == nil || !remote.IsTransient(err) {
			return err
		}
		if n == e.backoff.attempts-1 {
			break
		}

		wait := e.backoff.delay(n)
		e.log.Debug("transient failure, backing off", "op", what, "attempt", n+1, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", e.backoff.attempts, err)
}
