package sync

import "context"

// Future is the eventual result of a background remote operation. It is
// resolved exactly once; a caller that stops waiting leaks nothing.
type Future[V any] struct {
	done chan struct{}
	val  V
	err  error
}

func newFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// Resolved returns an already completed future.
func Resolved[V any](v V, err error) *Future[V] {
	f := newFuture[V]()
	f.resolve(v, err)
	return f
}

func (f *Future[V]) resolve(v V, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
