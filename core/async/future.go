// Package async provides the cancellable execution primitives used by the
// transaction coordinator: resolve-once promises with any number of
// observers, a hierarchical work scheduler and a clock abstraction.
package async

import (
	"context"
	"sync"
)

// Future is the read side of a Promise. Any number of goroutines may wait on
// the same Future; all of them observe the same result.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Promise is the write side of a Future. It must be resolved exactly once.
type Promise[T any] struct {
	mu       sync.Mutex
	resolved bool
	future   *Future[T]
}

// NewPromise creates an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{future: &Future[T]{done: make(chan struct{})}}
}

// Future returns the future bound to this promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.future
}

// Resolve sets the result. Resolving a promise twice is a programming error
// and panics.
func (p *Promise[T]) Resolve(value T, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		panic("async: promise resolved twice")
	}
	p.resolved = true
	p.future.value = value
	p.future.err = err
	close(p.future.done)
}

// IsResolved reports whether Resolve has been called.
func (p *Promise[T]) IsResolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// MakeReadyFuture returns an already-resolved future.
func MakeReadyFuture[T any](value T, err error) *Future[T] {
	p := NewPromise[T]()
	p.Resolve(value, err)
	return p.Future()
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsReady reports whether the future has been resolved.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future is resolved or ctx is done. A ctx error does
// not affect the future itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved value without blocking. ok is false while the
// future is still pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	if !f.IsReady() {
		return value, nil, false
	}
	return f.value, f.err, true
}
