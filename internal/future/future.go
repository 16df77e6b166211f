// Package future provides a handle for a value computed in another goroutine,
// plus helpers to join several of them.
package future

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Future is the eventual result of fn started by Go. The zero value is not usable.
type Future[T any] struct {
	res    T
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Go starts fn in a new goroutine and returns its Future immediately.
// fn receives a child of ctx that is cancelled by Cancel.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	childCtx, cancel := context.WithCancel(ctx)
	fu := &Future[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(fu.done)
		defer cancel()
		fu.res, fu.err = fn(childCtx)
	}()

	return fu
}

// Wait blocks until fn returns.
func (fu *Future[T]) Wait() (T, error) {
	<-fu.done
	return fu.res, fu.err
}

// Done is closed once the result is available.
func (fu *Future[T]) Done() <-chan struct{} {
	return fu.done
}

// IsDone reports whether the result is available without blocking.
func (fu *Future[T]) IsDone() bool {
	select {
	case <-fu.done:
		return true
	default:
		return false
	}
}

// Cancel cancels the context passed to fn. It does not wait.
func (fu *Future[T]) Cancel() {
	fu.cancel()
}

// WaitAll waits for every future and returns their results in argument order,
// whatever order they complete in. Failures do not stop the wait: every error
// is wrapped with its index and joined. If ctx ends first, all futures are
// cancelled and ctx.Err() is returned.
func WaitAll[T any](ctx context.Context, fus ...*Future[T]) ([]T, error) {
	res := make([]T, len(fus))
	var errs []error

	for i, fu := range fus {
		select {
		case <-fu.Done():
		case <-ctx.Done():
			for _, f := range fus {
				f.Cancel()
			}
			return nil, ctx.Err()
		}

		r, err := fu.Wait()
		res[i] = r
		if err != nil {
			errs = append(errs, fmt.Errorf("future %d: %w", i, err))
		}
	}

	return res, errors.Join(errs...)
}

// WaitTimeout waits up to d for fu. On expiry fu is cancelled and
// context.DeadlineExceeded is returned.
func WaitTimeout[T any](d time.Duration, fu *Future[T]) (r T, err error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-fu.Done():
		return fu.Wait()
	case <-timer.C:
		fu.Cancel()
		return r, context.DeadlineExceeded
	}
}
