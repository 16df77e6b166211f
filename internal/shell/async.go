package shell

import (
	"context"

	"github.com/mattjoyce/shellcall/internal/future"
)

// AsyncShell issues invocations without waiting for them.
type AsyncShell struct {
	runner Runner
}

// NewAsync creates an asynchronous shell over a fresh Shell.
func NewAsync(opts ...Option) *AsyncShell {
	return Async(New(opts...))
}

// Async makes any Runner asynchronous, e.g. a policy.Guard around a Shell.
func Async(r Runner) *AsyncShell {
	return &AsyncShell{runner: r}
}

// Invoke starts name with args and returns at once. An invalid invocation
// yields a future that fails immediately.
func (a *AsyncShell) Invoke(ctx context.Context, name string, args ...string) *future.Future[*Result] {
	inv, err := NewInvocation(name, args...)
	if err != nil {
		return future.Go(ctx, func(context.Context) (*Result, error) {
			return nil, err
		})
	}
	return a.Start(ctx, inv)
}

// Start runs inv in its own goroutine. Cancelling the future terminates the child.
func (a *AsyncShell) Start(ctx context.Context, inv Invocation) *future.Future[*Result] {
	return future.Go(ctx, func(ctx context.Context) (*Result, error) {
		return a.runner.Run(ctx, inv)
	})
}
