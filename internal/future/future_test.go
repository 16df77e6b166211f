package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoWait(t *testing.T) {
	fu := Go(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})

	v, err := fu.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, fu.IsDone())

	// Wait is repeatable.
	v, err = fu.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGoError(t *testing.T) {
	boom := errors.New("boom")
	fu := Go(context.Background(), func(ctx context.Context) (string, error) {
		return "", boom
	})

	_, err := fu.Wait()
	assert.ErrorIs(t, err, boom)
}

func TestIsDoneBeforeCompletion(t *testing.T) {
	release := make(chan struct{})
	fu := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	assert.False(t, fu.IsDone())
	close(release)
	<-fu.Done()
	assert.True(t, fu.IsDone())
}

func TestCancel(t *testing.T) {
	fu := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	fu.Cancel()
	_, err := fu.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitAllKeepsIssueOrder(t *testing.T) {
	ctx := context.Background()

	slow := Go(ctx, func(ctx context.Context) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	})
	fast := Go(ctx, func(ctx context.Context) (string, error) {
		return "fast", nil
	})

	res, err := WaitAll(ctx, slow, fast)
	require.NoError(t, err)
	assert.Equal(t, []string{"slow", "fast"}, res)
}

func TestWaitAllCollectsEveryError(t *testing.T) {
	ctx := context.Background()
	errA := errors.New("a failed")
	errC := errors.New("c failed")

	a := Go(ctx, func(ctx context.Context) (int, error) { return -1, errA })
	b := Go(ctx, func(ctx context.Context) (int, error) { return 2, nil })
	c := Go(ctx, func(ctx context.Context) (int, error) { return -3, errC })

	res, err := WaitAll(ctx, a, b, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Contains(t, err.Error(), "future 0")
	assert.Contains(t, err.Error(), "future 2")
	// Partial results are still returned.
	assert.Equal(t, []int{-1, 2, -3}, res)
}

func TestWaitAllContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	fu := Go(context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	<-started
	cancel()

	_, err := WaitAll(ctx, fu)
	assert.ErrorIs(t, err, context.Canceled)

	// The pending future was cancelled too.
	_, err = fu.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitAllEmpty(t *testing.T) {
	res, err := WaitAll[int](context.Background())
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestWaitTimeout(t *testing.T) {
	fu := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	_, err := WaitTimeout(20*time.Millisecond, fu)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = fu.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitTimeoutCompletes(t *testing.T) {
	fu := Go(context.Background(), func(ctx context.Context) (int, error) {
		return 7, nil
	})

	v, err := WaitTimeout(time.Second, fu)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
