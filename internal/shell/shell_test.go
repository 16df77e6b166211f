package shell

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shellcall/internal/future"
	"github.com/mattjoyce/shellcall/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX userland")
	}
	for _, bin := range []string{"sh", "printf", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not on PATH", bin)
		}
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	types  []string
	states []State
}

func (p *fakePublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	if tr, ok := data.(Transition); ok {
		p.states = append(p.states, tr.State)
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (r *fakeRecorder) Record(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func TestInvoke_CapturesStdout(t *testing.T) {
	requireUnix(t)
	sh := New()

	res, err := sh.Invoke(context.Background(), "printf", "hello %s\n", "cabal")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello cabal\n", res.Stdout, "trailing newline is preserved")
	assert.Empty(t, res.Stderr)
	assert.Equal(t, "printf", res.Command)
	assert.NotEmpty(t, res.InvocationID)
	assert.False(t, res.StartedAt.IsZero())
	assert.True(t, res.Success())
}

func TestInvoke_ArgumentsAreNotShellParsed(t *testing.T) {
	requireUnix(t)
	sh := New()

	res, err := sh.Invoke(context.Background(), "printf", "%s|", "a b", "$HOME", "*", "x;y", `"q"`)
	require.NoError(t, err)
	assert.Equal(t, `a b|$HOME|*|x;y|"q"|`, res.Stdout)
}

func TestInvoke_StderrIsSeparate(t *testing.T) {
	requireUnix(t)
	sh := New()

	res, err := sh.Invoke(context.Background(), "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestInvoke_ExecutableNotFound(t *testing.T) {
	sh := New()

	start := time.Now()
	res, err := sh.Invoke(context.Background(), "shellcall-definitely-not-a-command")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrExecutableNotFound)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, KindExecutableNotFound, Classify(err))
	assert.Equal(t, 127, ExitStatus(err))
}

func TestInvoke_ExplicitPathMissing(t *testing.T) {
	requireUnix(t)
	sh := New()

	missing := filepath.Join(t.TempDir(), "nope")
	_, err := sh.Invoke(context.Background(), missing)
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestInvoke_NonZeroExit(t *testing.T) {
	requireUnix(t)
	sh := New()

	res, err := sh.Invoke(context.Background(), "sh", "-c", "echo partial; echo oops >&2; exit 3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonZeroExit)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 3, serr.ExitCode)
	assert.Equal(t, "oops\n", serr.Stderr)
	assert.Contains(t, serr.Error(), "exited with status 3: oops")

	require.NotNil(t, res, "result accompanies a non-zero exit")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, 3, ExitStatus(err))
}

func TestInvoke_LaunchFailure(t *testing.T) {
	requireUnix(t)
	sh := New()

	// Executable bit set but not a valid program.
	bogus := filepath.Join(t.TempDir(), "bogus")
	require.NoError(t, os.WriteFile(bogus, []byte{0x00, 0x01, 0x02, 0x03}, 0o755))

	res, err := sh.Invoke(context.Background(), bogus)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrLaunchFailure)
	assert.Equal(t, 126, ExitStatus(err))
}

func TestInvoke_NotExecutable(t *testing.T) {
	requireUnix(t)
	sh := New()

	plain := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\necho hi\n"), 0o644))

	_, err := sh.Invoke(context.Background(), plain)
	assert.ErrorIs(t, err, ErrLaunchFailure)
}

func TestInvoke_Timeout(t *testing.T) {
	requireUnix(t)
	sh := New(WithTimeout(100*time.Millisecond), WithGracePeriod(time.Second))

	start := time.Now()
	res, err := sh.Invoke(context.Background(), "sleep", "10")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, elapsed, 5*time.Second)
	require.NotNil(t, res)
	assert.Equal(t, 124, ExitStatus(err))
}

func TestInvoke_ContextCancel(t *testing.T) {
	requireUnix(t)
	sh := New(WithGracePeriod(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := sh.Invoke(ctx, "sleep", "10")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, KindCanceled, Classify(err))
}

func TestInvoke_AlreadyCancelled(t *testing.T) {
	pub := &fakePublisher{}
	sh := New(WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := sh.Invoke(ctx, "sleep", "10")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{EventCreated, EventLaunchFailed}, pub.types)
}

func TestInvoke_EmptyCommand(t *testing.T) {
	sh := New()

	_, err := sh.Invoke(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = sh.Run(context.Background(), Invocation{})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestInvoke_DirAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	sh := New(WithDir(dir), WithEnv(map[string]string{"SHELLCALL_TEST": "bar baz"}))

	res, err := sh.Invoke(context.Background(), "sh", "-c", `echo "$SHELLCALL_TEST"; pwd`)
	require.NoError(t, err)

	lines := res.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "bar baz", lines[0])

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(lines[1])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestInvoke_StderrCap(t *testing.T) {
	requireUnix(t)
	sh := New(WithMaxStderrBytes(10))

	res, err := sh.Invoke(context.Background(), "sh", "-c", "printf 0123456789abcdef >&2; printf done")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", res.Stderr)
	assert.True(t, res.StderrTruncated)
	assert.Equal(t, "done", res.Stdout)
}

func TestOutput(t *testing.T) {
	requireUnix(t)
	sh := New()

	out, err := sh.Output(context.Background(), "printf", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	out, err = sh.Output(context.Background(), "shellcall-definitely-not-a-command")
	assert.Error(t, err)
	assert.Empty(t, out)
}

func TestLifecycle_PublishAndRecord(t *testing.T) {
	requireUnix(t)
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	sh := New(WithPublisher(pub), WithRecorder(rec))

	_, err := sh.Invoke(context.Background(), "printf", "ok")
	require.NoError(t, err)

	assert.Equal(t, []string{EventCreated, EventLaunched, EventCompleted}, pub.types)
	assert.Equal(t, []State{StateCreated, StateLaunched, StateCompleted}, pub.states)

	require.Len(t, rec.records, 2)
	assert.Equal(t, StateLaunched, rec.records[0].State)
	assert.Nil(t, rec.records[0].Result)
	assert.Equal(t, StateCompleted, rec.records[1].State)
	require.NotNil(t, rec.records[1].Result)
	assert.Equal(t, "ok", rec.records[1].Result.Stdout)
	assert.Equal(t, rec.records[0].Invocation.ID, rec.records[1].Invocation.ID)
}

func TestLifecycle_LaunchFailed(t *testing.T) {
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	sh := New(WithPublisher(pub), WithRecorder(rec))

	_, err := sh.Invoke(context.Background(), "shellcall-definitely-not-a-command")
	require.Error(t, err)

	assert.Equal(t, []string{EventCreated, EventLaunchFailed}, pub.types)
	require.Len(t, rec.records, 1)
	assert.Equal(t, StateLaunchFailed, rec.records[0].State)
	assert.ErrorIs(t, rec.records[0].Err, ErrExecutableNotFound)
}

func TestLifecycle_RecorderErrorIsNotReturned(t *testing.T) {
	requireUnix(t)
	rec := &fakeRecorder{err: errors.New("disk full")}
	sh := New(WithRecorder(rec))

	_, err := sh.Invoke(context.Background(), "printf", "ok")
	assert.NoError(t, err)
	assert.Len(t, rec.records, 2)
}

func TestAsync_JoinIndependentOfCompletionOrder(t *testing.T) {
	requireUnix(t)
	ash := NewAsync()
	ctx := context.Background()

	slow := ash.Invoke(ctx, "sh", "-c", "sleep 0.3; echo slow")
	fast := ash.Invoke(ctx, "printf", "fast")

	// The fast one is done well before the slow one.
	<-fast.Done()
	assert.False(t, slow.IsDone())

	results, err := future.WaitAll(ctx, slow, fast)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "slow\n", results[0].Stdout)
	assert.Equal(t, "fast", results[1].Stdout)
}

func TestAsync_ErrorSurfacesAtWait(t *testing.T) {
	requireUnix(t)
	ash := NewAsync()
	ctx := context.Background()

	missing := ash.Invoke(ctx, "shellcall-definitely-not-a-command")
	failing := ash.Invoke(ctx, "sh", "-c", "exit 7")
	ok := ash.Invoke(ctx, "printf", "fine")

	results, err := future.WaitAll(ctx, missing, failing, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutableNotFound)
	assert.ErrorIs(t, err, ErrNonZeroExit)
	assert.Nil(t, results[0])
	assert.Equal(t, 7, results[1].ExitCode)
	assert.Equal(t, "fine", results[2].Stdout)
}

func TestAsync_InvalidInvocation(t *testing.T) {
	ash := NewAsync()

	_, err := ash.Invoke(context.Background(), "").Wait()
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestAsync_CancelTerminatesChild(t *testing.T) {
	requireUnix(t)
	ash := NewAsync(WithGracePeriod(time.Second))

	fu := ash.Invoke(context.Background(), "sleep", "10")
	time.Sleep(50 * time.Millisecond)
	fu.Cancel()

	_, err := future.WaitTimeout(5*time.Second, fu)
	assert.ErrorIs(t, err, context.Canceled)
}

type stubRunner struct {
	calls []Invocation
	mu    sync.Mutex
}

func (s *stubRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, inv)
	s.mu.Unlock()
	return &Result{InvocationID: inv.ID, Command: inv.Command, Stdout: "stub"}, nil
}

func TestAsync_OverRunner(t *testing.T) {
	stub := &stubRunner{}
	ash := Async(stub)

	inv, err := NewInvocation("ping", "cabal")
	require.NoError(t, err)

	res, err := ash.Start(context.Background(), inv).Wait()
	require.NoError(t, err)
	assert.Equal(t, inv.ID, res.InvocationID)
	require.Len(t, stub.calls, 1)
	assert.Equal(t, []string{"cabal"}, stub.calls[0].Args)
}
