package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// spawn starts the child, waits for exit, timeout or cancellation, and
// classifies the outcome.
func (s *Shell) spawn(ctx context.Context, inv Invocation, logger *slog.Logger) (*Result, error) {
	if err := ctx.Err(); err != nil {
		serr := &Error{Command: inv.Command, ExitCode: -1, Err: err}
		s.finished(ctx, inv, StateLaunchFailed, nil, serr, logger)
		return nil, serr
	}

	path, err := exec.LookPath(inv.Command)
	if err != nil {
		serr := launchError(inv.Command, err)
		logger.Warn("command not launched", "error", serr)
		s.finished(ctx, inv, StateLaunchFailed, nil, serr, logger)
		return nil, serr
	}

	// Don't use CommandContext: termination is SIGTERM first, then SIGKILL.
	cmd := exec.Command(path, inv.Args...)
	cmd.Args[0] = inv.Command
	cmd.Dir = s.dir
	// Bound the wait for pipes held open by orphaned grandchildren.
	cmd.WaitDelay = s.grace
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: s.maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger.Debug("spawning process", "path", path, "args", inv.Args, "timeout", s.timeout)

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		serr := launchError(inv.Command, err)
		logger.Warn("command not launched", "error", serr)
		s.finished(ctx, inv, StateLaunchFailed, nil, serr, logger)
		return nil, serr
	}
	s.launched(ctx, inv, logger)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var (
		werr   error
		reason error
	)
	select {
	case werr = <-waitErr:
	case <-timeoutC:
		logger.Warn("process timed out, sending SIGTERM", "timeout", s.timeout)
		werr = s.terminate(cmd, waitErr, logger)
		reason = ErrTimedOut
	case <-ctx.Done():
		logger.Warn("context done, sending SIGTERM", "error", ctx.Err())
		werr = s.terminate(cmd, waitErr, logger)
		reason = ctx.Err()
	}
	if errors.Is(werr, exec.ErrWaitDelay) {
		logger.Warn("output pipes still open after exit, output may be incomplete")
		werr = nil
	}

	res := &Result{
		InvocationID:    inv.ID,
		Command:         inv.Command,
		Args:            inv.Args,
		ExitCode:        exitCode(cmd, werr),
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StderrTruncated: stderr.truncated,
		StartedAt:       startedAt.UTC(),
		Duration:        time.Since(startedAt),
	}

	var rerr error
	switch {
	case errors.Is(reason, ErrTimedOut):
		rerr = &Error{
			Kind:     ErrTimedOut,
			Command:  inv.Command,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      fmt.Errorf("after %v", s.timeout),
		}
	case reason != nil:
		rerr = &Error{Command: inv.Command, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: reason}
	case werr != nil:
		var exitErr *exec.ExitError
		if errors.As(werr, &exitErr) {
			rerr = &Error{Kind: ErrNonZeroExit, Command: inv.Command, ExitCode: res.ExitCode, Stderr: res.Stderr}
		} else {
			rerr = &Error{Kind: ErrLaunchFailure, Command: inv.Command, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: fmt.Errorf("wait for process: %w", werr)}
		}
	}

	if rerr != nil {
		logger.Info("process failed", "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds(), "error", rerr)
	} else {
		logger.Info("process completed", "exit_code", 0, "duration_ms", res.Duration.Milliseconds())
	}
	s.finished(ctx, inv, StateCompleted, res, rerr, logger)
	return res, rerr
}

// terminate sends SIGTERM, waits for the grace period, then SIGKILL.
// It returns the process's wait error.
func (s *Shell) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(s.grace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("process exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		return <-waitErr
	}
}

// launchError classifies errors from LookPath and Start.
func launchError(command string, err error) *Error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: ErrExecutableNotFound, Command: command, ExitCode: -1, Err: err}
	}
	return &Error{Kind: ErrLaunchFailure, Command: command, ExitCode: -1, Err: err}
}

// exitCode is 0 on success, the status on a normal non-zero exit and -1 when
// the process was killed by a signal or never produced a status.
func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// cappedBuffer keeps the first max bytes written and drops the rest while
// still reporting full writes, so the child never sees a broken pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
