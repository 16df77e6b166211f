package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExecutableNotFound means the command name did not resolve on PATH.
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrLaunchFailure means the executable was found but could not be started.
	ErrLaunchFailure = errors.New("launch failure")

	// ErrNonZeroExit means the child ran and exited with a non-zero status.
	ErrNonZeroExit = errors.New("non-zero exit")

	// ErrTimedOut means the child was stopped after its timeout elapsed.
	ErrTimedOut = errors.New("timed out")
)

// Error describes a failed invocation. Kind is one of the Err* sentinels
// above, or nil when the invocation was cancelled by its context.
type Error struct {
	Kind     error
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Command)
	b.WriteString(": ")
	switch {
	case errors.Is(e.Kind, ErrNonZeroExit):
		fmt.Fprintf(&b, "exited with status %d", e.ExitCode)
		if line := firstLine(e.Stderr); line != "" {
			b.WriteString(": ")
			b.WriteString(line)
		}
		return b.String()
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	default:
		b.WriteString("cancelled")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Kind names used in API responses and the history log.
const (
	KindExecutableNotFound = "executable_not_found"
	KindLaunchFailure      = "launch_failure"
	KindNonZeroExit        = "non_zero_exit"
	KindTimedOut           = "timed_out"
	KindCanceled           = "canceled"
	KindInvalid            = "invalid_invocation"
	KindUnknown            = "error"
)

// Classify maps err to one of the Kind* names. nil maps to "".
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExecutableNotFound):
		return KindExecutableNotFound
	case errors.Is(err, ErrLaunchFailure):
		return KindLaunchFailure
	case errors.Is(err, ErrNonZeroExit):
		return KindNonZeroExit
	case errors.Is(err, ErrTimedOut):
		return KindTimedOut
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrEmptyCommand):
		return KindInvalid
	default:
		return KindUnknown
	}
}

// ExitStatus maps err to the conventional shell exit status:
// the child's own code, 124 timeout, 126 cannot execute, 127 not found.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var serr *Error
	if errors.As(err, &serr) && errors.Is(serr.Kind, ErrNonZeroExit) && serr.ExitCode > 0 {
		return serr.ExitCode
	}
	switch Classify(err) {
	case KindExecutableNotFound:
		return 127
	case KindLaunchFailure:
		return 126
	case KindTimedOut:
		return 124
	case KindCanceled:
		return 130
	default:
		return 1
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
