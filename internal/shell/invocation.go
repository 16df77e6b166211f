package shell

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyCommand is returned by NewInvocation when the command name is blank.
var ErrEmptyCommand = errors.New("command name is empty")

// State is the lifecycle position of an invocation.
type State string

const (
	StateCreated      State = "created"
	StateLaunched     State = "launched"
	StateCompleted    State = "completed"
	StateLaunchFailed State = "launch_failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateLaunchFailed
}

// Invocation is one request to execute one command with a fixed argument list.
// Build it with NewInvocation; the args slice is owned by the Invocation.
type Invocation struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// NewInvocation validates command and copies args.
func NewInvocation(command string, args ...string) (Invocation, error) {
	if strings.TrimSpace(command) == "" {
		return Invocation{}, ErrEmptyCommand
	}
	argv := make([]string, len(args))
	copy(argv, args)
	return Invocation{
		ID:      uuid.NewString(),
		Command: command,
		Args:    argv,
	}, nil
}

// String renders the invocation as a readable command line. Arguments that
// contain whitespace or quotes are Go-quoted; the result is for display only.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, quoteArg(inv.Command))
	for _, a := range inv.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"'\\") {
		return strconv.Quote(s)
	}
	return s
}

// Result is what a completed process produced. The caller owns it.
type Result struct {
	InvocationID    string        `json:"invocation_id"`
	Command         string        `json:"command"`
	Args            []string      `json:"args"`
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// Success reports a zero exit code.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// TrimmedStdout returns stdout without trailing whitespace.
func (r *Result) TrimmedStdout() string {
	return strings.TrimRight(r.Stdout, " \t\r\n")
}

// Lines splits the trimmed stdout on newlines. Empty output yields nil.
func (r *Result) Lines() []string {
	s := r.TrimmedStdout()
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
