package shell

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/shellcall/internal/log"
)

const (
	// DefaultMaxStderrBytes caps the stderr captured per invocation.
	DefaultMaxStderrBytes = 64 * 1024

	// DefaultGracePeriod is the wait between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

// Event types published for lifecycle transitions.
const (
	EventCreated      = "invocation.created"
	EventLaunched     = "invocation.launched"
	EventCompleted    = "invocation.completed"
	EventLaunchFailed = "invocation.launch_failed"
)

// Runner executes a prepared invocation and blocks until it finishes.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// Publisher receives lifecycle events. events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Recorder persists lifecycle records. It is called once at launch and once
// at the terminal state with the same invocation id.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Record is the audit view of an invocation at a lifecycle transition.
// Result is nil until the process has been launched and waited on.
type Record struct {
	Invocation Invocation
	State      State
	Result     *Result
	Err        error
	At         time.Time
}

// Transition is the payload of published lifecycle events.
type Transition struct {
	InvocationID string   `json:"invocation_id"`
	Command      string   `json:"command"`
	Args         []string `json:"args"`
	State        State    `json:"state"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	Error        string   `json:"error,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
}

// Shell is the synchronous dispatcher. It is safe for concurrent use; each
// call owns its own process and buffers.
type Shell struct {
	timeout   time.Duration
	grace     time.Duration
	dir       string
	env       []string
	maxStderr int
	logger    *slog.Logger
	publisher Publisher
	recorder  Recorder
}

// Option configures a Shell.
type Option func(*Shell)

// WithTimeout bounds every invocation. Zero means no limit beyond the context.
func WithTimeout(d time.Duration) Option {
	return func(s *Shell) { s.timeout = d }
}

// WithGracePeriod sets the wait between SIGTERM and SIGKILL on termination.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Shell) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithDir sets the working directory of child processes.
func WithDir(dir string) Option {
	return func(s *Shell) { s.dir = dir }
}

// WithEnv adds variables on top of the inherited environment.
func WithEnv(env map[string]string) Option {
	return func(s *Shell) {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.env = append(s.env, k+"="+env[k])
		}
	}
}

// WithMaxStderrBytes caps captured stderr.
func WithMaxStderrBytes(n int) Option {
	return func(s *Shell) {
		if n > 0 {
			s.maxStderr = n
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Shell) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher sends lifecycle transitions to p.
func WithPublisher(p Publisher) Option {
	return func(s *Shell) { s.publisher = p }
}

// WithRecorder sends launched and terminal records to r.
func WithRecorder(r Recorder) Option {
	return func(s *Shell) { s.recorder = r }
}

// New creates a synchronous Shell.
func New(opts ...Option) *Shell {
	s := &Shell{
		grace:     DefaultGracePeriod,
		maxStderr: DefaultMaxStderrBytes,
		logger:    log.WithComponent("shell"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke runs name with args and waits for it to exit.
func (s *Shell) Invoke(ctx context.Context, name string, args ...string) (*Result, error) {
	inv, err := NewInvocation(name, args...)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, inv)
}

// Output is Invoke returning only stdout.
func (s *Shell) Output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := s.Invoke(ctx, name, args...)
	if res == nil {
		return "", err
	}
	return res.Stdout, err
}

// Run executes inv. On ErrNonZeroExit and ErrTimedOut the Result is returned
// together with the error.
func (s *Shell) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Command == "" {
		return nil, ErrEmptyCommand
	}
	logger := s.logger.With("invocation_id", inv.ID, "command", inv.Command)
	s.publish(EventCreated, inv, StateCreated, nil, nil)

	return s.spawn(ctx, inv, logger)
}

func (s *Shell) launched(ctx context.Context, inv Invocation, logger *slog.Logger) {
	s.publish(EventLaunched, inv, StateLaunched, nil, nil)
	s.record(ctx, Record{Invocation: inv, State: StateLaunched, At: time.Now().UTC()}, logger)
}

func (s *Shell) finished(ctx context.Context, inv Invocation, state State, res *Result, err error, logger *slog.Logger) {
	eventType := EventCompleted
	if state == StateLaunchFailed {
		eventType = EventLaunchFailed
	}
	s.publish(eventType, inv, state, res, err)
	s.record(ctx, Record{Invocation: inv, State: state, Result: res, Err: err, At: time.Now().UTC()}, logger)
}

func (s *Shell) publish(eventType string, inv Invocation, state State, res *Result, err error) {
	if s.publisher == nil {
		return
	}
	t := Transition{
		InvocationID: inv.ID,
		Command:      inv.Command,
		Args:         inv.Args,
		State:        state,
	}
	if res != nil {
		code := res.ExitCode
		t.ExitCode = &code
		t.DurationMS = res.Duration.Milliseconds()
	}
	if err != nil {
		t.Error = err.Error()
		t.ErrorKind = Classify(err)
	}
	s.publisher.Publish(eventType, t)
}

func (s *Shell) record(ctx context.Context, rec Record, logger *slog.Logger) {
	if s.recorder == nil {
		return
	}
	// Records must land even when the caller's context was what stopped the process.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.recorder.Record(rctx, rec); err != nil {
		logger.Error("failed to record invocation", "state", rec.State, "error", err)
	}
}
