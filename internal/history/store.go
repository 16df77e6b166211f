// Package history keeps an audit log of invocations in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/shellcall/internal/shell"
	"github.com/mattjoyce/shellcall/internal/storage"
)

// DefaultListLimit is used when Filter.Limit is zero.
const DefaultListLimit = 50

// Fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrNotFound = errors.New("invocation not found")

// Entry is one row of the invocation log. Stdout itself is not stored; its
// length and BLAKE3 digest are.
type Entry struct {
	ID              string      `json:"id"`
	Command         string      `json:"command"`
	Args            []string    `json:"args"`
	State           shell.State `json:"state"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	ErrorKind       string      `json:"error_kind,omitempty"`
	Error           string      `json:"error,omitempty"`
	StdoutBytes     int64       `json:"stdout_bytes"`
	StdoutBlake3    string      `json:"stdout_blake3,omitempty"`
	Stderr          string      `json:"stderr,omitempty"`
	StderrTruncated bool        `json:"stderr_truncated,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	DurationMS      *int64      `json:"duration_ms,omitempty"`
}

// Filter narrows List.
type Filter struct {
	Command string
	State   shell.State
	Since   time.Time
	Limit   int
}

// Store implements shell.Recorder over the invocation_log table.
type Store struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// New wraps an already-bootstrapped database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens the database at path and returns a Store that owns it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	s := New(db)
	s.owned = true
	return s, nil
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Record upserts the row for rec.Invocation.ID. A launched record creates
// the row; the terminal record fills in the outcome and keeps created_at
// and started_at from the first write.
func (s *Store) Record(ctx context.Context, rec shell.Record) error {
	if rec.Invocation.ID == "" {
		return fmt.Errorf("invocation id is empty")
	}
	at := rec.At
	if at.IsZero() {
		at = s.now()
	}

	args := rec.Invocation.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}

	var (
		startedAt, completedAt sql.NullString
		exitCode, durationMS   sql.NullInt64
		errorKind, lastErr     sql.NullString
		stdoutDigest, stderr   sql.NullString
		stdoutBytes            int64
		stderrTruncated        int
	)

	if rec.State == shell.StateLaunched {
		startedAt = sql.NullString{String: formatTime(at), Valid: true}
	}
	if rec.State.Terminal() {
		completedAt = sql.NullString{String: formatTime(at), Valid: true}
	}
	if res := rec.Result; res != nil {
		if !res.StartedAt.IsZero() {
			startedAt = sql.NullString{String: formatTime(res.StartedAt), Valid: true}
		}
		exitCode = sql.NullInt64{Int64: int64(res.ExitCode), Valid: true}
		durationMS = sql.NullInt64{Int64: res.Duration.Milliseconds(), Valid: true}
		stdoutBytes = int64(len(res.Stdout))
		stdoutDigest = sql.NullString{String: digest([]byte(res.Stdout)), Valid: true}
		stderr = sql.NullString{String: res.Stderr, Valid: res.Stderr != ""}
		if res.StderrTruncated {
			stderrTruncated = 1
		}
	}
	if rec.Err != nil {
		errorKind = sql.NullString{String: shell.Classify(rec.Err), Valid: true}
		lastErr = sql.NullString{String: rec.Err.Error(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO invocation_log (
  id, command, args, state, exit_code, error_kind, last_error,
  stdout_bytes, stdout_blake3, stderr, stderr_truncated,
  created_at, started_at, completed_at, duration_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  state            = excluded.state,
  exit_code        = COALESCE(excluded.exit_code, invocation_log.exit_code),
  error_kind       = excluded.error_kind,
  last_error       = excluded.last_error,
  stdout_bytes     = excluded.stdout_bytes,
  stdout_blake3    = excluded.stdout_blake3,
  stderr           = excluded.stderr,
  stderr_truncated = excluded.stderr_truncated,
  started_at       = COALESCE(invocation_log.started_at, excluded.started_at),
  completed_at     = excluded.completed_at,
  duration_ms      = excluded.duration_ms;`,
		rec.Invocation.ID,
		rec.Invocation.Command,
		string(argsJSON),
		string(rec.State),
		exitCode,
		errorKind,
		lastErr,
		stdoutBytes,
		stdoutDigest,
		stderr,
		stderrTruncated,
		formatTime(at),
		startedAt,
		completedAt,
		durationMS,
	)
	if err != nil {
		return fmt.Errorf("record invocation %s: %w", rec.Invocation.ID, err)
	}
	return nil
}

const selectColumns = `id, command, args, state, exit_code, error_kind, last_error,
  stdout_bytes, stdout_blake3, stderr, stderr_truncated,
  created_at, started_at, completed_at, duration_ms`

// Get returns the entry for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM invocation_log WHERE id = ?;", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read invocation %s: %w", id, err)
	}
	return e, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Command != "" {
		where = append(where, "command = ?")
		args = append(args, f.Command)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := "SELECT " + selectColumns + " FROM invocation_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Prune deletes terminal entries created more than retention ago. Rows still
// in flight are kept. Zero retention deletes nothing.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().Add(-retention))
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM invocation_log WHERE created_at < ? AND state IN (?, ?);",
		cutoff, string(shell.StateCompleted), string(shell.StateLaunchFailed))
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                                 Entry
		argsS, stateS, createdS           string
		exitCode, durationMS              sql.NullInt64
		errorKind, lastErr, digestS, errS sql.NullString
		startedS, completedS              sql.NullString
		truncated                         int
	)
	if err := sc.Scan(&e.ID, &e.Command, &argsS, &stateS, &exitCode, &errorKind, &lastErr,
		&e.StdoutBytes, &digestS, &errS, &truncated,
		&createdS, &startedS, &completedS, &durationMS); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsS), &e.Args); err != nil {
		return nil, fmt.Errorf("decode args for %s: %w", e.ID, err)
	}
	e.State = shell.State(stateS)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if durationMS.Valid {
		ms := durationMS.Int64
		e.DurationMS = &ms
	}
	e.ErrorKind = errorKind.String
	e.Error = lastErr.String
	e.StdoutBlake3 = digestS.String
	e.Stderr = errS.String
	e.StderrTruncated = truncated != 0

	if t, err := time.Parse(timeLayout, createdS); err == nil {
		e.CreatedAt = t
	}
	if startedS.Valid {
		if t, err := time.Parse(timeLayout, startedS.String); err == nil {
			e.StartedAt = &t
		}
	}
	if completedS.Valid {
		if t, err := time.Parse(timeLayout, completedS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
