package api

import "github.com/mattjoyce/shellcall/internal/shell"

// InvokeRequest is the JSON body for POST /invoke.
type InvokeRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Async   bool     `json:"async,omitempty"`
}

// InvokeResponse describes an invocation. For async requests that are still
// running only the identifying fields and State are set.
type InvokeResponse struct {
	InvocationID    string      `json:"invocation_id"`
	Command         string      `json:"command"`
	Args            []string    `json:"args"`
	State           shell.State `json:"state"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	Stdout          string      `json:"stdout,omitempty"`
	Stderr          string      `json:"stderr,omitempty"`
	StderrTruncated bool        `json:"stderr_truncated,omitempty"`
	DurationMS      int64       `json:"duration_ms,omitempty"`
	Error           string      `json:"error,omitempty"`
	ErrorKind       string      `json:"error_kind,omitempty"`
}

// CommandInfo is one allow-list entry as returned by GET /commands.
type CommandInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"`
	Found bool   `json:"found"`
}

// CommandsResponse is returned by GET /commands.
type CommandsResponse struct {
	Commands []CommandInfo `json:"commands"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	InFlight       int    `json:"in_flight"`
	MaxConcurrent  int    `json:"max_concurrent"`
	HistoryEnabled bool   `json:"history_enabled"`
}
