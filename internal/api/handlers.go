package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/shellcall/internal/future"
	"github.com/mattjoyce/shellcall/internal/history"
	"github.com/mattjoyce/shellcall/internal/policy"
	"github.com/mattjoyce/shellcall/internal/shell"
)

const (
	maxListLimit = 500

	// KindNotAllowed is the error kind for commands rejected by the allow-list.
	KindNotAllowed = "command_not_allowed"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		InFlight:       len(s.sem),
		MaxConcurrent:  cap(s.sem),
		HistoryEnabled: s.history != nil,
	})
}

// handleInvoke handles POST /invoke.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inv, err := shell.NewInvocation(req.Command, req.Args...)
	if err != nil {
		s.writeErrorKind(w, http.StatusBadRequest, err.Error(), shell.KindInvalid)
		return
	}

	// Denied requests never take a slot.
	if s.allow != nil {
		if err := s.allow.Check(inv.Command); err != nil {
			s.writeErrorKind(w, http.StatusForbidden, err.Error(), KindNotAllowed)
			return
		}
	}

	if !s.acquire() {
		s.logger.Warn("too many concurrent invocations", "invocation_id", inv.ID, "command", inv.Command)
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent invocations, please try again later")
		return
	}

	if req.Async {
		fu := s.async.Start(s.baseCtx, inv)
		s.inflight.add(inv, fu)
		go func() {
			<-fu.Done()
			s.release()
		}()
		respondJSON(w, http.StatusAccepted, InvokeResponse{
			InvocationID: inv.ID,
			Command:      inv.Command,
			Args:         argsOrEmpty(inv.Args),
			State:        shell.StateLaunched,
		})
		return
	}

	defer s.release()
	res, err := s.runner.Run(r.Context(), inv)
	respondJSON(w, statusFor(err), newInvokeResponse(inv, res, err))
}

// handleListInvocations handles GET /invocations.
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, "history is disabled")
		return
	}

	q := r.URL.Query()
	f := history.Filter{
		Command: q.Get("command"),
		State:   shell.State(q.Get("state")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		f.Since = t
	}

	entries, err := s.history.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list invocations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"invocations": entries})
}

// handleGetInvocation handles GET /invocations/{id}. Async invocations still
// held in memory are answered with their full output; otherwise the history
// entry is returned.
func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if inv, fu, ok := s.inflight.get(id); ok {
		if !fu.IsDone() {
			respondJSON(w, http.StatusOK, InvokeResponse{
				InvocationID: inv.ID,
				Command:      inv.Command,
				Args:         argsOrEmpty(inv.Args),
				State:        shell.StateLaunched,
			})
			return
		}
		res, err := fu.Wait()
		respondJSON(w, http.StatusOK, newInvokeResponse(inv, res, err))
		return
	}

	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	entry, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read invocation", "invocation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read invocation")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleCommands handles GET /commands.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if s.allow == nil {
		s.writeError(w, http.StatusNotImplemented, "no allow-list configured")
		return
	}
	names := s.allow.Commands()
	resp := CommandsResponse{Commands: make([]CommandInfo, 0, len(names))}
	for _, name := range names {
		info := CommandInfo{Name: name}
		if name != policy.Wildcard {
			if path, err := exec.LookPath(name); err == nil {
				info.Path = path
				info.Found = true
			}
		}
		resp.Commands = append(resp.Commands, info)
	}
	respondJSON(w, http.StatusOK, resp)
}

// statusFor maps an invocation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, policy.ErrCommandNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, shell.ErrEmptyCommand):
		return http.StatusBadRequest
	case errors.Is(err, shell.ErrExecutableNotFound):
		return http.StatusNotFound
	case errors.Is(err, shell.ErrNonZeroExit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shell.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newInvokeResponse(inv shell.Invocation, res *shell.Result, err error) InvokeResponse {
	resp := InvokeResponse{
		InvocationID: inv.ID,
		Command:      inv.Command,
		Args:         argsOrEmpty(inv.Args),
		State:        shell.StateCompleted,
	}
	if res != nil {
		code := res.ExitCode
		resp.ExitCode = &code
		resp.Stdout = res.Stdout
		resp.Stderr = res.Stderr
		resp.StderrTruncated = res.StderrTruncated
		resp.DurationMS = res.Duration.Milliseconds()
	} else if err != nil {
		resp.State = shell.StateLaunchFailed
	}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = shell.Classify(err)
		if errors.Is(err, policy.ErrCommandNotAllowed) {
			resp.ErrorKind = KindNotAllowed
		}
	}
	return resp
}

func argsOrEmpty(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

// asyncSet keeps the most recent async invocations so clients can poll them.
type asyncSet struct {
	mu    sync.Mutex
	max   int
	order []string
	m     map[string]asyncEntry
}

type asyncEntry struct {
	inv shell.Invocation
	fu  *future.Future[*shell.Result]
}

func newAsyncSet(limit int) *asyncSet {
	return &asyncSet{max: limit, m: make(map[string]asyncEntry)}
}

func (a *asyncSet) add(inv shell.Invocation, fu *future.Future[*shell.Result]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[inv.ID] = asyncEntry{inv: inv, fu: fu}
	a.order = append(a.order, inv.ID)
	// Evict the oldest finished entries; running ones are never dropped.
	for i := 0; len(a.m) > a.max && i < len(a.order); {
		id := a.order[i]
		if a.m[id].fu.IsDone() {
			delete(a.m, id)
			a.order = append(a.order[:i], a.order[i+1:]...)
			continue
		}
		i++
	}
}

func (a *asyncSet) get(id string) (shell.Invocation, *future.Future[*shell.Result], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.m[id]
	return e.inv, e.fu, ok
}

func (a *asyncSet) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (s *Server) writeErrorKind(w http.ResponseWriter, statusCode int, message, kind string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Kind: kind})
}
