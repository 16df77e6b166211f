// Package policy restricts which executables a shell.Runner may launch.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/shellcall/internal/log"
	"github.com/mattjoyce/shellcall/internal/shell"
)

// Wildcard in an allow-list permits every command.
const Wildcard = "*"

// ErrCommandNotAllowed is returned for commands outside the allow-list.
var ErrCommandNotAllowed = errors.New("command not allowed")

// Guard is a shell.Runner that refuses commands not on its allow-list before
// anything is spawned. An empty allow-list denies everything.
type Guard struct {
	next    shell.Runner
	allowed map[string]bool
	all     bool
	logger  *slog.Logger
}

// NewGuard wraps next with the given allow-list.
func NewGuard(next shell.Runner, allowed []string) *Guard {
	g := &Guard{
		next:    next,
		allowed: make(map[string]bool, len(allowed)),
		logger:  log.WithComponent("policy"),
	}
	for _, name := range allowed {
		if name == Wildcard {
			g.all = true
			continue
		}
		if name == "" {
			continue
		}
		if clean := filepath.Clean(name); strings.ContainsRune(clean, filepath.Separator) {
			name = clean
		}
		g.allowed[name] = true
	}
	if g.all {
		g.logger.Warn("allow-list contains *, every command may be executed")
	}
	return g
}

// Allowed reports whether name may run. Matching is exact: a bare entry such
// as "ping" admits only the PATH lookup of "ping", never "/tmp/x/ping", and a
// path entry admits only that path once cleaned.
func (g *Guard) Allowed(name string) bool {
	if g.all {
		return true
	}
	if name == "" {
		return false
	}
	if g.allowed[name] {
		return true
	}
	if !strings.ContainsRune(name, filepath.Separator) {
		return false
	}
	// "./ping" cleans to "ping" and must not borrow the bare entry.
	clean := filepath.Clean(name)
	return strings.ContainsRune(clean, filepath.Separator) && g.allowed[clean]
}

// Check returns ErrCommandNotAllowed when name may not run.
func (g *Guard) Check(name string) error {
	if !g.Allowed(name) {
		return fmt.Errorf("%w: %q", ErrCommandNotAllowed, name)
	}
	return nil
}

// Run checks inv.Command and delegates to the wrapped runner.
func (g *Guard) Run(ctx context.Context, inv shell.Invocation) (*shell.Result, error) {
	if err := g.Check(inv.Command); err != nil {
		g.logger.Warn("invocation denied", "invocation_id", inv.ID, "command", inv.Command)
		return nil, err
	}
	return g.next.Run(ctx, inv)
}

// Commands returns the explicit allow-list entries, sorted.
func (g *Guard) Commands() []string {
	out := make([]string, 0, len(g.allowed)+1)
	if g.all {
		out = append(out, Wildcard)
	}
	for name := range g.allowed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
