package api

import (
	"context"

	"github.com/mattjoyce/shellcall/internal/history"
	"github.com/mattjoyce/shellcall/internal/shell"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/shellcall/internal/api Runner,HistoryReader,Allowlist

// Runner executes invocations. In production this is a policy.Guard
// wrapping a shell.Shell.
type Runner interface {
	shell.Runner
}

// HistoryReader is the read side of the invocation log.
type HistoryReader interface {
	Get(ctx context.Context, id string) (*history.Entry, error)
	List(ctx context.Context, f history.Filter) ([]history.Entry, error)
}

// Allowlist reports which commands the runner will accept.
type Allowlist interface {
	Commands() []string
	Check(name string) error
}
