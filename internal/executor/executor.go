// Package executor holds the capabilities that actually perform a task's
// action: a remote agent run or a local script run.
package executor

import (
	"context"
	"errors"
	"fmt"

	"pewcore/internal/model"
)

// ErrBudgetExceeded marks a non-retryable cost failure.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetExceeded wraps err so IsBudgetExceeded reports true.
func BudgetExceeded(err error) error {
	if err == nil {
		return nil
	}
	return budgetError{err: err}
}

// IsBudgetExceeded reports whether err is a cost-limit failure.
func IsBudgetExceeded(err error) bool {
	var e budgetError
	return errors.As(err, &e) || errors.Is(err, ErrBudgetExceeded)
}

type budgetError struct{ err error }

func (e budgetError) Error() string { return fmt.Sprintf("budget exceeded: %v", e.err) }
func (e budgetError) Unwrap() error { return e.err }

type Request struct {
	BotID       string
	WorkID      string
	TaskID      string
	UserID      string
	Description string
	Context     map[string]any
	Function    *model.Function
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type Result struct {
	Text  string
	Usage Usage
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

type Kind int

const (
	KindAgent Kind = iota
	KindScript
)

func (k Kind) String() string {
	if k == KindScript {
		return "script"
	}
	return "agent"
}

// KindFor picks the executor for a Work's linked function. No function, or
// any type other than script, runs through the agent.
func KindFor(fn *model.Function) Kind {
	if fn != nil && fn.ExecutionType == model.ExecScript {
		return KindScript
	}
	return KindAgent
}

// Set bundles one executor per kind.
type Set struct {
	Agent  Executor
	Script Executor
}

func (s Set) For(k Kind) (Executor, error) {
	var ex Executor
	switch k {
	case KindScript:
		ex = s.Script
	default:
		ex = s.Agent
	}
	if ex == nil {
		return nil, fmt.Errorf("no %s executor configured", k)
	}
	return ex, nil
}
