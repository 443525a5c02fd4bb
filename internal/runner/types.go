// Package runner turns ready Tasks into executed Jobs under a global
// concurrency ceiling, with bounded retries and progress propagation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewcore/internal/model"
	"pewcore/internal/storage"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultMaxConcurrent = 5

	bookkeepingTimeout = 30 * time.Second
)

// Error texts stored on Tasks and Jobs.
const (
	msgCancelled      = "Cancelled"
	msgCancelledRetry = "Cancelled, will retry"
	msgShutdown       = "Interrupted by shutdown"
)

type Config struct {
	Enabled        bool
	PollInterval   time.Duration
	MaxConcurrent  int
	DefaultTimeout time.Duration // applies when a Task has no timeout_seconds
	EstimatedCost  float64       // pre-flight credit estimate per Job
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Store is the persistence the runner needs.
type Store interface {
	storage.WorkStore
	storage.TaskStore
	storage.JobStore
	GetFunction(ctx context.Context, id string) (*model.Function, error)
}

// Breaker decides whether an automation is paused and records outcomes.
type Breaker interface {
	IsPaused(id string) bool
	Record(botID, id string, success bool) bool
}

// CreditGuard checks and charges the Work's credit owner.
type CreditGuard interface {
	CheckBeforeExecution(ctx context.Context, userID string, estimated float64) error
	DeductAfterExecution(ctx context.Context, userID string, cost float64)
}

// Outcome classifies how a Job ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetry             // failed, task returned to pending
	OutcomeFailed            // failed, retries exhausted
	OutcomeBudget            // cost limit, no retry
	OutcomeCancelled
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeBudget:
		return "budget_exceeded"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Cancellation causes attached to a Job's context.
var (
	errJobCancelled  = errors.New("job cancelled")
	errWorkCancelled = errors.New("work cancelled")
	errStopped       = errors.New("runner stopped")
)

type timeoutError struct{ after time.Duration }

func (e timeoutError) Error() string {
	secs := int((e.after + time.Second - 1) / time.Second)
	return fmt.Sprintf("Timeout after %d seconds", max(secs, 1))
}
