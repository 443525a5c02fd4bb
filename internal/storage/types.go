package storage

import (
	"context"
	"errors"
	"time"

	"pewcore/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrRetriesExhausted is returned by IncrementRetry when the task has
	// already used max_retries retries.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

type WorkStore interface {
	CreateWork(ctx context.Context, w *model.Work, tasks []*model.Task) error
	GetWork(ctx context.Context, id string) (*model.Work, error)
	ListWorks(ctx context.Context, botID string) ([]*model.Work, error)
	// ActiveBots lists bots owning at least one pending or in_progress Work.
	ActiveBots(ctx context.Context) ([]string, error)
	// ActiveWorks lists a bot's pending/in_progress Works, most urgent first.
	ActiveWorks(ctx context.Context, botID string) ([]*model.Work, error)
	// MarkWorkStarted moves a Work from pending to in_progress. It reports
	// false when the Work was not pending.
	MarkWorkStarted(ctx context.Context, id string) (bool, error)
	SetWorkStatus(ctx context.Context, id string, status model.WorkStatus, errMsg string) error
	// TransitionWork sets status only when the current status is one of from.
	TransitionWork(ctx context.Context, id string, to model.WorkStatus, errMsg string, from ...model.WorkStatus) (bool, error)
	// RecalculateProgress stores completed/total over the Work's tasks.
	// A Work without tasks is left unchanged and reports (0, false).
	RecalculateProgress(ctx context.Context, id string) (progress float64, allCompleted bool, err error)
	DeleteWork(ctx context.Context, id string) error
}

type TaskStore interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, workID string) ([]*model.Task, error)
	ReadyTasks(ctx context.Context, workID string) ([]*model.Task, error)
	// ClaimTask moves a Task from pending to in_progress. It reports false
	// when another dispatcher got there first.
	ClaimTask(ctx context.Context, id string) (bool, error)
	CompleteTask(ctx context.Context, id, result string) error
	FailTask(ctx context.Context, id, errMsg string) error
	// ResetTask returns an in_progress Task to pending.
	ResetTask(ctx context.Context, id, errMsg string) error
	// IncrementRetry atomically bumps retry_count and returns the Task to
	// pending, or returns ErrRetriesExhausted.
	IncrementRetry(ctx context.Context, id, errMsg string) (int, error)
	ResetInProgressTasks(ctx context.Context, workID, errMsg string) (int64, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, taskID string) ([]*model.Job, error)
	FinishJob(ctx context.Context, id string, status model.JobStatus, result, errMsg string) error
	SaveJobLogs(ctx context.Context, id string, logs []model.JobLogEntry) error
	// RecoverInterrupted cancels jobs left running by a previous process and
	// returns their tasks to pending.
	RecoverInterrupted(ctx context.Context) (jobs int64, tasks int64, err error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, botID string) ([]*model.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error)
	// RecordScheduleRun increments run_count, sets last_run_at and stores the
	// recomputed next_run_at/enabled in one update.
	RecordScheduleRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, enabled bool) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time) error
	DeleteSchedule(ctx context.Context, id string) error
}

type TodoStore interface {
	CreateTodo(ctx context.Context, t *model.Todo) error
	GetTodo(ctx context.Context, id string) (*model.Todo, error)
	DueReminders(ctx context.Context, now time.Time) ([]*model.Todo, error)
	SetTodoStatus(ctx context.Context, id string, status model.TodoStatus) error
	// CompleteReminder moves an open Todo to done, reporting false if it was
	// no longer open.
	CompleteReminder(ctx context.Context, id string) (bool, error)
}

type FunctionStore interface {
	CreateFunction(ctx context.Context, f *model.Function) error
	GetFunction(ctx context.Context, id string) (*model.Function, error)
}

type BindingStore interface {
	PutChatBinding(ctx context.Context, b model.ChatBinding) error
	GetChatBinding(ctx context.Context, botID, chatID string) (model.ChatBinding, error)
}

// CreditStore is the SQL credit ledger.
type CreditStore interface {
	SetCredits(ctx context.Context, userID string, balance float64) error
	CreditBalance(ctx context.Context, userID string) (balance float64, found bool, err error)
	DeductCredits(ctx context.Context, userID string, amount float64) (balance float64, found bool, err error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API used by the core.
type Store interface {
	WorkStore
	TaskStore
	JobStore
	ScheduleStore
	TodoStore
	FunctionStore
	BindingStore
	CreditStore
	DedupStore
	Ping(ctx context.Context) error
	Close() error
}
