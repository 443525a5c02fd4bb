package model

import (
	"strings"
	"time"
)

// DefaultMaxRetries applies when a Task is created with MaxRetries 0.
// A negative MaxRetries disables retries.
const DefaultMaxRetries = 3

// Work is a goal-level container of Tasks owned by one bot.
type Work struct {
	ID          string
	BotID       string
	UserID      string // credit owner; empty means BotID
	Title       string
	Description string
	Goal        string
	Priority    Priority
	Status      WorkStatus
	Progress    float64
	Error       string
	ScheduleID  string
	FunctionID  string
	Context     map[string]any
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the runner should consider this Work.
func (w *Work) Active() bool {
	return w.Status == WorkPending || w.Status == WorkInProgress
}

// AutomationID is the key used by the circuit breaker: the reusable
// function when linked, else the schedule, else the Work itself.
func (w *Work) AutomationID() string {
	if id := strings.TrimSpace(w.FunctionID); id != "" {
		return "function:" + id
	}
	if id := strings.TrimSpace(w.ScheduleID); id != "" {
		return "schedule:" + id
	}
	return "work:" + w.ID
}

// CreditOwner returns the user charged for this Work's executions.
func (w *Work) CreditOwner() string {
	if u := strings.TrimSpace(w.UserID); u != "" {
		return u
	}
	return w.BotID
}

// Task is one ordered, optionally dependent step of a Work.
type Task struct {
	ID             string
	BotID          string
	WorkID         string
	Title          string
	Description    string
	Order          int
	DependsOn      []string
	Status         TaskStatus
	Priority       Priority
	RetryCount     int
	MaxRetries     int
	TimeoutSeconds int
	Result         string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Timeout returns the per-task hard timeout, or 0 when unset.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Job is one execution attempt of a Task.
type Job struct {
	ID         string
	BotID      string
	TaskID     string
	WorkID     string
	ChatID     string
	Status     JobStatus
	Attempt    int
	Result     string
	Error      string
	Logs       []JobLogEntry
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

type JobLogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Function is a reusable action a Schedule or Work can reference.
type Function struct {
	ID            string
	BotID         string
	Name          string
	Description   string
	ExecutionType ExecutionType
	Code          string
	Params        map[string]any
	CreatedAt     time.Time
}

// ChatBinding links a bot chat to an external messaging platform.
type ChatBinding struct {
	BotID          string
	ChatID         string
	Platform       string // "telegram", ...
	PlatformChatID int64
	ThreadID       int
}
