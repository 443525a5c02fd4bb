package eventbus

import "time"

// Event types published by the work-execution core.
const (
	JobStarted  = "job.started"
	JobFinished = "job.finished"

	WorkProgress  = "work.progress"
	WorkCompleted = "work.completed"
	WorkFailed    = "work.failed"
	WorkCancelled = "work.cancelled"

	ScheduleFired = "schedule.fired"
	TodoFired     = "todo.fired"

	DeliveryMessage = "delivery.message"

	AutomationPaused = "automation.paused"
	CreditsExhausted = "credits.exhausted"
)

// Emit publishes an event if b is non-nil. It never blocks.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// Botted is implemented by payloads scoped to a single tenant.
// The push hub uses it to filter per-bot subscriptions.
type Botted interface {
	Bot() string
}

type JobEvent struct {
	BotID   string `json:"bot_id"`
	WorkID  string `json:"work_id"`
	TaskID  string `json:"task_id"`
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (e JobEvent) Bot() string { return e.BotID }

type ProgressEvent struct {
	BotID    string  `json:"bot_id"`
	WorkID   string  `json:"work_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

func (e ProgressEvent) Bot() string { return e.BotID }

type ScheduleEvent struct {
	BotID      string     `json:"bot_id"`
	ScheduleID string     `json:"schedule_id,omitempty"`
	TodoID     string     `json:"todo_id,omitempty"`
	Name       string     `json:"name"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	Enabled    bool       `json:"enabled"`
	WorkID     string     `json:"work_id,omitempty"`
}

func (e ScheduleEvent) Bot() string { return e.BotID }

type DeliveryEvent struct {
	BotID  string `json:"bot_id"`
	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text"`
}

func (e DeliveryEvent) Bot() string { return e.BotID }

type PauseEvent struct {
	AutomationID string    `json:"automation_id"`
	BotID        string    `json:"bot_id,omitempty"`
	Failures     int       `json:"failures"`
	Until        time.Time `json:"until"`
}

func (e PauseEvent) Bot() string { return e.BotID }

type CreditEvent struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

func (e CreditEvent) Bot() string { return "" }
