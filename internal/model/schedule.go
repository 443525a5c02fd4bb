package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinIntervalSeconds is the smallest accepted interval trigger.
const MinIntervalSeconds = 60

var ErrInvalidSchedule = errors.New("invalid schedule")

// Five-field crontab with optional seconds and @descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression with the parser shared by validation
// and next-run evaluation.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// Schedule is a time-based trigger. ScheduleType decides which of RunAt,
// IntervalSeconds and CronExpression is authoritative.
type Schedule struct {
	ID              string
	BotID           string
	Name            string
	Description     string
	FunctionID      string
	FunctionParams  map[string]any
	ScheduleType    ScheduleType
	RunAt           *time.Time
	IntervalSeconds int
	CronExpression  string
	Timezone        string
	Enabled         bool
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	RunCount        int
	CreatedAt       time.Time
}

// Validate checks the authoritative trigger field for the schedule type.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.BotID) == "" {
		return fmt.Errorf("%w: bot_id required", ErrInvalidSchedule)
	}
	switch s.ScheduleType {
	case ScheduleOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return fmt.Errorf("%w: run_at required for once schedules", ErrInvalidSchedule)
		}
	case ScheduleInterval:
		if s.IntervalSeconds < MinIntervalSeconds {
			return fmt.Errorf("%w: interval_seconds must be >= %d", ErrInvalidSchedule, MinIntervalSeconds)
		}
	case ScheduleCron:
		if _, err := ParseCron(s.CronExpression); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown schedule_type %q", ErrInvalidSchedule, s.ScheduleType)
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
		}
	}
	return nil
}

// Param returns a string function parameter, or "".
func (s *Schedule) Param(key string) string {
	if s.FunctionParams == nil {
		return ""
	}
	switch v := s.FunctionParams[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Message resolves the deliverable text: function_params.message, then
// the description, then the name.
func (s *Schedule) Message() string {
	if m := s.Param("message"); m != "" {
		return m
	}
	if d := strings.TrimSpace(s.Description); d != "" {
		return d
	}
	return s.Name
}

// TargetChat returns function_params.chat_id, or "".
func (s *Schedule) TargetChat() string { return s.Param("chat_id") }

// Todo is a single-fire reminder.
type Todo struct {
	ID        string
	BotID     string
	ChatID    string
	Title     string
	Notes     string
	Priority  Priority
	Status    TodoStatus
	RemindAt  *time.Time
	CreatedAt time.Time
}

// Due reports whether the reminder should fire at now.
func (t *Todo) Due(now time.Time) bool {
	return t.Status == TodoOpen && t.RemindAt != nil && !t.RemindAt.After(now)
}

// ReminderText builds "Reminder: <title>" followed by the notes.
func (t *Todo) ReminderText() string {
	msg := "Reminder: " + t.Title
	if n := strings.TrimSpace(t.Notes); n != "" {
		msg += "\n" + n
	}
	return msg
}
