package scheduler

import (
	"fmt"
	"strings"
	"time"

	"pewcore/internal/model"
	logx "pewcore/pkg/logx"
)

// NextRunAt computes the fire time following a run at now. It returns the
// new enabled flag: once schedules and broken cron expressions disable.
// Cron is evaluated in the schedule's timezone; the result is UTC.
func NextRunAt(s *model.Schedule, now time.Time) (*time.Time, bool, error) {
	return nextRunAt(s, now, "", logx.Nop())
}

func nextRunAt(s *model.Schedule, now time.Time, defaultTZ string, log logx.Logger) (*time.Time, bool, error) {
	switch s.ScheduleType {
	case model.ScheduleOnce:
		return nil, false, nil
	case model.ScheduleInterval:
		every := time.Duration(max(s.IntervalSeconds, model.MinIntervalSeconds)) * time.Second
		next := now.Add(every).UTC()
		return &next, true, nil
	case model.ScheduleCron:
		sched, err := model.ParseCron(s.CronExpression)
		if err != nil {
			return nil, false, err
		}
		loc := location(s.Timezone, defaultTZ, log)
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return nil, false, fmt.Errorf("%w: cron %q never fires", model.ErrInvalidSchedule, s.CronExpression)
		}
		next = next.UTC()
		return &next, true, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown schedule_type %q", model.ErrInvalidSchedule, s.ScheduleType)
	}
}

// Prepare validates a new schedule and sets its first next_run_at.
func Prepare(s *model.Schedule, now time.Time) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.Enabled = true
	switch s.ScheduleType {
	case model.ScheduleOnce:
		at := s.RunAt.UTC()
		s.NextRunAt = &at
	default:
		next, enabled, err := NextRunAt(s, now)
		if err != nil {
			return err
		}
		s.NextRunAt, s.Enabled = next, enabled
	}
	return nil
}

// location resolves the schedule timezone, then the configured default,
// then UTC. Unknown names fall back to UTC with a warning.
func location(tz, defaultTZ string, log logx.Logger) *time.Location {
	name := strings.TrimSpace(tz)
	if name == "" {
		name = strings.TrimSpace(defaultTZ)
	}
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("scheduler.bad_timezone", logx.String("tz", name), logx.Err(err))
		return time.UTC
	}
	return loc
}
