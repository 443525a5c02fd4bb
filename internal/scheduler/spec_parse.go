package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pewcore/internal/model"
)

// ParsedSpec is a human schedule string resolved to a trigger type.
type ParsedSpec struct {
	Type            model.ScheduleType
	Cron            string
	IntervalSeconds int
	Source          string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule converts a human schedule string into a trigger.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 9 * * 1-5", "@hourly", "@every 55m"
//   - duration interval: "55m", "2h30m"
//   - HH:MM interval: "01:30" (one and a half hours)
//
// The prefixes "cron:", "interval:" and "every:" force the kind.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: schedule required", model.ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			return intervalSpec(strings.TrimSpace(s[len(p):]))
		}
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	if sp, err := intervalSpec(s); err == nil {
		return sp, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		model.ErrInvalidSchedule, raw,
	)
}

// ApplySpec sets the trigger fields of s from a human schedule string.
func ApplySpec(s *model.Schedule, raw string) error {
	sp, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	s.ScheduleType = sp.Type
	s.CronExpression = sp.Cron
	s.IntervalSeconds = sp.IntervalSeconds
	return nil
}

func cronSpec(expr string) (ParsedSpec, error) {
	if _, err := model.ParseCron(expr); err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Type: model.ScheduleCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("%w: interval required", model.ErrInvalidSchedule)
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("%w: invalid minutes in %q", model.ErrInvalidSchedule, v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		src = "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("%w: invalid interval %q", model.ErrInvalidSchedule, v)
		}
	}
	if d < model.MinIntervalSeconds*time.Second {
		return ParsedSpec{}, fmt.Errorf("%w: interval must be at least %ds", model.ErrInvalidSchedule, model.MinIntervalSeconds)
	}
	return ParsedSpec{Type: model.ScheduleInterval, IntervalSeconds: int(d / time.Second), Source: src}, nil
}
