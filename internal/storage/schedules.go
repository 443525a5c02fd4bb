package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"pewcore/internal/model"
)

const scheduleColumns = `id, bot_id, name, description, function_id, function_params, schedule_type, run_at,
	interval_seconds, cron_expression, timezone, enabled, next_run_at, last_run_at, run_count, created_at`

func scanSchedule(r rowScanner) (*model.Schedule, error) {
	var (
		sc                               model.Schedule
		typ                              string
		desc, fnID, params, cronExpr, tz sql.NullString
		runAt, nextRun, lastRun          sql.NullInt64
		enabled                          int
		created                          int64
	)
	if err := r.Scan(&sc.ID, &sc.BotID, &sc.Name, &desc, &fnID, &params, &typ, &runAt,
		&sc.IntervalSeconds, &cronExpr, &tz, &enabled, &nextRun, &lastRun, &sc.RunCount, &created); err != nil {
		return nil, err
	}
	sc.Description = desc.String
	sc.FunctionID = fnID.String
	sc.ScheduleType = model.ScheduleType(typ)
	sc.RunAt = timePtr(runAt)
	sc.CronExpression = cronExpr.String
	sc.Timezone = tz.String
	sc.Enabled = enabled != 0
	sc.NextRunAt = timePtr(nextRun)
	sc.LastRunAt = timePtr(lastRun)
	sc.CreatedAt = fromMS(created)
	if err := decodeJSON(params, &sc.FunctionParams); err != nil {
		return nil, err
	}
	return &sc, nil
}

// CreateSchedule validates and inserts a Schedule. NextRunAt is stored as
// given; callers compute it (see scheduler.Prepare).
func (s *sqlStore) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.now().UTC()
	}
	params, err := jsonText(sc.FunctionParams)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO schedules(`+scheduleColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sc.ID, sc.BotID, sc.Name, nullStr(sc.Description), nullStr(sc.FunctionID), params,
		string(sc.ScheduleType), msPtr(sc.RunAt), sc.IntervalSeconds, nullStr(sc.CronExpression),
		nullStr(sc.Timezone), boolInt(sc.Enabled), msPtr(sc.NextRunAt), msPtr(sc.LastRunAt),
		sc.RunCount, toMS(sc.CreatedAt))
	return err
}

func (s *sqlStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	sc, err := scanSchedule(s.queryRow(ctx, s.db, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	return sc, notFound(err)
}

func (s *sqlStore) ListSchedules(ctx context.Context, botID string) ([]*model.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE bot_id = $1 ORDER BY created_at, id`, botID)
}

func (s *sqlStore) DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.listSchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at, id`, now.UnixMilli())
}

func (s *sqlStore) listSchedules(ctx context.Context, query string, args ...any) ([]*model.Schedule, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) RecordScheduleRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, enabled bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db, `UPDATE schedules
		SET run_count = run_count + 1, last_run_at = $1, next_run_at = $2, enabled = $3
		WHERE id = $4`,
		ranAt.UnixMilli(), msPtr(next), boolInt(enabled), id))
}

func (s *sqlStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db,
		`UPDATE schedules SET enabled = $1, next_run_at = $2 WHERE id = $3`,
		boolInt(enabled), msPtr(next), id))
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db, `DELETE FROM schedules WHERE id = $1`, id))
}
