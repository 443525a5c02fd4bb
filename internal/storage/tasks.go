package storage

import (
	"context"
	"database/sql"
	"errors"

	"pewcore/internal/model"
)

const taskColumns = `id, bot_id, work_id, title, description, position, depends_on, status, priority,
	retry_count, max_retries, timeout_seconds, result, error, created_at, updated_at`

func scanTask(r rowScanner) (*model.Task, error) {
	var (
		t                          model.Task
		status, priority           string
		desc, deps, result, errMsg sql.NullString
		created, updated           int64
	)
	if err := r.Scan(&t.ID, &t.BotID, &t.WorkID, &t.Title, &desc, &t.Order, &deps, &status, &priority,
		&t.RetryCount, &t.MaxRetries, &t.TimeoutSeconds, &result, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Status = model.TaskStatus(status)
	t.Priority = model.Priority(priority)
	t.Result = result.String
	t.Error = errMsg.String
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	if err := decodeJSON(deps, &t.DependsOn); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlStore) insertTask(ctx context.Context, q querier, t *model.Task) error {
	deps, err := jsonText(t.DependsOn)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q, `INSERT INTO tasks(`+taskColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.BotID, t.WorkID, t.Title, nullStr(t.Description), t.Order, deps,
		string(t.Status), string(t.Priority), t.RetryCount, t.MaxRetries, t.TimeoutSeconds,
		nullStr(t.Result), nullStr(t.Error), toMS(t.CreatedAt), toMS(t.UpdatedAt))
	return err
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	t, err := scanTask(s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	return t, notFound(err)
}

func (s *sqlStore) ListTasks(ctx context.Context, workID string) ([]*model.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE work_id = $1 ORDER BY position, created_at, id`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReadyTasks loads every task of the Work and filters it in memory; readiness
// depends on sibling statuses.
func (s *sqlStore) ReadyTasks(ctx context.Context, workID string) ([]*model.Task, error) {
	tasks, err := s.ListTasks(ctx, workID)
	if err != nil {
		return nil, err
	}
	return model.ReadyTasks(tasks), nil
}

func (s *sqlStore) ClaimTask(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	return changed(s.exec(ctx, s.db,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.TaskInProgress), toMS(s.now()), id, string(model.TaskPending)))
}

func (s *sqlStore) CompleteTask(ctx context.Context, id, result string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db,
		`UPDATE tasks SET status = $1, result = $2, error = NULL, updated_at = $3 WHERE id = $4`,
		string(model.TaskCompleted), nullStr(result), toMS(s.now()), id))
}

func (s *sqlStore) FailTask(ctx context.Context, id, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db,
		`UPDATE tasks SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(model.TaskFailed), nullStr(errMsg), toMS(s.now()), id))
}

func (s *sqlStore) ResetTask(ctx context.Context, id, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(model.TaskPending), nullStr(errMsg), toMS(s.now()), id, string(model.TaskInProgress))
	return err
}

func (s *sqlStore) IncrementRetry(ctx context.Context, id, errMsg string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.queryRow(ctx, s.db, `UPDATE tasks
		SET retry_count = retry_count + 1, status = $1, error = $2, updated_at = $3
		WHERE id = $4 AND retry_count < max_retries
		RETURNING retry_count`,
		string(model.TaskPending), nullStr(errMsg), toMS(s.now()), id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetTask(ctx, id); gerr != nil {
			return 0, gerr
		}
		return 0, ErrRetriesExhausted
	}
	return n, err
}

func (s *sqlStore) ResetInProgressTasks(ctx context.Context, workID, errMsg string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = $1, error = $2, updated_at = $3 WHERE work_id = $4 AND status = $5`,
		string(model.TaskPending), nullStr(errMsg), toMS(s.now()), workID, string(model.TaskInProgress))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
