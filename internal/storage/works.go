package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"pewcore/internal/model"
)

const workColumns = `id, bot_id, user_id, title, description, goal, priority, status, progress, error,
	schedule_id, function_id, context, tags, created_at, updated_at`

func scanWork(r rowScanner) (*model.Work, error) {
	var (
		w                                         model.Work
		priority, status                          string
		userID, desc, goal, errMsg, schedID, fnID sql.NullString
		ctxJSON, tagsJSON                         sql.NullString
		created, updated                          int64
	)
	if err := r.Scan(&w.ID, &w.BotID, &userID, &w.Title, &desc, &goal, &priority, &status, &w.Progress, &errMsg,
		&schedID, &fnID, &ctxJSON, &tagsJSON, &created, &updated); err != nil {
		return nil, err
	}
	w.UserID = userID.String
	w.Description = desc.String
	w.Goal = goal.String
	w.Priority = model.Priority(priority)
	w.Status = model.WorkStatus(status)
	w.Error = errMsg.String
	w.ScheduleID = schedID.String
	w.FunctionID = fnID.String
	w.CreatedAt = fromMS(created)
	w.UpdatedAt = fromMS(updated)
	if err := decodeJSON(ctxJSON, &w.Context); err != nil {
		return nil, fmt.Errorf("work %s context: %w", w.ID, err)
	}
	if err := decodeJSON(tagsJSON, &w.Tags); err != nil {
		return nil, fmt.Errorf("work %s tags: %w", w.ID, err)
	}
	return &w, nil
}

// CreateWork inserts a Work and its Tasks in one transaction. Missing ids are
// generated; task dependencies must reference ids within the same Work.
func (s *sqlStore) CreateWork(ctx context.Context, w *model.Work, tasks []*model.Task) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := s.now().UTC()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = model.WorkPending
	}
	if w.Priority == "" {
		w.Priority = model.PriorityNormal
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.WorkID = w.ID
		t.BotID = w.BotID
		if t.Status == "" {
			t.Status = model.TaskPending
		}
		if t.Priority == "" {
			t.Priority = w.Priority
		}
		if t.Order == 0 {
			t.Order = i
		}
		switch {
		case t.MaxRetries == 0:
			t.MaxRetries = model.DefaultMaxRetries
		case t.MaxRetries < 0:
			t.MaxRetries = 0
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
	}
	if err := model.ValidateDependencies(tasks); err != nil {
		return err
	}

	ctxJSON, err := jsonText(w.Context)
	if err != nil {
		return err
	}
	tagsJSON, err := jsonText(w.Tags)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `INSERT INTO works(`+workColumns+`)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			w.ID, w.BotID, nullStr(w.UserID), w.Title, nullStr(w.Description), nullStr(w.Goal),
			string(w.Priority), string(w.Status), w.Progress, nullStr(w.Error),
			nullStr(w.ScheduleID), nullStr(w.FunctionID), ctxJSON, tagsJSON, toMS(w.CreatedAt), toMS(w.UpdatedAt))
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := s.insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) GetWork(ctx context.Context, id string) (*model.Work, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	w, err := scanWork(s.queryRow(ctx, s.db, `SELECT `+workColumns+` FROM works WHERE id = $1`, id))
	return w, notFound(err)
}

func (s *sqlStore) ListWorks(ctx context.Context, botID string) ([]*model.Work, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.listWorks(ctx, `SELECT `+workColumns+` FROM works WHERE bot_id = $1 ORDER BY created_at, id`, botID)
}

func (s *sqlStore) ActiveBots(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, s.db,
		`SELECT DISTINCT bot_id FROM works WHERE status IN ($1, $2) ORDER BY bot_id`,
		string(model.WorkPending), string(model.WorkInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) ActiveWorks(ctx context.Context, botID string) ([]*model.Work, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.listWorks(ctx, `SELECT `+workColumns+` FROM works
		WHERE bot_id = $1 AND status IN ($2, $3)
		ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
			created_at, id`,
		botID, string(model.WorkPending), string(model.WorkInProgress))
}

func (s *sqlStore) listWorks(ctx context.Context, query string, args ...any) ([]*model.Work, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Work
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkWorkStarted(ctx context.Context, id string) (bool, error) {
	return s.TransitionWork(ctx, id, model.WorkInProgress, "", model.WorkPending)
}

func (s *sqlStore) SetWorkStatus(ctx context.Context, id string, status model.WorkStatus, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db,
		`UPDATE works SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), nullStr(errMsg), toMS(s.now()), id))
}

func (s *sqlStore) TransitionWork(ctx context.Context, id string, to model.WorkStatus, errMsg string, from ...model.WorkStatus) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if len(from) == 0 {
		err := s.SetWorkStatus(ctx, id, to, errMsg)
		return err == nil, err
	}
	args := []any{string(to), nullStr(errMsg), toMS(s.now()), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	q := `UPDATE works SET status = $1, error = $2, updated_at = $3
		WHERE id = $4 AND status IN (` + placeholders(5, len(from)) + `)`
	return changed(s.exec(ctx, s.db, q, args...))
}

func (s *sqlStore) RecalculateProgress(ctx context.Context, id string) (float64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var progress float64
	var all bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var total, done int
		err := s.queryRow(ctx, tx, `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0)
			FROM tasks WHERE work_id = $2`, string(model.TaskCompleted), id).Scan(&total, &done)
		if err != nil {
			return err
		}
		if total == 0 {
			return nil
		}
		progress = float64(done) / float64(total)
		all = done == total
		return affected(s.exec(ctx, tx,
			`UPDATE works SET progress = $1, updated_at = $2 WHERE id = $3`,
			progress, toMS(s.now()), id))
	})
	if err != nil {
		return 0, false, err
	}
	return progress, all, nil
}

func (s *sqlStore) DeleteWork(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM jobs WHERE work_id = $1`, id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM tasks WHERE work_id = $1`, id); err != nil {
			return err
		}
		return affected(s.exec(ctx, tx, `DELETE FROM works WHERE id = $1`, id))
	})
}
