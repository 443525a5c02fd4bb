package storage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"pewcore/internal/model"
)

const jobColumns = `id, bot_id, task_id, work_id, chat_id, status, attempt, result, error, logs,
	created_at, started_at, finished_at`

// interruptedMessage marks executions cut short by a process restart.
const interruptedMessage = "Interrupted by restart"

func scanJob(r rowScanner) (*model.Job, error) {
	var (
		j                      model.Job
		status                 string
		chatID, result, errMsg sql.NullString
		logs                   sql.NullString
		created                int64
		started, finished      sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.BotID, &j.TaskID, &j.WorkID, &chatID, &status, &j.Attempt, &result, &errMsg, &logs,
		&created, &started, &finished); err != nil {
		return nil, err
	}
	j.ChatID = chatID.String
	j.Status = model.JobStatus(status)
	j.Result = result.String
	j.Error = errMsg.String
	j.CreatedAt = fromMS(created)
	if t := timePtr(started); t != nil {
		j.StartedAt = *t
	}
	if t := timePtr(finished); t != nil {
		j.FinishedAt = *t
	}
	if err := decodeJSON(logs, &j.Logs); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqlStore) CreateJob(ctx context.Context, j *model.Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.Attempt <= 0 {
		j.Attempt = 1
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now().UTC()
	}
	logs, err := jsonText(j.Logs)
	if err != nil {
		return err
	}
	var started any
	if !j.StartedAt.IsZero() {
		started = j.StartedAt.UnixMilli()
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO jobs(`+jobColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, j.BotID, j.TaskID, j.WorkID, nullStr(j.ChatID), string(j.Status), j.Attempt,
		nullStr(j.Result), nullStr(j.Error), logs, toMS(j.CreatedAt), started, nil)
	return err
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	j, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	return j, notFound(err)
}

func (s *sqlStore) ListJobs(ctx context.Context, taskID string) ([]*model.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE task_id = $1 ORDER BY attempt, created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) FinishJob(ctx context.Context, id string, status model.JobStatus, result, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db,
		`UPDATE jobs SET status = $1, result = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(status), nullStr(result), nullStr(errMsg), toMS(s.now()), id))
}

func (s *sqlStore) SaveJobLogs(ctx context.Context, id string, logs []model.JobLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	raw, err := jsonText(logs)
	if err != nil {
		return err
	}
	return affected(s.exec(ctx, s.db, `UPDATE jobs SET logs = $1 WHERE id = $2`, raw, id))
}

func (s *sqlStore) RecoverInterrupted(ctx context.Context) (int64, int64, error) {
	if s == nil || s.db == nil {
		return 0, 0, ErrDisabled
	}
	var jobs, tasks int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := toMS(s.now())
		res, err := s.exec(ctx, tx,
			`UPDATE jobs SET status = $1, error = $2, finished_at = $3 WHERE status IN ($4, $5)`,
			string(model.JobCancelled), interruptedMessage, now, string(model.JobPending), string(model.JobRunning))
		if err != nil {
			return err
		}
		if jobs, err = res.RowsAffected(); err != nil {
			return err
		}
		res, err = s.exec(ctx, tx,
			`UPDATE tasks SET status = $1, error = $2, updated_at = $3 WHERE status = $4`,
			string(model.TaskPending), interruptedMessage, now, string(model.TaskInProgress))
		if err != nil {
			return err
		}
		tasks, err = res.RowsAffected()
		return err
	})
	return jobs, tasks, err
}
