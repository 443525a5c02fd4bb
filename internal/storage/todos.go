package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"pewcore/internal/model"
)

const todoColumns = `id, bot_id, chat_id, title, notes, priority, status, remind_at, created_at`

func scanTodo(r rowScanner) (*model.Todo, error) {
	var (
		t                model.Todo
		priority, status string
		chatID, notes    sql.NullString
		remind           sql.NullInt64
		created          int64
	)
	if err := r.Scan(&t.ID, &t.BotID, &chatID, &t.Title, &notes, &priority, &status, &remind, &created); err != nil {
		return nil, err
	}
	t.ChatID = chatID.String
	t.Notes = notes.String
	t.Priority = model.Priority(priority)
	t.Status = model.TodoStatus(status)
	t.RemindAt = timePtr(remind)
	t.CreatedAt = fromMS(created)
	return &t, nil
}

func (s *sqlStore) CreateTodo(ctx context.Context, t *model.Todo) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TodoOpen
	}
	if t.Priority == "" {
		t.Priority = model.PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO todos(`+todoColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.BotID, nullStr(t.ChatID), t.Title, nullStr(t.Notes), string(t.Priority), string(t.Status),
		msPtr(t.RemindAt), toMS(t.CreatedAt))
	return err
}

func (s *sqlStore) GetTodo(ctx context.Context, id string) (*model.Todo, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	t, err := scanTodo(s.queryRow(ctx, s.db, `SELECT `+todoColumns+` FROM todos WHERE id = $1`, id))
	return t, notFound(err)
}

func (s *sqlStore) DueReminders(ctx context.Context, now time.Time) ([]*model.Todo, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, s.db, `SELECT `+todoColumns+` FROM todos
		WHERE status = $1 AND remind_at IS NOT NULL AND remind_at <= $2
		ORDER BY remind_at, id`, string(model.TodoOpen), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetTodoStatus(ctx context.Context, id string, status model.TodoStatus) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return affected(s.exec(ctx, s.db, `UPDATE todos SET status = $1 WHERE id = $2`, string(status), id))
}

func (s *sqlStore) CompleteReminder(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	return changed(s.exec(ctx, s.db, `UPDATE todos SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.TodoDone), id, string(model.TodoOpen)))
}
