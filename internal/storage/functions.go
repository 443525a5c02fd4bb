package storage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"pewcore/internal/model"
)

func (s *sqlStore) CreateFunction(ctx context.Context, f *model.Function) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.ExecutionType == "" {
		f.ExecutionType = model.ExecAgent
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	params, err := jsonText(f.Params)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO functions(id, bot_id, name, description, execution_type, code, params, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.BotID, f.Name, nullStr(f.Description), string(f.ExecutionType), nullStr(f.Code), params, toMS(f.CreatedAt))
	return err
}

func (s *sqlStore) GetFunction(ctx context.Context, id string) (*model.Function, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		f                  model.Function
		typ                string
		desc, code, params sql.NullString
		created            int64
	)
	err := s.queryRow(ctx, s.db, `SELECT id, bot_id, name, description, execution_type, code, params, created_at
		FROM functions WHERE id = $1`, id).
		Scan(&f.ID, &f.BotID, &f.Name, &desc, &typ, &code, &params, &created)
	if err != nil {
		return nil, notFound(err)
	}
	f.Description = desc.String
	f.ExecutionType = model.ExecutionType(typ)
	f.Code = code.String
	f.CreatedAt = fromMS(created)
	if err := decodeJSON(params, &f.Params); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *sqlStore) PutChatBinding(ctx context.Context, b model.ChatBinding) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO chat_bindings(bot_id, chat_id, platform, platform_chat_id, thread_id)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(bot_id, chat_id) DO UPDATE SET
			platform = excluded.platform,
			platform_chat_id = excluded.platform_chat_id,
			thread_id = excluded.thread_id`,
		b.BotID, b.ChatID, b.Platform, b.PlatformChatID, b.ThreadID)
	return err
}

func (s *sqlStore) GetChatBinding(ctx context.Context, botID, chatID string) (model.ChatBinding, error) {
	if s == nil || s.db == nil {
		return model.ChatBinding{}, ErrDisabled
	}
	b := model.ChatBinding{BotID: botID, ChatID: chatID}
	err := s.queryRow(ctx, s.db, `SELECT platform, platform_chat_id, thread_id FROM chat_bindings
		WHERE bot_id = $1 AND chat_id = $2`, botID, chatID).
		Scan(&b.Platform, &b.PlatformChatID, &b.ThreadID)
	if err != nil {
		return model.ChatBinding{}, notFound(err)
	}
	return b, nil
}
