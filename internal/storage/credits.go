package storage

import (
	"context"
	"database/sql"
	"errors"
)

func (s *sqlStore) SetCredits(ctx context.Context, userID string, balance float64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO credits(user_id, balance, updated_at) VALUES($1,$2,$3)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		userID, balance, toMS(s.now()))
	return err
}

func (s *sqlStore) CreditBalance(ctx context.Context, userID string) (float64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var bal float64
	err := s.queryRow(ctx, s.db, `SELECT balance FROM credits WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return bal, true, nil
}

// DeductCredits subtracts amount in place and returns the new balance. The
// balance may go negative; the guard refuses to start work only when the
// balance is below the estimated cost, so with a zero estimate a balance of
// exactly 0 still runs.
func (s *sqlStore) DeductCredits(ctx context.Context, userID string, amount float64) (float64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var bal float64
	err := s.queryRow(ctx, s.db,
		`UPDATE credits SET balance = balance - $1, updated_at = $2 WHERE user_id = $3 RETURNING balance`,
		amount, toMS(s.now()), userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return bal, true, nil
}
