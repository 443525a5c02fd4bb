package credits

import (
	"context"

	"pewcore/internal/storage"
)

// SQLLedger keeps balances in the core's relational store.
type SQLLedger struct {
	Store storage.CreditStore
}

func (l SQLLedger) Balance(ctx context.Context, userID string) (float64, bool, error) {
	return l.Store.CreditBalance(ctx, userID)
}

func (l SQLLedger) Deduct(ctx context.Context, userID string, amount float64) (float64, bool, error) {
	return l.Store.DeductCredits(ctx, userID, amount)
}
