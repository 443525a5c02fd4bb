// Package credits enforces a per-user spending ceiling around execution.
//
// The guard fails open: a missing ledger, a missing balance record or a
// ledger error all allow execution. Only a known balance below the estimate
// refuses work.
package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pewcore/internal/eventbus"
	"pewcore/internal/metrics"
	logx "pewcore/pkg/logx"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger stores user balances. found=false means the user has no record,
// which disables enforcement for that user.
type Ledger interface {
	Balance(ctx context.Context, userID string) (balance float64, found bool, err error)
	Deduct(ctx context.Context, userID string, amount float64) (balance float64, found bool, err error)
}

type Guard struct {
	ledger  Ledger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
}

// NewGuard returns a guard over ledger. A nil ledger yields a guard that
// allows everything.
func NewGuard(ledger Ledger, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{ledger: ledger, bus: bus, metrics: m, log: log.With(logx.String("comp", "credits"))}
}

// CheckBeforeExecution returns an error wrapping ErrInsufficientCredits when
// the user's known balance is below estimated. Everything else passes.
func (g *Guard) CheckBeforeExecution(ctx context.Context, userID string, estimated float64) error {
	if g == nil || g.ledger == nil {
		return nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	bal, found, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		g.metrics.CreditsError()
		g.log.Debug("credits.check_failed", logx.String("user_id", userID), logx.Err(err))
		return nil
	}
	if !found {
		return nil
	}
	if bal < estimated {
		g.metrics.CreditsDenied()
		return fmt.Errorf("%w: balance %.4f, estimated %.4f", ErrInsufficientCredits, bal, estimated)
	}
	return nil
}

// DeductAfterExecution subtracts cost from the user's balance. It never
// fails; an exhausted balance publishes credits.exhausted.
func (g *Guard) DeductAfterExecution(ctx context.Context, userID string, cost float64) {
	if g == nil || g.ledger == nil || cost <= 0 {
		return
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	bal, found, err := g.ledger.Deduct(ctx, userID, cost)
	if err != nil {
		g.metrics.CreditsError()
		g.log.Debug("credits.deduct_failed", logx.String("user_id", userID), logx.Float64("cost", cost), logx.Err(err))
		return
	}
	if !found {
		return
	}
	if bal <= 0 {
		g.metrics.CreditsExhausted()
		g.log.Info("credits.exhausted", logx.String("user_id", userID), logx.Float64("balance", bal))
		eventbus.Emit(g.bus, eventbus.CreditsExhausted, eventbus.CreditEvent{UserID: userID, Balance: bal})
	}
}
