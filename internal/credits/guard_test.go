package credits

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcore/internal/eventbus"
	"pewcore/internal/storage"
	logx "pewcore/pkg/logx"
)

type memLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	err      error
}

func (l *memLedger) Balance(_ context.Context, user string) (float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, false, l.err
	}
	b, ok := l.balances[user]
	return b, ok, nil
}

func (l *memLedger) Deduct(_ context.Context, user string, amt float64) (float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, false, l.err
	}
	b, ok := l.balances[user]
	if !ok {
		return 0, false, nil
	}
	b -= amt
	l.balances[user] = b
	return b, true, nil
}

func TestCheckFailsOpen(t *testing.T) {
	ctx := context.Background()

	var nilGuard *Guard
	assert.NoError(t, nilGuard.CheckBeforeExecution(ctx, "u", 10))
	nilGuard.DeductAfterExecution(ctx, "u", 10)

	g := NewGuard(nil, nil, nil, logx.Nop())
	assert.NoError(t, g.CheckBeforeExecution(ctx, "u", 10))

	l := &memLedger{balances: map[string]float64{}}
	g = NewGuard(l, nil, nil, logx.Nop())
	assert.NoError(t, g.CheckBeforeExecution(ctx, "nobody", 10))
	g.DeductAfterExecution(ctx, "nobody", 10)
	assert.Empty(t, l.balances)

	l.err = errors.New("ledger down")
	assert.NoError(t, g.CheckBeforeExecution(ctx, "u", 10))
	g.DeductAfterExecution(ctx, "u", 10)
}

func TestCheckInsufficient(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(&memLedger{balances: map[string]float64{"u": 1, "zero": 0}}, nil, nil, logx.Nop())

	assert.NoError(t, g.CheckBeforeExecution(ctx, "u", 1))
	assert.ErrorIs(t, g.CheckBeforeExecution(ctx, "u", 2), ErrInsufficientCredits)
	assert.NoError(t, g.CheckBeforeExecution(ctx, "zero", 0))
	assert.ErrorIs(t, g.CheckBeforeExecution(ctx, "zero", 0.01), ErrInsufficientCredits)
}

func TestDeductPublishesExhaustion(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	l := &memLedger{balances: map[string]float64{"u": 1}}
	g := NewGuard(l, bus, nil, logx.Nop())

	g.DeductAfterExecution(ctx, "u", 0)
	g.DeductAfterExecution(ctx, "u", 0.4)
	assert.InDelta(t, 0.6, l.balances["u"], 1e-9)
	assert.Empty(t, events)

	g.DeductAfterExecution(ctx, "u", 0.6)
	select {
	case ev := <-events:
		require.Equal(t, eventbus.CreditsExhausted, ev.Type)
		assert.Equal(t, "u", ev.Data.(eventbus.CreditEvent).UserID)
	default:
		t.Fatal("expected credits.exhausted")
	}
}

func TestSQLLedger(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "c.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	g := NewGuard(SQLLedger{Store: st}, nil, nil, logx.Nop())
	assert.NoError(t, g.CheckBeforeExecution(ctx, "u", 5))

	require.NoError(t, st.SetCredits(ctx, "u", 3))
	assert.ErrorIs(t, g.CheckBeforeExecution(ctx, "u", 5), ErrInsufficientCredits)
	g.DeductAfterExecution(ctx, "u", 2)
	bal, found, err := st.CreditBalance(ctx, "u")
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 1.0, bal, 1e-9)
}

// Runs only against a real server: PEWCORE_TEST_REDIS_URL=redis://localhost:6379/15
func TestRedisLedger(t *testing.T) {
	url := os.Getenv("PEWCORE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PEWCORE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	l, err := NewRedisLedger(url, "pewcore:test:credits:")
	require.NoError(t, err)
	defer l.Close()

	_, found, err := l.Deduct(ctx, "missing-user", 1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, l.Set(ctx, "u", 2.5))
	bal, found, err := l.Deduct(ctx, "u", 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 1.5, bal, 1e-9)

	bal, found, err = l.Balance(ctx, "u")
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 1.5, bal, 1e-9)
}
