package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcore/internal/eventbus"
	logx "pewcore/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, bus eventbus.Bus) (*Breaker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Config{MaxConsecutiveFailures: 3, Cooldown: 10 * time.Minute}, bus, nil, logx.Nop(), WithClock(clk.Now))
	return b, clk
}

func TestTripAndSelfHeal(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	b, clk := newTestBreaker(t, bus)

	b.RecordOutcome("fn:1", false)
	b.RecordOutcome("fn:1", false)
	assert.False(t, b.IsPaused("fn:1"))
	assert.Equal(t, 2, b.FailureCount("fn:1"))

	assert.True(t, b.Record("bot1", "fn:1", false))
	assert.True(t, b.IsPaused("fn:1"))
	until, ok := b.PausedUntil("fn:1")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(10*time.Minute), until)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.AutomationPaused, ev.Type)
		p := ev.Data.(eventbus.PauseEvent)
		assert.Equal(t, "fn:1", p.AutomationID)
		assert.Equal(t, "bot1", p.BotID)
		assert.Equal(t, 3, p.Failures)
	default:
		t.Fatal("expected automation.paused event")
	}

	// Further failures while paused do not re-trip.
	assert.False(t, b.Record("bot1", "fn:1", false))

	clk.Advance(10 * time.Minute)
	assert.False(t, b.IsPaused("fn:1"))
	assert.Equal(t, 0, b.FailureCount("fn:1"))
}

func TestSuccessResets(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	b.RecordOutcome("a", false)
	b.RecordOutcome("a", false)
	b.RecordOutcome("a", true)
	assert.Equal(t, 0, b.FailureCount("a"))
	b.RecordOutcome("a", false)
	b.RecordOutcome("a", false)
	assert.False(t, b.IsPaused("a"))
}

func TestResetAndIsolation(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	for i := 0; i < 3; i++ {
		b.RecordOutcome("a", false)
	}
	b.RecordOutcome("b", false)
	assert.True(t, b.IsPaused("a"))
	assert.False(t, b.IsPaused("b"))

	b.Reset("a")
	assert.False(t, b.IsPaused("a"))
	assert.Equal(t, 1, b.FailureCount("b"))
	assert.False(t, b.IsPaused(""))
}

func TestApplyChangesThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	b.Apply(Config{MaxConsecutiveFailures: 1, Cooldown: time.Minute})
	b.RecordOutcome("x", false)
	assert.True(t, b.IsPaused("x"))

	b.Apply(Config{})
	assert.Equal(t, DefaultMaxConsecutiveFailures, b.cfg.MaxConsecutiveFailures)
	assert.Equal(t, DefaultCooldown, b.cfg.Cooldown)
}

func TestConcurrentFailures(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	b.Apply(Config{MaxConsecutiveFailures: 100, Cooldown: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordOutcome("shared", false)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.FailureCount("shared"))
}

func TestNilBreaker(t *testing.T) {
	var b *Breaker
	b.RecordOutcome("x", false)
	assert.False(t, b.IsPaused("x"))
	assert.Zero(t, b.FailureCount("x"))
	b.Reset("x")
}
