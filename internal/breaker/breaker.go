// Package breaker pauses automations after repeated consecutive failures.
//
// State is per process and in memory: a restart closes every breaker. Task
// retry counters are persisted separately and keep bounding repeated work.
package breaker

import (
	"strings"
	"sync"
	"time"

	"pewcore/internal/eventbus"
	"pewcore/internal/metrics"
	logx "pewcore/pkg/logx"
)

const (
	DefaultMaxConsecutiveFailures = 5
	DefaultCooldown               = time.Hour
)

type Config struct {
	MaxConsecutiveFailures int
	Cooldown               time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

type state struct {
	fails       int
	pausedUntil time.Time
}

type Breaker struct {
	mu  sync.Mutex
	cfg Config
	m   map[string]*state

	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(cfg Config, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger, opts ...Option) *Breaker {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Breaker{
		cfg:     cfg.withDefaults(),
		m:       make(map[string]*state),
		bus:     bus,
		metrics: m,
		log:     log.With(logx.String("comp", "breaker")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Apply swaps thresholds on hot-reload. Existing counters are kept.
func (b *Breaker) Apply(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// RecordOutcome records one terminal execution result for an automation.
func (b *Breaker) RecordOutcome(id string, success bool) {
	b.Record("", id, success)
}

// Record is RecordOutcome with the owning bot, used to scope the pause event.
// It reports whether this call tripped the breaker.
func (b *Breaker) Record(botID, id string, success bool) bool {
	if b == nil {
		return false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	now := b.now()

	b.mu.Lock()
	if success {
		delete(b.m, id)
		b.mu.Unlock()
		return false
	}
	st := b.m[id]
	if st == nil {
		st = &state{}
		b.m[id] = st
	}
	if !st.pausedUntil.IsZero() && !now.Before(st.pausedUntil) {
		*st = state{}
	}
	st.fails++
	tripped := st.fails >= b.cfg.MaxConsecutiveFailures && st.pausedUntil.IsZero()
	if tripped {
		st.pausedUntil = now.Add(b.cfg.Cooldown)
	}
	fails, until := st.fails, st.pausedUntil
	b.mu.Unlock()

	if tripped {
		b.log.Warn("breaker.tripped",
			logx.String("automation_id", id),
			logx.String("bot_id", botID),
			logx.Int("failures", fails),
			logx.Time("until", until),
		)
		b.metrics.BreakerTripped()
		eventbus.Emit(b.bus, eventbus.AutomationPaused, eventbus.PauseEvent{
			AutomationID: id, BotID: botID, Failures: fails, Until: until,
		})
	}
	return tripped
}

// IsPaused reports whether id is inside its cooldown. An expired cooldown
// clears the counter and the pause.
func (b *Breaker) IsPaused(id string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.expire(strings.TrimSpace(id))
	return st != nil && !st.pausedUntil.IsZero()
}

// PausedUntil returns the end of the cooldown, if paused.
func (b *Breaker) PausedUntil(id string) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.expire(strings.TrimSpace(id))
	if st == nil || st.pausedUntil.IsZero() {
		return time.Time{}, false
	}
	return st.pausedUntil, true
}

func (b *Breaker) FailureCount(id string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.expire(strings.TrimSpace(id)); st != nil {
		return st.fails
	}
	return 0
}

func (b *Breaker) Reset(id string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.m, strings.TrimSpace(id))
	b.mu.Unlock()
}

// expire must be called with mu held.
func (b *Breaker) expire(id string) *state {
	st := b.m[id]
	if st == nil {
		return nil
	}
	if !st.pausedUntil.IsZero() && !b.now().Before(st.pausedUntil) {
		delete(b.m, id)
		return nil
	}
	return st
}
