package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pewcore/internal/eventbus"
	"pewcore/internal/metrics"
	rtsup "pewcore/internal/runtime/supervisor"
	"pewcore/internal/storage"
	kit "pewcore/internal/transport"
	logx "pewcore/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoAdapter = errors.New("no adapter for channel")
)

// Stores is the persistence the notifier reads: chat bindings to resolve
// platform targets, and the optional dedup table.
type Stores interface {
	storage.BindingStore
	storage.DedupStore
}

type job struct {
	n   kit.Notification
	key string
}

// pipeline is one Start..Stop generation of the relay.
type pipeline struct {
	queue   chan job
	persist chan dedupWrite // nil unless dedup is persisted
	sup     *rtsup.Supervisor
}

// Service is safe for concurrent use.
type Service struct {
	log      logx.Logger
	adapters map[string]kit.Adapter
	bus      eventbus.Bus
	store    Stores
	metrics  *metrics.Metrics
	dedup    dedupCache

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	run      *pipeline
	draining chan struct{} // non-nil while Stop drains run

	// enqueues counts Notify calls that hold a reference to run.queue.
	enqueues sync.WaitGroup
}

// New builds the delivery sink. adapters maps a platform name (as stored in
// chat bindings) to its sender; store may be nil, which disables the relay
// lookup and persisted dedup.
func New(cfg Config, adapters map[string]kit.Adapter, store Stores, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	ads := make(map[string]kit.Adapter, len(adapters))
	for name, ad := range adapters {
		if ad != nil {
			ads[strings.ToLower(name)] = ad
		}
	}
	s := &Service{
		adapters: ads,
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
		store:    store,
		metrics:  m,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start launches the worker pool. It is a no-op when disabled or running,
// and waits out a Stop still draining.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.draining != nil {
		wait := s.draining
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	p := &pipeline{
		queue: make(chan job, cfg.QueueSize),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	if cfg.PersistDedup && s.store != nil {
		p.persist = make(chan dedupWrite, persistBuffer)
	}
	s.run = p
	s.mu.Unlock()

	if p.persist != nil {
		p.sup.GoRestart("notifier.dedup_persist", func(c context.Context) error {
			return s.persistLoop(c, p.persist)
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, p.queue)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier.started", logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
}

// Stop refuses new notifications and lets the workers drain the queue
// until ctx ends, after which pending sends are abandoned.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	if s.draining != nil {
		wait := s.draining
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.draining = done
	s.mu.Unlock()

	go func() {
		s.enqueues.Wait()
		if p.persist != nil {
			close(p.persist)
		}
		close(p.queue)
		_ = p.sup.Wait(context.Background())

		s.mu.Lock()
		s.run = nil
		s.draining = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.sup.Cancel()
		s.log.Warn("notifier.drain_timeout", logx.Int("pending", len(p.queue)))
	}
}

// Deliver announces text to the UI channel and relays it to the bound
// platform chat, if any. It never fails the caller.
//
// Every call is a distinct fire, so the relay skips the dedup window; the
// scheduler claims each fire before delivering it.
func (s *Service) Deliver(ctx context.Context, botID, chatID, text string) {
	if s == nil {
		return
	}
	eventbus.Emit(s.bus, eventbus.DeliveryMessage, eventbus.DeliveryEvent{BotID: botID, ChatID: chatID, Text: text})

	chatID = strings.TrimSpace(chatID)
	if chatID == "" || s.store == nil {
		return
	}
	b, err := s.store.GetChatBinding(ctx, botID, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.metrics.Delivery("failed")
		s.log.Warn("delivery.binding_lookup_failed", logx.String("bot_id", botID), logx.String("chat_id", chatID), logx.Err(err))
		return
	}
	err = s.enqueue(ctx, kit.Notification{
		Channel: strings.ToLower(b.Platform),
		Target:  kit.ChatTarget{ChatID: b.PlatformChatID, ThreadID: b.ThreadID},
		Text:    text,
	}, false)
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.metrics.Delivery("dropped")
		s.log.Warn("delivery.relay_failed",
			logx.String("bot_id", botID),
			logx.String("chat_id", chatID),
			logx.String("platform", b.Platform),
			logx.Err(err),
		)
	}
}

// Notify enqueues a platform notification. A duplicate inside the dedup
// window is accepted and dropped.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	return s.enqueue(ctx, n, true)
}

func (s *Service) enqueue(ctx context.Context, n kit.Notification, dedup bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case s.run == nil || s.draining != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.adapters[n.Channel]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w %q", ErrNoAdapter, n.Channel)
	}
	cfg, p := s.cfg, s.run
	s.enqueues.Add(1)
	s.mu.Unlock()
	defer s.enqueues.Done()

	key := dedupKey(n)
	if dedup && cfg.DedupWindow > 0 && key != "" && !s.admit(ctx, key, cfg, p.persist) {
		s.metrics.Delivery("deduped")
		s.emit(EventDeduped, n, key, nil)
		return nil
	}

	select {
	case p.queue <- job{n: n, key: key}:
		s.metrics.SetQueueDepth(len(p.queue))
		s.emit(EventQueued, n, key, nil)
		return nil
	default:
		s.emit(EventDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) emit(typ string, n kit.Notification, key string, err error) {
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}
