package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pewcore/internal/eventbus"
	"pewcore/internal/metrics"
	"pewcore/internal/model"
	rtsup "pewcore/internal/runtime/supervisor"
	"pewcore/internal/storage"
	logx "pewcore/pkg/logx"
)

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultDeliveryTimeout = 30 * time.Second
)

type Config struct {
	Enabled         bool
	PollInterval    time.Duration
	Timezone        string // default IANA zone for cron schedules without one
	InvokeFunctions bool
	DeliveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return c
}

// Store is the persistence the scheduler needs.
type Store interface {
	storage.ScheduleStore
	storage.TodoStore
	storage.FunctionStore
	CreateWork(ctx context.Context, w *model.Work, tasks []*model.Task) error
}

// Deliverer is the best-effort message sink. It never reports failure.
type Deliverer interface {
	Deliver(ctx context.Context, botID, chatID, text string)
}

// Report summarizes one poll cycle.
type Report struct {
	Schedules int
	Reminders int
	Works     int
	Errors    int
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	deliver Deliverer
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	sup        *rtsup.Supervisor
	deliveries sync.WaitGroup
	wake       chan struct{}
}

func New(cfg Config, store Store, deliver Deliverer, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		deliver: deliver,
		bus:     bus,
		metrics: m,
		log:     log.With(logx.String("comp", "scheduler")),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A new poll interval takes effect immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	if old.PollInterval != s.config().PollInterval {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	sup.GoRestart("scheduler.poll", s.pollLoop,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("scheduler.started", logx.Duration("poll_interval", interval))
}

// Stop ends polling and waits for in-flight deliveries until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	sup.Cancel()
	_ = sup.Wait(ctx)

	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler.stop_timeout", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler.stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) pollLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			if _, err := s.RunCycle(ctx, time.Now()); err != nil && ctx.Err() == nil {
				s.metrics.CycleError("scheduler")
				s.log.Warn("scheduler.cycle_failed", logx.Err(err))
			}
		}
		timer.Reset(s.config().PollInterval)
	}
}

// RunCycle fires everything due at now. Per-item failures are logged and
// counted; only listing failures are returned.
func (s *Service) RunCycle(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	now = now.UTC()

	schedules, serr := s.store.DueSchedules(ctx, now)
	for _, sc := range schedules {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		workID, err := s.fireSchedule(ctx, sc, now)
		if err != nil {
			rep.Errors++
			s.metrics.SchedulerError(string(sc.ScheduleType))
			s.log.Warn("scheduler.schedule_failed", logx.String("schedule_id", sc.ID), logx.Err(err))
			continue
		}
		rep.Schedules++
		if workID != "" {
			rep.Works++
		}
	}

	todos, terr := s.store.DueReminders(ctx, now)
	for _, t := range todos {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		fired, err := s.fireReminder(ctx, t)
		if err != nil {
			rep.Errors++
			s.metrics.SchedulerError("todo")
			s.log.Warn("scheduler.reminder_failed", logx.String("todo_id", t.ID), logx.Err(err))
			continue
		}
		if fired {
			rep.Reminders++
		}
	}

	if rep.Schedules+rep.Reminders > 0 {
		s.log.Debug("scheduler.cycle",
			logx.Int("schedules", rep.Schedules),
			logx.Int("reminders", rep.Reminders),
			logx.Int("works", rep.Works),
			logx.Int("errors", rep.Errors),
		)
	}
	return rep, errors.Join(serr, terr)
}

func (s *Service) fireSchedule(ctx context.Context, sc *model.Schedule, now time.Time) (string, error) {
	cfg := s.config()
	next, enabled, err := nextRunAt(sc, now, cfg.Timezone, s.log)
	if err != nil {
		// Never keep polling a broken expression.
		s.log.Warn("scheduler.schedule_disabled", logx.String("schedule_id", sc.ID), logx.Err(err))
		next, enabled = nil, false
	}
	// A fire is delivered and invoked only once its run is recorded.
	if err := s.store.RecordScheduleRun(ctx, sc.ID, now, next, enabled); err != nil {
		return "", err
	}

	msg := sc.Message()
	s.deliverAsync(ctx, sc.BotID, sc.TargetChat(), msg)

	var workID string
	if cfg.InvokeFunctions && strings.TrimSpace(sc.FunctionID) != "" {
		id, err := s.invokeFunction(ctx, sc, msg)
		if err != nil {
			s.log.Warn("scheduler.invoke_failed",
				logx.String("schedule_id", sc.ID),
				logx.String("function_id", sc.FunctionID),
				logx.Err(err),
			)
		}
		workID = id
	}

	s.metrics.SchedulerFired(string(sc.ScheduleType))
	eventbus.Emit(s.bus, eventbus.ScheduleFired, eventbus.ScheduleEvent{
		BotID:      sc.BotID,
		ScheduleID: sc.ID,
		Name:       sc.Name,
		NextRunAt:  next,
		Enabled:    enabled,
		WorkID:     workID,
	})
	return workID, nil
}

// invokeFunction turns a function-linked schedule into a single-task Work.
func (s *Service) invokeFunction(ctx context.Context, sc *model.Schedule, msg string) (string, error) {
	fn, err := s.store.GetFunction(ctx, sc.FunctionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	w := &model.Work{
		BotID:       sc.BotID,
		Title:       sc.Name,
		Description: fn.Description,
		ScheduleID:  sc.ID,
		FunctionID:  fn.ID,
		Context:     sc.FunctionParams,
	}
	task := &model.Task{Title: fn.Name, Description: msg}
	if err := s.store.CreateWork(ctx, w, []*model.Task{task}); err != nil {
		return "", err
	}
	s.log.Info("scheduler.work_created", logx.String("schedule_id", sc.ID), logx.String("work_id", w.ID))
	return w.ID, nil
}

func (s *Service) fireReminder(ctx context.Context, t *model.Todo) (bool, error) {
	// Claim before delivering so a reminder fires at most once.
	ok, err := s.store.CompleteReminder(ctx, t.ID)
	if err != nil || !ok {
		return false, err
	}
	s.deliverAsync(ctx, t.BotID, t.ChatID, t.ReminderText())
	s.metrics.SchedulerFired("todo")
	eventbus.Emit(s.bus, eventbus.TodoFired, eventbus.ScheduleEvent{BotID: t.BotID, TodoID: t.ID, Name: t.Title})
	return true, nil
}

func (s *Service) deliverAsync(ctx context.Context, botID, chatID, text string) {
	if s.deliver == nil {
		return
	}
	timeout := s.config().DeliveryTimeout
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	run := func(context.Context) {
		defer cancel()
		s.deliver.Deliver(dctx, botID, chatID, text)
	}

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	s.deliveries.Add(1)
	if sup != nil {
		sup.Go0("scheduler.deliver", func(c context.Context) {
			defer s.deliveries.Done()
			run(c)
		})
		return
	}
	go func() {
		defer s.deliveries.Done()
		run(ctx)
	}()
}

// CreateSchedule prepares s (first next_run_at) and stores it.
func (s *Service) CreateSchedule(ctx context.Context, sc *model.Schedule, now time.Time) error {
	if err := Prepare(sc, now); err != nil {
		return err
	}
	return s.store.CreateSchedule(ctx, sc)
}

// SetEnabled toggles a schedule. Re-enabling recomputes next_run_at from now.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	if !enabled {
		return s.store.SetScheduleEnabled(ctx, id, false, nil)
	}
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if err := Prepare(sc, now); err != nil {
		return err
	}
	return s.store.SetScheduleEnabled(ctx, id, true, sc.NextRunAt)
}
