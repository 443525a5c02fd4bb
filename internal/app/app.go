// Package app wires the configured services together and owns their
// start/stop order and config hot-reload.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pewcore/internal/breaker"
	"pewcore/internal/config"
	"pewcore/internal/credits"
	"pewcore/internal/eventbus"
	"pewcore/internal/executor"
	"pewcore/internal/metrics"
	"pewcore/internal/notifier"
	"pewcore/internal/observability/server"
	"pewcore/internal/push"
	"pewcore/internal/runner"
	rtsup "pewcore/internal/runtime/supervisor"
	"pewcore/internal/scheduler"
	"pewcore/internal/storage"
	kit "pewcore/internal/transport"
	telegram "pewcore/internal/transport/telegram/adapter"
	logx "pewcore/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	breaker *breaker.Breaker
	ledger  io.Closer // non-nil for ledgers owning a connection
	notif   *notifier.Service
	hub     *push.Hub
	srv     *server.Service
	runner  *runner.Runner
	sched   *scheduler.Service
}

// New loads cfgPath and builds every service. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage.opened", logx.String("driver", sc.Driver))

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	bc, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.breaker = breaker.New(bc, a.bus, a.metrics, log)

	guard, err := a.buildCredits(cfg)
	if err != nil {
		return nil, err
	}

	ac, err := mapAgentConfig(cfg)
	if err != nil {
		return nil, err
	}
	scr, err := mapScriptConfig(cfg)
	if err != nil {
		return nil, err
	}
	execs := executor.Set{
		Agent:  executor.NewAgentExecutor(ac),
		Script: executor.NewScriptExecutor(scr),
	}

	adapters := map[string]kit.Adapter{}
	if tc, enabled := mapTelegramConfig(cfg); enabled {
		ad, err := telegram.New(tc, log)
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		adapters[telegram.Name] = ad
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(nc, adapters, a.store, a.bus, a.metrics, log)

	a.hub = push.New(a.bus, a.metrics, log)

	svc, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.srv = server.New(svc, server.Handlers{
		Metrics: a.metrics.Handler(),
		Push:    a.hub,
		Health:  a.health,
	}, log)

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.runner = runner.New(rc, a.store, execs, a.breaker, guard, a.bus, a.metrics, log)

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schc, a.store, a.notif, a.bus, a.metrics, log)

	ok = true
	return a, nil
}

// buildCredits returns a guard over the configured ledger. A disabled guard
// has no ledger and allows everything.
func (a *App) buildCredits(cfg *config.Config) (*credits.Guard, error) {
	cc, err := mapCreditsConfig(cfg)
	if err != nil {
		return nil, err
	}
	log := a.logs.Logger()
	if !cc.Enabled {
		return credits.NewGuard(nil, a.bus, a.metrics, log), nil
	}
	var ledger credits.Ledger = credits.SQLLedger{Store: a.store}
	if cc.Backend == "redis" {
		rl, err := credits.NewRedisLedger(cc.RedisURL, cc.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("credits redis ledger: %w", err)
		}
		a.ledger = rl
		ledger = rl
	}
	a.log.Info("credits.enabled", logx.String("backend", cc.Backend))
	return credits.NewGuard(ledger, a.bus, a.metrics, log), nil
}

func (a *App) health() error {
	if a.store == nil {
		return storage.ErrDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.store.Ping(ctx)
}

func (a *App) Logger() logx.Logger           { return a.logs.Logger() }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Runner() *runner.Runner        { return a.runner }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Notifier() *notifier.Service   { return a.notif }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.hub.Start(run)
	a.srv.Start(run)
	a.runner.Start(run)
	if a.sched.Enabled() {
		a.sched.Start(run)
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app.started",
		logx.Bool("runner", a.runner.Enabled()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies published configs. Bursts are coalesced to the newest.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// restartOnly lists sections whose changes need a process restart.
var restartOnly = map[string]bool{
	"storage":  true,
	"credits":  true,
	"telegram": true,
	"agent":    true,
	"script":   true,
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config.reloaded", logx.String("changed", "none"))
		return
	}
	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config.restart_required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if bc, err := mapBreakerConfig(next); err == nil {
		a.breaker.Apply(bc)
	} else {
		a.log.Warn("config.apply_failed", logx.String("section", "breaker"), logx.Err(err))
	}

	if rc, err := mapRunnerConfig(next); err != nil {
		a.log.Warn("config.apply_failed", logx.String("section", "runner"), logx.Err(err))
	} else {
		a.toggle(ctx, "runner", a.runner.Enabled(), rc.Enabled, func() { a.runner.Apply(rc) }, a.runner.Start, a.runner.Stop)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("config.apply_failed", logx.String("section", "scheduler"), logx.Err(err))
	} else {
		a.toggle(ctx, "scheduler", a.sched.Enabled(), sc.Enabled, func() { a.sched.Apply(sc) }, a.sched.Start, a.sched.Stop)
	}

	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("config.apply_failed", logx.String("section", "notifier"), logx.Err(err))
	} else {
		a.toggle(ctx, "notifier", a.notif.Enabled(), nc.Enabled, func() { a.notif.Apply(nc) }, a.notif.Start, a.notif.Stop)
	}

	if svc, err := mapServerConfig(next); err != nil {
		a.log.Warn("config.apply_failed", logx.String("section", "server"), logx.Err(err))
	} else {
		a.srv.Reconfigure(ctx, svc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.reloaded", fields...)
}

// toggle applies a new config and starts or stops the service when its
// enabled flag flips. Stops are bounded.
func (a *App) toggle(ctx context.Context, name string, was, now bool, apply func(), start, stop func(context.Context)) {
	if was && !now {
		a.log.Info("config.disabled", logx.String("service", name))
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		stop(stopCtx)
		cancel()
	}
	apply()
	if !was && now {
		a.log.Info("config.enabled", logx.String("service", name))
		start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("app.stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so poll loops unwind immediately.
	a.sup.Cancel()

	a.step(ctx, "workers", 10*time.Second, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		g.Go(func() error { a.runner.Stop(gctx); return nil })
		g.Go(func() error { a.sched.Stop(gctx); return nil })
		return g.Wait()
	})
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "push", time.Second, func(c context.Context) error { a.hub.Stop(c); return nil })
	a.step(ctx, "server", 2*time.Second, func(c context.Context) error { a.srv.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("app.stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}

func (a *App) closeResources() error {
	var first error
	if a.ledger != nil {
		first = a.ledger.Close()
		a.ledger = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && first == nil {
			first = err
		}
		a.store = nil
	}
	return first
}

// step runs one shutdown stage bounded by limit and the caller's deadline.
// A stage that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop.skipped", logx.String("step", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop.step_error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop.step_done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop.step_deadline", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop.step_finished_late", logx.String("step", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
