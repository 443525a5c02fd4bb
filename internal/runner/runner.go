package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"pewcore/internal/eventbus"
	"pewcore/internal/executor"
	"pewcore/internal/metrics"
	"pewcore/internal/model"
	rtsup "pewcore/internal/runtime/supervisor"
	"pewcore/internal/storage"
	logx "pewcore/pkg/logx"
)

type inflight struct {
	workID string
	cancel context.CancelCauseFunc
}

type Runner struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	exec    executor.Set
	breaker Breaker
	credits CreditGuard
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	sup  *rtsup.Supervisor
	wake chan struct{}

	// base parents every Job context; Stop cancels it.
	base       context.Context
	cancelBase context.CancelCauseFunc

	jobsMu sync.Mutex
	jobs   map[string]inflight
	wg     sync.WaitGroup
}

func New(cfg Config, store Store, exec executor.Set, br Breaker, cg CreditGuard, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		cfg:     cfg.withDefaults(),
		store:   store,
		exec:    exec,
		breaker: br,
		credits: cg,
		bus:     bus,
		metrics: m,
		log:     log.With(logx.String("comp", "runner")),
		wake:    make(chan struct{}, 1),
		jobs:    make(map[string]inflight),
	}
	r.base, r.cancelBase = context.WithCancelCause(context.Background())
	return r
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *Runner) Enabled() bool { return r.config().Enabled }

// Apply swaps the config. Lowering the ceiling never aborts running Jobs.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start recovers Jobs orphaned by a previous process and begins polling.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.sup != nil || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	if r.base.Err() != nil {
		r.base, r.cancelBase = context.WithCancelCause(context.Background())
	}
	r.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	sup := r.sup
	cfg := r.cfg
	r.mu.Unlock()

	jobs, tasks, err := r.store.RecoverInterrupted(ctx)
	switch {
	case err != nil:
		r.log.Warn("runner.recover_failed", logx.Err(err))
	case jobs > 0 || tasks > 0:
		r.log.Info("runner.recovered", logx.Int64("jobs", jobs), logx.Int64("tasks", tasks))
	}

	sup.GoRestart("runner.poll", r.pollLoop,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
	)
	r.log.Info("runner.started",
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
	)
}

// Stop halts polling, interrupts in-flight Jobs and waits for them to
// record their outcome until ctx expires.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	sup.Cancel()
	_ = sup.Wait(ctx)
	r.cancelBase(errStopped)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("runner.drain_timeout", logx.Int("in_flight", r.InFlight()))
	}
	r.log.Info("runner.stopped", logx.Duration("took", time.Since(start)))
}

func (r *Runner) pollLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-r.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			r.RunCycle(ctx)
		}
		timer.Reset(r.config().PollInterval)
	}
}

// InFlight returns the number of running Jobs.
func (r *Runner) InFlight() int {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	return len(r.jobs)
}

// RunCycle dispatches ready Tasks until the ceiling is reached and returns
// how many Jobs were launched.
func (r *Runner) RunCycle(ctx context.Context) int {
	cfg := r.config()
	bots, err := r.store.ActiveBots(ctx)
	if err != nil {
		r.cycleError(ctx, "active_bots", err)
		return 0
	}

	dispatched := 0
	for _, bot := range bots {
		works, err := r.store.ActiveWorks(ctx, bot)
		if err != nil {
			r.cycleError(ctx, "active_works", err, logx.String("bot_id", bot))
			continue
		}
		for _, w := range works {
			if r.breaker != nil && r.breaker.IsPaused(w.AutomationID()) {
				r.log.Debug("runner.paused_skip", logx.String("work_id", w.ID), logx.String("automation", w.AutomationID()))
				continue
			}
			ready, err := r.store.ReadyTasks(ctx, w.ID)
			if err != nil {
				r.cycleError(ctx, "ready_tasks", err, logx.String("work_id", w.ID))
				continue
			}
			for _, t := range ready {
				if r.InFlight() >= cfg.MaxConcurrent {
					r.metrics.DispatchDeferred()
					r.log.Debug("runner.ceiling_reached", logx.Int("max_concurrent", cfg.MaxConcurrent), logx.Int("dispatched", dispatched))
					return dispatched
				}
				ok, err := r.dispatch(ctx, w, t)
				if err != nil {
					r.cycleError(ctx, "dispatch", err, logx.String("task_id", t.ID))
					continue
				}
				if ok {
					dispatched++
				}
			}
		}
	}
	return dispatched
}

func (r *Runner) cycleError(ctx context.Context, step string, err error, fields ...logx.Field) {
	if ctx.Err() != nil {
		return
	}
	r.metrics.CycleError("runner")
	r.log.Warn("runner.cycle_failed", append([]logx.Field{logx.String("step", step), logx.Err(err)}, fields...)...)
}

func (r *Runner) dispatch(ctx context.Context, w *model.Work, t *model.Task) (bool, error) {
	claimed, err := r.store.ClaimTask(ctx, t.ID)
	if err != nil || !claimed {
		return false, err
	}
	if w.Status == model.WorkPending {
		if _, err := r.store.MarkWorkStarted(ctx, w.ID); err != nil {
			r.log.Warn("runner.mark_started_failed", logx.String("work_id", w.ID), logx.Err(err))
		}
		w.Status = model.WorkInProgress
	}

	now := time.Now().UTC()
	job := &model.Job{
		BotID:     w.BotID,
		TaskID:    t.ID,
		WorkID:    w.ID,
		Status:    model.JobRunning,
		Attempt:   t.RetryCount + 1,
		StartedAt: now,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		_ = r.store.ResetTask(ctx, t.ID, "")
		return false, err
	}

	r.mu.Lock()
	base := r.base
	r.mu.Unlock()
	jobCtx, cancel := context.WithCancelCause(base)

	r.jobsMu.Lock()
	r.jobs[job.ID] = inflight{workID: w.ID, cancel: cancel}
	n := len(r.jobs)
	r.jobsMu.Unlock()
	r.metrics.SetInFlight(n)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(job.ID)
		r.run(jobCtx, w, t, job)
	}()
	return true, nil
}

func (r *Runner) release(jobID string) {
	r.jobsMu.Lock()
	if j, ok := r.jobs[jobID]; ok {
		j.cancel(nil)
		delete(r.jobs, jobID)
	}
	n := len(r.jobs)
	r.jobsMu.Unlock()
	r.metrics.SetInFlight(n)
}

// CancelJob aborts one in-flight attempt. The Task returns to pending and
// is dispatched again on a later cycle.
func (r *Runner) CancelJob(jobID string) bool {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	j, ok := r.jobs[jobID]
	if ok {
		j.cancel(errJobCancelled)
	}
	return ok
}

// CancelWork marks the Work cancelled and aborts its in-flight Jobs. It
// returns the number of Jobs interrupted.
func (r *Runner) CancelWork(ctx context.Context, workID string) (int, error) {
	ok, err := r.store.TransitionWork(ctx, workID, model.WorkCancelled, msgCancelled,
		model.WorkPending, model.WorkInProgress)
	if err != nil {
		return 0, err
	}
	if !ok {
		if _, err := r.store.GetWork(ctx, workID); err != nil {
			return 0, err
		}
		return 0, nil
	}

	n := 0
	r.jobsMu.Lock()
	for _, j := range r.jobs {
		if j.workID == workID {
			j.cancel(errWorkCancelled)
			n++
		}
	}
	r.jobsMu.Unlock()

	var botID string
	if w, err := r.store.GetWork(ctx, workID); err == nil {
		botID = w.BotID
		eventbus.Emit(r.bus, eventbus.WorkCancelled, eventbus.ProgressEvent{
			BotID: botID, WorkID: workID, Status: string(model.WorkCancelled), Progress: w.Progress,
		})
	}
	r.log.Info("runner.work_cancelled", logx.String("work_id", workID), logx.String("bot_id", botID), logx.Int("jobs", n))
	return n, nil
}

// notFound treats a vanished function link as "no function".
func notFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
