package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"pewcore/internal/credits"
	"pewcore/internal/eventbus"
	"pewcore/internal/executor"
	"pewcore/internal/model"
	"pewcore/internal/storage"
	logx "pewcore/pkg/logx"
)

type jobLog struct {
	entries []model.JobLogEntry
}

func (l *jobLog) add(level, format string, args ...any) {
	l.entries = append(l.entries, model.JobLogEntry{
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	})
}

// run executes one Job and records its outcome. It never panics.
func (r *Runner) run(jobCtx context.Context, w *model.Work, t *model.Task, job *model.Job) {
	start := time.Now()
	cfg := r.config()
	log := r.log.With(
		logx.String("bot_id", w.BotID),
		logx.String("work_id", w.ID),
		logx.String("task_id", t.ID),
		logx.String("job_id", job.ID),
	)
	jl := &jobLog{}
	r.emitJob(eventbus.JobStarted, job, "", "")

	res, err := r.execute(jobCtx, cfg, w, t, jl)
	outcome, msg := r.classify(jobCtx, err)

	// Bookkeeping must survive the cancellation that may have ended the Job.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), bookkeepingTimeout)
	defer cancel()

	switch outcome {
	case OutcomeCompleted:
		r.onSuccess(ctx, log, w, t, job, res)
	case OutcomeCancelled, OutcomeInterrupted:
		r.onCancelled(ctx, log, t, job, msg)
	case OutcomeBudget:
		r.onBudget(ctx, log, w, t, job, msg)
	default:
		outcome = r.onFailure(ctx, log, w, t, job, msg)
	}

	if res.Usage.TotalTokens > 0 || res.Usage.Cost > 0 {
		jl.add("info", "usage: tokens=%d prompt=%d completion=%d cost=%.4f",
			res.Usage.TotalTokens, res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.Cost)
	}
	jl.add(levelFor(outcome), "outcome: %s%s", outcome, suffix(msg))
	if err := r.store.SaveJobLogs(ctx, job.ID, jl.entries); err != nil {
		log.Debug("runner.save_logs_failed", logx.Err(err))
	}

	switch outcome {
	case OutcomeCompleted, OutcomeRetry, OutcomeFailed, OutcomeBudget:
		if r.breaker != nil {
			r.breaker.Record(w.BotID, w.AutomationID(), outcome == OutcomeCompleted)
		}
	}
	if r.credits != nil && res.Usage.Cost > 0 {
		r.credits.DeductAfterExecution(ctx, w.CreditOwner(), res.Usage.Cost)
	}

	took := time.Since(start)
	r.metrics.JobFinished(outcome.String(), took)
	r.emitJob(eventbus.JobFinished, job, outcome.String(), msg)
	if outcome == OutcomeCompleted {
		log.Debug("runner.job_finished", logx.String("outcome", outcome.String()), logx.Duration("took", took))
	} else {
		log.Info("runner.job_finished", logx.String("outcome", outcome.String()), logx.String("error", msg), logx.Duration("took", took))
	}
}

func (r *Runner) execute(ctx context.Context, cfg Config, w *model.Work, t *model.Task, jl *jobLog) (res executor.Result, err error) {
	if r.credits != nil {
		if err := r.credits.CheckBeforeExecution(ctx, w.CreditOwner(), cfg.EstimatedCost); err != nil {
			return res, err
		}
	}

	var fn *model.Function
	if w.FunctionID != "" {
		f, err := r.store.GetFunction(ctx, w.FunctionID)
		switch {
		case err == nil:
			fn = f
		case !notFound(err):
			return res, err
		}
	}
	kind := executor.KindFor(fn)
	ex, err := r.exec.For(kind)
	if err != nil {
		return res, err
	}

	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	jl.add("info", "dispatched attempt %d via %s executor (timeout %s)", t.RetryCount+1, kind, timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, timeoutError{after: timeout})
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.log.Error("runner.executor_panic", logx.String("task_id", t.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	res, err = ex.Execute(ctx, executor.Request{
		BotID:       w.BotID,
		WorkID:      w.ID,
		TaskID:      t.ID,
		UserID:      w.CreditOwner(),
		Description: t.Description,
		Context:     w.Context,
		Function:    fn,
	})
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	return res, err
}

// classify maps an execution error to an outcome and the text stored on
// the Task and Job.
func (r *Runner) classify(jobCtx context.Context, err error) (Outcome, string) {
	if err == nil {
		return OutcomeCompleted, ""
	}
	switch cause := context.Cause(jobCtx); {
	case errors.Is(cause, errWorkCancelled):
		return OutcomeCancelled, msgCancelled
	case errors.Is(cause, errJobCancelled):
		return OutcomeCancelled, msgCancelledRetry
	case errors.Is(cause, errStopped):
		return OutcomeInterrupted, msgShutdown
	}
	var te timeoutError
	if errors.As(err, &te) {
		return OutcomeRetry, te.Error()
	}
	if executor.IsBudgetExceeded(err) || errors.Is(err, credits.ErrInsufficientCredits) {
		return OutcomeBudget, err.Error()
	}
	return OutcomeRetry, err.Error()
}

func (r *Runner) onSuccess(ctx context.Context, log logx.Logger, w *model.Work, t *model.Task, job *model.Job, res executor.Result) {
	job.Status = model.JobCompleted
	if err := r.store.FinishJob(ctx, job.ID, model.JobCompleted, res.Text, ""); err != nil {
		log.Warn("runner.finish_job_failed", logx.Err(err))
	}
	if err := r.store.CompleteTask(ctx, t.ID, res.Text); err != nil {
		log.Warn("runner.complete_task_failed", logx.Err(err))
		return
	}
	progress, all, err := r.store.RecalculateProgress(ctx, w.ID)
	if err != nil {
		log.Warn("runner.progress_failed", logx.Err(err))
		return
	}
	r.emitWork(eventbus.WorkProgress, w, model.WorkInProgress, progress, "")
	if !all {
		return
	}
	ok, err := r.store.TransitionWork(ctx, w.ID, model.WorkCompleted, "", model.WorkPending, model.WorkInProgress)
	if err != nil {
		log.Warn("runner.complete_work_failed", logx.Err(err))
		return
	}
	if ok {
		r.emitWork(eventbus.WorkCompleted, w, model.WorkCompleted, progress, "")
		log.Info("runner.work_completed")
	}
}

// onFailure is the retryable path. It reports OutcomeFailed once the
// Task's retries are used up.
func (r *Runner) onFailure(ctx context.Context, log logx.Logger, w *model.Work, t *model.Task, job *model.Job, msg string) Outcome {
	job.Status = model.JobFailed
	if err := r.store.FinishJob(ctx, job.ID, model.JobFailed, "", msg); err != nil {
		log.Warn("runner.finish_job_failed", logx.Err(err))
	}
	retries, err := r.store.IncrementRetry(ctx, t.ID, msg)
	switch {
	case err == nil:
		log.Debug("runner.task_retry", logx.Int("retry_count", retries), logx.Int("max_retries", t.MaxRetries))
		return OutcomeRetry
	case errors.Is(err, storage.ErrRetriesExhausted):
		if err := r.store.FailTask(ctx, t.ID, msg); err != nil {
			log.Warn("runner.fail_task_failed", logx.Err(err))
		}
		r.failWork(ctx, log, w, fmt.Sprintf("Task '%s' failed: %s", t.Title, msg))
		return OutcomeFailed
	default:
		log.Warn("runner.retry_failed", logx.Err(err))
		return OutcomeRetry
	}
}

func (r *Runner) onBudget(ctx context.Context, log logx.Logger, w *model.Work, t *model.Task, job *model.Job, msg string) {
	job.Status = model.JobFailed
	if err := r.store.FinishJob(ctx, job.ID, model.JobFailed, "", msg); err != nil {
		log.Warn("runner.finish_job_failed", logx.Err(err))
	}
	if err := r.store.FailTask(ctx, t.ID, msg); err != nil {
		log.Warn("runner.fail_task_failed", logx.Err(err))
	}
	r.failWork(ctx, log, w, msg)
}

func (r *Runner) onCancelled(ctx context.Context, log logx.Logger, t *model.Task, job *model.Job, msg string) {
	job.Status = model.JobCancelled
	if err := r.store.FinishJob(ctx, job.ID, model.JobCancelled, "", msg); err != nil {
		log.Warn("runner.finish_job_failed", logx.Err(err))
	}
	if err := r.store.ResetTask(ctx, t.ID, msg); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn("runner.reset_task_failed", logx.Err(err))
	}
}

func (r *Runner) failWork(ctx context.Context, log logx.Logger, w *model.Work, msg string) {
	ok, err := r.store.TransitionWork(ctx, w.ID, model.WorkFailed, msg, model.WorkPending, model.WorkInProgress)
	if err != nil {
		log.Warn("runner.fail_work_failed", logx.Err(err))
		return
	}
	if ok {
		r.emitWork(eventbus.WorkFailed, w, model.WorkFailed, w.Progress, msg)
		log.Info("runner.work_failed", logx.String("error", msg))
	}
}

func (r *Runner) emitJob(typ string, job *model.Job, outcome, msg string) {
	eventbus.Emit(r.bus, typ, eventbus.JobEvent{
		BotID:   job.BotID,
		WorkID:  job.WorkID,
		TaskID:  job.TaskID,
		JobID:   job.ID,
		Attempt: job.Attempt,
		Status:  string(job.Status),
		Outcome: outcome,
		Error:   msg,
	})
}

func (r *Runner) emitWork(typ string, w *model.Work, status model.WorkStatus, progress float64, msg string) {
	eventbus.Emit(r.bus, typ, eventbus.ProgressEvent{
		BotID:    w.BotID,
		WorkID:   w.ID,
		Status:   string(status),
		Progress: progress,
		Error:    msg,
	})
}

func levelFor(o Outcome) string {
	switch o {
	case OutcomeCompleted:
		return "info"
	case OutcomeCancelled, OutcomeInterrupted, OutcomeRetry:
		return "warn"
	default:
		return "error"
	}
}

func suffix(msg string) string {
	if msg == "" {
		return ""
	}
	return " (" + msg + ")"
}
