package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcore/internal/breaker"
	"pewcore/internal/credits"
	"pewcore/internal/eventbus"
	"pewcore/internal/executor"
	"pewcore/internal/model"
	"pewcore/internal/storage"
	logx "pewcore/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runner.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func agentSet(f executor.Func) executor.Set { return executor.Set{Agent: f} }

func newRunner(st Store, ex executor.Set, br Breaker, cg CreditGuard, bus eventbus.Bus, cfg Config) *Runner {
	cfg.Enabled = true
	return New(cfg, st, ex, br, cg, bus, nil, logx.Nop())
}

func seed(t *testing.T, st storage.Store, w *model.Work, tasks ...*model.Task) *model.Work {
	t.Helper()
	if w.BotID == "" {
		w.BotID = "bot1"
	}
	if w.Title == "" {
		w.Title = "work"
	}
	require.NoError(t, st.CreateWork(context.Background(), w, tasks))
	return w
}

func drain(t *testing.T, r *Runner) {
	t.Helper()
	require.Eventually(t, func() bool { return r.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
	r.wg.Wait()
}

func getWork(t *testing.T, st storage.Store, id string) *model.Work {
	t.Helper()
	w, err := st.GetWork(context.Background(), id)
	require.NoError(t, err)
	return w
}

func getTask(t *testing.T, st storage.Store, id string) *model.Task {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

type memLedger struct {
	mu  sync.Mutex
	bal map[string]float64
}

func (m *memLedger) Balance(_ context.Context, user string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bal[user]
	return b, ok, nil
}

func (m *memLedger) Deduct(_ context.Context, user string, amount float64) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bal[user]
	if !ok {
		return 0, false, nil
	}
	m.bal[user] = b - amount
	return m.bal[user], true, nil
}

func TestSuccessfulWorkWithDependencies(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	ledger := &memLedger{bal: map[string]float64{"alice": 2}}
	guard := credits.NewGuard(ledger, nil, nil, logx.Nop())
	ex := agentSet(func(_ context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{Text: "done: " + req.Description, Usage: executor.Usage{TotalTokens: 10, Cost: 0.5}}, nil
	})
	r := newRunner(st, ex, nil, guard, bus, Config{})

	a := &model.Task{ID: "a", Title: "fetch", Description: "fetch data", Order: 1}
	b := &model.Task{ID: "b", Title: "summarize", Description: "summarize data", Order: 2, DependsOn: []string{"a"}}
	w := seed(t, st, &model.Work{UserID: "alice"}, a, b)

	assert.Equal(t, 1, r.RunCycle(ctx))
	drain(t, r)
	assert.Equal(t, 0.5, getWork(t, st, w.ID).Progress)

	assert.Equal(t, 1, r.RunCycle(ctx))
	drain(t, r)

	got := getWork(t, st, w.ID)
	assert.Equal(t, model.WorkCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "done: summarize data", getTask(t, st, "b").Result)
	assert.Equal(t, 0, r.RunCycle(ctx))

	jobs, err := st.ListJobs(ctx, "a")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobCompleted, jobs[0].Status)
	assert.NotEmpty(t, jobs[0].Logs)

	bal, _, _ := ledger.Balance(ctx, "alice")
	assert.Equal(t, 1.0, bal)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.JobStarted)
	assert.Contains(t, types, eventbus.WorkProgress)
	assert.Contains(t, types, eventbus.WorkCompleted)
}

func TestConcurrencyCeilingDefersDispatch(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	release := make(chan struct{})
	ex := agentSet(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		select {
		case <-release:
			return executor.Result{Text: "ok"}, nil
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	})
	r := newRunner(st, ex, nil, nil, nil, Config{MaxConcurrent: 5})

	for i := 0; i < 7; i++ {
		seed(t, st, &model.Work{}, &model.Task{Title: "t"})
	}
	assert.Equal(t, 5, r.RunCycle(ctx))
	assert.Equal(t, 5, r.InFlight())
	assert.Equal(t, 0, r.RunCycle(ctx))

	close(release)
	drain(t, r)
	assert.Equal(t, 2, r.RunCycle(ctx))
	drain(t, r)
	assert.Equal(t, 0, r.RunCycle(ctx))
}

func TestRetryThenFail(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	calls := 0
	ex := agentSet(func(context.Context, executor.Request) (executor.Result, error) {
		calls++
		return executor.Result{}, errors.New("boom")
	})
	r := newRunner(st, ex, nil, nil, nil, Config{})
	task := &model.Task{ID: "t1", Title: "flaky", MaxRetries: 2}
	w := seed(t, st, &model.Work{}, task)

	for i := 0; i < 5; i++ {
		r.RunCycle(ctx)
		drain(t, r)
	}
	assert.Equal(t, 3, calls)

	got := getTask(t, st, "t1")
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	jobs, err := st.ListJobs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, j := range jobs {
		assert.Equal(t, model.JobFailed, j.Status)
		assert.Equal(t, "boom", j.Error)
		assert.Equal(t, i+1, j.Attempt)
	}

	gw := getWork(t, st, w.ID)
	assert.Equal(t, model.WorkFailed, gw.Status)
	assert.Equal(t, "Task 'flaky' failed: boom", gw.Error)
}

func TestRetryThenSucceed(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	calls := 0
	ex := agentSet(func(context.Context, executor.Request) (executor.Result, error) {
		calls++
		if calls <= 2 {
			return executor.Result{}, errors.New("flaky upstream")
		}
		return executor.Result{Text: "ok"}, nil
	})
	r := newRunner(st, ex, nil, nil, nil, Config{})
	w := seed(t, st, &model.Work{}, &model.Task{ID: "t1", Title: "flaky", MaxRetries: 2})

	for i := 0; i < 5; i++ {
		r.RunCycle(ctx)
		drain(t, r)
	}
	assert.Equal(t, 3, calls)

	got := getTask(t, st, "t1")
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	jobs, err := st.ListJobs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	want := []model.JobStatus{model.JobFailed, model.JobFailed, model.JobCompleted}
	for i, j := range jobs {
		assert.Equal(t, want[i], j.Status, "job %d", i+1)
		assert.Equal(t, i+1, j.Attempt)
	}
	assert.Equal(t, model.WorkCompleted, getWork(t, st, w.ID).Status)
}

func TestBudgetExceededFailsImmediately(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	ex := agentSet(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{}, executor.BudgetExceeded(errors.New("402 payment required"))
	})
	br := breaker.New(breaker.Config{MaxConsecutiveFailures: 5}, nil, nil, logx.Nop())
	r := newRunner(st, ex, br, nil, nil, Config{})
	w := seed(t, st, &model.Work{}, &model.Task{ID: "t1", Title: "pricey"})

	assert.Equal(t, 1, r.RunCycle(ctx))
	drain(t, r)

	assert.Equal(t, model.TaskFailed, getTask(t, st, "t1").Status)
	assert.Equal(t, 0, getTask(t, st, "t1").RetryCount)
	assert.Equal(t, model.WorkFailed, getWork(t, st, w.ID).Status)
	assert.Equal(t, 1, br.FailureCount(w.AutomationID()))
	assert.Equal(t, 0, r.RunCycle(ctx))
}

func TestInsufficientCreditsIsBudgetFailure(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	called := false
	ex := agentSet(func(context.Context, executor.Request) (executor.Result, error) {
		called = true
		return executor.Result{}, nil
	})
	guard := credits.NewGuard(&memLedger{bal: map[string]float64{"bot1": 0.2}}, nil, nil, logx.Nop())
	r := newRunner(st, ex, nil, guard, nil, Config{EstimatedCost: 1})
	w := seed(t, st, &model.Work{}, &model.Task{ID: "t1"})

	r.RunCycle(ctx)
	drain(t, r)
	assert.False(t, called)
	assert.Equal(t, model.WorkFailed, getWork(t, st, w.ID).Status)
	assert.Contains(t, getWork(t, st, w.ID).Error, "insufficient credits")
}

func TestTimeoutIsRetryable(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	ex := agentSet(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	r := newRunner(st, ex, nil, nil, nil, Config{})
	seed(t, st, &model.Work{}, &model.Task{ID: "t1", TimeoutSeconds: 1})

	r.RunCycle(ctx)
	drain(t, r)

	got := getTask(t, st, "t1")
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "Timeout after 1 seconds", got.Error)
}

func blockingSet(started chan<- struct{}) executor.Set {
	return agentSet(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
}

func TestTimeoutErrorRoundsUp(t *testing.T) {
	cases := []struct {
		after time.Duration
		want  string
	}{
		{0, "Timeout after 1 seconds"},
		{200 * time.Millisecond, "Timeout after 1 seconds"},
		{time.Second, "Timeout after 1 seconds"},
		{1500 * time.Millisecond, "Timeout after 2 seconds"},
		{90 * time.Second, "Timeout after 90 seconds"},
	}
	for _, tc := range cases {
		if got := (timeoutError{after: tc.after}).Error(); got != tc.want {
			t.Fatalf("timeout %v: got %q, want %q", tc.after, got, tc.want)
		}
	}
}

func TestCancelJobRequeuesTask(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	started := make(chan struct{}, 1)
	br := breaker.New(breaker.Config{}, nil, nil, logx.Nop())
	r := newRunner(st, blockingSet(started), br, nil, nil, Config{})
	w := seed(t, st, &model.Work{}, &model.Task{ID: "t1"})

	require.Equal(t, 1, r.RunCycle(ctx))
	<-started
	jobs, err := st.ListJobs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	assert.True(t, r.CancelJob(jobs[0].ID))
	assert.False(t, r.CancelJob("missing"))
	drain(t, r)

	got := getTask(t, st, "t1")
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, "Cancelled, will retry", got.Error)
	assert.Equal(t, 0, got.RetryCount)
	j, err := st.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, j.Status)
	assert.Equal(t, 0, br.FailureCount(w.AutomationID()))
	assert.Equal(t, model.WorkInProgress, getWork(t, st, w.ID).Status)
}

func TestCancelWorkAbandonsTasks(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	started := make(chan struct{}, 1)
	r := newRunner(st, blockingSet(started), nil, nil, nil, Config{})
	w := seed(t, st, &model.Work{}, &model.Task{ID: "t1"}, &model.Task{ID: "t2", DependsOn: []string{"t1"}})

	require.Equal(t, 1, r.RunCycle(ctx))
	<-started
	n, err := r.CancelWork(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	drain(t, r)

	gw := getWork(t, st, w.ID)
	assert.Equal(t, model.WorkCancelled, gw.Status)
	assert.Equal(t, "Cancelled", getTask(t, st, "t1").Error)
	assert.Equal(t, model.TaskPending, getTask(t, st, "t1").Status)
	assert.Equal(t, 0, r.RunCycle(ctx))

	n, err = r.CancelWork(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = r.CancelWork(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPausedAutomationIsSkipped(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	ex := agentSet(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{}, errors.New("nope")
	})
	br := breaker.New(breaker.Config{MaxConsecutiveFailures: 1, Cooldown: time.Hour}, nil, nil, logx.Nop())
	r := newRunner(st, ex, br, nil, nil, Config{})
	w := seed(t, st, &model.Work{}, &model.Task{ID: "t1", MaxRetries: 5})

	require.Equal(t, 1, r.RunCycle(ctx))
	drain(t, r)
	assert.True(t, br.IsPaused(w.AutomationID()))
	assert.Equal(t, 0, r.RunCycle(ctx))
	assert.Equal(t, model.TaskPending, getTask(t, st, "t1").Status)
}

func TestScriptFunctionUsesScriptExecutor(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	fn := &model.Function{BotID: "bot1", Name: "cleanup", ExecutionType: model.ExecScript, Code: "echo hi"}
	require.NoError(t, st.CreateFunction(ctx, fn))

	var gotCode string
	ex := executor.Set{
		Agent: executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
			return executor.Result{}, errors.New("agent should not run")
		}),
		Script: executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
			gotCode = req.Function.Code
			return executor.Result{Text: "hi"}, nil
		}),
	}
	r := newRunner(st, ex, nil, nil, nil, Config{})
	w := seed(t, st, &model.Work{FunctionID: fn.ID}, &model.Task{ID: "t1"})

	r.RunCycle(ctx)
	drain(t, r)
	assert.Equal(t, "echo hi", gotCode)
	assert.Equal(t, model.WorkCompleted, getWork(t, st, w.ID).Status)
}

func TestStartRecoversAndStopInterrupts(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	w := seed(t, st, &model.Work{}, &model.Task{ID: "t1"})
	ok, err := st.ClaimTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	orphan := &model.Job{BotID: w.BotID, TaskID: "t1", WorkID: w.ID, Status: model.JobRunning}
	require.NoError(t, st.CreateJob(ctx, orphan))

	started := make(chan struct{}, 1)
	r := newRunner(st, blockingSet(started), nil, nil, nil, Config{PollInterval: time.Hour})
	r.Start(ctx)
	<-started

	j, err := st.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, j.Status)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r.Stop(stopCtx)
	r.Stop(stopCtx)
	assert.Equal(t, 0, r.InFlight())

	got := getTask(t, st, "t1")
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, "Interrupted by shutdown", got.Error)
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		OutcomeCompleted:   "completed",
		OutcomeRetry:       "retry",
		OutcomeFailed:      "failed",
		OutcomeBudget:      "budget_exceeded",
		OutcomeCancelled:   "cancelled",
		OutcomeInterrupted: "interrupted",
		Outcome(99):        "unknown",
	} {
		if got := o.String(); got != want {
			t.Fatalf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
