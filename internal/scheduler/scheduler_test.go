package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcore/internal/eventbus"
	"pewcore/internal/model"
	"pewcore/internal/storage"
	logx "pewcore/pkg/logx"
)

type delivered struct{ bot, chat, text string }

type fakeDeliverer struct {
	mu  sync.Mutex
	got []delivered
}

func (f *fakeDeliverer) Deliver(_ context.Context, botID, chatID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, delivered{botID, chatID, text})
}

func (f *fakeDeliverer) snapshot() []delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivered(nil), f.got...)
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sched.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newService(t *testing.T, st Store, d Deliverer, bus eventbus.Bus) *Service {
	t.Helper()
	return New(Config{Enabled: true, InvokeFunctions: true}, st, d, bus, nil, logx.Nop())
}

func TestNextRunAt(t *testing.T) {
	friday := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)

	next, enabled, err := NextRunAt(&model.Schedule{ScheduleType: model.ScheduleCron, CronExpression: "0 9 * * 1-5"}, friday)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), *next)

	next, _, err = NextRunAt(&model.Schedule{ScheduleType: model.ScheduleCron, CronExpression: "0 9 * * *", Timezone: "Asia/Jakarta"}, friday.Add(-9*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 2, 0, 0, 0, time.UTC), *next)

	next, _, err = NextRunAt(&model.Schedule{ScheduleType: model.ScheduleCron, CronExpression: "0 9 * * *", Timezone: "Mars/Olympus"}, friday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC), *next)

	next, enabled, err = NextRunAt(&model.Schedule{ScheduleType: model.ScheduleInterval, IntervalSeconds: 3600}, friday)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, friday.Add(time.Hour), *next)

	next, _, _ = NextRunAt(&model.Schedule{ScheduleType: model.ScheduleInterval, IntervalSeconds: 5}, friday)
	assert.Equal(t, friday.Add(time.Minute), *next)

	next, enabled, err = NextRunAt(&model.Schedule{ScheduleType: model.ScheduleOnce}, friday)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.False(t, enabled)

	_, enabled, err = NextRunAt(&model.Schedule{ScheduleType: model.ScheduleCron, CronExpression: "not a cron"}, friday)
	assert.ErrorIs(t, err, model.ErrInvalidSchedule)
	assert.False(t, enabled)
}

func TestPrepare(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(2 * time.Hour)

	once := &model.Schedule{BotID: "b", ScheduleType: model.ScheduleOnce, RunAt: &at}
	require.NoError(t, Prepare(once, now))
	assert.Equal(t, at, *once.NextRunAt)
	assert.True(t, once.Enabled)

	iv := &model.Schedule{BotID: "b", ScheduleType: model.ScheduleInterval, IntervalSeconds: 120}
	require.NoError(t, Prepare(iv, now))
	assert.Equal(t, now.Add(2*time.Minute), *iv.NextRunAt)

	bad := &model.Schedule{BotID: "b", ScheduleType: model.ScheduleInterval, IntervalSeconds: 10}
	assert.ErrorIs(t, Prepare(bad, now), model.ErrInvalidSchedule)
}

func TestRunCycleFiresSchedules(t *testing.T) {
	st := openStore(t)
	d := &fakeDeliverer{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc := newService(t, st, d, bus)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	once := &model.Schedule{BotID: "b", Name: "ping", ScheduleType: model.ScheduleOnce, RunAt: &past,
		FunctionParams: map[string]any{"message": "hello", "chat_id": "c1"}}
	require.NoError(t, svc.CreateSchedule(ctx, once, now))

	iv := &model.Schedule{BotID: "b", Name: "tick", Description: "tick desc", ScheduleType: model.ScheduleInterval, IntervalSeconds: 60}
	require.NoError(t, svc.CreateSchedule(ctx, iv, now.Add(-2*time.Minute)))

	rep, err := svc.RunCycle(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Schedules)

	require.Eventually(t, func() bool { return len(d.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []delivered{{"b", "c1", "hello"}, {"b", "", "tick desc"}}, d.snapshot())

	got, err := st.GetSchedule(ctx, once.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, 1, got.RunCount)

	got, err = st.GetSchedule(ctx, iv.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, now.Add(time.Minute), *got.NextRunAt)
	assert.Equal(t, now, *got.LastRunAt)

	ev := <-events
	assert.Equal(t, eventbus.ScheduleFired, ev.Type)

	rep, err = svc.RunCycle(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, rep.Schedules)
}

type brokenCron struct {
	storage.Store
	id string
}

func (b brokenCron) DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	sc, err := b.GetSchedule(ctx, b.id)
	if err != nil {
		return nil, err
	}
	sc.CronExpression = "99 99 * * *"
	return []*model.Schedule{sc}, nil
}

func TestRunCycleDisablesBrokenCron(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sc := &model.Schedule{BotID: "b", Name: "cron", ScheduleType: model.ScheduleCron, CronExpression: "* * * * *"}
	require.NoError(t, Prepare(sc, now))
	require.NoError(t, st.CreateSchedule(ctx, sc))

	d := &fakeDeliverer{}
	svc := newService(t, brokenCron{Store: st, id: sc.ID}, d, nil)
	rep, err := svc.RunCycle(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Schedules)

	got, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, 1, got.RunCount)
}

func TestRemindersFireOnce(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(-time.Second)
	todo := &model.Todo{BotID: "b", ChatID: "c9", Title: "call mom", Notes: "before dinner", RemindAt: &at}
	require.NoError(t, st.CreateTodo(ctx, todo))

	d := &fakeDeliverer{}
	svc := newService(t, st, d, nil)
	for i := 0; i < 3; i++ {
		_, err := svc.RunCycle(ctx, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(d.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []delivered{{"b", "c9", "Reminder: call mom\nbefore dinner"}}, d.snapshot())

	got, err := st.GetTodo(ctx, todo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TodoDone, got.Status)
}

func TestFunctionScheduleCreatesWork(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	fn := &model.Function{BotID: "b", Name: "digest", Description: "daily digest", ExecutionType: model.ExecAgent}
	require.NoError(t, st.CreateFunction(ctx, fn))
	past := now.Add(-time.Minute)
	sc := &model.Schedule{BotID: "b", Name: "morning digest", FunctionID: fn.ID, ScheduleType: model.ScheduleOnce, RunAt: &past,
		FunctionParams: map[string]any{"message": "summarize inbox", "topic": "mail"}}
	require.NoError(t, Prepare(sc, now))
	require.NoError(t, st.CreateSchedule(ctx, sc))

	svc := newService(t, st, &fakeDeliverer{}, nil)
	rep, err := svc.RunCycle(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Works)

	works, err := st.ListWorks(ctx, "b")
	require.NoError(t, err)
	require.Len(t, works, 1)
	w := works[0]
	assert.Equal(t, "morning digest", w.Title)
	assert.Equal(t, sc.ID, w.ScheduleID)
	assert.Equal(t, fn.ID, w.FunctionID)
	assert.Equal(t, "mail", w.Context["topic"])

	tasks, err := st.ListTasks(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "summarize inbox", tasks[0].Description)
}

type unrecordedStore struct {
	storage.Store
}

func (unrecordedStore) RecordScheduleRun(context.Context, string, time.Time, *time.Time, bool) error {
	return errors.New("disk full")
}

func TestUnrecordedFireHasNoEffects(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	fn := &model.Function{BotID: "b", Name: "digest", ExecutionType: model.ExecAgent}
	require.NoError(t, st.CreateFunction(ctx, fn))
	past := now.Add(-time.Minute)
	sc := &model.Schedule{BotID: "b", Name: "digest", FunctionID: fn.ID, ScheduleType: model.ScheduleOnce, RunAt: &past}
	require.NoError(t, Prepare(sc, now))
	require.NoError(t, st.CreateSchedule(ctx, sc))

	d := &fakeDeliverer{}
	svc := newService(t, unrecordedStore{st}, d, nil)
	for i := 0; i < 2; i++ {
		rep, err := svc.RunCycle(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Errors)
		assert.Zero(t, rep.Works)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, d.snapshot())
	works, err := st.ListWorks(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, works)
}

func TestStartStopPolls(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	at := time.Now().Add(-time.Second)
	require.NoError(t, st.CreateTodo(ctx, &model.Todo{BotID: "b", Title: "stretch", RemindAt: &at}))

	d := &fakeDeliverer{}
	svc := New(Config{Enabled: true, PollInterval: time.Hour}, st, d, nil, nil, logx.Nop())
	svc.Start(ctx)
	svc.Start(ctx)
	require.Eventually(t, func() bool { return len(d.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	svc.Stop(stopCtx)
}
