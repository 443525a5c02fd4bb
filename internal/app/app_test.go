package app

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcore/internal/config"
	"pewcore/internal/credits"
	"pewcore/internal/model"
	"pewcore/internal/observability/server"
)

func TestMapDefaults(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Path: "x.db"}}

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	rc, err := mapRunnerConfig(cfg)
	require.NoError(t, err)
	assert.True(t, rc.Enabled)
	assert.Equal(t, 10*time.Second, rc.PollInterval)

	schc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.True(t, schc.Enabled)
	assert.True(t, schc.InvokeFunctions)
	assert.Equal(t, "UTC", schc.Timezone)
	assert.Equal(t, 30*time.Second, schc.PollInterval)

	bc, err := mapBreakerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, bc.MaxConsecutiveFailures)
	assert.Equal(t, time.Hour, bc.Cooldown)

	cc, err := mapCreditsConfig(cfg)
	require.NoError(t, err)
	assert.True(t, cc.Enabled)
	assert.Equal(t, "sql", cc.Backend)
	assert.Equal(t, credits.DefaultKeyPrefix, cc.KeyPrefix)

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, 512, nc.QueueSize)

	svc, err := mapServerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, server.DefaultAddr, svc.Addr)
	assert.False(t, svc.Enabled)

	ac, err := mapAgentConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/v1/agent/run", ac.RunPath)
	assert.Equal(t, 5*time.Minute, ac.Timeout)

	scr, err := mapScriptConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-s"}, scr.Interpreter)
	assert.Equal(t, 2*time.Second, scr.KillGrace)
}

func TestValidateRejects(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{Storage: config.StorageConfig{Path: "x.db"}}
	}
	cases := map[string]func(c *config.Config){
		"no sqlite path":     func(c *config.Config) { c.Storage.Path = "" },
		"postgres no dsn":    func(c *config.Config) { c.Storage.Driver = "postgres" },
		"unknown driver":     func(c *config.Config) { c.Storage.Driver = "mongo" },
		"negative ceiling":   func(c *config.Config) { c.Runner.MaxConcurrent = -1 },
		"bad poll interval":  func(c *config.Config) { c.Runner.PollInterval = "often" },
		"bad timezone":       func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"negative breaker":   func(c *config.Config) { c.Breaker.MaxConsecutiveFailures = -1 },
		"redis without url":  func(c *config.Config) { c.Credits.Backend = "redis" },
		"unknown backend":    func(c *config.Config) { c.Credits.Backend = "ledgerdb" },
		"negative workers":   func(c *config.Config) { c.Notifier = &config.NotifierConfig{Workers: -1} },
		"public server bind": func(c *config.Config) { c.Server = config.ServerConfig{Enabled: true, Addr: "0.0.0.0:8089"} },
		"bad kill grace":     func(c *config.Config) { c.Script.KillGrace = "-2s" },
	}
	require.NoError(t, validate(context.Background(), base()))
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, validate(context.Background(), c))
		})
	}
}

const testConfig = `
logging:
  level: error
storage:
  driver: sqlite
  path: %DB%
runner:
  poll_interval: 50ms
scheduler:
  enabled: %SCHED%
  poll_interval: 50ms
`

func writeConfig(t *testing.T, path, db string, sched bool) {
	t.Helper()
	body := strings.NewReplacer("%DB%", db, "%SCHED%", strconv.FormatBool(sched)).Replace(testConfig)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func startApp(t *testing.T) (*App, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pewcore.yaml")
	db := filepath.Join(dir, "pewcore.db")
	writeConfig(t, path, db, true)

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path, db
}

func TestAppRunsScriptWork(t *testing.T) {
	a, _, _ := startApp(t)
	ctx := context.Background()

	fn := &model.Function{BotID: "bot1", Name: "hello", ExecutionType: model.ExecScript, Code: "echo hello"}
	require.NoError(t, a.Store().CreateFunction(ctx, fn))
	w := &model.Work{BotID: "bot1", Title: "say hello", FunctionID: fn.ID}
	require.NoError(t, a.Store().CreateWork(ctx, w, []*model.Task{{ID: "t1", Description: "run it"}}))

	require.Eventually(t, func() bool {
		got, err := a.Store().GetWork(ctx, w.ID)
		return err == nil && got.Status == model.WorkCompleted
	}, 10*time.Second, 20*time.Millisecond)

	task, err := a.Store().GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Contains(t, task.Result, "hello")
}

func TestAppHotReloadTogglesScheduler(t *testing.T) {
	a, path, db := startApp(t)
	require.True(t, a.Scheduler().Enabled())

	writeConfig(t, path, db, false)
	written := time.Now()
	require.Eventually(t, func() bool {
		if !a.Scheduler().Enabled() {
			return true
		}
		// The watcher may not have been registered before the first write.
		if time.Since(written) > 2*time.Second {
			writeConfig(t, path, db, false)
			written = time.Now()
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
}

func TestStopWithoutStartClosesStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pewcore.yaml")
	writeConfig(t, path, filepath.Join(dir, "pewcore.db"), true)

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	assert.Nil(t, a.Store())
}
