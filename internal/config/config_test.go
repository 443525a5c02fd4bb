package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pewcore/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/pewcore.db
runner:
  max_concurrent: 3
  poll_interval: 5s
scheduler:
  enabled: false
  timezone: Asia/Jakarta
credits:
  backend: redis
  redis_url: redis://:secret@localhost:6379/0
script:
  interpreter: ["/bin/bash", "-s"]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("pewcore.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Runner.MaxConcurrent)
	assert.True(t, BoolOr(cfg.Runner.Enabled, true))
	assert.False(t, BoolOr(cfg.Scheduler.Enabled, true))
	assert.Equal(t, []string{"/bin/bash", "-s"}, cfg.Script.Interpreter)
	assert.Nil(t, cfg.Notifier)
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("pewcore.json", []byte(`{"server":{"enabled":true,"addr":"127.0.0.1:9000"}}`))
	require.NoError(t, err)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"runner":{"max_concurent":3}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurent")

	_, err = Decode("c.yml", []byte("bogus: 1\n"))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte("# nothing\n"))
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("runner.poll_interval", "", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	d, err = ParseDurationOrDefault("runner.poll_interval", " 2s ", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = ParseDurationField("breaker.cooldown", "-1s")
	assert.ErrorContains(t, err, "breaker.cooldown")

	_, err = ParseDurationField("breaker.cooldown", "soon")
	assert.ErrorContains(t, err, `invalid duration "soon"`)
}

func TestHashStable(t *testing.T) {
	a, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b, err := Decode("b.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, Hash(a), Hash(b))
	b.Runner.MaxConcurrent++
	assert.NotEqual(t, Hash(a), Hash(b))
	assert.Zero(t, Hash(nil))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	old := &Config{}
	cfg := &Config{
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://u:hunter2@db/x"},
		Credits:  CreditsConfig{Backend: "redis", RedisURL: "redis://:hunter2@r:6379"},
		Telegram: TelegramConfig{Token: "hunter2"},
		Server:   ServerConfig{Enabled: true, Token: "hunter2"},
		Agent:    AgentConfig{BaseURL: "http://agent", Token: "hunter2"},
	}

	changed, fields := SummarizeConfigChange(old, cfg)
	assert.ElementsMatch(t, []string{"storage", "credits", "telegram", "server", "agent"}, changed)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range fields {
		f(ev)
	}
	ev.Msg("config.changed")
	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"server.token_set":true`)
	assert.Contains(t, out, `"storage.dsn_set":true`)
}

func TestSummarizeConfigChangeNoop(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	changed, fields := SummarizeConfigChange(cfg, cfg)
	assert.Empty(t, changed)
	assert.Empty(t, fields)
}

func TestReloadValidatorAndUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pewcore.yaml", sampleYAML)

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Runner.MaxConcurrent > 10 {
			return errors.New("too many")
		}
		return nil
	})
	writeFile(t, dir, "pewcore.yaml", "runner:\n  max_concurrent: 50\n")
	ok, err = m.Reload(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "too many")
	assert.Equal(t, 3, m.Get().Runner.MaxConcurrent)
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pewcore.json", `{"runner":{"max_concurrent":2}}`)

	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var got *Config
	require.Eventually(t, func() bool {
		// Keep rewriting until the watcher has attached to the directory.
		writeFile(t, dir, "pewcore.json", `{"runner":{"max_concurrent":4}}`)
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)

	assert.Equal(t, 4, got.Runner.MaxConcurrent)
	assert.Equal(t, 4, m.Get().Runner.MaxConcurrent)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Runner: RunnerConfig{MaxConcurrent: 1}})
	m.publish(&Config{Runner: RunnerConfig{MaxConcurrent: 2}})
	assert.Equal(t, 2, (<-sub).Runner.MaxConcurrent)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}
