package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pewcore/internal/breaker"
	"pewcore/internal/config"
	"pewcore/internal/credits"
	"pewcore/internal/executor"
	"pewcore/internal/notifier"
	"pewcore/internal/observability/server"
	"pewcore/internal/runner"
	"pewcore/internal/scheduler"
	"pewcore/internal/storage"
	telegram "pewcore/internal/transport/telegram/adapter"
	logx "pewcore/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	rc := cfg.Runner
	out := runner.Config{
		Enabled:       config.BoolOr(rc.Enabled, true),
		MaxConcurrent: rc.MaxConcurrent,
		EstimatedCost: rc.EstimatedCost,
	}
	if rc.MaxConcurrent < 0 {
		return out, fmt.Errorf("runner.max_concurrent must be >= 0")
	}
	if rc.EstimatedCost < 0 {
		return out, fmt.Errorf("runner.estimated_cost must be >= 0")
	}
	var err error
	if out.PollInterval, err = config.ParseDurationOrDefault("runner.poll_interval", rc.PollInterval, runner.DefaultPollInterval); err != nil {
		return out, err
	}
	if out.DefaultTimeout, err = config.ParseDurationField("runner.default_timeout", rc.DefaultTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:         config.BoolOr(sc.Enabled, true),
		Timezone:        strings.TrimSpace(sc.Timezone),
		InvokeFunctions: config.BoolOr(sc.InvokeFunctions, true),
	}
	if out.Timezone == "" {
		out.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(out.Timezone); err != nil {
		return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", out.Timezone, err)
	}
	var err error
	if out.PollInterval, err = config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, scheduler.DefaultPollInterval); err != nil {
		return out, err
	}
	if out.DeliveryTimeout, err = config.ParseDurationOrDefault("scheduler.delivery_timeout", sc.DeliveryTimeout, scheduler.DefaultDeliveryTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapBreakerConfig(cfg *config.Config) (breaker.Config, error) {
	bc := cfg.Breaker
	if bc.MaxConsecutiveFailures < 0 {
		return breaker.Config{}, fmt.Errorf("breaker.max_consecutive_failures must be >= 0")
	}
	cooldown, err := config.ParseDurationOrDefault("breaker.cooldown", bc.Cooldown, breaker.DefaultCooldown)
	if err != nil {
		return breaker.Config{}, err
	}
	limit := bc.MaxConsecutiveFailures
	if limit == 0 {
		limit = breaker.DefaultMaxConsecutiveFailures
	}
	return breaker.Config{MaxConsecutiveFailures: limit, Cooldown: cooldown}, nil
}

type creditsConfig struct {
	Enabled   bool
	Backend   string // "sql" or "redis"
	RedisURL  string
	KeyPrefix string
}

func mapCreditsConfig(cfg *config.Config) (creditsConfig, error) {
	cc := cfg.Credits
	out := creditsConfig{
		Enabled:   config.BoolOr(cc.Enabled, true),
		Backend:   strings.ToLower(strings.TrimSpace(cc.Backend)),
		RedisURL:  strings.TrimSpace(cc.RedisURL),
		KeyPrefix: cc.KeyPrefix,
	}
	if out.KeyPrefix == "" {
		out.KeyPrefix = credits.DefaultKeyPrefix
	}
	switch out.Backend {
	case "", "sql":
		out.Backend = "sql"
	case "redis":
		if out.Enabled && out.RedisURL == "" {
			return out, fmt.Errorf("credits.redis_url is required when credits.backend=redis")
		}
	default:
		return out, fmt.Errorf("unknown credits.backend: %s", cc.Backend)
	}
	return out, nil
}

// mapNotifierConfig parses durations and applies defaults. An omitted
// notifier section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	for _, kv := range []struct {
		name string
		v    int
		dst  *int
	}{
		{"notifier.workers", n.Workers, &out.Workers},
		{"notifier.queue_size", n.QueueSize, &out.QueueSize},
		{"notifier.rate_per_sec", n.RatePerSec, &out.RatePerSec},
		{"notifier.retry_max", n.RetryMax, &out.RetryMax},
		{"notifier.dedup_max_entries", n.DedupMaxEntries, &out.DedupMaxEntries},
	} {
		if kv.v < 0 {
			return notifier.Config{}, fmt.Errorf("%s must be >= 0", kv.name)
		}
		if kv.v != 0 {
			*kv.dst = kv.v
		}
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool) {
	tc := cfg.Telegram
	token := strings.TrimSpace(tc.Token)
	return telegram.Config{Token: token, URL: strings.TrimSpace(tc.URL), Offline: tc.Offline}, token != ""
}

// mapServerConfig validates and converts the server section. It never
// starts anything.
func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	out := server.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		PprofPrefix:   strings.TrimSpace(sc.PprofPrefix),
	}
	if out.Addr == "" {
		out.Addr = server.DefaultAddr
	}
	if out.PprofPrefix == "" {
		out.PprofPrefix = "/debug/pprof/"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// zero disables the write timeout, which /ws and pprof profiles need
	if out.WriteTimeout, err = config.ParseDurationField("server.write_timeout", sc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if err := server.Validate(out); err != nil {
		return out, fmt.Errorf("server: %w", err)
	}
	return out, nil
}

func mapAgentConfig(cfg *config.Config) (executor.AgentConfig, error) {
	ac := cfg.Agent
	timeout, err := config.ParseDurationOrDefault("agent.timeout", ac.Timeout, executor.DefaultAgentTimeout)
	if err != nil {
		return executor.AgentConfig{}, err
	}
	runPath := strings.TrimSpace(ac.RunPath)
	if runPath == "" {
		runPath = executor.DefaultAgentRunPath
	}
	return executor.AgentConfig{
		BaseURL: strings.TrimSpace(ac.BaseURL),
		Token:   strings.TrimSpace(ac.Token),
		RunPath: runPath,
		Timeout: timeout,
	}, nil
}

func mapScriptConfig(cfg *config.Config) (executor.ScriptConfig, error) {
	sc := cfg.Script
	grace, err := config.ParseDurationOrDefault("script.kill_grace", sc.KillGrace, executor.DefaultKillGrace)
	if err != nil {
		return executor.ScriptConfig{}, err
	}
	interp := sc.Interpreter
	if len(interp) == 0 {
		interp = executor.DefaultInterpreter
	}
	return executor.ScriptConfig{Interpreter: interp, WorkDir: sc.WorkDir, KillGrace: grace}, nil
}

// validate runs every mapper so a bad hot-reload is rejected before commit.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBreakerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCreditsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAgentConfig(cfg); err != nil {
		return err
	}
	_, err := mapScriptConfig(cfg)
	return err
}
