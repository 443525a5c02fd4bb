package config

import (
	"reflect"
	"strings"

	logx "pewcore/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and log
// fields describing the new values. Secrets (tokens, DSNs, redis URLs) are
// reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	add := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg, newCfg

	if o.Logging != n.Logging {
		add("logging",
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
		)
	}

	if o.Storage != n.Storage {
		add("storage",
			logx.String("storage.driver", n.Storage.Driver),
			logx.String("storage.path", n.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(n.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(o.Runner, n.Runner) {
		add("runner",
			logx.Bool("runner.enabled", BoolOr(n.Runner.Enabled, true)),
			logx.String("runner.poll_interval", n.Runner.PollInterval),
			logx.Int("runner.max_concurrent", n.Runner.MaxConcurrent),
		)
	}

	if !reflect.DeepEqual(o.Scheduler, n.Scheduler) {
		add("scheduler",
			logx.Bool("scheduler.enabled", BoolOr(n.Scheduler.Enabled, true)),
			logx.String("scheduler.poll_interval", n.Scheduler.PollInterval),
			logx.String("scheduler.timezone", n.Scheduler.Timezone),
		)
	}

	if o.Breaker != n.Breaker {
		add("breaker",
			logx.Int("breaker.max_consecutive_failures", n.Breaker.MaxConsecutiveFailures),
			logx.String("breaker.cooldown", n.Breaker.Cooldown),
		)
	}

	if !reflect.DeepEqual(o.Credits, n.Credits) {
		add("credits",
			logx.Bool("credits.enabled", BoolOr(n.Credits.Enabled, true)),
			logx.String("credits.backend", n.Credits.Backend),
			logx.Bool("credits.redis_url_set", strings.TrimSpace(n.Credits.RedisURL) != ""),
		)
	}

	if !reflect.DeepEqual(o.Notifier, n.Notifier) {
		if n.Notifier == nil {
			add("notifier", logx.Bool("notifier.defaults", true))
		} else {
			add("notifier",
				logx.Bool("notifier.enabled", n.Notifier.Enabled),
				logx.Int("notifier.workers", n.Notifier.Workers),
				logx.Int("notifier.rate_per_sec", n.Notifier.RatePerSec),
			)
		}
	}

	if o.Telegram != n.Telegram {
		add("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			logx.Bool("telegram.offline", n.Telegram.Offline),
		)
	}

	if o.Server != n.Server {
		add("server",
			logx.Bool("server.enabled", n.Server.Enabled),
			logx.String("server.addr", n.Server.Addr),
			logx.Bool("server.token_set", strings.TrimSpace(n.Server.Token) != ""),
			logx.Bool("server.pprof", n.Server.Pprof),
		)
	}

	if o.Agent != n.Agent {
		add("agent",
			logx.String("agent.base_url", n.Agent.BaseURL),
			logx.Bool("agent.token_set", strings.TrimSpace(n.Agent.Token) != ""),
		)
	}

	if !reflect.DeepEqual(o.Script, n.Script) {
		add("script",
			logx.String("script.interpreter", strings.Join(n.Script.Interpreter, " ")),
			logx.String("script.work_dir", n.Script.WorkDir),
		)
	}

	return changed, attrs
}
