// Package config loads the JSON or YAML process configuration and watches it
// for hot-reload.
//
// All durations are Go duration strings ("500ms", "10s", "1h"). Unknown keys
// are rejected so typos surface at load time instead of silently defaulting.
package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Runner    RunnerConfig    `json:"runner"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Breaker   BreakerConfig   `json:"breaker"`
	Credits   CreditsConfig   `json:"credits"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Server    ServerConfig    `json:"server"`
	Agent     AgentConfig     `json:"agent"`
	Script    ScriptConfig    `json:"script"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the relational store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pewcore.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user@host/db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// RunnerConfig controls the job runner. Enabled is a pointer so an omitted
// key defaults to true.
type RunnerConfig struct {
	Enabled        *bool   `json:"enabled,omitempty"`
	PollInterval   string  `json:"poll_interval,omitempty"`
	MaxConcurrent  int     `json:"max_concurrent,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	EstimatedCost  float64 `json:"estimated_cost,omitempty"`
}

type SchedulerConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	InvokeFunctions *bool  `json:"invoke_functions,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
}

type BreakerConfig struct {
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`
	Cooldown               string `json:"cooldown,omitempty"`
}

// CreditsConfig selects the credit ledger. Backend is "sql" (default) or
// "redis".
type CreditsConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Backend   string `json:"backend,omitempty"`
	RedisURL  string `json:"redis_url,omitempty"` // never logged
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// NotifierConfig controls the platform relay pipeline. Omitting the section
// keeps it enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token"`
	URL     string `json:"url,omitempty"`
	Offline bool   `json:"offline,omitempty"`
}

// ServerConfig controls the operational HTTP server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - A non-loopback bind needs a token or an explicit allow_insecure.
type ServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type AgentConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"` // never logged
	RunPath string `json:"run_path,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type ScriptConfig struct {
	Interpreter []string `json:"interpreter,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`
	KillGrace   string   `json:"kill_grace,omitempty"`
}

// BoolOr returns *p, or def when the key was omitted.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
