// Package config loads botflow configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"botflow/internal/domain"
	"botflow/internal/ratelimit"
	"botflow/internal/retry"
)

type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Worker    WorkerConfig             `mapstructure:"worker"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	Sessions  SessionConfig            `mapstructure:"sessions"`
	Backoff   BackoffConfig            `mapstructure:"backoff"`
	Limits    map[string]LimitConfig   `mapstructure:"rate_limits"`
	Platform  PlatformConfig           `mapstructure:"platform"`
	Telegram  TelegramConfig           `mapstructure:"telegram"`
}

type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SessionConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	MaxIdle        time.Duration `mapstructure:"max_idle"`
	ActionInterval time.Duration `mapstructure:"action_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	EvictInterval  time.Duration `mapstructure:"evict_interval"`
	Headless       bool          `mapstructure:"headless"`
}

type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Multiplier float64       `mapstructure:"multiplier"`
	Cap        time.Duration `mapstructure:"cap"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type LimitConfig struct {
	PerHour int `mapstructure:"per_hour"`
	PerDay  int `mapstructure:"per_day"`
}

type PlatformConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// Load reads the config file (optional) plus BOTFLOW_* env overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("botflow")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/botflow")
	}
	v.SetEnvPrefix("BOTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults apply; a broken file is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.debug", false)
	v.SetDefault("database.path", "botflow.db")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", "250ms")
	v.SetDefault("worker.task_timeout", "2m")
	v.SetDefault("worker.stale_after", "5m")
	v.SetDefault("scheduler.sweep_interval", "1s")
	v.SetDefault("sessions.capacity", 5)
	v.SetDefault("sessions.max_idle", "30m")
	v.SetDefault("sessions.action_interval", "2s")
	v.SetDefault("sessions.acquire_timeout", "30s")
	v.SetDefault("sessions.evict_interval", "1m")
	v.SetDefault("sessions.headless", true)
	v.SetDefault("backoff.base", "60s")
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.cap", "1h")
	v.SetDefault("backoff.max_retries", 3)
	v.SetDefault("rate_limits.like.per_hour", 10)
	v.SetDefault("rate_limits.like.per_day", 50)
	v.SetDefault("rate_limits.comment.per_hour", 5)
	v.SetDefault("rate_limits.comment.per_day", 30)
	v.SetDefault("rate_limits.follow.per_hour", 3)
	v.SetDefault("rate_limits.follow.per_day", 20)
	v.SetDefault("rate_limits.publish.per_hour", 2)
	v.SetDefault("rate_limits.publish.per_day", 10)
	v.SetDefault("platform.base_url", "")
	v.SetDefault("telegram.enabled", false)
}

// RateLimits converts the config table to the limiter's form.
func (c Config) RateLimits() ratelimit.Limits {
	if len(c.Limits) == 0 {
		return ratelimit.DefaultLimits()
	}
	out := ratelimit.Limits{}
	for typ, l := range c.Limits {
		out[domain.TaskType(typ)] = ratelimit.Limit{PerHour: l.PerHour, PerDay: l.PerDay}
	}
	return out
}

// BackoffPolicy converts the backoff section to the retry policy.
func (c Config) BackoffPolicy() retry.Policy {
	p := retry.Policy{
		Base:       c.Backoff.Base,
		Multiplier: c.Backoff.Multiplier,
		Cap:        c.Backoff.Cap,
		MaxRetries: c.Backoff.MaxRetries,
	}
	if p.Base <= 0 || p.Multiplier <= 0 || p.Cap <= 0 || p.MaxRetries <= 0 {
		return retry.DefaultPolicy()
	}
	return p
}
