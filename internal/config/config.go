package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Reminder policy surface. Lead times and channels are comma-separated
	// lists; they are parsed into a policy snapshot at startup and on every
	// settings reload.
	ReminderLeadTimes       string        `mapstructure:"REMINDER_LEAD_TIMES"`
	ReminderChannels        string        `mapstructure:"REMINDER_CHANNELS"`
	ReminderRetryLimit      int           `mapstructure:"REMINDER_RETRY_LIMIT"`
	ReminderBackoffBase     time.Duration `mapstructure:"REMINDER_BACKOFF_BASE"`
	ReminderDispatchTimeout time.Duration `mapstructure:"REMINDER_DISPATCH_TIMEOUT"`
	ReminderPollInterval    time.Duration `mapstructure:"REMINDER_POLL_INTERVAL"`
	ReminderWorkers         int           `mapstructure:"REMINDER_WORKERS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REMINDER_LEAD_TIMES", "24h")
	v.SetDefault("REMINDER_CHANNELS", "sms,email")
	v.SetDefault("REMINDER_RETRY_LIMIT", 3)
	v.SetDefault("REMINDER_BACKOFF_BASE", "30s")
	v.SetDefault("REMINDER_DISPATCH_TIMEOUT", "10s")
	v.SetDefault("REMINDER_POLL_INTERVAL", "30s")
	v.SetDefault("REMINDER_WORKERS", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("REMINDER_LEAD_TIMES")
	v.BindEnv("REMINDER_CHANNELS")
	v.BindEnv("REMINDER_RETRY_LIMIT")
	v.BindEnv("REMINDER_BACKOFF_BASE")
	v.BindEnv("REMINDER_DISPATCH_TIMEOUT")
	v.BindEnv("REMINDER_POLL_INTERVAL")
	v.BindEnv("REMINDER_WORKERS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// LeadTimes parses REMINDER_LEAD_TIMES into durations, preserving order.
func (c *Config) LeadTimes() ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(c.ReminderLeadTimes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid lead time %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("lead time must be positive, got %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}

// Channels parses REMINDER_CHANNELS into a lowercase channel name list.
func (c *Config) Channels() []string {
	var out []string
	for _, part := range strings.Split(c.ReminderChannels, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the reminder policy configuration is safe to run.
// Invalid settings are rejected here rather than silently defaulted, so a
// misconfigured deployment fails at startup instead of dropping reminders.
func (c *Config) Validate() error {
	leads, err := c.LeadTimes()
	if err != nil {
		return err
	}
	if len(leads) == 0 {
		return fmt.Errorf("REMINDER_LEAD_TIMES must contain at least one duration")
	}
	channels := c.Channels()
	if len(channels) == 0 {
		return fmt.Errorf("REMINDER_CHANNELS must contain at least one channel")
	}
	for _, ch := range channels {
		switch ch {
		case "sms", "email", "whatsapp":
		default:
			return fmt.Errorf("unknown reminder channel %q (expected sms, email, or whatsapp)", ch)
		}
	}
	if c.ReminderRetryLimit < 1 {
		return fmt.Errorf("REMINDER_RETRY_LIMIT must be at least 1, got %d", c.ReminderRetryLimit)
	}
	if c.ReminderBackoffBase <= 0 {
		return fmt.Errorf("REMINDER_BACKOFF_BASE must be positive, got %s", c.ReminderBackoffBase)
	}
	if c.ReminderDispatchTimeout <= 0 {
		return fmt.Errorf("REMINDER_DISPATCH_TIMEOUT must be positive, got %s", c.ReminderDispatchTimeout)
	}
	if c.ReminderPollInterval <= 0 {
		return fmt.Errorf("REMINDER_POLL_INTERVAL must be positive, got %s", c.ReminderPollInterval)
	}
	if c.ReminderWorkers < 1 {
		return fmt.Errorf("REMINDER_WORKERS must be at least 1, got %d", c.ReminderWorkers)
	}
	return nil
}
