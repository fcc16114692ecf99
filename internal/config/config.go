package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// tickParser accepts the same six-field specs as the scheduler's cron.
var tickParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config keeps runtime settings for the service.
type Config struct {
	// TelegramToken is the default bot token. It drives the chat front-end and
	// is the fallback for users without their own token.
	TelegramToken string `yaml:"telegram_token"`
	DatabaseURL   string `yaml:"database_url"`
	Timezone      string `yaml:"timezone"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	TickSpec       string        `yaml:"tick_spec"`
	TickTimeout    time.Duration `yaml:"tick_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	SendRatePerSec int           `yaml:"send_rate_per_sec"`
	FanoutWorkers  int           `yaml:"fanout_workers"`
	UpcomingDays   int           `yaml:"upcoming_days"`

	MetricsAddr string `yaml:"metrics_addr"`

	Location *time.Location `yaml:"-"`
}

// Load reads configuration with sane defaults. Sources, lowest priority
// first: defaults, the YAML file at path (or $CONFIG_FILE), a .env file in
// the working directory, process environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DatabaseURL:    "taskflow.db",
		Timezone:       "Local",
		LogLevel:       "info",
		LogFormat:      "console",
		TickSpec:       "0 * * * * *",
		TickTimeout:    50 * time.Second,
		SendTimeout:    10 * time.Second,
		SendRatePerSec: 25,
		FanoutWorkers:  4,
		UpcomingDays:   7,
	}
}

// applyEnv overrides cfg from the environment. Malformed numbers and
// durations are reported together.
func applyEnv(cfg *Config) error {
	setString(&cfg.TelegramToken, "TELEGRAM_TOKEN")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Timezone, "TIMEZONE")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.TickSpec, "TICK_SPEC")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")
	return errors.Join(
		setDuration(&cfg.TickTimeout, "TICK_TIMEOUT"),
		setDuration(&cfg.SendTimeout, "SEND_TIMEOUT"),
		setInt(&cfg.SendRatePerSec, "SEND_RATE_PER_SEC"),
		setInt(&cfg.FanoutWorkers, "FANOUT_WORKERS"),
		setInt(&cfg.UpcomingDays, "UPCOMING_DAYS"),
	)
}

func (c *Config) normalize() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc

	if c.TickSpec == "" {
		return fmt.Errorf("TICK_SPEC must not be empty")
	}
	if _, err := tickParser.Parse(c.TickSpec); err != nil {
		return fmt.Errorf("TICK_SPEC %q: %w", c.TickSpec, err)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 50 * time.Second
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = 1
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 1
	}
	if c.UpcomingDays <= 0 {
		c.UpcomingDays = 7
	}
	return nil
}

// UpcomingWindow is how far ahead the digest looks.
func (c Config) UpcomingWindow() time.Duration {
	return time.Duration(c.UpcomingDays) * 24 * time.Hour
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: not a number", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s=%q: want a positive duration such as 30s", key, v)
	}
	*dst = d
	return nil
}
