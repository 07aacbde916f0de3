// Package config loads daemon settings from the environment, an optional
// .env file and an optional YAML file holding rate rules and schedules.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"ratequeue/internal/domain"
	"ratequeue/internal/ratelimit"
	"ratequeue/internal/scheduler"
)

var (
	ErrParsingConfig = errors.New("failed to parse configuration")
	ErrInvalidFile   = errors.New("invalid configuration file")
)

// DefaultRule applies when no rule is configured.
var DefaultRule = ratelimit.Rule{Window: time.Second, Limit: 1}

type Config struct {
	Addr             string        `env:"ADDR" envDefault:":8080"`
	DBPath           string        `env:"DB_PATH" envDefault:"ratequeue.db"`
	ConfigFile       string        `env:"CONFIG_FILE"`
	Workers          int           `env:"WORKERS" envDefault:"8"`
	HandlerTimeout   time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
	ResetInterval    time.Duration `env:"RESET_INTERVAL" envDefault:"1s"`
	RetryDelay       time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	ScheduleInterval time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"1s"`
	BreakerTrip      int           `env:"BREAKER_TRIP" envDefault:"5"`
	IngressRPS       float64       `env:"INGRESS_RPS" envDefault:"50"`
	IngressBurst     int           `env:"INGRESS_BURST" envDefault:"100"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"console"`
	Debug            bool          `env:"DEBUG" envDefault:"false"`

	Rules     []ratelimit.Rule  `env:"-"`
	Schedules []domain.Schedule `env:"-"`
}

type fileRule struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

type fileSchedule struct {
	Name    string         `yaml:"name"`
	Cron    string         `yaml:"cron"`
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
	Enabled *bool          `yaml:"enabled"`
}

type file struct {
	Rules     []fileRule     `yaml:"rules"`
	Schedules []fileSchedule `yaml:"schedules"`
}

// Load reads the environment (after loading .env when present) and then the
// YAML file named by path, or by CONFIG_FILE when path is empty.
func Load(path string) (Config, error) {
	// Ignore errors - the .env file might not exist and that's ok
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if path == "" {
		path = cfg.ConfigFile
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = []ratelimit.Rule{DefaultRule}
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidFile, path, err)
	}

	for i, r := range f.Rules {
		rule := ratelimit.Rule{Window: r.Window, Limit: r.Limit}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("%w: rule %d: %w", ErrInvalidFile, i, err)
		}
		c.Rules = append(c.Rules, rule)
	}
	for _, s := range f.Schedules {
		if err := scheduler.ValidateCronExpression(s.Cron); err != nil {
			return fmt.Errorf("%w: schedule %q: %w", ErrInvalidFile, s.Name, err)
		}
		sc := domain.Schedule{Name: s.Name, CronExpr: s.Cron, Type: s.Type, Enabled: true}
		if s.Enabled != nil {
			sc.Enabled = *s.Enabled
		}
		if s.Payload != nil {
			payload, err := json.Marshal(s.Payload)
			if err != nil {
				return fmt.Errorf("%w: schedule %q payload: %w", ErrInvalidFile, s.Name, err)
			}
			sc.Payload = payload
		}
		c.Schedules = append(c.Schedules, sc)
	}
	return nil
}

// Level returns the configured log level, info when it does not parse.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
