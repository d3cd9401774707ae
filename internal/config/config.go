package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/ykvlv/medication-reminder/internal/scheduler"
)

// Notifier backends.
const (
	NotifierExpo     = "expo"
	NotifierTelegram = "telegram"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	DBPath   string `envconfig:"DB_PATH" default:"./data/reminder.db"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`  // debug|info|warn|error
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"` // healthz

	// Reference clock for matching schedule times. Empty means server local time.
	TZName string `envconfig:"TZ_NAME" default:""`

	TickSpec         string        `envconfig:"TICK_SPEC" default:"* * * * *"`
	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"48h"`
	DispatchWorkers  int           `envconfig:"DISPATCH_WORKERS" default:"4"`
	DispatchTimeout  time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"10s"`

	Notifier        string  `envconfig:"NOTIFIER" default:"expo"` // expo|telegram
	ExpoURL         string  `envconfig:"EXPO_URL" default:"https://exp.host"`
	ExpoAccessToken string  `envconfig:"EXPO_ACCESS_TOKEN"`
	ExpoRate        float64 `envconfig:"EXPO_RATE" default:"6"` // requests per second
	BotToken        string  `envconfig:"BOT_TOKEN"`
}

// Load reads environment variables into Config.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.Notifier) {
	case NotifierExpo:
	case NotifierTelegram:
		if c.BotToken == "" {
			return errors.New("BOT_TOKEN is required for the telegram notifier")
		}
	default:
		return fmt.Errorf("unknown NOTIFIER %q", c.Notifier)
	}
	if err := scheduler.ValidateSpec(c.TickSpec); err != nil {
		return fmt.Errorf("TICK_SPEC: %w", err)
	}
	if c.DispatchWorkers <= 0 {
		return errors.New("DISPATCH_WORKERS must be positive")
	}
	if c.HistoryRetention < 24*time.Hour {
		return errors.New("HISTORY_RETENTION must cover at least one day")
	}
	if c.TZName != "" {
		if _, err := time.LoadLocation(c.TZName); err != nil {
			return fmt.Errorf("TZ_NAME: %w", err)
		}
	}
	return nil
}

// Location returns the reference clock location.
func (c Config) Location() *time.Location {
	if c.TZName == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TZName)
	if err != nil {
		return time.Local
	}
	return loc
}
