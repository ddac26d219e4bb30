// Package config provides configuration loading, validation, and defaults
// for the nudgebot application. Values come from config.yaml (optional) and
// BOT_* environment variables, validated with struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components of the
// nudgebot system: logging, Telegram, the Gemini classifiers, the database,
// the reminder scheduler, and the operational HTTP API.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Obligation ObligationConfig `mapstructure:"obligation"`
	API        APIConfig        `mapstructure:"api"`
}

// LogConfig controls log level and output format.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds the bot token and inbound-event settings.
type TelegramConfig struct {
	Token         string `mapstructure:"token"          validate:"required"`
	DedupCapacity int    `mapstructure:"dedup_capacity" validate:"min=2"`
	HistoryLimit  int    `mapstructure:"history_limit"  validate:"min=1,max=100"`
}

// GeminiConfig holds settings for the Gemini API client.
type GeminiConfig struct {
	APIKey            string        `mapstructure:"api_key"             validate:"required"`
	ModelName         string        `mapstructure:"model_name"          validate:"required"`
	Temperature       float32       `mapstructure:"temperature"         validate:"min=0,max=2"`
	Timeout           time.Duration `mapstructure:"timeout"             validate:"min=1s,max=10m"`
	MaxRetries        int           `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int           `mapstructure:"retry_delay_seconds" validate:"min=0,max=300"`
}

// DatabaseConfig holds the SQLite database path.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// SchedulerConfig controls the background task schedules.
type SchedulerConfig struct {
	ReminderInterval   time.Duration `mapstructure:"reminder_interval" validate:"min=1s,max=1h"`
	MaintenanceCron    string        `mapstructure:"maintenance_cron"  validate:"required"`
	MaintenanceEnabled bool          `mapstructure:"maintenance_enabled"`
}

// ObligationConfig controls obligation creation and reminder delivery.
type ObligationConfig struct {
	MoneyRemindDelay    time.Duration `mapstructure:"money_remind_delay"    validate:"min=1s"`
	QuestionRemindDelay time.Duration `mapstructure:"question_remind_delay" validate:"min=1s"`
	MaxSendFailures     int           `mapstructure:"max_send_failures"     validate:"min=1"`
}

// APIConfig holds settings for the operational HTTP endpoints.
type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// Load reads configuration from the given YAML file and BOT_* environment
// variables, applies defaults, and validates the result. A missing config
// file is not an error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	// Registering the secrets with empty defaults makes them visible to
	// AutomaticEnv during Unmarshal.
	v.SetDefault("telegram.token", "")
	v.SetDefault("gemini.api_key", "")

	v.SetDefault("telegram.dedup_capacity", 1000)
	v.SetDefault("telegram.history_limit", 20)

	v.SetDefault("gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 1.0)
	v.SetDefault("gemini.timeout", 2*time.Minute)
	v.SetDefault("gemini.max_retries", 2)
	v.SetDefault("gemini.retry_delay_seconds", 5)

	v.SetDefault("database.path", "storage.db")

	v.SetDefault("scheduler.reminder_interval", 15*time.Second)
	v.SetDefault("scheduler.maintenance_cron", "0 4 * * *")
	v.SetDefault("scheduler.maintenance_enabled", true)

	v.SetDefault("obligation.money_remind_delay", 30*time.Second)
	v.SetDefault("obligation.question_remind_delay", 60*time.Second)
	v.SetDefault("obligation.max_send_failures", 10)

	v.SetDefault("api.addr", ":8080")
}
