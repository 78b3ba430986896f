package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	// SpoolDir holds in-flight partial downloads owned by the transfer engine.
	SpoolDir string `envconfig:"SPOOL_DIR" default:"spool"`
	// WorkDir is the stable per-transfer location completed artifacts are moved to.
	WorkDir string `envconfig:"WORK_DIR" required:"true"`
	// InstallDir is where the post-processing pipeline unpacks artifacts.
	InstallDir string `envconfig:"INSTALL_DIR" required:"true"`
	// JournalPath is the transfer engine's task journal database.
	JournalPath string `envconfig:"JOURNAL_PATH" default:"tasks.db"`

	ProgressIntervalBytes int64         `envconfig:"PROGRESS_INTERVAL_BYTES" default:"1048576"`
	MaxParallelRecovery   int           `envconfig:"MAX_PARALLEL_RECOVERY" default:"5"`
	TransferTimeout       time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"0"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"feather"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
