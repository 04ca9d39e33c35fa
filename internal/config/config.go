package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StateBackendJSON   = "json"
	StateBackendSQLite = "sqlite"
)

// Config struct for environment variables.
type Config struct {
	DataDir             string `envconfig:"DATA_DIR" required:"true"`
	ModelBaseURL        string `envconfig:"MODEL_BASE_URL" default:"https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"`
	ChecksumManifestURL string `envconfig:"CHECKSUM_MANIFEST_URL" default:"https://huggingface.co/ggerganov/whisper.cpp/raw/main/README.md"`
	StateBackend        string `envconfig:"STATE_BACKEND" default:"json"`

	FinalizeTolerance   int64         `envconfig:"FINALIZE_TOLERANCE" default:"1048576"`
	MaxRangeRetries     int           `envconfig:"MAX_RANGE_RETRIES" default:"3"`
	ProgressInterval    time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	PauseInterval       time.Duration `envconfig:"PAUSE_INTERVAL" default:"1s"`
	RemoveWait          time.Duration `envconfig:"REMOVE_WAIT" default:"5s"`
	RemoteProbeParallel int           `envconfig:"REMOTE_PROBE_PARALLEL" default:"4"`
	HTTPTimeout         time.Duration `envconfig:"HTTP_TIMEOUT" default:"0"`
	CleanupInterval     time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"model_downloader"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"true"`
		PushInterval   time.Duration `split_words:"true" default:"30s"`
		MetricsAddress string        `split_words:"true" default:"0.0.0.0:2112"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the downloader cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must be set")
	}

	switch c.StateBackend {
	case StateBackendJSON, StateBackendSQLite:
	default:
		return fmt.Errorf("invalid state backend %q: want %s or %s", c.StateBackend, StateBackendJSON, StateBackendSQLite)
	}

	if c.FinalizeTolerance < 0 {
		return fmt.Errorf("finalize tolerance must not be negative, got %d", c.FinalizeTolerance)
	}

	if c.MaxRangeRetries < 1 {
		return fmt.Errorf("max range retries must be at least 1, got %d", c.MaxRangeRetries)
	}

	return nil
}

// ModelsDir is where artifacts, staging files and the state document live.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.DataDir, "models")
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
