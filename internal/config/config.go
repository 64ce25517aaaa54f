package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Input      InputConfig      `yaml:"input" mapstructure:"input"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Inbox      InboxConfig      `yaml:"inbox" mapstructure:"inbox"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Upload     UploadConfig     `yaml:"upload" mapstructure:"upload"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// CatalogConfig selects the record type definitions. An empty path uses the built-in TDDF catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// InputConfig controls how input bytes become lines.
type InputConfig struct {
	Charset      string `yaml:"charset" mapstructure:"charset"`
	MaxLineBytes int    `yaml:"max_line_bytes" mapstructure:"max_line_bytes"`
}

// IngestConfig configures concurrent stream processing.
type IngestConfig struct {
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	FlushSize   int    `yaml:"flush_size" mapstructure:"flush_size"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// InboxConfig configures the watched-folder uploader.
type InboxConfig struct {
	Folder           string `yaml:"folder" mapstructure:"folder"`
	LockStaleMinutes int    `yaml:"lock_stale_minutes" mapstructure:"lock_stale_minutes"`
}

// FetchConfig configures remote input retrieval.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// UploadConfig configures remote mode for the inbox uploader.
type UploadConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// MonitoringConfig configures post-run alerting and the periodic run-ledger check.
type MonitoringConfig struct {
	WebhookURL                string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	WarningRateThreshold      float64 `yaml:"warning_rate_threshold" mapstructure:"warning_rate_threshold"`
	UnclassifiedRateThreshold float64 `yaml:"unclassified_rate_threshold" mapstructure:"unclassified_rate_threshold"`
	FailureRateThreshold      float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CheckIntervalSecs         int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours       int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	StaleRunMinutes           int     `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TDDF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tddf.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 512)
	v.SetDefault("catalog.path", "")
	v.SetDefault("input.charset", "")
	v.SetDefault("input.max_line_bytes", 1<<20)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.flush_size", 1000)
	v.SetDefault("ingest.temp_dir", "/tmp/tddf")
	v.SetDefault("inbox.folder", "tddf-inbox")
	v.SetDefault("inbox.lock_stale_minutes", 30)
	v.SetDefault("fetch.user_agent", "tddf-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_sec", 5)
	v.SetDefault("upload.url", "")
	v.SetDefault("upload.timeout_secs", 600)
	v.SetDefault("upload.max_attempts", 3)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.warning_rate_threshold", 0.05)
	v.SetDefault("monitoring.unclassified_rate_threshold", 0.01)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.stale_run_minutes", 120)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: decode, ingest, inbox, serve.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	needStore := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
		}
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	}
	needIngest := func() {
		if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 64 {
			add("ingest.concurrency must be between 1 and 64")
		}
		if c.Ingest.FlushSize < 1 {
			add("ingest.flush_size must be > 0")
		}
	}

	switch mode {
	case "decode":
		needIngest()
	case "ingest":
		needStore()
		needIngest()
	case "inbox":
		if c.Inbox.Folder == "" {
			add("inbox.folder is required")
		}
		if c.Inbox.LockStaleMinutes < 1 {
			add("inbox.lock_stale_minutes must be > 0")
		}
		if c.Upload.URL == "" {
			needStore()
			needIngest()
		} else if c.Upload.MaxAttempts < 1 {
			add("upload.max_attempts must be > 0")
		}
	case "serve":
		needStore()
		needIngest()
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	for _, r := range []struct {
		name string
		val  float64
	}{
		{"monitoring.warning_rate_threshold", c.Monitoring.WarningRateThreshold},
		{"monitoring.unclassified_rate_threshold", c.Monitoring.UnclassifiedRateThreshold},
		{"monitoring.failure_rate_threshold", c.Monitoring.FailureRateThreshold},
	} {
		if r.val < 0 || r.val > 1 {
			add("%s must be between 0 and 1", r.name)
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
