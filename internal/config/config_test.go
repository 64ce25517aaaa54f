package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "tddf.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "", cfg.Catalog.Path)
	assert.Equal(t, 1<<20, cfg.Input.MaxLineBytes)
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
	assert.Equal(t, 1000, cfg.Ingest.FlushSize)
	assert.Equal(t, 30, cfg.Inbox.LockStaleMinutes)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.InDelta(t, 5.0, cfg.Fetch.RatePerSec, 0.001)
	assert.Equal(t, 3, cfg.Upload.MaxAttempts)
	assert.InDelta(t, 0.05, cfg.Monitoring.WarningRateThreshold, 0.001)
	assert.InDelta(t, 0.01, cfg.Monitoring.UnclassifiedRateThreshold, 0.001)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 120, cfg.Monitoring.StaleRunMinutes)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/tddf
log:
  level: debug
  format: console
catalog:
  path: /etc/tddf/catalog.yaml
input:
  charset: windows-1252
ingest:
  concurrency: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/tddf", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "/etc/tddf/catalog.yaml", cfg.Catalog.Path)
	assert.Equal(t, "windows-1252", cfg.Input.Charset)
	assert.Equal(t, 8, cfg.Ingest.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 1000, cfg.Ingest.FlushSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("TDDF_STORE_DRIVER", "postgres")
	t.Setenv("TDDF_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("TDDF_SERVER_PORT", "3000")
	t.Setenv("TDDF_UPLOAD_URL", "http://tddf.internal:8080")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "http://tddf.internal:8080", cfg.Upload.URL)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "tddf.db"
	cfg.Server.Port = 8080
	cfg.Ingest.Concurrency = 4
	cfg.Ingest.FlushSize = 1000
	cfg.Inbox.Folder = "inbox"
	cfg.Inbox.LockStaleMinutes = 30
	cfg.Upload.MaxAttempts = 3
	cfg.Monitoring.WarningRateThreshold = 0.05
	cfg.Monitoring.UnclassifiedRateThreshold = 0.01
	return cfg
}

func TestValidate_AllModesWithDefaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"decode", "ingest", "inbox", "serve"} {
		t.Run(mode, func(t *testing.T) {
			assert.NoError(t, cfg.Validate(mode))
		})
	}
}

func TestValidateIngest_MissingStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver must be postgres or sqlite, got "mysql"`)
	assert.Contains(t, err.Error(), "store.database_url is required")

	// decode never touches the store
	assert.NoError(t, cfg.Validate("decode"))
}

func TestValidateInbox_RemoteModeSkipsStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Upload.URL = "http://localhost:8080"
	assert.NoError(t, cfg.Validate("inbox"))

	cfg.Upload.MaxAttempts = 0
	err := cfg.Validate("inbox")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload.max_attempts must be > 0")

	cfg.Upload.URL = ""
	err = cfg.Validate("inbox")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Ingest.Concurrency = 0
	err := cfg.Validate("decode")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.concurrency must be between 1 and 64")

	cfg.Ingest.Concurrency = 65
	assert.Error(t, cfg.Validate("decode"))

	cfg.Ingest.Concurrency = 64
	assert.NoError(t, cfg.Validate("decode"))
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Monitoring.WarningRateThreshold = 1.5
	err := cfg.Validate("decode")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.warning_rate_threshold")

	cfg.Monitoring.WarningRateThreshold = 0.05
	cfg.Monitoring.UnclassifiedRateThreshold = -0.1
	err = cfg.Validate("decode")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.unclassified_rate_threshold")
}
