package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "web", cfg.Portal.Transport)
	assert.Equal(t, "BD.xlsx", cfg.Catalog.Path)
	assert.Equal(t, "/tmp/fundsync", cfg.Paths.Scratch)
	assert.Equal(t, 10, cfg.Download.Workers)
	assert.Equal(t, 45, cfg.Download.AwaitTimeoutSecs)
	assert.Equal(t, 45*time.Second, cfg.Download.AwaitTimeout())
	assert.Equal(t, 2, cfg.Download.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
portal:
  base_url: https://portal.example.com
  username: ops@bloko.example
  transport: api
paths:
  fund_root: /mnt/funds
  monitor: /mnt/monitor
download:
  workers: 4
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://portal.example.com", cfg.Portal.BaseURL)
	assert.Equal(t, "api", cfg.Portal.Transport)
	assert.Equal(t, "/mnt/funds", cfg.Paths.FundRoot)
	assert.Equal(t, 4, cfg.Download.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 45, cfg.Download.AwaitTimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
portal:
  transport: web
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FUNDSYNC_PORTAL_TRANSPORT", "api")
	t.Setenv("FUNDSYNC_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "api", cfg.Portal.Transport)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("FUNDSYNC_DOWNLOAD_WORKERS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Download.Workers)
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

func validConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL:   "https://portal.example.com",
			Username:  "ops@bloko.example",
			Password:  "hunter2",
			Transport: "web",
		},
		Catalog: CatalogConfig{Path: "BD.xlsx"},
	}
}

func TestValidateAllPresent(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateMissingBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Portal.BaseURL = ""

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "portal.base_url is required")
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Portal.Password = ""

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "portal credentials are required")
}

func TestValidateUnknownTransport(t *testing.T) {
	cfg := validConfig()
	cfg.Portal.Transport = "carrier-pigeon"

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestValidateMissingCatalogPath(t *testing.T) {
	cfg := validConfig()
	cfg.Catalog.Path = ""

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "catalog.path is required")
}
