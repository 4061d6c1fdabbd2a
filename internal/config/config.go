package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Portal   PortalConfig   `yaml:"portal" mapstructure:"portal"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Paths    PathsConfig    `yaml:"paths" mapstructure:"paths"`
	Download DownloadConfig `yaml:"download" mapstructure:"download"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// PortalConfig holds the portal endpoint and credentials.
type PortalConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	// Transport selects the session implementation: "web" or "api".
	Transport string `yaml:"transport" mapstructure:"transport"`
}

// CatalogConfig locates the fund catalog workbook.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PathsConfig holds the destination roots and the scratch area.
type PathsConfig struct {
	FundRoot    string `yaml:"fund_root" mapstructure:"fund_root"`
	Monitor     string `yaml:"monitor" mapstructure:"monitor"`
	Spreadsheet string `yaml:"spreadsheet" mapstructure:"spreadsheet"`
	Structured  string `yaml:"structured" mapstructure:"structured"`
	Scratch     string `yaml:"scratch" mapstructure:"scratch"`
}

// DownloadConfig tunes the retrieval run.
type DownloadConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	AwaitTimeoutSecs int `yaml:"await_timeout_secs" mapstructure:"await_timeout_secs"`
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries"`
}

// AwaitTimeout returns the per-artifact completion timeout.
func (c DownloadConfig) AwaitTimeout() time.Duration {
	return time.Duration(c.AwaitTimeoutSecs) * time.Second
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FUNDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("portal.transport", "web")
	v.SetDefault("catalog.path", "BD.xlsx")
	v.SetDefault("paths.scratch", "/tmp/fundsync")
	v.SetDefault("download.workers", 10)
	v.SetDefault("download.await_timeout_secs", 45)
	v.SetDefault("download.max_retries", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a retrieval run cannot start without.
func (c *Config) Validate() error {
	switch {
	case c.Portal.BaseURL == "":
		return eris.New("config: portal.base_url is required")
	case c.Portal.Username == "" || c.Portal.Password == "":
		return eris.New("config: portal credentials are required")
	case c.Portal.Transport != "web" && c.Portal.Transport != "api":
		return eris.Errorf("config: unknown transport %q", c.Portal.Transport)
	case c.Catalog.Path == "":
		return eris.New("config: catalog.path is required")
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
