package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Working directories
	DataDir     string `mapstructure:"data-dir"`
	DownloadDir string `mapstructure:"download-dir"`
	StagingDir  string `mapstructure:"staging-dir"`
	SDIPath     string `mapstructure:"sdi-path"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`
	PrefsPath  string `mapstructure:"prefs-path"`

	// Remote catalogs
	SystemsURL      string        `mapstructure:"systems-url"`
	EnvironmentsURL string        `mapstructure:"environments-url"`
	SoftwareURL     string        `mapstructure:"software-url"`
	CatalogTimeout  time.Duration `mapstructure:"catalog-timeout"`

	// S3 download source
	S3Region string `mapstructure:"s3-region"`

	// Downloads
	DownloadRetries      int           `mapstructure:"download-retries"`
	DownloadRetryInitial time.Duration `mapstructure:"download-retry-initial"`
	DownloadPollInterval time.Duration `mapstructure:"download-poll-interval"`
	MaxDownloadSize      int64         `mapstructure:"max-download-size"`

	// Interactive loop
	TickInterval time.Duration `mapstructure:"tick-interval"`

	// RecoveryEnv overrides detection: auto, true or false.
	RecoveryEnv string `mapstructure:"recovery-env"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// SetDefaults registers every key's default. Load calls it; commands that
// bind flags before Load see the same values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data-dir", ".letrecovery")
	v.SetDefault("download-dir", "")
	v.SetDefault("staging-dir", "")
	v.SetDefault("sdi-path", `X:\Windows\Boot\DVD\EFI\boot.sdi`)
	v.SetDefault("sqlite-path", "")
	v.SetDefault("fsm-db-path", "")
	v.SetDefault("prefs-path", "")
	v.SetDefault("systems-url", "https://letrecovery.example.com/systems.txt")
	v.SetDefault("environments-url", "https://letrecovery.example.com/pe.txt")
	v.SetDefault("software-url", "https://letrecovery.example.com/software.json")
	v.SetDefault("catalog-timeout", 10*time.Second)
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("download-retries", 3)
	v.SetDefault("download-retry-initial", 2*time.Second)
	v.SetDefault("download-poll-interval", 500*time.Millisecond)
	v.SetDefault("max-download-size", int64(16*1024*1024*1024))
	v.SetDefault("tick-interval", 100*time.Millisecond)
	v.SetDefault("recovery-env", "auto")
	v.SetDefault("fsm-max-retries", 5)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (LETRECOVERY_DATA_DIR, etc.)
	v.SetEnvPrefix("LETRECOVERY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.letrecovery")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.derivePaths()
	return &cfg, nil
}

// derivePaths places unset paths under the data directory.
func (c *Config) derivePaths() {
	under := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.DataDir, name)
		}
	}
	under(&c.DownloadDir, "downloads")
	under(&c.StagingDir, "staging")
	under(&c.SQLitePath, "letrecovery.db")
	under(&c.FSMDBPath, "fsm")
	under(&c.PrefsPath, "config.json")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir cannot be empty")
	}
	if c.CatalogTimeout <= 0 {
		return fmt.Errorf("catalog-timeout must be positive")
	}
	if c.DownloadRetries < 0 {
		return fmt.Errorf("download-retries must be non-negative")
	}
	if c.DownloadRetryInitial <= 0 {
		return fmt.Errorf("download-retry-initial must be positive")
	}
	if c.DownloadPollInterval <= 0 {
		return fmt.Errorf("download-poll-interval must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick-interval must be positive")
	}
	if c.MaxDownloadSize <= 0 {
		return fmt.Errorf("max-download-size must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	switch strings.ToLower(c.RecoveryEnv) {
	case "auto", "true", "false":
	default:
		return fmt.Errorf("recovery-env must be auto, true or false, got %q", c.RecoveryEnv)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
