package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds the tuning values of the sync engine.
type EngineConfig struct {
	// MaxRetries bounds the attempts of one command on transient faults.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// WaitDelay is the delay carried by the Wait event after a malformed reply.
	WaitDelay time.Duration `mapstructure:"wait_delay" yaml:"wait_delay"`

	// LockTimeout bounds how long a command waits for the connection lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`

	// CancelWait bounds how long a cancelled worker waits for the lock to be released.
	CancelWait time.Duration `mapstructure:"cancel_wait" yaml:"cancel_wait"`

	// CommandTimeout bounds one command attempt.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`

	// QuickSyncWait is the Wait delay when a quick sync has nothing to do.
	QuickSyncWait time.Duration `mapstructure:"quick_sync_wait" yaml:"quick_sync_wait"`

	PreviewBytes     int `mapstructure:"preview_bytes" yaml:"preview_bytes"`
	PreviewBytesHTML int `mapstructure:"preview_bytes_html" yaml:"preview_bytes_html"`
	PreviewLength    int `mapstructure:"preview_length" yaml:"preview_length"`

	SearchLookbackDays   int `mapstructure:"search_lookback_days" yaml:"search_lookback_days"`
	SearchMaxHits        int `mapstructure:"search_max_hits" yaml:"search_max_hits"`
	MetadataLookbackDays int `mapstructure:"metadata_lookback_days" yaml:"metadata_lookback_days"`

	// SyncSpan caps the number of new UIDs fetched with full envelopes per pass.
	SyncSpan int `mapstructure:"sync_span" yaml:"sync_span"`

	// FlagWindow is how many of the most recent known UIDs get a flag refresh.
	FlagWindow int `mapstructure:"flag_window" yaml:"flag_window"`

	// HardAuthHosts lists servers whose NO/BAD replies to authentication are
	// permanent auth failures.
	HardAuthHosts []string `mapstructure:"hard_auth_hosts" yaml:"hard_auth_hosts"`

	// ClientID is the name sent in the ID exchange.
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DBPath      string       `mapstructure:"db_path" yaml:"db_path"`
	LogLevel    string       `mapstructure:"log_level" yaml:"log_level"`
	MetricsAddr string       `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Engine      EngineConfig `mapstructure:"engine" yaml:"engine"`
	Accounts    []Account    `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/imapsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "imapsync", "config.yaml")
}

// DefaultDBPath returns the default cache location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "imapsync.db")
	}
	return filepath.Join(home, ".local", "share", "imapsync", "cache.db")
}

// DefaultEngineConfig returns the engine tuning defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:           3,
		WaitDelay:            60 * time.Second,
		LockTimeout:          30 * time.Second,
		CancelWait:           5 * time.Second,
		CommandTimeout:       2 * time.Minute,
		QuickSyncWait:        60 * time.Second,
		PreviewBytes:         512,
		PreviewBytesHTML:     2048,
		PreviewLength:        255,
		SearchLookbackDays:   30,
		SearchMaxHits:        50,
		MetadataLookbackDays: 0,
		SyncSpan:             100,
		FlagWindow:           50,
		ClientID:             "imapsync",
	}
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DBPath:   DefaultDBPath(),
		LogLevel: "info",
		Engine:   DefaultEngineConfig(),
		Accounts: []Account{},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultEngineConfig()
	v.SetDefault("db_path", DefaultDBPath())
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("engine.max_retries", d.MaxRetries)
	v.SetDefault("engine.wait_delay", d.WaitDelay)
	v.SetDefault("engine.lock_timeout", d.LockTimeout)
	v.SetDefault("engine.cancel_wait", d.CancelWait)
	v.SetDefault("engine.command_timeout", d.CommandTimeout)
	v.SetDefault("engine.quick_sync_wait", d.QuickSyncWait)
	v.SetDefault("engine.preview_bytes", d.PreviewBytes)
	v.SetDefault("engine.preview_bytes_html", d.PreviewBytesHTML)
	v.SetDefault("engine.preview_length", d.PreviewLength)
	v.SetDefault("engine.search_lookback_days", d.SearchLookbackDays)
	v.SetDefault("engine.search_max_hits", d.SearchMaxHits)
	v.SetDefault("engine.metadata_lookback_days", d.MetadataLookbackDays)
	v.SetDefault("engine.sync_span", d.SyncSpan)
	v.SetDefault("engine.flag_window", d.FlagWindow)
	v.SetDefault("engine.client_id", d.ClientID)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("IMAPSYNC")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.PollIntervalSec == 0 {
			a.PollIntervalSec = 120
		}
		if a.AuthType == "" {
			a.AuthType = AuthPassword
		}
		if !a.TLS {
			// A missing tls key means implicit TLS; only an explicit false
			// selects STARTTLS.
			key := fmt.Sprintf("accounts.%d.tls", i)
			if !v.IsSet(key) {
				a.TLS = true
			}
		}
		if a.ID == "" {
			return nil, fmt.Errorf("parsing config %s: account %d has no id", path, i)
		}
		if a.Host == "" {
			return nil, fmt.Errorf("parsing config %s: account %s has no host", path, a.ID)
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("db_path", cfg.DBPath)
	v.Set("log_level", cfg.LogLevel)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("engine", cfg.Engine)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
