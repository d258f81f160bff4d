package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Ledger        LedgerConfig `toml:"ledger"`
	Sync          SyncConfig   `toml:"sync"`
	Notifications NotifyConfig `toml:"notifications"`
}

type LedgerConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	UserID  string `toml:"user_id"`
}

type SyncConfig struct {
	IntervalSeconds      int `toml:"interval_seconds"`
	ProbeIntervalSeconds int `toml:"probe_interval_seconds"`
}

type NotifyConfig struct {
	Enabled bool `toml:"enabled"`
}

func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			BaseURL: "http://localhost:8090",
		},
		Sync: SyncConfig{
			IntervalSeconds:      300,
			ProbeIntervalSeconds: 30,
		},
		Notifications: NotifyConfig{
			Enabled: true,
		},
	}
}

func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pointeuse"), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir is where the offline queue database lives.
func DataDir() (string, error) {
	return ConfigDir()
}

func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POINTEUSE_LEDGER_URL"); v != "" {
		cfg.Ledger.BaseURL = v
	}
	if v := os.Getenv("POINTEUSE_API_KEY"); v != "" {
		cfg.Ledger.APIKey = v
	}
	if v := os.Getenv("POINTEUSE_USER_ID"); v != "" {
		cfg.Ledger.UserID = v
	}
}

func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}
