// Package config loads and persists the server's YAML settings file,
// creating a default one on first run if none exists.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file name config.LoadConfig looks for under a
// data directory.
const ConfigFileName = "bankd.yaml"

// Config holds the server's tunables. None of these are required to run
// (DefaultConfig covers every field), but an operator can override the
// timing budget or audit store location without recompiling.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Teller TellerConfig `yaml:"teller"`
	Client ClientConfig `yaml:"client"`
	Audit  AuditConfig  `yaml:"audit"`
	Log    LogConfig    `yaml:"log"`
}

// TellerConfig holds the server-side timing budget.
type TellerConfig struct {
	ClientFIFOOpen       time.Duration `yaml:"client_fifo_open"`
	ArbiterReply         time.Duration `yaml:"arbiter_reply"`
	MaxConcurrentTellers int64         `yaml:"max_concurrent_tellers"`
}

// ClientConfig holds a client-side timing budget. cmd/bankclient does not
// read the config file; it uses bankclient.DefaultConfig.
type ClientConfig struct {
	TotalDeadline time.Duration `yaml:"total_deadline"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// AuditConfig points at the secondary, non-authoritative SQLite audit
// store (see internal/audit); it has no bearing on recovery.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LogConfig configures the structured logger (not to be confused with
// the account transaction log in internal/walog).
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration a fresh bank directory starts
// with.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Teller: TellerConfig{
			ClientFIFOOpen:       500 * time.Millisecond,
			ArbiterReply:         3 * time.Second,
			MaxConcurrentTellers: 64,
		},
		Client: ClientConfig{
			TotalDeadline: 30 * time.Second,
			PollInterval:  250 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled: true,
			DBPath:  filepath.Join(dataDir, "audit.db"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the config file path under a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// LoadConfig loads the config file under dataDir, writing a default one
// if none exists yet.
func LoadConfig(dataDir string) (*Config, error) {
	dataDir = expandPath(dataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("config: create data dir %s: %w", dataDir, err)
	}

	path := ConfigPath(dataDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig(dataDir)
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig(dataDir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.DataDir = dataDir
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
