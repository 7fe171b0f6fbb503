// Copyright 2024-2026 Aiku AI

package sedbot

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bot configuration. Values come from an optional YAML file
// and are then overridden by environment variables.
type Config struct {
	Homeserver string `yaml:"homeserver" env:"MATRIX_SERVER"`
	Username   string `yaml:"username" env:"MATRIX_USERNAME"`
	// Password is optional. When empty the caller prompts for it and a
	// wrong password leads to another prompt instead of an error.
	Password   string `yaml:"password" env:"MATRIX_PASSWORD"`
	DeviceName string `yaml:"device_name" env:"MATRIX_DEVICE_NAME"`

	SessionFile string `yaml:"session_file" env:"MATRIX_SED_SESSION_FILE"`
	DataDir     string `yaml:"data_dir" env:"MATRIX_SED_DATA_DIR"`

	DeleteOtherDevices           bool `yaml:"delete_other_devices" env:"MATRIX_DELETE_OTHER_DEVICES"`
	TolerateDeviceCleanupFailure bool `yaml:"tolerate_device_cleanup_failure" env:"MATRIX_SED_TOLERATE_DEVICE_CLEANUP_FAILURE"`

	SyncTimeout    time.Duration `yaml:"sync_timeout" env:"MATRIX_SED_SYNC_TIMEOUT"`
	SyncRetryDelay time.Duration `yaml:"sync_retry_delay" env:"MATRIX_SED_SYNC_RETRY_DELAY"`

	MetricsAddr string `yaml:"metrics_addr" env:"MATRIX_SED_METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"MATRIX_SED_LOG_LEVEL"`
}

const (
	defaultDeviceName     = "matrix-sed"
	defaultSessionFile    = "session.json"
	defaultDataDir        = "data"
	defaultSyncTimeout    = 30 * time.Second
	defaultSyncRetryDelay = 5 * time.Second
	defaultLogLevel       = "info"
)

// DefaultConfig returns a config with every optional field filled in.
func DefaultConfig() *Config {
	return &Config{
		DeviceName:     defaultDeviceName,
		SessionFile:    defaultSessionFile,
		DataDir:        defaultDataDir,
		SyncTimeout:    defaultSyncTimeout,
		SyncRetryDelay: defaultSyncRetryDelay,
		LogLevel:       defaultLogLevel,
	}
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads the YAML file at path (skipped when path is empty) on top
// of the defaults and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.PostProcess()
	return cfg, nil
}

// PostProcess normalizes values and restores defaults that were blanked out.
func (c *Config) PostProcess() {
	c.Homeserver = strings.TrimRight(strings.TrimSpace(c.Homeserver), "/")
	c.Username = strings.TrimSpace(c.Username)
	if c.DeviceName == "" {
		c.DeviceName = defaultDeviceName
	}
	if c.SessionFile == "" {
		c.SessionFile = defaultSessionFile
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.SyncTimeout < 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.SyncRetryDelay < 0 {
		c.SyncRetryDelay = defaultSyncRetryDelay
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Homeserver == "" {
		errs = append(errs, errors.New("homeserver is required"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	return errors.Join(errs...)
}
