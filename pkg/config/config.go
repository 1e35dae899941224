package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blesense/internal/profile/hts"
)

// Config holds application configuration
type Config struct {
	LogLevel           string        `yaml:"log_level" default:"info"`
	Transport          string        `yaml:"transport" default:"goble"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	ScanTimeout        time.Duration `yaml:"scan_timeout" default:"10s"`
	NotificationBuffer int           `yaml:"notification_buffer" default:"128"`
	TaskQueue          int           `yaml:"task_queue" default:"256"`
	// RACPTimeout bounds the wait for a record transfer; 0 waits forever.
	RACPTimeout time.Duration `yaml:"racp_timeout" default:"0s"`
	CSC         CSCConfig     `yaml:"csc"`
	HTS         HTSConfig     `yaml:"hts"`
}

// CSCConfig holds cycling sensor settings.
type CSCConfig struct {
	WheelSizeMM uint32 `yaml:"wheel_size_mm" default:"2340"`
}

// HTSConfig holds thermometer settings.
type HTSConfig struct {
	Unit string `yaml:"unit" default:"celsius"` // celsius, fahrenheit or kelvin
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blesense", "config.yaml")
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Transport {
	case "goble", "tinyble":
	default:
		return fmt.Errorf("transport must be \"goble\" or \"tinyble\", got %q", c.Transport)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must not be negative")
	}
	if c.NotificationBuffer <= 0 {
		return fmt.Errorf("notification_buffer must be > 0")
	}
	if c.TaskQueue <= 0 {
		return fmt.Errorf("task_queue must be > 0")
	}
	if c.RACPTimeout < 0 {
		return fmt.Errorf("racp_timeout must not be negative")
	}
	if c.CSC.WheelSizeMM == 0 {
		return fmt.Errorf("csc.wheel_size_mm must be > 0")
	}
	if _, err := hts.ParseUnit(c.HTS.Unit); err != nil {
		return fmt.Errorf("hts.unit: %w", err)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// TemperatureUnit returns the configured HTS display unit, falling back to Celsius.
func (c *Config) TemperatureUnit() hts.Unit {
	u, err := hts.ParseUnit(c.HTS.Unit)
	if err != nil {
		return hts.Celsius
	}
	return u
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
