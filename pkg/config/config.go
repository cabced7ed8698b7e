package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// server side
	DeviceName          string        `yaml:"device_name" default:"M5UiFlow"`
	Appearance          uint16        `yaml:"appearance" default:"128"`
	AdvertisingInterval time.Duration `yaml:"advertising_interval" default:"500ms"`

	// client side
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"2s"`
	ScanInterval time.Duration `yaml:"scan_interval" default:"30ms"`
	ScanWindow   time.Duration `yaml:"scan_window" default:"30ms"`

	RxBufferSize   int `yaml:"rx_buffer_size" default:"4096"`
	EventQueueSize int `yaml:"event_queue_size" default:"64"`
	TraceSize      int `yaml:"trace_size" default:"256"`
	PTYBufferSize  int `yaml:"pty_buffer_size" default:"4096"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level returns the parsed log level.
func (c *Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	positive := map[string]int{
		"rx_buffer_size":   c.RxBufferSize,
		"event_queue_size": c.EventQueueSize,
		"trace_size":       c.TraceSize,
		"pty_buffer_size":  c.PTYBufferSize,
	}
	for _, name := range []string{"rx_buffer_size", "event_queue_size", "trace_size", "pty_buffer_size"} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, positive[name]))
		}
	}
	if c.AdvertisingInterval <= 0 {
		errs = append(errs, fmt.Errorf("advertising_interval must be positive, got %s", c.AdvertisingInterval))
	}
	if c.ScanInterval <= 0 || c.ScanWindow <= 0 {
		errs = append(errs, errors.New("scan_interval and scan_window must be positive"))
	} else if c.ScanWindow > c.ScanInterval {
		errs = append(errs, fmt.Errorf("scan_window %s exceeds scan_interval %s", c.ScanWindow, c.ScanInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
