package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"mcemirror/internal/mce"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Bus kinds
const (
	BusSystem  = "system"
	BusSession = "session"
	BusAddress = "address"
)

// BusConfig selects the message bus to connect to
type BusConfig struct {
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
}

// ServiceConfig names the service and the objects, methods and signals used on it
type ServiceConfig struct {
	Name             string `yaml:"name"`
	RequestPath      string `yaml:"request_path"`
	RequestInterface string `yaml:"request_interface"`
	SignalPath       string `yaml:"signal_path"`
	SignalInterface  string `yaml:"signal_interface"`

	DisplayStatusMethod string `yaml:"display_status_method"`
	DisplayStatusSignal string `yaml:"display_status_signal"`
	TklockModeMethod    string `yaml:"tklock_mode_method"`
	TklockModeSignal    string `yaml:"tklock_mode_signal"`
}

// HTTPConfig configures the status server
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Config represents the mcemon.yaml structure
type Config struct {
	Bus            BusConfig     `yaml:"bus"`
	Service        ServiceConfig `yaml:"service"`
	HTTP           HTTPConfig    `yaml:"http"`
	StrictValidity bool          `yaml:"strict_validity"`
	LogLevel       string        `yaml:"log_level"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	names := mce.DefaultNames()
	return &Config{
		Bus: BusConfig{Kind: BusSystem},
		Service: ServiceConfig{
			Name:                names.Service,
			RequestPath:         string(names.RequestPath),
			RequestInterface:    names.RequestInterface,
			SignalPath:          string(names.SignalPath),
			SignalInterface:     names.SignalInterface,
			DisplayStatusMethod: names.DisplayStatusMethod,
			DisplayStatusSignal: names.DisplayStatusSignal,
			TklockModeMethod:    names.TklockModeMethod,
			TklockModeSignal:    names.TklockModeSignal,
		},
		HTTP:     HTTPConfig{Port: 8080},
		LogLevel: "info",
	}
}

// Loader builds a Config from defaults, an optional YAML file and the environment
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a new configuration loader. An empty path skips the file.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// Load reads the configuration and validates the result
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		l.logger.Debug("Loading config file", zap.String("path", l.path))

		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l.logger.Info("Configuration loaded",
		zap.String("bus", cfg.Bus.Kind),
		zap.String("service", cfg.Service.Name),
		zap.Int("port", cfg.HTTP.Port),
		zap.Bool("strict_validity", cfg.StrictValidity))
	return cfg, nil
}

// applyEnv overrides fields from MCE_* environment variables
func (c *Config) applyEnv() error {
	if v := os.Getenv("MCE_BUS"); v != "" {
		c.SetBus(v)
	}
	if v := os.Getenv("MCE_SERVICE"); v != "" {
		c.Service.Name = v
	}
	if v := os.Getenv("MCE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse MCE_HTTP_PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	if v := os.Getenv("MCE_STRICT_VALIDITY"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse MCE_STRICT_VALIDITY: %w", err)
		}
		c.StrictValidity = strict
	}
	if v := os.Getenv("MCE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// SetBus selects the bus from "system", "session" or a bus address
func (c *Config) SetBus(v string) {
	switch v {
	case BusSystem, BusSession:
		c.Bus = BusConfig{Kind: v}
	default:
		c.Bus = BusConfig{Kind: BusAddress, Address: v}
	}
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case BusSystem, BusSession:
	case BusAddress:
		if c.Bus.Address == "" {
			return errors.New("bus address is required for bus kind address")
		}
	default:
		return fmt.Errorf("unknown bus kind %q", c.Bus.Kind)
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTP.Port)
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	fields := []struct {
		name  string
		value string
	}{
		{"service name", c.Service.Name},
		{"request interface", c.Service.RequestInterface},
		{"signal interface", c.Service.SignalInterface},
		{"display status method", c.Service.DisplayStatusMethod},
		{"display status signal", c.Service.DisplayStatusSignal},
		{"tklock mode method", c.Service.TklockModeMethod},
		{"tklock mode signal", c.Service.TklockModeSignal},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%s must not be empty", f.name)
		}
	}

	for _, p := range []string{c.Service.RequestPath, c.Service.SignalPath} {
		if !dbus.ObjectPath(p).IsValid() {
			return fmt.Errorf("invalid object path %q", p)
		}
	}
	return nil
}

// Level returns the configured log level
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Names converts the service section into the names the mirrors use
func (c *Config) Names() mce.Names {
	return mce.Names{
		Service:             c.Service.Name,
		RequestPath:         dbus.ObjectPath(c.Service.RequestPath),
		RequestInterface:    c.Service.RequestInterface,
		SignalPath:          dbus.ObjectPath(c.Service.SignalPath),
		SignalInterface:     c.Service.SignalInterface,
		DisplayStatusMethod: c.Service.DisplayStatusMethod,
		DisplayStatusSignal: c.Service.DisplayStatusSignal,
		TklockModeMethod:    c.Service.TklockModeMethod,
		TklockModeSignal:    c.Service.TklockModeSignal,
	}
}
