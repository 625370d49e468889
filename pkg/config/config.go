// Package config handles configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/commatea/pzem-bridge/pkg/logger"
	"github.com/commatea/pzem-bridge/pkg/transport"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./pzemd.yaml",
	"./pzemd.yml",
	"~/.config/pzemd/config.yaml",
	"/etc/pzemd/config.yaml",
}

// Config is the root configuration of the bridge.
type Config struct {
	// Port configures the serial line to the meter.
	Port transport.Config `yaml:"port" json:"port" validate:"required"`

	// Driver configures the meter driver itself.
	Driver DriverConfig `yaml:"driver" json:"driver"`

	// MQTT configures telemetry publishing.
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	// API configures the REST/WebSocket server.
	API APIConfig `yaml:"api" json:"api"`

	// Store configures the readings history database.
	Store StoreConfig `yaml:"store" json:"store"`

	// Logging configures log output.
	Logging logger.Config `yaml:"logging" json:"logging"`
}

// DriverConfig holds the persisted driver settings: device address,
// update interval and the debug flag.
type DriverConfig struct {
	// Address is the Modbus device address. 0xF8 is the factory default
	// and only works with a single meter on the line.
	Address uint8 `yaml:"address" json:"address"`

	// UpdateInterval is the minimum time between measurement polls.
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`

	// ReadTimeout bounds one request/response exchange.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// TickInterval is the cadence at which the engine offers the driver
	// a chance to poll. It should stay below UpdateInterval.
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`

	// Debug enables frame-level hex tracing.
	Debug bool `yaml:"debug" json:"debug"`
}

// MQTTConfig holds telemetry publishing configuration.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Broker         string        `yaml:"broker" json:"broker" validate:"required_if=Enabled true"`
	ClientID       string        `yaml:"client_id" json:"client_id"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"password"`
	Topic          string        `yaml:"topic" json:"topic"`
	QOS            int           `yaml:"qos" json:"qos" validate:"gte=0,lte=2"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// APIConfig holds the REST/WebSocket server configuration.
type APIConfig struct {
	Enabled bool       `yaml:"enabled" json:"enabled"`
	Port    int        `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Auth    AuthConfig `yaml:"auth" json:"auth"`
}

// AuthConfig protects the admin endpoints.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Keys      []string `yaml:"keys" json:"keys"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
}

// StoreConfig holds the readings history configuration.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required_if=Enabled true"`
}

// Load loads configuration from file. An empty path probes the default
// locations and falls back to DefaultConfig.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

// loadFile loads configuration from a specific file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save saves configuration to file. Used by the address-change command
// so a re-addressed meter survives a restart.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Port: transport.Config{
			Type:     "serial",
			BaudRate: 9600,
		},
		Driver: DriverConfig{
			Address:        0xF8,
			UpdateInterval: 200 * time.Millisecond,
			ReadTimeout:    200 * time.Millisecond,
			TickInterval:   100 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Enabled:        false,
			Topic:          "pzem/reading",
			QOS:            0,
			ConnectTimeout: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Port:    8080,
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    "./pzemd.db",
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}
