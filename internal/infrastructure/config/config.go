package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the AirDry connectivity core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	BLE        BLEConfig        `yaml:"ble"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
//
// ClientIDPrefix is optional. When set, the generated client identifier is
// "{prefix}-{rand6}-{unix}"; when empty a fully random collision-resistant
// identity is generated instead.
type MQTTBrokerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TLS            bool   `yaml:"tls"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// BLEConfig contains local-link (Bluetooth LE) transport settings.
type BLEConfig struct {
	Enabled bool `yaml:"enabled"`

	// Adapter is the BlueZ adapter name, e.g. "hci0".
	Adapter string `yaml:"adapter"`

	// ScanInterval is the seconds between discovery scan passes.
	ScanInterval int `yaml:"scan_interval"`

	// ScanDuration is the seconds each discovery scan pass runs for.
	ScanDuration int `yaml:"scan_duration"`

	// ConnectTimeout bounds a single connection attempt, in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// MaxReconnectAttempts is the number of backoff reconnect attempts made
	// after an unexpected disconnect before a device is marked abandoned.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for telemetry fan-out.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DispatcherConfig contains command dispatcher settings.
type DispatcherConfig struct {
	// Workers is the number of goroutines draining the request queue.
	Workers int `yaml:"workers"`

	// QueueSize is the capacity of the request queue.
	QueueSize int `yaml:"queue_size"`

	// SendTimeout bounds a single dispatch round-trip, in seconds.
	SendTimeout int `yaml:"send_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SWISSAIRDRY_SECTION_KEY
// For example: SWISSAIRDRY_DATABASE_PATH, SWISSAIRDRY_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/airdry.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		BLE: BLEConfig{
			Enabled:              true,
			Adapter:              "hci0",
			ScanInterval:         30,
			ScanDuration:         5,
			ConnectTimeout:       10,
			MaxReconnectAttempts: 5,
		},
		Dispatcher: DispatcherConfig{
			Workers:     4,
			QueueSize:   64,
			SendTimeout: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SWISSAIRDRY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SWISSAIRDRY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SWISSAIRDRY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SWISSAIRDRY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("SWISSAIRDRY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SWISSAIRDRY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// BLE
	if v := os.Getenv("SWISSAIRDRY_BLE_ADAPTER"); v != "" {
		cfg.BLE.Adapter = v
	}

	// InfluxDB
	if v := os.Getenv("SWISSAIRDRY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// BLE validation
	if c.BLE.Enabled {
		if c.BLE.ScanInterval < 1 {
			errs = append(errs, "ble.scan_interval must be at least 1 second")
		}
		if c.BLE.MaxReconnectAttempts < 1 {
			errs = append(errs, "ble.max_reconnect_attempts must be at least 1")
		}
	}

	// Dispatcher validation
	if c.Dispatcher.Workers < 1 {
		errs = append(errs, "dispatcher.workers must be at least 1")
	}
	if c.Dispatcher.QueueSize < 1 {
		errs = append(errs, "dispatcher.queue_size must be at least 1")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set SWISSAIRDRY_INFLUXDB_TOKEN)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetScanInterval returns the BLE scan interval as a Duration.
func (c *Config) GetScanInterval() time.Duration {
	return time.Duration(c.BLE.ScanInterval) * time.Second
}

// GetScanDuration returns the BLE scan pass duration as a Duration.
func (c *Config) GetScanDuration() time.Duration {
	return time.Duration(c.BLE.ScanDuration) * time.Second
}

// GetConnectTimeout returns the BLE connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.BLE.ConnectTimeout) * time.Second
}

// GetSendTimeout returns the dispatcher send timeout as a Duration.
func (c *Config) GetSendTimeout() time.Duration {
	return time.Duration(c.Dispatcher.SendTimeout) * time.Second
}
