package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the XMV bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	XMV       XMVConfig       `yaml:"xmv"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// XMVConfig describes the amplifier and the channels to control.
type XMVConfig struct {
	// BridgeID identifies this bridge in MQTT health messages.
	BridgeID string `yaml:"bridge_id"`

	// Host is the device IP address or hostname.
	Host string `yaml:"host"`

	// Port is the RCP TCP port. Default: 49280
	Port int `yaml:"port"`

	// Channels lists the output channels to control.
	Channels []ChannelConfig `yaml:"channels"`

	// ChannelList is the shorthand "id:name,id:name". When set it replaces Channels.
	ChannelList string `yaml:"channel_list"`

	// Volume is the dB range mapped onto the 0.0-1.0 control value.
	Volume VolumeConfig `yaml:"volume"`

	// Timeouts are in seconds.
	Timeouts XMVTimeoutConfig `yaml:"timeouts"`

	KeepAlive XMVKeepAliveConfig `yaml:"keep_alive"`
	Reconnect XMVReconnectConfig `yaml:"reconnect"`

	// HealthInterval is how often bridge health is published (seconds).
	HealthInterval int `yaml:"health_interval"`
}

// ChannelConfig is one output channel.
type ChannelConfig struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// VolumeConfig is the configured dB range.
type VolumeConfig struct {
	MinDB float64 `yaml:"min_db"`
	MaxDB float64 `yaml:"max_db"`
}

// XMVTimeoutConfig contains device timeouts in seconds.
type XMVTimeoutConfig struct {
	Connect   int `yaml:"connect"`
	Handshake int `yaml:"handshake"`
	Write     int `yaml:"write"`
	Command   int `yaml:"command"`
	Sync      int `yaml:"sync"`
}

// XMVKeepAliveConfig contains idle-link detection settings in seconds.
type XMVKeepAliveConfig struct {
	// Interval is the idle time after which a probe is sent.
	Interval int `yaml:"interval"`

	// StaleThreshold is the idle time after which the link is declared dead.
	StaleThreshold int `yaml:"stale_threshold"`
}

// XMVReconnectConfig contains reconnect backoff settings.
type XMVReconnectConfig struct {
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	Jitter       float64 `yaml:"jitter"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig controls channel state history.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long entries are kept. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression with a seconds field.
	// Default: "0 0 3 * * *" (03:00 every day)
	PruneSchedule string `yaml:"prune_schedule"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Metrics  MetricsConfig    `yaml:"metrics"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
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
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_XMV_HOST, GRAYLOGIC_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.resolveChannels(); err != nil {
		return nil, fmt.Errorf("parsing channels: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration. Used when no file exists.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic",
			Timezone: "UTC",
		},
		XMV: XMVConfig{
			BridgeID: "xmv-bridge-01",
			Host:     "192.168.1.5",
			Port:     49280,
			Channels: []ChannelConfig{
				{ID: 4, Name: "Zone1"},
				{ID: 6, Name: "Zone2"},
			},
			Volume: VolumeConfig{MinDB: -80, MaxDB: 0},
			Timeouts: XMVTimeoutConfig{
				Connect:   5,
				Handshake: 5,
				Write:     5,
				Command:   3,
				Sync:      10,
			},
			KeepAlive: XMVKeepAliveConfig{
				Interval:       60,
				StaleThreshold: 150,
			},
			Reconnect: XMVReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     60,
				Jitter:       0.1,
			},
			HealthInterval: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/xmvbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
			PruneSchedule: "0 0 3 * * *",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-xmv",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// XMV
	if v := os.Getenv("GRAYLOGIC_XMV_HOST"); v != "" {
		cfg.XMV.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_XMV_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRAYLOGIC_XMV_PORT: %w", err)
		}
		cfg.XMV.Port = port
	}
	if v := os.Getenv("GRAYLOGIC_XMV_CHANNELS"); v != "" {
		cfg.XMV.ChannelList = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// resolveChannels expands ChannelList into Channels.
func (c *Config) resolveChannels() error {
	if c.XMV.ChannelList == "" {
		return nil
	}
	channels, err := ParseChannelList(c.XMV.ChannelList)
	if err != nil {
		return err
	}
	c.XMV.Channels = channels
	return nil
}

// ParseChannelList parses "id:name,id:name" into channels.
// Names may contain colons; only the first colon separates.
//
// Returns:
//   - []ChannelConfig: Channels in the order given
//   - error: If a pair has no separator, a non-numeric id, or the list is empty
func ParseChannelList(s string) ([]ChannelConfig, error) {
	var channels []ChannelConfig
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idStr, name, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("channel pair %q missing ':' separator", pair)
		}
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil {
			return nil, fmt.Errorf("channel pair %q: id must be an integer", pair)
		}
		channels = append(channels, ChannelConfig{ID: id, Name: strings.TrimSpace(name)})
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels were defined")
	}
	return channels, nil
}

// FormatChannelList is the inverse of ParseChannelList.
func FormatChannelList(channels []ChannelConfig) string {
	parts := make([]string, 0, len(channels))
	for _, ch := range channels {
		parts = append(parts, fmt.Sprintf("%d:%s", ch.ID, ch.Name))
	}
	return strings.Join(parts, ",")
}

// Validate checks the configuration for errors.
//
// Device-level checks (duplicate channels, volume range, keep-alive ordering)
// are repeated by the xmv package; they are listed here so a bad file fails
// at load time with every problem at once.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// XMV validation
	if c.XMV.Host == "" {
		errs = append(errs, "xmv.host is required")
	}
	if c.XMV.Port < 1 || c.XMV.Port > 65535 {
		errs = append(errs, "xmv.port must be between 1 and 65535")
	}
	if len(c.XMV.Channels) == 0 {
		errs = append(errs, "xmv.channels must list at least one channel")
	}
	seen := make(map[int]bool, len(c.XMV.Channels))
	for _, ch := range c.XMV.Channels {
		if ch.ID < 0 {
			errs = append(errs, fmt.Sprintf("xmv.channels: id %d must not be negative", ch.ID))
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("xmv.channels: duplicate id %d", ch.ID))
		}
		seen[ch.ID] = true
	}
	if c.XMV.Volume.MinDB >= c.XMV.Volume.MaxDB {
		errs = append(errs, "xmv.volume.min_db must be less than xmv.volume.max_db")
	}
	if c.XMV.KeepAlive.StaleThreshold <= c.XMV.KeepAlive.Interval {
		errs = append(errs, "xmv.keep_alive.stale_threshold must exceed xmv.keep_alive.interval")
	}

	// Database validation
	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}
	if c.History.RetentionDays < 0 {
		errs = append(errs, "history.retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls requires cert_file and key_file")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Seconds converts a seconds setting to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
