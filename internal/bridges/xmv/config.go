package xmv

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"time"
)

// Default connection settings.
const (
	// DefaultHost is the factory address of the device.
	DefaultHost = "192.168.1.5"

	defaultConnectTimeout    = 5 * time.Second
	defaultHandshakeTimeout  = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultSyncTimeout       = 10 * time.Second
	defaultKeepAliveInterval = 60 * time.Second
	defaultStaleThreshold    = 150 * time.Second
)

// Default volume range in dB.
const (
	DefaultMinDB = -80.0
	DefaultMaxDB = 0.0
)

// Config holds everything needed to run a client against one device.
type Config struct {
	// Host is the device IP address or hostname.
	Host string

	// Port is the RCP TCP port. Default: 49280.
	Port int

	// Channels lists the output channels to control. IDs must be unique.
	Channels []ChannelConfig

	// Range maps the 0.0-1.0 control value onto dB.
	Range VolumeRange

	// ConnectTimeout bounds the TCP dial. Default: 5 seconds.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the runmode exchange. Default: 5 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single socket write. Default: 5 seconds.
	WriteTimeout time.Duration

	// CommandTimeout bounds the wait for an acknowledgement. Default: 3 seconds.
	CommandTimeout time.Duration

	// SyncTimeout bounds the initial state refresh. Default: 10 seconds.
	SyncTimeout time.Duration

	// KeepAliveInterval is the idle time after which a probe is sent.
	// Default: 60 seconds.
	KeepAliveInterval time.Duration

	// StaleThreshold is the idle time after which the link is declared dead.
	// Must exceed KeepAliveInterval. Default: 150 seconds.
	StaleThreshold time.Duration

	// Backoff configures reconnect delays.
	Backoff BackoffPolicy
}

// DefaultConfig returns the configuration the device ships with.
func DefaultConfig() Config {
	return Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Channels: []ChannelConfig{
			{ID: 4, Name: "Zone1"},
			{ID: 6, Name: "Zone2"},
		},
		Range: VolumeRange{MinDB: DefaultMinDB, MaxDB: DefaultMaxDB},
		Backoff: BackoffPolicy{
			Base:    defaultReconnectBase,
			Ceiling: defaultReconnectCeiling,
			Jitter:  defaultReconnectJitter,
		},
	}.withDefaults()
}

// withDefaults fills zero durations and the port.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	c.Backoff = c.Backoff.withDefaults()
	c.Channels = append([]ChannelConfig(nil), c.Channels...)
	return c
}

// Address returns host:port for dialling.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the configuration and reports every problem at once.
//
// Returns:
//   - error: *ConfigurationError listing all problems, or nil
func (c Config) Validate() error {
	var problems []string

	if c.Host == "" {
		problems = append(problems, "host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}

	if len(c.Channels) == 0 {
		problems = append(problems, "at least one channel is required")
	}
	seen := make(map[int]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.ID < 0 {
			problems = append(problems, fmt.Sprintf("channels[%d]: id %d must not be negative", i, ch.ID))
		}
		if seen[ch.ID] {
			problems = append(problems, fmt.Sprintf("channels[%d]: duplicate channel id %d", i, ch.ID))
		}
		seen[ch.ID] = true
	}

	if !c.Range.Valid() {
		problems = append(problems, fmt.Sprintf("volume range [%g, %g] invalid: min must be below max", c.Range.MinDB, c.Range.MaxDB))
	}

	if c.StaleThreshold > 0 && c.KeepAliveInterval > 0 && c.StaleThreshold <= c.KeepAliveInterval {
		problems = append(problems, "stale threshold must exceed keep-alive interval")
	}
	if math.IsNaN(c.Backoff.Jitter) {
		problems = append(problems, "backoff jitter must be a number")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// channelSet returns the configured channel IDs.
func (c Config) channelSet() map[int]ChannelConfig {
	set := make(map[int]ChannelConfig, len(c.Channels))
	for _, ch := range c.Channels {
		set[ch.ID] = ch
	}
	return set
}
