package xmv

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// unmuteFallbackFraction is restored on unmute when no level was ever confirmed.
const unmuteFallbackFraction = 0.5

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger passed to every client the controller builds.
func WithLogger(logger Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithDialer replaces the TCP dialer, mainly for tests.
func WithDialer(dial Dialer) ControllerOption {
	return func(c *Controller) {
		c.dial = dial
	}
}

// Controller is the public entry point for one XMV device.
//
// It owns a Notifier that outlives reconfiguration, so subscribers stay
// registered across Configure calls. Each Configure tears down the running
// Client (socket, reader, keep-alive, backoff timer) and builds a new one.
//
// Thread Safety: all methods are safe for concurrent use.
type Controller struct {
	mu         sync.RWMutex
	cfg        Config
	configured bool
	closed     bool
	client     *Client
	channels   map[int]ChannelConfig

	notifier *Notifier
	dial     Dialer
	logger   Logger
}

// NewController creates an unconfigured controller.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		notifier: NewNotifier(),
		channels: make(map[int]ChannelConfig),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger != nil {
		c.notifier.SetLogger(c.logger)
	}
	return c
}

// Configure validates cfg and (re)starts the device connection with it.
//
// An invalid configuration is rejected before any connection attempt and
// leaves a running client untouched.
//
// Returns:
//   - error: *ConfigurationError for invalid settings, ErrClosed after Shutdown
func (c *Controller) Configure(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.client != nil {
		c.logInfo("reconfiguring, closing current connection")
		c.client.Close() //nolint:errcheck // Close never fails
		c.client = nil
	}

	c.notifier.SetChannels(cfg.Channels)

	client, err := NewClient(cfg, c.notifier, c.dial)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	if c.logger != nil {
		client.SetLogger(c.logger)
	}

	c.cfg = cfg
	c.channels = cfg.channelSet()
	c.configured = true
	c.client = client

	client.Start()
	c.logInfo("xmv controller configured", "address", cfg.Address(), "channels", len(cfg.Channels))
	return nil
}

// Subscribe registers a listener for connectivity and channel events.
// The returned function removes it.
func (c *Controller) Subscribe(l Listener) func() {
	return c.notifier.Subscribe(l)
}

// SetPower switches a channel on or off and waits for the device to confirm.
func (c *Controller) SetPower(ctx context.Context, channelID int, on bool) error {
	client, err := c.clientFor(channelID)
	if err != nil {
		return err
	}
	return client.Send(ctx, SetPower{Channel: channelID, On: on})
}

// SetVolume sets a channel level from a 0.0-1.0 fraction of the configured range.
// Fractions outside [0, 1] saturate.
func (c *Controller) SetVolume(ctx context.Context, channelID int, fraction float64) error {
	if math.IsNaN(fraction) || math.IsInf(fraction, 0) {
		return fmt.Errorf("%w: volume fraction %v", ErrInvalidValue, fraction)
	}

	client, err := c.clientFor(channelID)
	if err != nil {
		return err
	}
	db := FractionToDB(fraction, client.cfg.Range)
	return client.Send(ctx, SetVolume{Channel: channelID, DB: db})
}

// SetVolumeDB sets a channel level in dB, clamped to the configured range.
func (c *Controller) SetVolumeDB(ctx context.Context, channelID int, db float64) error {
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return fmt.Errorf("%w: volume %v dB", ErrInvalidValue, db)
	}

	client, err := c.clientFor(channelID)
	if err != nil {
		return err
	}
	r := client.cfg.Range
	db = math.Max(r.MinDB, math.Min(r.MaxDB, db))
	return client.Send(ctx, SetVolume{Channel: channelID, DB: db})
}

// SetMute mutes or unmutes a channel.
//
// The device has no separate mute switch, so unmuting restores the last
// confirmed level, or the middle of the range if none is known.
func (c *Controller) SetMute(ctx context.Context, channelID int, muted bool) error {
	client, err := c.clientFor(channelID)
	if err != nil {
		return err
	}

	cmd := SetMute{Channel: channelID, Muted: muted}
	if !muted {
		cmd.RestoreDB = FractionToDB(unmuteFallbackFraction, client.cfg.Range)
		if client.cache.VolumeKnown(channelID) {
			state, _ := client.cache.Get(channelID)
			cmd.RestoreDB = state.VolumeDB
		}
	}
	return client.Send(ctx, cmd)
}

// Refresh asks the device for the current state of one channel.
func (c *Controller) Refresh(ctx context.Context, channelID int) error {
	client, err := c.clientFor(channelID)
	if err != nil {
		return err
	}
	return client.Refresh(ctx, channelID)
}

// GetState returns the cached state of a configured channel.
// A channel the device has not reported yet returns its zero state.
func (c *Controller) GetState(channelID int) (ChannelState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.channels[channelID]; !ok {
		return ChannelState{}, fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	if c.client != nil {
		if state, ok := c.client.cache.Get(channelID); ok {
			return state, nil
		}
	}
	return ChannelState{ChannelID: channelID}, nil
}

// States returns the state of every configured channel in configuration order.
func (c *Controller) States() []ChannelState {
	channels := c.Channels()
	states := make([]ChannelState, 0, len(channels))
	for _, ch := range channels {
		state, err := c.GetState(ch.ID)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return states
}

// State returns the connection state. Disconnected before Configure.
func (c *Controller) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return Disconnected
	}
	return c.client.State()
}

// Channels returns the configured channels.
func (c *Controller) Channels() []ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChannelConfig(nil), c.cfg.Channels...)
}

// Channel looks up one configured channel.
func (c *Controller) Channel(channelID int) (ChannelConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	return ch, ok
}

// VolumeRange returns the configured dB range.
func (c *Controller) VolumeRange() VolumeRange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Range
}

// Stats returns statistics of the running client.
func (c *Controller) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return ClientStats{State: Disconnected}
	}
	return c.client.Stats()
}

// Shutdown closes the device connection and stops event delivery after
// flushing queued events. Safe to call multiple times.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.client
	c.mu.Unlock()

	if client != nil {
		client.Close() //nolint:errcheck // Close never fails
	}
	c.notifier.Close()
	c.logInfo("xmv controller shut down")
	return nil
}

// clientFor returns the running client for a configured channel.
func (c *Controller) clientFor(channelID int) (*Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.channels[channelID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *Controller) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}
