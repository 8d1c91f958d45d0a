package xmv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// bridgeCommandTimeout bounds one MQTT command end to end.
	bridgeCommandTimeout = 10 * time.Second

	// sideEffectTimeout bounds history writes triggered by a state change.
	sideEffectTimeout = 5 * time.Second

	// SourceDevice marks history entries confirmed by the device.
	SourceDevice = "device"
)

// DeviceController is the slice of *Controller the bridge depends on.
// This allows mocking in tests.
type DeviceController interface {
	SetPower(ctx context.Context, channelID int, on bool) error
	SetVolume(ctx context.Context, channelID int, fraction float64) error
	SetVolumeDB(ctx context.Context, channelID int, db float64) error
	SetMute(ctx context.Context, channelID int, muted bool) error
	Refresh(ctx context.Context, channelID int) error
	GetState(channelID int) (ChannelState, error)
	State() ConnectionState
	Channel(channelID int) (ChannelConfig, bool)
	Channels() []ChannelConfig
	VolumeRange() VolumeRange
	Stats() ClientStats
	Subscribe(l Listener) func()
}

// Ensure Controller implements DeviceController.
var _ DeviceController = (*Controller)(nil)

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// HistoryRecorder persists confirmed channel changes. Optional.
type HistoryRecorder interface {
	RecordChannelState(ctx context.Context, ch ChannelConfig, state ChannelState, source string) error
}

// TelemetryWriter writes time-series points. Optional.
type TelemetryWriter interface {
	WriteChannelState(ch ChannelConfig, value ChannelValue)
	WriteConnectionState(state string)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies this bridge in health messages.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Address is the device host:port for health messages.
	Address string

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// Controller drives the device.
	Controller DeviceController

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Logger is optional structured logger.
	Logger Logger

	// History is optional; when nil no history is recorded.
	History HistoryRecorder

	// Telemetry is optional; when nil no time-series points are written.
	Telemetry TelemetryWriter
}

// Bridge translates between MQTT and the XMV controller:
//   - Commands from Core become controller calls, answered with an ack
//   - Confirmed channel changes become retained state messages
//   - Connectivity changes republish availability and health
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	ctrl      DeviceController
	mqtt      MQTTClient
	health    *HealthReporter
	history   HistoryRecorder
	telemetry TelemetryWriter

	unsubscribe func()

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// stopMu orders wg.Add in handleMQTTMessage before wg.Wait in Stop.
	stopMu  sync.Mutex
	stopped bool

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		ctrl:      opts.Controller,
		mqtt:      opts.MQTTClient,
		history:   opts.History,
		telemetry: opts.Telemetry,
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Address:   opts.Address,
		Publisher: opts.MQTTClient,
		Source:    opts.Controller,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start subscribes to commands and controller events and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	topic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", topic)

	b.unsubscribe = b.ctrl.Subscribe(b)
	b.health.Start(ctx)
	b.publishAllStates(b.ctrl.State() == Connected)

	b.logInfo("bridge started", "channels", len(b.ctrl.Channels()))
	return nil
}

// Stop marks every channel unavailable, stops health reporting and waits
// for in-flight commands.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		b.stopMu.Lock()
		b.stopped = true
		b.stopMu.Unlock()

		b.ctxCancel()
		b.wg.Wait()

		for _, ch := range b.ctrl.Channels() {
			state, err := b.ctrl.GetState(ch.ID)
			if err != nil {
				continue
			}
			b.publishState(ch, state, false)
		}

		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// SetAddress updates the device address reported in health messages.
func (b *Bridge) SetAddress(address string) {
	b.health.SetAddress(address)
}

// OnConnectivityChange implements Listener.
func (b *Bridge) OnConnectivityChange(state ConnectionState) {
	b.logInfo("device connectivity changed", "state", state.String())

	b.publishAllStates(state == Connected)
	if b.telemetry != nil {
		b.telemetry.WriteConnectionState(state.String())
	}
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// OnChannelChange implements Listener.
func (b *Bridge) OnChannelChange(channelID int, state ChannelState) {
	ch, ok := b.ctrl.Channel(channelID)
	if !ok {
		return
	}

	value := b.publishState(ch, state, b.ctrl.State() == Connected)

	if b.telemetry != nil {
		b.telemetry.WriteChannelState(ch, value)
	}
	if b.history != nil {
		ctx, cancel := context.WithTimeout(b.ctx, sideEffectTimeout)
		if err := b.history.RecordChannelState(ctx, ch, state, SourceDevice); err != nil {
			b.logError("failed to record channel history", err)
		}
		cancel()
	}
}

// publishAllStates republishes every configured channel with the given availability.
func (b *Bridge) publishAllStates(available bool) {
	for _, ch := range b.ctrl.Channels() {
		state, err := b.ctrl.GetState(ch.ID)
		if err != nil {
			continue
		}
		b.publishState(ch, state, available)
	}
}

func (b *Bridge) publishState(ch ChannelConfig, state ChannelState, available bool) ChannelValue {
	value := NewChannelValue(state, b.ctrl.VolumeRange(), available)

	payload, err := json.Marshal(NewStateMessage(ch, value))
	if err != nil {
		b.logError("failed to marshal state", err)
		return value
	}
	if err := b.mqtt.Publish(StateTopic(ch.ID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}
	return value
}

// handleMQTTMessage parses a command and executes it off the MQTT callback goroutine.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	channel, err := ParseCommandTopic(topic)
	if err != nil {
		b.logError("invalid command topic", err)
		return
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		b.publishAckError(cmd, channel, ErrCodeInvalidCommand, "malformed command payload")
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		b.publishAckError(cmd, channel, ErrCodeBridgeError, "bridge stopping")
		return
	}
	b.wg.Add(1)
	b.stopMu.Unlock()

	go func() {
		defer b.wg.Done()
		b.handleCommand(cmd, channel)
	}()
}

// handleCommand executes one command and publishes its acknowledgement.
func (b *Bridge) handleCommand(cmd CommandMessage, channel int) {
	b.logInfo("received command",
		"command_id", cmd.ID,
		"channel", channel,
		"command", cmd.Command)

	ctx, cancel := context.WithTimeout(b.ctx, bridgeCommandTimeout)
	defer cancel()

	code, err := b.executeCommand(ctx, cmd, channel)
	if err != nil {
		b.publishAckError(cmd, channel, code, err.Error())
		return
	}
	b.publishAck(cmd, channel)
}

// executeCommand dispatches by command name. On failure it returns the ack
// error code alongside the error.
func (b *Bridge) executeCommand(ctx context.Context, cmd CommandMessage, channel int) (string, error) {
	var err error

	switch cmd.Command {
	case CommandOn:
		err = b.ctrl.SetPower(ctx, channel, true)
	case CommandOff:
		err = b.ctrl.SetPower(ctx, channel, false)
	case CommandSetPower:
		on, ok := boolParam(cmd.Parameters, "on")
		if !ok {
			return ErrCodeInvalidParameters, fmt.Errorf("set_power requires boolean parameter \"on\"")
		}
		err = b.ctrl.SetPower(ctx, channel, on)
	case CommandSetVolume:
		v, ok := floatParam(cmd.Parameters, "volume")
		if !ok {
			return ErrCodeInvalidParameters, fmt.Errorf("set_volume requires numeric parameter \"volume\"")
		}
		err = b.ctrl.SetVolume(ctx, channel, v)
	case CommandSetVolumeDB:
		v, ok := floatParam(cmd.Parameters, "volume_db")
		if !ok {
			return ErrCodeInvalidParameters, fmt.Errorf("set_volume_db requires numeric parameter \"volume_db\"")
		}
		err = b.ctrl.SetVolumeDB(ctx, channel, v)
	case CommandMute:
		err = b.ctrl.SetMute(ctx, channel, true)
	case CommandUnmute:
		err = b.ctrl.SetMute(ctx, channel, false)
	case CommandSetMute:
		muted, ok := boolParam(cmd.Parameters, "muted")
		if !ok {
			return ErrCodeInvalidParameters, fmt.Errorf("set_mute requires boolean parameter \"muted\"")
		}
		err = b.ctrl.SetMute(ctx, channel, muted)
	case CommandRefresh:
		err = b.ctrl.Refresh(ctx, channel)
	default:
		return ErrCodeInvalidCommand, fmt.Errorf("unknown command %q", cmd.Command)
	}

	// A newer command for the same parameter won; the device ends up where Core asked.
	if err == nil || errors.Is(err, ErrCommandSuperseded) {
		return "", nil
	}
	return AckErrorCode(err), err
}

// AckErrorCode maps a controller error onto an acknowledgement error code.
func AckErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownChannel):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrInvalidValue):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrDeviceRejected):
		return ErrCodeDeviceRejected
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrTransport):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, channel int) {
	b.publishAckPayload(NewAckMessage(cmd, channel, AckAccepted))
}

func (b *Bridge) publishAckError(cmd CommandMessage, channel int, code, message string) {
	b.logWarn("command failed",
		"command_id", cmd.ID, "channel", channel, "code", code, "message", message)
	b.publishAckPayload(NewAckError(cmd, channel, code, message))
}

func (b *Bridge) publishAckPayload(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.Channel), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// boolParam reads a boolean parameter.
func boolParam(params map[string]any, key string) (bool, bool) {
	v, ok := params[key].(bool)
	return v, ok
}

// floatParam reads a numeric parameter. JSON numbers decode as float64.
func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) loggerRef() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.loggerRef(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.loggerRef(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.loggerRef(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
