package xmv

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the XMV bridge.
// They follow the same envelope as every other protocol bridge.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "xmv"

// CommandMessage is sent from Core to the bridge to control a channel.
// Topic: graylogic/command/xmv/{channel}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	// The bridge assigns one when it is empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Command is the command name.
	// Values: "on", "off", "set_power", "set_volume", "set_volume_db",
	// "mute", "unmute", "set_mute", "refresh"
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"on": true} for set_power
	//   {"volume": 0.75} for set_volume (fraction of the configured range)
	//   {"volume_db": -20} for set_volume_db
	//   {"muted": true} for set_mute
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", "scene").
	Source string `json:"source,omitempty"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// Command names.
const (
	CommandOn          = "on"
	CommandOff         = "off"
	CommandSetPower    = "set_power"
	CommandSetVolume   = "set_volume"
	CommandSetVolumeDB = "set_volume_db"
	CommandMute        = "mute"
	CommandUnmute      = "unmute"
	CommandSetMute     = "set_mute"
	CommandRefresh     = "refresh"
)

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device confirmed the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not answer within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/xmv/{channel}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   int       `json:"channel"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeDeviceRejected    = "DEVICE_REJECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is published when a channel's confirmed state or the device
// availability changes.
// Topic: graylogic/state/xmv/{channel}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Channel   int          `json:"channel"`
	Name      string       `json:"name"`
	Timestamp time.Time    `json:"timestamp"`
	State     ChannelValue `json:"state"`
	Protocol  string       `json:"protocol"`
}

// ChannelValue is the published view of a channel.
type ChannelValue struct {
	Power bool `json:"power"`

	// Volume is the level as a fraction of the configured range.
	Volume float64 `json:"volume"`

	VolumeDB  float64 `json:"volume_db"`
	Muted     bool    `json:"muted"`
	Available bool    `json:"available"`

	// LastUpdated is zero until the device has reported the channel.
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// NewChannelValue converts a cached state for publication.
func NewChannelValue(state ChannelState, r VolumeRange, available bool) ChannelValue {
	v := ChannelValue{
		Power:     state.Power,
		Volume:    DBToFraction(state.VolumeDB, r),
		VolumeDB:  state.VolumeDB,
		Muted:     state.Muted,
		Available: available,
	}
	if !state.LastUpdated.IsZero() {
		t := state.LastUpdated.UTC()
		v.LastUpdated = &t
	}
	return v
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates MQTT and the device link are up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running with a link down or reconnecting.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the device link is not being attempted.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/xmv
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds and on every connectivity change
type HealthMessage struct {
	Bridge          string            `json:"bridge"`
	Timestamp       time.Time         `json:"timestamp"`
	Status          HealthStatus      `json:"status"`
	Version         string            `json:"version"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	Connection      *ConnectionStatus `json:"connection,omitempty"`
	Statistics      *BridgeStatistics `json:"statistics,omitempty"`
	ChannelsManaged int               `json:"channels_managed"`
	Reason          string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the device link.
type ConnectionStatus struct {
	// Status is the ConnectionState name ("connected", "reconnecting", ...).
	Status string `json:"status"`

	// Address is the device host:port.
	Address string `json:"address"`

	// LastActivity is when the device last sent anything.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesSent      uint64 `json:"frames_sent"`
	ParseErrors     uint64 `json:"parse_errors"`
	DeviceErrors    uint64 `json:"device_errors"`
	CommandsTotal   uint64 `json:"commands_total"`
	CommandsFailed  uint64 `json:"commands_failed"`
	Reconnects      uint64 `json:"reconnects"`
	StaleDetections uint64 `json:"stale_detections"`
}

// UnmarshalJSON accepts a missing or empty timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, channel int, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Command:   cmd.Command,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, channel int, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, channel, status)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a channel.
func NewStateMessage(ch ChannelConfig, value ChannelValue) StateMessage {
	return StateMessage{
		Channel:   ch.ID,
		Name:      ch.Name,
		Timestamp: time.Now().UTC(),
		State:     value,
		Protocol:  Protocol,
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats ClientStats, address string, channels int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:          bridgeID,
		Timestamp:       time.Now().UTC(),
		Status:          status,
		Version:         version,
		UptimeSeconds:   int64(time.Since(startTime).Seconds()),
		ChannelsManaged: channels,
		Connection: &ConnectionStatus{
			Status:  stats.State.String(),
			Address: address,
		},
		Statistics: &BridgeStatistics{
			FramesReceived:  stats.FramesRx,
			FramesSent:      stats.FramesTx,
			ParseErrors:     stats.ParseErrors,
			DeviceErrors:    stats.DeviceErrors,
			CommandsTotal:   stats.CommandsTotal,
			CommandsFailed:  stats.CommandsFailed,
			Reconnects:      stats.Reconnects,
			StaleDetections: stats.StaleDetections,
		},
	}

	if stats.LastActivity.UnixNano() > 0 {
		t := stats.LastActivity.UTC()
		msg.Connection.LastActivity = &t
	}
	return msg
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
// The broker publishes it if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the MQTT topic for commands to a channel.
// Example: graylogic/command/xmv/4
func CommandTopic(channel int) string {
	return fmt.Sprintf("%s/command/%s/%d", TopicPrefix, Protocol, channel)
}

// AckTopic returns the MQTT topic for command acknowledgments.
// Example: graylogic/ack/xmv/4
func AckTopic(channel int) string {
	return fmt.Sprintf("%s/ack/%s/%d", TopicPrefix, Protocol, channel)
}

// StateTopic returns the MQTT topic for channel state.
// Example: graylogic/state/xmv/4
func StateTopic(channel int) string {
	return fmt.Sprintf("%s/state/%s/%d", TopicPrefix, Protocol, channel)
}

// HealthTopic returns the MQTT topic for bridge health.
// Example: graylogic/health/xmv
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
// Example: graylogic/command/xmv/+
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// ParseCommandTopic extracts the channel ID from a command topic.
func ParseCommandTopic(topic string) (int, error) {
	prefix := fmt.Sprintf("%s/command/%s/", TopicPrefix, Protocol)
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return 0, fmt.Errorf("not a command topic: %q", topic)
	}
	id, err := strconv.Atoi(topic[len(prefix):])
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid channel in topic %q", topic)
	}
	return id, nil
}
