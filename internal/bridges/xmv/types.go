package xmv

import (
	"fmt"
	"time"
)

// ConnectionState is the lifecycle state of the device connection.
type ConnectionState int

const (
	// Disconnected is the initial and the terminal (after shutdown) state.
	Disconnected ConnectionState = iota

	// Connecting covers dial, handshake and the initial state sync.
	Connecting

	// Connected means the handshake and initial sync completed.
	Connected

	// Reconnecting means the link failed and a backoff wait is in progress.
	Reconnecting
)

// String returns the lower-case state name used in logs and messages.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ChannelConfig identifies one device output channel.
type ChannelConfig struct {
	// ID is the device-assigned channel (Xpos) index.
	ID int `json:"id" yaml:"id"`

	// Name is the display label.
	Name string `json:"name" yaml:"name"`
}

// ChannelState is the last confirmed state of a channel.
type ChannelState struct {
	ChannelID   int       `json:"channel_id"`
	Power       bool      `json:"power"`
	VolumeDB    float64   `json:"volume_db"`
	Muted       bool      `json:"muted"`
	LastUpdated time.Time `json:"last_updated"`
}

// Attribute names a controllable channel attribute.
type Attribute string

// Channel attributes.
const (
	AttrPower  Attribute = "power"
	AttrVolume Attribute = "volume_db"
	AttrMute   Attribute = "muted"
)

// Listener receives connectivity and channel events.
//
// Calls are made from a single delivery goroutine in the order the
// underlying changes were confirmed. Implementations should return quickly.
type Listener interface {
	OnConnectivityChange(state ConnectionState)
	OnChannelChange(channelID int, state ChannelState)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Connectivity func(state ConnectionState)
	Channel      func(channelID int, state ChannelState)
}

// OnConnectivityChange implements Listener.
func (f ListenerFuncs) OnConnectivityChange(state ConnectionState) {
	if f.Connectivity != nil {
		f.Connectivity(state)
	}
}

// OnChannelChange implements Listener.
func (f ListenerFuncs) OnChannelChange(channelID int, state ChannelState) {
	if f.Channel != nil {
		f.Channel(channelID, state)
	}
}

// Logger interface for optional logging.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
