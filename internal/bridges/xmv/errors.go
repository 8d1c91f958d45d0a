package xmv

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific errors for XMV operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when a command is issued while the
	// connection is not in the Connected state. It is never retried by the client.
	ErrNotConnected = errors.New("xmv: not connected to device")

	// ErrTransport wraps socket level failures (refused, reset, timeout).
	// These trigger the reconnect cycle and are never fatal.
	ErrTransport = errors.New("xmv: transport failure")

	// ErrStaleConnection is reported by the keep-alive monitor when no traffic
	// has arrived for longer than the stale threshold. Errors carrying it also
	// match ErrTransport.
	ErrStaleConnection = errors.New("xmv: connection stale")

	// ErrProtocol is the parent of every *ParseError.
	ErrProtocol = errors.New("xmv: protocol error")

	// ErrNeedMoreData is returned by Decode when the buffer holds no complete line.
	ErrNeedMoreData = errors.New("xmv: need more data")

	// ErrHandshakeFailed indicates the device did not report runmode "normal".
	ErrHandshakeFailed = errors.New("xmv: handshake failed")

	// ErrConfiguration is the parent of every *ConfigurationError.
	ErrConfiguration = errors.New("xmv: invalid configuration")

	// ErrCommandTimeout indicates the device did not acknowledge a command in time.
	ErrCommandTimeout = errors.New("xmv: command timed out")

	// ErrCommandSuperseded indicates a newer command for the same channel
	// parameter replaced this one before it was acknowledged.
	ErrCommandSuperseded = errors.New("xmv: command superseded")

	// ErrDeviceRejected indicates the device answered a command with ERROR.
	ErrDeviceRejected = errors.New("xmv: command rejected by device")

	// ErrUnknownChannel is returned for channel IDs that are not configured.
	ErrUnknownChannel = errors.New("xmv: unknown channel")

	// ErrInvalidValue is returned for values that cannot be sent (NaN, Inf).
	ErrInvalidValue = errors.New("xmv: invalid value")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("xmv: client closed")
)

// ParseError describes a line the codec could not interpret.
// Data holds a copy of the offending bytes for logging.
type ParseError struct {
	Data   []byte
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("xmv: parse error: %s: %q", e.Reason, e.Data)
}

// Unwrap lets errors.Is(err, ErrProtocol) match.
func (e *ParseError) Unwrap() error {
	return ErrProtocol
}

// ConfigurationError lists every problem found while validating a Config.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("xmv: invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Unwrap lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// transportError wraps a socket error so it matches ErrTransport.
func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
