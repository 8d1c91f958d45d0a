package xmv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// defaultProbeTimeout applies when ctx carries no deadline.
const defaultProbeTimeout = 5 * time.Second

// Probe connects to a device, performs the runmode handshake and disconnects.
// Used to test connection settings before they are applied.
//
// Parameters:
//   - ctx: Bounds the whole exchange; 5 seconds when it has no deadline
//   - address: host:port of the device
//   - dial: Connection factory; nil uses DefaultDialer
//
// Returns:
//   - error: ErrTransport wrapped for socket failures, ErrHandshakeFailed
//     when the device is not in normal run mode
func Probe(ctx context.Context, address string, dial Dialer) error {
	if dial == nil {
		dial = DefaultDialer
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	conn, err := dial(ctx, address)
	if err != nil {
		return transportError("dial "+address, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return transportError("set deadline", err)
	}
	if _, err := conn.Write(Encode(Handshake{})); err != nil {
		return transportError("write", err)
	}

	var dec StreamDecoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n]) //nolint:errcheck // never fails
			if done, herr := probeReply(&dec); done {
				return herr
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, transportError("read", err))
		}
	}
}

// probeReply scans decoded messages for the runmode answer.
func probeReply(dec *StreamDecoder) (bool, error) {
	for {
		msg, err := dec.Next()
		if errors.Is(err, ErrNeedMoreData) {
			return false, nil
		}
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case DeviceStatus:
			if m.Key != runmodeKey {
				continue
			}
			if m.Value != runmodeNormal {
				return true, fmt.Errorf("%w: runmode %q", ErrHandshakeFailed, m.Value)
			}
			return true, nil
		case DeviceError:
			if m.Verb == "devstatus" {
				return true, fmt.Errorf("%w: %s", ErrHandshakeFailed, m.Reason)
			}
		}
	}
}
