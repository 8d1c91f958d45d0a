package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementChannel    = "xmv_channel"
	MeasurementConnection = "xmv_connection"
)

// ChannelSample is one confirmed channel state.
type ChannelSample struct {
	ChannelID int
	Name      string
	Power     bool
	VolumeDB  float64
	Volume    float64
	Muted     bool
	Available bool
	Time      time.Time
}

// WriteChannel queues a channel sample. Non-blocking.
func (c *Client) WriteChannel(s ChannelSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(channelPoint(s))
	c.written.Add(1)
}

// WriteConnection queues a device link state change. Non-blocking.
//
// Parameters:
//   - device: host:port of the amplifier
//   - state: connection state name (e.g. "connected", "reconnecting")
func (c *Client) WriteConnection(device, state string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(connectionPoint(device, state, time.Now()))
	c.written.Add(1)
}

func channelPoint(s ChannelSample) *write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		MeasurementChannel,
		map[string]string{
			"channel_id":   strconv.Itoa(s.ChannelID),
			"channel_name": s.Name,
		},
		map[string]any{
			"power":     s.Power,
			"volume_db": s.VolumeDB,
			"volume":    s.Volume,
			"muted":     s.Muted,
			"available": s.Available,
		},
		ts,
	)
}

func connectionPoint(device, state string, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementConnection,
		map[string]string{"device": device},
		map[string]any{
			"state":     state,
			"connected": state == "connected",
		},
		ts,
	)
}
