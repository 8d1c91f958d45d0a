package xmv

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{CommandTopic(4), "graylogic/command/xmv/4"},
		{AckTopic(4), "graylogic/ack/xmv/4"},
		{StateTopic(12), "graylogic/state/xmv/12"},
		{HealthTopic(), "graylogic/health/xmv"},
		{CommandSubscribeTopic(), "graylogic/command/xmv/+"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    int
		wantErr bool
	}{
		{"graylogic/command/xmv/4", 4, false},
		{"graylogic/command/xmv/0", 0, false},
		{"graylogic/command/xmv/", 0, true},
		{"graylogic/command/xmv/-1", 0, true},
		{"graylogic/command/xmv/zone", 0, true},
		{"graylogic/command/knx/4", 0, true},
		{"graylogic/state/xmv/4", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseCommandTopic(tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCommandTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCommandTopic(%q) = %d, want %d", tt.topic, got, tt.want)
		}
	}
}

func TestCommandMessageUnmarshal(t *testing.T) {
	var cmd CommandMessage
	payload := `{"id":"c1","command":"set_volume","parameters":{"volume":0.5},"source":"api"}`
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cmd.ID != "c1" || cmd.Command != CommandSetVolume || cmd.Source != "api" {
		t.Errorf("cmd = %+v", cmd)
	}
	if !cmd.Timestamp.IsZero() {
		t.Errorf("Timestamp = %v, want zero when missing", cmd.Timestamp)
	}
	if v, ok := floatParam(cmd.Parameters, "volume"); !ok || v != 0.5 {
		t.Errorf("volume parameter = %v, %v", v, ok)
	}

	payload = `{"id":"c2","timestamp":"2026-01-15T10:30:00Z","command":"on"}`
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	if !cmd.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", cmd.Timestamp, want)
	}

	if err := json.Unmarshal([]byte(`{"timestamp":"yesterday"}`), &cmd); err == nil {
		t.Error("Unmarshal() accepted an invalid timestamp")
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "c1", Command: CommandOn}

	ack := NewAckError(cmd, 4, ErrCodeTimeout, "no answer")
	if ack.Status != AckTimeout {
		t.Errorf("Status = %q, want timeout", ack.Status)
	}

	ack = NewAckError(cmd, 4, ErrCodeDeviceRejected, "rejected")
	if ack.Status != AckFailed || ack.Error.Code != ErrCodeDeviceRejected {
		t.Errorf("ack = %+v, want failed DEVICE_REJECTED", ack)
	}
	if ack.Protocol != Protocol || ack.CommandID != "c1" || ack.Channel != 4 {
		t.Errorf("ack envelope = %+v", ack)
	}
}

func TestNewChannelValue(t *testing.T) {
	r := VolumeRange{MinDB: -80, MaxDB: 0}

	v := NewChannelValue(ChannelState{ChannelID: 0}, r, false)
	if v.LastUpdated != nil {
		t.Error("LastUpdated set for a channel never reported")
	}
	if v.Available {
		t.Error("Available = true, want false")
	}

	updated := time.Date(2026, 2, 2, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	v = NewChannelValue(ChannelState{Power: true, VolumeDB: -40, Muted: true, LastUpdated: updated}, r, true)
	if !v.Power || !v.Muted || !v.Available || v.Volume != 0.5 || v.VolumeDB != -40 {
		t.Errorf("value = %+v", v)
	}
	if v.LastUpdated == nil || v.LastUpdated.Location() != time.UTC || !v.LastUpdated.Equal(updated) {
		t.Errorf("LastUpdated = %v, want %v in UTC", v.LastUpdated, updated)
	}
}

func TestNewHealthMessageWithoutActivity(t *testing.T) {
	msg := NewHealthMessage("b", "v", HealthUnhealthy, ClientStats{LastActivity: time.Unix(0, 0)}, "h:1", 0, time.Now())
	if msg.Connection.LastActivity != nil {
		t.Errorf("LastActivity = %v, want nil before any traffic", msg.Connection.LastActivity)
	}
	if msg.Connection.Status != "disconnected" {
		t.Errorf("Connection.Status = %q, want disconnected", msg.Connection.Status)
	}
}
