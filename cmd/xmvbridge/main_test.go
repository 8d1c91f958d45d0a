package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/mqtt"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, "/nonexistent/path/config.yaml", nil)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when history is enabled
// without a database path.
func TestRun_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: test-site

xmv:
  host: "127.0.0.1"
  port: 49280
  channel_list: "4:Zone1,6:Zone2"

history:
  enabled: true

database:
  path: ""

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-client"

logging:
  level: info
  format: text
  output: stdout
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, configPath, nil)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{name: "no flags", args: nil, want: options{}},
		{name: "long config", args: []string{"--config", "/etc/xmv.yaml"}, want: options{configPath: "/etc/xmv.yaml"}},
		{name: "short config", args: []string{"-c", "x.yaml"}, want: options{configPath: "x.yaml"}},
		{name: "version", args: []string{"--version"}, want: options{showVersion: true}},
		{name: "check", args: []string{"--check", "-c", "x.yaml"}, want: options{configPath: "x.yaml", check: true}},
		{name: "migrate status", args: []string{"--migrate-status"}, want: options{migrateStatus: true}},
		{name: "migrate down", args: []string{"--migrate-down", "-c", "x.yaml"}, want: options{configPath: "x.yaml", migrateDown: true}},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: true},
		{name: "positional argument", args: []string{"extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseFlags(%v) error = nil, want error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags(%v) error = %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("parseFlags(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	_, err := parseFlags([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("parseFlags(--help) error = %v, want pflag.ErrHelp", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("resolveConfigPath(\"\") = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("GRAYLOGIC_CONFIG", "/from/env.yaml")
	if got := resolveConfigPath(""); got != "/from/env.yaml" {
		t.Errorf("resolveConfigPath(\"\") = %q, want env value", got)
	}
	if got := resolveConfigPath("/from/flag.yaml"); got != "/from/flag.yaml" {
		t.Errorf("resolveConfigPath(flag) = %q, want flag value", got)
	}
}

func TestCheckDevice_InvalidConfig(t *testing.T) {
	if err := checkDevice(context.Background(), "/nonexistent/config.yaml"); err == nil {
		t.Fatal("checkDevice() should fail with invalid config path")
	}
}

func TestXMVConfig(t *testing.T) {
	cfg := config.Default()
	cfg.XMV.Host = "10.0.0.9"
	cfg.XMV.Port = 49281
	cfg.XMV.Volume = config.VolumeConfig{MinDB: -60, MaxDB: -6}

	got := xmvConfig(cfg)

	if got.Address() != "10.0.0.9:49281" {
		t.Errorf("Address() = %q, want 10.0.0.9:49281", got.Address())
	}
	if len(got.Channels) != 2 || got.Channels[0] != (xmv.ChannelConfig{ID: 4, Name: "Zone1"}) {
		t.Errorf("Channels = %+v, want default channels", got.Channels)
	}
	if got.Range != (xmv.VolumeRange{MinDB: -60, MaxDB: -6}) {
		t.Errorf("Range = %+v", got.Range)
	}

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"ConnectTimeout", got.ConnectTimeout, 5 * time.Second},
		{"HandshakeTimeout", got.HandshakeTimeout, 5 * time.Second},
		{"WriteTimeout", got.WriteTimeout, 5 * time.Second},
		{"CommandTimeout", got.CommandTimeout, 3 * time.Second},
		{"SyncTimeout", got.SyncTimeout, 10 * time.Second},
		{"KeepAliveInterval", got.KeepAliveInterval, 60 * time.Second},
		{"StaleThreshold", got.StaleThreshold, 150 * time.Second},
		{"Backoff.Base", got.Backoff.Base, 5 * time.Second},
		{"Backoff.Ceiling", got.Backoff.Ceiling, 60 * time.Second},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("%s = %v, want %v", d.name, d.got, d.want)
		}
	}
	if got.Backoff.Jitter != 0.1 {
		t.Errorf("Backoff.Jitter = %v, want 0.1", got.Backoff.Jitter)
	}
}

func TestApp_ReloadInvalidConfig(t *testing.T) {
	a := &app{log: logging.Default()}
	if err := a.reload(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("reload() should fail when the config file is missing")
	}
}

// --- adapters ---

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	handlers  map[string]mqtt.MessageHandler
	connected bool
}

func (f *fakePublisher) Publish(topic string, _ []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func (f *fakePublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

func TestMQTTBridgeAdapter(t *testing.T) {
	pub := &fakePublisher{connected: true}
	adapter := &mqttBridgeAdapter{client: pub}

	if err := adapter.Publish("graylogic/state/xmv/4", []byte("{}"), 1, true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(pub.published) != 1 || pub.published[0] != "graylogic/state/xmv/4" {
		t.Errorf("published = %v", pub.published)
	}

	var gotTopic string
	if err := adapter.Subscribe("graylogic/command/xmv/+", 1, func(topic string, _ []byte) {
		gotTopic = topic
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	handler := pub.handlers["graylogic/command/xmv/+"]
	if handler == nil {
		t.Fatal("handler not registered")
	}
	if err := handler("graylogic/command/xmv/6", []byte(`{"command":"on"}`)); err != nil {
		t.Errorf("wrapped handler error = %v, want nil", err)
	}
	if gotTopic != "graylogic/command/xmv/6" {
		t.Errorf("handler topic = %q", gotTopic)
	}

	if !adapter.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

type fakeInflux struct {
	samples     []influxdb.ChannelSample
	connections [][2]string
}

func (f *fakeInflux) WriteChannel(s influxdb.ChannelSample) {
	f.samples = append(f.samples, s)
}

func (f *fakeInflux) WriteConnection(device, state string) {
	f.connections = append(f.connections, [2]string{device, state})
}

func TestTelemetryAdapter_WriteChannelState(t *testing.T) {
	w := &fakeInflux{}
	adapter := newTelemetryAdapter(w, "10.0.0.9:49280")

	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	adapter.WriteChannelState(
		xmv.ChannelConfig{ID: 4, Name: "Zone1"},
		xmv.ChannelValue{Power: true, Volume: 0.5, VolumeDB: -40, Available: true, LastUpdated: &updated},
	)

	if len(w.samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(w.samples))
	}
	want := influxdb.ChannelSample{
		ChannelID: 4, Name: "Zone1", Power: true, Volume: 0.5, VolumeDB: -40, Available: true, Time: updated,
	}
	if w.samples[0] != want {
		t.Errorf("sample = %+v, want %+v", w.samples[0], want)
	}
}

func TestTelemetryAdapter_NoTimestampUsesNow(t *testing.T) {
	w := &fakeInflux{}
	adapter := newTelemetryAdapter(w, "10.0.0.9:49280")

	before := time.Now()
	adapter.WriteChannelState(xmv.ChannelConfig{ID: 6, Name: "Zone2"}, xmv.ChannelValue{})

	if len(w.samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(w.samples))
	}
	if w.samples[0].Time.Before(before) {
		t.Errorf("sample time %v is before %v", w.samples[0].Time, before)
	}
}

func TestTelemetryAdapter_ConnectionStateFollowsAddress(t *testing.T) {
	w := &fakeInflux{}
	adapter := newTelemetryAdapter(w, "10.0.0.9:49280")

	adapter.WriteConnectionState("connected")
	adapter.SetAddress("10.0.0.10:49280")
	adapter.WriteConnectionState("reconnecting")

	want := [][2]string{
		{"10.0.0.9:49280", "connected"},
		{"10.0.0.10:49280", "reconnecting"},
	}
	if len(w.connections) != len(want) {
		t.Fatalf("connections = %v, want %v", w.connections, want)
	}
	for i := range want {
		if w.connections[i] != want[i] {
			t.Errorf("connections[%d] = %v, want %v", i, w.connections[i], want[i])
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}
