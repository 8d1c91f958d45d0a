package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-xmv-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// offlineClient returns a client that was never connected to a broker.
func offlineClient() *Client {
	return &Client{
		cfg:           testConfig(),
		subscriptions: make(map[string]subscription),
	}
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
	warns  []string
}

func (l *mockLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// =============================================================================
// Options
// =============================================================================

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q", got)
	}

	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL() with TLS = %q", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "graylogic-xmv-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.CleanSession || !opts.AutoReconnect {
		t.Error("expected clean session with auto-reconnect")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("expected TLS config with minimum version")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "graylogic-xmv-test", nil)

	if !opts.WillEnabled {
		t.Fatal("will not enabled")
	}
	if opts.WillTopic != "graylogic/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will retained=%v qos=%d", opts.WillRetained, opts.WillQos)
	}

	var status statusPayload
	if err := json.Unmarshal(opts.WillPayload, &status); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	if status.Status != statusOffline || status.Reason != reasonUnexpected {
		t.Errorf("will = %+v", status)
	}
}

func TestConfigureLWT_Override(t *testing.T) {
	var co connectOptions
	WithWill("graylogic/health/xmv", []byte(`{"status":"offline"}`))(&co)

	opts := buildClientOptions(testConfig())
	configureLWT(opts, "graylogic-xmv-test", co.will)

	if !opts.WillEnabled {
		t.Fatal("will not enabled")
	}
	if opts.WillTopic != "graylogic/health/xmv" {
		t.Errorf("WillTopic = %q, want graylogic/health/xmv", opts.WillTopic)
	}
	if string(opts.WillPayload) != `{"status":"offline"}` {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will retained=%v qos=%d", opts.WillRetained, opts.WillQos)
	}
}

func TestConfigureLWT_EmptyOverrideKeepsDefault(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "graylogic-xmv-test", &Will{})

	if opts.WillTopic != "graylogic/system/status" {
		t.Errorf("WillTopic = %q, want system status", opts.WillTopic)
	}
}

func TestPublishStatus_SkippedWhenWillMoved(t *testing.T) {
	// No paho client: reaching Publish would panic.
	c := &Client{cfg: testConfig(), systemStatus: false}
	if token := c.publishStatus(statusOnline, ""); token != nil {
		t.Error("publishStatus() published system status without its will")
	}
}

func TestBuildStatusPayload(t *testing.T) {
	payload, err := buildStatusPayload("graylogic-xmv", statusOnline, "")
	if err != nil {
		t.Fatalf("buildStatusPayload() error = %v", err)
	}
	if strings.Contains(string(payload), "reason") {
		t.Errorf("online payload should omit reason: %s", payload)
	}

	var status statusPayload
	if err := json.Unmarshal(payload, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.Status != "online" || status.ClientID != "graylogic-xmv" || status.Timestamp == "" {
		t.Errorf("status = %+v", status)
	}
}

// =============================================================================
// Validation (no broker required)
// =============================================================================

func TestPublishValidation(t *testing.T) {
	c := offlineClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "graylogic/state/xmv/4", []byte("x"), 3, ErrInvalidQoS},
		{"too large", "graylogic/state/xmv/4", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "graylogic/state/xmv/4", []byte("x"), 1, ErrNotConnected},
		{"nil payload not connected", "graylogic/state/xmv/4", nil, 0, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := offlineClient()
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		want    error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"invalid qos", "graylogic/command/xmv/+", 5, noop, ErrInvalidQoS},
		{"nil handler", "graylogic/command/xmv/+", 1, nil, ErrSubscribeFailed},
		{"not connected", "graylogic/command/xmv/+", 1, noop, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.want) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failures", c.SubscriptionCount())
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	c := offlineClient()

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
	if err := c.Unsubscribe("graylogic/command/xmv/+"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestSubscriptionTracking(t *testing.T) {
	c := offlineClient()
	noop := func(string, []byte) error { return nil }

	c.track(subscription{topic: "graylogic/command/xmv/+", qos: 1, handler: noop})
	c.track(subscription{topic: "graylogic/system/status", qos: 1, handler: noop})
	c.track(subscription{topic: "graylogic/command/xmv/+", qos: 0, handler: noop})

	if c.SubscriptionCount() != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", c.SubscriptionCount())
	}
	if !c.HasSubscription("graylogic/command/xmv/+") {
		t.Error("HasSubscription() = false for tracked topic")
	}
	if c.HasSubscription("graylogic/command/xmv/4") {
		t.Error("HasSubscription() should not apply wildcards")
	}

	c.untrack("graylogic/command/xmv/+")
	if c.HasSubscription("graylogic/command/xmv/+") {
		t.Error("topic still tracked after untrack")
	}
}

func TestOfflineClient(t *testing.T) {
	c := offlineClient()

	if c.IsConnected() {
		t.Error("IsConnected() = true for never-connected client")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	stats := c.Stats()
	if stats.Connected || stats.MessagesPublished != 0 || stats.Subscriptions != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

// =============================================================================
// Handler dispatch
// =============================================================================

func TestDispatch(t *testing.T) {
	t.Run("error is logged", func(t *testing.T) {
		c := offlineClient()
		logger := &mockLogger{}
		c.SetLogger(logger)

		c.dispatch(func(string, []byte) error {
			return errors.New("bad payload")
		}, "graylogic/command/xmv/4", []byte("{}"))

		if len(logger.warns) != 1 {
			t.Errorf("warns = %v, want 1 entry", logger.warns)
		}
	})

	t.Run("panic is recovered", func(t *testing.T) {
		c := offlineClient()
		logger := &mockLogger{}
		c.SetLogger(logger)

		c.dispatch(func(string, []byte) error {
			panic("boom")
		}, "graylogic/command/xmv/4", nil)

		if len(logger.errors) != 1 {
			t.Errorf("errors = %v, want 1 entry", logger.errors)
		}
	})

	t.Run("no logger", func(t *testing.T) {
		c := offlineClient()
		c.dispatch(func(string, []byte) error {
			panic("boom")
		}, "t", nil)
	})

	t.Run("payload and topic delivered", func(t *testing.T) {
		c := offlineClient()
		var gotTopic, gotPayload string
		c.dispatch(func(topic string, payload []byte) error {
			gotTopic, gotPayload = topic, string(payload)
			return nil
		}, "graylogic/command/xmv/6", []byte(`{"command":"refresh"}`))

		if gotTopic != "graylogic/command/xmv/6" || gotPayload != `{"command":"refresh"}` {
			t.Errorf("got %q %q", gotTopic, gotPayload)
		}
		if c.Stats().MessagesReceived != 1 {
			t.Errorf("MessagesReceived = %d, want 1", c.Stats().MessagesReceived)
		}
	})
}

func TestCallbacks(t *testing.T) {
	c := offlineClient()

	var disconnected error
	c.SetOnDisconnect(func(err error) { disconnected = err })

	lost := errors.New("connection reset")
	c.handleDisconnect(lost)

	if !errors.Is(disconnected, lost) {
		t.Errorf("onDisconnect got %v", disconnected)
	}

	c.SetOnDisconnect(nil)
	c.handleDisconnect(lost)
}

// =============================================================================
// Topics
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", topics.BridgeState("xmv", "4"), "graylogic/state/xmv/4"},
		{"command", topics.BridgeCommand("xmv", "4"), "graylogic/command/xmv/4"},
		{"ack", topics.BridgeAck("xmv", "6"), "graylogic/ack/xmv/6"},
		{"health", topics.BridgeHealth("xmv"), "graylogic/health/xmv"},
		{"system status", topics.SystemStatus(), "graylogic/system/status"},
		{"all commands", topics.AllBridgeCommands("xmv"), "graylogic/command/xmv/+"},
		{"all states", topics.AllBridgeStates("xmv"), "graylogic/state/xmv/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
