package main

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/mqtt"
)

// mqttPublisher is the part of mqtt.Client the bridge adapter needs.
type mqttPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to xmv.MQTTClient.
// The bridge handlers log their own failures, so the wrapped handler never
// returns an error.
type mqttBridgeAdapter struct {
	client mqttPublisher
}

var _ xmv.MQTTClient = (*mqttBridgeAdapter)(nil)

func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// influxWriter is the part of influxdb.Client the telemetry adapter needs.
type influxWriter interface {
	WriteChannel(s influxdb.ChannelSample)
	WriteConnection(device, state string)
}

// telemetryAdapter turns bridge notifications into InfluxDB points.
type telemetryAdapter struct {
	writer influxWriter

	mu      sync.RWMutex
	address string
}

var _ xmv.TelemetryWriter = (*telemetryAdapter)(nil)

func newTelemetryAdapter(w influxWriter, address string) *telemetryAdapter {
	return &telemetryAdapter{writer: w, address: address}
}

// SetAddress changes the device tag used for connection points.
func (t *telemetryAdapter) SetAddress(address string) {
	t.mu.Lock()
	t.address = address
	t.mu.Unlock()
}

func (t *telemetryAdapter) WriteChannelState(ch xmv.ChannelConfig, value xmv.ChannelValue) {
	ts := time.Now()
	if value.LastUpdated != nil {
		ts = *value.LastUpdated
	}
	t.writer.WriteChannel(influxdb.ChannelSample{
		ChannelID: ch.ID,
		Name:      ch.Name,
		Power:     value.Power,
		VolumeDB:  value.VolumeDB,
		Volume:    value.Volume,
		Muted:     value.Muted,
		Available: value.Available,
		Time:      ts,
	})
}

func (t *telemetryAdapter) WriteConnectionState(state string) {
	t.mu.RLock()
	address := t.address
	t.mu.RUnlock()
	t.writer.WriteConnection(address, state)
}
