// Package mqtt provides the broker connection used by the XMV bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and payload size checks
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament on graylogic/system/status, or a WithWill topic
//
// The bridge itself depends on a narrower interface (xmv.MQTTClient);
// cmd/xmvbridge adapts *Client to it.
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS) when the broker is not on localhost
//   - Prefer GRAYLOGIC_MQTT_PASSWORD over storing the password in YAML
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllBridgeCommands("xmv"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
