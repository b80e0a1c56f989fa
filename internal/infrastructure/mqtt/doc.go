// Package mqtt provides MQTT broker connectivity for the AirDry core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Collision-resistant client identity generation
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support and replay on reconnect
//   - Topic pattern matching for the callback registry
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The broker is the primary transport between the server and the drying
// device fleet. Every device owns a topic subtree:
//
//	swissairdry/{device_id}/{channel}
//
// Devices publish status, telemetry, discovery, log and task progress;
// the server publishes control, config, command, task and welcome messages.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to telemetry from every device
//	err = client.Subscribe(mqtt.Topics{}.AllTelemetry(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a control command
//	topic := mqtt.Topics{}.DeviceControl("dryer-001")
//	client.Publish(topic, []byte(`{"command":"power","value":true}`), 1, false)
package mqtt
