// Package mqtt provides MQTT client connectivity for FieldWard Core.
//
// This package manages:
//   - Connection to the farm broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for gateway offline detection
//   - Connection health monitoring
//
// # Architecture
//
// FieldWard uses MQTT as the transport between the gateway and the field
// hardware controllers (pump relays, valve actuators, sensor nodes). The
// broker decouples the control plane from device firmware.
//
//	FieldWard Core ↔ MQTT Broker ↔ Field Controllers
//
// Command delivery is best-effort: the command ledger in SQLite is the
// source of truth for what was decided, and transport failures never
// roll that decision back.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all telemetry from field devices
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceTelemetry(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Dispatch command
//	topic := mqtt.Topics{}.DeviceCommand("pump", "a1b2c3")
//	client.Publish(topic, []byte(`{"action":"turn_on"}`), 1, false)
package mqtt
