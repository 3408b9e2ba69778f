package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the FieldWard MQTT hierarchy.
//
// All topics use the flat scheme: fieldward/{category}/{device_type}/{device_id}
// Device types are the registry types (pump, valve, sensor, generic), so
// transport-side subscribers can filter by equipment class with a single
// wildcard level.
const (
	// TopicPrefix is the base for all FieldWard topics.
	TopicPrefix = "fieldward"

	// TopicPrefixSystem is the base for gateway system topics.
	TopicPrefixSystem = "fieldward/system"
)

// Topics provides builders for FieldWard MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("pump", "a1b2c3")
//	// Returns: "fieldward/command/pump/a1b2c3"
type Topics struct{}

// DeviceCommand returns the topic for commands dispatched to a field device.
//
// Example: fieldward/command/pump/a1b2c3
func (Topics) DeviceCommand(deviceType, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, deviceType, deviceID)
}

// DeviceState returns the canonical state topic for a field device.
// Published by the gateway after a command commits, retained so new
// subscribers see the current state.
//
// Example: fieldward/state/valve/d4e5f6
func (Topics) DeviceState(deviceType, deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, deviceType, deviceID)
}

// DeviceTelemetry returns the topic field hardware publishes readings on.
//
// Example: fieldward/telemetry/sensor/s7g8h9
func (Topics) DeviceTelemetry(deviceType, deviceID string) string {
	return fmt.Sprintf("%s/telemetry/%s/%s", TopicPrefix, deviceType, deviceID)
}

// Alert returns the topic for safety and operational alerts.
//
// Example: fieldward/alert/cascade_auto_stop
func (Topics) Alert(alertType string) string {
	return fmt.Sprintf("%s/alert/%s", TopicPrefix, alertType)
}

// SystemStatus returns the gateway status topic (online/offline, LWT).
//
// Example: fieldward/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceTelemetry returns a pattern matching telemetry from every device.
//
// Pattern: fieldward/telemetry/+/+
func (Topics) AllDeviceTelemetry() string {
	return fmt.Sprintf("%s/telemetry/+/+", TopicPrefix)
}

// AllDeviceCommands returns a pattern matching commands to every device.
//
// Pattern: fieldward/command/+/+
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/command/+/+", TopicPrefix)
}

// AllAlerts returns a pattern matching all alert topics.
//
// Pattern: fieldward/alert/+
func (Topics) AllAlerts() string {
	return fmt.Sprintf("%s/alert/+", TopicPrefix)
}

// ParseDeviceTopic splits a concrete device topic into its parts.
//
// Expects the flat scheme fieldward/{category}/{device_type}/{device_id}.
// Used by subscribers receiving wildcard-expanded topics (telemetry
// ingest, command echo monitoring).
//
// Returns:
//   - category: "command", "state" or "telemetry"
//   - deviceType: registry device type segment
//   - deviceID: device identifier segment
//   - error: ErrInvalidTopic if the topic does not match the scheme
func ParseDeviceTopic(topic string) (category, deviceType, deviceID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix {
		return "", "", "", fmt.Errorf("%w: %q does not match %s/{category}/{type}/{id}", ErrInvalidTopic, topic, TopicPrefix)
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", fmt.Errorf("%w: %q has empty segments", ErrInvalidTopic, topic)
	}
	return parts[1], parts[2], parts[3], nil
}

// AllTopics returns a pattern matching all FieldWard topics.
// Use with caution, this receives ALL traffic.
//
// Pattern: fieldward/#
func (Topics) AllTopics() string {
	return "fieldward/#"
}
