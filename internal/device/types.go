package device

import "time"

// Device represents a piece of field equipment registered with the gateway.
// This matches the database schema in migrations/20260301_100000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID      string  `json:"id"`
	OwnerID *string `json:"owner_id,omitempty"`
	Name    string  `json:"name"`

	// Classification
	Type DeviceType `json:"type"`

	// ParentID is a weak reference used only for interlock topology:
	// a valve may point at its controlling pump. It is not an ownership
	// relation and never cascades delete.
	ParentID *string `json:"parent_id,omitempty"`

	// Operational state
	Status DeviceStatus `json:"status"`

	// Secret is the per-device credential for the offline SMS channel.
	// Generated at registration, rotatable on re-claim. Never serialized
	// into API responses.
	Secret string `json:"-"`

	// Config holds open key/value settings (thresholds, the SMS target
	// tag for a valve, labels).
	Config Config `json:"config"`

	// LastTelemetry holds the most recent readings plus human-readable
	// alert annotations (auto-stop events). Display and audit data, not
	// control state.
	LastTelemetry Telemetry `json:"last_telemetry"`

	// Runtime accounting
	CurrentRunStart *time.Time `json:"current_run_start,omitempty"`
	TargetTurnOffAt *time.Time `json:"target_turn_off_at,omitempty"`

	// TotalRuntimeMinutes is a monotonically non-decreasing accumulator.
	// It grows only on an Active to Idle transition, by the elapsed
	// interval of that one activation.
	TotalRuntimeMinutes float64 `json:"total_runtime_minutes"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// All map fields are cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	cpy.Config = deepCopyMap(d.Config)
	cpy.LastTelemetry = deepCopyMap(d.LastTelemetry)

	// Pointer fields (*string, *time.Time) don't need deep copy
	// because strings and time.Time are immutable in Go

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// Config holds device-specific configuration as a JSON map.
//
// Examples:
//   - Valve: {"sms_target": "V1", "max_open_minutes": 120}
//   - Pump: {"rated_flow_lpm": 300}
type Config map[string]any

// Telemetry holds the last reported readings as a JSON map.
//
// Examples:
//   - Sensor: {"soil_moisture": 0.31, "battery_v": 3.7}
//   - Pump after a cascade: {"alert": "auto-stop: last feeding valve closed", "alert_at": "..."}
type Telemetry map[string]any

// DeviceType represents the kind of field equipment.
type DeviceType string //nolint:revive // device.DeviceType is clearer than device.Type in calling code

// DeviceType constants.
const (
	TypePump    DeviceType = "pump"
	TypeValve   DeviceType = "valve"
	TypeSensor  DeviceType = "sensor"
	TypeGeneric DeviceType = "generic"
)

// AllDeviceTypes returns all valid device type values.
func AllDeviceTypes() []DeviceType {
	return []DeviceType{TypePump, TypeValve, TypeSensor, TypeGeneric}
}

// DeviceStatus represents the operational state of a device.
type DeviceStatus string //nolint:revive // device.DeviceStatus is clearer than device.Status in calling code

// DeviceStatus constants.
const (
	StatusIdle        DeviceStatus = "idle"
	StatusActive      DeviceStatus = "active"
	StatusAlert       DeviceStatus = "alert"
	StatusMaintenance DeviceStatus = "maintenance"
)

// AllStatuses returns all valid device status values.
func AllStatuses() []DeviceStatus {
	return []DeviceStatus{StatusIdle, StatusActive, StatusAlert, StatusMaintenance}
}
