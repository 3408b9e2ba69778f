package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteRunCompletion records a finished equipment run.
//
// Written when a runtime-accruing device (pump or valve) transitions out
// of Active. The write is non-blocking; data is batched and sent
// asynchronously.
//
// Parameters:
//   - deviceID: Device identifier
//   - deviceType: Registry type ("pump" or "valve")
//   - elapsedMinutes: Duration of the run that just ended
//   - totalMinutes: Cumulative lifetime runtime after this run
//
// Example:
//
//	client.WriteRunCompletion("pump-01", "pump", 37.5, 412.0)
func (c *Client) WriteRunCompletion(deviceID, deviceType string, elapsedMinutes, totalMinutes float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"run_completion",
		map[string]string{
			"device_id":   deviceID,
			"device_type": deviceType,
		},
		map[string]interface{}{
			"elapsed_minutes": elapsedMinutes,
			"total_minutes":   totalMinutes,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandOutcome records the result of a processed command.
//
// Used for tracking pipeline throughput and safety-block rates per
// transport channel.
//
// Parameters:
//   - deviceID: Device the command targeted
//   - action: Normalized action ("turn_on", "turn_off", ...)
//   - source: Command origin ("web", "mobile", "sms_offline")
//   - status: Terminal command status ("executed", "failed")
func (c *Client) WriteCommandOutcome(deviceID, action, source, status string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_outcome",
		map[string]string{
			"device_id": deviceID,
			"action":    action,
			"source":    source,
			"status":    status,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTelemetry writes a single sensor reading.
//
// Parameters:
//   - deviceID: Device identifier (e.g., "soil-probe-03")
//   - measurement: The metric name (e.g., "soil_moisture", "flow_lpm")
//   - value: The numeric value to record
func (c *Client) WriteTelemetry(deviceID string, measurement string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"telemetry",
		map[string]string{
			"device_id":   deviceID,
			"measurement": measurement,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
