// Package influxdb provides InfluxDB connectivity for FieldWard Core.
//
// It wraps the official influxdb-client-go v2 library with FieldWard-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Pump run completions (elapsed and cumulative runtime)
//   - Command pipeline outcomes per transport
//   - Field device telemetry readings
//
// The SQLite ledger remains the source of truth; InfluxDB is an optional
// analytics sink and the gateway runs fine without it.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteRunCompletion("pump-01", "pump", 37.5, 412.0)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via a
// callback. Connection and health check errors are returned directly.
package influxdb
