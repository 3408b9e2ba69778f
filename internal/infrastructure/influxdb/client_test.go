package influxdb_test

import (
	"errors"
	"os"
	"testing"

	"github.com/fieldward/fieldward-core/internal/infrastructure/config"
	"github.com/fieldward/fieldward-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for the local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "fieldward-dev-token",
		Org:           "fieldward",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		cfg := testConfig()
		client, err := influxdb.Connect(cfg)
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

func TestConnect(t *testing.T) {
	skipIfNoInfluxDB(t)
	cfg := testConfig()

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	if _, err := influxdb.Connect(cfg); err == nil {
		t.Fatal("Connect() should return error for unreachable server")
	}
}

func TestWriteRunCompletion(t *testing.T) {
	skipIfNoInfluxDB(t)
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteRunCompletion("pump-01", "pump", 37.5, 412.0)
	client.WriteCommandOutcome("pump-01", "turn_on", "web", "executed")
	client.WriteTelemetry("soil-probe-03", "soil_moisture", 0.31)
	client.Flush()
}

func TestWriteAfterClose(t *testing.T) {
	skipIfNoInfluxDB(t)
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	// Writes and flushes on a closed client must be silent no-ops.
	client.WriteRunCompletion("pump-01", "pump", 1.0, 1.0)
	client.Flush()
}
