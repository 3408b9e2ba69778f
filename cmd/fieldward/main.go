// FieldWard Core - Field Device Control & Safety Interlock Engine
//
// This is the main entry point for the FieldWard Core application: an
// offline-first controller for farm actuators (pumps, valves, sensors)
// with hydraulic safety interlocks, runtime accounting, and an
// HMAC-authenticated SMS command channel for sites without internet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/fieldward/fieldward-core/migrations"

	"github.com/fieldward/fieldward-core/internal/api"
	"github.com/fieldward/fieldward-core/internal/audit"
	"github.com/fieldward/fieldward-core/internal/control"
	"github.com/fieldward/fieldward-core/internal/device"
	"github.com/fieldward/fieldward-core/internal/infrastructure/config"
	"github.com/fieldward/fieldward-core/internal/infrastructure/database"
	"github.com/fieldward/fieldward-core/internal/infrastructure/influxdb"
	"github.com/fieldward/fieldward-core/internal/infrastructure/logging"
	"github.com/fieldward/fieldward-core/internal/infrastructure/mqtt"
	"github.com/fieldward/fieldward-core/internal/smschannel"
	"github.com/fieldward/fieldward-core/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting FieldWard Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo, cfg.GetCacheTTL())
	registry.SetLogger(log)
	if devs, err := registry.ListDevices(ctx); err == nil {
		log.Info("device registry initialised", "devices", len(devs), "cache_ttl", cfg.GetCacheTTL())
	} else {
		log.Warn("device inventory unavailable at startup", "error", err)
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled, commands will not reach hardware")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Build the command pipeline
	commandRepo := control.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	pipeline := control.NewPipeline(db.DB, deviceRepo, commandRepo)
	pipeline.SetCache(registry)
	pipeline.SetAudit(auditRepo)
	pipeline.SetLogger(log)
	if mqttClient != nil {
		pipeline.SetDispatcher(transport.NewMQTTDispatcher(mqttClient, byte(cfg.MQTT.QoS)))
	} else {
		pipeline.SetDispatcher(transport.NoopDispatcher{})
	}
	if influxClient != nil {
		pipeline.SetMetrics(influxClient)
	}
	log.Info("command pipeline initialised")

	// Ingest device telemetry from the broker
	if mqttClient != nil {
		if subErr := subscribeTelemetry(ctx, mqttClient, registry, influxClient, log); subErr != nil {
			return fmt.Errorf("subscribing to telemetry: %w", subErr)
		}
		log.Info("telemetry ingestion active", "topic", mqtt.Topics{}.AllDeviceTelemetry())
	}

	// Offline SMS channel
	smsHandler := smschannel.NewHandler(registry, pipeline, cfg.GetReplayWindow())
	smsHandler.SetLogger(log)
	log.Info("offline SMS channel initialised",
		"replay_window", cfg.GetReplayWindow(),
	)

	// Start API server
	var broker api.HealthChecker
	if mqttClient != nil {
		broker = mqttClient
	}
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		Security: cfg.Security,
		Logger:   log,
		Registry: registry,
		Pipeline: pipeline,
		Commands: commandRepo,
		SMS:      smsHandler,
		Broker:   broker,
		Audit:    auditRepo,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT (if enabled)
	// 4. Database

	log.Info("FieldWard Core stopped")
	return nil
}

// subscribeTelemetry wires broker telemetry into device state and the
// analytics sink. Field hardware publishes JSON key/value readings on
// fieldward/telemetry/{type}/{id}.
func subscribeTelemetry(ctx context.Context, client *mqtt.Client, registry *device.Registry, influx *influxdb.Client, log *logging.Logger) error {
	topic := mqtt.Topics{}.AllDeviceTelemetry()
	return client.Subscribe(topic, 0, func(topic string, payload []byte) error {
		_, _, deviceID, err := mqtt.ParseDeviceTopic(topic)
		if err != nil {
			return fmt.Errorf("parsing telemetry topic: %w", err)
		}

		var readings map[string]any
		if err := json.Unmarshal(payload, &readings); err != nil {
			return fmt.Errorf("decoding telemetry for %s: %w", deviceID, err)
		}

		// Column-scoped merge: a full-row write here could revert a
		// command committing between a read and the write.
		if err := registry.MergeTelemetry(ctx, deviceID, device.Telemetry(readings)); err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				// Unregistered hardware chattering on the bus is not
				// an error worth retrying.
				log.Warn("telemetry from unknown device", "device_id", deviceID)
				return nil
			}
			return fmt.Errorf("storing telemetry for %s: %w", deviceID, err)
		}

		if influx != nil {
			for key, value := range readings {
				if num, ok := value.(float64); ok {
					influx.WriteTelemetry(deviceID, key, num)
				}
			}
		}
		return nil
	})
}

// getConfigPath returns the configuration file path.
// Uses FIELDWARD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FIELDWARD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
