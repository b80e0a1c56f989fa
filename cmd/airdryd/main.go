// AirDry Core - Device Connectivity Service
//
// This is the main entry point for the AirDry connectivity core. It links
// networked drying appliances to the backend over two transports:
//   - MQTT broker for fleet-wide telemetry, status and commands
//   - Bluetooth LE local links for devices in direct radio range
//
// Inbound events from both transports flow through one callback registry;
// outbound commands go through a dispatcher that prefers the local link
// and falls back to the broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/swissairdry/airdry-core/migrations"

	"github.com/swissairdry/airdry-core/internal/ble"
	"github.com/swissairdry/airdry-core/internal/device"
	"github.com/swissairdry/airdry-core/internal/events"
	"github.com/swissairdry/airdry-core/internal/infrastructure/config"
	"github.com/swissairdry/airdry-core/internal/infrastructure/database"
	"github.com/swissairdry/airdry-core/internal/infrastructure/influxdb"
	"github.com/swissairdry/airdry-core/internal/infrastructure/logging"
	"github.com/swissairdry/airdry-core/internal/infrastructure/mqtt"
	"github.com/swissairdry/airdry-core/internal/task"
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
	// This is the Go pattern for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting AirDry Core",
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
	db, err := database.Open(database.Config{
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

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	// Set up MQTT logging callbacks
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var telemetry device.TelemetryWriter
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// Shared callback registry: broker messages and local-link events
	// both route through it
	registry := events.NewRegistry(log.Component("events"))

	deviceStore := device.NewSQLiteStore(db)

	// Start the BLE local-link service (if enabled)
	var bleService *ble.Service
	var localLink device.LocalLink
	if cfg.BLE.Enabled {
		adapter := ble.NewBlueZAdapter(ble.BlueZOptions{
			Adapter:        cfg.BLE.Adapter,
			ScanDuration:   cfg.GetScanDuration(),
			ConnectTimeout: cfg.GetConnectTimeout(),
		})
		bleService = ble.NewService(adapter, deviceStore, registry, log.Component("ble"), ble.Options{
			ScanInterval:         cfg.GetScanInterval(),
			ConnectTimeout:       cfg.GetConnectTimeout(),
			MaxReconnectAttempts: cfg.BLE.MaxReconnectAttempts,
		})
		go bleService.Run(ctx)
		defer func() {
			log.Info("stopping BLE service")
			bleService.Stop()
		}()
		localLink = bleService
		log.Info("BLE service started",
			"adapter", cfg.BLE.Adapter,
			"scan_interval", cfg.GetScanInterval(),
		)
	} else {
		log.Info("BLE disabled, broker is the only transport")
	}

	// Command dispatcher: local link preferred, broker fallback
	dispatcher := device.NewDispatcher(deviceStore, localLink, mqttClient, log.Component("dispatcher"), device.DispatcherOptions{
		Workers:     cfg.Dispatcher.Workers,
		QueueSize:   cfg.Dispatcher.QueueSize,
		SendTimeout: cfg.GetSendTimeout(),
	})
	defer func() {
		log.Info("closing dispatcher")
		dispatcher.Close()
	}()

	// Device manager: state tracking, telemetry intake, welcome handshake
	manager := device.NewManager(deviceStore, dispatcher, mqttClient, telemetry, log.Component("device"))
	manager.RegisterHandlers(registry)

	// Task scheduler: drying program assignment and progress tracking
	taskStore := task.NewSQLiteStore(db)
	scheduler := task.NewScheduler(deviceStore, taskStore, dispatcher, log.Component("task"))
	scheduler.RegisterHandlers(registry)

	// Route every broker message into the registry
	qos := byte(cfg.MQTT.QoS) // #nosec G115 -- validated 0-2 by config
	err = mqttClient.Subscribe(mqtt.Topics{}.AllTopics(), qos, func(topic string, payload []byte) error {
		registry.Dispatch(topic, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to device topics: %w", err)
	}
	log.Info("subscribed to device topics", "pattern", mqtt.Topics{}.AllTopics())

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. Dispatcher
	// 2. BLE service (if enabled)
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("AirDry Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SWISSAIRDRY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SWISSAIRDRY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// BLE link health is per-device: the service tracks link state and
	// reconnects with backoff, so there is nothing daemon-fatal to check.

	return nil
}
