// fleetd - kiosk fleet controller
//
// fleetd is the server side of the fleet protocol: it registers kiosk
// devices by Ed25519 identity, runs the adoption workflow, serves
// authenticated config polls and heartbeats, queues commands, and sweeps
// devices that have gone quiet for good.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/openkiosk/fleetd/migrations"

	"github.com/openkiosk/fleetd/internal/api"
	"github.com/openkiosk/fleetd/internal/auth"
	"github.com/openkiosk/fleetd/internal/command"
	"github.com/openkiosk/fleetd/internal/infrastructure/config"
	"github.com/openkiosk/fleetd/internal/infrastructure/database"
	"github.com/openkiosk/fleetd/internal/infrastructure/influxdb"
	"github.com/openkiosk/fleetd/internal/infrastructure/logging"
	"github.com/openkiosk/fleetd/internal/infrastructure/mqtt"
	"github.com/openkiosk/fleetd/internal/reaper"
	"github.com/openkiosk/fleetd/internal/registry"
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
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	issueToken := flag.String("issue-admin-token", "", "issue an admin token for the named operator and exit")
	flag.Parse()

	if *issueToken != "" {
		if err := issueAdminToken(*configPath, *issueToken); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// issueAdminToken mints an admin API token from the configured secret and
// prints it. Meant for operators bootstrapping dashboards or curl access.
func issueAdminToken(configPath, subject string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ttl := time.Duration(cfg.Security.AdminTokenTTL) * time.Minute
	token, err := auth.IssueToken([]byte(cfg.Security.AdminJWTSecret), subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to the YAML config file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting fleetd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker (optional)
	var events registry.EventPublisher
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		events = mqtt.NewEventBridge(mqttClient)
	} else {
		log.Info("MQTT disabled, lifecycle events will not be published")
	}

	// Initialise device registry and command queue
	repo := registry.NewSQLiteRepository(db.DB)
	queue := command.NewQueue(db.DB)
	reg := registry.New(repo, queue, events, log)
	log.Info("device registry initialised")

	// Connect to InfluxDB (optional) for heartbeat telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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
		reg.SetTelemetry(&heartbeatTelemetry{client: influxClient})
		go recordFleetGauge(ctx, reg, influxClient, log)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start retention sweep
	sweeper := reaper.New(reg, reaper.Config{
		SweepInterval:      cfg.Retention.SweepInterval,
		Confirm:            cfg.Retention.Confirm,
		PendingDeleteAfter: daysToDuration(cfg.Retention.PendingDeleteDays),
		OfflineFlagAfter:   daysToDuration(cfg.Retention.OfflineFlagDays),
		ArchiveAfter:       daysToDuration(cfg.Retention.ArchiveDays),
	}, log)
	go sweeper.Run(ctx)

	// Start API server
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		Security:    cfg.Security,
		Screenshots: cfg.Screenshots,
		Logger:      log,
		Registry:    reg,
		Reaper:      sweeper,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("fleetd running",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// heartbeatTelemetry adapts the InfluxDB client to the registry's
// telemetry sink interface.
type heartbeatTelemetry struct {
	client *influxdb.Client
}

func (h *heartbeatTelemetry) RecordHeartbeat(deviceID string, stats registry.DeviceStats) {
	h.client.WriteHeartbeat(deviceID, stats.UptimeSeconds, stats.MemoryUsedMB, stats.CPUPercent)
}

// fleetGaugeInterval is how often fleet-wide status counts are recorded.
const fleetGaugeInterval = time.Minute

// recordFleetGauge periodically counts devices per derived status and
// writes the totals to InfluxDB, so dashboards can chart fleet health.
func recordFleetGauge(ctx context.Context, reg *registry.Registry, client *influxdb.Client, log *logging.Logger) {
	ticker := time.NewTicker(fleetGaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		devices, err := reg.List(ctx, registry.ListFilter{})
		if err != nil {
			log.Warn("fleet gauge listing failed", "error", err)
			continue
		}

		var online, offline, stale, pending int
		for _, d := range devices {
			switch d.Status {
			case registry.StatusOnline:
				online++
			case registry.StatusOffline:
				offline++
			case registry.StatusStale:
				stale++
			case registry.StatusPending:
				pending++
			}
		}
		client.WriteFleetGauge(online, offline, stale, pending)
	}
}

// daysToDuration converts a day count from config to a Duration.
func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
