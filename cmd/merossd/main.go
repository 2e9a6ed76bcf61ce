// merossd - Meross device daemon
//
// merossd keeps a live model of Meross smart-home devices. It talks to
// devices over the cloud MQTT broker and the LAN HTTP endpoint, caches
// their state, persists descriptors and state history in SQLite, writes
// telemetry to InfluxDB and serves a REST and WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/nerrad567/meross-core/migrations"

	"github.com/nerrad567/meross-core/internal/api"
	"github.com/nerrad567/meross-core/internal/device"
	"github.com/nerrad567/meross-core/internal/infrastructure/config"
	"github.com/nerrad567/meross-core/internal/infrastructure/database"
	"github.com/nerrad567/meross-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/meross-core/internal/infrastructure/logging"
	"github.com/nerrad567/meross-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meross-core/internal/manager"
	"github.com/nerrad567/meross-core/internal/protocol"
	"github.com/nerrad567/meross-core/internal/transport"
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
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The root command runs the daemon.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "merossd",
		Short: "Meross device daemon",
		Long: `merossd keeps a live model of Meross smart-home devices.

Devices are reached over the Meross MQTT broker and, where the device
has a LAN address, over local HTTP. State changes are cached, recorded
to SQLite and optionally InfluxDB, and exposed over a REST and WebSocket
API.

The signing key should be supplied through the MEROSS_KEY environment
variable rather than the config file.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(), "Path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d declared devices\n", len(cfg.Meross.Devices))
			return nil
		},
	})

	root.AddCommand(newMigrateCmd(&configPath))

	return root
}

// newMigrateCmd builds the schema maintenance commands. They open the
// database named by the config file and touch nothing else.
func newMigrateCmd(configPath *string) *cobra.Command {
	openDB := func() (*database.DB, error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return database.Open(cfg.Database)
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Read-only afterwards
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			status, err := db.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at %s\n", status.Current())
			return nil
		},
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Read-only
			status, err := db.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range status.Applied {
				fmt.Fprintf(out, "applied  %s  %s\n", a.Version, a.AppliedAt.Format(time.RFC3339))
			}
			for _, p := range status.Pending {
				fmt.Fprintf(out, "pending  %s  %s\n", p.Version, p.Name)
			}
			return nil
		},
	})

	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the latest applied migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Committed or failed already
			version, err := db.Rollback(cmd.Context())
			if err != nil {
				return err
			}
			if version == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", version)
			return nil
		},
	})

	return migrate
}

// getConfigPath returns the configuration file path.
// Uses MEROSS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MEROSS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // Linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting merossd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Nothing to report to once logging is gone
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"devices", len(cfg.Meross.Devices),
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, err := db.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	log.Info("database ready", "path", db.Path(), "schema", schema.Current())

	checks := map[string]api.HealthChecker{"database": db}

	appID := cfg.Meross.AppID
	if appID == "" {
		appID = protocol.NewAppID()
	}

	// Connect to the broker (optional: LAN-only setups run without it)
	var mqttClient *mqtt.Client
	var cloud transport.Transport
	if cfg.MQTT.Enabled {
		mqttCfg := mqtt.CloudCredentials(cfg.MQTT, cfg.Meross.UserID, cfg.Meross.Key, appID)
		mqttClient, err = mqtt.Connect(mqttCfg, log.Logger)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", mqttCfg.Broker.Host, mqttCfg.Broker.Port),
			"client_id", mqttCfg.Broker.ClientID,
		)
		cloud = transport.NewMQTTTransport(mqttClient, byte(cfg.MQTT.QoS)) //nolint:gosec // qos validated to 0..2
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled, devices are reached over LAN only")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, log.Logger)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	mgr, err := newManager(cfg, appID, db, mqttClient, cloud, influxClient, log)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting device manager: %w", err)
	}
	defer func() {
		log.Info("stopping device manager")
		mgr.Stop()
	}()

	if cfg.API.Enabled {
		stream := api.NewStream(cfg.WebSocket, log)
		mgr.AddSink(stream)

		srv, err := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log,
			Devices: mgr,
			History: device.NewSQLiteStateHistoryRepository(db.DB),
			Checks:  checks,
			Stream:  stream,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", mgr.Registry().Size(),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, manager, InfluxDB, MQTT,
	// database.
	return nil
}

// newManager wires the transport router, persistence and telemetry into a
// device manager.
func newManager(
	cfg *config.Config,
	appID string,
	db *database.DB,
	mqttClient *mqtt.Client,
	cloud transport.Transport,
	influxClient *influxdb.Client,
	log *logging.Logger,
) (*manager.Manager, error) {
	mode, err := transport.ParseMode(cfg.Meross.TransportMode)
	if err != nil {
		return nil, fmt.Errorf("parsing transport mode: %w", err)
	}

	router := transport.NewRouter(transport.RouterOptions{
		LAN:       transport.NewHTTPTransport(config.Seconds(cfg.Meross.LANTimeout)),
		Cloud:     cloud,
		Mode:      mode,
		RateLimit: cfg.Meross.RateLimit,
		Burst:     cfg.Meross.Burst,
		Logger:    log,
	})

	opts := manager.Options{
		Device: device.Options{
			Codec:             protocol.NewCodec(cfg.Meross.Key, cfg.Meross.UserID, appID),
			Transport:         router,
			Timeout:           config.Seconds(cfg.Meross.RequestTimeout),
			HeartbeatInterval: config.Seconds(cfg.Meross.HeartbeatInterval),
			FailureThreshold:  cfg.Meross.FailureThreshold,
		},
		UserID:           cfg.Meross.UserID,
		AppID:            appID,
		LocalBroker:      cfg.Meross.LocalBroker,
		Devices:          cfg.Meross.Devices,
		Repository:       device.NewSQLiteRepository(db.DB),
		History:          device.NewSQLiteStateHistoryRepository(db.DB),
		HistoryRetention: time.Duration(cfg.Database.HistoryRetention) * 24 * time.Hour,
		Maintainer:       db,
		Logger:           log,
	}
	// Interface fields stay nil rather than holding a typed nil pointer.
	if mqttClient != nil {
		opts.Subscriber = mqttClient
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	mgr, err := manager.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating device manager: %w", err)
	}
	return mgr, nil
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	var errs []error
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
