// XMV Bridge - Yamaha XMV amplifier control for Gray Logic
//
// This is the main entry point for the xmvbridge daemon. It keeps one RCP
// connection to a Yamaha XMV power amplifier and exposes its output channels
// to the rest of the building:
//   - MQTT commands, acknowledgements and retained channel state
//   - A local REST API with a WebSocket event stream
//   - Channel history in SQLite and optional telemetry in InfluxDB
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/gray-logic-xmv/migrations"

	"github.com/nerrad567/gray-logic-xmv/internal/api"
	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
	"github.com/nerrad567/gray-logic-xmv/internal/history"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// healthCheckTimeout bounds the startup health check.
const healthCheckTimeout = 10 * time.Second

// options are the parsed command-line flags.
type options struct {
	configPath    string
	showVersion   bool
	check         bool
	migrateStatus bool
	migrateDown   bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("xmvbridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configPath := resolveConfigPath(opts.configPath)

	if opts.migrateStatus || opts.migrateDown {
		if err := runMigrations(ctx, configPath, opts.migrateDown, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if opts.check {
		if err := checkDevice(ctx, configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	if err := run(ctx, configPath, reload); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command-line arguments.
func parseFlags(args []string) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("xmvbridge", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (default $GRAYLOGIC_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.BoolVar(&opts.check, "check", false, "handshake with the device and exit")
	fs.BoolVar(&opts.migrateStatus, "migrate-status", false, "print applied and pending database migrations and exit")
	fs.BoolVar(&opts.migrateDown, "migrate-down", false, "roll back the newest database migration and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// resolveConfigPath picks the --config flag, then GRAYLOGIC_CONFIG, then the default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// checkDevice performs the runmode handshake against the configured device.
func checkDevice(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	xcfg := xmvConfig(cfg)
	timeout := config.Seconds(cfg.XMV.Timeouts.Connect + cfg.XMV.Timeouts.Handshake)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := xmv.Probe(ctx, xcfg.Address(), nil); err != nil {
		return fmt.Errorf("device check %s: %w", xcfg.Address(), err)
	}
	fmt.Printf("device %s is reachable and in normal run mode\n", xcfg.Address())
	return nil
}

// app holds the components that SIGHUP reconfigures.
type app struct {
	log        *logging.Logger
	controller *xmv.Controller
	bridge     *xmv.Bridge
	history    *history.SQLiteRepository
	telemetry  *telemetryAdapter
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Cancelled on SIGINT/SIGTERM
//   - configPath: YAML configuration file
//   - reload: Receives SIGHUP; may be nil
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string, reload <-chan os.Signal) error {
	log := logging.Default()
	log.Info("starting xmvbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	a := &app{log: log}

	// Connect to MQTT broker. The will marks the bridge health offline if
	// the process dies without a clean Stop.
	will, err := xmv.LWTPayload(cfg.XMV.BridgeID)
	if err != nil {
		return fmt.Errorf("building MQTT will: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(xmv.HealthTopic(), will))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Channel history (optional)
	var db *database.DB
	var recorder xmv.HistoryRecorder
	var historyReader api.HistoryReader
	if cfg.History.Enabled {
		db, err = openDatabase(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		a.history = history.NewSQLiteRepository(db.DB, volumeRange(cfg))
		recorder = a.history
		historyReader = a.history

		pruner, pruneErr := history.NewPruneScheduler(a.history, cfg.History.RetentionDays, cfg.History.PruneSchedule, log)
		if pruneErr != nil {
			return fmt.Errorf("creating history pruner: %w", pruneErr)
		}
		if startErr := pruner.Start(); startErr != nil {
			return fmt.Errorf("starting history pruner: %w", startErr)
		}
		defer pruner.Stop()
	} else {
		log.Info("channel history disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var telemetry xmv.TelemetryWriter
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

		a.telemetry = newTelemetryAdapter(influxClient, xmvConfig(cfg).Address())
		telemetry = a.telemetry
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device controller
	xmvLog := log.With("component", "xmv")
	a.controller = xmv.NewController(xmv.WithLogger(xmvLog))
	defer func() {
		log.Info("shutting down XMV controller")
		if shutdownErr := a.controller.Shutdown(); shutdownErr != nil {
			log.Error("error shutting down XMV controller", "error", shutdownErr)
		}
	}()

	xcfg := xmvConfig(cfg)
	if err := a.controller.Configure(xcfg); err != nil {
		return fmt.Errorf("configuring XMV controller: %w", err)
	}

	// MQTT bridge
	a.bridge, err = xmv.NewBridge(xmv.BridgeOptions{
		BridgeID:       cfg.XMV.BridgeID,
		Version:        version,
		Address:        xcfg.Address(),
		HealthInterval: config.Seconds(cfg.XMV.HealthInterval),
		Controller:     a.controller,
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Logger:         xmvLog,
		History:        recorder,
		Telemetry:      telemetry,
	})
	if err != nil {
		return fmt.Errorf("creating XMV bridge: %w", err)
	}
	if err := a.bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting XMV bridge: %w", err)
	}
	defer func() {
		log.Info("stopping XMV bridge")
		a.bridge.Stop()
	}()

	// HTTP API (optional)
	if cfg.API.Enabled {
		server, apiErr := startAPI(ctx, cfg, log, a.controller, historyReader, mqttClient)
		if apiErr != nil {
			return apiErr
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, cleaning up")
			return nil
		case <-reload:
			if err := a.reload(configPath); err != nil {
				log.Error("configuration reload failed, keeping current settings", "error", err)
			}
		}
	}
}

// reload re-reads the config file and applies the settings that can change
// at runtime: log level, device address, channels, volume range and timing.
// MQTT, database, InfluxDB and API settings need a restart.
func (a *app) reload(configPath string) error {
	a.log.Info("reloading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	xcfg := xmvConfig(cfg)
	if err := a.controller.Configure(xcfg); err != nil {
		return fmt.Errorf("configuring XMV controller: %w", err)
	}

	a.log.SetLevel(cfg.Logging.Level)
	a.bridge.SetAddress(xcfg.Address())
	if a.history != nil {
		a.history.SetVolumeRange(xcfg.Range)
	}
	if a.telemetry != nil {
		a.telemetry.SetAddress(xcfg.Address())
	}

	a.log.Info("configuration reloaded",
		"address", xcfg.Address(),
		"channels", config.FormatChannelList(cfg.XMV.Channels),
		"level", cfg.Logging.Level,
	)
	return nil
}

// openDatabase opens the SQLite file and applies migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Path)

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// startAPI creates the HTTP server, subscribes it to controller events and starts it.
func startAPI(ctx context.Context, cfg *config.Config, log *logging.Logger, ctrl *xmv.Controller, hist api.HistoryReader, mqttClient *mqtt.Client) (*api.Server, error) {
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log.With("component", "api"),
		Controller: ctrl,
		History:    hist,
		MQTT:       mqttClient,
		Version:    version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	ctrl.Subscribe(server)

	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	log.Info("API server started", "address", server.Addr())
	return server, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check (nil when history is disabled)
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (nil when disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The device link is not checked: the controller keeps reconnecting in
	// the background and the bridge reports it as unavailable meanwhile.
	return nil
}

// xmvConfig converts the file configuration into controller settings.
func xmvConfig(cfg *config.Config) xmv.Config {
	channels := make([]xmv.ChannelConfig, 0, len(cfg.XMV.Channels))
	for _, ch := range cfg.XMV.Channels {
		channels = append(channels, xmv.ChannelConfig{ID: ch.ID, Name: ch.Name})
	}

	return xmv.Config{
		Host:              cfg.XMV.Host,
		Port:              cfg.XMV.Port,
		Channels:          channels,
		Range:             volumeRange(cfg),
		ConnectTimeout:    config.Seconds(cfg.XMV.Timeouts.Connect),
		HandshakeTimeout:  config.Seconds(cfg.XMV.Timeouts.Handshake),
		WriteTimeout:      config.Seconds(cfg.XMV.Timeouts.Write),
		CommandTimeout:    config.Seconds(cfg.XMV.Timeouts.Command),
		SyncTimeout:       config.Seconds(cfg.XMV.Timeouts.Sync),
		KeepAliveInterval: config.Seconds(cfg.XMV.KeepAlive.Interval),
		StaleThreshold:    config.Seconds(cfg.XMV.KeepAlive.StaleThreshold),
		Backoff: xmv.BackoffPolicy{
			Base:    config.Seconds(cfg.XMV.Reconnect.InitialDelay),
			Ceiling: config.Seconds(cfg.XMV.Reconnect.MaxDelay),
			Jitter:  cfg.XMV.Reconnect.Jitter,
		},
	}
}

func volumeRange(cfg *config.Config) xmv.VolumeRange {
	return xmv.VolumeRange{MinDB: cfg.XMV.Volume.MinDB, MaxDB: cfg.XMV.Volume.MaxDB}
}
