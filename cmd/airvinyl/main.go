// Air Vinyl - turntable to network speaker relay
//
// This is the main entry point for the Air Vinyl server. It discovers
// network audio receivers, captures the local line input and relays it to
// the receiver chosen through the HTTP API (or MQTT, when enabled).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/nerrad567/airvinyl/internal/api"
	"github.com/nerrad567/airvinyl/internal/capture"
	"github.com/nerrad567/airvinyl/internal/device"
	"github.com/nerrad567/airvinyl/internal/discovery"
	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/infrastructure/influxdb"
	"github.com/nerrad567/airvinyl/internal/infrastructure/logging"
	"github.com/nerrad567/airvinyl/internal/infrastructure/mqtt"
	"github.com/nerrad567/airvinyl/internal/metrics"
	"github.com/nerrad567/airvinyl/internal/session"
	"github.com/nerrad567/airvinyl/internal/transport"
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

// relayShutdownTimeout bounds the wait for capture and transport teardown.
const relayShutdownTimeout = 10 * time.Second

// options are the parsed command line flags.
type options struct {
	configPath string
	debugLevel int
	levelSet   bool
	port       int
	issueToken string
	version    bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if opts.version {
		fmt.Printf("airvinyl %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	if opts.issueToken != "" {
		if err := issueToken(os.Stdout, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line into options.
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("airvinyl", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default $AIRVINYL_CONFIG or "+defaultConfigPath+")")
	fs.IntVarP(&opts.debugLevel, "debug-level", "d", 2, "log verbosity: 0 off, 1 error, 2 warn, 3 info, 4 debug, 5 trace")
	fs.IntVarP(&opts.port, "port", "p", 0, "HTTP port (overrides config and $PORT)")
	fs.StringVar(&opts.issueToken, "issue-token", "", "print an API token for `SUBJECT` and exit")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.port < 0 || opts.port > 65535 {
		return options{}, fmt.Errorf("port %d out of range", opts.port)
	}
	opts.levelSet = fs.Changed("debug-level")
	return opts, nil
}

// getConfigPath returns the configuration file path.
// The --config flag wins over AIRVINYL_CONFIG, which wins over the default.
func getConfigPath(opts options) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if path := os.Getenv("AIRVINYL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(getConfigPath(opts))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.levelSet {
		level, err := logging.LevelForVerbosity(opts.debugLevel)
		if err != nil {
			return nil, err
		}
		cfg.Logging.Level = level
	}
	if opts.port != 0 {
		cfg.API.Port = opts.port
	}
	return cfg, nil
}

// issueToken prints a signed API token for opts.issueToken.
func issueToken(w io.Writer, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if !cfg.AuthEnabled() {
		return errors.New("security.jwt.secret is not set; API auth is disabled")
	}
	ttl := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	token, err := api.IssueToken(cfg.Security.JWT.Secret, opts.issueToken, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, opts options) error {
	// Use default logger until config is loaded
	log := logging.Default()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting Air Vinyl",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", getConfigPath(opts),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Device registry, fed by discovery
	registry := device.NewRegistry()
	registry.SetLogger(log.With("component", "registry"))

	m := metrics.NewMetrics()
	m.RegisterDeviceCount(registry.Count)

	browser, resolver, err := discovery.New(cfg.Discovery, log.With("component", "discovery"))
	if err != nil {
		return fmt.Errorf("creating discovery browser: %w", err)
	}
	feed := discovery.NewFeed(browser, resolver, registry, discovery.NewFeedConfig(cfg.Discovery))
	feed.SetLogger(log.With("component", "discovery"))
	feed.SetMetrics(m)

	// Audio pipeline
	relayCfg := session.NewConfig(cfg)
	source, err := capture.New(cfg.Capture, relayCfg.Format, log.With("component", "capture"))
	if err != nil {
		return fmt.Errorf("creating capture source: %w", err)
	}
	dialer, err := transport.New(cfg.Transport, log.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	log.Info("audio pipeline configured",
		"capture", source.Name(),
		"transport", dialer.Name(),
		"format", relayCfg.Format.String(),
	)

	relay := session.NewRelay(relayCfg, source, dialer)
	relay.SetLogger(log.With("component", "relay"))
	relay.SetMetrics(m)
	relay.AddObserver(m)

	controller := session.NewController(relay)
	controller.SetLogger(log.With("component", "session"))

	checks := make(map[string]api.HealthChecker)

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
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
		relay.SetTelemetry(influxClient)
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Connect to MQTT broker (optional)
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge = mqtt.NewBridge(mqttClient, controller, registry, byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated 0-2
		bridge.SetLogger(log.With("component", "mqtt"))
		relay.AddObserver(bridge)
		registry.AddObserver(bridge)
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"prefix", mqttClient.Topics().Prefix,
		)
	}

	srv, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Security:       cfg.Security,
		Logger:         log.With("component", "api"),
		Registry:       registry,
		Session:        controller,
		Metrics:        m.Handler(),
		RequestMetrics: m,
		Checks:         checks,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	registry.AddObserver(srv)
	relay.AddObserver(srv)

	// Background workers. The relay is the only fatal one: without it
	// there is nothing to serve.
	relayErr := make(chan error, 1)
	go func() { relayErr <- relay.Run(runCtx) }()

	go func() {
		if err := feed.Run(runCtx); err != nil {
			log.Error("discovery stopped; device list is frozen", "error", err)
		}
	}()

	if bridge != nil {
		go func() {
			if err := bridge.Run(runCtx); err != nil {
				log.Error("MQTT bridge stopped", "error", err)
			}
		}()
	}

	if err := srv.Start(runCtx); err != nil {
		cancel()
		<-relay.Done()
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal", "address", srv.Addr().String())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-relayErr:
		if err != nil {
			runErr = fmt.Errorf("relay: %w", err)
		}
	}

	cancel()
	select {
	case <-relay.Done():
	case <-time.After(relayShutdownTimeout):
		log.Warn("relay did not stop in time")
	}

	log.Info("Air Vinyl stopped")
	return runErr
}
