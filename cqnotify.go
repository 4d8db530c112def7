package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/cqnotify/admin"
	"github.com/maxpert/cqnotify/cfg"
	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/driver/simulated"
	"github.com/maxpert/cqnotify/notify"
	"github.com/maxpert/cqnotify/oracle"
	"github.com/maxpert/cqnotify/query"
	"github.com/maxpert/cqnotify/relay"
	_ "github.com/maxpert/cqnotify/relay/sink"
	_ "github.com/maxpert/cqnotify/relay/transformer"
	"github.com/maxpert/cqnotify/service"
	"github.com/maxpert/cqnotify/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	shutdownTimeout       = 30 * time.Second
	serverShutdownTimeout = 5 * time.Second
	collectInterval       = 5 * time.Second
	inspectCacheSize      = 1024
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("cqnotify - Oracle continuous query notification service")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := openDriver(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("driver", string(cfg.Config.Oracle.Driver)).Msg("Failed to open driver")
		return
	}
	defer conn.Close()

	hub := notify.NewHub(cfg.Config.Service.WatchBuffer)

	inspector, err := query.NewInspector(inspectCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create query inspector")
		return
	}

	opts := service.Options{
		MaxSubscriptions: cfg.Config.Service.MaxSubscriptions,
		Wake:             string(cfg.Config.Mailbox.Wake),
		MaxMessageBytes:  cfg.Config.Mailbox.MaxMessageBytes,
		Hub:              hub,
		Inspector:        inspector,
	}

	var registry *relay.Registry
	if len(cfg.Config.Sinks) > 0 {
		log.Info().Int("sinks", len(cfg.Config.Sinks)).Msg("Initializing relay")
		registry, err = relay.NewRegistry(relay.RegistryConfig{
			Path:        cfg.RelayLogPath(),
			NodeID:      cfg.Config.NodeID,
			SinkConfigs: cfg.Config.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize relay")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start relay")
			return
		}
		defer registry.Stop()
		opts.Relay = registry
	}

	manager := service.NewManager(conn, opts)
	if err := manager.SubscribeAll(ctx, cfg.Config.Subscriptions); err != nil {
		log.Fatal().Err(err).Msg("Failed to create subscriptions")
		return
	}

	var lags telemetry.LagProvider
	if registry != nil {
		lags = registry
	}
	collector := telemetry.NewMetricsCollector(manager, lags, collectInterval)
	collector.Start()
	defer collector.Stop()

	var server *http.Server
	if cfg.Config.Admin.Enabled {
		server, err = startAdminServer(manager, hub, registry)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("subscriptions", manager.ActiveCount()).
		Str("data_dir", cfg.Config.DataDir).
		Msg("cqnotify is operational")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdown(manager, hub, server, shutdownTimeout, serverShutdownTimeout)
	// Deferred: collector, relay, driver
}

// shutdown drains the subscriptions before touching the admin server. Watch
// streams only end when the hub closes, so the hub closes in between.
func shutdown(manager *service.Manager, hub *notify.Hub, server *http.Server, drainTimeout, serverTimeout time.Duration) {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := manager.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Subscriptions did not shut down cleanly")
	}

	hub.Close()

	if server == nil {
		return
	}
	serverCtx, cancelServer := context.WithTimeout(context.Background(), serverTimeout)
	defer cancelServer()
	if err := server.Shutdown(serverCtx); err != nil {
		log.Warn().Err(err).Msg("Admin server did not shut down cleanly, closing")
		_ = server.Close()
	}
}

func openDriver(ctx context.Context) (driver.Conn, error) {
	switch cfg.Config.Oracle.Driver {
	case cfg.DriverSimulated:
		log.Warn().Msg("Using simulated driver, no database notifications will arrive")
		return simulated.New(), nil
	default:
		connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		conn, err := oracle.Open(connectCtx, oracle.ConfigFrom(cfg.Config.Oracle))
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func startAdminServer(manager *service.Manager, hub *notify.Hub, registry *relay.Registry) (*http.Server, error) {
	mux := http.NewServeMux()

	var status admin.RelayStatus
	if registry != nil {
		status = registry
	}
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(manager, hub, status))

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}

	addr := net.JoinHostPort(cfg.Config.Admin.Address, strconv.Itoa(cfg.Config.Admin.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("address", addr).Msg("Admin server listening")
	return server, nil
}
