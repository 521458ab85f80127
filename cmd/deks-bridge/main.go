// Command deks-bridge runs the robot-to-viewer bridge: a TCP link for the
// robot, a WebSocket gateway for viewers, and the dispatch, telemetry, and
// safety machinery between them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/kuyeon/deks-bridge/internal/audit"
	"github.com/kuyeon/deks-bridge/internal/bus"
	"github.com/kuyeon/deks-bridge/internal/config"
	"github.com/kuyeon/deks-bridge/internal/dispatch"
	"github.com/kuyeon/deks-bridge/internal/gateway"
	otelPkg "github.com/kuyeon/deks-bridge/internal/otel"
	"github.com/kuyeon/deks-bridge/internal/persistence"
	"github.com/kuyeon/deks-bridge/internal/protocol"
	"github.com/kuyeon/deks-bridge/internal/retention"
	"github.com/kuyeon/deks-bridge/internal/robotlink"
	"github.com/kuyeon/deks-bridge/internal/safety"
	"github.com/kuyeon/deks-bridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.4-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the bridge
  %s -version                 Print version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DEKS_BRIDGE_HOME         Data directory (default: ~/.deks-bridge)
  DEKS_BRIDGE_AUTH_TOKEN   Bearer token for viewer connections
  DEKS_BRIDGE_ROBOT_ADDR   Override robot bind address
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are auditable.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("DEKS_BRIDGE_LOG_STDOUT") == ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	codec, err := protocol.NewCodec()
	if err != nil {
		fatalStartup(logger, "E_CODEC_INIT", err)
	}

	eventBus := bus.New()

	recorder := persistence.NewRecorder(store, eventBus, logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	dispatcher := dispatch.New(dispatch.Config{
		Bus:            eventBus,
		Logger:         logger,
		Metrics:        metrics,
		RobotID:        cfg.Robot.RobotID,
		DefaultTimeout: cfg.Robot.CommandTimeout(),
		SafetyTimeout:  cfg.Robot.SafetyTimeout(),
		SweepInterval:  cfg.Robot.SweepInterval(),
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	router := telemetry.NewRouter(telemetry.Config{
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		QueueCapacity: cfg.Viewers.QueueCapacity,
	})
	registry := telemetry.NewRegistry(router)

	monitor := safety.New(safety.Config{
		Thresholds: cfg.Safety,
		Dispatcher: dispatcher,
		Bus:        eventBus,
		Metrics:    metrics,
		Logger:     logger,
	})
	router.SetEvaluator(monitor)

	link := robotlink.New(robotlink.Config{
		BindAddr:             cfg.RobotBindAddr,
		DialAddr:             cfg.RobotDialAddr,
		RobotID:              cfg.Robot.RobotID,
		Codec:                codec,
		Router:               router,
		Dispatcher:           dispatcher,
		Bus:                  eventBus,
		Metrics:              metrics,
		Logger:               logger,
		PingInterval:         cfg.Robot.PingInterval(),
		HandshakeTimeout:     cfg.Robot.HandshakeTimeout(),
		ReconnectBackoff:     cfg.Robot.ReconnectBackoff(),
		ReconnectMaxAttempts: cfg.Robot.ReconnectMaxAttempts,
	})
	dispatcher.BindSender(link)
	if err := link.Start(ctx); err != nil {
		fatalStartup(logger, "E_ROBOT_LINK", err)
	}
	defer link.Stop()
	logger.Info("startup phase", "phase", "robot_link_up",
		"bind_addr", cfg.RobotBindAddr, "dial_addr", cfg.RobotDialAddr)

	pruner, err := retention.NewScheduler(retention.Config{
		Store:          store,
		Logger:         logger,
		Spec:           cfg.Retention.CronSpec,
		TelemetryDays:  cfg.Retention.TelemetryDays,
		CommandLogDays: cfg.Retention.CommandLogDays,
		SafetyDays:     cfg.Retention.SafetyDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	pruner.Start(ctx)
	defer pruner.Stop()

	gw := gateway.New(gateway.Config{
		Router:            router,
		Registry:          registry,
		Dispatcher:        dispatcher,
		Store:             store,
		Bus:               eventBus,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		LinkStatus:        link.Status,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.GatewayBindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.GatewayBindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server failed", "error", err)
			stop()
		}
	}()

	// Config watcher: hot-reload safety thresholds on config.yaml changes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				monitor.SetThresholds(reloaded.Safety)
				logger.Info("safety thresholds reloaded",
					"drop", reloaded.Safety.DropThreshold,
					"obstacle", reloaded.Safety.ObstacleThreshold,
					"battery_critical", reloaded.Safety.BatteryCriticalVolts)
			}
		}()
	}

	logger.Info("bridge running", "robot_id", cfg.Robot.RobotID)
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
