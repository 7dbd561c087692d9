package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pldmd/internal/allocator"
	"pldmd/internal/config"
	"pldmd/internal/history"
	"pldmd/internal/manager"
	"pldmd/internal/pipeline"
	"pldmd/internal/sseb"
	"pldmd/internal/transport"
	"pldmd/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("pldmd starting", "version", version)

	// History store for the session/sensor audit trail.
	store, err := history.NewBoltStore(cfg.History.Path)
	if err != nil {
		logger.Error("open history store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// Event loop, allocator, transport, pipeline.
	loop := pipeline.NewEventLoop(0)
	loopCtx, loopCancel := context.WithCancel(context.Background())
	go loop.Run(loopCtx)
	defer loopCancel()

	alloc := allocator.New()

	serialTransport, err := transport.OpenSerial(cfg.Transport.Port, cfg.Transport.Baud, loop, logger)
	if err != nil {
		logger.Error("open transport", "err", err)
		os.Exit(1)
	}
	defer serialTransport.Close()

	pl := pipeline.New(serialTransport, alloc, loop, logger)

	events := manager.NewEventBus(logger)
	mgr := manager.New(loop, alloc, pl, serialTransport, store, events,
		cfg.MaxTransferSize, time.Duration(cfg.UpdateTimeoutSeconds)*time.Second, logger)

	serialTransport.Attach(pl, mgr)
	serialTransport.Start()

	// Sensor bridge over the system D-Bus.
	var bridge *sseb.Bridge
	if len(cfg.Sensors) > 0 {
		bus, err := sseb.NewDBusBus(logger)
		if err != nil {
			logger.Error("connect dbus", "err", err)
			os.Exit(1)
		}
		defer bus.Close()

		dbusMaps, err := cfg.SensorMaps()
		if err != nil {
			logger.Error("build sensor maps", "err", err)
			os.Exit(1)
		}
		bridge = sseb.NewBridge(cfg.SensorEventEID, bus, loop, alloc, pl, mgr.RecordSensorEvent, logger)
		defer bridge.Close()
		if err := bridge.Listen(cfg.PDRRepo(), dbusMaps); err != nil {
			logger.Error("start sensor bridge", "err", err)
			os.Exit(1)
		}
		logger.Info("sensor bridge listening", "sensors", len(cfg.Sensors))
	}

	// Start configured update sessions.
	for _, ep := range cfg.Endpoints {
		pkg, err := os.Open(ep.PackagePath)
		if err != nil {
			logger.Error("open firmware package", "eid", ep.EID, "path", ep.PackagePath, "err", err)
			os.Exit(1)
		}
		defer pkg.Close()

		record, components, infoMap := ep.DeviceRecord()
		if err := mgr.StartUpdate(ep.EID, record, components, infoMap, pkg); err != nil {
			logger.Error("start update", "eid", ep.EID, "err", err)
			os.Exit(1)
		}
	}

	// Status dashboard.
	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if bridge != nil {
		webOpts = append(webOpts, web.WithSensorStates(bridge))
	}
	webServer := web.NewServer(mgr, store, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Status publisher (no-op when built with the no_mqtt tag).
	mqtt := initMQTT(events, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	loop.Stop()

	logger.Info("goodbye")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
