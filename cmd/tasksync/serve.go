package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/tasksync/internal/audit"
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/cron"
	"github.com/basket/tasksync/internal/gateway"
	"github.com/basket/tasksync/internal/hub"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/persistence"
	"github.com/basket/tasksync/internal/telemetry"
)

func runServe(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found; running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("no auth_token on non-loopback bind; any client that can reach the port may connect", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := tsotel.Init(ctx, tsotel.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,

		BindAddr:      cfg.BindAddr,
		DebounceDelay: cfg.DebounceDelay(),
		Bootstrap:     cfg.Bootstrap(),
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := tsotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetLogger(logger)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	recorder, err := audit.Open(cfg.HomeDir, store)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer recorder.Close()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		Operators:         cfg.Operators,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	h, err := hub.New(hub.Config{
		Storage:           store,
		Transport:         gw,
		Bus:               eventBus,
		Logger:            logger,
		Audit:             recorder,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		BootstrapDefaults: cfg.Bootstrap(),
		DebounceDelay:     cfg.DebounceDelay(),
	})
	if err != nil {
		fatalStartup(logger, "E_HUB_INIT", err)
	}
	gw.Attach(h)

	if err := h.Start(ctx); err != nil {
		fatalStartup(logger, "E_HUB_LOAD", err)
	}
	logger.Info("startup phase", "phase", "collections_loaded")

	// The run loop outlives ctx so shutdown can still flush through it.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan error, 1)
	go func() { hubDone <- h.Run(hubCtx) }()

	gw.Start(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	backups, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   logger,
		Schedule: cfg.Backup.Schedule,
		Dir:      cfg.Backup.Dir,
		Keep:     cfg.Backup.Keep,
	})
	if err != nil {
		// A bad schedule should not keep the server down.
		logger.Error("backup scheduler disabled", "error", err)
	}
	backups.Start(ctx)
	defer backups.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits to config.yaml need a restart", "error", err)
	} else {
		go watchConfig(watcher, gw, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	case err := <-hubDone:
		logger.Error("hub stopped unexpectedly", "error", err)
	}

	// Stop intake, then flush what the hub still holds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := h.Close(shutdownCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}
	stats := h.Stats()
	logger.Info("shutdown complete",
		"accepted", stats.Accepted, "denied", stats.Denied, "dropped", stats.Dropped, "flushes", stats.Flushes)
}

// watchConfig applies the settings that can change without a restart.
func watchConfig(w *config.Watcher, gw *gateway.Server, logger *slog.Logger) {
	for ev := range w.Events() {
		cfg, err := config.LoadFrom(filepath.Dir(ev.Path))
		if err != nil {
			logger.Error("config reload failed; keeping previous settings", "error", err)
			continue
		}
		gw.Reload(cfg.Operators, cfg.Fingerprint())
		logger.Info("config reloaded", "operators", len(cfg.Operators), "fingerprint", cfg.Fingerprint())
	}
}

