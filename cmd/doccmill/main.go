// Entry point for the doccmill conversion service — chi router, shield
// middleware stack, SQLite observability sinks.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/doccmill/convsvc"
	"github.com/hazyhaar/doccmill/dbopen"
	"github.com/hazyhaar/doccmill/observability"
	"github.com/hazyhaar/doccmill/shield"
	_ "modernc.org/sqlite"
)

func main() {
	cfgPath := env("CONFIG", "")

	var cfg *convsvc.Config
	var err error
	if cfgPath != "" {
		cfg, err = convsvc.LoadConfig(cfgPath)
		if err != nil {
			slog.Error("load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	} else {
		cfg = convsvc.DefaultConfig()
	}
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("TOOL_PATH"); v != "" {
		cfg.Tool.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability DB — metrics, security events, conversion log, heartbeats.
	obsDB, err := dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()

	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	if err := shield.Init(obsDB); err != nil {
		slog.Error("shield init", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetricsManager(obsDB, 200, 10*time.Second)
	defer metrics.Close()

	secLog := observability.NewSecurityLogger(obsDB, 100)
	defer secLog.Close()

	convLog := observability.NewConversionLogger(obsDB)

	hb := observability.NewHeartbeatWriter(obsDB, "doccmill", 30*time.Second)
	hb.Start(ctx)
	defer hb.Stop()

	// Conversion service.
	svc, err := convsvc.New(cfg,
		convsvc.WithLogger(logger),
		convsvc.WithMetrics(metrics),
		convsvc.WithSecurityLog(secLog),
		convsvc.WithConversionLog(convLog),
	)
	if err != nil {
		slog.Error("service", "error", err)
		os.Exit(1)
	}

	// Sweep orphaned workspaces from earlier runs before accepting uploads.
	if swept, err := svc.SweepWorkspaces(); err != nil {
		slog.Warn("startup sweep", "error", err)
	} else if swept > 0 {
		slog.Info("startup sweep", "removed", swept)
	}

	// Router.
	r := chi.NewRouter()
	stack, rl := shield.DefaultStack(obsDB, "/v1/health")
	for _, mw := range stack {
		r.Use(mw)
	}
	rl.StartReloader(ctx.Done())

	r.Mount("/", svc.Routes())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads run the full pipeline before the response starts.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "tool", cfg.Tool.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
