package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/3xpluto/go-request-gate/internal/config"
	"github.com/3xpluto/go-request-gate/internal/logging"
	"github.com/3xpluto/go-request-gate/internal/observability"
)

func main() {
	var (
		configPath     = flag.String("config", "./config/gate.example.yaml", "path to config yaml")
		validateConfig = flag.Bool("validate-config", false, "validate config and exit")
	)
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *validateConfig {
		log.Info("config valid", slog.String("path", *configPath))
		return
	}

	if log, err = logging.FromConfig(cfg.Logging); err != nil {
		logging.New().Error("logger setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tp, err := observability.Setup(cfg.Tracing, version())
	if err != nil {
		log.Error("tracing setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	adminKey := os.Getenv("GATE_ADMIN_KEY")
	if adminKey == "" {
		log.Warn("GATE_ADMIN_KEY not set; admin endpoints will return 404")
	}

	gk, err := build(cfg, log, reg, adminKey)
	if err != nil {
		log.Error("gate setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer gk.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gk.handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("gatekeeper listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("upstream", cfg.Upstream.URL),
			slog.String("store", cfg.Store.Backend),
			slog.String("identity_mode", cfg.Identity.Mode),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", slog.String("error", err.Error()))
	}
	log.Info("shutdown complete")
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
