// cmd/attestd/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attestkit/attest-go/internal/config"
	"github.com/attestkit/attest-go/internal/registry"
	"github.com/attestkit/attest-go/internal/server"
	"github.com/attestkit/attest-go/internal/storage"
	"github.com/attestkit/attest-go/internal/verifier"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var store storage.DocumentStore
	switch cfg.StoreBackend {
	case "memory":
		store = storage.NewMemory()
	case "postgres":
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("postgres store init failed", "error", err)
			os.Exit(1)
		}
	default:
		store = storage.NewFile(cfg.StorePath)
	}

	web, err := registry.NewWebAuthn(cfg.RPID, cfg.RPName, cfg.RPOrigin)
	if err != nil {
		logger.Error("relying party config invalid", "error", err)
		os.Exit(1)
	}

	reg := registry.New(store, web, cfg.ChallengeTTL, logger)
	if err := reg.Load(context.Background()); err != nil {
		logger.Error("initial registry load failed", "error", err)
		os.Exit(1)
	}

	ver := verifier.New(web, cfg.ReplayWindow, logger)

	handler, err := server.New(cfg, reg, ver, store, logger)
	if err != nil {
		logger.Error("handler init failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           server.NewMetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listener starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		logger.Info("attestd starting", "addr", srv.Addr, "env", cfg.Env, "store", cfg.StoreBackend, "rpId", cfg.RPID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("shutdown complete")
	}
}
