// Package main starts the sandbox attribution gateway: configuration,
// logging, Postgres, the attribution service, metrics and the HTTP(S)
// listener.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atinyakov/shinara-go/internal/config"
	"github.com/atinyakov/shinara-go/internal/db"
	"github.com/atinyakov/shinara-go/internal/logger"
	"github.com/atinyakov/shinara-go/internal/metrics"
	"github.com/atinyakov/shinara-go/internal/repository"
	"github.com/atinyakov/shinara-go/internal/server/handler/http"
	"github.com/atinyakov/shinara-go/internal/service"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	options, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	db.StartAppOpenCleaner(ctx, postgresDB, pruneInterval, time.Duration(options.Retention), zapLogger)

	repo := repository.NewPostgresAttributionRepository(postgresDB)
	attributionService := service.NewAttributionService(repo)
	if err := attributionService.Seed(ctx, options.Apps); err != nil {
		zapLogger.Fatal("cannot seed apps", zap.Error(err))
	}

	metrics.Register(prometheus.DefaultRegisterer)

	gatewayHandler := &http.GatewayHandler{Service: attributionService, Log: zapLogger}
	router := http.NewRouter(gatewayHandler, promhttp.Handler(), zapLogger)

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if options.CertFile == "" {
			zapLogger.Info("starting HTTP server", zap.String("addr", options.Port))
			serveErr <- server.ListenAndServe()
			return
		}
		zapLogger.Info("starting HTTPS server", zap.String("addr", options.Port))
		serveErr <- server.ListenAndServeTLS(options.CertFile, options.KeyFile)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			zapLogger.Fatal("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		zapLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("graceful shutdown failed", zap.Error(err))
		}
	}
}
