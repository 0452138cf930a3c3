package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/roostworks/gateway"
	"github.com/roostworks/gateway/messaging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	prometheusAddress := flag.String("prometheus", ":10000", "prometheus listen address")
	level := flag.String("level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	_ = godotenv.Load()

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(*level)); err != nil {
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configuration, err := gateway.NewConfigProviderFromPath(*configPath).GetConfig(ctx)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// The token never belongs in a config file that might get committed.
	if token := os.Getenv("BOT_TOKEN"); token != "" {
		configuration.BotToken = token
	}

	cluster, err := gateway.NewCluster(logger, configuration)
	if err != nil {
		logger.Error("Failed to create cluster", "error", err)
		os.Exit(1)
	}

	if configuration.Producer != nil && configuration.Producer.Enabled {
		producer, err := messaging.NewJetStreamProducer(ctx, configuration.Producer.Address, configuration.Producer.Channel)
		if err != nil {
			logger.Error("Failed to create producer", "error", err)
			os.Exit(1)
		}

		cluster.SetProducer(producer)
	}

	prometheusServer := &http.Server{
		Addr:              *prometheusAddress,
		Handler:           promhttp.Handler(),
		ReadTimeout:       time.Second * 10,
		ReadHeaderTimeout: time.Second * 10,
		WriteTimeout:      time.Second * 10,
		IdleTimeout:       time.Second * 10,
		ErrorLog:          slog.NewLogLogger(logger.With("service", "prometheus").Handler(), slog.LevelError),
	}

	go func() {
		err := prometheusServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Prometheus server failed", "error", err)
		}
	}()

	if err := cluster.Start(ctx); err != nil {
		logger.Error("Failed to start cluster", "error", err)
		os.Exit(1)
	}

	// Drain events and errors so the cluster never stalls. A real consumer
	// would hand these off to its own pipeline.
	go func() {
		for event := range cluster.Events() {
			logger.Debug("Received event", "shard_id", event.ShardID, "event_type", event.Payload.Type)
		}
	}()

	go func() {
		for err := range cluster.Errors() {
			logger.Error("Cluster error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*15)
	defer shutdownCancel()

	if err := cluster.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down cleanly", "error", err)
	}

	_ = prometheusServer.Shutdown(shutdownCtx)
}
