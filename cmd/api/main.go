package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"web/clustermap/internal/config"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
	"web/clustermap/runner"
	"web/clustermap/server"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to $CLUSTERMAP_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Service = "clustermap-api"
	log := logger.New(cfg.Logging)
	gin.SetMode(gin.ReleaseMode)

	// Connect to the index runner
	client, err := runner.Dial(cfg.Runner.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatalf("failed to connect to index runner")
	}
	defer client.Close()

	// Use the most recent snapshot as default
	var defaultID string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if resp, err := client.List(ctx, &runner.ListRequest{}); err == nil && len(resp.Indexes) > 0 {
		defaultID = resp.Indexes[0].ID
	} else if err != nil {
		log.WithError(err).Warn("could not list indexes, starting without a default")
	}
	cancel()

	m := metrics.New(prometheus.DefaultRegisterer)
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.NewGateway(client, server.GatewayOptions{
			Logger:     log,
			Metrics:    m,
			Gatherer:   prometheus.DefaultGatherer,
			RateLimit:  cfg.Server.RateLimit,
			RateWindow: cfg.Server.RateWindow,
			DefaultID:  defaultID,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"addr":    cfg.Server.Addr,
			"runner":  cfg.Runner.GRPCAddr,
			"default": defaultID,
		}).Info("starting API gateway")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatalf("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down API gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
