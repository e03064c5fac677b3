package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"web/clustermap/internal/config"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
	"web/clustermap/runner"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to $CLUSTERMAP_CONFIG)")
	port := flag.Int("port", 0, "The gRPC server port (overrides runner.grpc_addr)")
	maxIndexes := flag.Int("max-indexes", 0, "Maximum number of indexes to keep in memory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Service = "clustermap-runner"
	log := logger.New(cfg.Logging)

	addr := cfg.Runner.GRPCAddr
	if *port > 0 {
		addr = fmt.Sprintf(":%d", *port)
	}
	if *maxIndexes > 0 {
		cfg.Runner.MaxIndexes = *maxIndexes
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Fatalf("failed to listen on %s", addr)
	}

	r, err := runner.New(runner.Config{
		Dir:             cfg.Data.SnapshotDir,
		MaxIndexes:      cfg.Runner.MaxIndexes,
		IdleTimeout:     cfg.Runner.IdleTimeout,
		CleanupInterval: cfg.Runner.CleanupInterval,
		Options:         cfg.Cluster,
		SourceDir:       cfg.Runner.SourceDir,
		SourceURLs:      cfg.Runner.SourceURLs,
		MaxPoints:       cfg.Runner.MaxPoints,
	}, log, metrics.New(prometheus.DefaultRegisterer))
	if err != nil {
		log.WithError(err).Fatalf("failed to create runner")
	}
	defer r.Close()

	s := grpc.NewServer()
	runner.Register(s, r)

	// Enable reflection for debugging
	reflection.Register(s)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("shutting down gRPC server")
		s.GracefulStop()
	}()

	log.WithFields(map[string]interface{}{
		"addr":        addr,
		"max_indexes": cfg.Runner.MaxIndexes,
		"dir":         cfg.Data.SnapshotDir,
	}).Info("starting gRPC server")
	if err := s.Serve(lis); err != nil {
		log.WithError(err).Fatalf("failed to serve")
	}
}
