package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"web/clustermap/internal/config"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
	"web/clustermap/render"
	"web/clustermap/runner"
	"web/clustermap/server"
	"web/clustermap/source"
	"web/clustermap/viewport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "clustermap",
		Short:         "Clustered point map renderer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $CLUSTERMAP_CONFIG)")
	root.AddCommand(newServeCommand(), newBuildCommand(), newExportCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config and a logger writing to out (stdout when nil).
func loadConfig(service string, out io.Writer) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Logging.Service = service
	cfg.Logging.Output = out
	return cfg, logger.New(cfg.Logging), nil
}

func newViewport(cfg config.ViewConfig) *viewport.Viewport {
	if cfg.Projection == "mercator" {
		return viewport.New(viewport.NewWebMercator(cfg.Width, cfg.Height), cfg.Width, cfg.Height,
			viewport.WithFallback(server.World))
	}
	return viewport.New(viewport.NewAlbersUSA(cfg.Width, cfg.Height), cfg.Width, cfg.Height)
}

func newServeCommand() *cobra.Command {
	var (
		addr    string
		indexID string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the configured data sources and serve the map over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("clustermap", nil)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg, log, indexID)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().StringVar(&indexID, "index", "", "snapshot id to show instead of building from data.points")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, indexID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	gin.SetMode(gin.ReleaseMode)

	m := metrics.New(prometheus.DefaultRegisterer)
	vp := newViewport(cfg.View)
	svg := render.NewSVGSurface(cfg.View.Width, cfg.View.Height)
	events := server.NewEventLog(0)
	countiesNeeded := make(chan struct{}, 1)
	ctrl := render.NewController(vp, svg,
		render.WithSink(events),
		render.WithLogger(log),
		render.WithMetrics(m),
		render.WithCountyLoader(func() {
			select {
			case countiesNeeded <- struct{}{}:
			default:
			}
		}),
	)
	defer ctrl.Close()

	r, err := runner.New(runner.Config{
		Dir:             cfg.Data.SnapshotDir,
		MaxIndexes:      cfg.Runner.MaxIndexes,
		IdleTimeout:     cfg.Runner.IdleTimeout,
		CleanupInterval: cfg.Runner.CleanupInterval,
		Options:         cfg.Cluster,
		SourceDir:       cfg.Runner.SourceDir,
		SourceURLs:      cfg.Runner.SourceURLs,
		MaxPoints:       cfg.Runner.MaxPoints,
	}, log, m)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	defer r.Close()

	loader := &source.Loader{
		PointsURI:   cfg.Data.Points,
		DetailsURI:  cfg.Data.Details,
		BaseMapURI:  cfg.Data.BaseMap,
		DensityURI:  cfg.Data.Density,
		CountiesURI: cfg.Data.Counties,
		Options:     cfg.Cluster,
		Client:      source.DefaultClient,
		Log:         log.WithField("component", "loader"),
		Metrics:     m,
	}
	if indexID != "" {
		idx, info, err := r.Get(indexID)
		if err != nil {
			return fmt.Errorf("failed to load snapshot %s: %w", indexID, err)
		}
		log.WithFields(map[string]interface{}{"index": info.ID, "points": info.NumPoints}).Info("showing snapshot")
		ctrl.SetIndex(idx)
		loader.PointsURI = ""
	}

	srv := server.New(server.Options{
		Controller: ctrl,
		SVG:        svg,
		Runner:     r,
		Events:     events,
		Logger:     log,
		Metrics:    m,
		Gatherer:   prometheus.DefaultGatherer,
		RateLimit:  cfg.Server.RateLimit,
		RateWindow: cfg.Server.RateWindow,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report := loader.Load(ctx, ctrl)
		log.WithFields(map[string]interface{}{
			"points":   report.Points,
			"invalid":  report.Invalid,
			"details":  report.Details,
			"regions":  report.Regions,
			"density":  report.Density,
			"failures": len(report.Failures),
		}).Info("data sources settled")
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-countiesNeeded:
			loader.LoadCounties(ctx, ctrl)
		}
		return nil
	})
	g.Go(func() error {
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ctrl.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
