// Package config loads clustermap settings from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"web/clustermap/cluster"
	"web/clustermap/internal/logger"
)

// FileEnv names the environment variable pointing at the YAML config file.
const FileEnv = "CLUSTERMAP_CONFIG"

type Config struct {
	Server  ServerConfig    `yaml:"server"`
	Runner  RunnerConfig    `yaml:"runner"`
	Data    DataConfig      `yaml:"data"`
	View    ViewConfig      `yaml:"view"`
	Cluster cluster.Options `yaml:"cluster"`
	Logging logger.Config   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RateLimit requests per RateWindow on mutating routes, per client.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

type RunnerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	MaxIndexes      int           `yaml:"max_indexes"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// SourceDir and SourceURLs limit what remote build requests may read.
	SourceDir  string   `yaml:"source_dir"`
	SourceURLs []string `yaml:"source_urls"`
	MaxPoints  int      `yaml:"max_points"`
}

// DataConfig names the independently loaded sources. Each is a file path or
// an http(s) URL; empty disables the source. Counties are fetched only once
// the view zooms in far enough to show them.
type DataConfig struct {
	Points      string `yaml:"points"`
	Details     string `yaml:"details"`
	BaseMap     string `yaml:"basemap"`
	Counties    string `yaml:"counties"`
	Density     string `yaml:"density"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

type ViewConfig struct {
	Width      float64 `yaml:"width"`
	Height     float64 `yaml:"height"`
	Projection string  `yaml:"projection"` // albers or mercator
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":8000",
			RateLimit:  10,
			RateWindow: time.Minute,
		},
		Runner: RunnerConfig{
			GRPCAddr:        "localhost:50051",
			MaxIndexes:      10,
			IdleTimeout:     30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			SourceDir:       "data/sources",
			MaxPoints:       2_000_000,
		},
		Data: DataConfig{
			SnapshotDir: "data/indexes",
		},
		View: ViewConfig{
			Width:      960,
			Height:     600,
			Projection: "albers",
		},
		Cluster: cluster.DefaultOptions(),
		Logging: logger.Config{Level: "info", Format: "text", Service: "clustermap"},
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment overrides. An empty path uses $CLUSTERMAP_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(FileEnv)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Addr = getEnv("CLUSTERMAP_ADDR", c.Server.Addr)
	c.Server.RateLimit = getIntEnv("CLUSTERMAP_RATE_LIMIT", c.Server.RateLimit)

	c.Runner.GRPCAddr = getEnv("CLUSTERMAP_GRPC_ADDR", c.Runner.GRPCAddr)
	c.Runner.MaxIndexes = getIntEnv("CLUSTERMAP_MAX_INDEXES", c.Runner.MaxIndexes)
	c.Runner.SourceDir = getEnv("CLUSTERMAP_SOURCE_DIR", c.Runner.SourceDir)
	c.Runner.MaxPoints = getIntEnv("CLUSTERMAP_MAX_POINTS", c.Runner.MaxPoints)

	c.Data.Points = getEnv("CLUSTERMAP_POINTS", c.Data.Points)
	c.Data.Details = getEnv("CLUSTERMAP_DETAILS", c.Data.Details)
	c.Data.BaseMap = getEnv("CLUSTERMAP_BASEMAP", c.Data.BaseMap)
	c.Data.Counties = getEnv("CLUSTERMAP_COUNTIES", c.Data.Counties)
	c.Data.Density = getEnv("CLUSTERMAP_DENSITY", c.Data.Density)
	c.Data.SnapshotDir = getEnv("CLUSTERMAP_SNAPSHOT_DIR", c.Data.SnapshotDir)

	c.View.Projection = getEnv("CLUSTERMAP_PROJECTION", c.View.Projection)

	c.Cluster.MaxZoom = getIntEnv("CLUSTERMAP_MAX_ZOOM", c.Cluster.MaxZoom)
	c.Cluster.Radius = getFloatEnv("CLUSTERMAP_RADIUS", c.Cluster.Radius)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.View.Projection {
	case "albers", "mercator":
	default:
		return fmt.Errorf("unknown projection %q", c.View.Projection)
	}
	if c.View.Width <= 0 || c.View.Height <= 0 {
		return fmt.Errorf("view size must be positive, got %gx%g", c.View.Width, c.View.Height)
	}
	if c.Cluster.MaxZoom < 0 || c.Cluster.MaxZoom > 24 {
		return fmt.Errorf("max_zoom must be in [0, 24], got %d", c.Cluster.MaxZoom)
	}
	if c.Cluster.Radius <= 0 {
		return fmt.Errorf("radius must be positive, got %g", c.Cluster.Radius)
	}
	if c.Runner.MaxPoints < 1 {
		return fmt.Errorf("max_points must be positive, got %d", c.Runner.MaxPoints)
	}
	if c.Server.RateLimit < 0 || c.Runner.MaxIndexes < 1 {
		return errors.New("rate_limit must be >= 0 and max_indexes >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
