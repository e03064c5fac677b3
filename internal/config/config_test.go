package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		FileEnv, "CLUSTERMAP_ADDR", "CLUSTERMAP_RATE_LIMIT", "CLUSTERMAP_GRPC_ADDR",
		"CLUSTERMAP_MAX_INDEXES", "CLUSTERMAP_POINTS", "CLUSTERMAP_DETAILS",
		"CLUSTERMAP_BASEMAP", "CLUSTERMAP_SNAPSHOT_DIR", "CLUSTERMAP_PROJECTION",
		"CLUSTERMAP_MAX_ZOOM", "CLUSTERMAP_RADIUS", "CLUSTERMAP_SOURCE_DIR",
		"CLUSTERMAP_MAX_POINTS", "CLUSTERMAP_COUNTIES", "CLUSTERMAP_DENSITY",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "clustermap.yaml")
	yml := `
server:
  addr: ":9000"
  rate_window: 30s
runner:
  max_indexes: 3
  idle_timeout: 10m
  source_urls:
    - https://data.example.com/points/
data:
  points: data/points.json
  counties: data/counties.geojson
view:
  projection: mercator
cluster:
  radius: 60
  max_zoom: 14
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.RateWindow)
	assert.Equal(t, 10, cfg.Server.RateLimit, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Runner.MaxIndexes)
	assert.Equal(t, 10*time.Minute, cfg.Runner.IdleTimeout)
	assert.Equal(t, []string{"https://data.example.com/points/"}, cfg.Runner.SourceURLs)
	assert.Equal(t, "data/sources", cfg.Runner.SourceDir)
	assert.Equal(t, "data/points.json", cfg.Data.Points)
	assert.Equal(t, "data/counties.geojson", cfg.Data.Counties)
	assert.Equal(t, "mercator", cfg.View.Projection)
	assert.Equal(t, 60.0, cfg.Cluster.Radius)
	assert.Equal(t, 14, cfg.Cluster.MaxZoom)
	assert.Equal(t, 512, cfg.Cluster.Extent)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clustermap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644))

	clearEnv(t)
	t.Setenv(FileEnv, path)
	t.Setenv("CLUSTERMAP_ADDR", ":7000")
	t.Setenv("CLUSTERMAP_RADIUS", "25.5")
	t.Setenv("CLUSTERMAP_MAX_INDEXES", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 25.5, cfg.Cluster.Radius)
	assert.Equal(t, 10, cfg.Runner.MaxIndexes)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	tests := map[string]string{
		"malformed":  "server: [",
		"projection": "view:\n  projection: lambert\n",
		"zoom":       "cluster:\n  max_zoom: 30\n",
		"size":       "view:\n  width: -1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
