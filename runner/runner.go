// Package runner holds built cluster indexes in memory, persists them as
// snapshots and serves them over gRPC.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"web/clustermap/cluster"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
	"web/clustermap/source"
)

// DefaultMaxPoints caps generated builds when Config.MaxPoints is unset.
const DefaultMaxPoints = 2_000_000

// Config controls how many indexes a Runner keeps and for how long, and
// which sources a build request may read.
type Config struct {
	Dir             string
	MaxIndexes      int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	Options         cluster.Options

	// SourceDir holds the point files build requests may name, as paths
	// relative to it. Empty rejects file sources.
	SourceDir string
	// SourceURLs are the URL prefixes build requests may fetch from.
	SourceURLs []string
	// AllowAnySource lets requests name any path or URL. Only trusted
	// callers such as the CLI set it.
	AllowAnySource bool
	MaxPoints      int
}

type entry struct {
	idx          *cluster.Index
	info         IndexInfo
	lastAccessed time.Time
}

// Runner caches up to MaxIndexes loaded indexes, evicting the least
// recently used one, and drops indexes idle for longer than IdleTimeout.
type Runner struct {
	store   *Store
	cfg     Config
	client  *http.Client
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	indexes map[string]*entry

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, log *logger.Logger, m *metrics.Metrics) (*Runner, error) {
	if cfg.MaxIndexes <= 0 {
		cfg.MaxIndexes = 1
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = DefaultMaxPoints
	}
	store, err := NewStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	r := &Runner{
		store:   store,
		cfg:     cfg,
		client:  source.DefaultClient,
		log:     log.WithField("component", "runner"),
		metrics: m,
		now:     time.Now,
		indexes: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 && cfg.IdleTimeout > 0 {
		go r.cleanupInactiveIndexes()
	} else {
		close(r.done)
	}
	return r, nil
}

// Close stops the cleanup loop.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

// Store returns the snapshot store backing r.
func (r *Runner) Store() *Store { return r.store }

func (r *Runner) cleanupInactiveIndexes() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.Cleanup(); n > 0 {
				r.log.WithField("evicted", n).Info("dropped idle indexes")
			}
		}
	}
}

// Cleanup drops indexes idle for longer than IdleTimeout and reports how
// many were dropped.
func (r *Runner) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var n int
	for id, e := range r.indexes {
		if now.Sub(e.lastAccessed) > r.cfg.IdleTimeout {
			delete(r.indexes, id)
			r.metrics.IncIndexEvictions()
			n++
		}
	}
	r.metrics.SetIndexesLoaded(len(r.indexes))
	return n
}

// addLocked caches idx, evicting the least recently used index when full.
func (r *Runner) addLocked(idx *cluster.Index, info IndexInfo) {
	if _, ok := r.indexes[info.ID]; !ok && len(r.indexes) >= r.cfg.MaxIndexes {
		var (
			oldestID   string
			oldestTime time.Time
		)
		for id, e := range r.indexes {
			if oldestID == "" || e.lastAccessed.Before(oldestTime) {
				oldestID, oldestTime = id, e.lastAccessed
			}
		}
		delete(r.indexes, oldestID)
		r.metrics.IncIndexEvictions()
		r.log.WithField("index", oldestID).Debug("evicted least recently used index")
	}
	r.indexes[info.ID] = &entry{idx: idx, info: info, lastAccessed: r.now()}
	r.metrics.SetIndexesLoaded(len(r.indexes))
}

// Get returns index id, loading it from its snapshot if needed.
func (r *Runner) Get(id string) (*cluster.Index, IndexInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.indexes[id]; ok {
		e.lastAccessed = r.now()
		return e.idx, e.info, nil
	}

	start := time.Now()
	idx, info, err := r.store.Open(id)
	if err != nil {
		return nil, IndexInfo{}, err
	}
	r.log.WithFields(map[string]interface{}{
		"index":    id,
		"points":   idx.Len(),
		"duration": time.Since(start).String(),
	}).Info("loaded index snapshot")
	r.addLocked(idx, info)
	return idx, info, nil
}

// Loaded returns the sorted ids currently held in memory.
func (r *Runner) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.indexes))
	for id := range r.indexes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Build builds an index from req.Source, or from NumPoints generated points
// when no source is given, saves it and keeps it loaded.
func (r *Runner) Build(ctx context.Context, req *BuildRequest) (*BuildResponse, error) {
	var (
		points []cluster.Point
		err    error
	)
	switch {
	case req.Source != "":
		uri, err := r.resolveSource(req.Source)
		if err != nil {
			return nil, err
		}
		points, err = source.LoadPoints(ctx, r.client, uri)
		if err != nil {
			if r.cfg.AllowAnySource {
				return nil, err
			}
			r.log.WithError(err).WithField("source", req.Source).Warn("build source failed")
			return nil, fmt.Errorf("%w: source %q could not be loaded", ErrInvalidRequest, req.Source)
		}
	case req.NumPoints > r.cfg.MaxPoints:
		return nil, fmt.Errorf("%w: numPoints must be at most %d", ErrInvalidRequest, r.cfg.MaxPoints)
	case req.NumPoints > 0:
		bound := cluster.ContinentalUS
		if req.Bound != nil {
			bound = req.Bound.Bound()
		}
		points = cluster.GenerateTestPoints(req.NumPoints, bound, req.Seed)
	default:
		return nil, fmt.Errorf("%w: either source or numPoints is required", ErrInvalidRequest)
	}

	options := r.cfg.Options
	if req.Options != nil {
		options = *req.Options
	}

	start := time.Now()
	idx, errs := cluster.Build(points, options)
	r.metrics.ObserveBuild(time.Since(start), idx.Len(), len(errs))

	info, err := r.store.Save(idx)
	if err != nil {
		return nil, err
	}
	r.log.WithFields(map[string]interface{}{
		"index":    info.ID,
		"points":   info.NumPoints,
		"invalid":  len(errs),
		"size":     info.Size,
		"duration": time.Since(start).String(),
	}).Info("built index")

	r.mu.Lock()
	r.addLocked(idx, info)
	r.mu.Unlock()
	return &BuildResponse{Index: info, Invalid: len(errs)}, nil
}

// resolveSource maps a requested source to the path or URL to load. URLs
// must match a SourceURLs prefix and paths must stay inside SourceDir.
func (r *Runner) resolveSource(src string) (string, error) {
	if r.cfg.AllowAnySource {
		return src, nil
	}
	if source.IsURL(src) {
		u, err := url.Parse(src)
		if err == nil {
			for _, prefix := range r.cfg.SourceURLs {
				p, perr := url.Parse(prefix)
				if perr != nil || p.Host == "" {
					continue
				}
				if u.Scheme == p.Scheme && u.Host == p.Host && strings.HasPrefix(u.Path, p.Path) {
					return src, nil
				}
			}
		}
		return "", fmt.Errorf("%w: source URL not allowed", ErrInvalidRequest)
	}
	if r.cfg.SourceDir == "" || !filepath.IsLocal(src) {
		return "", fmt.Errorf("%w: source path not allowed", ErrInvalidRequest)
	}
	return filepath.Join(r.cfg.SourceDir, src), nil
}

func (r *Runner) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	_, info, err := r.Get(req.ID)
	if err != nil {
		return nil, err
	}
	return &LoadResponse{Index: info}, nil
}

func (r *Runner) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	infos, err := r.store.List()
	if err != nil {
		return nil, err
	}
	return &ListResponse{Indexes: infos}, nil
}

// Clusters queries index req.ID. A positive Scale picks the zoom from the
// continuous scale factor instead of Zoom.
func (r *Runner) Clusters(ctx context.Context, req *ClustersRequest) (*ClustersResponse, error) {
	idx, _, err := r.Get(req.ID)
	if err != nil {
		return nil, err
	}
	zoom := req.Zoom
	if req.Scale > 0 {
		zoom = cluster.ZoomForScale(req.Scale, idx.Options.MaxZoom)
	}

	start := time.Now()
	results := idx.Clusters(req.Bound.Bound(), zoom)
	r.metrics.ObserveQuery(time.Since(start), len(results))

	features := make([]Feature, len(results))
	for i, res := range results {
		features[i] = NewFeature(res)
	}
	return &ClustersResponse{Zoom: zoom, Features: features}, nil
}

func (r *Runner) Leaves(ctx context.Context, req *LeavesRequest) (*LeavesResponse, error) {
	idx, _, err := r.Get(req.ID)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > MaxLeaves {
		limit = MaxLeaves
	}
	leaves, err := idx.Leaves(req.ClusterID, limit, max(0, req.Offset))
	if err != nil {
		return nil, err
	}
	return &LeavesResponse{Points: leaves}, nil
}

// ErrInvalidRequest marks requests rejected before any work is done.
var ErrInvalidRequest = errors.New("invalid request")

// Bound is a geographic bounding box on the wire.
type Bound struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

func (b Bound) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}
