// Package server exposes a map Controller and its indexes over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"web/clustermap/cluster"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
	"web/clustermap/render"
	"web/clustermap/runner"
)

// World is the bound used when a request names none.
var World = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

var (
	errNoIndex  = errors.New("no index loaded")
	errNoRunner = errors.New("index builds are not enabled")
)

type Options struct {
	Controller *render.Controller
	// SVG is the surface Controller draws on, served at /api/view.svg.
	SVG    *render.SVGSurface
	Runner *runner.Runner
	Events *EventLog

	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// RateLimit requests per RateWindow are allowed on mutating routes.
	RateLimit  int
	RateWindow time.Duration
}

type Server struct {
	opts   Options
	ctrl   *render.Controller
	log    *logger.Logger
	router *gin.Engine

	// viewMu serialises view actions so each response reports only the
	// events its own action caused.
	viewMu sync.Mutex

	mu       sync.RWMutex
	srv      *http.Server
	closed   bool
	activeID string
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Events == nil {
		opts.Events = NewEventLog(0)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}

	s := &Server{
		opts: opts,
		ctrl: opts.Controller,
		log:  opts.Logger.WithField("component", "server"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(s.log, opts.Metrics), cors())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	limited := NewRateLimiter(opts.RateLimit, opts.RateWindow).Middleware(opts.Metrics)

	api := r.Group("/api")
	api.GET("/clusters", s.handleClusters)
	api.GET("/clusters/:id/leaves", s.handleLeaves)
	api.GET("/clusters/:id/expansion-zoom", s.handleExpansionZoom)
	api.GET("/points/:index", s.handlePoint)
	api.GET("/points/:index/hover", s.handlePointHover)
	api.GET("/summary", s.handleSummary)
	api.GET("/export", s.handleExport)
	api.GET("/indexes", s.handleListIndexes)
	api.POST("/indexes", limited, s.handleBuildIndex)
	api.POST("/indexes/:id/load", limited, s.handleLoadIndex)
	api.GET("/view", s.handleView)
	api.GET("/view.svg", s.handleViewSVG)
	api.POST("/view/:action", s.handleViewAction)

	s.router = r
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.mu.Unlock()

	s.log.WithField("addr", addr).Info("starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server. A later Start returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ActiveIndex returns the id of the index last built or loaded through the API.
func (s *Server) ActiveIndex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, runner.ErrIndexNotFound), errors.Is(err, cluster.ErrClusterNotFound), errors.Is(err, errNoIndex):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNoRunner):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(httpStatus(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// boundsFromQuery parses north, south, east and west. ok is false when none
// of them is present.
func boundsFromQuery(c *gin.Context) (b orb.Bound, ok bool, err error) {
	keys := []string{"west", "south", "east", "north"}
	var present int
	for _, k := range keys {
		if c.Query(k) != "" {
			present++
		}
	}
	if present == 0 {
		return orb.Bound{}, false, nil
	}

	var v [4]float64
	for i, k := range keys {
		v[i], err = strconv.ParseFloat(c.Query(k), 64)
		if err != nil {
			return orb.Bound{}, false, fmt.Errorf("invalid %s parameter", k)
		}
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, true, nil
}

// zoomFromQuery reads zoom, or derives it from the scale factor k.
func zoomFromQuery(c *gin.Context, idx *cluster.Index) (int, error) {
	if k := c.Query("k"); k != "" {
		scale, err := strconv.ParseFloat(k, 64)
		if err != nil {
			return 0, errors.New("invalid k parameter")
		}
		return cluster.ZoomForScale(scale, idx.Options.MaxZoom), nil
	}
	zoom, err := strconv.Atoi(c.Query("zoom"))
	if err != nil {
		return 0, errors.New("invalid zoom parameter")
	}
	return zoom, nil
}

func (s *Server) index(c *gin.Context) (*cluster.Index, bool) {
	idx := s.ctrl.Index()
	if idx == nil {
		abort(c, errNoIndex)
		return nil, false
	}
	return idx, true
}

func (s *Server) handleClusters(c *gin.Context) {
	idx, ok := s.index(c)
	if !ok {
		return
	}
	zoom, err := zoomFromQuery(c, idx)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	bound, ok, err := boundsFromQuery(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !ok {
		bound = World
	}

	start := time.Now()
	results := idx.Clusters(bound, zoom)
	s.opts.Metrics.ObserveQuery(time.Since(start), len(results))

	fc := geojson.NewFeatureCollection()
	for _, r := range results {
		fc.Append(feature(r))
	}
	c.JSON(http.StatusOK, fc)
}

func feature(r cluster.Result) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{r.Lon, r.Lat})
	dominant := r.Dominant()
	f.Properties = geojson.Properties{
		"cluster":     r.Cluster,
		"point_count": r.Count,
		"counts":      r.Counts,
		"dominant":    dominant,
		"color":       render.CategoryColor(dominant),
		"radius":      cluster.MarkerRadius(r.Count),
	}
	if r.Cluster {
		f.ID = r.ID
		f.Properties["cluster_id"] = r.ID
		f.Properties["label"] = render.CountLabel(r.Count)
	} else {
		f.Properties["index"] = r.Point.Index
		f.Properties["category"] = r.Point.Category
		f.Properties["label"] = render.CategoryLabel(r.Point.Category)
	}
	return f
}

func clusterID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid cluster id")
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter", key)
	}
	return n, nil
}

func (s *Server) handleLeaves(c *gin.Context) {
	idx, ok := s.index(c)
	if !ok {
		return
	}
	id, ok := clusterID(c)
	if !ok {
		return
	}
	limit, err := intQuery(c, "limit", runner.MaxLeaves)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if limit == 0 || limit > runner.MaxLeaves {
		limit = runner.MaxLeaves
	}

	leaves, err := idx.Leaves(id, limit, offset)
	if err != nil {
		abort(c, err)
		return
	}
	details := s.ctrl.Details()
	out := make([]render.Selection, len(leaves))
	for i, p := range leaves {
		out[i] = render.SelectPoint(p, details)
	}
	c.JSON(http.StatusOK, gin.H{"clusterId": id, "leaves": out})
}

func (s *Server) handleExpansionZoom(c *gin.Context) {
	idx, ok := s.index(c)
	if !ok {
		return
	}
	id, ok := clusterID(c)
	if !ok {
		return
	}
	zoom, err := idx.ExpansionZoom(id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusterId": id, "zoom": zoom})
}

func pointIndex(c *gin.Context) (int32, bool) {
	i, err := strconv.ParseInt(c.Param("index"), 10, 32)
	if err != nil {
		badRequest(c, "invalid point index")
		return 0, false
	}
	return int32(i), true
}

func (s *Server) handlePoint(c *gin.Context) {
	i, ok := pointIndex(c)
	if !ok {
		return
	}
	sel, ok := s.ctrl.SelectIndex(i)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "point not found"})
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (s *Server) handlePointHover(c *gin.Context) {
	i, ok := pointIndex(c)
	if !ok {
		return
	}
	h, ok := s.ctrl.DescribeIndex(i)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "point not found"})
		return
	}
	c.JSON(http.StatusOK, h)
}

// handleSummary summarises the given bounds and zoom, or the current view
// when no bounds are given.
func (s *Server) handleSummary(c *gin.Context) {
	bound, ok, err := boundsFromQuery(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !ok {
		c.JSON(http.StatusOK, s.ctrl.Summary())
		return
	}
	idx, ok := s.index(c)
	if !ok {
		return
	}
	zoom, err := zoomFromQuery(c, idx)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, cluster.Summarize(idx.Clusters(bound, zoom)))
}

func (s *Server) handleExport(c *gin.Context) {
	idx, ok := s.index(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "csv" {
		badRequest(c, "format must be csv or json")
		return
	}
	limit, err := intQuery(c, "limit", DefaultExportLimit)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	bound, ok, err := boundsFromQuery(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !ok {
		bound = s.ctrl.Frame().Bounds
		if bound.IsZero() || bound.IsEmpty() {
			bound = World
		}
	}

	rows := ExportRows(idx, s.ctrl.Details(), bound, limit)
	if format == "json" {
		c.Header("Content-Disposition", `attachment; filename="clustermap-points.json"`)
		c.JSON(http.StatusOK, rows)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="clustermap-points.csv"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if err := WriteCSV(c.Writer, rows); err != nil {
		s.log.WithError(err).Warn("failed to write export")
	}
}
