package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"web/clustermap/cluster"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
	"web/clustermap/runner"
)

// GatewayOptions configures NewGateway.
type GatewayOptions struct {
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	RateLimit  int
	RateWindow time.Duration
	// DefaultID is served by /api/clusters until an index is built or loaded.
	DefaultID string
}

// Gateway translates HTTP requests into calls on a remote index service.
type Gateway struct {
	svc runner.Service
	log *logger.Logger

	mu        sync.RWMutex
	defaultID string
}

// NewGateway returns the HTTP handler of the gateway.
func NewGateway(svc runner.Service, opts GatewayOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	g := &Gateway{
		svc:       svc,
		log:       opts.Logger.WithField("component", "gateway"),
		defaultID: opts.DefaultID,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(g.log, opts.Metrics), cors())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	limited := NewRateLimiter(opts.RateLimit, opts.RateWindow).Middleware(opts.Metrics)

	api := r.Group("/api")
	api.GET("/indexes", g.handleList)
	api.POST("/indexes", limited, g.handleBuild)
	api.POST("/indexes/:id/load", limited, g.handleLoad)
	api.GET("/indexes/:id/clusters", func(c *gin.Context) { g.handleClusters(c, c.Param("id")) })
	api.GET("/indexes/:id/clusters/:cid/leaves", g.handleLeaves)
	api.GET("/clusters", func(c *gin.Context) {
		id := g.DefaultID()
		if id == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "No indexes available"})
			return
		}
		g.handleClusters(c, id)
	})
	return r
}

// DefaultID returns the most recently built or loaded index.
func (g *Gateway) DefaultID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultID
}

func (g *Gateway) setDefault(id string) {
	g.mu.Lock()
	g.defaultID = id
	g.mu.Unlock()
}

// grpcStatus maps a remote error onto an HTTP status.
func grpcStatus(err error) int {
	switch status.Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusBadGateway
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (g *Gateway) fail(c *gin.Context, err error) {
	code := grpcStatus(err)
	if code >= http.StatusInternalServerError {
		g.log.WithError(err).Error("index service call failed")
	}
	msg := err.Error()
	if s, ok := status.FromError(err); ok {
		msg = s.Message()
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func (g *Gateway) handleList(c *gin.Context) {
	resp, err := g.svc.List(c.Request.Context(), &runner.ListRequest{})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": g.DefaultID(), "indexes": resp.Indexes})
}

func (g *Gateway) handleBuild(c *gin.Context) {
	var req runner.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	resp, err := g.svc.Build(c.Request.Context(), &req)
	if err != nil {
		g.fail(c, err)
		return
	}
	g.setDefault(resp.Index.ID)
	c.JSON(http.StatusCreated, resp)
}

func (g *Gateway) handleLoad(c *gin.Context) {
	id := c.Param("id")
	resp, err := g.svc.Load(c.Request.Context(), &runner.LoadRequest{ID: id})
	if err != nil {
		g.fail(c, err)
		return
	}
	g.setDefault(id)
	c.JSON(http.StatusOK, gin.H{
		"message": "Index loaded successfully",
		"index":   resp.Index,
	})
}

func (g *Gateway) handleClusters(c *gin.Context, id string) {
	req := &runner.ClustersRequest{ID: id}
	if k := c.Query("k"); k != "" {
		scale, err := strconv.ParseFloat(k, 64)
		if err != nil || scale <= 0 {
			badRequest(c, "invalid k parameter")
			return
		}
		req.Scale = scale
	} else {
		zoom, err := strconv.Atoi(c.Query("zoom"))
		if err != nil {
			badRequest(c, "invalid zoom parameter")
			return
		}
		req.Zoom = zoom
	}
	bound, ok, err := boundsFromQuery(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !ok {
		bound = World
	}
	req.Bound = runner.Bound{West: bound.Min[0], South: bound.Min[1], East: bound.Max[0], North: bound.Max[1]}

	resp, err := g.svc.Clusters(c.Request.Context(), req)
	if err != nil {
		g.fail(c, err)
		return
	}
	fc := geojson.NewFeatureCollection()
	for _, f := range resp.Features {
		fc.Append(feature(resultFromWire(f)))
	}
	c.JSON(http.StatusOK, fc)
}

func resultFromWire(f runner.Feature) cluster.Result {
	r := cluster.Result{
		ID:      f.ID,
		Cluster: f.Cluster,
		Lon:     f.Lon,
		Lat:     f.Lat,
		Count:   f.Count,
		Counts:  f.Counts,
	}
	if !f.Cluster {
		r.Point = cluster.Point{Lon: f.Lon, Lat: f.Lat, Category: f.Dominant, Index: f.Index}
	}
	return r
}

func (g *Gateway) handleLeaves(c *gin.Context) {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil {
		badRequest(c, "invalid cluster id")
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
	resp, err := g.svc.Leaves(c.Request.Context(), &runner.LeavesRequest{
		ID:        c.Param("id"),
		ClusterID: cid,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusterId": cid, "leaves": resp.Points})
}
