package render

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"web/clustermap/basemap"
	"web/clustermap/cluster"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
	"web/clustermap/source"
	"web/clustermap/viewport"
)

// DefaultFrameInterval paces animation ticks in Run.
const DefaultFrameInterval = 16 * time.Millisecond

const regionKeyPrefix = "region:"

// Frame describes the last rendered frame.
type Frame struct {
	Seq      uint64    `json:"seq"`
	Zoom     int       `json:"zoom"`
	Bounds   orb.Bound `json:"bounds"`
	Markers  int       `json:"markers"`
	Hidden   int       `json:"hidden"`
	Enter    int       `json:"enter"`
	Update   int       `json:"update"`
	Exit     int       `json:"exit"`
	Regions  int       `json:"regions"`
	Counties int       `json:"counties"`
}

// ViewState is a snapshot of the controller for API responses.
type ViewState struct {
	Transform  viewport.Transform `json:"transform"`
	State      string             `json:"state"`
	Width      float64            `json:"width"`
	Height     float64            `json:"height"`
	Animating  bool               `json:"animating"`
	Frame      Frame              `json:"frame"`
	Hover      *Hover             `json:"hover,omitempty"`
	HasIndex   bool               `json:"hasIndex"`
	HasDetails bool               `json:"hasDetails"`
	HasBaseMap bool               `json:"hasBaseMap"`
	// HasCounties is false until the county layer has been requested and loaded.
	HasCounties bool `json:"hasCounties"`
	// FramePending reports a requested frame that has not rendered yet.
	FramePending bool `json:"framePending"`
}

type frameRequest struct {
	reason string
}

// Controller owns the index, detail records, base map, viewport and drawn
// marker set of one map view. All methods are safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	vp       *viewport.Viewport
	surface  Surface
	sink     Sink
	log      *logger.Logger
	metrics  *metrics.Metrics
	frames   *Coalescer[frameRequest]
	interval time.Duration

	idx      *cluster.Index
	details  []source.DetailRecord
	base     *basemap.Map
	counties *basemap.Map
	density  basemap.Density
	// densityTallied marks a density counted from idx rather than loaded.
	densityTallied bool

	loadCounties  func()
	countiesAsked bool

	markers map[string]Marker
	results []cluster.Result
	hovered string
	hover   *Hover
	frame   Frame
	closed  bool
}

type Option func(*Controller)

func WithSink(s Sink) Option { return func(c *Controller) { c.sink = s } }

func WithLogger(l *logger.Logger) Option { return func(c *Controller) { c.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithCountyLoader sets fn to be called once, the first time a frame is
// rendered zoomed in past CountyMinScale without counties. fn must not block;
// it should start loading and deliver the result through SetCounties.
func WithCountyLoader(fn func()) Option { return func(c *Controller) { c.loadCounties = fn } }

// WithFrameInterval sets how often Run advances animations.
func WithFrameInterval(d time.Duration) Option { return func(c *Controller) { c.interval = d } }

func NewController(vp *viewport.Viewport, surface Surface, opts ...Option) *Controller {
	c := &Controller{
		vp:       vp,
		surface:  surface,
		log:      logger.Nop(),
		frames:   NewCoalescer[frameRequest](),
		interval: DefaultFrameInterval,
		markers:  make(map[string]Marker),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "render")
	return c
}

// SetIndex installs the cluster index and schedules a frame.
func (c *Controller) SetIndex(idx *cluster.Index) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug("index arrived after close, dropped")
		return
	}
	c.idx = idx
	if c.densityTallied {
		c.density, c.densityTallied = nil, false
	}
	c.mu.Unlock()
	c.RequestFrame("index")
}

// SetDetails installs detail records. Markers do not depend on them, so no
// frame is scheduled; later hovers and clicks are enriched.
func (c *Controller) SetDetails(details []source.DetailRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.log.Debug("details arrived after close, dropped")
		return
	}
	c.details = details
}

// SetBaseMap installs the background regions and schedules a frame.
func (c *Controller) SetBaseMap(m *basemap.Map) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug("base map arrived after close, dropped")
		return
	}
	c.base = m
	c.mu.Unlock()
	c.RequestFrame("basemap")
}

// SetCounties installs the county layer and schedules a frame.
func (c *Controller) SetCounties(m *basemap.Map) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug("counties arrived after close, dropped")
		return
	}
	c.counties = m
	if c.densityTallied {
		c.density, c.densityTallied = nil, false
	}
	c.mu.Unlock()
	c.RequestFrame("counties")
}

// SetDensity installs per-county point counts. Without them counties are
// shaded from the index.
func (c *Controller) SetDensity(d basemap.Density) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug("density arrived after close, dropped")
		return
	}
	c.density, c.densityTallied = d, false
	c.mu.Unlock()
	c.RequestFrame("density")
}

// Index returns the installed index, or nil.
func (c *Controller) Index() *cluster.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx
}

// Details returns the installed detail records, or nil.
func (c *Controller) Details() []source.DetailRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details
}

// Close stops Run and makes the controller ignore data that arrives later.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.frames.Close()
}

// RequestFrame schedules a render. Requests made before the previous one
// was rendered replace it.
func (c *Controller) RequestFrame(reason string) {
	if c.frames.Submit(frameRequest{reason: reason}) {
		c.metrics.IncFramesSuperseded()
	}
}

// Run renders requested frames and advances animations until ctx is
// cancelled or the controller is closed.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.frames.Run(ctx, func(frameRequest) { c.render() })
	})
	g.Go(func() error {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.Tick()
			}
		}
	})
	return g.Wait()
}

// RenderNow renders immediately, consuming any pending request.
func (c *Controller) RenderNow() Frame {
	c.frames.Take()
	return c.render()
}

// Settle finishes a running animation and renders the final frame.
func (c *Controller) Settle() Frame {
	c.mu.Lock()
	c.vp.Finish()
	c.mu.Unlock()
	return c.RenderNow()
}

func (c *Controller) render() Frame {
	c.mu.Lock()
	f, events := c.renderLocked()
	var load func()
	if c.loadCounties != nil && !c.closed && c.counties == nil && !c.countiesAsked &&
		c.vp.Transform().K > CountyMinScale {
		c.countiesAsked = true
		load = c.loadCounties
	}
	c.mu.Unlock()
	if load != nil {
		load()
	}
	c.emit(events...)
	return f
}

func (c *Controller) renderLocked() (Frame, []Event) {
	if c.closed {
		return c.frame, nil
	}
	t := c.vp.Transform()
	f := Frame{Seq: c.frame.Seq + 1, Bounds: c.vp.Bounds(), Zoom: -1}

	if c.base != nil || c.counties != nil {
		var bg Background
		bg, f.Regions, f.Counties = c.backgroundLocked(f.Bounds, t.K)
		c.surface.Background(bg)
	}

	var events []Event
	if c.idx != nil {
		f.Zoom = cluster.ZoomForScale(t.K, c.idx.Options.MaxZoom)
		start := time.Now()
		c.results = c.idx.Clusters(f.Bounds, f.Zoom)
		c.metrics.ObserveQuery(time.Since(start), len(c.results))

		next := make([]Marker, len(c.results))
		for i, r := range c.results {
			x, y, err := c.vp.Project(r.Lon, r.Lat)
			next[i] = newMarker(r, x, y, err == nil)
			if err != nil {
				f.Hidden++
			}
		}
		d := Reconcile(c.markers, next)
		if !d.Empty() {
			d.Apply(c.surface, c.markers)
		}
		f.Enter, f.Update, f.Exit = len(d.Enter), len(d.Update), len(d.Exit)

		if c.hovered != "" && !strings.HasPrefix(c.hovered, regionKeyPrefix) && !strings.HasPrefix(c.hovered, countyKeyPrefix) {
			if _, ok := c.markers[c.hovered]; !ok {
				c.hovered, c.hover = "", nil
				events = append(events, Event{Kind: HoverChanged})
			}
		}
	}
	f.Markers = len(c.markers)
	c.frame = f
	c.metrics.IncFramesRendered()
	return f, events
}

// path projects g into SVG path data. Vertices that cannot be projected
// break the line.
func (c *Controller) path(g orb.Geometry) string {
	var b strings.Builder
	line := func(ls []orb.Point, closed bool) {
		pen := false
		drawn := 0
		for _, p := range ls {
			x, y, err := c.vp.Project(p[0], p[1])
			if err != nil {
				pen = false
				continue
			}
			if pen {
				fmt.Fprintf(&b, "L%.1f,%.1f", x, y)
			} else {
				fmt.Fprintf(&b, "M%.1f,%.1f", x, y)
				pen = true
			}
			drawn++
		}
		if closed && drawn == len(ls) && drawn > 0 {
			b.WriteString("Z")
		}
	}

	switch g := g.(type) {
	case orb.Ring:
		line(g, true)
	case orb.Polygon:
		for _, r := range g {
			line(r, true)
		}
	case orb.MultiPolygon:
		for _, p := range g {
			for _, r := range p {
				line(r, true)
			}
		}
	case orb.LineString:
		line(g, false)
	case orb.MultiLineString:
		for _, ls := range g {
			line(ls, false)
		}
	}
	return b.String()
}

// Frame returns the last rendered frame.
func (c *Controller) Frame() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Summary aggregates the entities of the last frame.
func (c *Controller) Summary() cluster.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cluster.Summarize(c.results)
}

// Markers returns the current marker set.
func (c *Controller) Markers() map[string]Marker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Marker, len(c.markers))
	for k, m := range c.markers {
		out[k] = m
	}
	return out
}

func (c *Controller) View() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, h := c.vp.Size()
	return ViewState{
		Transform:  c.vp.Transform(),
		State:      c.vp.State().String(),
		Width:      w,
		Height:     h,
		Animating:  c.vp.Animating(),
		Frame:      c.frame,
		Hover:      c.hover,
		HasIndex:   c.idx != nil,
		HasDetails: c.details != nil,
		HasBaseMap: c.base != nil,

		HasCounties:  c.counties != nil,
		FramePending: c.frames.Pending(),
	}
}

func (c *Controller) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	sink, closed := c.sink, c.closed
	c.mu.Unlock()
	if sink == nil || closed {
		return
	}
	for _, e := range events {
		sink.Emit(e)
	}
}

// regionAt returns the base map region containing lon/lat.
func (c *Controller) regionAt(lon, lat float64) *basemap.Region {
	return c.base.Locate(orb.Point{lon, lat})
}
