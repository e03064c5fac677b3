package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/clustermap/cluster"
	"web/clustermap/internal/metrics"
	"web/clustermap/render"
	"web/clustermap/runner"
	"web/clustermap/source"
	"web/clustermap/viewport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv    *Server
	ctrl   *render.Controller
	events *EventLog
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, points []cluster.Point, withRunner bool) *fixture {
	t.Helper()
	clock := time.Unix(1700000000, 0)
	vp := viewport.New(viewport.NewAlbersUSA(960, 600), 960, 600,
		viewport.WithClock(func() time.Time { return clock }))
	svg := render.NewSVGSurface(960, 600)
	events := NewEventLog(0)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ctrl := render.NewController(vp, svg, render.WithSink(events), render.WithMetrics(m))
	t.Cleanup(ctrl.Close)

	if points != nil {
		idx, errs := cluster.Build(points, cluster.DefaultOptions())
		require.Empty(t, errs)
		ctrl.SetIndex(idx)
		ctrl.RenderNow()
	}

	opts := Options{
		Controller: ctrl,
		SVG:        svg,
		Events:     events,
		Metrics:    m,
		Gatherer:   reg,
		RateLimit:  100,
	}
	if withRunner {
		r, err := runner.New(runner.Config{Dir: t.TempDir(), MaxIndexes: 2, Options: cluster.DefaultOptions()}, nil, m)
		require.NoError(t, err)
		t.Cleanup(r.Close)
		opts.Runner = r
	}
	return &fixture{srv: New(opts), ctrl: ctrl, events: events, reg: reg}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func twoCities() []cluster.Point {
	return []cluster.Point{
		{Lon: -94.58, Lat: 39.1, Category: 0, Index: 0},
		{Lon: -122.33, Lat: 47.61, Category: 3, Index: 1},
	}
}

func stacked(n int) []cluster.Point {
	points := make([]cluster.Point, n)
	for i := range points {
		points[i] = cluster.Point{Lon: -94.58, Lat: 39.1, Category: cluster.Category(i % 2), Index: int32(i)}
	}
	return points
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, twoCities(), false)

	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clustermap_frames_rendered_total")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil, false)
	w := f.do(t, http.MethodOptions, "/api/clusters", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestClustersGeoJSON(t *testing.T) {
	f := newFixture(t, twoCities(), false)

	w := f.do(t, http.MethodGet, "/api/clusters?zoom=3&west=-180&south=-90&east=180&north=90", "")
	require.Equal(t, http.StatusOK, w.Code)
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	byIndex := map[float64]*geojson.Feature{}
	for _, feat := range fc.Features {
		assert.Equal(t, false, feat.Properties["cluster"])
		byIndex[feat.Properties.MustFloat64("index")] = feat
	}
	seattle := byIndex[1]
	require.NotNil(t, seattle)
	assert.Equal(t, "Likely Closed", seattle.Properties.MustString("label"))
	assert.Equal(t, render.Colors[3], seattle.Properties.MustString("color"))
	assert.Equal(t, cluster.LeafRadius, seattle.Properties.MustFloat64("radius"))

	// k=1 maps to zoom 3.
	w = f.do(t, http.MethodGet, "/api/clusters?k=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	fc, err = geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)

	w = f.do(t, http.MethodGet, "/api/clusters", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/clusters?zoom=3&west=x&south=0&east=0&north=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid west parameter")
}

func TestClustersWithoutIndex(t *testing.T) {
	f := newFixture(t, nil, false)
	w := f.do(t, http.MethodGet, "/api/clusters?zoom=3", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no index loaded")
}

func TestLeavesAndExpansionZoom(t *testing.T) {
	f := newFixture(t, stacked(300), false)

	w := f.do(t, http.MethodGet, "/api/clusters?zoom=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	props := fc.Features[0].Properties
	assert.Equal(t, true, props["cluster"])
	assert.Equal(t, 300.0, props.MustFloat64("point_count"))
	assert.Equal(t, "300", props.MustString("label"))
	id := int64(props.MustFloat64("cluster_id"))

	w = f.do(t, http.MethodGet, "/api/clusters/"+itoa(id)+"/leaves?limit=500", "")
	require.Equal(t, http.StatusOK, w.Code)
	leaves := decode[struct {
		Leaves []render.Selection `json:"leaves"`
	}](t, w)
	assert.Len(t, leaves.Leaves, runner.MaxLeaves)

	w = f.do(t, http.MethodGet, "/api/clusters/"+itoa(id)+"/leaves?limit=10&offset=295", "")
	require.Equal(t, http.StatusOK, w.Code)
	leaves = decode[struct {
		Leaves []render.Selection `json:"leaves"`
	}](t, w)
	assert.Len(t, leaves.Leaves, 5)

	w = f.do(t, http.MethodGet, "/api/clusters/"+itoa(id)+"/expansion-zoom", "")
	require.Equal(t, http.StatusOK, w.Code)
	zoom := decode[struct {
		Zoom int `json:"zoom"`
	}](t, w)
	assert.Positive(t, zoom.Zoom)

	w = f.do(t, http.MethodGet, "/api/clusters/abc/leaves", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/clusters/3/expansion-zoom", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/api/clusters/"+itoa(id)+"/leaves?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestPointLookup(t *testing.T) {
	f := newFixture(t, twoCities(), false)

	w := f.do(t, http.MethodGet, "/api/points/0/hover", "")
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[render.Hover](t, w)
	assert.Equal(t, "Active", h.Label)

	f.ctrl.SetDetails([]source.DetailRecord{
		{Name: "Main St Pharmacy", City: "Kansas City", State: "MO", Zip: "64105"},
		{Name: "Lewis & Clark", City: "Seattle", State: "WA", Zip: "98101"},
	})

	w = f.do(t, http.MethodGet, "/api/points/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	sel := decode[render.Selection](t, w)
	assert.Equal(t, "Likely Closed", sel.Label)
	require.NotNil(t, sel.Detail)
	assert.Equal(t, "Lewis & Clark", sel.Detail.Name)

	w = f.do(t, http.MethodGet, "/api/points/0/hover", "")
	h = decode[render.Hover](t, w)
	assert.Equal(t, "Main St Pharmacy", h.Label)
	assert.Equal(t, "Kansas City, MO 64105 -- Active", h.Detail)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/points/7", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/points/x", "").Code)
}

func TestSummary(t *testing.T) {
	f := newFixture(t, twoCities(), false)

	w := f.do(t, http.MethodGet, "/api/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[cluster.Summary](t, w)
	assert.Equal(t, 2, s.TotalPoints)
	assert.Equal(t, 2, s.NumSinglePoints)
	assert.Equal(t, cluster.Counts{1, 0, 0, 1}, s.Counts)

	w = f.do(t, http.MethodGet, "/api/summary?zoom=3&west=-100&south=30&east=-90&north=45", "")
	require.Equal(t, http.StatusOK, w.Code)
	s = decode[cluster.Summary](t, w)
	assert.Equal(t, 1, s.TotalPoints)
	assert.Equal(t, cluster.Category(0), s.Dominant)
}

func TestExport(t *testing.T) {
	f := newFixture(t, twoCities(), false)
	f.ctrl.SetDetails([]source.DetailRecord{
		{Name: "Main St Pharmacy", City: "Kansas City", State: "MO", Zip: "64105"},
		{Name: "Lewis & Clark", City: "Seattle", State: "WA", Zip: "98101", Phone: "555-0100"},
	})

	w := f.do(t, http.MethodGet, "/api/export?format=csv&west=-180&south=-90&east=180&north=90", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "clustermap-points.csv")
	records, err := csv.NewReader(bytes.NewReader(w.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, []string{"0", "-94.58", "39.1", "Active", "Main St Pharmacy", "Kansas City", "MO", "64105", ""}, records[1])
	assert.Equal(t, "Lewis & Clark", records[2][4])

	// Without bounds the current view is exported.
	w = f.do(t, http.MethodGet, "/api/export?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]ExportRow](t, w)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(0), rows[0].Index)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/export?format=xml", "").Code)
}

func TestBuildAndLoadIndex(t *testing.T) {
	f := newFixture(t, nil, true)

	w := f.do(t, http.MethodPost, "/api/indexes", `{"numPoints":100,"seed":1}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	built := decode[runner.BuildResponse](t, w)
	assert.Equal(t, 100, built.Index.NumPoints)
	require.NotNil(t, f.ctrl.Index())
	assert.Equal(t, 100, f.ctrl.Index().Len())
	assert.Equal(t, built.Index.ID, f.srv.ActiveIndex())

	w = f.do(t, http.MethodGet, "/api/indexes", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Active  string             `json:"active"`
		Indexes []runner.IndexInfo `json:"indexes"`
		Loaded  []string           `json:"loaded"`
	}](t, w)
	assert.Equal(t, built.Index.ID, list.Active)
	require.Len(t, list.Indexes, 1)
	assert.Equal(t, []string{built.Index.ID}, list.Loaded)

	w = f.do(t, http.MethodPost, "/api/indexes/"+built.Index.ID+"/load", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/indexes/missing/load", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/api/indexes", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/indexes", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBuildIndexRejectsServerPaths(t *testing.T) {
	f := newFixture(t, nil, true)

	for _, body := range []string{
		`{"source":"/etc/passwd"}`,
		`{"source":"/nonexistent/x"}`,
		`{"source":"http://127.0.0.1:1/points.json"}`,
		`{"numPoints":100000000}`,
	} {
		w := f.do(t, http.MethodPost, "/api/indexes", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.NotContains(t, w.Body.String(), "no such file", body)
		assert.NotContains(t, w.Body.String(), "invalid character", body)
	}
	assert.Nil(t, f.ctrl.Index())
}

func TestIndexRoutesWithoutRunner(t *testing.T) {
	f := newFixture(t, nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/indexes", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/indexes", `{"numPoints":1}`).Code)
}

type viewResponse struct {
	Changed bool `json:"changed"`
	View    struct {
		Transform viewport.Transform `json:"transform"`
		Width     float64            `json:"width"`
		Animating bool               `json:"animating"`
	} `json:"view"`
	Events []struct {
		Seq   uint64        `json:"seq"`
		Kind  string        `json:"kind"`
		Hover *render.Hover `json:"hover"`
		Point *struct {
			Label string `json:"label"`
		} `json:"point"`
	} `json:"events"`
}

func TestViewActions(t *testing.T) {
	f := newFixture(t, twoCities(), false)

	w := f.do(t, http.MethodPost, "/api/view/zoom-in", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode[viewResponse](t, w)
	assert.True(t, v.Changed)
	assert.False(t, v.View.Animating)
	assert.InDelta(t, viewport.ZoomStep, v.View.Transform.K, 1e-9)

	w = f.do(t, http.MethodPost, "/api/view/reset", "")
	v = decode[viewResponse](t, w)
	assert.InDelta(t, 1.0, v.View.Transform.K, 1e-9)

	w = f.do(t, http.MethodPost, "/api/view/hover", `{"key":"leaf:0"}`)
	require.Equal(t, http.StatusOK, w.Code)
	v = decode[viewResponse](t, w)
	require.Len(t, v.Events, 1)
	assert.Equal(t, "hover_changed", v.Events[0].Kind)
	require.NotNil(t, v.Events[0].Hover)
	assert.Equal(t, "Active", v.Events[0].Hover.Label)

	w = f.do(t, http.MethodPost, "/api/view/click", `{"key":"leaf:1"}`)
	v = decode[viewResponse](t, w)
	require.Len(t, v.Events, 1)
	assert.Equal(t, "point_selected", v.Events[0].Kind)
	require.NotNil(t, v.Events[0].Point)
	assert.Equal(t, "Likely Closed", v.Events[0].Point.Label)

	w = f.do(t, http.MethodPost, "/api/view/click", `{"x":-1000,"y":-1000}`)
	v = decode[viewResponse](t, w)
	require.Len(t, v.Events, 1)
	assert.Equal(t, "dismissed", v.Events[0].Kind)

	w = f.do(t, http.MethodPost, "/api/view/pan", `{"dx":10,"dy":-5}`)
	v = decode[viewResponse](t, w)
	assert.True(t, v.Changed)
	assert.InDelta(t, 10.0, v.View.Transform.X, 1e-9)
	assert.InDelta(t, -5.0, v.View.Transform.Y, 1e-9)

	w = f.do(t, http.MethodPost, "/api/view/resize", `{"width":480,"height":300}`)
	v = decode[viewResponse](t, w)
	assert.Equal(t, 480.0, v.View.Width)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/view/spin", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/view/resize", `{"width":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/view/zoom", `{"factor":-1}`).Code)
}

func TestViewSVG(t *testing.T) {
	f := newFixture(t, twoCities(), false)

	w := f.do(t, http.MethodGet, "/api/view.svg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "<svg"))
	assert.Contains(t, body, `id="leaf:0"`)
	assert.Contains(t, body, `id="leaf:1"`)
}

func TestEventLogKeepsRecentEvents(t *testing.T) {
	log := NewEventLog(2)
	for i := 0; i < 3; i++ {
		log.Emit(render.Event{Kind: render.Dismissed})
	}
	assert.Equal(t, uint64(3), log.Seq())

	got := log.Since(0)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)
	assert.Empty(t, log.Since(3))
}

func TestShutdownBeforeStart(t *testing.T) {
	f := newFixture(t, nil, false)
	require.NoError(t, f.srv.Shutdown(context.Background()))
	assert.NoError(t, f.srv.Start("127.0.0.1:0"), "a stopped server does not listen")
}
