package cluster

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
)

var world = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

func fourCorners() []Point {
	return []Point{
		{Lon: 0, Lat: 0, Category: 0, Index: 0},
		{Lon: 10, Lat: 0, Category: 1, Index: 1},
		{Lon: 0, Lat: 10, Category: 2, Index: 2},
		{Lon: 10, Lat: 10, Category: 3, Index: 3},
	}
}

func sumCounts(results []Result) (total uint32, byCategory Counts) {
	for _, r := range results {
		total += r.Count
		byCategory.Add(r.Counts)
	}
	return total, byCategory
}

func TestFourCornersScenario(t *testing.T) {
	idx, errs := Build(fourCorners(), Options{Radius: 40, MaxZoom: 16})
	if len(errs) != 0 {
		t.Fatalf("Expected no build errors, got %v", errs)
	}

	coarse := idx.Clusters(world, 0)
	if len(coarse) != 1 {
		t.Fatalf("Expected exactly one entity at zoom 0, got %d", len(coarse))
	}
	if !coarse[0].Cluster || coarse[0].Count != 4 {
		t.Errorf("Expected an aggregate of 4 at zoom 0, got cluster=%v count=%d", coarse[0].Cluster, coarse[0].Count)
	}
	if coarse[0].Counts != (Counts{1, 1, 1, 1}) {
		t.Errorf("Expected one point per category, got %v", coarse[0].Counts)
	}

	prev := 1
	for z := 1; z <= 16; z++ {
		n := len(idx.Clusters(world, z))
		if n < prev || n > 4 {
			t.Errorf("Zoom %d: expected between %d and 4 entities, got %d", z, prev, n)
		}
		prev = n
	}

	fine := idx.Clusters(world, 16)
	if len(fine) != 4 {
		t.Fatalf("Expected 4 leaves at max zoom, got %d", len(fine))
	}
	for _, r := range fine {
		if r.Cluster {
			t.Errorf("Expected only leaves at max zoom, got cluster %d", r.ID)
		}
	}
}

func TestInvalidPointsAreSkipped(t *testing.T) {
	points := append(fourCorners(),
		Point{Lon: math.NaN(), Lat: 0, Index: 4},
		Point{Lon: 200, Lat: 0, Index: 5},
		Point{Lon: 0, Lat: -91, Index: 6},
		Point{Lon: 0, Lat: 0, Category: 7, Index: 7},
		Point{Lon: math.Inf(1), Lat: 0, Index: 8},
	)

	idx, errs := Build(points, DefaultOptions())
	if len(errs) != 5 {
		t.Fatalf("Expected 5 invalid points, got %d: %v", len(errs), errs)
	}
	for _, err := range errs {
		var invalid *InvalidPointError
		if !errors.As(err, &invalid) {
			t.Errorf("Expected InvalidPointError, got %T", err)
			continue
		}
		if invalid.Index < 4 {
			t.Errorf("Valid point %d reported as invalid", invalid.Index)
		}
	}

	if idx.Len() != 4 {
		t.Errorf("Expected 4 indexed points, got %d", idx.Len())
	}
	for z := 0; z <= 17; z++ {
		if total, _ := sumCounts(idx.Clusters(world, z)); total != 4 {
			t.Errorf("Zoom %d: expected total 4, got %d", z, total)
		}
	}
}

func TestCountsAreConservedAcrossZooms(t *testing.T) {
	points := GenerateTestPoints(3000, ContinentalUS, 42)
	idx, _ := Build(points, DefaultOptions())

	var want Counts
	for _, p := range points {
		want[p.Category]++
	}

	for z := 0; z <= idx.Options.MaxZoom+1; z++ {
		total, byCategory := sumCounts(idx.Clusters(world, z))
		if total != uint32(len(points)) {
			t.Errorf("Zoom %d: expected %d points, got %d", z, len(points), total)
		}
		if byCategory != want {
			t.Errorf("Zoom %d: expected category counts %v, got %v", z, want, byCategory)
		}
	}
}

func TestRefinementIsMonotonic(t *testing.T) {
	idx, _ := Build(GenerateTestPoints(2000, ContinentalUS, 7), DefaultOptions())

	prev := 0
	for z := 0; z <= idx.Options.MaxZoom+1; z++ {
		n := len(idx.Clusters(world, z))
		if n < prev {
			t.Errorf("Zoom %d: entity count dropped from %d to %d", z, prev, n)
		}
		prev = n
	}
}

func TestQueryIsIdempotent(t *testing.T) {
	points := GenerateTestPoints(1500, ContinentalUS, 3)
	idx, _ := Build(points, DefaultOptions())
	bound := orb.Bound{Min: orb.Point{-100, 30}, Max: orb.Point{-80, 45}}

	for _, z := range []int{0, 4, 8, 12} {
		first := idx.Clusters(bound, z)
		second := idx.Clusters(bound, z)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("Zoom %d: repeated query differs (-first +second):\n%s", z, diff)
		}
	}

	rebuilt, _ := Build(points, DefaultOptions())
	if diff := cmp.Diff(idx.Clusters(bound, 6), rebuilt.Clusters(bound, 6)); diff != "" {
		t.Errorf("Rebuilt index returned different clusters:\n%s", diff)
	}
}

func TestDominantCategory(t *testing.T) {
	tests := []struct {
		counts Counts
		want   Category
	}{
		{Counts{5, 5, 0, 0}, 0},
		{Counts{0, 0, 0, 0}, 0},
		{Counts{1, 3, 3, 0}, 1},
		{Counts{0, 0, 2, 9}, 3},
		{Counts{0, 4, 0, 4}, 1},
	}
	for _, tt := range tests {
		if got := tt.counts.Dominant(); got != tt.want {
			t.Errorf("Dominant(%v) = %d, want %d", tt.counts, got, tt.want)
		}
	}

	r := Result{Cluster: true, Counts: Counts{5, 5, 0, 0}}
	if r.Dominant() != 0 {
		t.Errorf("Expected tie to resolve to category 0, got %d", r.Dominant())
	}
}

func TestBoundaryCoordinates(t *testing.T) {
	points := []Point{
		{Lon: -180, Lat: -90, Index: 0},
		{Lon: 180, Lat: 90, Index: 1},
		{Lon: 180, Lat: -90, Index: 2},
		{Lon: -180, Lat: 90, Index: 3},
	}
	idx, errs := Build(points, DefaultOptions())
	if len(errs) != 0 {
		t.Fatalf("Boundary points should be valid, got %v", errs)
	}
	for z := 0; z <= 17; z++ {
		if total, _ := sumCounts(idx.Clusters(world, z)); total != 4 {
			t.Errorf("Zoom %d: expected all 4 boundary points, got %d", z, total)
		}
	}
}

func TestAntimeridianBound(t *testing.T) {
	idx, _ := Build([]Point{
		{Lon: 179, Lat: 0, Index: 0},
		{Lon: -179, Lat: 0, Index: 1},
		{Lon: 0, Lat: 0, Index: 2},
	}, DefaultOptions())

	results := idx.Clusters(orb.Bound{Min: orb.Point{170, -10}, Max: orb.Point{190, 10}}, 10)
	if len(results) != 2 {
		t.Fatalf("Expected both points around the antimeridian, got %d", len(results))
	}
	for _, r := range results {
		if r.Point.Index == 2 {
			t.Errorf("Point at lon 0 should not be returned")
		}
	}
}

func TestLeavesRespectLimitAndOffset(t *testing.T) {
	points := make([]Point, 300)
	for i := range points {
		points[i] = Point{Lon: -90, Lat: 40, Category: Category(i % NumCategories), Index: int32(i)}
	}
	idx, _ := Build(points, DefaultOptions())

	clusters := idx.Clusters(world, 0)
	if len(clusters) != 1 || !clusters[0].Cluster {
		t.Fatalf("Expected one cluster, got %+v", clusters)
	}
	id := clusters[0].ID

	leaves, err := idx.Leaves(id, 200, 0)
	if err != nil {
		t.Fatalf("Leaves failed: %v", err)
	}
	if len(leaves) != 200 {
		t.Errorf("Expected 200 leaves, got %d", len(leaves))
	}

	rest, err := idx.Leaves(id, 200, 250)
	if err != nil {
		t.Fatalf("Leaves with offset failed: %v", err)
	}
	if len(rest) != 50 {
		t.Errorf("Expected 50 leaves after offset 250, got %d", len(rest))
	}

	if _, err := idx.Leaves(12, 10, 0); !errors.Is(err, ErrClusterNotFound) {
		t.Errorf("Expected ErrClusterNotFound for a leaf id, got %v", err)
	}
}

func TestChildrenAndExpansionZoom(t *testing.T) {
	idx, _ := Build(fourCorners(), Options{Radius: 40, MaxZoom: 16})
	root := idx.Clusters(world, 0)[0]

	children, err := idx.Children(root.ID)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if total, _ := sumCounts(children); total != 4 {
		t.Errorf("Expected children to hold 4 points, got %d", total)
	}

	zoom, err := idx.ExpansionZoom(root.ID)
	if err != nil {
		t.Fatalf("ExpansionZoom failed: %v", err)
	}
	if zoom < 1 || zoom > 17 {
		t.Errorf("Expansion zoom %d out of range", zoom)
	}
	if n := len(idx.Clusters(world, zoom)); n < 2 {
		t.Errorf("Expected cluster to split at zoom %d, got %d entities", zoom, n)
	}
}

func TestResultKeys(t *testing.T) {
	leaf := Result{Point: Point{Index: 42}}
	if leaf.Key() != "leaf:42" {
		t.Errorf("Unexpected leaf key %q", leaf.Key())
	}
	agg := Result{ID: 1057, Cluster: true}
	if agg.Key() != "cluster:1057" {
		t.Errorf("Unexpected cluster key %q", agg.Key())
	}
}

func TestZoomForScaleIsMonotonic(t *testing.T) {
	prev := ZoomForScale(1, 16)
	if prev != 3 {
		t.Errorf("Expected zoom 3 at identity scale, got %d", prev)
	}
	for k := 1.0; k <= 40; k += 0.25 {
		z := ZoomForScale(k, 16)
		if z < prev {
			t.Errorf("ZoomForScale(%f) = %d dropped below %d", k, z, prev)
		}
		if z != ZoomForScale(k, 16) {
			t.Errorf("ZoomForScale(%f) is not deterministic", k)
		}
		prev = z
	}
	if ZoomForScale(1e9, 16) != 16 {
		t.Errorf("Expected zoom to be bounded by maxZoom")
	}
	if ZoomForScale(0.1, 16) != 3 {
		t.Errorf("Expected scales below 1 to map like 1")
	}
}

func TestMarkerRadius(t *testing.T) {
	if MarkerRadius(1) != LeafRadius {
		t.Errorf("Expected leaf radius for a single point")
	}
	prev := 0.0
	for _, n := range []uint32{2, 5, 20, 100, 1000, 100000} {
		r := MarkerRadius(n)
		if r < prev {
			t.Errorf("MarkerRadius(%d) = %f is smaller than %f", n, r, prev)
		}
		if r > MaxMarkerRadius {
			t.Errorf("MarkerRadius(%d) = %f exceeds cap", n, r)
		}
		prev = r
	}
	if MarkerRadius(1000000) != MaxMarkerRadius {
		t.Errorf("Expected dense clusters to be clamped")
	}
}

func TestKDTreeWithinMatchesBruteForce(t *testing.T) {
	points := GenerateTestPoints(500, world, 11)
	kd := make([]KDPoint, len(points))
	for i, p := range points {
		kd[i] = KDPoint{X: lngX(p.Lon), Y: latY(p.Lat), ID: int64(i)}
	}
	tree := NewKDTree(kd, 8)

	x, y, r := 0.5, 0.5, 0.1
	got := map[int64]bool{}
	for _, i := range tree.Within(x, y, r) {
		got[tree.Points[i].ID] = true
	}

	for _, p := range tree.Points {
		dx, dy := p.X-x, p.Y-y
		inside := dx*dx+dy*dy <= r*r
		if inside != got[p.ID] {
			t.Errorf("Point %d: within=%v, brute force=%v", p.ID, got[p.ID], inside)
		}
	}
}

func TestKDTreeRangeUsesBounds(t *testing.T) {
	points := GenerateTestPoints(300, ContinentalUS, 13)
	kd := make([]KDPoint, len(points))
	for i, p := range points {
		kd[i] = KDPoint{X: lngX(p.Lon), Y: latY(p.Lat), ID: int64(i)}
	}
	tree := NewKDTree(kd, 8)
	b := tree.Bounds

	var outside int
	tree.Range(b.MaxX+0.01, b.MinY, b.MaxX+0.1, b.MaxY, func(int) { outside++ })
	if outside != 0 {
		t.Errorf("Expected no points beyond the tree bounds, got %d", outside)
	}

	var all []int
	tree.Range(0, 0, 1, 1, func(i int) { all = append(all, i) })
	if len(all) != len(points) {
		t.Fatalf("Expected %d points for a covering box, got %d", len(points), len(all))
	}

	// A box clipping the bounds descends the tree and must agree on order.
	var partial, brute []int
	midX := (b.MinX + b.MaxX) / 2
	tree.Range(b.MinX, b.MinY, midX, b.MaxY, func(i int) { partial = append(partial, i) })
	for i, p := range tree.Points {
		if p.X <= midX {
			brute = append(brute, i)
		}
	}
	if diff := cmp.Diff(brute, partial); diff != "" {
		t.Errorf("Range mismatch (-brute +tree):\n%s", diff)
	}

	var empty KDTree
	empty.Range(0, 0, 1, 1, func(int) { t.Error("Empty tree yielded a point") })
}

func TestSnapshotRoundTrip(t *testing.T) {
	idx, _ := Build(GenerateTestPoints(1000, ContinentalUS, 5), DefaultOptions())

	var buf bytes.Buffer
	if err := idx.SaveCompressed(&buf); err != nil {
		t.Fatalf("SaveCompressed failed: %v", err)
	}
	loaded, err := LoadCompressed(&buf)
	if err != nil {
		t.Fatalf("LoadCompressed failed: %v", err)
	}

	if loaded.Options != idx.Options {
		t.Errorf("Options differ: %+v vs %+v", loaded.Options, idx.Options)
	}
	for _, z := range []int{0, 5, 10, 17} {
		if diff := cmp.Diff(idx.Clusters(world, z), loaded.Clusters(world, z)); diff != "" {
			t.Errorf("Zoom %d: loaded index differs:\n%s", z, diff)
		}
	}

	if _, err := LoadCompressed(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Error("Expected an error for a corrupt snapshot")
	}
}

func TestSnapshotFile(t *testing.T) {
	idx, _ := Build(fourCorners(), DefaultOptions())
	path := filepath.Join(t.TempDir(), "index.zst")
	if err := idx.SaveFile(path); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if loaded.Len() != 4 {
		t.Errorf("Expected 4 points, got %d", loaded.Len())
	}
}

func TestPointFileRoundTrip(t *testing.T) {
	points := GenerateTestPoints(250, ContinentalUS, 9)
	path := filepath.Join(t.TempDir(), "points.pts")

	if err := SavePoints(path, points); err != nil {
		t.Fatalf("SavePoints failed: %v", err)
	}
	loaded, err := OpenPoints(path)
	if err != nil {
		t.Fatalf("OpenPoints failed: %v", err)
	}
	if len(loaded) != len(points) {
		t.Fatalf("Expected %d points, got %d", len(points), len(loaded))
	}
	for i := range points {
		if math.Abs(loaded[i].Lon-points[i].Lon) > 1e-4 || math.Abs(loaded[i].Lat-points[i].Lat) > 1e-4 {
			t.Errorf("Point %d: got (%f,%f), want (%f,%f)", i, loaded[i].Lon, loaded[i].Lat, points[i].Lon, points[i].Lat)
		}
		if loaded[i].Category != points[i].Category || loaded[i].Index != int32(i) {
			t.Errorf("Point %d: category/index mismatch", i)
		}
	}
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Cluster: true, Count: 3, Counts: Counts{1, 2, 0, 0}},
		{Count: 1, Counts: Counts{0, 0, 0, 1}},
	}
	s := Summarize(results)
	if s.TotalPoints != 4 || s.NumClusters != 1 || s.NumSinglePoints != 1 {
		t.Errorf("Unexpected summary %+v", s)
	}
	if s.Dominant != 1 {
		t.Errorf("Expected dominant category 1, got %d", s.Dominant)
	}
	if s.Distribution[1] != 50 {
		t.Errorf("Expected 50%% for category 1, got %f", s.Distribution[1])
	}
}

func TestPointByIndex(t *testing.T) {
	points := []Point{
		{Lon: 1, Lat: 1, Index: 7},
		{Lon: 200, Lat: 1, Index: 8}, // invalid, skipped
		{Lon: 2, Lat: 2, Index: 3},
		{Lon: 3, Lat: 3, Index: 9},
	}
	idx, errs := Build(points, DefaultOptions())
	if len(errs) != 1 {
		t.Fatalf("Expected one build error, got %v", errs)
	}

	for _, want := range []int32{7, 3, 9} {
		p, ok := idx.Point(want)
		if !ok || p.Index != want {
			t.Errorf("Point(%d) = %+v, %v", want, p, ok)
		}
	}
	if _, ok := idx.Point(8); ok {
		t.Error("Expected the skipped point to be absent")
	}
	if _, ok := idx.Point(100); ok {
		t.Error("Expected an unknown index to be absent")
	}
}
