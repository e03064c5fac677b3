package cluster

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
)

// NumCategories is the number of status codes a point may carry.
const NumCategories = 4

// maxZoomLimit keeps the zoom encoded in the low 5 bits of a cluster id.
const maxZoomLimit = 24

const unprocessed = math.MaxInt32

// Category is a point's status code.
type Category uint8

// Point is an immutable input point.
type Point struct {
	Lon      float64  `json:"lon"`
	Lat      float64  `json:"lat"`
	Category Category `json:"category"`
	Index    int32    `json:"index"` // back-reference into the detail table
}

// Counts holds per-category point counts.
type Counts [NumCategories]uint32

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	for i := range c {
		c[i] += other[i]
	}
}

// Total returns the number of points counted.
func (c Counts) Total() uint32 {
	var n uint32
	for _, v := range c {
		n += v
	}
	return n
}

// Dominant returns the category with the strictly highest count; ties go to
// the lowest code.
func (c Counts) Dominant() Category {
	best := 0
	for i := 1; i < len(c); i++ {
		if c[i] > c[best] {
			best = i
		}
	}
	return Category(best)
}

// Options control how the index is built.
type Options struct {
	MinZoom   int     `yaml:"min_zoom"`
	MaxZoom   int     `yaml:"max_zoom"`
	MinPoints int     `yaml:"min_points"`
	Radius    float64 `yaml:"radius"` // clustering radius in pixels
	Extent    int     `yaml:"extent"` // tile extent in pixels
	NodeSize  int     `yaml:"node_size"`
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{MinZoom: 0, MaxZoom: 16, MinPoints: 2, Radius: 40, Extent: 512, NodeSize: 64}
}

func (o Options) withDefaults() Options {
	if o.MinZoom < 0 {
		o.MinZoom = 0
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = 16
	}
	if o.MaxZoom > maxZoomLimit {
		o.MaxZoom = maxZoomLimit
	}
	if o.MinZoom > o.MaxZoom {
		o.MinZoom = o.MaxZoom
	}
	if o.NodeSize <= 0 {
		o.NodeSize = 64
	}
	if o.Extent <= 0 {
		o.Extent = 512
	}
	if o.Radius <= 0 {
		o.Radius = 40
	}
	if o.MinPoints <= 0 {
		o.MinPoints = 2
	}
	return o
}

// Index is a hierarchical cluster index. It is never mutated after Build or
// LoadCompressed return, so it is safe for concurrent queries.
type Index struct {
	Options Options
	Points  []Point   // valid input points; leaf ids index this slice
	Trees   []*KDTree // one per zoom, MinZoom..MaxZoom+1 (lower slots nil)
}

// Result is one rendered entity: a leaf wrapping a single point or an aggregate.
type Result struct {
	ID      int64
	Cluster bool
	Lon     float64
	Lat     float64
	Count   uint32
	Counts  Counts
	Point   Point // leaf only
}

// Key is the stable identity of the entity across queries.
func (r Result) Key() string {
	if r.Cluster {
		return "cluster:" + strconv.FormatInt(r.ID, 10)
	}
	return "leaf:" + strconv.FormatInt(int64(r.Point.Index), 10)
}

// Dominant returns the category used to color the entity.
func (r Result) Dominant() Category {
	if !r.Cluster {
		return r.Point.Category
	}
	return r.Counts.Dominant()
}

// Validate checks a point's coordinates and category.
func Validate(p Point) error {
	switch {
	case math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0):
		return &InvalidPointError{Index: p.Index, Reason: "non-finite coordinate"}
	case p.Lon < -180 || p.Lon > 180:
		return &InvalidPointError{Index: p.Index, Reason: fmt.Sprintf("longitude %g out of range", p.Lon)}
	case p.Lat < -90 || p.Lat > 90:
		return &InvalidPointError{Index: p.Index, Reason: fmt.Sprintf("latitude %g out of range", p.Lat)}
	case int(p.Category) >= NumCategories:
		return &InvalidPointError{Index: p.Index, Reason: fmt.Sprintf("category %d out of range", p.Category)}
	case p.Index < 0:
		return &InvalidPointError{Index: p.Index, Reason: "negative index"}
	}
	return nil
}

// Build constructs the index. Invalid points are skipped and reported, they
// never abort the build.
func Build(points []Point, options Options) (*Index, []error) {
	opts := options.withDefaults()
	var errs []error

	valid := make([]Point, 0, len(points))
	for _, p := range points {
		if err := Validate(p); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, p)
	}

	leaves := make([]KDPoint, len(valid))
	for i, p := range valid {
		var counts Counts
		counts[p.Category] = 1
		leaves[i] = KDPoint{
			X:         lngX(p.Lon),
			Y:         latY(p.Lat),
			ID:        int64(i),
			ParentID:  -1,
			Zoom:      unprocessed,
			NumPoints: 1,
			Index:     p.Index,
			Counts:    counts,
		}
	}

	idx := &Index{
		Options: opts,
		Points:  valid,
		Trees:   make([]*KDTree, opts.MaxZoom+2),
	}
	idx.Trees[opts.MaxZoom+1] = NewKDTree(leaves, opts.NodeSize)

	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		idx.Trees[z] = NewKDTree(idx.cluster(idx.Trees[z+1], z), opts.NodeSize)
	}
	return idx, errs
}

// cluster merges the entities of tree (zoom+1) into the entities of zoom.
func (idx *Index) cluster(tree *KDTree, zoom int) []KDPoint {
	r := idx.Options.Radius / (float64(idx.Options.Extent) * math.Pow(2, float64(zoom)))
	minPoints := uint32(idx.Options.MinPoints)
	n := int64(len(idx.Points))
	pts := tree.Points
	next := make([]KDPoint, 0, len(pts))

	for i := range pts {
		p := &pts[i]
		if p.Zoom <= int32(zoom) {
			continue
		}
		p.Zoom = int32(zoom)

		neighbors := tree.Within(p.X, p.Y, r)
		numOrigin := p.NumPoints
		numPoints := numOrigin
		for _, j := range neighbors {
			if pts[j].Zoom > int32(zoom) {
				numPoints += pts[j].NumPoints
			}
		}

		if numPoints > numOrigin && numPoints >= minPoints {
			wx := p.X * float64(numOrigin)
			wy := p.Y * float64(numOrigin)
			counts := p.Counts
			id := int64(i)<<5 + int64(zoom+1) + n

			for _, j := range neighbors {
				b := &pts[j]
				if b.Zoom <= int32(zoom) {
					continue
				}
				b.Zoom = int32(zoom)
				wx += b.X * float64(b.NumPoints)
				wy += b.Y * float64(b.NumPoints)
				counts.Add(b.Counts)
				b.ParentID = id
			}
			p.ParentID = id

			next = append(next, KDPoint{
				X:         wx / float64(numPoints),
				Y:         wy / float64(numPoints),
				ID:        id,
				ParentID:  -1,
				Zoom:      unprocessed,
				NumPoints: numPoints,
				Index:     -1,
				Counts:    counts,
			})
			continue
		}

		next = append(next, carry(*p))
		if numPoints > 1 {
			for _, j := range neighbors {
				b := &pts[j]
				if b.Zoom <= int32(zoom) {
					continue
				}
				b.Zoom = int32(zoom)
				next = append(next, carry(*b))
			}
		}
	}
	return next
}

// carry copies an unmerged entity to the next coarser zoom.
func carry(p KDPoint) KDPoint {
	p.Zoom = unprocessed
	p.ParentID = -1
	return p
}

func (idx *Index) limitZoom(zoom int) int {
	return max(idx.Options.MinZoom, min(zoom, idx.Options.MaxZoom+1))
}

// Clusters returns the entities visible in bound at zoom. Bounds crossing the
// antimeridian are split in two.
func (idx *Index) Clusters(bound orb.Bound, zoom int) []Result {
	minLng := math.Mod(math.Mod(bound.Min[0]+180, 360)+360, 360) - 180
	minLat := math.Max(-90, math.Min(90, bound.Min[1]))
	maxLng := 180.0
	if bound.Max[0] != 180 {
		maxLng = math.Mod(math.Mod(bound.Max[0]+180, 360)+360, 360) - 180
	}
	maxLat := math.Max(-90, math.Min(90, bound.Max[1]))

	if bound.Max[0]-bound.Min[0] >= 360 {
		minLng, maxLng = -180, 180
	} else if minLng > maxLng {
		east := idx.Clusters(orb.Bound{Min: orb.Point{minLng, minLat}, Max: orb.Point{180, maxLat}}, zoom)
		west := idx.Clusters(orb.Bound{Min: orb.Point{-180, minLat}, Max: orb.Point{maxLng, maxLat}}, zoom)
		return append(east, west...)
	}

	tree := idx.Trees[idx.limitZoom(zoom)]
	var out []Result
	tree.Range(lngX(minLng), latY(maxLat), lngX(maxLng), latY(minLat), func(i int) {
		out = append(out, idx.result(tree.Points[i]))
	})
	return out
}

func (idx *Index) result(p KDPoint) Result {
	if !p.IsCluster() {
		pt := idx.Points[p.ID]
		var counts Counts
		counts[pt.Category] = 1
		return Result{ID: p.ID, Lon: pt.Lon, Lat: pt.Lat, Count: 1, Counts: counts, Point: pt}
	}
	return Result{
		ID:      p.ID,
		Cluster: true,
		Lon:     xLng(p.X),
		Lat:     yLat(p.Y),
		Count:   p.NumPoints,
		Counts:  p.Counts,
	}
}

func (idx *Index) origin(clusterID int64) (zoom int, pos int, ok bool) {
	rel := clusterID - int64(len(idx.Points))
	if rel < 0 {
		return 0, 0, false
	}
	zoom = int(rel % 32)
	pos = int(rel >> 5)
	if zoom < idx.Options.MinZoom+1 || zoom > idx.Options.MaxZoom+1 {
		return 0, 0, false
	}
	tree := idx.Trees[zoom]
	if tree == nil || pos >= len(tree.Points) {
		return 0, 0, false
	}
	return zoom, pos, true
}

// Children returns the entities merged into clusterID, one zoom finer.
func (idx *Index) Children(clusterID int64) ([]Result, error) {
	zoom, pos, ok := idx.origin(clusterID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}
	tree := idx.Trees[zoom]
	origin := tree.Points[pos]
	r := idx.Options.Radius / (float64(idx.Options.Extent) * math.Pow(2, float64(zoom-1)))

	var children []Result
	for _, i := range tree.Within(origin.X, origin.Y, r) {
		if tree.Points[i].ParentID == clusterID {
			children = append(children, idx.result(tree.Points[i]))
		}
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}
	return children, nil
}

// Leaves returns up to limit points of clusterID, skipping the first offset.
func (idx *Index) Leaves(clusterID int64, limit, offset int) ([]Point, error) {
	if limit <= 0 {
		return nil, nil
	}
	leaves := make([]Point, 0, min(limit, 256))
	if _, err := idx.appendLeaves(&leaves, clusterID, limit, offset, 0); err != nil {
		return nil, err
	}
	return leaves, nil
}

func (idx *Index) appendLeaves(out *[]Point, clusterID int64, limit, offset, skipped int) (int, error) {
	children, err := idx.Children(clusterID)
	if err != nil {
		return skipped, err
	}
	for _, child := range children {
		if child.Cluster {
			if skipped+int(child.Count) <= offset {
				skipped += int(child.Count)
			} else if skipped, err = idx.appendLeaves(out, child.ID, limit, offset, skipped); err != nil {
				return skipped, err
			}
		} else if skipped < offset {
			skipped++
		} else {
			*out = append(*out, child.Point)
		}
		if len(*out) == limit {
			break
		}
	}
	return skipped, nil
}

// ExpansionZoom returns the zoom at which clusterID breaks into several entities.
func (idx *Index) ExpansionZoom(clusterID int64) (int, error) {
	zoom, _, ok := idx.origin(clusterID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}
	expansion := zoom - 1
	for expansion <= idx.Options.MaxZoom {
		children, err := idx.Children(clusterID)
		if err != nil {
			return 0, err
		}
		expansion++
		if len(children) != 1 || !children[0].Cluster {
			break
		}
		clusterID = children[0].ID
	}
	return expansion, nil
}

// Point returns the point whose detail index is index. Points usually keep
// input order, so a binary search is tried before a scan.
func (idx *Index) Point(index int32) (Point, bool) {
	i := sort.Search(len(idx.Points), func(i int) bool { return idx.Points[i].Index >= index })
	if i < len(idx.Points) && idx.Points[i].Index == index {
		return idx.Points[i], true
	}
	for _, p := range idx.Points {
		if p.Index == index {
			return p, true
		}
	}
	return Point{}, false
}

// Len returns the number of indexed points.
func (idx *Index) Len() int {
	return len(idx.Points)
}

// lngX and latY project lng/lat to normalized web mercator space.
func lngX(lng float64) float64 {
	return lng/360 + 0.5
}

func latY(lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}

func xLng(x float64) float64 {
	return (x - 0.5) * 360
}

func yLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}
