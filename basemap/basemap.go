// Package basemap holds background region geometry indexed for viewport
// lookups. It plays no part in clustering.
package basemap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

const (
	minChildren = 25
	maxChildren = 50

	// minExtent gives point-like regions a non-zero box.
	minExtent = 1e-9
)

// ErrEmpty is returned when a collection holds no usable geometry.
var ErrEmpty = errors.New("basemap: no regions")

// Region is one background shape, typically a state or county. Label is a
// short display name such as a state abbreviation; State names the state a
// county belongs to.
type Region struct {
	ID       string
	Name     string
	Label    string
	State    string
	Geometry orb.Geometry
	Bound    orb.Bound
}

// Bounds implements rtreego.Spatial.
func (r *Region) Bounds() rtreego.Rect {
	lengths := []float64{
		max(r.Bound.Max[0]-r.Bound.Min[0], minExtent),
		max(r.Bound.Max[1]-r.Bound.Min[1], minExtent),
	}
	rect, err := rtreego.NewRect(rtreego.Point{r.Bound.Min[0], r.Bound.Min[1]}, lengths)
	if err != nil {
		// lengths are always positive
		panic(err)
	}
	return rect
}

// Map is an immutable R-tree of regions.
type Map struct {
	tree    *rtreego.Rtree
	regions []*Region
	byID    map[string]*Region
	bound   orb.Bound
}

// New indexes regions. Regions without geometry are dropped.
func New(regions []*Region) *Map {
	m := &Map{
		tree: rtreego.NewTree(2, minChildren, maxChildren),
		byID: make(map[string]*Region, len(regions)),
	}
	for _, r := range regions {
		if r == nil || r.Geometry == nil {
			continue
		}
		if r.Bound.IsZero() {
			r.Bound = r.Geometry.Bound()
		}
		if len(m.regions) == 0 {
			m.bound = r.Bound
		} else {
			m.bound = m.bound.Union(r.Bound)
		}
		m.tree.Insert(r)
		m.regions = append(m.regions, r)
		m.byID[r.ID] = r
	}
	return m
}

// FromGeoJSON builds a map from a feature collection. The region id is the
// feature id, falling back to its "id" property and then its position. The
// "name", "abbr" (or "label") and "state" properties fill the other fields.
func FromGeoJSON(fc *geojson.FeatureCollection) (*Map, error) {
	if fc == nil || len(fc.Features) == 0 {
		return nil, ErrEmpty
	}
	regions := make([]*Region, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		id := fmt.Sprint(f.ID)
		if f.ID == nil {
			id = f.Properties.MustString("id", fmt.Sprintf("%05d", i))
		}
		label := f.Properties.MustString("abbr", "")
		if label == "" {
			label = f.Properties.MustString("label", "")
		}
		regions = append(regions, &Region{
			ID:       id,
			Name:     f.Properties.MustString("name", ""),
			Label:    label,
			State:    f.Properties.MustString("state", ""),
			Geometry: f.Geometry,
			Bound:    f.Geometry.Bound(),
		})
	}
	m := New(regions)
	if m.Len() == 0 {
		return nil, ErrEmpty
	}
	return m, nil
}

// Len returns the number of indexed regions.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.regions)
}

// Visible returns the regions intersecting b, sorted by id.
func (m *Map) Visible(b orb.Bound) []*Region {
	if m.Len() == 0 {
		return nil
	}
	query := (&Region{Bound: b}).Bounds()

	hits := m.tree.SearchIntersect(query)
	out := make([]*Region, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.(*Region))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bound is the extent of every region.
func (m *Map) Bound() orb.Bound {
	if m == nil {
		return orb.Bound{}
	}
	return m.bound
}

// Get returns the region with id, or nil.
func (m *Map) Get(id string) *Region {
	if m == nil {
		return nil
	}
	return m.byID[id]
}

// Locate returns the polygonal region containing p, or nil. Regions sharing
// a border resolve to the lowest id.
func (m *Map) Locate(p orb.Point) *Region {
	if m.Len() == 0 || !m.bound.Contains(p) {
		return nil
	}
	for _, r := range m.Visible(orb.Bound{Min: p, Max: p}) {
		switch g := r.Geometry.(type) {
		case orb.Polygon:
			if planar.PolygonContains(g, p) {
				return r
			}
		case orb.MultiPolygon:
			if planar.MultiPolygonContains(g, p) {
				return r
			}
		}
	}
	return nil
}
