package render

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"web/clustermap/basemap"
	"web/clustermap/cluster"
)

const (
	// CountyMinScale is the zoom scale above which counties are drawn and
	// requested.
	CountyMinScale = 1.5

	countyKeyPrefix = "county:"
	// NoDataFill is the fill of regions without points.
	NoDataFill = "#0a0a0a"
	heatMin    = 1
	heatMax    = 50
)

// HeatColors are the county fills from sparse to dense.
var HeatColors = [...]string{"#0c1614", "#0f201d", "#122b27", "#163a34"}

// Label is text drawn at a screen position.
type Label struct {
	Text string  `json:"text"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Background is everything drawn beneath the markers.
type Background struct {
	Regions       []Shape `json:"regions"`
	BorderOpacity float64 `json:"borderOpacity"`
	Counties      []Shape `json:"counties,omitempty"`
	CountyOpacity float64 `json:"countyOpacity"`
	Labels        []Label `json:"labels,omitempty"`
	LabelOpacity  float64 `json:"labelOpacity"`
}

// HeatFill quantizes a county's point count over [1, 50] into HeatColors.
// Counts above the range use the densest color.
func HeatFill(total int) string {
	if total < heatMin {
		return NoDataFill
	}
	i := int(float64(len(HeatColors)) * float64(total-heatMin) / float64(heatMax-heatMin))
	return HeatColors[min(i, len(HeatColors)-1)]
}

// borderOpacity fades region borders at high zoom so dots stand out.
func borderOpacity(k float64) float64 {
	if k <= 10 {
		return 1
	}
	return math.Max(0.2, 1-(k-10)/10)
}

// countyOpacity fades counties in over two zoom steps past CountyMinScale.
func countyOpacity(k float64) float64 {
	if k <= CountyMinScale {
		return 0
	}
	return math.Min(1, (k-CountyMinScale)/2)
}

// labelOpacity shows region labels at mid zoom only.
func labelOpacity(k float64) float64 {
	if k <= 2 || k >= 6 {
		return 0
	}
	return math.Min(1, (6-k)/2)
}

// DescribeCounty is the hover text of a county with points.
func DescribeCounty(r *basemap.Region, state string, c basemap.Count) Hover {
	label := r.Name
	if label == "" {
		label = "County " + r.ID
	}
	if state != "" {
		label += ", " + state
	}
	return Hover{
		Kind:   "county",
		Key:    countyKeyPrefix + r.ID,
		Label:  label,
		Detail: fmt.Sprintf("%d points (%d %s)", c.Total, c.Active, strings.ToLower(Labels[0])),
	}
}

// indexPoints yields the points of idx and whether each is active.
func indexPoints(idx *cluster.Index) func(yield func(orb.Point, bool) bool) {
	return func(yield func(orb.Point, bool) bool) {
		for _, p := range idx.Points {
			if !yield(orb.Point{p.Lon, p.Lat}, p.Category == 0) {
				return
			}
		}
	}
}

// backgroundLocked projects the visible base layers for transform scale k.
func (c *Controller) backgroundLocked(bound orb.Bound, k float64) (Background, int, int) {
	bg := Background{
		BorderOpacity: borderOpacity(k),
		CountyOpacity: countyOpacity(k),
		LabelOpacity:  labelOpacity(k),
	}

	var regions []*basemap.Region
	if c.base != nil {
		regions = c.base.Visible(bound)
		bg.Regions = make([]Shape, 0, len(regions))
		for _, r := range regions {
			if p := c.path(r.Geometry); p != "" {
				bg.Regions = append(bg.Regions, Shape{ID: r.ID, Name: r.Name, Path: p, Fill: NoDataFill})
			}
		}
	}

	if c.counties != nil && bg.CountyOpacity > 0 && bound.Intersects(c.counties.Bound()) {
		density := c.countyDensityLocked()
		for _, r := range c.counties.Visible(bound) {
			if p := c.path(r.Geometry); p != "" {
				bg.Counties = append(bg.Counties, Shape{ID: r.ID, Name: r.Name, Path: p, Fill: HeatFill(density[r.ID].Total)})
			}
		}
	}

	if bg.LabelOpacity > 0 {
		for _, r := range regions {
			if r.Label == "" {
				continue
			}
			if l, ok := c.label(r); ok {
				bg.Labels = append(bg.Labels, l)
			}
		}
	}
	return bg, len(bg.Regions), len(bg.Counties)
}

// countyDensityLocked returns the loaded density, or tallies the index when
// none was loaded.
func (c *Controller) countyDensityLocked() basemap.Density {
	if c.density == nil && c.idx != nil && c.counties != nil {
		c.density = c.counties.Tally(indexPoints(c.idx))
		c.densityTallied = true
	}
	return c.density
}

// label places r's label at its centroid.
func (c *Controller) label(r *basemap.Region) (Label, bool) {
	switch r.Geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return Label{}, false
	}
	centroid, _ := planar.CentroidArea(r.Geometry)
	x, y, err := c.vp.Project(centroid[0], centroid[1])
	if err != nil {
		return Label{}, false
	}
	return Label{Text: r.Label, X: x, Y: y}, true
}

// countyAtLocked returns the hover of the county under lon/lat, if counties
// are drawn and it holds points.
func (c *Controller) countyAtLocked(lon, lat float64) (*Hover, bool) {
	if c.counties == nil || countyOpacity(c.vp.Transform().K) == 0 {
		return nil, false
	}
	r := c.counties.Locate(orb.Point{lon, lat})
	if r == nil {
		return nil, false
	}
	count := c.countyDensityLocked()[r.ID]
	if count.Total == 0 {
		return nil, false
	}
	state := r.State
	if state == "" && len(r.ID) >= 2 {
		if s := c.base.Get(r.ID[:2]); s != nil {
			state = s.Label
		}
	}
	h := DescribeCounty(r, state, count)
	return &h, true
}
