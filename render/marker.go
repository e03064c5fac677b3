// Package render turns cluster query results into markers on a drawing
// surface and translates pointer input into selection and hover events.
package render

import (
	"fmt"

	"web/clustermap/cluster"
)

// Labels and Colors are indexed by category.
var (
	Labels = [cluster.NumCategories]string{"Active", "Likely Active", "Uncertain", "Likely Closed"}
	Colors = [cluster.NumCategories]string{"#22c55e", "#3b82f6", "#eab308", "#ef4444"}
)

const (
	// HoverRadius is the radius of a leaf under the pointer.
	HoverRadius = 6.0
	// minLabelRadius hides the count of clusters too small to hold it.
	minLabelRadius = 4.0
)

func CategoryLabel(c cluster.Category) string {
	if int(c) < len(Labels) {
		return Labels[c]
	}
	return "Unknown"
}

func CategoryColor(c cluster.Category) string {
	if int(c) < len(Colors) {
		return Colors[c]
	}
	return "#9ca3af"
}

// Marker is one drawn entity in screen pixels.
type Marker struct {
	Key         string           `json:"key"`
	Cluster     bool             `json:"cluster"`
	ID          int64            `json:"id"`
	Index       int32            `json:"index"` // leaf only
	Lon         float64          `json:"lon"`
	Lat         float64          `json:"lat"`
	X           float64          `json:"x"`
	Y           float64          `json:"y"`
	Radius      float64          `json:"r"`
	Fill        string           `json:"fill"`
	FillOpacity float64          `json:"fillOpacity"`
	Stroke      string           `json:"stroke"`
	Text        string           `json:"text,omitempty"`
	Count       uint32           `json:"count"`
	Counts      cluster.Counts   `json:"counts"`
	Category    cluster.Category `json:"category"`
	Hidden      bool             `json:"hidden,omitempty"`
	Hovered     bool             `json:"hovered,omitempty"`
}

// newMarker styles r. x, y are its screen position; ok is false when the
// position could not be projected, in which case the marker is hidden.
func newMarker(r cluster.Result, x, y float64, ok bool) Marker {
	m := Marker{
		Key:      r.Key(),
		Cluster:  r.Cluster,
		ID:       r.ID,
		Index:    r.Point.Index,
		Lon:      r.Lon,
		Lat:      r.Lat,
		X:        x,
		Y:        y,
		Count:    r.Count,
		Counts:   r.Counts,
		Category: r.Dominant(),
		Fill:     CategoryColor(r.Dominant()),
		Hidden:   !ok,
	}
	if r.Cluster {
		m.Index = -1
		m.Radius = cluster.MarkerRadius(r.Count)
		m.FillOpacity = 0.85
		m.Stroke = "#ffffff"
		if m.Radius > minLabelRadius {
			m.Text = CountLabel(r.Count)
		}
	} else {
		m.Radius = cluster.LeafRadius
		m.FillOpacity = 0.9
		m.Stroke = "#000000"
	}
	return m
}

// hover restyles a leaf under the pointer. Clusters keep their style.
func (m Marker) hover(on bool) Marker {
	m.Hovered = on
	if m.Cluster {
		return m
	}
	if on {
		m.Radius, m.FillOpacity = HoverRadius, 1
	} else {
		m.Radius, m.FillOpacity = cluster.LeafRadius, 0.9
	}
	return m
}

// CountLabel abbreviates counts of a thousand or more, e.g. 1.2k.
func CountLabel(n uint32) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
