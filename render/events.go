package render

import (
	"fmt"
	"strings"

	"web/clustermap/cluster"
	"web/clustermap/source"
)

// MaxClusterLeaves caps the leaves resolved when a cluster is clicked.
const MaxClusterLeaves = 200

type EventKind int

const (
	PointSelected EventKind = iota + 1
	ClusterSelected
	HoverChanged
	// Dismissed is a click on empty map space.
	Dismissed
)

func (k EventKind) String() string {
	switch k {
	case PointSelected:
		return "point_selected"
	case ClusterSelected:
		return "cluster_selected"
	case HoverChanged:
		return "hover_changed"
	case Dismissed:
		return "dismissed"
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Selection is one point handed to the surrounding application. Detail is
// nil until detail records have loaded.
type Selection struct {
	Point  cluster.Point        `json:"point"`
	Label  string               `json:"label"`
	Detail *source.DetailRecord `json:"detail,omitempty"`
}

// Hover is the lightweight description shown for the entity under the pointer.
type Hover struct {
	Kind   string `json:"kind"` // point, cluster or region
	Key    string `json:"key"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// Event is emitted to a Sink. Only the fields for Kind are set; a
// HoverChanged event with a nil Hover clears the hover.
type Event struct {
	Kind      EventKind   `json:"kind"`
	Point     *Selection  `json:"point,omitempty"`
	ClusterID int64       `json:"clusterId,omitempty"`
	Leaves    []Selection `json:"leaves,omitempty"`
	// Total is the cluster size, which may exceed len(Leaves).
	Total uint32 `json:"total,omitempty"`
	Hover *Hover `json:"hover,omitempty"`
}

// Sink consumes events. Emit is called without controller locks held.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// SelectPoint pairs p with its detail record when one is loaded.
func SelectPoint(p cluster.Point, details []source.DetailRecord) Selection {
	s := Selection{Point: p, Label: CategoryLabel(p.Category)}
	if d := detailFor(p, details); d != nil {
		s.Detail = d
	}
	return s
}

func detailFor(p cluster.Point, details []source.DetailRecord) *source.DetailRecord {
	if p.Index < 0 || int(p.Index) >= len(details) {
		return nil
	}
	d := details[p.Index]
	return &d
}

// DescribePoint is the hover text of a leaf: the category label until
// details are loaded, then the record's name and location.
func DescribePoint(p cluster.Point, details []source.DetailRecord) Hover {
	h := Hover{Kind: "point", Key: fmt.Sprintf("leaf:%d", p.Index)}
	d := detailFor(p, details)
	if d == nil {
		h.Label = CategoryLabel(p.Category)
		return h
	}
	h.Label = d.Name
	h.Detail = fmt.Sprintf("%s, %s %s -- %s", d.City, d.State, d.Zip, CategoryLabel(p.Category))
	return h
}

// DescribeCluster is the hover text of an aggregate: its size and the
// per-category breakdown.
func DescribeCluster(key string, counts cluster.Counts) Hover {
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = fmt.Sprintf("%s: %d", Labels[i], c)
	}
	return Hover{
		Kind:   "cluster",
		Key:    key,
		Label:  fmt.Sprintf("%d points", counts.Total()),
		Detail: strings.Join(parts, " / "),
	}
}
