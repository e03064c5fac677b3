package cluster

import (
	"math"
	"sort"
)

// KDNode is a node of the flat KD-tree. Leaf buckets cover Points[Start:End+1].
type KDNode struct {
	PointIdx int32 // median point for inner nodes
	Start    int32
	End      int32
	Left     int32 // index into nodes array, -1 for none
	Right    int32
	Axis     uint8
}

// KDPoint is an entity of one zoom level: either an input point or a cluster.
// Coordinates are in normalized mercator space [0,1].
type KDPoint struct {
	X, Y      float64
	ID        int64 // leaf: position in Index.Points; cluster: encoded id
	ParentID  int64 // cluster id at the next coarser zoom, -1 when unclustered
	Zoom      int32 // last zoom this entity was processed at during build
	NumPoints uint32
	Index     int32 // detail back-reference for leaves, -1 for clusters
	Counts    Counts
}

// IsCluster reports whether the entity aggregates more than one point.
func (p KDPoint) IsCluster() bool {
	return p.Index < 0
}

// KDTree indexes the entities of a single zoom level.
type KDTree struct {
	Nodes    []KDNode  // All nodes in a single slice
	Points   []KDPoint // Reordered by the build
	NodeSize int
	Bounds   KDBounds
}

type KDBounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Extend expands bounds to include another point
func (b *KDBounds) Extend(x, y float64) {
	b.MinX = math.Min(b.MinX, x)
	b.MinY = math.Min(b.MinY, y)
	b.MaxX = math.Max(b.MaxX, x)
	b.MaxY = math.Max(b.MaxY, y)
}

// NewKDTree takes ownership of points and builds the tree over them.
func NewKDTree(points []KDPoint, nodeSize int) *KDTree {
	tree := &KDTree{
		Nodes:    make([]KDNode, 0, 2*len(points)/max(nodeSize, 1)+1),
		Points:   points,
		NodeSize: nodeSize,
		Bounds: KDBounds{
			MinX: math.Inf(1),
			MinY: math.Inf(1),
			MaxX: math.Inf(-1),
			MaxY: math.Inf(-1),
		},
	}

	for _, p := range points {
		tree.Bounds.Extend(p.X, p.Y)
	}

	if len(points) > 0 {
		tree.buildNodes(0, len(points)-1, 0)
	}
	return tree
}

func (t *KDTree) buildNodes(start, end, depth int) int32 {
	if start > end {
		return -1
	}

	nodeIdx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, KDNode{Start: int32(start), End: int32(end), Left: -1, Right: -1})

	if end-start < t.NodeSize {
		t.Nodes[nodeIdx].PointIdx = -1
		return nodeIdx
	}

	axis := depth % 2
	median := (start + end) / 2
	sortPointsRange(t.Points[start:end+1], axis)

	// t.Nodes may be reallocated by the recursive calls; index, don't hold a pointer.
	t.Nodes[nodeIdx].PointIdx = int32(median)
	t.Nodes[nodeIdx].Axis = uint8(axis)
	left := t.buildNodes(start, median-1, depth+1)
	right := t.buildNodes(median+1, end, depth+1)
	t.Nodes[nodeIdx].Left = left
	t.Nodes[nodeIdx].Right = right
	return nodeIdx
}

func sortPointsRange(points []KDPoint, axis int) {
	if axis == 0 {
		sort.Slice(points, func(i, j int) bool {
			return points[i].X < points[j].X
		})
	} else {
		sort.Slice(points, func(i, j int) bool {
			return points[i].Y < points[j].Y
		})
	}
}

// Range calls fn with the position of every point inside the box, in
// ascending position order.
func (t *KDTree) Range(minX, minY, maxX, maxY float64, fn func(i int)) {
	b := t.Bounds
	if len(t.Nodes) == 0 || maxX < b.MinX || minX > b.MaxX || maxY < b.MinY || minY > b.MaxY {
		return
	}
	// In-order traversal visits positions in ascending order, so a box
	// holding every point needs no descent.
	if minX <= b.MinX && maxX >= b.MaxX && minY <= b.MinY && maxY >= b.MaxY {
		for i := range t.Points {
			fn(i)
		}
		return
	}
	t.rangeNode(0, minX, minY, maxX, maxY, fn)
}

func (t *KDTree) rangeNode(nodeIdx int32, minX, minY, maxX, maxY float64, fn func(i int)) {
	node := t.Nodes[nodeIdx]
	if node.PointIdx < 0 {
		for i := node.Start; i <= node.End; i++ {
			p := t.Points[i]
			if p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY {
				fn(int(i))
			}
		}
		return
	}

	m := t.Points[node.PointIdx]
	coord, lo, hi := m.X, minX, maxX
	if node.Axis == 1 {
		coord, lo, hi = m.Y, minY, maxY
	}

	if node.Left >= 0 && lo <= coord {
		t.rangeNode(node.Left, minX, minY, maxX, maxY, fn)
	}
	if m.X >= minX && m.X <= maxX && m.Y >= minY && m.Y <= maxY {
		fn(int(node.PointIdx))
	}
	if node.Right >= 0 && hi >= coord {
		t.rangeNode(node.Right, minX, minY, maxX, maxY, fn)
	}
}

// Within returns the positions of all points within radius r of (x, y).
func (t *KDTree) Within(x, y, r float64) []int {
	var out []int
	r2 := r * r
	t.Range(x-r, y-r, x+r, y+r, func(i int) {
		dx := t.Points[i].X - x
		dy := t.Points[i].Y - y
		if dx*dx+dy*dy <= r2 {
			out = append(out, i)
		}
	})
	return out
}
