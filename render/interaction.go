package render

import (
	"math"
	"sort"

	"web/clustermap/cluster"
)

// mutate runs a viewport operation under the lock and schedules a frame if
// the transform or screen size changed.
func (c *Controller) mutate(reason string, op func() bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	before := c.vp.Transform()
	bw, bh := c.vp.Size()
	changed := op()
	aw, ah := c.vp.Size()
	moved := c.vp.Transform() != before || aw != bw || ah != bh
	c.mu.Unlock()

	if moved {
		c.RequestFrame(reason)
	}
	return changed
}

func (c *Controller) BeginPan() bool { return c.mutate("pan", c.vp.BeginPan) }

func (c *Controller) Pan(dx, dy float64) bool {
	return c.mutate("pan", func() bool { return c.vp.Pan(dx, dy) })
}

func (c *Controller) EndPan() bool { return c.mutate("pan", c.vp.EndPan) }

func (c *Controller) BeginZoom() bool { return c.mutate("zoom", c.vp.BeginZoom) }

func (c *Controller) ZoomBy(factor, x, y float64) bool {
	return c.mutate("zoom", func() bool { return c.vp.ZoomBy(factor, x, y) })
}

func (c *Controller) EndZoom() bool { return c.mutate("zoom", c.vp.EndZoom) }

// Wheel zooms by factor about the pointer.
func (c *Controller) Wheel(factor, x, y float64) bool {
	return c.mutate("zoom", func() bool { return c.vp.Wheel(factor, x, y) })
}

func (c *Controller) ZoomIn() bool  { return c.mutate("zoom-in", c.vp.ZoomIn) }
func (c *Controller) ZoomOut() bool { return c.mutate("zoom-out", c.vp.ZoomOut) }
func (c *Controller) Reset() bool   { return c.mutate("reset", c.vp.Reset) }

// DoubleClick resets the view.
func (c *Controller) DoubleClick() bool { return c.Reset() }

// Tick advances a running animation.
func (c *Controller) Tick() bool { return c.mutate("animate", c.vp.Tick) }

func (c *Controller) Resize(width, height float64) bool {
	return c.mutate("resize", func() bool { return c.vp.Resize(width, height) })
}

// markerAt returns the visible marker closest to x, y whose circle covers it.
func (c *Controller) markerAt(x, y float64) (Marker, bool) {
	var (
		best  Marker
		bestD = math.Inf(1)
		found bool
	)
	keys := make([]string, 0, len(c.markers))
	for k := range c.markers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m := c.markers[k]
		if m.Hidden {
			continue
		}
		d := math.Hypot(m.X-x, m.Y-y)
		if d <= m.Radius && d < bestD {
			best, bestD, found = m, d, true
		}
	}
	return best, found
}

func (c *Controller) describe(m Marker) *Hover {
	var h Hover
	if m.Cluster {
		h = DescribeCluster(m.Key, m.Counts)
	} else {
		h = DescribePoint(m.point(), c.details)
	}
	return &h
}

func (m Marker) point() cluster.Point {
	return cluster.Point{Lon: m.Lon, Lat: m.Lat, Category: m.Category, Index: m.Index}
}

// setHoverLocked moves the hover to key and restyles the affected markers.
// It returns the event to emit, if the hover changed.
func (c *Controller) setHoverLocked(key string, h *Hover) []Event {
	if key == c.hovered {
		if sameHover(c.hover, h) {
			return nil
		}
		// Same entity, new text: details arrived since the last hover.
		c.hover = h
		return []Event{{Kind: HoverChanged, Hover: h}}
	}
	if old, ok := c.markers[c.hovered]; ok {
		old = old.hover(false)
		c.markers[old.Key] = old
		c.surface.Update(old)
	}
	if m, ok := c.markers[key]; ok {
		m = m.hover(true)
		c.markers[key] = m
		c.surface.Update(m)
	}
	c.hovered, c.hover = key, h
	return []Event{{Kind: HoverChanged, Hover: h}}
}

func sameHover(a, b *Hover) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// HoverAt moves the pointer to screen position x, y. A marker under the
// pointer wins over a shaded county, which wins over the region beneath it.
func (c *Controller) HoverAt(x, y float64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var events []Event
	if m, ok := c.markerAt(x, y); ok {
		events = c.setHoverLocked(m.Key, c.describe(m))
	} else if lon, lat, err := c.vp.Unproject(x, y); err == nil {
		if h, ok := c.countyAtLocked(lon, lat); ok {
			events = c.setHoverLocked(h.Key, h)
		} else if r := c.regionAt(lon, lat); r != nil {
			key := regionKeyPrefix + r.ID
			events = c.setHoverLocked(key, &Hover{Kind: "region", Key: key, Label: r.Name})
		} else {
			events = c.setHoverLocked("", nil)
		}
	} else {
		events = c.setHoverLocked("", nil)
	}
	c.mu.Unlock()
	c.emit(events...)
}

// Hover moves the pointer onto the marker with key. Unknown keys clear the hover.
func (c *Controller) Hover(key string) *Hover {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var events []Event
	if m, ok := c.markers[key]; ok && !m.Hidden {
		events = c.setHoverLocked(key, c.describe(m))
	} else {
		events = c.setHoverLocked("", nil)
	}
	h := c.hover
	c.mu.Unlock()
	c.emit(events...)
	return h
}

// Leave clears the hover.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	events := c.setHoverLocked("", nil)
	c.mu.Unlock()
	c.emit(events...)
}

// ClickAt clicks screen position x, y. Empty space emits Dismissed.
func (c *Controller) ClickAt(x, y float64) {
	c.mu.Lock()
	m, ok := c.markerAt(x, y)
	c.mu.Unlock()
	if !ok {
		c.emit(Event{Kind: Dismissed})
		return
	}
	c.Click(m.Key)
}

// Click selects the marker with key: a leaf emits PointSelected, a cluster
// resolves up to MaxClusterLeaves leaves and emits ClusterSelected.
func (c *Controller) Click(key string) bool {
	c.mu.Lock()
	m, ok := c.markers[key]
	if c.closed || !ok || m.Hidden {
		c.mu.Unlock()
		return false
	}

	var e Event
	if m.Cluster {
		leaves, err := c.idx.Leaves(m.ID, MaxClusterLeaves, 0)
		if err != nil {
			c.mu.Unlock()
			c.log.WithError(err).WithField("cluster", m.ID).Warn("failed to resolve cluster leaves")
			return false
		}
		sel := make([]Selection, len(leaves))
		for i, p := range leaves {
			sel[i] = SelectPoint(p, c.details)
		}
		e = Event{Kind: ClusterSelected, ClusterID: m.ID, Leaves: sel, Total: m.Count}
	} else {
		s := SelectPoint(m.point(), c.details)
		e = Event{Kind: PointSelected, Point: &s}
	}
	c.mu.Unlock()
	c.emit(e)
	return true
}

// DescribeIndex returns the hover text of the point with detail index i,
// whether or not it is on screen.
func (c *Controller) DescribeIndex(i int32) (Hover, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx == nil {
		return Hover{}, false
	}
	p, ok := c.idx.Point(i)
	if !ok {
		return Hover{}, false
	}
	return DescribePoint(p, c.details), true
}

// SelectIndex returns the selection of the point with detail index i.
func (c *Controller) SelectIndex(i int32) (Selection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx == nil {
		return Selection{}, false
	}
	p, ok := c.idx.Point(i)
	if !ok {
		return Selection{}, false
	}
	return SelectPoint(p, c.details), true
}
