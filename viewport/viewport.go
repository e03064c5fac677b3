package viewport

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

// State is the interaction state of a viewport.
type State int

const (
	Idle State = iota
	Panning
	Zooming
)

func (s State) String() string {
	switch s {
	case Panning:
		return "panning"
	case Zooming:
		return "zooming"
	default:
		return "idle"
	}
}

const (
	// ZoomStep is the scale factor of one programmatic zoom in/out.
	ZoomStep      = 1.5
	ZoomDuration  = 300 * time.Millisecond
	ResetDuration = 750 * time.Millisecond

	// padFraction of the visible span is added around query bounds, clamped
	// to [minPadDeg, maxPadDeg] degrees.
	padFraction = 0.25
	minPadDeg   = 0.05
	maxPadDeg   = 2.0
)

// DefaultFallback is queried when the screen cannot be inverted.
var DefaultFallback = orb.Bound{Min: orb.Point{-180, 17}, Max: orb.Point{-65, 72}}

type animation struct {
	from, to Transform
	start    time.Time
	duration time.Duration
}

// Viewport tracks screen size, pan/zoom transform and gesture state. It is
// not safe for concurrent use; the owning controller serialises access.
type Viewport struct {
	proj      Projection
	width     float64
	height    float64
	transform Transform
	state     State
	anim      *animation
	now       func() time.Time
	fallback  orb.Bound
}

type Option func(*Viewport)

// WithClock replaces time.Now for animations.
func WithClock(now func() time.Time) Option {
	return func(v *Viewport) { v.now = now }
}

// WithFallback sets the bound returned when the screen cannot be inverted.
func WithFallback(b orb.Bound) Option {
	return func(v *Viewport) { v.fallback = b }
}

// New fits proj to width x height and starts at the identity transform.
func New(proj Projection, width, height float64, opts ...Option) *Viewport {
	v := &Viewport{
		proj:      proj,
		width:     width,
		height:    height,
		transform: Identity,
		now:       time.Now,
		fallback:  DefaultFallback,
	}
	for _, opt := range opts {
		opt(v)
	}
	proj.Fit(width, height)
	return v
}

func (v *Viewport) Transform() Transform       { return v.transform }
func (v *Viewport) State() State               { return v.state }
func (v *Viewport) Size() (float64, float64)   { return v.width, v.height }
func (v *Viewport) Projection() Projection     { return v.proj }
func (v *Viewport) Animating() bool            { return v.anim != nil }
func (v *Viewport) center() (float64, float64) { return v.width / 2, v.height / 2 }

// Project maps lon/lat to screen pixels under the current transform.
func (v *Viewport) Project(lon, lat float64) (float64, float64, error) {
	x, y, err := v.proj.Project(lon, lat)
	if err != nil {
		return 0, 0, err
	}
	sx, sy := v.transform.Apply(x, y)
	return sx, sy, nil
}

// Unproject maps screen pixels back to lon/lat.
func (v *Viewport) Unproject(sx, sy float64) (float64, float64, error) {
	x, y := v.transform.Invert(sx, sy)
	return v.proj.Unproject(x, y)
}

// BeginPan starts a drag gesture. Gestures are ignored unless idle.
func (v *Viewport) BeginPan() bool {
	if v.state != Idle || v.anim != nil {
		return false
	}
	v.state = Panning
	return true
}

// Pan moves the view by dx, dy screen pixels during a drag.
func (v *Viewport) Pan(dx, dy float64) bool {
	if v.state != Panning || (dx == 0 && dy == 0) {
		return false
	}
	v.transform = v.transform.Translate(dx, dy)
	return true
}

func (v *Viewport) EndPan() bool {
	if v.state != Panning {
		return false
	}
	v.state = Idle
	return true
}

// BeginZoom starts a wheel or pinch gesture.
func (v *Viewport) BeginZoom() bool {
	if v.state != Idle || v.anim != nil {
		return false
	}
	v.state = Zooming
	return true
}

// ZoomBy scales about screen point (cx, cy) during a zoom gesture.
func (v *Viewport) ZoomBy(factor, cx, cy float64) bool {
	if v.state != Zooming || factor <= 0 {
		return false
	}
	next := v.transform.ScaleAbout(factor, cx, cy)
	if next == v.transform {
		return false
	}
	v.transform = next
	return true
}

func (v *Viewport) EndZoom() bool {
	if v.state != Zooming {
		return false
	}
	v.state = Idle
	return true
}

// Wheel is a single-step zoom gesture.
func (v *Viewport) Wheel(factor, cx, cy float64) bool {
	if !v.BeginZoom() {
		return false
	}
	changed := v.ZoomBy(factor, cx, cy)
	v.EndZoom()
	return changed
}

// ZoomIn animates the scale up by ZoomStep about the screen centre.
func (v *Viewport) ZoomIn() bool {
	cx, cy := v.center()
	return v.animate(v.transform.ScaleAbout(ZoomStep, cx, cy), ZoomDuration)
}

// ZoomOut animates the scale down by ZoomStep about the screen centre.
func (v *Viewport) ZoomOut() bool {
	cx, cy := v.center()
	return v.animate(v.transform.ScaleAbout(1/ZoomStep, cx, cy), ZoomDuration)
}

// Reset animates back to the identity transform.
func (v *Viewport) Reset() bool {
	return v.animate(Identity, ResetDuration)
}

// animate starts a programmatic transition. Requests made while a gesture or
// another animation is in flight are ignored.
func (v *Viewport) animate(to Transform, d time.Duration) bool {
	if v.state != Idle || v.anim != nil || to == v.transform {
		return false
	}
	v.anim = &animation{from: v.transform, to: to, start: v.now(), duration: d}
	return true
}

// Tick advances a running animation. It reports whether the transform changed.
func (v *Viewport) Tick() bool {
	if v.anim == nil {
		return false
	}
	elapsed := v.now().Sub(v.anim.start)
	t := float64(elapsed) / float64(v.anim.duration)
	cx, cy := v.center()
	prev := v.transform
	v.transform = interpolate(v.anim.from, v.anim.to, t, cx, cy)
	if t >= 1 {
		v.transform = v.anim.to
		v.anim = nil
	}
	return v.transform != prev
}

// Finish jumps a running animation to its target.
func (v *Viewport) Finish() bool {
	if v.anim == nil {
		return false
	}
	v.transform = v.anim.to
	v.anim = nil
	return true
}

// Resize refits the projection and keeps the geographic point at the screen
// centre in the centre, at the same scale.
func (v *Viewport) Resize(width, height float64) bool {
	if width <= 0 || height <= 0 || (width == v.width && height == v.height) {
		return false
	}
	cx, cy := v.center()
	lon, lat, err := v.Unproject(cx, cy)

	v.width, v.height = width, height
	v.proj.Fit(width, height)

	if err == nil {
		if x, y, err := v.proj.Project(lon, lat); err == nil {
			k := v.transform.K
			v.transform = Transform{K: k, X: width/2 - x*k, Y: height/2 - y*k}
			return true
		}
	}
	// The old centre no longer projects; keep the relative offset instead.
	v.transform.X *= width / (cx * 2)
	v.transform.Y *= height / (cy * 2)
	return true
}

// Bounds returns the geographic bound of the visible screen plus a margin so
// entities just off screen are already present when panned in. Insets on
// screen contribute their whole domain.
func (v *Viewport) Bounds() orb.Bound {
	w, h := v.width, v.height
	samples := [][2]float64{
		{0, 0}, {w / 2, 0}, {w, 0},
		{0, h / 2}, {w, h / 2},
		{0, h}, {w / 2, h}, {w, h},
	}

	var b orb.Bound
	for i, s := range samples {
		lon, lat, err := v.Unproject(s[0], s[1])
		if err != nil {
			return v.fallback
		}
		p := orb.Point{lon, lat}
		if i == 0 {
			b = orb.Bound{Min: p, Max: p}
		} else {
			b = b.Extend(p)
		}
	}

	padX := clampPad((b.Max[0] - b.Min[0]) * padFraction)
	padY := clampPad((b.Max[1] - b.Min[1]) * padFraction)
	b = orb.Bound{
		Min: orb.Point{math.Max(-180, b.Min[0]-padX), math.Max(-90, b.Min[1]-padY)},
		Max: orb.Point{math.Min(180, b.Max[0]+padX), math.Min(90, b.Max[1]+padY)},
	}

	if ip, ok := v.proj.(InsetProjection); ok {
		for _, in := range ip.Insets() {
			if v.onScreen(in.Clip) {
				b = b.Union(in.Domain)
			}
		}
	}
	return b
}

// onScreen reports whether a box in projected pixels intersects the screen.
func (v *Viewport) onScreen(clip orb.Bound) bool {
	x0, y0 := v.transform.Apply(clip.Min[0], clip.Min[1])
	x1, y1 := v.transform.Apply(clip.Max[0], clip.Max[1])
	return x1 >= 0 && x0 <= v.width && y1 >= 0 && y0 <= v.height
}

func clampPad(p float64) float64 {
	return math.Max(minPadDeg, math.Min(maxPadDeg, p))
}
