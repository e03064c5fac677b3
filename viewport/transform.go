package viewport

import "math"

const (
	MinScale = 1.0
	MaxScale = 40.0
)

// Transform is a pan/zoom transform from projected to screen pixels:
// screen = projected*K + (X, Y).
type Transform struct {
	K float64 `json:"k"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Identity is the untransformed view.
var Identity = Transform{K: 1}

func (t Transform) Apply(x, y float64) (float64, float64) {
	return x*t.K + t.X, y*t.K + t.Y
}

func (t Transform) Invert(x, y float64) (float64, float64) {
	return (x - t.X) / t.K, (y - t.Y) / t.K
}

// Translate pans by dx, dy screen pixels.
func (t Transform) Translate(dx, dy float64) Transform {
	return Transform{K: t.K, X: t.X + dx, Y: t.Y + dy}
}

// ScaleAbout multiplies the scale by factor keeping screen point (cx, cy)
// fixed. The resulting scale is clamped to [MinScale, MaxScale].
func (t Transform) ScaleAbout(factor, cx, cy float64) Transform {
	k := clampScale(t.K * factor)
	if k == t.K {
		return t
	}
	px, py := t.Invert(cx, cy)
	return Transform{K: k, X: cx - px*k, Y: cy - py*k}
}

func clampScale(k float64) float64 {
	if math.IsNaN(k) {
		return MinScale
	}
	return math.Max(MinScale, math.Min(MaxScale, k))
}

// interpolate blends a and b at t in [0,1]. Scale moves geometrically, the
// screen-centre anchor linearly, so zooming feels uniform.
func interpolate(a, b Transform, t, cx, cy float64) Transform {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	k := math.Exp(math.Log(a.K) + (math.Log(b.K)-math.Log(a.K))*t)
	ax, ay := a.Invert(cx, cy)
	bx, by := b.Invert(cx, cy)
	px := ax + (bx-ax)*t
	py := ay + (by-ay)*t
	return Transform{K: k, X: cx - px*k, Y: cy - py*k}
}
