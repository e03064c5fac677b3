// Package viewport maps geographic coordinates to screen pixels and tracks
// the pan/zoom state of an interactive map.
package viewport

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	radians = math.Pi / 180
	degrees = 180 / math.Pi
	epsilon = 1e-6
)

// Projection converts between lon/lat degrees and projected pixels.
type Projection interface {
	Project(lon, lat float64) (x, y float64, err error)
	Unproject(x, y float64) (lon, lat float64, err error)
	// Fit rescales the projection so its domain fills width x height.
	Fit(width, height float64)
}

// Inset is a region a composite projection draws apart from its main area.
// Clip is in projected pixels, Domain in lon/lat degrees.
type Inset struct {
	Clip   orb.Bound
	Domain orb.Bound
}

// InsetProjection is implemented by projections that draw insets. Inverting
// the screen only samples the main area, so callers add each visible inset's
// domain to query bounds themselves.
type InsetProjection interface {
	Insets() []Inset
}

// ProjectionUndefinedError is returned for coordinates outside a projection's domain.
type ProjectionUndefinedError struct {
	X, Y    float64
	Inverse bool
}

func (e *ProjectionUndefinedError) Error() string {
	if e.Inverse {
		return fmt.Sprintf("projection inverse undefined at (%g, %g)", e.X, e.Y)
	}
	return fmt.Sprintf("projection undefined at (%g, %g)", e.X, e.Y)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// conicEqualArea is the raw Albers conic equal-area projection on the unit sphere.
type conicEqualArea struct {
	n, c, r0 float64
}

func newConicEqualArea(phi0, phi1 float64) conicEqualArea {
	sy0 := math.Sin(phi0 * radians)
	n := (sy0 + math.Sin(phi1*radians)) / 2
	c := 1 + sy0*(2*n-sy0)
	return conicEqualArea{n: n, c: c, r0: math.Sqrt(c) / n}
}

func (p conicEqualArea) forward(lambda, phi float64) (float64, float64) {
	r := math.Sqrt(p.c-2*p.n*math.Sin(phi)) / p.n
	lambda *= p.n
	return r * math.Sin(lambda), p.r0 - r*math.Cos(lambda)
}

func (p conicEqualArea) inverse(x, y float64) (float64, float64) {
	r0y := p.r0 - y
	l := math.Atan2(x, math.Abs(r0y)) * sign(r0y)
	if r0y*p.n < 0 {
		l -= math.Pi * sign(x) * sign(r0y)
	}
	s := (p.c - (x*x+r0y*r0y)*p.n*p.n) / (2 * p.n)
	return l / p.n, math.Asin(math.Max(-1, math.Min(1, s)))
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func wrapLambda(l float64) float64 {
	if l > math.Pi {
		return l - 2*math.Pi
	}
	if l < -math.Pi {
		return l + 2*math.Pi
	}
	return l
}

// conic is a rotated, centered, scaled and clipped conic projection.
type conic struct {
	raw            conicEqualArea
	rotate         float64 // degrees added to longitude
	cx, cy         float64 // raw projection of the center
	k, tx, ty      float64
	x0, y0, x1, y1 float64 // clip extent in pixels
}

func newConic(phi0, phi1, rotate, centerLon, centerLat float64) conic {
	raw := newConicEqualArea(phi0, phi1)
	cx, cy := raw.forward(centerLon*radians, centerLat*radians)
	return conic{raw: raw, rotate: rotate, cx: cx, cy: cy, k: 1}
}

func (c *conic) set(k, tx, ty, x0, y0, x1, y1 float64) {
	c.k, c.tx, c.ty = k, tx, ty
	c.x0, c.y0, c.x1, c.y1 = x0, y0, x1, y1
}

func (c conic) project(lon, lat float64) (float64, float64, bool) {
	x, y := c.raw.forward(wrapLambda((lon+c.rotate)*radians), lat*radians)
	sx := c.tx + c.k*(x-c.cx)
	sy := c.ty - c.k*(y-c.cy)
	if !finite(sx, sy) || sx < c.x0 || sx > c.x1 || sy < c.y0 || sy > c.y1 {
		return 0, 0, false
	}
	return sx, sy, true
}

func (c conic) clip() orb.Bound {
	return orb.Bound{Min: orb.Point{c.x0, c.y0}, Max: orb.Point{c.x1, c.y1}}
}

func (c conic) unproject(sx, sy float64) (float64, float64) {
	lambda, phi := c.raw.inverse((sx-c.tx)/c.k+c.cx, c.cy-(sy-c.ty)/c.k)
	return wrapLambda(lambda-c.rotate*radians) * degrees, phi * degrees
}

// AlbersUSA is a composite conic equal-area projection of the lower 48
// states with Alaska and Hawaii drawn as insets. Points outside all three
// clip extents are undefined.
type AlbersUSA struct {
	lower48, alaska, hawaii conic
	k, tx, ty               float64
}

// NewAlbersUSA returns the projection fitted to width x height.
func NewAlbersUSA(width, height float64) *AlbersUSA {
	p := &AlbersUSA{
		lower48: newConic(29.5, 45.5, 96, -0.6, 38.7),
		alaska:  newConic(55, 65, 154, -2, 58.5),
		hawaii:  newConic(8, 18, 157, -3, 19.9),
	}
	p.Fit(width, height)
	return p
}

// Fit scales the lower-48 extent, which also holds both insets, into the screen.
func (p *AlbersUSA) Fit(width, height float64) {
	k := math.Min(width/0.91, height/0.476)
	if k <= 0 || !finite(k) {
		k = 1
	}
	p.setScaleTranslate(k, width/2, height/2)
}

func (p *AlbersUSA) setScaleTranslate(k, x, y float64) {
	p.k, p.tx, p.ty = k, x, y
	p.lower48.set(k, x, y,
		x-0.455*k, y-0.238*k, x+0.455*k, y+0.238*k)
	p.alaska.set(k*0.35, x-0.307*k, y+0.201*k,
		x-0.425*k+epsilon, y+0.120*k+epsilon, x-0.214*k-epsilon, y+0.234*k-epsilon)
	p.hawaii.set(k, x-0.205*k, y+0.212*k,
		x-0.214*k+epsilon, y+0.166*k+epsilon, x-0.115*k-epsilon, y+0.234*k-epsilon)
}

var (
	alaskaDomain = orb.Bound{Min: orb.Point{-180, 51}, Max: orb.Point{-129, 72}}
	hawaiiDomain = orb.Bound{Min: orb.Point{-161, 18.5}, Max: orb.Point{-154, 23}}
)

// Insets returns the Alaska and Hawaii clip boxes and their domains.
func (p *AlbersUSA) Insets() []Inset {
	return []Inset{
		{Clip: p.alaska.clip(), Domain: alaskaDomain},
		{Clip: p.hawaii.clip(), Domain: hawaiiDomain},
	}
}

func (p *AlbersUSA) Project(lon, lat float64) (float64, float64, error) {
	if finite(lon, lat) {
		for _, c := range []conic{p.lower48, p.alaska, p.hawaii} {
			if x, y, ok := c.project(lon, lat); ok {
				return x, y, nil
			}
		}
	}
	return 0, 0, &ProjectionUndefinedError{X: lon, Y: lat}
}

func (p *AlbersUSA) Unproject(x, y float64) (float64, float64, error) {
	nx := (x - p.tx) / p.k
	ny := (y - p.ty) / p.k

	c := p.lower48
	switch {
	case ny >= 0.120 && ny < 0.234 && nx >= -0.425 && nx < -0.214:
		c = p.alaska
	case ny >= 0.166 && ny < 0.234 && nx >= -0.214 && nx < -0.115:
		c = p.hawaii
	}

	lon, lat := c.unproject(x, y)
	if !finite(lon, lat) {
		return 0, 0, &ProjectionUndefinedError{X: x, Y: y, Inverse: true}
	}
	return lon, lat, nil
}

// maxMercatorLat is where web mercator becomes square.
const maxMercatorLat = 85.05112878

// WebMercator is the spherical mercator projection fitted to a square world.
type WebMercator struct {
	k, tx, ty float64
}

func NewWebMercator(width, height float64) *WebMercator {
	p := &WebMercator{}
	p.Fit(width, height)
	return p
}

func (p *WebMercator) Fit(width, height float64) {
	p.k = math.Min(width, height) / (2 * math.Pi)
	if p.k <= 0 || !finite(p.k) {
		p.k = 1
	}
	p.tx, p.ty = width/2, height/2
}

func (p *WebMercator) Project(lon, lat float64) (float64, float64, error) {
	if !finite(lon, lat) || lon < -180 || lon > 180 || math.Abs(lat) > maxMercatorLat {
		return 0, 0, &ProjectionUndefinedError{X: lon, Y: lat}
	}
	phi := lat * radians
	return p.tx + p.k*lon*radians, p.ty - p.k*math.Log(math.Tan(math.Pi/4+phi/2)), nil
}

func (p *WebMercator) Unproject(x, y float64) (float64, float64, error) {
	lon := (x - p.tx) / p.k * degrees
	lat := (2*math.Atan(math.Exp((p.ty-y)/p.k)) - math.Pi/2) * degrees
	if !finite(lon, lat) || lon < -180-epsilon || lon > 180+epsilon {
		return 0, 0, &ProjectionUndefinedError{X: x, Y: y, Inverse: true}
	}
	return lon, lat, nil
}
