package viewport

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlbersUSARoundTrip(t *testing.T) {
	p := NewAlbersUSA(960, 600)

	tests := []struct {
		name     string
		lon, lat float64
	}{
		{"kansas city", -94.58, 39.1},
		{"seattle", -122.33, 47.61},
		{"miami", -80.19, 25.76},
		{"anchorage", -149.9, 61.2},
		{"honolulu", -157.86, 21.31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, err := p.Project(tt.lon, tt.lat)
			require.NoError(t, err)
			assert.True(t, x >= 0 && x <= 960, "x=%v off screen", x)
			assert.True(t, y >= 0 && y <= 600, "y=%v off screen", y)

			lon, lat, err := p.Unproject(x, y)
			require.NoError(t, err)
			assert.InDelta(t, tt.lon, lon, 1e-6)
			assert.InDelta(t, tt.lat, lat, 1e-6)
		})
	}
}

func TestAlbersUSAInsetsAreSeparate(t *testing.T) {
	p := NewAlbersUSA(960, 600)

	ax, ay, err := p.Project(-149.9, 61.2)
	require.NoError(t, err)
	hx, hy, err := p.Project(-157.86, 21.31)
	require.NoError(t, err)
	kx, ky, err := p.Project(-94.58, 39.1)
	require.NoError(t, err)

	// Both insets sit below-left of the lower 48.
	assert.Less(t, ax, kx)
	assert.Less(t, hx, kx)
	assert.Greater(t, ay, ky)
	assert.Greater(t, hy, ky)
	assert.Less(t, ax, hx)
}

func TestAlbersUSAUndefinedOutsideDomain(t *testing.T) {
	p := NewAlbersUSA(960, 600)

	for _, c := range [][2]float64{
		{-0.12, 51.5},   // London
		{139.69, 35.68}, // Tokyo
		{math.NaN(), 40},
		{math.Inf(1), 40},
	} {
		_, _, err := p.Project(c[0], c[1])
		var undefined *ProjectionUndefinedError
		require.Error(t, err, "lon=%v lat=%v", c[0], c[1])
		assert.True(t, errors.As(err, &undefined))
		assert.False(t, undefined.Inverse)
	}
}

func TestAlbersUSAFitScalesWithScreen(t *testing.T) {
	small := NewAlbersUSA(480, 300)
	large := NewAlbersUSA(960, 600)

	sx, sy, err := small.Project(-94.58, 39.1)
	require.NoError(t, err)
	lx, ly, err := large.Project(-94.58, 39.1)
	require.NoError(t, err)

	assert.InDelta(t, lx, sx*2, 1e-6)
	assert.InDelta(t, ly, sy*2, 1e-6)
}

func TestWebMercator(t *testing.T) {
	p := NewWebMercator(512, 512)

	x, y, err := p.Project(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 256, x, 1e-9)
	assert.InDelta(t, 256, y, 1e-9)

	x, y, err = p.Project(180, maxMercatorLat)
	require.NoError(t, err)
	assert.InDelta(t, 512, x, 1e-9)
	assert.InDelta(t, 0, y, 1e-3)

	lon, lat, err := p.Unproject(100, 300)
	require.NoError(t, err)
	x, y, err = p.Project(lon, lat)
	require.NoError(t, err)
	assert.InDelta(t, 100, x, 1e-9)
	assert.InDelta(t, 300, y, 1e-9)

	_, _, err = p.Project(0, 90)
	var undefined *ProjectionUndefinedError
	assert.True(t, errors.As(err, &undefined))

	_, _, err = p.Unproject(-10, 256)
	require.True(t, errors.As(err, &undefined))
	assert.True(t, undefined.Inverse)
}

func TestBoundaryCoordinatesDoNotPanic(t *testing.T) {
	projections := map[string]Projection{
		"albers":   NewAlbersUSA(960, 600),
		"mercator": NewWebMercator(960, 600),
	}
	corners := [][2]float64{
		{-180, -90}, {-180, 90}, {180, -90}, {180, 90},
		{0, 90}, {0, -90}, {-180, 0}, {180, 0},
	}
	for name, p := range projections {
		t.Run(name, func(t *testing.T) {
			for _, c := range corners {
				assert.NotPanics(t, func() {
					x, y, err := p.Project(c[0], c[1])
					if err == nil {
						assert.True(t, finite(x, y))
					}
				})
			}
		})
	}
}

func TestAlbersUSAInsetsCoverTheirStates(t *testing.T) {
	p := NewAlbersUSA(960, 600)
	insets := p.Insets()
	require.Len(t, insets, 2)

	for i, pt := range []orb.Point{{-150, 61}, {-157.8, 21.3}} {
		x, y, err := p.Project(pt[0], pt[1])
		require.NoError(t, err)
		assert.True(t, insets[i].Clip.Contains(orb.Point{x, y}), "%v projects outside its inset", pt)
		assert.True(t, insets[i].Domain.Contains(pt))
	}
}
