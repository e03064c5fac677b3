package cluster

import (
	"math"
	"math/rand"

	"github.com/paulmach/orb"
)

const (
	// LeafRadius is the marker radius of a single point, in pixels.
	LeafRadius = 4.0
	// MaxMarkerRadius caps the marker radius of dense clusters.
	MaxMarkerRadius = 30.0
)

// ZoomForScale maps a continuous pan/zoom scale factor to a query zoom.
func ZoomForScale(k float64, maxZoom int) int {
	if math.IsNaN(k) || k < 1 {
		k = 1
	}
	z := int(math.Floor(3 + math.Log2(k)*3))
	return max(0, min(z, maxZoom))
}

// MarkerRadius grows with the square root of count and is clamped to MaxMarkerRadius.
func MarkerRadius(count uint32) float64 {
	if count <= 1 {
		return LeafRadius
	}
	return math.Min(MaxMarkerRadius, 8+math.Sqrt(float64(count))*1.5)
}

type Summary struct {
	TotalPoints     int                    `json:"totalPoints"`
	NumClusters     int                    `json:"numClusters"`
	NumSinglePoints int                    `json:"numSinglePoints"`
	Counts          Counts                 `json:"counts"`
	Distribution    [NumCategories]float64 `json:"distribution"` // percent per category
	Dominant        Category               `json:"dominant"`
}

// Summarize aggregates a query result.
func Summarize(results []Result) Summary {
	var summary Summary
	for _, r := range results {
		if r.Cluster {
			summary.NumClusters++
		} else {
			summary.NumSinglePoints++
		}
		summary.TotalPoints += int(r.Count)
		summary.Counts.Add(r.Counts)
	}

	if summary.TotalPoints == 0 {
		return summary
	}
	for i, c := range summary.Counts {
		summary.Distribution[i] = float64(c) / float64(summary.TotalPoints) * 100
	}
	summary.Dominant = summary.Counts.Dominant()
	return summary
}

// GenerateTestPoints returns n random points inside bound with a fixed seed.
func GenerateTestPoints(n int, bound orb.Bound, seed int64) []Point {
	r := rand.New(rand.NewSource(seed))
	points := make([]Point, n)
	for i := range points {
		points[i] = Point{
			Lon:      bound.Min[0] + r.Float64()*(bound.Max[0]-bound.Min[0]),
			Lat:      bound.Min[1] + r.Float64()*(bound.Max[1]-bound.Min[1]),
			Category: Category(r.Intn(NumCategories)),
			Index:    int32(i),
		}
	}
	return points
}

// ContinentalUS is the bound GenerateTestPoints is usually called with.
var ContinentalUS = orb.Bound{Min: orb.Point{-125, 25}, Max: orb.Point{-67, 49}}
