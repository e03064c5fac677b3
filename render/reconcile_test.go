package render

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"web/clustermap/cluster"
)

func leaf(index int32, x, y float64) Marker {
	return newMarker(cluster.Result{
		ID:     int64(index),
		Lon:    -90,
		Lat:    40,
		Count:  1,
		Counts: cluster.Counts{1},
		Point:  cluster.Point{Lon: -90, Lat: 40, Index: index},
	}, x, y, true)
}

func TestReconcile(t *testing.T) {
	a, b, c := leaf(1, 10, 10), leaf(2, 20, 20), leaf(3, 30, 30)
	prev := map[string]Marker{a.Key: a.hover(true), b.Key: b}

	moved := leaf(1, 11, 10)
	d := Reconcile(prev, []Marker{c, moved, b, c})

	if diff := cmp.Diff([]Marker{c}, d.Enter); diff != "" {
		t.Errorf("Enter mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Marker{moved.hover(true)}, d.Update); diff != "" {
		t.Errorf("Update mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, d.Exit)
	assert.False(t, d.Empty())

	d = Reconcile(prev, nil)
	assert.Equal(t, []string{a.Key, b.Key}, d.Exit)
}

func TestReconcileUnchangedIsEmpty(t *testing.T) {
	a := leaf(1, 10, 10)
	prev := map[string]Marker{a.Key: a.hover(true)}

	d := Reconcile(prev, []Marker{a})
	assert.True(t, d.Empty(), "hover state carries over without an update")
}

func TestDiffApply(t *testing.T) {
	a, b := leaf(1, 10, 10), leaf(2, 20, 20)
	s := NewMemorySurface()
	markers := map[string]Marker{}

	Reconcile(markers, []Marker{a, b}).Apply(s, markers)
	assert.Equal(t, 2, s.Inserts)
	assert.Len(t, markers, 2)

	Reconcile(markers, []Marker{leaf(2, 25, 20)}).Apply(s, markers)
	assert.Equal(t, 1, s.Removes)
	assert.Equal(t, 1, s.Updates)
	assert.Equal(t, []Marker{leaf(2, 25, 20)}, s.Markers())
}

func TestMarkerStyle(t *testing.T) {
	m := newMarker(cluster.Result{ID: 99, Cluster: true, Count: 2, Counts: cluster.Counts{0, 0, 1, 1}}, 5, 5, true)
	assert.Equal(t, "cluster:99", m.Key)
	assert.Equal(t, Colors[2], m.Fill, "ties go to the lowest category")
	assert.Equal(t, int32(-1), m.Index)
	assert.Equal(t, "2", m.Text)

	hidden := newMarker(cluster.Result{ID: 1, Count: 1, Point: cluster.Point{Index: 1, Category: 3}}, 0, 0, false)
	assert.True(t, hidden.Hidden)
	assert.Equal(t, "#000000", hidden.Stroke)
}

func TestCountLabel(t *testing.T) {
	assert.Equal(t, "999", CountLabel(999))
	assert.Equal(t, "1.0k", CountLabel(1000))
	assert.Equal(t, "1.2k", CountLabel(1234))
	assert.Equal(t, "15.0k", CountLabel(15000))
}

func TestCategoryFallbacks(t *testing.T) {
	assert.Equal(t, "Unknown", CategoryLabel(9))
	assert.Equal(t, "#9ca3af", CategoryColor(9))
}
