package basemap

import (
	"iter"

	"github.com/paulmach/orb"
)

// Count is the number of points inside one region and how many of them are
// active.
type Count struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Density maps region ids to point counts. Regions without points are absent.
type Density map[string]Count

// Tally counts the points of seq per region. Points outside every region
// are skipped.
func (m *Map) Tally(seq iter.Seq2[orb.Point, bool]) Density {
	d := make(Density)
	if m.Len() == 0 {
		return d
	}
	for p, active := range seq {
		r := m.Locate(p)
		if r == nil {
			continue
		}
		c := d[r.ID]
		c.Total++
		if active {
			c.Active++
		}
		d[r.ID] = c
	}
	return d
}
