package render

import "sort"

// Diff is the set of surface operations that turns one frame into the next.
type Diff struct {
	Enter  []Marker
	Update []Marker
	Exit   []string
}

// Empty reports whether applying d is a no-op.
func (d Diff) Empty() bool {
	return len(d.Enter) == 0 && len(d.Update) == 0 && len(d.Exit) == 0
}

// Reconcile matches next against prev by key. Markers present in both are
// updated in place and keep their hover state; unchanged ones produce no
// operation. Output slices are sorted by key.
func Reconcile(prev map[string]Marker, next []Marker) Diff {
	var d Diff
	seen := make(map[string]struct{}, len(next))

	for _, m := range next {
		if _, dup := seen[m.Key]; dup {
			continue
		}
		seen[m.Key] = struct{}{}

		old, ok := prev[m.Key]
		if !ok {
			d.Enter = append(d.Enter, m)
			continue
		}
		if old.Hovered {
			m = m.hover(true)
		}
		if m != old {
			d.Update = append(d.Update, m)
		}
	}
	for key := range prev {
		if _, ok := seen[key]; !ok {
			d.Exit = append(d.Exit, key)
		}
	}

	sort.Slice(d.Enter, func(i, j int) bool { return d.Enter[i].Key < d.Enter[j].Key })
	sort.Slice(d.Update, func(i, j int) bool { return d.Update[i].Key < d.Update[j].Key })
	sort.Strings(d.Exit)
	return d
}

// Apply replays d onto s and into the marker set markers.
func (d Diff) Apply(s Surface, markers map[string]Marker) {
	for _, key := range d.Exit {
		s.Remove(key)
		delete(markers, key)
	}
	for _, m := range d.Update {
		s.Update(m)
		markers[m.Key] = m
	}
	for _, m := range d.Enter {
		s.Insert(m)
		markers[m.Key] = m
	}
}
