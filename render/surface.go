package render

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Shape is a projected background region. Path is SVG path data in screen pixels.
type Shape struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Fill string `json:"fill,omitempty"`
}

// Surface is anything markers can be drawn on. Implementations need not be
// safe for concurrent use; the controller serialises calls.
type Surface interface {
	// Background replaces the base map layers.
	Background(bg Background)
	Insert(m Marker)
	Update(m Marker)
	Remove(key string)
}

// MemorySurface keeps the drawn state in memory and counts operations.
type MemorySurface struct {
	mu      sync.RWMutex
	markers map[string]Marker
	bg      Background

	Inserts, Updates, Removes int
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{markers: make(map[string]Marker), bg: Background{BorderOpacity: 1}}
}

func (s *MemorySurface) Background(bg Background) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bg = bg
}

func (s *MemorySurface) Insert(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.Key] = m
	s.Inserts++
}

func (s *MemorySurface) Update(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.Key] = m
	s.Updates++
}

func (s *MemorySurface) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, key)
	s.Removes++
}

// Markers returns the drawn markers sorted by key.
func (s *MemorySurface) Markers() []Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Marker, 0, len(s.markers))
	for _, m := range s.markers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Marker returns the drawn marker with key.
func (s *MemorySurface) Marker(key string) (Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[key]
	return m, ok
}

// Shapes returns the drawn base map regions.
func (s *MemorySurface) Shapes() []Shape {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bg.Regions
}

// Layers returns every drawn background layer.
func (s *MemorySurface) Layers() Background {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bg
}

// ResetCounts zeroes the operation counters.
func (s *MemorySurface) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Inserts, s.Updates, s.Removes = 0, 0, 0
}

// SVGSurface is a MemorySurface that can serialise itself as an SVG document.
type SVGSurface struct {
	*MemorySurface
	Width, Height float64
}

func NewSVGSurface(width, height float64) *SVGSurface {
	return &SVGSurface{MemorySurface: NewMemorySurface(), Width: width, Height: height}
}

// WriteTo writes the surface as SVG: regions, counties and labels, then
// markers with clusters drawn above leaves.
func (s *SVGSurface) WriteTo(w io.Writer) (int64, error) {
	bg := s.Layers()
	markers := s.Markers()
	sort.SliceStable(markers, func(i, j int) bool { return !markers[i].Cluster && markers[j].Cluster })

	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s">`+"\n",
		num(s.Width), num(s.Height), num(s.Width), num(s.Height))
	fmt.Fprintf(cw, `<rect width="100%%" height="100%%" fill="#050505"/>`+"\n")

	fmt.Fprintf(cw, `<g class="regions" fill="%s" stroke="#2a2a2a" stroke-opacity="%s">`+"\n",
		NoDataFill, num(bg.BorderOpacity))
	for _, sh := range bg.Regions {
		fmt.Fprintf(cw, `<path id="region-%s" d="%s"><title>%s</title></path>`+"\n",
			escape(sh.ID), sh.Path, escape(sh.Name))
	}
	fmt.Fprintln(cw, `</g>`)

	if len(bg.Counties) > 0 {
		fmt.Fprintf(cw, `<g class="counties" stroke="#1a1a1a" stroke-width="0.3" opacity="%s">`+"\n",
			num(bg.CountyOpacity))
		for _, sh := range bg.Counties {
			fmt.Fprintf(cw, `<path id="county-%s" d="%s" fill="%s"><title>%s</title></path>`+"\n",
				escape(sh.ID), sh.Path, sh.Fill, escape(sh.Name))
		}
		fmt.Fprintln(cw, `</g>`)
	}

	if len(bg.Labels) > 0 {
		fmt.Fprintf(cw, `<g class="labels" fill="#4a4540" font-size="10" text-anchor="middle" opacity="%s">`+"\n",
			num(bg.LabelOpacity))
		for _, l := range bg.Labels {
			fmt.Fprintf(cw, `<text x="%s" y="%s" dominant-baseline="central">%s</text>`+"\n",
				num(l.X), num(l.Y), escape(l.Text))
		}
		fmt.Fprintln(cw, `</g>`)
	}

	fmt.Fprintln(cw, `<g class="markers">`)
	for _, m := range markers {
		if m.Hidden {
			continue
		}
		fmt.Fprintf(cw, `<g id="%s" transform="translate(%s,%s)">`, escape(m.Key), num(m.X), num(m.Y))
		fmt.Fprintf(cw, `<circle r="%s" fill="%s" fill-opacity="%s" stroke="%s"/>`,
			num(m.Radius), m.Fill, num(m.FillOpacity), m.Stroke)
		if m.Text != "" {
			fmt.Fprintf(cw, `<text text-anchor="middle" dominant-baseline="central" fill="#fff" font-size="10">%s</text>`,
				escape(m.Text))
		}
		fmt.Fprintln(cw, `</g>`)
	}
	fmt.Fprintln(cw, `</g>`)
	fmt.Fprintln(cw, `</svg>`)
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
