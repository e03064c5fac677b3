// Package source fetches the point, detail and base map datasets from
// files or http(s) URLs and decodes them.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"web/clustermap/basemap"
	"web/clustermap/cluster"
)

// Source names, also used as metric labels.
const (
	Points   = "points"
	Details  = "details"
	BaseMap  = "basemap"
	Counties = "counties"
	Density  = "density"
)

// Numeric region ids are zero-padded to FIPS width.
const (
	stateIDWidth  = 2
	countyIDWidth = 5
)

// PointFileExt marks memory-mappable binary point files.
const PointFileExt = ".pts"

// DetailRecord holds the rich attributes of one point, addressed by
// cluster.Point.Index. Keys are short to keep the payload small.
type DetailRecord struct {
	Name        string `json:"n"`
	City        string `json:"c"`
	State       string `json:"s"`
	Zip         string `json:"z"`
	Phone       string `json:"p"`
	Address1    string `json:"a1"`
	Address2    string `json:"a2"`
	License     string `json:"ln"`
	DEA         string `json:"dn"`
	OwnerName   string `json:"on"`
	OwnerType   string `json:"ot"`
	OwnerPhone  string `json:"op"`
	Established string `json:"ed"`
	LastUpdated string `json:"lu"`
}

// FetchFailure reports a source that could not be loaded. It is never fatal:
// the layer the source feeds is simply left out.
type FetchFailure struct {
	Source string
	URI    string
	Err    error
}

func (f *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s from %s: %v", f.Source, f.URI, f.Err)
}

func (f *FetchFailure) Unwrap() error { return f.Err }

// DefaultClient is used when a Loader has no client.
var DefaultClient = &http.Client{Timeout: 60 * time.Second}

// IsURL reports whether uri is fetched over http(s) rather than read from disk.
func IsURL(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// Open returns the body of uri, which is a file path or an http(s) URL.
func Open(ctx context.Context, client *http.Client, uri string) (io.ReadCloser, error) {
	if !IsURL(uri) {
		return os.Open(uri)
	}
	if client == nil {
		client = DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// DecodePoints reads a JSON array of [lon, lat, category] tuples. Short or
// out-of-range tuples decode to points Build will reject, so the index of
// every later point still matches its detail record.
func DecodePoints(r io.Reader) ([]cluster.Point, error) {
	var tuples [][]float64
	if err := json.NewDecoder(r).Decode(&tuples); err != nil {
		return nil, fmt.Errorf("failed to decode points: %w", err)
	}

	points := make([]cluster.Point, len(tuples))
	for i, t := range tuples {
		p := cluster.Point{Lon: math.NaN(), Lat: math.NaN(), Index: int32(i)}
		if len(t) >= 2 {
			p.Lon, p.Lat = t[0], t[1]
		}
		if len(t) >= 3 {
			p.Category = categoryOf(t[2])
		}
		points[i] = p
	}
	return points, nil
}

func categoryOf(v float64) cluster.Category {
	if v < 0 || v >= cluster.NumCategories || v != math.Trunc(v) {
		return cluster.Category(math.MaxUint8)
	}
	return cluster.Category(v)
}

// EncodePoints writes points in the format DecodePoints reads.
func EncodePoints(w io.Writer, points []cluster.Point) error {
	tuples := make([][3]float64, len(points))
	for i, p := range points {
		tuples[i] = [3]float64{p.Lon, p.Lat, float64(p.Category)}
	}
	return json.NewEncoder(w).Encode(tuples)
}

// DecodeDetails reads a JSON array of detail records, index-aligned with the points.
func DecodeDetails(r io.Reader) ([]DetailRecord, error) {
	var details []DetailRecord
	if err := json.NewDecoder(r).Decode(&details); err != nil {
		return nil, fmt.Errorf("failed to decode details: %w", err)
	}
	return details, nil
}

// DecodeBaseMap reads a GeoJSON FeatureCollection of state regions.
func DecodeBaseMap(r io.Reader) (*basemap.Map, error) {
	return decodeRegions(r, stateIDWidth)
}

// DecodeCounties reads a GeoJSON FeatureCollection of county regions.
func DecodeCounties(r io.Reader) (*basemap.Map, error) {
	return decodeRegions(r, countyIDWidth)
}

func decodeRegions(r io.Reader, idWidth int) (*basemap.Map, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode regions: %w", err)
	}
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		if n, ok := f.ID.(float64); ok && n >= 0 && n == math.Trunc(n) {
			f.ID = fmt.Sprintf("%0*d", idWidth, int64(n))
		}
	}
	return basemap.FromGeoJSON(fc)
}

// DecodeDensity reads per-county counts keyed by county id. Each value is
// an array whose first two entries are the total and active counts.
func DecodeDensity(r io.Reader) (basemap.Density, error) {
	var raw map[string][]int
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode density: %w", err)
	}
	d := make(basemap.Density, len(raw))
	for id, counts := range raw {
		var c basemap.Count
		if len(counts) > 0 {
			c.Total = counts[0]
		}
		if len(counts) > 1 {
			c.Active = counts[1]
		}
		if c.Total > 0 {
			d[id] = c
		}
	}
	return d, nil
}

// LoadPoints reads points from uri. Local .pts files are memory-mapped,
// everything else is decoded as JSON.
func LoadPoints(ctx context.Context, client *http.Client, uri string) ([]cluster.Point, error) {
	if !IsURL(uri) && strings.EqualFold(filepath.Ext(uri), PointFileExt) {
		return cluster.OpenPoints(uri)
	}
	body, err := Open(ctx, client, uri)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return DecodePoints(body)
}

func LoadDetails(ctx context.Context, client *http.Client, uri string) ([]DetailRecord, error) {
	body, err := Open(ctx, client, uri)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return DecodeDetails(body)
}

func LoadBaseMap(ctx context.Context, client *http.Client, uri string) (*basemap.Map, error) {
	body, err := Open(ctx, client, uri)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return DecodeBaseMap(body)
}

func LoadCounties(ctx context.Context, client *http.Client, uri string) (*basemap.Map, error) {
	body, err := Open(ctx, client, uri)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return DecodeCounties(body)
}

func LoadDensity(ctx context.Context, client *http.Client, uri string) (basemap.Density, error) {
	body, err := Open(ctx, client, uri)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return DecodeDensity(body)
}
