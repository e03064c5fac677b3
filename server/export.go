package server

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/paulmach/orb"

	"web/clustermap/cluster"
	"web/clustermap/render"
	"web/clustermap/source"
)

// DefaultExportLimit caps export rows when no limit is requested.
const DefaultExportLimit = 10000

// ExportRow is one point in an export.
type ExportRow struct {
	Index  int32   `json:"index"`
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Status string  `json:"status"`
	Name   string  `json:"name,omitempty"`
	City   string  `json:"city,omitempty"`
	State  string  `json:"state,omitempty"`
	Zip    string  `json:"zip,omitempty"`
	Phone  string  `json:"phone,omitempty"`
}

var exportHeader = []string{"Index", "Longitude", "Latitude", "Status", "Name", "City", "State", "Zip", "Phone"}

// ExportRows lists the points inside b by detail index, at most limit of them.
func ExportRows(idx *cluster.Index, details []source.DetailRecord, b orb.Bound, limit int) []ExportRow {
	if idx == nil {
		return nil
	}
	// The finest tree holds only input points.
	results := idx.Clusters(b, idx.Options.MaxZoom+1)
	sort.Slice(results, func(i, j int) bool { return results[i].Point.Index < results[j].Point.Index })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	rows := make([]ExportRow, 0, len(results))
	for _, r := range results {
		p := r.Point
		row := ExportRow{Index: p.Index, Lon: p.Lon, Lat: p.Lat, Status: render.CategoryLabel(p.Category)}
		if int(p.Index) < len(details) {
			d := details[p.Index]
			row.Name, row.City, row.State, row.Zip, row.Phone = d.Name, d.City, d.State, d.Zip, d.Phone
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV writes rows with a header line.
func WriteCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatInt(int64(r.Index), 10),
			strconv.FormatFloat(r.Lon, 'f', -1, 64),
			strconv.FormatFloat(r.Lat, 'f', -1, 64),
			r.Status,
			r.Name,
			r.City,
			r.State,
			r.Zip,
			r.Phone,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
