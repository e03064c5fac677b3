package source

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"web/clustermap/basemap"
	"web/clustermap/cluster"
	"web/clustermap/internal/logger"
	"web/clustermap/internal/metrics"
)

// Target receives each dataset as soon as it is ready. Calls may arrive in
// any order and from different goroutines.
type Target interface {
	SetIndex(idx *cluster.Index)
	SetDetails(details []DetailRecord)
	SetBaseMap(m *basemap.Map)
	SetDensity(d basemap.Density)
}

// CountyTarget receives the county layer.
type CountyTarget interface {
	SetCounties(m *basemap.Map)
}

// Loader fetches the sources concurrently. Each source is attempted once;
// an empty URI skips it. Counties are large and only fetched by
// LoadCounties, when a view first zooms in far enough to show them.
type Loader struct {
	PointsURI   string
	DetailsURI  string
	BaseMapURI  string
	DensityURI  string
	CountiesURI string
	Options     cluster.Options
	Client      *http.Client
	Log         *logger.Logger
	Metrics     *metrics.Metrics
}

// Report summarises a Load.
type Report struct {
	Points   int
	Invalid  int
	Details  int
	Regions  int
	Density  int
	Failures []*FetchFailure
}

// Load fetches every configured source and hands results to target. It
// returns when all sources have finished or failed; failures are reported,
// never returned as an error.
func (l *Loader) Load(ctx context.Context, target Target) Report {
	log := l.Log
	if log == nil {
		log = logger.Nop()
	}

	var (
		mu     sync.Mutex
		report Report
	)
	fail := func(source, uri string, err error) {
		f := l.failure(log, source, uri, err)
		mu.Lock()
		report.Failures = append(report.Failures, f)
		mu.Unlock()
	}

	var g errgroup.Group
	if l.PointsURI != "" {
		g.Go(func() error {
			points, err := LoadPoints(ctx, l.Client, l.PointsURI)
			if err != nil {
				fail(Points, l.PointsURI, err)
				return nil
			}
			start := time.Now()
			idx, errs := cluster.Build(points, l.Options)
			l.Metrics.ObserveBuild(time.Since(start), idx.Len(), len(errs))
			for _, err := range errs {
				var invalid *cluster.InvalidPointError
				if errors.As(err, &invalid) {
					log.WithField("index", invalid.Index).Debug(invalid.Reason)
				}
			}
			log.WithFields(map[string]interface{}{
				"points":   idx.Len(),
				"invalid":  len(errs),
				"duration": time.Since(start).String(),
			}).Info("cluster index built")

			mu.Lock()
			report.Points, report.Invalid = idx.Len(), len(errs)
			mu.Unlock()
			target.SetIndex(idx)
			return nil
		})
	}
	if l.DetailsURI != "" {
		g.Go(func() error {
			details, err := LoadDetails(ctx, l.Client, l.DetailsURI)
			if err != nil {
				fail(Details, l.DetailsURI, err)
				return nil
			}
			mu.Lock()
			report.Details = len(details)
			mu.Unlock()
			target.SetDetails(details)
			return nil
		})
	}
	if l.BaseMapURI != "" {
		g.Go(func() error {
			m, err := LoadBaseMap(ctx, l.Client, l.BaseMapURI)
			if err != nil {
				fail(BaseMap, l.BaseMapURI, err)
				return nil
			}
			mu.Lock()
			report.Regions = m.Len()
			mu.Unlock()
			target.SetBaseMap(m)
			return nil
		})
	}
	if l.DensityURI != "" {
		g.Go(func() error {
			d, err := LoadDensity(ctx, l.Client, l.DensityURI)
			if err != nil {
				fail(Density, l.DensityURI, err)
				return nil
			}
			mu.Lock()
			report.Density = len(d)
			mu.Unlock()
			target.SetDensity(d)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// LoadCounties fetches the county layer once and hands it to target. A
// failure is logged and returned, never retried.
func (l *Loader) LoadCounties(ctx context.Context, target CountyTarget) *FetchFailure {
	if l.CountiesURI == "" {
		return nil
	}
	log := l.Log
	if log == nil {
		log = logger.Nop()
	}
	m, err := LoadCounties(ctx, l.Client, l.CountiesURI)
	if err != nil {
		return l.failure(log, Counties, l.CountiesURI, err)
	}
	log.WithField("counties", m.Len()).Info("county layer loaded")
	target.SetCounties(m)
	return nil
}

func (l *Loader) failure(log *logger.Logger, source, uri string, err error) *FetchFailure {
	log.WithField("source", source).WithError(err).Warn("data source unavailable")
	l.Metrics.IncFetchFailure(source)
	return &FetchFailure{Source: source, URI: uri, Err: err}
}
