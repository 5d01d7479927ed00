package query

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/geoos/geoarchive/internal/core/errs"
	"github.com/geoos/geoarchive/internal/raster"
	"github.com/geoos/geoarchive/internal/spatial"
	"github.com/geoos/geoarchive/internal/timeindex"
)

const maxContourLevels = 1000

// Marker labels an isoline at one of its vertices.
type Marker struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Value float64 `json:"value"`
}

type ContourResponse struct {
	SearchTime *timeindex.Formatted       `json:"searchTime,omitempty"`
	FoundTime  *timeindex.Formatted       `json:"foundTime,omitempty"`
	FoundBox   spatial.Box                `json:"foundBox"`
	Min        *float64                   `json:"min"`
	Max        *float64                   `json:"max"`
	Increment  float64                    `json:"increment"`
	GeoJSON    *geojson.FeatureCollection `json:"geoJson"`
	Markers    []Marker                   `json:"markers"`
	Metadata   map[string]any             `json:"metadata"`
	Warning    string                     `json:"warning,omitempty"`
}

// Isolines returns lines of equal value; features carry a "value" property.
func (r *Raster) Isolines(ctx context.Context, dsCode, varCode string, p Params) (*ContourResponse, error) {
	return r.contour(ctx, dsCode, varCode, QueryIsolines, p)
}

// Isobands returns polygons between consecutive levels; features carry
// "minValue" and "maxValue".
func (r *Raster) Isobands(ctx context.Context, dsCode, varCode string, p Params) (*ContourResponse, error) {
	return r.contour(ctx, dsCode, varCode, QueryIsobands, p)
}

func (r *Raster) contour(ctx context.Context, dsCode, varCode, query string, p Params) (*ContourResponse, error) {
	ds, v, err := r.variable(dsCode, varCode, query)
	if err != nil {
		return nil, err
	}
	box, err := p.box()
	if err != nil {
		return nil, err
	}
	e, err := r.resolve(ctx, ds, v, v.Code, p)
	if err != nil {
		return nil, err
	}
	polygons := query == QueryIsobands

	key := responseKey(dsCode+"/"+varCode+"/"+query, e.path, e.mtime, p, query)
	return cached(ctx, r.cache, r.logger, key, func() (*ContourResponse, error) {
		g, fb, warning, err := r.window(ctx, e, box, p)
		if err != nil {
			return nil, err
		}
		out := &ContourResponse{
			SearchTime: timeindex.Format(e.searchTime),
			FoundTime:  timeindex.Format(e.foundTime),
			FoundBox:   fb.Box,
			Metadata:   e.metadata(),
			Warning:    warning,
		}
		if !polygons {
			out.Markers = []Marker{}
		}
		lo, hi, ok := g.MinMax()
		if !ok {
			out.GeoJSON = geojson.NewFeatureCollection()
			return out, nil
		}
		out.Min, out.Max = &lo, &hi

		inc := p.Increment
		if inc <= 0 {
			if polygons {
				inc = Increment(lo, hi, ds.Contour.MinPolygons, ds.Contour.MaxPolygons)
			} else {
				inc = Increment(lo, hi, ds.Contour.MinLines, ds.Contour.MaxLines)
			}
		}
		levels, err := Levels(lo, hi, inc, polygons)
		if err != nil {
			return nil, err
		}
		out.Increment = inc

		fc, err := r.engine.Contour(ctx, g, raster.ContourOptions{Levels: levels, Polygons: polygons})
		if err != nil {
			return nil, err
		}
		out.GeoJSON = fc
		if !polygons {
			out.Markers = markers(fc)
		}
		return out, nil
	})
}

// Increment picks a contour step for the range [lo, hi]: the power of ten
// below the range, halved or doubled until the number of levels falls in
// [minLevels, maxLevels].
func Increment(lo, hi float64, minLevels, maxLevels int) float64 {
	span := hi - lo
	if !(span > 0) || math.IsInf(span, 0) {
		return 1
	}
	inc := math.Pow(10, math.Floor(math.Log10(span)))
	count := func() int { return int(math.Floor(span / inc)) }
	for i := 0; i < 64 && minLevels > 0 && count() < minLevels; i++ {
		inc /= 2
	}
	for i := 0; i < 64 && maxLevels > 0 && count() > maxLevels; i++ {
		inc *= 2
	}
	return inc
}

// Levels lists the multiples of inc inside [lo, hi]. Bands extend one step
// on each side so the whole range is covered.
func Levels(lo, hi, inc float64, bands bool) ([]float64, error) {
	if !(inc > 0) {
		return nil, errs.Data("Invalid increment %g", inc)
	}
	first := math.Ceil(lo/inc) * inc
	last := math.Floor(hi/inc) * inc
	if bands {
		first = math.Floor(lo/inc) * inc
		last = math.Ceil(hi/inc) * inc
		if last == first {
			last += inc
		}
	}
	if (last-first)/inc+1 > maxContourLevels {
		return nil, errs.Data("Increment %g yields more than %d levels", inc, maxContourLevels)
	}
	var out []float64
	for i := 0; ; i++ {
		l := first + float64(i)*inc
		if l > last+inc/1e6 {
			break
		}
		// drop accumulated float noise
		out = append(out, math.Round(l/inc)*inc)
	}
	return out, nil
}

// markers places one label at the middle vertex of every isoline.
func markers(fc *geojson.FeatureCollection) []Marker {
	out := []Marker{}
	for _, f := range fc.Features {
		val, ok := f.Properties["value"].(float64)
		if !ok {
			continue
		}
		var ls []orb.LineString
		switch g := f.Geometry.(type) {
		case orb.LineString:
			ls = []orb.LineString{g}
		case orb.MultiLineString:
			ls = g
		}
		for _, l := range ls {
			if len(l) == 0 {
				continue
			}
			p := l[len(l)/2]
			out = append(out, Marker{Lat: p.Lat(), Lng: p.Lon(), Value: val})
		}
	}
	return out
}
