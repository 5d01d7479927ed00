package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/errs"
	"github.com/geoos/geoarchive/internal/raster"
	"github.com/geoos/geoarchive/internal/spatial"
	"github.com/geoos/geoarchive/internal/timeindex"
)

const (
	QueryValueAtPoint = "valueAtPoint"
	QueryGrid         = "grid"
	QueryIsolines     = "isolines"
	QueryIsobands     = "isobands"
	QueryVectorsGrid  = "vectorsGrid"
)

type Raster struct {
	store  *catalog.Store
	layout archive.Layout
	engine raster.Engine
	cache  cacheConfig
	logger *slog.Logger
	now    func() time.Time
}

type RasterOption func(*Raster)

// WithResponseCache stores grid and contour responses for ttl. Each cache
// operation is bounded by opTimeout.
func WithResponseCache(c ResponseCache, ttl, opTimeout time.Duration) RasterOption {
	return func(r *Raster) { r.cache = cacheConfig{store: c, ttl: ttl, opTimeout: opTimeout} }
}

func WithRasterClock(now func() time.Time) RasterOption {
	return func(r *Raster) { r.now = now }
}

func NewRaster(store *catalog.Store, layout archive.Layout, engine raster.Engine, logger *slog.Logger, opts ...RasterOption) *Raster {
	r := &Raster{store: store, layout: layout, engine: engine, logger: logger, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// entry is a resolved archive entry of one variable.
type entry struct {
	ds         *catalog.DataSet
	v          *catalog.Variable
	level      *int
	searchTime time.Time
	foundTime  time.Time
	path       string
	mtime      time.Time
	sidecar    *archive.Sidecar
}

func (e *entry) metadata() map[string]any {
	if e.sidecar.Metadata == nil {
		return map[string]any{}
	}
	return e.sidecar.Metadata
}

// variable looks up a variable and checks it answers query.
func (r *Raster) variable(dsCode, varCode, query string) (*catalog.DataSet, *catalog.Variable, error) {
	ds, err := dataSet(r.store, dsCode, catalog.TypeRaster)
	if err != nil {
		return nil, nil, err
	}
	v, ok := ds.Variable(varCode)
	if !ok {
		return nil, nil, errs.Data("Cannot find variable '%s' in dataSet '%s'", varCode, dsCode)
	}
	if !ds.Allows(v, query) {
		return nil, nil, errs.Data("Query '%s' not supported by variable '%s' in dataSet '%s'", query, varCode, dsCode)
	}
	return ds, v, nil
}

// level validates the requested level against v. Variables with a single
// declared level use it by default.
func level(v *catalog.Variable, requested *int) (*int, error) {
	n := v.LevelCount()
	switch {
	case n == 0:
		return nil, nil
	case requested == nil && n > 1:
		return nil, errs.Data("Variable '%s' has %d levels: 'level' parameter is required", v.Code, n)
	case requested == nil:
		zero := 0
		return &zero, nil
	case *requested >= n:
		return nil, errs.Data("Invalid level %d for variable '%s' (%d levels)", *requested, v.Code, n)
	}
	return requested, nil
}

// resolve finds the archive entry of code closest to the requested time.
func (r *Raster) resolve(ctx context.Context, ds *catalog.DataSet, v *catalog.Variable, code string, p Params) (*entry, error) {
	src := v
	if code != v.Code {
		var ok bool
		if src, ok = ds.Variable(code); !ok {
			return nil, errs.Internal("variable '%s' references unknown variable '%s'", v.Code, code)
		}
	}
	lvl, err := level(src, p.Level)
	if err != nil {
		return nil, err
	}
	t, err := searchTime(ds, p.Time, r.now())
	if err != nil {
		return nil, err
	}
	found, err := find(ctx, ds, t, ds.SearchTolerance(v), func(_ context.Context, bucket time.Time) (bool, error) {
		return archive.Exists(archive.SidecarPath(r.layout.Path(ds, code, lvl, bucket)))
	})
	if err != nil {
		return nil, err
	}
	return r.load(ds, src, lvl, t, found)
}

func (r *Raster) load(ds *catalog.DataSet, v *catalog.Variable, lvl *int, searched, found time.Time) (*entry, error) {
	path := r.layout.Path(ds, v.Code, lvl, found)
	sc, err := archive.ReadSidecar(archive.SidecarPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("read metadata of %s: %w", v.Code, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(err)
		}
		return nil, err
	}
	return &entry{
		ds: ds, v: v, level: lvl,
		searchTime: searched, foundTime: found,
		path: path, mtime: st.ModTime(), sidecar: sc,
	}, nil
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type PointResponse struct {
	Value       *float64             `json:"value"`
	SearchTime  *timeindex.Formatted `json:"searchTime,omitempty"`
	FoundTime   *timeindex.Formatted `json:"foundTime,omitempty"`
	SearchPoint LatLng               `json:"searchPoint"`
	FoundPoint  LatLng               `json:"foundPoint"`
	Metadata    map[string]any       `json:"metadata"`
}

// ValueAtPoint samples the pixel enclosing lat/lng.
func (r *Raster) ValueAtPoint(ctx context.Context, dsCode, varCode string, p Params) (*PointResponse, error) {
	ds, v, err := r.variable(dsCode, varCode, QueryValueAtPoint)
	if err != nil {
		return nil, err
	}
	lat, lng, err := p.point()
	if err != nil {
		return nil, err
	}
	e, err := r.resolve(ctx, ds, v, v.Code, p)
	if err != nil {
		return nil, err
	}
	fp, err := spatial.NormalizePoint(e.sidecar.World, lat, lng)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, err, "Point outside data")
	}
	g, err := r.engine.ReadGrid(ctx, e.path, raster.ReadOptions{Band: 1, Window: &raster.Window{X: fp.X, Y: fp.Y, Width: 1, Height: 1}})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.path, err)
	}
	return &PointResponse{
		Value:       value(g.Values[0]),
		SearchTime:  timeindex.Format(e.searchTime),
		FoundTime:   timeindex.Format(e.foundTime),
		SearchPoint: LatLng{Lat: lat, Lng: lng},
		FoundPoint:  LatLng{Lat: fp.Lat, Lng: fp.Lng},
		Metadata:    e.metadata(),
	}, nil
}

type GridResponse struct {
	SearchTime *timeindex.Formatted `json:"searchTime,omitempty"`
	FoundTime  *timeindex.Formatted `json:"foundTime,omitempty"`
	FoundBox   spatial.Box          `json:"foundBox"`
	Min        *float64             `json:"min"`
	Max        *float64             `json:"max"`
	NRows      int                  `json:"nrows"`
	NCols      int                  `json:"ncols"`
	DLat       float64              `json:"dLat"`
	DLng       float64              `json:"dLng"`
	// Rows run south to north; null marks pixels without data.
	Rows     [][]*float64   `json:"rows"`
	Metadata map[string]any `json:"metadata"`
	Warning  string         `json:"warning,omitempty"`
}

// Grid returns the pixels covering the requested box.
func (r *Raster) Grid(ctx context.Context, dsCode, varCode string, p Params) (*GridResponse, error) {
	ds, v, err := r.variable(dsCode, varCode, QueryGrid)
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
	key := responseKey(dsCode+"/"+varCode+"/grid", e.path, e.mtime, p, QueryGrid)
	return cached(ctx, r.cache, r.logger, key, func() (*GridResponse, error) {
		g, fb, warning, err := r.window(ctx, e, box, p)
		if err != nil {
			return nil, err
		}
		out := gridResponse(g, fb)
		out.SearchTime, out.FoundTime = timeindex.Format(e.searchTime), timeindex.Format(e.foundTime)
		out.Metadata, out.Warning = e.metadata(), warning
		return out, nil
	})
}

// window reads the pixels of box from e, resampled to the size limits. The
// grid world is rebased to the -180/180 box returned to the client.
func (r *Raster) window(ctx context.Context, e *entry, box spatial.Box, p Params) (*raster.Grid, spatial.FoundBox, string, error) {
	fb, err := spatial.NormalizeBox(e.sidecar.World, box)
	if err != nil {
		return nil, fb, "", errs.Wrap(errs.KindData, err, "Box outside data")
	}
	width, height, warning := fit(fb.Width, fb.Height, limit(p.MaxWidth, e.ds.Grid.MaxWidth), limit(p.MaxHeight, e.ds.Grid.MaxHeight))
	if warning != "" {
		r.logger.DebugContext(ctx, "grid resampled", "variable", e.v.Code, "warning", warning)
	}
	g, err := r.engine.ReadGrid(ctx, e.path, raster.ReadOptions{Band: 1, Window: raster.WindowOf(fb), Width: width, Height: height})
	if err != nil {
		return nil, fb, "", fmt.Errorf("read %s: %w", e.path, err)
	}
	g.World.Lng0, g.World.Lng1 = fb.Lng0, fb.Lng1
	g.World.Lat0, g.World.Lat1 = fb.Lat0, fb.Lat1
	return g, fb, warning, nil
}

// limit caps a requested size by the data set limit.
func limit(requested, ceiling int) int {
	if requested > 0 && (ceiling <= 0 || requested < ceiling) {
		return requested
	}
	return ceiling
}

// fit scales width x height down, keeping the aspect ratio, until both fit.
func fit(width, height, maxW, maxH int) (int, int, string) {
	if (maxW <= 0 || width <= maxW) && (maxH <= 0 || height <= maxH) {
		return 0, 0, ""
	}
	f := 1.0
	if maxW > 0 {
		f = math.Max(f, float64(width)/float64(maxW))
	}
	if maxH > 0 {
		f = math.Max(f, float64(height)/float64(maxH))
	}
	w := max(1, int(math.Floor(float64(width)/f)))
	h := max(1, int(math.Floor(float64(height)/f)))
	return w, h, fmt.Sprintf("Grid resampled from %dx%d to %dx%d", width, height, w, h)
}

func gridResponse(g *raster.Grid, fb spatial.FoundBox) *GridResponse {
	out := &GridResponse{
		FoundBox: fb.Box,
		NRows:    g.World.Height,
		NCols:    g.World.Width,
		DLat:     (fb.Lat1 - fb.Lat0) / float64(g.World.Height),
		DLng:     (fb.Lng1 - fb.Lng0) / float64(g.World.Width),
		Rows:     rows(g),
	}
	if lo, hi, ok := g.MinMax(); ok {
		out.Min, out.Max = &lo, &hi
	}
	return out
}

// rows flips the grid to south-first order.
func rows(g *raster.Grid) [][]*float64 {
	w, h := g.World.Width, g.World.Height
	out := make([][]*float64, h)
	for i := range h {
		row := make([]*float64, w)
		y := h - 1 - i
		for x := range w {
			row[x] = value(g.At(x, y))
		}
		out[i] = row
	}
	return out
}

func value(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

type VectorsGridResponse struct {
	SearchTime *timeindex.Formatted `json:"searchTime,omitempty"`
	FoundTime  *timeindex.Formatted `json:"foundTime,omitempty"`
	FoundBox   spatial.Box          `json:"foundBox"`
	// Min and Max are vector magnitudes.
	Min      *float64       `json:"min"`
	Max      *float64       `json:"max"`
	NRows    int            `json:"nrows"`
	NCols    int            `json:"ncols"`
	DLat     float64        `json:"dLat"`
	DLng     float64        `json:"dLng"`
	RowsU    [][]*float64   `json:"rowsU"`
	RowsV    [][]*float64   `json:"rowsV"`
	Metadata map[string]any `json:"metadata"`
	Warning  string         `json:"warning,omitempty"`
}

// VectorsGrid pairs the u and v components of a vector variable. Both must
// be archived at the time found for u.
func (r *Raster) VectorsGrid(ctx context.Context, dsCode, varCode string, p Params) (*VectorsGridResponse, error) {
	ds, v, err := r.variable(dsCode, varCode, QueryVectorsGrid)
	if err != nil {
		return nil, err
	}
	if v.Vector == nil {
		return nil, errs.Data("Variable '%s' is not a vector", varCode)
	}
	box, err := p.box()
	if err != nil {
		return nil, err
	}
	u, err := r.resolve(ctx, ds, v, v.Vector.U, p)
	if err != nil {
		return nil, err
	}
	vc, ok := ds.Variable(v.Vector.V)
	if !ok {
		return nil, errs.Internal("vector '%s' references unknown variable '%s'", varCode, v.Vector.V)
	}
	vlvl, err := level(vc, p.Level)
	if err != nil {
		return nil, err
	}
	ve, err := r.load(ds, vc, vlvl, u.searchTime, u.foundTime)
	if err != nil {
		return nil, err
	}

	mtime := u.mtime
	if ve.mtime.After(mtime) {
		mtime = ve.mtime
	}
	key := responseKey(dsCode+"/"+varCode+"/vectorsGrid", u.path+"|"+ve.path, mtime, p, QueryVectorsGrid)
	return cached(ctx, r.cache, r.logger, key, func() (*VectorsGridResponse, error) {
		gu, fb, warning, err := r.window(ctx, u, box, p)
		if err != nil {
			return nil, err
		}
		// both components read the window of the u world
		ve.sidecar = &archive.Sidecar{World: u.sidecar.World, Metadata: ve.sidecar.Metadata}
		gv, _, _, err := r.window(ctx, ve, box, p)
		if err != nil {
			return nil, err
		}
		if len(gv.Values) != len(gu.Values) {
			return nil, errs.Internal("components of '%s' have different sizes", varCode)
		}
		out := &VectorsGridResponse{
			SearchTime: timeindex.Format(u.searchTime),
			FoundTime:  timeindex.Format(u.foundTime),
			FoundBox:   fb.Box,
			NRows:      gu.World.Height,
			NCols:      gu.World.Width,
			DLat:       (fb.Lat1 - fb.Lat0) / float64(gu.World.Height),
			DLng:       (fb.Lng1 - fb.Lng0) / float64(gu.World.Width),
			RowsU:      rows(gu),
			RowsV:      rows(gv),
			Metadata:   u.metadata(),
			Warning:    warning,
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for i, a := range gu.Values {
			m := math.Hypot(a, gv.Values[i])
			if math.IsNaN(m) {
				continue
			}
			lo, hi = math.Min(lo, m), math.Max(hi, m)
		}
		if lo <= hi {
			out.Min, out.Max = &lo, &hi
		}
		return out, nil
	})
}
