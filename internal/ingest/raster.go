package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/observability"
	"github.com/geoos/geoarchive/internal/formula"
	"github.com/geoos/geoarchive/internal/raster"
	"github.com/geoos/geoarchive/internal/spatial"
	"github.com/geoos/geoarchive/internal/timeindex"
)

// ErrAmbiguousBand fails a whole file: a band matched more than one
// variable declaration.
var ErrAmbiguousBand = errors.New("band matches more than one variable")

// Written is one payload placed in the archive by an import.
type Written struct {
	Code  string
	Level *int
	Time  time.Time
	Path  string
}

type RasterImporter struct {
	engine raster.Engine
	layout archive.Layout
	logger *slog.Logger
}

func NewRasterImporter(e raster.Engine, layout archive.Layout, logger *slog.Logger) *RasterImporter {
	return &RasterImporter{engine: e, layout: layout, logger: logger}
}

type sourceBand struct {
	source string
	world  spatial.World
	band   raster.Band
	meta   map[string]catalog.Value
}

type extraction struct {
	sb    sourceBand
	v     *catalog.Variable
	level *int
	t     time.Time
}

// Import extracts every band matching a variable of ds from the file at
// path, then recomputes the calculated variables the new payloads feed.
// Nothing is written when a band is ambiguous or a time is invalid.
func (ri *RasterImporter) Import(ctx context.Context, ds *catalog.DataSet, path, name string) ([]Written, error) {
	ix := timeindex.New(ds.Temporality)
	fileTime, _, err := ix.ParseFileTime(name, len(ds.Code)+1)
	if err != nil && ds.Temporality.TimeSource != catalog.TimeFromBand {
		return nil, err
	}
	if err == nil {
		if err := ix.Validate(fileTime); err != nil {
			return nil, err
		}
	}

	bands, err := ri.bands(ctx, path)
	if err != nil {
		return nil, err
	}

	var plan []extraction
	for _, sb := range bands {
		matches, err := match(ds, sb.meta)
		if err != nil {
			return nil, fmt.Errorf("band %d of %s: %w", sb.band.Index, sb.source, err)
		}
		if len(matches) == 0 {
			continue
		}
		t, err := bandTime(ds, ix, fileTime, sb.meta)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", sb.band.Index, err)
		}
		m := matches[0]
		m.sb, m.t = sb, t
		plan = append(plan, m)
	}
	if len(plan) == 0 {
		ri.logger.WarnContext(ctx, "no band matched a variable", "bands", len(bands))
	}

	var out []Written
	fresh := map[int64]map[string]bool{}
	var times []time.Time
	for _, x := range plan {
		w, err := ri.extract(ctx, ds, x)
		if err != nil {
			return out, fmt.Errorf("extract %s: %w", x.v.Code, err)
		}
		out = append(out, w)
		k := w.Time.UnixMilli()
		if fresh[k] == nil {
			fresh[k] = map[string]bool{}
			times = append(times, w.Time)
		}
		fresh[k][entryKey(w.Code, w.Level)] = true
	}

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for _, t := range times {
		calc, err := ri.ResolveCalculated(ctx, ds, t, fresh[t.UnixMilli()])
		out = append(out, calc...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// bands lists the bands of the file. A file holding sub datasets is read
// through them only; its own top-level bands are ignored.
func (ri *RasterImporter) bands(ctx context.Context, path string) ([]sourceBand, error) {
	info, err := ri.engine.Info(ctx, path, false)
	if err != nil {
		return nil, fmt.Errorf("read info: %w", err)
	}
	var out []sourceBand
	add := func(src string, in *raster.Info) {
		w := in.SourceWorld()
		for _, b := range in.Bands {
			out = append(out, sourceBand{source: src, world: w, band: b, meta: Flatten(b.Raw)})
		}
	}
	if len(info.SubDatasets) == 0 {
		add(path, info)
	}
	for _, sub := range info.SubDatasets {
		si, err := ri.engine.Info(ctx, sub, false)
		if err != nil {
			return nil, fmt.Errorf("read sub dataset %s: %w", sub, err)
		}
		add(sub, si)
	}
	if len(out) == 0 {
		return nil, errors.New("file has no bands")
	}
	return out, nil
}

func match(ds *catalog.DataSet, meta map[string]catalog.Value) ([]extraction, error) {
	var found []extraction
	for _, v := range ds.Extracted() {
		if !v.Selector.Match(meta) {
			continue
		}
		if v.Levels == nil {
			found = append(found, extraction{v: v})
			continue
		}
		got, ok := meta[v.Levels.Attribute]
		if !ok {
			continue
		}
		idx, ok := v.Levels.Index(got)
		if !ok {
			continue
		}
		found = append(found, extraction{v: v, level: &idx})
	}
	if len(found) > 1 {
		names := make([]string, len(found))
		for i, f := range found {
			names[i] = entryKey(f.v.Code, f.level)
		}
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousBand, strings.Join(names, ", "))
	}
	return found, nil
}

func bandTime(ds *catalog.DataSet, ix timeindex.Index, fileTime time.Time, meta map[string]catalog.Value) (time.Time, error) {
	if ds.Temporality.TimeSource != catalog.TimeFromBand {
		return fileTime, nil
	}
	v, ok := meta[ds.Temporality.TimeAttribute]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: band has no %s attribute", timeindex.ErrInvalidTime, ds.Temporality.TimeAttribute)
	}
	t, err := timeindex.BandTime(v.String())
	if err != nil {
		return time.Time{}, err
	}
	return t, ix.Validate(t)
}

func (ri *RasterImporter) extract(ctx context.Context, ds *catalog.DataSet, x extraction) (Written, error) {
	if x.level != nil && len(x.v.Levels.Descriptions) > *x.level {
		ri.logger.DebugContext(ctx, "importing variable", "variable", x.v.Code, "level", x.v.Levels.Descriptions[*x.level])
	} else {
		ri.logger.DebugContext(ctx, "importing variable", "variable", x.v.Code)
	}

	win, err := clipWindow(ds, x.sb.world)
	if err != nil {
		return Written{}, err
	}
	tmp, err := ri.layout.TempPath(ds.Extension())
	if err != nil {
		return Written{}, err
	}
	opts := raster.TranslateOptions{Band: x.sb.band.Index, Window: win, Unscale: true}
	if err := ri.engine.Translate(ctx, x.sb.source, tmp, opts); err != nil {
		_ = os.Remove(tmp)
		return Written{}, err
	}

	if x.v.Transform != "" {
		expr, err := formula.Compile(x.v.Transform, "Z")
		if err != nil {
			_ = os.Remove(tmp)
			return Written{}, err
		}
		out, err := ri.layout.TempPath(ds.Extension())
		if err != nil {
			_ = os.Remove(tmp)
			return Written{}, err
		}
		_, err = raster.Calc(ctx, ri.engine, expr, map[string]string{"Z": tmp}, out)
		_ = os.Remove(tmp)
		if err != nil {
			_ = os.Remove(out)
			return Written{}, fmt.Errorf("transform: %w", err)
		}
		tmp = out
	}

	dst := ri.layout.Path(ds, x.v.Code, x.level, x.t)
	if err := archive.Place(tmp, dst); err != nil {
		return Written{}, err
	}

	var extra map[string]any
	if me, ok := modelExecution(x.sb.meta, x.t); ok {
		extra = map[string]any{"modelExecution": me}
	}
	if err := ri.index(ctx, dst, extra); err != nil {
		return Written{}, err
	}
	observability.IncArchiveWrite(ds.Code, "extracted")
	return Written{Code: x.v.Code, Level: x.level, Time: x.t, Path: dst}, nil
}

// clipWindow returns nil when the data set keeps the whole file.
func clipWindow(ds *catalog.DataSet, w spatial.World) (*raster.Window, error) {
	if ds.ClippingArea == nil {
		return nil, nil
	}
	a := ds.ClippingArea
	box, err := spatial.BoxFromEdges(a.N, a.W, a.S, a.E)
	if err != nil {
		return nil, fmt.Errorf("clipping area: %w", err)
	}
	fb, err := spatial.NormalizeBox(w, box)
	if err != nil {
		return nil, fmt.Errorf("clipping area: %w", err)
	}
	return raster.WindowOf(fb), nil
}

// modelExecution derives the model run from GRIB_FORECAST_SECONDS
// ("21600 sec").
func modelExecution(meta map[string]catalog.Value, t time.Time) (*timeindex.Formatted, bool) {
	v, ok := meta["GRIB_FORECAST_SECONDS"]
	if !ok || t.IsZero() {
		return nil, false
	}
	fields := strings.Fields(v.String())
	if len(fields) == 0 || len(fields) > 2 || (len(fields) == 2 && fields[1] != "sec") {
		return nil, false
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, false
	}
	return timeindex.Format(t.Add(-time.Duration(secs) * time.Second)), true
}

// index writes the sidecar of an archived payload from its own metadata.
func (ri *RasterImporter) index(ctx context.Context, payload string, extra map[string]any) error {
	info, err := ri.engine.Info(ctx, payload, true)
	if err != nil {
		return fmt.Errorf("index %s: %w", payload, err)
	}
	sc := archive.Sidecar{World: info.World(), Metadata: extra}
	if len(info.Bands) > 0 {
		sc.Min, sc.Max = info.Bands[0].Min, info.Bands[0].Max
	}
	return archive.WriteJSON(ri.layout.Dir(archive.Tmp), archive.SidecarPath(payload), sc)
}

func entryKey(code string, level *int) string {
	if level == nil {
		return code
	}
	return code + "_" + strconv.Itoa(*level)
}
