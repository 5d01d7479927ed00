package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/observability"
	"github.com/geoos/geoarchive/internal/formula"
	"github.com/geoos/geoarchive/internal/raster"
)

// ResolveCalculated recomputes the calculated variables of ds at t. A
// variable is recomputed only when at least one of its sources is in fresh
// and every source payload exists. Variables are visited in dependency
// order and the ones written here are added to fresh, so chains resolve in
// one call. A calculated variable with levels is computed per level, taking
// the same level of every source that declares levels.
func (ri *RasterImporter) ResolveCalculated(ctx context.Context, ds *catalog.DataSet, t time.Time, fresh map[string]bool) ([]Written, error) {
	var out []Written
	for _, v := range ds.CalculatedOrder() {
		levels := []*int{nil}
		if v.Levels != nil {
			levels = levels[:0]
			for i := range v.Levels.Values {
				levels = append(levels, &i)
			}
		}
		for _, lvl := range levels {
			w, ok, err := ri.calculate(ctx, ds, v, lvl, t, fresh)
			if err != nil {
				return out, fmt.Errorf("calculated %s: %w", entryKey(v.Code, lvl), err)
			}
			if ok {
				fresh[entryKey(v.Code, lvl)] = true
				out = append(out, w)
			}
		}
	}
	return out, nil
}

func (ri *RasterImporter) calculate(ctx context.Context, ds *catalog.DataSet, v *catalog.Variable, lvl *int, t time.Time, fresh map[string]bool) (Written, bool, error) {
	sources := make(map[string]string, len(v.Calculated.Sources))
	anyFresh := false
	var missing []string
	for name, code := range v.Calculated.Sources {
		var dl *int
		if dep := ds.Variables[code]; dep != nil && dep.Levels != nil {
			dl = lvl
		}
		path := ri.layout.Path(ds, code, dl, t)
		if fresh[entryKey(code, dl)] {
			anyFresh = true
		}
		ok, err := archive.Exists(path)
		if err != nil {
			return Written{}, false, err
		}
		if !ok {
			missing = append(missing, entryKey(code, dl))
		}
		sources[name] = path
	}
	if !anyFresh {
		return Written{}, false, nil
	}
	if len(missing) > 0 {
		ri.logger.WarnContext(ctx, "calculated variable skipped, sources missing",
			"variable", v.Code, "missing", missing, "time", t)
		return Written{}, false, nil
	}

	expr, err := formula.Compile(v.Calculated.Formula, v.Calculated.Names...)
	if err != nil {
		return Written{}, false, err
	}
	tmp, err := ri.layout.TempPath(ds.Extension())
	if err != nil {
		return Written{}, false, err
	}
	g, err := raster.Calc(ctx, ri.engine, expr, sources, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return Written{}, false, err
	}
	dst := ri.layout.Path(ds, v.Code, lvl, t)
	if err := archive.Place(tmp, dst); err != nil {
		return Written{}, false, err
	}

	sc := archive.Sidecar{World: g.World}
	if lo, hi, ok := g.MinMax(); ok {
		sc.Min, sc.Max = &lo, &hi
	}
	if err := archive.WriteJSON(ri.layout.Dir(archive.Tmp), archive.SidecarPath(dst), sc); err != nil {
		return Written{}, false, err
	}
	observability.IncArchiveWrite(ds.Code, "calculated")
	ri.logger.DebugContext(ctx, "calculated variable written", "variable", v.Code, "path", dst)
	return Written{Code: v.Code, Level: lvl, Time: t, Path: dst}, true, nil
}
