package raster

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/geoos/geoarchive/internal/formula"
)

// Calc evaluates expr pixel by pixel over band 1 of every source file and
// writes the result to dst. Sources are keyed by the name the formula uses
// and must share the same grid. A pixel with no data in any source has no
// data in the result.
func Calc(ctx context.Context, e Engine, expr *formula.Expr, sources map[string]string, dst string) (*Grid, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("calc %s: no sources", dst)
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	grids := make([]*Grid, len(names))
	for i, name := range names {
		g, err := e.ReadGrid(ctx, sources[name], ReadOptions{Band: 1})
		if err != nil {
			return nil, fmt.Errorf("calc read %s: %w", name, err)
		}
		if i > 0 && (g.World.Width != grids[0].World.Width || g.World.Height != grids[0].World.Height) {
			return nil, fmt.Errorf("calc: source %s is %dx%d, expected %dx%d",
				name, g.World.Width, g.World.Height, grids[0].World.Width, grids[0].World.Height)
		}
		grids[i] = g
	}

	out := NewGrid(grids[0].World)
	params := make(map[string]any, len(names))
	for p := range out.Values {
		if p%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		nodata := false
		for i, name := range names {
			params[name] = grids[i].Values[p]
			nodata = nodata || math.IsNaN(grids[i].Values[p])
		}
		if nodata {
			out.Values[p] = math.NaN()
			continue
		}
		v, err := expr.Eval(params)
		if err != nil {
			return nil, fmt.Errorf("calc %q: %w", expr.String(), err)
		}
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		out.Values[p] = v
	}
	if err := e.WriteGrid(ctx, dst, out); err != nil {
		return nil, fmt.Errorf("calc write: %w", err)
	}
	return out, nil
}
