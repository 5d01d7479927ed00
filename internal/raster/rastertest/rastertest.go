// Package rastertest provides an in-memory raster engine for tests. Files are
// JSON documents holding a world and one or more bands of values, so tests
// can build provider files by hand and inspect archived payloads.
package rastertest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/geoos/geoarchive/internal/raster"
	"github.com/geoos/geoarchive/internal/spatial"
)

type Band struct {
	Raw    map[string]any `json:"raw,omitempty"`
	Values []*float64     `json:"values"`
}

type File struct {
	World spatial.World `json:"world"`
	Bands []Band        `json:"bands"`
}

// BandOf converts a grid; NaN pixels become nulls.
func BandOf(g *raster.Grid, raw map[string]any) Band {
	b := Band{Raw: raw, Values: make([]*float64, len(g.Values))}
	for i, v := range g.Values {
		if !math.IsNaN(v) {
			b.Values[i] = &v
		}
	}
	return b
}

// Fill returns a band where every pixel is fn(x, y).
func Fill(w spatial.World, raw map[string]any, fn func(x, y int) float64) Band {
	g := raster.NewGrid(w)
	for y := 0; y < w.Height; y++ {
		for x := 0; x < w.Width; x++ {
			g.Set(x, y, fn(x, y))
		}
	}
	return BandOf(g, raw)
}

func WriteFile(path string, f File) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("rastertest %s: %w", path, err)
	}
	return f, nil
}

func (f File) grid(band int) (*raster.Grid, error) {
	if band <= 0 {
		band = 1
	}
	if band > len(f.Bands) {
		return nil, fmt.Errorf("band %d out of range", band)
	}
	g := raster.NewGrid(f.World)
	for i, v := range f.Bands[band-1].Values {
		if v != nil && i < len(g.Values) {
			g.Values[i] = *v
		}
	}
	return g, nil
}

// Engine implements raster.Engine over JSON files and counts calls per
// operation.
type Engine struct {
	mu    sync.Mutex
	calls map[string]int
}

func New() *Engine { return &Engine{calls: map[string]int{}} }

func (e *Engine) Name() string { return "fake" }

func (e *Engine) count(op string) {
	e.mu.Lock()
	e.calls[op]++
	e.mu.Unlock()
}

func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

func (e *Engine) Info(ctx context.Context, path string, stats bool) (*raster.Info, error) {
	e.count("info")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	w := f.World
	info := &raster.Info{
		Driver:     "fake",
		Width:      w.Width,
		Height:     w.Height,
		UpperLeft:  [2]float64{w.Lng0, w.Lat1},
		LowerRight: [2]float64{w.Lng1, w.Lat0},
	}
	for i, b := range f.Bands {
		raw := map[string]any{"band": float64(i + 1)}
		for k, v := range b.Raw {
			raw[k] = v
		}
		band := raster.Band{Index: i + 1, Raw: raw}
		band.Description, _ = raw["description"].(string)
		if stats {
			g, _ := f.grid(i + 1)
			if lo, hi, ok := g.MinMax(); ok {
				band.Min, band.Max = &lo, &hi
			}
		}
		info.Bands = append(info.Bands, band)
	}
	return info, nil
}

func (e *Engine) Translate(ctx context.Context, src, dst string, opts raster.TranslateOptions) error {
	e.count("translate")
	g, err := e.read(ctx, src, raster.ReadOptions{Band: opts.Band, Window: opts.Window})
	if err != nil {
		return err
	}
	return WriteFile(dst, File{World: g.World, Bands: []Band{BandOf(g, nil)}})
}

func (e *Engine) ReadGrid(ctx context.Context, path string, opts raster.ReadOptions) (*raster.Grid, error) {
	e.count("read")
	return e.read(ctx, path, opts)
}

func (e *Engine) read(ctx context.Context, path string, opts raster.ReadOptions) (*raster.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := f.grid(opts.Band)
	if err != nil {
		return nil, err
	}
	return g.Window(opts.Window, opts.Width, opts.Height)
}

func (e *Engine) WriteGrid(ctx context.Context, dst string, g *raster.Grid) error {
	e.count("write")
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteFile(dst, File{World: g.World, Bands: []Band{BandOf(g, nil)}})
}

// Contour emits one horizontal line per level inside the grid range, or one
// box per consecutive level pair when polygons are requested.
func (e *Engine) Contour(ctx context.Context, g *raster.Grid, opts raster.ContourOptions) (*geojson.FeatureCollection, error) {
	e.count("contour")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	lo, hi, ok := g.MinMax()
	if !ok {
		return fc, nil
	}
	w := g.World
	if opts.Polygons {
		for i := 0; i+1 < len(opts.Levels); i++ {
			a, b := opts.Levels[i], opts.Levels[i+1]
			if b < lo || a > hi {
				continue
			}
			f := geojson.NewFeature(orb.Bound{Min: orb.Point{w.Lng0, w.Lat0}, Max: orb.Point{w.Lng1, w.Lat1}}.ToPolygon())
			f.Properties["minValue"] = a
			f.Properties["maxValue"] = b
			fc.Append(f)
		}
		return fc, nil
	}
	for _, l := range opts.Levels {
		if l < lo || l > hi {
			continue
		}
		lat := w.Lat0 + (w.Lat1-w.Lat0)*(l-lo)/math.Max(hi-lo, 1e-12)
		f := geojson.NewFeature(orb.LineString{{w.Lng0, lat}, {w.Lng1, lat}})
		f.Properties["value"] = l
		fc.Append(f)
	}
	return fc, nil
}
