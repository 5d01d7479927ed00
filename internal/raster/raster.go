// Package raster defines the contract the archive uses to inspect, cut, read,
// write and contour gridded files. Backends register themselves by name and
// are selected at startup.
package raster

import (
	"context"
	"errors"
	"math"

	"github.com/paulmach/orb/geojson"

	"github.com/geoos/geoarchive/internal/spatial"
)

// ErrUnsupported is returned by a backend that cannot handle a file or an
// operation. A Mux moves on to the next backend when it sees it.
var ErrUnsupported = errors.New("raster: operation not supported")

type Band struct {
	// Index is 1-based.
	Index       int
	Description string
	NoData      *float64
	Min, Max    *float64
	// Raw is the backend description of the band. Nested maps are allowed
	// and are flattened before selectors are matched.
	Raw map[string]any
}

type Info struct {
	Driver     string
	Width      int
	Height     int
	UpperLeft  [2]float64
	LowerRight [2]float64
	Bands      []Band
	// SubDatasets are openable names of nested rasters (netCDF variables).
	SubDatasets []string
}

// World is the extent exactly as the file declares it.
func (i *Info) World() spatial.World {
	return spatial.FromCorners(i.UpperLeft[0], i.UpperLeft[1], i.LowerRight[0], i.LowerRight[1], i.Width, i.Height)
}

// SourceWorld is the extent with longitudes folded to 0-360, used to cut
// windows out of provider files.
func (i *Info) SourceWorld() spatial.World {
	return spatial.SourceFromCorners(i.UpperLeft[0], i.UpperLeft[1], i.LowerRight[0], i.LowerRight[1], i.Width, i.Height)
}

// Window is a pixel rectangle, row 0 at the north edge.
type Window struct {
	X, Y          int
	Width, Height int
}

// WindowOf converts a normalized box to its pixel window.
func WindowOf(b spatial.FoundBox) *Window {
	return &Window{X: b.X0, Y: b.Y0, Width: b.Width, Height: b.Height}
}

type TranslateOptions struct {
	// Band is 1-based; 0 copies band 1.
	Band    int
	Window  *Window
	Unscale bool
}

type ReadOptions struct {
	Band   int
	Window *Window
	// Width and Height resample the window with nearest neighbour; zero
	// keeps the window size.
	Width, Height int
}

type ContourOptions struct {
	Levels   []float64
	Polygons bool
}

// Engine is implemented by every raster backend. Paths are local files or
// backend-specific sub dataset names returned in Info.SubDatasets.
type Engine interface {
	Name() string
	Info(ctx context.Context, path string, stats bool) (*Info, error)
	Translate(ctx context.Context, src, dst string, opts TranslateOptions) error
	ReadGrid(ctx context.Context, path string, opts ReadOptions) (*Grid, error)
	WriteGrid(ctx context.Context, dst string, g *Grid) error
	// Contour returns isolines (features carrying a "value" property) or
	// isobands (features carrying "minValue" and "maxValue").
	Contour(ctx context.Context, g *Grid, opts ContourOptions) (*geojson.FeatureCollection, error)
}

// Grid holds one band in memory. Values are row-major with row 0 at the north
// edge of World; NaN marks pixels without data.
type Grid struct {
	World  spatial.World
	Values []float64
}

func NewGrid(w spatial.World) *Grid {
	v := make([]float64, w.Width*w.Height)
	for i := range v {
		v[i] = math.NaN()
	}
	return &Grid{World: w, Values: v}
}

func (g *Grid) At(x, y int) float64 { return g.Values[y*g.World.Width+x] }

func (g *Grid) Set(x, y int, v float64) { g.Values[y*g.World.Width+x] = v }

// MinMax ignores NaN pixels; ok is false when every pixel is NaN.
func (g *Grid) MinMax() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range g.Values {
		if math.IsNaN(v) {
			continue
		}
		ok = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if !ok {
		return 0, 0, false
	}
	return lo, hi, true
}

// Nearest returns the pixel enclosing (lat, lng).
func (g *Grid) Nearest(lat, lng float64) (float64, bool) {
	p, err := spatial.NormalizePoint(g.World, lat, lng)
	if err != nil {
		return math.NaN(), false
	}
	v := g.At(p.X, p.Y)
	return v, !math.IsNaN(v)
}

// Window returns a copy of the pixels in w, resampled to width x height with
// nearest neighbour when those are positive.
func (g *Grid) Window(w *Window, width, height int) (*Grid, error) {
	src := g
	if w != nil {
		if w.X < 0 || w.Y < 0 || w.Width <= 0 || w.Height <= 0 ||
			w.X+w.Width > g.World.Width || w.Y+w.Height > g.World.Height {
			return nil, spatial.ErrOutside
		}
		lng0 := g.World.Lng0 + float64(w.X)*g.World.DLng
		lat1 := g.World.Lat1 - float64(w.Y)*g.World.DLat
		sub := NewGrid(spatial.World{
			Lng0: lng0, Lat0: lat1 - float64(w.Height)*g.World.DLat,
			Lng1: lng0 + float64(w.Width)*g.World.DLng, Lat1: lat1,
			Width: w.Width, Height: w.Height,
			DLng: g.World.DLng, DLat: g.World.DLat,
		})
		for y := 0; y < w.Height; y++ {
			copy(sub.Values[y*w.Width:(y+1)*w.Width], g.Values[(w.Y+y)*g.World.Width+w.X:])
		}
		src = sub
	}
	if width <= 0 || height <= 0 || (width == src.World.Width && height == src.World.Height) {
		return src, nil
	}
	return src.resample(width, height), nil
}

func (g *Grid) resample(width, height int) *Grid {
	w := g.World
	out := NewGrid(spatial.World{
		Lng0: w.Lng0, Lat0: w.Lat0, Lng1: w.Lng1, Lat1: w.Lat1,
		Width: width, Height: height,
		DLng: (w.Lng1 - w.Lng0) / float64(width),
		DLat: (w.Lat1 - w.Lat0) / float64(height),
	})
	for y := 0; y < height; y++ {
		sy := min(int((float64(y)+0.5)*float64(w.Height)/float64(height)), w.Height-1)
		for x := 0; x < width; x++ {
			sx := min(int((float64(x)+0.5)*float64(w.Width)/float64(width)), w.Width-1)
			out.Set(x, y, g.At(sx, sy))
		}
	}
	return out
}
