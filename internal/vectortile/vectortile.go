// Package vectortile cuts a feature collection into map tiles. Tiles hold
// features in tile pixel coordinates, shaped like geojson-vt output: a type
// (1 point, 2 line, 3 polygon), the geometry, the source properties as tags
// and an optional id promoted from a property.
package vectortile

import (
	"errors"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"
)

var ErrInvalidTile = errors.New("invalid tile coordinates")

const (
	DefaultExtent    = 4096
	DefaultBuffer    = 64
	DefaultTolerance = 5
	maxZoom          = 24
	tileCacheSize    = 256
	// web mercator latitude limit
	maxLat = 85.0511287798066
)

const (
	TypePoint   = 1
	TypeLine    = 2
	TypePolygon = 3
)

type Options struct {
	Extent int
	Buffer int
	// Tolerance is the simplification threshold in tile pixels.
	Tolerance float64
	PromoteID string
}

type Feature struct {
	ID       any            `json:"id,omitempty"`
	Type     int            `json:"type"`
	Geometry any            `json:"geometry"`
	Tags     map[string]any `json:"tags"`
}

type source struct {
	geom  orb.Geometry // projected to [0,1] mercator space
	bound orb.Bound
	props map[string]any
	id    any
}

// Index holds a collection projected once, and a bounded cache of cut tiles.
type Index struct {
	opts     Options
	features []source
	tiles    *lru.Cache[uint64, []Feature]
}

func New(fc *geojson.FeatureCollection, opts Options) (*Index, error) {
	if opts.Extent <= 0 {
		opts.Extent = DefaultExtent
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	tiles, err := lru.New[uint64, []Feature](tileCacheSize)
	if err != nil {
		return nil, err
	}
	ix := &Index{opts: opts, tiles: tiles}
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		g := project.Geometry(orb.Clone(f.Geometry), mercator)
		src := source{geom: g, bound: g.Bound(), props: f.Properties}
		if opts.PromoteID != "" {
			src.id = f.Properties[opts.PromoteID]
		} else if f.ID != nil {
			src.id = f.ID
		}
		ix.features = append(ix.features, src)
	}
	return ix, nil
}

// Len is the number of features with a geometry.
func (ix *Index) Len() int { return len(ix.features) }

// Tile returns the features of tile z/x/y; an empty tile is an empty slice.
func (ix *Index) Tile(z, x, y int) ([]Feature, error) {
	if z < 0 || z > maxZoom {
		return nil, fmt.Errorf("%w: zoom %d", ErrInvalidTile, z)
	}
	n := 1 << z
	if x < 0 || y < 0 || x >= n || y >= n {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrInvalidTile, z, x, y)
	}
	key := uint64(z)<<58 | uint64(x)<<29 | uint64(y)
	if t, ok := ix.tiles.Get(key); ok {
		return t, nil
	}
	t := ix.cut(z, x, y)
	ix.tiles.Add(key, t)
	return t, nil
}

func (ix *Index) cut(z, x, y int) []Feature {
	extent := float64(ix.opts.Extent)
	scale := float64(int(1) << z)
	pad := float64(ix.opts.Buffer) / extent
	area := orb.Bound{
		Min: orb.Point{(float64(x) - pad) / scale, (float64(y) - pad) / scale},
		Max: orb.Point{(float64(x) + 1 + pad) / scale, (float64(y) + 1 + pad) / scale},
	}
	toTile := func(p orb.Point) orb.Point {
		return orb.Point{(p[0]*scale - float64(x)) * extent, (p[1]*scale - float64(y)) * extent}
	}
	px := orb.Bound{
		Min: orb.Point{-float64(ix.opts.Buffer), -float64(ix.opts.Buffer)},
		Max: orb.Point{extent + float64(ix.opts.Buffer), extent + float64(ix.opts.Buffer)},
	}

	out := []Feature{}
	for _, f := range ix.features {
		if !f.bound.Intersects(area) {
			continue
		}
		g := project.Geometry(orb.Clone(f.geom), toTile)
		g = clip.Geometry(px, g)
		if g == nil {
			continue
		}
		if ix.opts.Tolerance > 0 {
			g = simplify.DouglasPeucker(ix.opts.Tolerance).Simplify(g)
		}
		typ, coords := encode(g)
		if typ == 0 {
			continue
		}
		out = append(out, Feature{ID: f.id, Type: typ, Geometry: coords, Tags: f.props})
	}
	return out
}

// mercator maps lon/lat to [0,1] with y growing south.
func mercator(p orb.Point) orb.Point {
	lat := math.Max(-maxLat, math.Min(maxLat, p[1]))
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	return orb.Point{p[0]/360 + 0.5, y}
}

// encode flattens g to geojson-vt coordinates. Collections of mixed kinds
// keep the first kind found.
func encode(g orb.Geometry) (int, any) {
	switch g := g.(type) {
	case orb.Point:
		return TypePoint, [][2]int64{round(g)}
	case orb.MultiPoint:
		if len(g) == 0 {
			return 0, nil
		}
		pts := make([][2]int64, len(g))
		for i, p := range g {
			pts[i] = round(p)
		}
		return TypePoint, pts
	case orb.LineString:
		return lines(TypeLine, []orb.LineString{g})
	case orb.MultiLineString:
		return lines(TypeLine, g)
	case orb.Ring:
		return rings([]orb.Ring{g})
	case orb.Polygon:
		return rings(g)
	case orb.MultiPolygon:
		var all []orb.Ring
		for _, p := range g {
			all = append(all, p...)
		}
		return rings(all)
	case orb.Collection:
		for _, sub := range g {
			if typ, c := encode(sub); typ != 0 {
				return typ, c
			}
		}
	case orb.Bound:
		return rings(g.ToPolygon())
	}
	return 0, nil
}

func lines(typ int, ls []orb.LineString) (int, any) {
	var out [][][2]int64
	for _, l := range ls {
		if len(l) < 2 {
			continue
		}
		out = append(out, roundAll(l))
	}
	if len(out) == 0 {
		return 0, nil
	}
	return typ, out
}

func rings(rs []orb.Ring) (int, any) {
	var out [][][2]int64
	for _, r := range rs {
		if len(r) < 4 {
			continue
		}
		out = append(out, roundAll(r))
	}
	if len(out) == 0 {
		return 0, nil
	}
	return TypePolygon, out
}

func roundAll[T ~[]orb.Point](pts T) [][2]int64 {
	out := make([][2]int64, len(pts))
	for i, p := range pts {
		out[i] = round(p)
	}
	return out
}

func round(p orb.Point) [2]int64 {
	return [2]int64{int64(math.Round(p[0])), int64(math.Round(p[1]))}
}
