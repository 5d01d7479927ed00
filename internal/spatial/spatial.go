// Package spatial aligns geographic boxes and points to the pixel lattice
// of a raster world, hiding 0-360 longitude conventions from callers.
package spatial

import (
	"errors"
	"fmt"
	"math"
)

var ErrOutside = errors.New("outside the data extent")

// snap tolerance, in pixels
const eps = 1e-9

// World is the envelope and pixel grid of one raster file. Row 0 of the
// pixel grid is the northern edge (Lat1).
type World struct {
	Lng0   float64 `json:"lng0"`
	Lat0   float64 `json:"lat0"`
	Lng1   float64 `json:"lng1"`
	Lat1   float64 `json:"lat1"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	DLng   float64 `json:"dLng"`
	DLat   float64 `json:"dLat"`
}

// Is360 reports whether the world uses the 0-360 longitude convention.
func (w World) Is360() bool { return w.Lng0 > 180 || w.Lng1 > 180 }

func (w World) Valid() error {
	if w.Width <= 0 || w.Height <= 0 {
		return fmt.Errorf("world has no pixels (%dx%d)", w.Width, w.Height)
	}
	if !(w.DLng > 0) || !(w.DLat > 0) {
		return fmt.Errorf("world has invalid pixel size %gx%g", w.DLng, w.DLat)
	}
	return nil
}

// FromCorners builds a world from corner coordinates as reported by the
// raster engine (upper-left and lower-right), keeping their convention.
func FromCorners(ulx, uly, lrx, lry float64, width, height int) World {
	w := World{
		Lng0: math.Min(ulx, lrx), Lng1: math.Max(ulx, lrx),
		Lat0: math.Min(uly, lry), Lat1: math.Max(uly, lry),
		Width: width, Height: height,
	}
	if width > 0 {
		w.DLng = (w.Lng1 - w.Lng0) / float64(width)
	}
	if height > 0 {
		w.DLat = (w.Lat1 - w.Lat0) / float64(height)
	}
	return w
}

// SourceFromCorners folds longitudes to 0-360 so that worlds crossing the
// antimeridian or the prime meridian keep lng0 < lng1. A world spanning
// the whole globe stays in the -180/180 convention.
func SourceFromCorners(ulx, uly, lrx, lry float64, width, height int) World {
	lng0, lng1 := to360(ulx), to360(lrx)
	if lng0 >= lng1 {
		lng0 -= 360
	}
	w := World{
		Lng0: lng0, Lng1: lng1,
		Lat0: math.Min(uly, lry), Lat1: math.Max(uly, lry),
		Width: width, Height: height,
	}
	if width > 0 {
		w.DLng = (w.Lng1 - w.Lng0) / float64(width)
	}
	if height > 0 {
		w.DLat = (w.Lat1 - w.Lat0) / float64(height)
	}
	return w
}

func to360(lng float64) float64 {
	if lng < 0 {
		return lng + 360
	}
	return lng
}

// Box is a geographic rectangle with Lng0 < Lng1 and Lat0 < Lat1.
type Box struct {
	Lng0 float64 `json:"lng0"`
	Lat0 float64 `json:"lat0"`
	Lng1 float64 `json:"lng1"`
	Lat1 float64 `json:"lat1"`
}

// BoxFromEdges reads request edges. An east edge west of the west edge
// crosses the antimeridian.
func BoxFromEdges(n, w, s, e float64) (Box, error) {
	if n < s {
		return Box{}, fmt.Errorf("north %g is south of south %g", n, s)
	}
	if n > 90 || s < -90 {
		return Box{}, errors.New("latitude must be in [-90,90]")
	}
	if e < w {
		e += 360
	}
	return Box{Lng0: w, Lat0: s, Lng1: e, Lat1: n}, nil
}

// Expand grows the box by margin degrees on every side.
func (b Box) Expand(margin float64) Box {
	if margin <= 0 {
		return b
	}
	return Box{
		Lng0: b.Lng0 - margin,
		Lat0: math.Max(-90, b.Lat0-margin),
		Lng1: b.Lng1 + margin,
		Lat1: math.Min(90, b.Lat1+margin),
	}
}

// FoundBox is a pixel aligned box. X/Y are pixel offsets with row 0 at the
// northern edge; Width and Height count pixels.
type FoundBox struct {
	Box
	X0     int `json:"-"`
	Y0     int `json:"-"`
	X1     int `json:"-"`
	Y1     int `json:"-"`
	Width  int `json:"-"`
	Height int `json:"-"`
}

// NormalizeBox clips b to w and snaps it outward to whole pixels, so the
// result always covers the intersection of b and w.
func NormalizeBox(w World, b Box) (FoundBox, error) {
	if err := w.Valid(); err != nil {
		return FoundBox{}, err
	}
	lng0, lng1 := b.Lng0, b.Lng1
	if w.Is360() {
		if lng0 < 0 && lng1 > 0 {
			// both sides of the prime meridian: only the full span covers it
			lng0, lng1 = w.Lng0, w.Lng1
		} else {
			if lng0 < 0 {
				lng0 += 360
			}
			if lng1 <= 0 {
				lng1 += 360
			}
		}
	} else if lng1 > 180 || lng0 < -180 {
		var ok bool
		if lng0, lng1, ok = unwrap(w, lng0, lng1); !ok {
			return FoundBox{}, fmt.Errorf("%w: box %+v", ErrOutside, b)
		}
	}

	lng0 = math.Max(lng0, w.Lng0)
	lng1 = math.Min(lng1, w.Lng1)
	lat0 := math.Max(b.Lat0, w.Lat0)
	lat1 := math.Min(b.Lat1, w.Lat1)
	if lng0 > lng1 || lat0 > lat1 {
		return FoundBox{}, fmt.Errorf("%w: box %+v", ErrOutside, b)
	}

	ix0, ix1 := snap((lng0-w.Lng0)/w.DLng, (lng1-w.Lng0)/w.DLng, w.Width)
	iy0, iy1 := snap((lat0-w.Lat0)/w.DLat, (lat1-w.Lat0)/w.DLat, w.Height)

	fb := FoundBox{
		Box: Box{
			Lng0: w.Lng0 + float64(ix0)*w.DLng,
			Lng1: w.Lng0 + float64(ix1)*w.DLng,
			Lat0: w.Lat0 + float64(iy0)*w.DLat,
			Lat1: w.Lat0 + float64(iy1)*w.DLat,
		},
		X0: ix0, X1: ix1,
		Y0: w.Height - iy1, Y1: w.Height - iy0,
		Width: ix1 - ix0, Height: iy1 - iy0,
	}
	if w.Is360() {
		fb.Lng0, fb.Lng1 = from360(fb.Lng0), from360(fb.Lng1)
		if fb.Lng1 <= fb.Lng0 {
			fb.Lng1 += 360
		}
	}
	return fb, nil
}

// unwrap splits a box crossing the antimeridian into its eastern and western
// parts. When both parts reach into w only the full longitude span covers
// them.
func unwrap(w World, lng0, lng1 float64) (float64, float64, bool) {
	east := [2]float64{lng0, 180}
	west := [2]float64{-180, lng1 - 360}
	if lng0 < -180 {
		east = [2]float64{lng0 + 360, 180}
		west = [2]float64{-180, lng1}
	}
	inEast := east[0] <= w.Lng1 && east[1] >= w.Lng0
	inWest := west[0] <= w.Lng1 && west[1] >= w.Lng0
	switch {
	case inEast && inWest:
		return w.Lng0, w.Lng1, true
	case inEast:
		return east[0], east[1], true
	case inWest:
		return west[0], west[1], true
	}
	return 0, 0, false
}

// snap returns whole pixel indexes [i0,i1) covering [p0,p1], at least one
// pixel wide.
func snap(p0, p1 float64, size int) (int, int) {
	i0 := int(math.Floor(p0 + eps))
	i1 := int(math.Ceil(p1 - eps))
	if i1 <= i0 {
		i1 = i0 + 1
	}
	if i0 < 0 {
		i0 = 0
	}
	if i1 > size {
		i1 = size
	}
	if i0 >= i1 {
		i0 = i1 - 1
	}
	return i0, i1
}

func from360(lng float64) float64 {
	if lng > 180 {
		return lng - 360
	}
	return lng
}

// FoundPoint is the pixel enclosing a requested point. Lat/Lng are the
// pixel centre; X is the column and Y the row from the northern edge.
type FoundPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	X   int     `json:"-"`
	Y   int     `json:"-"`
}

func NormalizePoint(w World, lat, lng float64) (FoundPoint, error) {
	if err := w.Valid(); err != nil {
		return FoundPoint{}, err
	}
	if w.Is360() && lng < w.Lng0 {
		lng += 360
	} else if !w.Is360() && lng > w.Lng1 {
		lng -= 360
	}
	if lng < w.Lng0 || lng > w.Lng1 || lat < w.Lat0 || lat > w.Lat1 {
		return FoundPoint{}, fmt.Errorf("%w: point (%g, %g)", ErrOutside, lat, lng)
	}
	x := min(int(math.Floor((lng-w.Lng0)/w.DLng)), w.Width-1)
	iy := min(int(math.Floor((lat-w.Lat0)/w.DLat)), w.Height-1)

	return FoundPoint{
		Lng: from360(w.Lng0 + (float64(x)+0.5)*w.DLng),
		Lat: w.Lat0 + (float64(iy)+0.5)*w.DLat,
		X:   x,
		Y:   w.Height - 1 - iy,
	}, nil
}
