package gdal

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/geoos/geoarchive/internal/raster"
	"github.com/geoos/geoarchive/internal/spatial"
)

const ascNoData = -9999.0

// ReadAAIGrid parses an Arc/Info ASCII grid. Both cellsize and dx/dy headers
// are accepted, as are corner and center registered origins.
func ReadAAIGrid(r io.Reader) (*raster.Grid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	sc.Split(bufio.ScanWords)

	header := map[string]float64{}
	var pending string
	for sc.Scan() {
		tok := sc.Text()
		if _, err := strconv.ParseFloat(tok, 64); err == nil {
			pending = tok
			break
		}
		key := strings.ToLower(tok)
		if !sc.Scan() {
			return nil, fmt.Errorf("aaigrid: header %s without value", tok)
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("aaigrid: header %s: %w", tok, err)
		}
		header[key] = v
	}

	ncols, nrows := int(header["ncols"]), int(header["nrows"])
	if ncols <= 0 || nrows <= 0 {
		return nil, fmt.Errorf("aaigrid: invalid size %dx%d", ncols, nrows)
	}
	dx, dy := header["dx"], header["dy"]
	if cs, ok := header["cellsize"]; ok {
		dx, dy = cs, cs
	}
	if dx <= 0 || dy <= 0 {
		return nil, fmt.Errorf("aaigrid: missing cell size")
	}
	x0, okx := header["xllcorner"]
	if !okx {
		x0 = header["xllcenter"] - dx/2
	}
	y0, oky := header["yllcorner"]
	if !oky {
		y0 = header["yllcenter"] - dy/2
	}
	noData, hasNoData := header["nodata_value"]

	g := raster.NewGrid(spatial.World{
		Lng0: x0, Lat0: y0,
		Lng1: x0 + float64(ncols)*dx, Lat1: y0 + float64(nrows)*dy,
		Width: ncols, Height: nrows, DLng: dx, DLat: dy,
	})
	n := 0
	put := func(tok string) error {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("aaigrid: value %d: %w", n, err)
		}
		if n >= len(g.Values) {
			return fmt.Errorf("aaigrid: more than %d values", len(g.Values))
		}
		if hasNoData && v == noData {
			v = math.NaN()
		}
		g.Values[n] = v
		n++
		return nil
	}
	if pending != "" {
		if err := put(pending); err != nil {
			return nil, err
		}
	}
	for sc.Scan() {
		if err := put(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("aaigrid: %w", err)
	}
	if n != len(g.Values) {
		return nil, fmt.Errorf("aaigrid: got %d values, expected %d", n, len(g.Values))
	}
	return g, nil
}

// WriteAAIGrid writes g with dx/dy headers; NaN becomes the nodata value.
func WriteAAIGrid(w io.Writer, g *raster.Grid) error {
	bw := bufio.NewWriter(w)
	wd := g.World
	fmt.Fprintf(bw, "ncols %d\nnrows %d\n", wd.Width, wd.Height)
	fmt.Fprintf(bw, "xllcorner %s\nyllcorner %s\n", ftoa(wd.Lng0), ftoa(wd.Lat0))
	fmt.Fprintf(bw, "dx %s\ndy %s\n", ftoa(wd.DLng), ftoa(wd.DLat))
	fmt.Fprintf(bw, "NODATA_value %s\n", ftoa(ascNoData))
	for y := 0; y < wd.Height; y++ {
		for x := 0; x < wd.Width; x++ {
			if x > 0 {
				_ = bw.WriteByte(' ')
			}
			v := g.At(x, y)
			if math.IsNaN(v) {
				v = ascNoData
			}
			_, _ = bw.WriteString(ftoa(v))
		}
		_ = bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("aaigrid write: %w", err)
	}
	return nil
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
