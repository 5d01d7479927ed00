// Package ncnative reads and writes classic netCDF grids in process, without
// GDAL. It understands regular lat/lon grids whose data variables are shaped
// [lat, lon] or [t, lat, lon]; every index of the leading dimension is
// exposed as its own band. Anything else reports raster.ErrUnsupported.
package ncnative

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/paulmach/orb/geojson"

	"github.com/geoos/geoarchive/internal/raster"
	"github.com/geoos/geoarchive/internal/spatial"
)

const (
	Name = "native"

	fillValue = float32(-9999)
	// BandVariable is the data variable written by WriteGrid.
	BandVariable = "Band1"
)

func init() {
	raster.Register(Name, func(opts raster.Options) (raster.Engine, error) {
		return New(opts), nil
	})
}

type Engine struct {
	logger *slog.Logger
}

func New(opts raster.Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{logger: logger}
}

func (e *Engine) Name() string { return Name }

// target splits plain .nc paths and NETCDF:"file":var sub dataset names.
func target(path string) (file, variable string, ok bool) {
	if rest, found := strings.CutPrefix(path, "NETCDF:"); found {
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			return "", "", false
		}
		file, variable = strings.Trim(rest[:i], `"`), rest[i+1:]
		return file, variable, strings.EqualFold(filepath.Ext(file), ".nc")
	}
	return path, "", strings.EqualFold(filepath.Ext(path), ".nc")
}

type axis struct {
	name   string
	values []float64
}

func (a axis) step() float64 {
	n := len(a.values)
	return math.Abs(a.values[n-1]-a.values[0]) / float64(n-1)
}

func (a axis) ascending() bool { return a.values[0] < a.values[len(a.values)-1] }

func (a axis) bounds() (float64, float64) {
	lo := math.Min(a.values[0], a.values[len(a.values)-1])
	hi := math.Max(a.values[0], a.values[len(a.values)-1])
	half := a.step() / 2
	return lo - half, hi + half
}

// bandRef locates one band inside the file.
type bandRef struct {
	variable string
	lead     int // index in the leading dimension, -1 for 2D variables
	leadDim  string
	leadVal  float64
	leadUnit string
}

type dataset struct {
	group api.Group
	lat   axis
	lon   axis
	bands []bandRef
}

func open(path string) (*dataset, error) {
	file, only, ok := target(path)
	if !ok {
		return nil, raster.ErrUnsupported
	}
	g, err := netcdf.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	ds := &dataset{group: g}
	if err := ds.scan(only); err != nil {
		g.Close()
		return nil, err
	}
	return ds, nil
}

var (
	latNames = []string{"lat", "latitude", "y"}
	lonNames = []string{"lon", "longitude", "x"}
)

func (ds *dataset) coordinate(names []string) (axis, bool) {
	for _, name := range names {
		v, err := ds.group.GetVariable(name)
		if err != nil || len(v.Dimensions) != 1 {
			continue
		}
		vals, err := flatten(v.Values)
		if err != nil || len(vals) < 2 {
			continue
		}
		return axis{name: v.Dimensions[0], values: vals}, true
	}
	return axis{}, false
}

func (ds *dataset) scan(only string) error {
	var ok bool
	if ds.lat, ok = ds.coordinate(latNames); !ok {
		return fmt.Errorf("no latitude axis: %w", raster.ErrUnsupported)
	}
	if ds.lon, ok = ds.coordinate(lonNames); !ok {
		return fmt.Errorf("no longitude axis: %w", raster.ErrUnsupported)
	}
	for _, name := range ds.group.ListVariables() {
		if only != "" && name != only {
			continue
		}
		vg, err := ds.group.GetVarGetter(name)
		if err != nil {
			continue
		}
		dims := vg.Dimensions()
		n := len(dims)
		if n < 2 || n > 3 || dims[n-2] != ds.lat.name || dims[n-1] != ds.lon.name {
			continue
		}
		if n == 2 {
			ds.bands = append(ds.bands, bandRef{variable: name, lead: -1})
			continue
		}
		lead := dims[0]
		coords := ds.leadCoords(lead, int(vg.Shape()[0]))
		unit := ""
		if cv, err := ds.group.GetVarGetter(lead); err == nil {
			unit, _ = attrString(cv.Attributes(), "units")
		}
		for i, c := range coords {
			ds.bands = append(ds.bands, bandRef{variable: name, lead: i, leadDim: lead, leadVal: c, leadUnit: unit})
		}
	}
	if len(ds.bands) == 0 {
		return fmt.Errorf("no lat/lon grids: %w", raster.ErrUnsupported)
	}
	return nil
}

func (ds *dataset) leadCoords(dim string, n int) []float64 {
	if v, err := ds.group.GetVariable(dim); err == nil {
		if vals, err := flatten(v.Values); err == nil && len(vals) == n {
			return vals
		}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func (ds *dataset) world() spatial.World {
	lng0, lng1 := ds.lon.bounds()
	lat0, lat1 := ds.lat.bounds()
	return spatial.FromCorners(lng0, lat1, lng1, lat0, len(ds.lon.values), len(ds.lat.values))
}

func (ds *dataset) band(b int) (bandRef, error) {
	if b <= 0 {
		b = 1
	}
	if b > len(ds.bands) {
		return bandRef{}, fmt.Errorf("band %d out of range (%d bands)", b, len(ds.bands))
	}
	return ds.bands[b-1], nil
}

// read loads one band as a grid with row 0 at the north edge.
func (ds *dataset) read(ref bandRef) (*raster.Grid, error) {
	v, err := ds.group.GetVariable(ref.variable)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", ref.variable, err)
	}
	vals, err := flatten(v.Values)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", ref.variable, err)
	}
	w := ds.world()
	size := w.Width * w.Height
	off := 0
	if ref.lead >= 0 {
		off = ref.lead * size
	}
	if off+size > len(vals) {
		return nil, fmt.Errorf("variable %s: %d values, need %d", ref.variable, len(vals), off+size)
	}
	fill, hasFill := attrNumber(v.Attributes, "_FillValue")
	missing, hasMissing := attrNumber(v.Attributes, "missing_value")
	scale, hasScale := attrNumber(v.Attributes, "scale_factor")
	offset, _ := attrNumber(v.Attributes, "add_offset")
	if !hasScale {
		scale = 1
	}
	flip := ds.lat.ascending()
	lonFlip := !ds.lon.ascending()

	g := raster.NewGrid(w)
	for y := 0; y < w.Height; y++ {
		sy := y
		if flip {
			sy = w.Height - 1 - y
		}
		for x := 0; x < w.Width; x++ {
			sx := x
			if lonFlip {
				sx = w.Width - 1 - x
			}
			raw := vals[off+sy*w.Width+sx]
			if math.IsNaN(raw) || (hasFill && raw == fill) || (hasMissing && raw == missing) {
				continue
			}
			g.Set(x, y, raw*scale+offset)
		}
	}
	return g, nil
}

func (ds *dataset) describe(i int, ref bandRef) raster.Band {
	md := map[string]any{"NETCDF_VARNAME": ref.variable}
	if vg, err := ds.group.GetVarGetter(ref.variable); err == nil {
		am := vg.Attributes()
		for _, k := range am.Keys() {
			if val, ok := am.Get(k); ok {
				if s, ok := scalar(val); ok {
					md[k] = s
				}
			}
		}
	}
	if ref.lead >= 0 {
		md["NETCDF_DIM_"+ref.leadDim] = strconv.FormatFloat(ref.leadVal, 'f', -1, 64)
		if t, ok := cfTime(ref.leadUnit, ref.leadVal); ok {
			md["NETCDF_DIM_"+ref.leadDim+"_VALID_TIME"] = fmt.Sprintf("%d sec UTC", t.Unix())
		}
	}
	return raster.Band{
		Index:       i + 1,
		Description: ref.variable,
		Raw: map[string]any{
			"band":        i + 1,
			"description": ref.variable,
			"metadata":    map[string]any{"": md},
		},
	}
}

func (e *Engine) Info(ctx context.Context, path string, stats bool) (*raster.Info, error) {
	ds, err := open(path)
	if err != nil {
		return nil, err
	}
	defer ds.group.Close()

	w := ds.world()
	info := &raster.Info{
		Driver:     "netCDF",
		Width:      w.Width,
		Height:     w.Height,
		UpperLeft:  [2]float64{w.Lng0, w.Lat1},
		LowerRight: [2]float64{w.Lng1, w.Lat0},
	}
	for i, ref := range ds.bands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := ds.describe(i, ref)
		if stats {
			g, err := ds.read(ref)
			if err != nil {
				return nil, err
			}
			if lo, hi, ok := g.MinMax(); ok {
				b.Min, b.Max = &lo, &hi
			}
		}
		info.Bands = append(info.Bands, b)
	}
	return info, nil
}

func (e *Engine) ReadGrid(ctx context.Context, path string, opts raster.ReadOptions) (*raster.Grid, error) {
	ds, err := open(path)
	if err != nil {
		return nil, err
	}
	defer ds.group.Close()

	ref, err := ds.band(opts.Band)
	if err != nil {
		return nil, err
	}
	g, err := ds.read(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Window(opts.Window, opts.Width, opts.Height)
}

func (e *Engine) Translate(ctx context.Context, src, dst string, opts raster.TranslateOptions) error {
	if _, _, ok := target(dst); !ok {
		return raster.ErrUnsupported
	}
	g, err := e.ReadGrid(ctx, src, raster.ReadOptions{Band: opts.Band, Window: opts.Window})
	if err != nil {
		return err
	}
	return e.WriteGrid(ctx, dst, g)
}

// WriteGrid writes a classic netCDF file with lat (north first), lon and a
// single float band.
func (e *Engine) WriteGrid(_ context.Context, dst string, g *raster.Grid) (err error) {
	if !strings.EqualFold(filepath.Ext(dst), ".nc") {
		return raster.ErrUnsupported
	}
	w := g.World
	lat := make([]float64, w.Height)
	for y := range lat {
		lat[y] = w.Lat1 - (float64(y)+0.5)*w.DLat
	}
	lon := make([]float64, w.Width)
	for x := range lon {
		lon[x] = w.Lng0 + (float64(x)+0.5)*w.DLng
	}
	rows := make([][]float32, w.Height)
	for y := range rows {
		row := make([]float32, w.Width)
		for x := range row {
			v := g.At(x, y)
			if math.IsNaN(v) {
				row[x] = fillValue
			} else {
				row[x] = float32(v)
			}
		}
		rows[y] = row
	}

	cw, err := cdf.NewCDFWriter(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := cw.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
	}()
	vars := []struct {
		name   string
		values any
		dims   []string
		attrs  map[string]any
	}{
		{"lat", lat, []string{"lat"}, map[string]any{"units": "degrees_north"}},
		{"lon", lon, []string{"lon"}, map[string]any{"units": "degrees_east"}},
		{BandVariable, rows, []string{"lat", "lon"}, map[string]any{"_FillValue": fillValue}},
	}
	for _, v := range vars {
		keys := make([]string, 0, len(v.attrs))
		for k := range v.attrs {
			keys = append(keys, k)
		}
		am, err := util.NewOrderedMap(keys, v.attrs)
		if err != nil {
			return fmt.Errorf("attributes %s: %w", v.name, err)
		}
		if err := cw.AddVar(v.name, api.Variable{Values: v.values, Dimensions: v.dims, Attributes: am}); err != nil {
			return fmt.Errorf("add %s: %w", v.name, err)
		}
	}
	return nil
}

func (e *Engine) Contour(context.Context, *raster.Grid, raster.ContourOptions) (*geojson.FeatureCollection, error) {
	return nil, raster.ErrUnsupported
}

// flatten walks nested numeric slices in row-major order.
func flatten(v any) ([]float64, error) {
	var out []float64
	var walk func(rv reflect.Value) error
	walk = func(rv reflect.Value) error {
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if err := walk(rv.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Float32, reflect.Float64:
			out = append(out, rv.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out = append(out, float64(rv.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out = append(out, float64(rv.Uint()))
		default:
			return fmt.Errorf("unsupported value type %s", rv.Type())
		}
		return nil
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}

func attrNumber(am api.AttributeMap, key string) (float64, bool) {
	if am == nil {
		return 0, false
	}
	v, ok := am.Get(key)
	if !ok {
		return 0, false
	}
	vals, err := flatten(v)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func attrString(am api.AttributeMap, key string) (string, bool) {
	if am == nil {
		return "", false
	}
	v, ok := am.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// scalar keeps strings and single numbers; arrays are dropped like every
// other nested array in band metadata.
func scalar(v any) (any, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	vals, err := flatten(v)
	if err != nil || len(vals) != 1 {
		return nil, false
	}
	return vals[0], true
}

var cfUnits = map[string]time.Duration{
	"seconds": time.Second, "second": time.Second, "s": time.Second,
	"minutes": time.Minute, "minute": time.Minute,
	"hours": time.Hour, "hour": time.Hour, "h": time.Hour,
	"days": 24 * time.Hour, "day": 24 * time.Hour,
}

// cfTime decodes CF "<unit> since <date>" coordinates.
func cfTime(units string, v float64) (time.Time, bool) {
	unit, ref, found := strings.Cut(strings.TrimSpace(units), " since ")
	if !found {
		return time.Time{}, false
	}
	d, ok := cfUnits[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return time.Time{}, false
	}
	ref = strings.TrimSuffix(strings.TrimSpace(ref), " UTC")
	ref = strings.TrimSuffix(ref, "Z")
	var base time.Time
	var err error
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if base, err = time.Parse(layout, ref); err == nil {
			return base.Add(time.Duration(v * float64(d))), true
		}
	}
	return time.Time{}, false
}
