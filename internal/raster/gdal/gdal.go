// Package gdal runs the GDAL command line tools as subprocesses. Every call
// is bounded by the engine timeout and by the caller's context, so an
// aborted request kills its subprocess.
package gdal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/geoos/geoarchive/internal/raster"
)

const Name = "gdal"

func init() {
	raster.Register(Name, func(opts raster.Options) (raster.Engine, error) {
		return New(opts), nil
	})
}

type Engine struct {
	binDir  string
	timeout time.Duration
	tmpDir  string
	logger  *slog.Logger
}

func New(opts raster.Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Engine{binDir: opts.BinDir, timeout: timeout, tmpDir: opts.TmpDir, logger: logger}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) tool(name string) string {
	if e.binDir == "" {
		return name
	}
	return filepath.Join(e.binDir, name)
}

func (e *Engine) run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.tool(tool), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", tool, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w: %s", tool, err, strings.TrimSpace(stderr.String()))
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		e.logger.Debug("gdal stderr", "tool", tool, "msg", msg)
	}
	return stdout.Bytes(), nil
}

// scratch creates a private directory under the engine tmp dir.
func (e *Engine) scratch() (string, func(), error) {
	dir, err := os.MkdirTemp(e.tmpDir, "gdal-")
	if err != nil {
		return "", nil, fmt.Errorf("scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func (e *Engine) Info(ctx context.Context, path string, stats bool) (*raster.Info, error) {
	args := []string{"-json"}
	if stats {
		args = append(args, "-mm")
	}
	out, err := e.run(ctx, "gdalinfo", append(args, path)...)
	if err != nil {
		return nil, err
	}
	info, err := ParseInfo(out)
	if err != nil {
		return nil, fmt.Errorf("gdalinfo %s: %w", path, err)
	}
	return info, nil
}

type infoDoc struct {
	Driver  string `json:"driverShortName"`
	Size    []int  `json:"size"`
	Corners struct {
		UpperLeft  []float64 `json:"upperLeft"`
		LowerRight []float64 `json:"lowerRight"`
	} `json:"cornerCoordinates"`
	Bands    []map[string]any          `json:"bands"`
	Metadata map[string]map[string]any `json:"metadata"`
}

// ParseInfo decodes gdalinfo -json output.
func ParseInfo(data []byte) (*raster.Info, error) {
	var doc infoDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	info := &raster.Info{Driver: doc.Driver}
	if len(doc.Size) == 2 {
		info.Width, info.Height = doc.Size[0], doc.Size[1]
	}
	if len(doc.Corners.UpperLeft) == 2 && len(doc.Corners.LowerRight) == 2 {
		info.UpperLeft = [2]float64{doc.Corners.UpperLeft[0], doc.Corners.UpperLeft[1]}
		info.LowerRight = [2]float64{doc.Corners.LowerRight[0], doc.Corners.LowerRight[1]}
	}
	for i, b := range doc.Bands {
		band := raster.Band{Index: i + 1, Raw: b}
		if n, ok := number(b["band"]); ok {
			band.Index = int(n)
		}
		band.Description, _ = b["description"].(string)
		if n, ok := number(b["noDataValue"]); ok {
			band.NoData = &n
		}
		if n, ok := number(b["computedMin"]); ok {
			band.Min = &n
		}
		if n, ok := number(b["computedMax"]); ok {
			band.Max = &n
		}
		info.Bands = append(info.Bands, band)
	}
	for i := 1; ; i++ {
		name, ok := doc.Metadata["SUBDATASETS"][fmt.Sprintf("SUBDATASET_%d_NAME", i)].(string)
		if !ok {
			break
		}
		info.SubDatasets = append(info.SubDatasets, name)
	}
	return info, nil
}

// number accepts JSON numbers and the "nan"/"inf" strings gdalinfo emits.
func number(x any) (float64, bool) {
	switch t := x.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func bandArg(b int) string {
	if b <= 0 {
		b = 1
	}
	return strconv.Itoa(b)
}

func windowArgs(w *raster.Window) []string {
	if w == nil {
		return nil
	}
	return []string{"-srcwin", strconv.Itoa(w.X), strconv.Itoa(w.Y), strconv.Itoa(w.Width), strconv.Itoa(w.Height)}
}

// formatFor picks the output driver from the destination extension.
func formatFor(dst string) string {
	switch strings.ToLower(filepath.Ext(dst)) {
	case ".grb2", ".grib2", ".grb":
		return "GRIB"
	case ".nc":
		return "netCDF"
	case ".asc":
		return "AAIGrid"
	case ".geojson", ".json":
		return "GeoJSON"
	default:
		return "GTiff"
	}
}

func (e *Engine) Translate(ctx context.Context, src, dst string, opts raster.TranslateOptions) error {
	args := []string{"-q", "-b", bandArg(opts.Band), "-ot", "Float32", "-of", formatFor(dst)}
	args = append(args, windowArgs(opts.Window)...)
	if opts.Unscale {
		args = append(args, "-unscale")
	}
	_, err := e.run(ctx, "gdal_translate", append(args, src, dst)...)
	return err
}

func (e *Engine) ReadGrid(ctx context.Context, path string, opts raster.ReadOptions) (*raster.Grid, error) {
	dir, cleanup, err := e.scratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	asc := filepath.Join(dir, "grid.asc")
	args := []string{"-q", "-b", bandArg(opts.Band), "-ot", "Float32", "-of", "AAIGrid", "-co", "FORCE_CELLSIZE=FALSE"}
	args = append(args, windowArgs(opts.Window)...)
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-outsize", strconv.Itoa(opts.Width), strconv.Itoa(opts.Height), "-r", "nearest")
	}
	if _, err := e.run(ctx, "gdal_translate", append(args, path, asc)...); err != nil {
		return nil, err
	}
	f, err := os.Open(asc)
	if err != nil {
		return nil, fmt.Errorf("open grid: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadAAIGrid(f)
}

func (e *Engine) WriteGrid(ctx context.Context, dst string, g *raster.Grid) error {
	dir, cleanup, err := e.scratch()
	if err != nil {
		return err
	}
	defer cleanup()

	asc, err := e.writeASC(dir, g)
	if err != nil {
		return err
	}
	if formatFor(dst) == "AAIGrid" {
		return os.Rename(asc, dst)
	}
	_, err = e.run(ctx, "gdal_translate", "-q", "-ot", "Float32", "-a_srs", "EPSG:4326", "-of", formatFor(dst), asc, dst)
	return err
}

func (e *Engine) writeASC(dir string, g *raster.Grid) (string, error) {
	asc := filepath.Join(dir, "grid.asc")
	f, err := os.Create(asc)
	if err != nil {
		return "", fmt.Errorf("create grid: %w", err)
	}
	if err := WriteAAIGrid(f, g); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close grid: %w", err)
	}
	return asc, nil
}

// Contour writes g to an ASCII grid and runs gdal_contour over it with fixed
// levels. Lines carry "value", polygons "minValue"/"maxValue".
func (e *Engine) Contour(ctx context.Context, g *raster.Grid, opts raster.ContourOptions) (*geojson.FeatureCollection, error) {
	if len(opts.Levels) == 0 {
		return geojson.NewFeatureCollection(), nil
	}
	dir, cleanup, err := e.scratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	asc, err := e.writeASC(dir, g)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(dir, "contour.geojson")
	args := []string{"-q", "-b", "1", "-f", "GeoJSON"}
	if opts.Polygons {
		args = append(args, "-p", "-amin", "minValue", "-amax", "maxValue")
	} else {
		args = append(args, "-a", "value")
	}
	args = append(args, "-fl")
	for _, l := range opts.Levels {
		args = append(args, strconv.FormatFloat(l, 'f', -1, 64))
	}
	if _, err := e.run(ctx, "gdal_contour", append(args, asc, out)...); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read contour: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode contour: %w", err)
	}
	return fc, nil
}
