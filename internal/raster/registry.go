package raster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/geoos/geoarchive/internal/core/observability"
)

// Options are shared by every backend factory.
type Options struct {
	BinDir  string
	Timeout time.Duration
	TmpDir  string
	Logger  *slog.Logger
}

type Factory func(opts Options) (Engine, error)

var (
	mu  sync.RWMutex
	reg = map[string]Factory{}
)

func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	reg[name] = f
}

func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for name := range reg {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the named backend. "auto" chains the native backend in front of
// gdal; unknown names fall back to gdal.
func New(name string, opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if name == "auto" {
		native, err := build("native", opts)
		if err != nil {
			return nil, err
		}
		gdal, err := build("gdal", opts)
		if err != nil {
			return nil, err
		}
		return NewMux(native, gdal), nil
	}
	mu.RLock()
	_, ok := reg[name]
	mu.RUnlock()
	if !ok {
		opts.Logger.Warn("unknown raster engine; falling back to gdal", "engine", name, "registered", Registered())
		name = "gdal"
	}
	return build(name, opts)
}

func build(name string, opts Options) (Engine, error) {
	mu.RLock()
	f, ok := reg[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no raster engine registered as %q", name)
	}
	e, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("raster engine %s: %w", name, err)
	}
	return Instrument(e), nil
}

// Mux tries each engine in order, moving on when one answers ErrUnsupported.
type Mux struct {
	engines []Engine
}

func NewMux(engines ...Engine) *Mux { return &Mux{engines: engines} }

func (m *Mux) Name() string { return "mux" }

func each[T any](m *Mux, fn func(Engine) (T, error)) (T, error) {
	var zero T
	err := ErrUnsupported
	for _, e := range m.engines {
		var out T
		out, err = fn(e)
		if !errors.Is(err, ErrUnsupported) {
			return out, err
		}
	}
	return zero, err
}

func (m *Mux) Info(ctx context.Context, path string, stats bool) (*Info, error) {
	return each(m, func(e Engine) (*Info, error) { return e.Info(ctx, path, stats) })
}

func (m *Mux) Translate(ctx context.Context, src, dst string, opts TranslateOptions) error {
	_, err := each(m, func(e Engine) (struct{}, error) { return struct{}{}, e.Translate(ctx, src, dst, opts) })
	return err
}

func (m *Mux) ReadGrid(ctx context.Context, path string, opts ReadOptions) (*Grid, error) {
	return each(m, func(e Engine) (*Grid, error) { return e.ReadGrid(ctx, path, opts) })
}

func (m *Mux) WriteGrid(ctx context.Context, dst string, g *Grid) error {
	_, err := each(m, func(e Engine) (struct{}, error) { return struct{}{}, e.WriteGrid(ctx, dst, g) })
	return err
}

func (m *Mux) Contour(ctx context.Context, g *Grid, opts ContourOptions) (*geojson.FeatureCollection, error) {
	return each(m, func(e Engine) (*geojson.FeatureCollection, error) { return e.Contour(ctx, g, opts) })
}

// Instrument records call latency and outcome per backend and operation.
func Instrument(e Engine) Engine {
	if _, ok := e.(*instrumented); ok {
		return e
	}
	return &instrumented{next: e}
}

type instrumented struct {
	next Engine
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	if errors.Is(err, ErrUnsupported) {
		return
	}
	observability.ObserveEngineCall(i.next.Name(), op, err, time.Since(start).Seconds())
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Info(ctx context.Context, path string, stats bool) (*Info, error) {
	start := time.Now()
	info, err := i.next.Info(ctx, path, stats)
	i.observe("info", start, err)
	return info, err
}

func (i *instrumented) Translate(ctx context.Context, src, dst string, opts TranslateOptions) error {
	start := time.Now()
	err := i.next.Translate(ctx, src, dst, opts)
	i.observe("translate", start, err)
	return err
}

func (i *instrumented) ReadGrid(ctx context.Context, path string, opts ReadOptions) (*Grid, error) {
	start := time.Now()
	g, err := i.next.ReadGrid(ctx, path, opts)
	i.observe("read", start, err)
	return g, err
}

func (i *instrumented) WriteGrid(ctx context.Context, dst string, g *Grid) error {
	start := time.Now()
	err := i.next.WriteGrid(ctx, dst, g)
	i.observe("write", start, err)
	return err
}

func (i *instrumented) Contour(ctx context.Context, g *Grid, opts ContourOptions) (*geojson.FeatureCollection, error) {
	start := time.Now()
	fc, err := i.next.Contour(ctx, g, opts)
	i.observe("contour", start, err)
	return fc, err
}
