package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/events"
	"github.com/geoos/geoarchive/internal/history"
	"github.com/geoos/geoarchive/internal/raster"
	"github.com/geoos/geoarchive/internal/raster/rastertest"
	"github.com/geoos/geoarchive/internal/spatial"
)

const primaryYAML = `
dataSets:
  gfs4: {name: GFS, type: raster}
  amb: {name: Ambiguous, type: raster}
  regions: {name: Regions, type: vector}
`

const gfsYAML = `
dataSet: {format: grib2}
temporality: {unit: hours, value: 6}
clippingArea: {n: -20, s: -25, w: -80, e: -75}
variables:
  TMP:
    selector: {GRIB_ELEMENT: TMP}
    transform: "Z - 273.15"
  UGRD:
    selector: {GRIB_ELEMENT: UGRD}
  VGRD:
    selector: {GRIB_ELEMENT: VGRD}
  WSPD:
    calculated: {u: UGRD, v: VGRD, formula: "sqrt(u*u + v*v)"}
  WIND:
    vector: {u: UGRD, v: VGRD}
`

const ambYAML = `
dataSet: {format: grib2}
temporality: {unit: days, value: 1}
variables:
  A: {selector: {GRIB_ELEMENT: TMP}}
  B: {selector: {GRIB_UNIT: K}}
`

const regionsYAML = `
temporality: none
deleteFinishedFiles: true
files:
  comunas:
    metadata: {idProperty: cut, nameProperty: nombre, copyProperties: {region: regionName}, centroid: true, center: true, h3Resolution: 6}
  rivers: {}
`

type recSink struct{ evs []events.Event }

func (r *recSink) Publish(ev events.Event) { r.evs = append(r.evs, ev) }

type recLedger struct{ entries []history.Entry }

func (r *recLedger) Record(_ context.Context, e history.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

type fixture struct {
	layout archive.Layout
	store  *catalog.Store
	engine *rastertest.Engine
	sink   *recSink
	ledger *recLedger
	sw     *Sweeper
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := t.TempDir()
	for name, body := range map[string]string{
		"config.yaml":  primaryYAML,
		"gfs4.yaml":    gfsYAML,
		"amb.yaml":     ambYAML,
		"regions.yaml": regionsYAML,
	} {
		if err := os.WriteFile(filepath.Join(cfg, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	res, err := catalog.Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f := &fixture{
		layout: archive.New(t.TempDir()),
		store:  catalog.NewStore(res.Catalog),
		engine: rastertest.New(),
		sink:   &recSink{},
		ledger: &recLedger{},
	}
	if err := f.layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	f.sw = NewSweeper(f.layout, f.store, f.engine, discard(), WithEvents(f.sink), WithLedger(f.ledger))
	return f
}

func (f *fixture) stageRaster(t *testing.T, name string, file rastertest.File) {
	t.Helper()
	if err := rastertest.WriteFile(filepath.Join(f.layout.Dir(archive.Import), name), file); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) stage(t *testing.T, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.layout.Dir(archive.Import), name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func gribBand(w spatial.World, element string, extra map[string]any, value float64) rastertest.Band {
	md := map[string]any{"GRIB_ELEMENT": element}
	for k, v := range extra {
		md[k] = v
	}
	return rastertest.Fill(w, map[string]any{"metadata": map[string]any{"": md}}, func(int, int) float64 { return value })
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func staged(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSweep_RasterEndToEnd(t *testing.T) {
	f := newFixture(t)
	w := spatial.FromCorners(-80, -20, -70, -30, 4, 2)
	const name = "gfs4_2021-03-07_18-00.grb2"
	f.stageRaster(t, name, rastertest.File{World: w, Bands: []rastertest.Band{
		gribBand(w, "TMP", map[string]any{"GRIB_FORECAST_SECONDS": "21600 sec"}, 283.15),
		gribBand(w, "UGRD", nil, 3),
		gribBand(w, "VGRD", nil, 4),
		gribBand(w, "RH", nil, 80),
	}})

	n, err := f.sw.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}

	ds, _ := f.store.Load().DataSet("gfs4")
	at := time.Date(2021, 3, 7, 18, 0, 0, 0, time.UTC)
	tmp := f.layout.Path(ds, "TMP", nil, at)
	sc, err := archive.ReadSidecar(archive.SidecarPath(tmp))
	if err != nil {
		t.Fatalf("TMP sidecar: %v", err)
	}
	if sc.World.Width != 2 || sc.World.Height != 1 || !near(sc.World.Lng0, -80) || !near(sc.World.Lng1, -75) || !near(sc.World.Lat0, -25) {
		t.Fatalf("clipped world = %+v", sc.World)
	}
	if sc.Min == nil || math.Abs(*sc.Min-10) > 1e-6 || math.Abs(*sc.Max-10) > 1e-6 {
		t.Fatalf("TMP stats = %v %v", sc.Min, sc.Max)
	}
	me, ok := sc.Metadata["modelExecution"].(map[string]any)
	if !ok || int64(me["msUTC"].(float64)) != at.Add(-6*time.Hour).UnixMilli() {
		t.Fatalf("modelExecution = %v", sc.Metadata)
	}

	speed, err := f.engine.ReadGrid(context.Background(), f.layout.Path(ds, "WSPD", nil, at), raster.ReadOptions{})
	if err != nil {
		t.Fatalf("WSPD: %v", err)
	}
	if !near(speed.Values[0], 5) {
		t.Fatalf("WSPD = %v", speed.Values)
	}
	if ok, _ := archive.Exists(f.layout.Path(ds, "WIND", nil, at)); ok {
		t.Fatalf("vector variable materialized")
	}

	if got := staged(t, f.layout.Dir(archive.Finished)); len(got) != 1 || got[0] != name {
		t.Fatalf("finished = %v", got)
	}
	if got := staged(t, f.layout.Dir(archive.Tmp)); len(got) != 0 {
		t.Fatalf("tmp left over: %v", got)
	}
	if len(f.sink.evs) != 4 || f.sink.evs[3].Variable != "WSPD" || f.sink.evs[3].Kind != events.KindArchived {
		t.Fatalf("events = %+v", f.sink.evs)
	}
	if len(f.ledger.entries) != 1 || f.ledger.entries[0].Outcome != OutcomeFinished || f.ledger.entries[0].Written != 4 {
		t.Fatalf("ledger = %+v", f.ledger.entries)
	}
}

// nested exposes extra files as sub datasets of any file with the given name.
type nested struct {
	*rastertest.Engine
	name string
	subs []string
}

func (n nested) Info(ctx context.Context, path string, stats bool) (*raster.Info, error) {
	info, err := n.Engine.Info(ctx, path, stats)
	if err == nil && filepath.Base(path) == n.name {
		info.SubDatasets = n.subs
	}
	return info, err
}

func TestSweep_SubDatasetsReplaceTopLevelBands(t *testing.T) {
	f := newFixture(t)
	w := spatial.FromCorners(-80, -20, -70, -30, 4, 2)
	const name = "gfs4_2021-03-07_18-00.grb2"
	f.stageRaster(t, name, rastertest.File{World: w, Bands: []rastertest.Band{
		gribBand(w, "TMP", nil, 283.15),
	}})
	sub := filepath.Join(t.TempDir(), "u.json")
	if err := rastertest.WriteFile(sub, rastertest.File{World: w, Bands: []rastertest.Band{gribBand(w, "UGRD", nil, 3)}}); err != nil {
		t.Fatal(err)
	}
	sw := NewSweeper(f.layout, f.store, nested{Engine: f.engine, name: name, subs: []string{sub}}, discard())

	if n, err := sw.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	ds, _ := f.store.Load().DataSet("gfs4")
	at := time.Date(2021, 3, 7, 18, 0, 0, 0, time.UTC)
	if ok, _ := archive.Exists(f.layout.Path(ds, "UGRD", nil, at)); !ok {
		t.Fatal("sub dataset band not archived")
	}
	if ok, _ := archive.Exists(f.layout.Path(ds, "TMP", nil, at)); ok {
		t.Fatal("top-level band archived next to sub datasets")
	}
}

func TestSweep_AmbiguousBandFailsFile(t *testing.T) {
	f := newFixture(t)
	w := spatial.FromCorners(0, 1, 1, 0, 1, 1)
	const name = "amb_2021-03-07.grb2"
	f.stageRaster(t, name, rastertest.File{World: w, Bands: []rastertest.Band{
		gribBand(w, "TMP", map[string]any{"GRIB_UNIT": "K"}, 1),
	}})
	if _, err := f.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := staged(t, f.layout.Dir(archive.Errors)); len(got) != 1 || got[0] != name {
		t.Fatalf("files-with-errors = %v", got)
	}
	if _, err := os.Stat(filepath.Join(f.layout.Root, "amb")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("archive written for an ambiguous file: %v", err)
	}
	if e := f.ledger.entries[0]; e.Outcome != OutcomeFailed || e.Detail == "" {
		t.Fatalf("ledger = %+v", e)
	}
}

func TestSweep_Discards(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "nosuch_2021-03-07.grb2", "x")
	f.stage(t, "gfs4_2021-03-07_18-00.nc", "x")
	f.stage(t, ".partial", "x")

	n, err := f.sw.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if got := staged(t, f.layout.Dir(archive.Discarded)); len(got) != 2 {
		t.Fatalf("discarded = %v", got)
	}
	if got := staged(t, f.layout.Dir(archive.Import)); len(got) != 1 || got[0] != ".partial" {
		t.Fatalf("import = %v", got)
	}
	for _, ev := range f.sink.evs {
		if ev.Kind != events.KindDiscarded {
			t.Fatalf("event = %+v", ev)
		}
	}
}

func TestSweep_InvalidTimeFails(t *testing.T) {
	f := newFixture(t)
	w := spatial.FromCorners(0, 1, 1, 0, 1, 1)
	f.stageRaster(t, "gfs4_2021-03-07_17-00.grb2", rastertest.File{World: w, Bands: []rastertest.Band{gribBand(w, "UGRD", nil, 1)}})
	if _, err := f.sw.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := staged(t, f.layout.Dir(archive.Errors)); len(got) != 1 {
		t.Fatalf("files-with-errors = %v", got)
	}
}

func TestSweep_NoCatalog(t *testing.T) {
	f := newFixture(t)
	f.store.Swap(nil)
	if _, err := f.sw.Sweep(context.Background()); !errors.Is(err, catalog.ErrNotLoaded) {
		t.Fatalf("err = %v", err)
	}
}

func TestRestoreWorking(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"gfs4_a.grb2", "regions_b.geojson"} {
		if err := os.WriteFile(filepath.Join(f.layout.Dir(archive.Working), name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	n, err := f.sw.RestoreWorking(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RestoreWorking = %d, %v", n, err)
	}
	if got := staged(t, f.layout.Dir(archive.Import)); len(got) != 2 {
		t.Fatalf("import = %v", got)
	}
	if got := staged(t, f.layout.Dir(archive.Working)); len(got) != 0 {
		t.Fatalf("working = %v", got)
	}
}

func TestResolveCalculated_Gating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds, _ := f.store.Load().DataSet("gfs4")
	ri := NewRasterImporter(f.engine, f.layout, discard())
	at := time.Date(2021, 3, 8, 0, 0, 0, 0, time.UTC)
	w := spatial.FromCorners(0, 1, 2, 0, 2, 1)

	put := func(code string, v float64) {
		p := f.layout.Path(ds, code, nil, at)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := rastertest.WriteFile(p, rastertest.File{World: w, Bands: []rastertest.Band{rastertest.Fill(w, nil, func(int, int) float64 { return v })}}); err != nil {
			t.Fatal(err)
		}
	}

	put("UGRD", 6)
	out, err := ri.ResolveCalculated(ctx, ds, at, map[string]bool{"UGRD": true})
	if err != nil || len(out) != 0 {
		t.Fatalf("missing source: %v, %v", out, err)
	}

	put("VGRD", 8)
	out, err = ri.ResolveCalculated(ctx, ds, at, map[string]bool{})
	if err != nil || len(out) != 0 {
		t.Fatalf("nothing fresh: %v, %v", out, err)
	}

	fresh := map[string]bool{"VGRD": true}
	out, err = ri.ResolveCalculated(ctx, ds, at, fresh)
	if err != nil || len(out) != 1 || out[0].Code != "WSPD" {
		t.Fatalf("resolve: %v, %v", out, err)
	}
	if !fresh["WSPD"] {
		t.Fatalf("calculated result not marked fresh")
	}
	sc, err := archive.ReadSidecar(archive.SidecarPath(out[0].Path))
	if err != nil || sc.Min == nil || !near(*sc.Min, 10) {
		t.Fatalf("sidecar = %+v, %v", sc, err)
	}
}

const comunas = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"cut":"13101","nombre":"Santiago","region":"RM","extra":1},
  "geometry":{"type":"Polygon","coordinates":[[[-71,-34],[-69,-34],[-69,-32],[-71,-32],[-71,-34]]]}},
 {"type":"Feature","properties":{"cut":"","nombre":null},"geometry":{"type":"Point","coordinates":[-70.5,-33.5]}}
]}`

func TestSweep_GeoJSONWithMetadata(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "regions_comunas.geojson", comunas)
	f.stage(t, "regions_rivers.geojson", `{"type":"FeatureCollection","features":[]}`)
	f.stage(t, "regions_lakes.geojson", comunas)

	if _, err := f.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	ds, _ := f.store.Load().DataSet("regions")
	path := f.layout.FilePath(ds, "comunas", time.Time{})
	if ok, _ := archive.Exists(path); !ok {
		t.Fatalf("comunas not archived at %s", path)
	}
	var md Metadata
	if err := archive.ReadJSON(archive.SidecarPath(path), &md); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if len(md.Objects) != 2 {
		t.Fatalf("objects = %v", md.Objects)
	}
	if _, ok := md.Objects[1]["id"]; ok {
		t.Fatalf("empty id copied: %v", md.Objects[1])
	}
	obj := md.Objects[0]
	if obj["id"] != "13101" || obj["name"] != "Santiago" || obj["regionName"] != "RM" || obj["extra"] != nil {
		t.Fatalf("object = %v", obj)
	}
	c := obj["centroid"].(map[string]any)
	if !near(c["lat"].(float64), -33) || !near(c["lng"].(float64), -70) {
		t.Fatalf("centroid = %v", c)
	}
	if cell, _ := obj["h3"].(string); cell == "" {
		t.Fatalf("h3 cell missing: %v", obj)
	}

	rivers := f.layout.FilePath(ds, "rivers", time.Time{})
	if ok, _ := archive.Exists(archive.SidecarPath(rivers)); ok {
		t.Fatalf("sidecar written for a file without metadata")
	}
	if got := staged(t, f.layout.Dir(archive.Errors)); len(got) != 1 || got[0] != "regions_lakes.geojson" {
		t.Fatalf("undeclared file not rejected: %v", got)
	}
	if got := staged(t, f.layout.Dir(archive.Working)); len(got) != 0 {
		t.Fatalf("working not empty: %v", got)
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"band":        float64(3),
		"description": "2[m] HTGL",
		"metadata": map[string]any{
			"": map[string]any{"GRIB_ELEMENT": "TMP", "band": "shadowed"},
		},
		"histogram": []any{1.0, 2.0},
	})
	if !got["band"].Equal(catalog.Number(3)) || got["GRIB_ELEMENT"].String() != "TMP" {
		t.Fatalf("Flatten = %v", got)
	}
	if _, ok := got["histogram"]; ok {
		t.Fatalf("array kept")
	}
}

func TestDataSetCode(t *testing.T) {
	for in, want := range map[string]string{
		"gfs4_2021-03-07_18-00.grb2": "gfs4",
		"dem.grb2":                   "dem",
		"regions_comunas.geojson":    "regions",
	} {
		if got := DataSetCode(in); got != want {
			t.Fatalf("DataSetCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestModelExecution(t *testing.T) {
	at := time.Date(2021, 3, 7, 18, 0, 0, 0, time.UTC)
	me, ok := modelExecution(map[string]catalog.Value{"GRIB_FORECAST_SECONDS": catalog.String("3600 sec")}, at)
	if !ok || me.Formatted != "2021-03-07 17:00" {
		t.Fatalf("modelExecution = %+v %v", me, ok)
	}
	if _, ok := modelExecution(map[string]catalog.Value{"GRIB_FORECAST_SECONDS": catalog.String("1 hour")}, at); ok {
		t.Fatalf("non second unit accepted")
	}
}
