package query

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/core/errs"
	h3mapper "github.com/geoos/geoarchive/internal/mapper/h3"
)

const comunasGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"cut": "13101", "nombre": "Santiago"},
     "geometry": {"type": "Point", "coordinates": [-100, 20]}},
    {"type": "Feature", "properties": {"cut": "05101", "nombre": "Valparaiso"},
     "geometry": {"type": "Polygon", "coordinates": [[[-120, 30], [-110, 30], [-110, 40], [-120, 40], [-120, 30]]]}}
  ]
}`

type vectorFixture struct {
	*fixture
	vector *Vector
	cells  [2]string
}

func newVectorFixture(t *testing.T) *vectorFixture {
	t.Helper()
	f := newFixture(t)
	ds, _ := f.cat.DataSet("regions")
	path := f.layout.FilePath(ds, "comunas", time.Time{})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(comunasGeoJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	m := h3mapper.New()
	var cells [2]string
	for i, ll := range [][2]float64{{20, -100}, {35, -115}} {
		c, err := m.CellForPoint(ll[0], ll[1], 6)
		if err != nil {
			t.Fatal(err)
		}
		cells[i] = c
	}
	md := map[string]any{
		"idProperty": "cut",
		"objects": []any{
			map[string]any{"id": "13101", "name": "Santiago", "h3": cells[0]},
			map[string]any{"id": "05101", "name": "Valparaiso", "h3": cells[1]},
		},
	}
	if err := archive.WriteJSON(f.layout.Dir(archive.Tmp), archive.SidecarPath(path), md); err != nil {
		t.Fatal(err)
	}
	return &vectorFixture{fixture: f, vector: NewVector(f.store, f.layout, discard()), cells: cells}
}

func objects(t *testing.T, md map[string]any) []any {
	t.Helper()
	objs, ok := md["objects"].([]any)
	if !ok {
		t.Fatalf("objects missing: %v", md)
	}
	return objs
}

func TestVectorMetadata(t *testing.T) {
	f := newVectorFixture(t)
	ctx := context.Background()

	md, err := f.vector.Metadata(ctx, "regions", "comunas", VectorParams{})
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if n := len(objects(t, md)); n != 2 {
		t.Fatalf("objects=%d want 2", n)
	}
	if _, ok := md["foundTime"]; ok {
		t.Fatalf("timeless data set reports foundTime: %v", md)
	}

	parent, err := h3mapper.New().Parent(f.cells[0], 4)
	if err != nil {
		t.Fatal(err)
	}
	md, err = f.vector.Metadata(ctx, "regions", "comunas", VectorParams{Cell: parent})
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	objs := objects(t, md)
	if len(objs) != 1 || objs[0].(map[string]any)["id"] != "13101" {
		t.Fatalf("cell filter kept %v", objs)
	}

	_, err = f.vector.Metadata(ctx, "regions", "comunas", VectorParams{Cell: "not-a-cell"})
	wantKind(t, err, errs.KindData)
}

func TestVectorGeoJSON(t *testing.T) {
	f := newVectorFixture(t)
	ctx := context.Background()

	r, err := f.vector.GeoJSON(ctx, "regions", "comunas", VectorParams{})
	if err != nil {
		t.Fatalf("GeoJSON: %v", err)
	}
	if len(r.GeoJSON.Features) != 2 || r.Metadata != nil || r.FoundTime != nil {
		t.Fatalf("response %+v", r)
	}
	again, err := f.vector.GeoJSON(ctx, "regions", "comunas", VectorParams{Metadata: true})
	if err != nil {
		t.Fatalf("GeoJSON: %v", err)
	}
	if again.GeoJSON != r.GeoJSON {
		t.Fatalf("cached collection rebuilt")
	}
	if again.Metadata["idProperty"] != "cut" {
		t.Fatalf("metadata=%v", again.Metadata)
	}

	body, err := json.Marshal(again)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["geoJson"]; !ok {
		t.Fatalf("geoJson key missing: %s", body)
	}
}

func TestVectorForget(t *testing.T) {
	f := newVectorFixture(t)
	ctx := context.Background()
	first, err := f.vector.GeoJSON(ctx, "regions", "comunas", VectorParams{})
	if err != nil {
		t.Fatalf("GeoJSON: %v", err)
	}
	ds, _ := f.cat.DataSet("regions")
	f.vector.Forget("regions", f.layout.FilePath(ds, "comunas", time.Time{}))
	f.vector.Forget("unknown", "/nowhere")

	again, err := f.vector.GeoJSON(ctx, "regions", "comunas", VectorParams{})
	if err != nil {
		t.Fatalf("GeoJSON: %v", err)
	}
	if again.GeoJSON == first.GeoJSON {
		t.Fatalf("forgotten collection served from cache")
	}
}

func TestVectorErrors(t *testing.T) {
	f := newVectorFixture(t)
	ctx := context.Background()

	_, err := f.vector.GeoJSON(ctx, "regions", "rivers", VectorParams{})
	wantKind(t, err, errs.KindNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	_, err = f.vector.Metadata(ctx, "regions", "rivers", VectorParams{})
	wantKind(t, err, errs.KindNotFound)

	_, err = f.vector.GeoJSON(ctx, "regions", "lakes", VectorParams{})
	wantKind(t, err, errs.KindData)
	_, err = f.vector.GeoJSON(ctx, "gfs4", "comunas", VectorParams{})
	wantKind(t, err, errs.KindData)
}

func TestVectorTile(t *testing.T) {
	f := newVectorFixture(t)
	ctx := context.Background()

	feats, err := f.vector.Tile(ctx, "regions", "comunas", 0, 0, 0, VectorParams{})
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if len(feats) != 2 {
		t.Fatalf("features=%d want 2", len(feats))
	}
	ids := map[any]bool{}
	for _, ft := range feats {
		ids[ft.ID] = true
	}
	if !ids["13101"] || !ids["05101"] {
		t.Fatalf("ids not promoted from cut: %v", ids)
	}

	feats, err = f.vector.Tile(ctx, "regions", "comunas", 1, 1, 1, VectorParams{})
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if feats == nil || len(feats) != 0 {
		t.Fatalf("south east tile=%v want empty", feats)
	}

	_, err = f.vector.Tile(ctx, "regions", "comunas", 1, 2, 0, VectorParams{})
	wantKind(t, err, errs.KindData)
}
