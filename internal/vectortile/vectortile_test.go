package vectortile

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func collection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	p := geojson.NewFeature(orb.Point{0, 0})
	p.Properties["code"] = "origin"
	fc.Append(p)

	poly := geojson.NewFeature(orb.Polygon{{{-90, 10}, {-10, 10}, {-10, 60}, {-90, 60}, {-90, 10}}})
	poly.Properties["code"] = "nw"
	poly.Properties["name"] = "North West"
	fc.Append(poly)
	return fc
}

func TestTileZeroHoldsEverything(t *testing.T) {
	ix, err := New(collection(), Options{PromoteID: "code"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	feats, err := ix.Tile(0, 0, 0)
	if err != nil {
		t.Fatalf("tile: %v", err)
	}
	if len(feats) != 2 {
		t.Fatalf("features=%d want 2", len(feats))
	}
	pt := feats[0]
	if pt.Type != TypePoint || pt.ID != "origin" {
		t.Fatalf("point feature %+v", pt)
	}
	coords := pt.Geometry.([][2]int64)
	if coords[0] != [2]int64{2048, 2048} {
		t.Fatalf("point at %v, want centre of tile", coords[0])
	}
	if feats[1].Type != TypePolygon || feats[1].Tags["name"] != "North West" {
		t.Fatalf("polygon feature %+v", feats[1])
	}
}

func TestTileClipsToQuadrant(t *testing.T) {
	ix, err := New(collection(), Options{PromoteID: "code", Buffer: DefaultBuffer})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	nw, _ := ix.Tile(1, 0, 0)
	var poly *Feature
	for i := range nw {
		if nw[i].ID == "nw" {
			poly = &nw[i]
		}
	}
	if poly == nil {
		t.Fatalf("polygon missing from 1/0/0: %+v", nw)
	}
	for _, ring := range poly.Geometry.([][][2]int64) {
		for _, c := range ring {
			if c[0] < -DefaultBuffer || c[0] > DefaultExtent+DefaultBuffer || c[1] < -DefaultBuffer || c[1] > DefaultExtent+DefaultBuffer {
				t.Fatalf("vertex %v outside buffered tile", c)
			}
		}
	}

	se, _ := ix.Tile(1, 1, 1)
	for _, f := range se {
		if f.ID == "nw" {
			t.Fatalf("polygon leaked into 1/1/1")
		}
	}
}

func TestTileEmptyAndInvalid(t *testing.T) {
	ix, err := New(collection(), Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	feats, err := ix.Tile(4, 15, 15)
	if err != nil {
		t.Fatalf("tile: %v", err)
	}
	if feats == nil || len(feats) != 0 {
		t.Fatalf("want empty non-nil tile, got %#v", feats)
	}
	for _, c := range [][3]int{{-1, 0, 0}, {2, 4, 0}, {2, 0, -1}, {30, 0, 0}} {
		if _, err := ix.Tile(c[0], c[1], c[2]); !errors.Is(err, ErrInvalidTile) {
			t.Fatalf("tile %v: err=%v want ErrInvalidTile", c, err)
		}
	}
}

func TestSimplifyKeepsRingsClosed(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	ring := orb.Ring{}
	for i := 0; i <= 40; i++ {
		ring = append(ring, orb.Point{-60 + float64(i), 20})
	}
	ring = append(ring, orb.Point{-20, 40}, orb.Point{-60, 40}, orb.Point{-60, 20})
	fc.Append(geojson.NewFeature(orb.Polygon{ring}))

	ix, err := New(fc, Options{Tolerance: DefaultTolerance})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	feats, _ := ix.Tile(0, 0, 0)
	if len(feats) != 1 {
		t.Fatalf("features=%d", len(feats))
	}
	got := feats[0].Geometry.([][][2]int64)[0]
	if len(got) >= len(ring) {
		t.Fatalf("ring not simplified: %d vertices", len(got))
	}
	if got[0] != got[len(got)-1] {
		t.Fatalf("ring not closed: %v", got)
	}
}
