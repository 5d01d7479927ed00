package query

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geoos/geoarchive/internal/core/errs"
	"github.com/geoos/geoarchive/internal/spatial"
)

func formulaRequest(src FormulaSource, expr string) FormulaRequest {
	return FormulaRequest{
		Formula: expr,
		Sources: []FormulaSource{src},
		Time:    "2024-03-01 06:00",
		N:       -21, W: -79, S: -24, E: -76,
		NRows: 3, NCols: 3,
	}
}

func TestFormulaLocal(t *testing.T) {
	f := newFixture(t)
	f.put(t, "gfs4", "TMP", nil, t06, gfsWorld, tmp, nil)
	fm := NewFormula(f.raster, http.DefaultClient, 0, 0, discard())

	out, err := fm.Eval(context.Background(), formulaRequest(FormulaSource{Name: "t", DataSet: "gfs4", Variable: "TMP"}, "t * 2"))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out.NRows != 3 || out.NCols != 3 || out.DLat != 1 || out.DLng != 1 {
		t.Fatalf("shape %dx%d d=%v/%v", out.NCols, out.NRows, out.DLng, out.DLat)
	}
	if *out.Rows[0][0] != 62 || *out.Rows[2][2] != 26 {
		t.Fatalf("rows=%v", out.Rows)
	}
	if *out.Min != 22 || *out.Max != 66 {
		t.Fatalf("min=%v max=%v", *out.Min, *out.Max)
	}
	if out.SearchTime == nil || out.SearchTime.MsUTC != t06.UnixMilli() {
		t.Fatalf("searchTime=%+v", out.SearchTime)
	}

	scaled, err := fm.Eval(context.Background(), formulaRequest(FormulaSource{Name: "t", DataSet: "gfs4", Variable: "TMP"}, "(t - t_min) / (t_max - t_min)"))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if *scaled.Rows[2][0] != 0 || *scaled.Rows[0][2] != 1 {
		t.Fatalf("normalized rows=%v", scaled.Rows)
	}
}

func TestFormulaFallsBackAcrossSources(t *testing.T) {
	f := newFixture(t)
	f.put(t, "gfs4", "TMP", nil, t06, gfsWorld, func(x, y int) float64 {
		if x == 1 {
			return math.NaN()
		}
		return tmp(x, y)
	}, nil)
	f.put(t, "gfs4", "UGRD", nil, t06, gfsWorld, func(int, int) float64 { return 100 }, nil)
	fm := NewFormula(f.raster, http.DefaultClient, 0, 0, discard())

	req := formulaRequest(FormulaSource{Name: "t", DataSet: "gfs4", Variable: "TMP"}, "isnan(t) ? u : t")
	req.Sources = append(req.Sources, FormulaSource{Name: "u", DataSet: "gfs4", Variable: "UGRD"})
	out, err := fm.Eval(context.Background(), req)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	for i, row := range out.Rows {
		if row[0] == nil || *row[0] != 100 {
			t.Fatalf("row %d col 0 = %v, want the fallback 100", i, row[0])
		}
	}
	if *out.Rows[0][1] != tmp(2, 3) {
		t.Fatalf("rows[0][1]=%v want %v", *out.Rows[0][1], tmp(2, 3))
	}

	plain, err := fm.Eval(context.Background(), formulaRequest(FormulaSource{Name: "t", DataSet: "gfs4", Variable: "TMP"}, "t + 1"))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if plain.Rows[0][0] != nil {
		t.Fatalf("missing pixel produced %v", *plain.Rows[0][0])
	}
}

func TestFormulaRemote(t *testing.T) {
	f := newFixture(t)
	f.put(t, "gfs4", "TMP", nil, t06, gfsWorld, tmp, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gfs4/MISSING/grid" {
			http.Error(w, "No Data", http.StatusNotFound)
			return
		}
		if r.URL.Path != "/gfs4/TMP/grid" {
			http.Error(w, "bad path "+r.URL.Path, http.StatusBadRequest)
			return
		}
		p, err := ParseParams(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g, err := f.raster.Grid(r.Context(), "gfs4", "TMP", p)
		if err != nil {
			http.Error(w, err.Error(), errs.Status(err))
			return
		}
		_ = json.NewEncoder(w).Encode(g)
	}))
	defer srv.Close()

	// the local archive is empty for this formula: every value comes from srv
	empty := newFixture(t)
	fm := NewFormula(empty.raster, srv.Client(), 0, 0, discard())

	out, err := fm.Eval(context.Background(), formulaRequest(FormulaSource{Name: "t", URL: srv.URL + "/", DataSet: "gfs4", Variable: "TMP"}, "t * 2"))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if *out.Rows[0][0] != 62 || *out.Rows[2][2] != 26 {
		t.Fatalf("rows=%v", out.Rows)
	}

	_, err = fm.Eval(context.Background(), formulaRequest(FormulaSource{Name: "t", URL: srv.URL, DataSet: "gfs4", Variable: "MISSING"}, "t"))
	wantKind(t, err, errs.KindNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("remote 404 does not wrap ErrNotFound: %v", err)
	}
}

func TestFormulaLocalNotFound(t *testing.T) {
	f := newFixture(t)
	fm := NewFormula(f.raster, http.DefaultClient, 0, 0, discard())
	_, err := fm.Eval(context.Background(), formulaRequest(FormulaSource{Name: "t", DataSet: "gfs4", Variable: "TMP"}, "t"))
	wantKind(t, err, errs.KindNotFound)
}

func TestFormulaValidation(t *testing.T) {
	f := newFixture(t)
	fm := NewFormula(f.raster, http.DefaultClient, 2, 1, discard())
	src := FormulaSource{Name: "t", DataSet: "gfs4", Variable: "TMP"}

	cases := map[string]func(r *FormulaRequest){
		"formula type": func(r *FormulaRequest) { r.FormulaType = "javascript" },
		"no sources":   func(r *FormulaRequest) { r.Sources = nil },
		"too many sources": func(r *FormulaRequest) {
			r.Sources = []FormulaSource{src, {Name: "a", DataSet: "x", Variable: "y"}, {Name: "b", DataSet: "x", Variable: "y"}}
		},
		"duplicate name":   func(r *FormulaRequest) { r.Sources = []FormulaSource{src, src} },
		"reserved name":    func(r *FormulaRequest) { r.Sources[0].Name = "lat" },
		"bad name":         func(r *FormulaRequest) { r.Sources[0].Name = "1t" },
		"missing variable": func(r *FormulaRequest) { r.Sources[0].Variable = "" },
		"unknown symbol":   func(r *FormulaRequest) { r.Formula = "t + x" },
		"bad syntax":       func(r *FormulaRequest) { r.Formula = "t +" },
		"empty output":     func(r *FormulaRequest) { r.NRows = 0 },
		"huge output":      func(r *FormulaRequest) { r.NRows, r.NCols = 2000, 2000 },
		"inverted box":     func(r *FormulaRequest) { r.N, r.S = -24, -21 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := formulaRequest(src, "t")
			req.Sources = append([]FormulaSource(nil), req.Sources...)
			mutate(&req)
			_, err := fm.Eval(context.Background(), req)
			wantKind(t, err, errs.KindData)
		})
	}
}

func TestTimeParam(t *testing.T) {
	cases := map[string]TimeParam{
		`{"time": "2024-03-01"}`:  "2024-03-01",
		`{"time": 1709272800000}`: "1709272800000",
		`{"time": null}`:          "",
	}
	for doc, want := range cases {
		var req FormulaRequest
		if err := json.Unmarshal([]byte(doc), &req); err != nil {
			t.Fatalf("Unmarshal(%s): %v", doc, err)
		}
		if req.Time != want {
			t.Fatalf("Unmarshal(%s) time=%q want %q", doc, req.Time, want)
		}
	}
	var req FormulaRequest
	if err := json.Unmarshal([]byte(`{"time": true}`), &req); err == nil {
		t.Fatalf("boolean time accepted")
	}
}

func TestSampleWrapsLongitude(t *testing.T) {
	one := 7.0
	g := &GridResponse{
		FoundBox: spatial.Box{Lng0: 170, Lat0: -10, Lng1: 190, Lat1: 10},
		NRows:    1, NCols: 1,
		Rows: [][]*float64{{&one}},
	}
	if v := sample(g, 0, -175); v != 7 {
		t.Fatalf("sample across antimeridian=%v", v)
	}
	if v := sample(g, 20, 175); !math.IsNaN(v) {
		t.Fatalf("sample outside=%v want NaN", v)
	}
}
