// Package router maps the archive's HTTP API onto the query resolvers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/errs"
	"github.com/geoos/geoarchive/internal/core/health"
	"github.com/geoos/geoarchive/internal/core/middleware"
	"github.com/geoos/geoarchive/internal/history"
	"github.com/geoos/geoarchive/internal/logger"
	"github.com/geoos/geoarchive/internal/query"
)

const maxFormulaBody = 1 << 20

// ImportLister serves the import history; *history.Ledger implements it.
type ImportLister interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

type Deps struct {
	Store   *catalog.Store
	Raster  *query.Raster
	Vector  *query.Vector
	Formula *query.Formula
	// History is optional; without it /status/imports answers an empty list.
	History ImportLister
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type api struct {
	Deps
}

func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Store))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Get("/metadata", a.metadata)
	r.Get("/status/imports", a.imports)
	r.Post("/formula", a.formula)
	r.Get("/{dataSet}/{code}/{query}", a.dispatch)
	r.Get("/{dataSet}/{code}/tile/{z}/{x}/{y}", a.tile)
	return r
}

func (a *api) metadata(w http.ResponseWriter, r *http.Request) {
	cat, err := a.Store.Get()
	if err != nil {
		a.fail(w, r, errs.Wrap(errs.KindInternal, err, "Configuration not loaded"))
		return
	}
	writeJSON(w, query.Describe(cat))
}

func (a *api) imports(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.fail(w, r, errs.Data("Invalid limit: '%s'", s))
			return
		}
		limit = n
	}
	entries := []history.Entry{}
	if a.History != nil {
		got, err := a.History.Recent(r.Context(), limit)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if got != nil {
			entries = got
		}
	}
	writeJSON(w, entries)
}

func (a *api) formula(w http.ResponseWriter, r *http.Request) {
	var req query.FormulaRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormulaBody))
	if err := dec.Decode(&req); err != nil {
		a.fail(w, r, errs.Wrap(errs.KindData, err, "Invalid formula request"))
		return
	}
	out, err := a.Formula.Eval(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, out)
}

// dispatch serves /{dataSet}/{code}/{query}: raster variable queries and
// vector file metadata/geoJson share the path shape.
func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	ds, code, q := chi.URLParam(r, "dataSet"), chi.URLParam(r, "code"), chi.URLParam(r, "query")
	ctx := logger.WithDataSet(r.Context(), ds)

	var (
		out any
		err error
	)
	switch q {
	case "metadata", "geoJson":
		p := vectorParams(r)
		if q == "metadata" {
			out, err = a.Vector.Metadata(ctx, ds, code, p)
		} else {
			out, err = a.Vector.GeoJSON(ctx, ds, code, p)
		}
	case query.QueryValueAtPoint, query.QueryGrid, query.QueryIsolines, query.QueryIsobands, query.QueryVectorsGrid:
		var p query.Params
		if p, err = query.ParseParams(r.URL.Query()); err != nil {
			break
		}
		switch q {
		case query.QueryValueAtPoint:
			out, err = a.Raster.ValueAtPoint(ctx, ds, code, p)
		case query.QueryGrid:
			out, err = a.Raster.Grid(ctx, ds, code, p)
		case query.QueryIsolines:
			out, err = a.Raster.Isolines(ctx, ds, code, p)
		case query.QueryIsobands:
			out, err = a.Raster.Isobands(ctx, ds, code, p)
		case query.QueryVectorsGrid:
			out, err = a.Raster.VectorsGrid(ctx, ds, code, p)
		}
	default:
		err = errs.Data("Query '%s' not supported", q)
	}
	if err != nil {
		a.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, out)
}

func (a *api) tile(w http.ResponseWriter, r *http.Request) {
	var zxy [3]int
	for i, name := range []string{"z", "x", "y"} {
		s := chi.URLParam(r, name)
		n, err := strconv.Atoi(s)
		if err != nil {
			a.fail(w, r, errs.Data("Invalid %s coordinate '%s' in tile query", name, s))
			return
		}
		zxy[i] = n
	}
	ds := chi.URLParam(r, "dataSet")
	ctx := logger.WithDataSet(r.Context(), ds)
	feats, err := a.Vector.Tile(ctx, ds, chi.URLParam(r, "code"), zxy[0], zxy[1], zxy[2], vectorParams(r))
	if err != nil {
		a.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, feats)
}

func vectorParams(r *http.Request) query.VectorParams {
	q := r.URL.Query()
	md, _ := strconv.ParseBool(q.Get("metadata"))
	return query.VectorParams{Time: q.Get("time"), Metadata: md, Cell: q.Get("h3")}
}

// fail answers with the error text; internal errors are logged and hidden
// behind a generic message.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.Status(err)
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		a.Logger.DebugContext(r.Context(), "request cancelled", "path", r.URL.Path)
		return
	case status == http.StatusInternalServerError:
		a.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		if !errors.Is(err, catalog.ErrNotLoaded) {
			msg = "Internal Server Error. Please retry later"
		}
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
