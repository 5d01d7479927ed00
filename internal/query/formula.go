package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/geoos/geoarchive/internal/core/errs"
	"github.com/geoos/geoarchive/internal/formula"
	"github.com/geoos/geoarchive/internal/spatial"
	"github.com/geoos/geoarchive/internal/timeindex"
)

const maxFormulaCells = 1_000_000

// TimeParam accepts a JSON string or a millisecond epoch number.
type TimeParam string

func (t *TimeParam) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TimeParam(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("time must be a string or a number: %w", err)
	}
	*t = TimeParam(n.String())
	return nil
}

type FormulaSource struct {
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	DataSet  string `json:"dataSet"`
	Variable string `json:"variable"`
	Level    *int   `json:"level,omitempty"`
}

type FormulaRequest struct {
	FormulaType string          `json:"formulaType"`
	Formula     string          `json:"formula"`
	Sources     []FormulaSource `json:"sources"`
	Time        TimeParam       `json:"time"`
	N           float64         `json:"n"`
	W           float64         `json:"w"`
	S           float64         `json:"s"`
	E           float64         `json:"e"`
	DLat        float64         `json:"dLat"`
	DLng        float64         `json:"dLng"`
	NRows       int             `json:"nrows"`
	NCols       int             `json:"ncols"`
}

// Formula evaluates an expression pixel by pixel over grids fetched from this
// archive or from other servers.
type Formula struct {
	raster      *Raster
	client      *http.Client
	maxSources  int
	concurrency int
	logger      *slog.Logger
}

func NewFormula(r *Raster, client *http.Client, maxSources, concurrency int, logger *slog.Logger) *Formula {
	if maxSources <= 0 {
		maxSources = 8
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Formula{raster: r, client: client, maxSources: maxSources, concurrency: concurrency, logger: logger}
}

// Eval fetches every source grid over the request box, then evaluates the
// formula at each output pixel centre with <name>, <name>_min, <name>_max,
// lat and lng in scope.
func (f *Formula) Eval(ctx context.Context, req FormulaRequest) (*GridResponse, error) {
	box, expr, err := f.validate(&req)
	if err != nil {
		return nil, err
	}

	grids := make([]*GridResponse, len(req.Sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, src := range req.Sources {
		g.Go(func() error {
			gr, err := f.fetch(gctx, src, req, box)
			if err != nil {
				return errs.Wrap(errs.KindOf(err), err, "Source '"+src.Name+"'")
			}
			grids[i] = gr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scope := make(map[string]any, 3*len(req.Sources)+2)
	for i, src := range req.Sources {
		scope[src.Name+"_min"] = orNaN(grids[i].Min)
		scope[src.Name+"_max"] = orNaN(grids[i].Max)
	}
	out := &GridResponse{
		FoundBox: box,
		NRows:    req.NRows,
		NCols:    req.NCols,
		DLat:     req.DLat,
		DLng:     req.DLng,
		Rows:     make([][]*float64, req.NRows),
		Metadata: map[string]any{},
	}
	if t, ok := timeindex.ParseQueryTime(string(req.Time), f.raster.now()); ok {
		out.SearchTime = timeindex.Format(t)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range req.NRows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lat := box.Lat0 + (float64(i)+0.5)*req.DLat
		row := make([]*float64, req.NCols)
		for j := range req.NCols {
			lng := box.Lng0 + (float64(j)+0.5)*req.DLng
			scope["lat"], scope["lng"] = lat, lng
			for k, src := range req.Sources {
				scope[src.Name] = sample(grids[k], lat, lng)
			}
			v, err := expr.Eval(scope)
			if err != nil {
				return nil, errs.Wrap(errs.KindData, err, "Formula evaluation failed")
			}
			if row[j] = value(v); row[j] != nil {
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
		}
		out.Rows[i] = row
	}
	if lo <= hi {
		out.Min, out.Max = &lo, &hi
	}
	return out, nil
}

func (f *Formula) validate(req *FormulaRequest) (spatial.Box, *formula.Expr, error) {
	if req.FormulaType != "" && req.FormulaType != "expression" {
		return spatial.Box{}, nil, errs.Data("Unsupported formulaType '%s'", req.FormulaType)
	}
	if len(req.Sources) == 0 {
		return spatial.Box{}, nil, errs.Data("No sources declared")
	}
	if len(req.Sources) > f.maxSources {
		return spatial.Box{}, nil, errs.Data("Too many sources: %d (max %d)", len(req.Sources), f.maxSources)
	}
	if req.NRows <= 0 || req.NCols <= 0 || req.NRows*req.NCols > maxFormulaCells {
		return spatial.Box{}, nil, errs.Data("Invalid output size %dx%d", req.NCols, req.NRows)
	}
	box, err := spatial.BoxFromEdges(req.N, req.W, req.S, req.E)
	if err != nil {
		return spatial.Box{}, nil, errs.Wrap(errs.KindData, err, "Invalid box")
	}
	if req.DLat <= 0 {
		req.DLat = (box.Lat1 - box.Lat0) / float64(req.NRows)
	}
	if req.DLng <= 0 {
		req.DLng = (box.Lng1 - box.Lng0) / float64(req.NCols)
	}

	allowed := []string{"lat", "lng"}
	seen := map[string]bool{}
	for _, s := range req.Sources {
		if !identifier(s.Name) || s.Name == "lat" || s.Name == "lng" {
			return spatial.Box{}, nil, errs.Data("Invalid source name '%s'", s.Name)
		}
		if seen[s.Name] {
			return spatial.Box{}, nil, errs.Data("Duplicated source name '%s'", s.Name)
		}
		if s.DataSet == "" || s.Variable == "" {
			return spatial.Box{}, nil, errs.Data("Source '%s' needs dataSet and variable", s.Name)
		}
		seen[s.Name] = true
		allowed = append(allowed, s.Name, s.Name+"_min", s.Name+"_max")
	}
	expr, err := formula.Compile(req.Formula, allowed...)
	if err != nil {
		return spatial.Box{}, nil, errs.Wrap(errs.KindData, err, "Invalid formula")
	}
	return box, expr, nil
}

func identifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func (f *Formula) fetch(ctx context.Context, src FormulaSource, req FormulaRequest, box spatial.Box) (*GridResponse, error) {
	n, w, s, e := box.Lat1, box.Lng0, box.Lat0, box.Lng1
	if e > 180 {
		e -= 360
	}
	if src.URL == "" {
		return f.raster.Grid(ctx, src.DataSet, src.Variable, Params{
			Time: string(req.Time), N: &n, W: &w, S: &s, E: &e, Level: src.Level,
		})
	}

	q := url.Values{}
	q.Set("time", string(req.Time))
	q.Set("n", strconv.FormatFloat(n, 'f', -1, 64))
	q.Set("w", strconv.FormatFloat(w, 'f', -1, 64))
	q.Set("s", strconv.FormatFloat(s, 'f', -1, 64))
	q.Set("e", strconv.FormatFloat(e, 'f', -1, 64))
	if src.Level != nil {
		q.Set("level", strconv.Itoa(*src.Level))
	}
	target := strings.TrimSuffix(src.URL, "/") + "/" + url.PathEscape(src.DataSet) + "/" + url.PathEscape(src.Variable) + "/grid?" + q.Encode()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, err, "Invalid source url")
	}
	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := strings.TrimSpace(string(body))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil, notFound(fmt.Errorf("remote: %s", msg))
		case http.StatusBadRequest:
			return nil, errs.Data("remote: %s", msg)
		default:
			return nil, errs.Internal("remote status %d: %s", resp.StatusCode, msg)
		}
	}
	var out GridResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode grid from %s: %w", src.URL, err)
	}
	f.logger.DebugContext(ctx, "remote source fetched", "source", src.Name, "rows", out.NRows, "cols", out.NCols)
	return &out, nil
}

// sample returns the grid pixel enclosing lat/lng, NaN outside or on nulls.
func sample(g *GridResponse, lat, lng float64) float64 {
	if g == nil || g.NRows <= 0 || g.NCols <= 0 || len(g.Rows) != g.NRows {
		return math.NaN()
	}
	b := g.FoundBox
	if b.Lat1 <= b.Lat0 || b.Lng1 <= b.Lng0 {
		return math.NaN()
	}
	if lng < b.Lng0 {
		lng += 360
	} else if lng > b.Lng1 {
		lng -= 360
	}
	if lat < b.Lat0 || lat > b.Lat1 || lng < b.Lng0 || lng > b.Lng1 {
		return math.NaN()
	}
	y := min(int((lat-b.Lat0)/(b.Lat1-b.Lat0)*float64(g.NRows)), g.NRows-1)
	x := min(int((lng-b.Lng0)/(b.Lng1-b.Lng0)*float64(g.NCols)), g.NCols-1)
	row := g.Rows[y]
	if x >= len(row) || row[x] == nil {
		return math.NaN()
	}
	return *row[x]
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
