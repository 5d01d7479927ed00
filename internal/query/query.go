// Package query answers point, grid, contour and vector requests against the
// archive. Every request is resolved the same way: look the variable or file
// up in the loaded catalog, parse the requested time, find the closest
// archived entry within the configured tolerance and read it.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/geoos/geoarchive/internal/cache/keys"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/errs"
	"github.com/geoos/geoarchive/internal/spatial"
	"github.com/geoos/geoarchive/internal/timeindex"
)

// ErrNotFound is wrapped by every "no data" answer.
var ErrNotFound = errors.New("no data")

func notFound(err error) error {
	if err == nil {
		err = ErrNotFound
	}
	if !errors.Is(err, ErrNotFound) {
		err = errors.Join(ErrNotFound, err)
	}
	return errs.Wrap(errs.KindNotFound, err, "No Data")
}

// ResponseCache stores encoded responses. *redisstore.Client implements it.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type cacheConfig struct {
	store     ResponseCache
	ttl       time.Duration
	opTimeout time.Duration
}

// cached returns the stored response under key or builds and stores it. Cache
// failures only cost a rebuild.
func cached[T any](ctx context.Context, c cacheConfig, logger *slog.Logger, key string, build func() (*T, error)) (*T, error) {
	if c.store == nil || key == "" {
		return build()
	}
	if data, ok, err := c.get(ctx, key); err != nil {
		logger.WarnContext(ctx, "response cache get failed", "err", err)
	} else if ok {
		var out T
		if err := json.Unmarshal(data, &out); err == nil {
			return &out, nil
		}
		logger.WarnContext(ctx, "discarding undecodable cached response", "key", key)
	}

	out, err := build()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return out, nil
	}
	if err := c.set(ctx, key, data); err != nil {
		logger.WarnContext(ctx, "response cache set failed", "err", err)
	}
	return out, nil
}

func (c cacheConfig) get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}
	return c.store.Get(ctx, key)
}

func (c cacheConfig) set(ctx context.Context, key string, data []byte) error {
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}
	return c.store.Set(ctx, key, data, c.ttl)
}

// Params are the query string parameters of raster requests. Pointers are
// nil when the parameter is absent.
type Params struct {
	Time      string
	Lat, Lng  *float64
	N, W      *float64
	S, E      *float64
	Level     *int
	Margin    float64
	MaxWidth  int
	MaxHeight int
	Increment float64
}

// ParseParams reads raster parameters; malformed numbers are data errors.
func ParseParams(v url.Values) (Params, error) {
	p := Params{Time: strings.TrimSpace(v.Get("time"))}
	var err error
	floats := []struct {
		name string
		dst  **float64
	}{{"lat", &p.Lat}, {"lng", &p.Lng}, {"n", &p.N}, {"w", &p.W}, {"s", &p.S}, {"e", &p.E}}
	for _, f := range floats {
		if *f.dst, err = optFloat(v, f.name); err != nil {
			return p, err
		}
	}
	if s := v.Get("level"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l < 0 {
			return p, errs.Data("Invalid level: '%s'", s)
		}
		p.Level = &l
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"margin", &p.Margin}, {"increment", &p.Increment}} {
		x, err := optFloat(v, f.name)
		if err != nil {
			return p, err
		}
		if x != nil {
			if *x < 0 {
				return p, errs.Data("Invalid %s: '%s'", f.name, v.Get(f.name))
			}
			*f.dst = *x
		}
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{{"maxWidth", &p.MaxWidth}, {"maxHeight", &p.MaxHeight}} {
		if s := v.Get(f.name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return p, errs.Data("Invalid %s: '%s'", f.name, s)
			}
			*f.dst = n
		}
	}
	return p, nil
}

func optFloat(v url.Values, name string) (*float64, error) {
	s := strings.TrimSpace(v.Get(name))
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errs.Data("Invalid format for %s: '%s'", name, s)
	}
	return &f, nil
}

// responseKey names a cached response. Requests relative to the current
// time get no key: their searchTime changes on every call.
func responseKey(route, payload string, mtime time.Time, p Params, query string) string {
	if strings.EqualFold(p.Time, "now") {
		return ""
	}
	return keys.Response(route, payload, mtime, p.values(query))
}

// values is the canonical form of p used in cache keys. Equivalent time
// spellings share one key.
func (p Params) values(query string) url.Values {
	v := url.Values{"q": {query}}
	if p.Time != "" {
		if t, ok := timeindex.ParseQueryTime(p.Time, time.Time{}); ok {
			v.Set("time", strconv.FormatInt(t.UnixMilli(), 10))
		} else {
			v.Set("time", p.Time)
		}
	}
	for name, f := range map[string]*float64{"lat": p.Lat, "lng": p.Lng, "n": p.N, "w": p.W, "s": p.S, "e": p.E} {
		if f != nil {
			v.Set(name, strconv.FormatFloat(*f, 'g', -1, 64))
		}
	}
	if p.Level != nil {
		v.Set("level", strconv.Itoa(*p.Level))
	}
	if p.Margin > 0 {
		v.Set("margin", strconv.FormatFloat(p.Margin, 'g', -1, 64))
	}
	if p.Increment > 0 {
		v.Set("increment", strconv.FormatFloat(p.Increment, 'g', -1, 64))
	}
	if p.MaxWidth > 0 {
		v.Set("maxWidth", strconv.Itoa(p.MaxWidth))
	}
	if p.MaxHeight > 0 {
		v.Set("maxHeight", strconv.Itoa(p.MaxHeight))
	}
	return v
}

func (p Params) point() (lat, lng float64, err error) {
	if p.Lat == nil {
		return 0, 0, errs.Data("Missing 'lat' parameter")
	}
	if p.Lng == nil {
		return 0, 0, errs.Data("Missing 'lng' parameter")
	}
	return *p.Lat, *p.Lng, nil
}

func (p Params) box() (spatial.Box, error) {
	for _, e := range []struct {
		name string
		v    *float64
	}{{"n", p.N}, {"w", p.W}, {"s", p.S}, {"e", p.E}} {
		if e.v == nil {
			return spatial.Box{}, errs.Data("Missing '%s' parameter", e.name)
		}
	}
	b, err := spatial.BoxFromEdges(*p.N, *p.W, *p.S, *p.E)
	if err != nil {
		return spatial.Box{}, errs.Wrap(errs.KindData, err, "Invalid box")
	}
	return b.Expand(p.Margin), nil
}

// searchTime parses the requested time. Data sets without temporality ignore
// it and return the zero time.
func searchTime(ds *catalog.DataSet, text string, now time.Time) (time.Time, error) {
	if ds.Temporality.None {
		return time.Time{}, nil
	}
	if text == "" {
		return time.Time{}, errs.Data("Missing 'time' parameter")
	}
	t, ok := timeindex.ParseQueryTime(text, now)
	if !ok {
		return time.Time{}, errs.Data("Invalid time format for time: '%s'", text)
	}
	return t, nil
}

// find runs the tolerant search and classifies its failures.
func find(ctx context.Context, ds *catalog.DataSet, t time.Time, tolerance int, exists timeindex.ExistsFunc) (time.Time, error) {
	found, err := timeindex.Search(ctx, timeindex.New(ds.Temporality), t, tolerance, exists)
	switch {
	case errors.Is(err, timeindex.ErrNotFound):
		return time.Time{}, notFound(err)
	case err != nil:
		return time.Time{}, err
	}
	return found, nil
}

func dataSet(store *catalog.Store, code, typ string) (*catalog.DataSet, error) {
	cat, err := store.Get()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "Configuration not loaded")
	}
	ds, ok := cat.DataSet(code)
	if !ok || ds.Type != typ {
		return nil, errs.Data("Cannot find %s dataSet '%s'", typ, code)
	}
	return ds, nil
}
