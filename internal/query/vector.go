package query

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/errs"
	"github.com/geoos/geoarchive/internal/mapper"
	h3mapper "github.com/geoos/geoarchive/internal/mapper/h3"
	"github.com/geoos/geoarchive/internal/timeindex"
	"github.com/geoos/geoarchive/internal/vectorcache"
	"github.com/geoos/geoarchive/internal/vectortile"
)

type VectorParams struct {
	Time string
	// Metadata embeds the sidecar in GeoJSON responses.
	Metadata bool
	// Cell keeps only metadata objects inside this h3 cell.
	Cell string
}

type dsCaches struct {
	files, tiled int
	fc           *vectorcache.Cache[*geojson.FeatureCollection]
	tiles        *vectorcache.Cache[*vectortile.Index]
}

type Vector struct {
	store  *catalog.Store
	layout archive.Layout
	cells  mapper.Interface
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	caches map[string]*dsCaches
}

func NewVector(store *catalog.Store, layout archive.Layout, logger *slog.Logger) *Vector {
	return &Vector{
		store:  store,
		layout: layout,
		cells:  h3mapper.New(),
		logger: logger,
		now:    time.Now,
		caches: map[string]*dsCaches{},
	}
}

// cachesFor returns the per data set caches, rebuilt when a reload changed
// their capacity.
func (q *Vector) cachesFor(ds *catalog.DataSet) (*dsCaches, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := q.caches[ds.Code]
	if c != nil && c.files == ds.MaxFilesInCache && c.tiled == ds.MaxTiledFilesInCache {
		return c, nil
	}
	fc, err := vectorcache.New[*geojson.FeatureCollection]("geojson", ds.MaxFilesInCache)
	if err != nil {
		return nil, err
	}
	tiles, err := vectorcache.New[*vectortile.Index]("tiles", ds.MaxTiledFilesInCache)
	if err != nil {
		return nil, err
	}
	c = &dsCaches{files: ds.MaxFilesInCache, tiled: ds.MaxTiledFilesInCache, fc: fc, tiles: tiles}
	q.caches[ds.Code] = c
	return c, nil
}

// Forget drops anything cached for an archived file of data set dsCode,
// typically after a peer instance replaced or deleted it.
func (q *Vector) Forget(dsCode, path string) {
	q.mu.Lock()
	c := q.caches[dsCode]
	q.mu.Unlock()
	if c == nil {
		return
	}
	c.fc.Remove(path)
	c.tiles.Remove(path)
}

type vectorEntry struct {
	ds         *catalog.DataSet
	f          *catalog.File
	searchTime time.Time
	foundTime  time.Time
	path       string
}

func (q *Vector) resolve(ctx context.Context, dsCode, fileCode, text string) (*vectorEntry, error) {
	ds, err := dataSet(q.store, dsCode, catalog.TypeVector)
	if err != nil {
		return nil, err
	}
	f, ok := ds.File(fileCode)
	if !ok {
		return nil, errs.Data("Cannot find file '%s' in dataSet '%s'", fileCode, dsCode)
	}
	t, err := searchTime(ds, text, q.now())
	if err != nil {
		return nil, err
	}
	found, err := find(ctx, ds, t, ds.FileSearchTolerance(f), func(_ context.Context, bucket time.Time) (bool, error) {
		return archive.Exists(q.layout.FilePath(ds, f.Code, bucket))
	})
	if err != nil {
		return nil, err
	}
	return &vectorEntry{ds: ds, f: f, searchTime: t, foundTime: found, path: q.layout.FilePath(ds, f.Code, found)}, nil
}

// Metadata returns the feature metadata sidecar of the file, with the
// search and found times when the data set has temporality.
func (q *Vector) Metadata(ctx context.Context, dsCode, fileCode string, p VectorParams) (map[string]any, error) {
	e, err := q.resolve(ctx, dsCode, fileCode, p.Time)
	if err != nil {
		return nil, err
	}
	md, err := q.sidecar(e)
	if err != nil {
		return nil, err
	}
	if p.Cell != "" {
		if md, err = q.filterCell(md, p.Cell); err != nil {
			return nil, err
		}
	}
	if !e.foundTime.IsZero() {
		md["searchTime"] = timeindex.Format(e.searchTime)
		md["foundTime"] = timeindex.Format(e.foundTime)
	}
	return md, nil
}

func (q *Vector) sidecar(e *vectorEntry) (map[string]any, error) {
	md := map[string]any{}
	if err := archive.ReadJSON(archive.SidecarPath(e.path), &md); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("read metadata of %s: %w", e.f.Code, err)
	}
	return md, nil
}

// filterCell keeps the objects whose h3 cell lies inside cell.
func (q *Vector) filterCell(md map[string]any, cell string) (map[string]any, error) {
	if _, err := q.cells.Within(cell, cell); err != nil {
		return nil, errs.Wrap(errs.KindData, err, "Invalid cell")
	}
	objs, _ := md["objects"].([]any)
	kept := []any{}
	for _, o := range objs {
		obj, ok := o.(map[string]any)
		if !ok {
			continue
		}
		c, ok := obj["h3"].(string)
		if !ok {
			continue
		}
		in, err := q.cells.Within(c, cell)
		if err != nil {
			return nil, errs.Wrap(errs.KindData, err, "Invalid cell")
		}
		if in {
			kept = append(kept, obj)
		}
	}
	md["objects"] = kept
	return md, nil
}

type GeoJSONResponse struct {
	SearchTime *timeindex.Formatted       `json:"searchTime,omitempty"`
	FoundTime  *timeindex.Formatted       `json:"foundTime,omitempty"`
	Metadata   map[string]any             `json:"metadata,omitempty"`
	GeoJSON    *geojson.FeatureCollection `json:"geoJson"`
}

func (q *Vector) GeoJSON(ctx context.Context, dsCode, fileCode string, p VectorParams) (*GeoJSONResponse, error) {
	e, err := q.resolve(ctx, dsCode, fileCode, p.Time)
	if err != nil {
		return nil, err
	}
	fc, err := q.collection(ctx, e)
	if err != nil {
		return nil, err
	}
	out := &GeoJSONResponse{
		SearchTime: timeindex.Format(e.searchTime),
		FoundTime:  timeindex.Format(e.foundTime),
		GeoJSON:    fc,
	}
	if p.Metadata {
		if out.Metadata, err = q.sidecar(e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q *Vector) collection(ctx context.Context, e *vectorEntry) (*geojson.FeatureCollection, error) {
	if !e.f.Cache {
		return readCollection(ctx, e.path)
	}
	c, err := q.cachesFor(e.ds)
	if err != nil {
		return nil, err
	}
	fc, err := c.fc.Get(ctx, e.path, readCollection)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(err)
	}
	return fc, err
}

func readCollection(_ context.Context, path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(err)
		}
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// Tile returns the features of tile z/x/y of the file, an empty slice when
// the tile holds none.
func (q *Vector) Tile(ctx context.Context, dsCode, fileCode string, z, x, y int, p VectorParams) ([]vectortile.Feature, error) {
	e, err := q.resolve(ctx, dsCode, fileCode, p.Time)
	if err != nil {
		return nil, err
	}
	build := func(ctx context.Context, _ string) (*vectortile.Index, error) {
		fc, err := q.collection(ctx, e)
		if err != nil {
			return nil, err
		}
		return vectortile.New(fc, vectortile.Options{
			Extent:    vectortile.DefaultExtent,
			Buffer:    vectortile.DefaultBuffer,
			Tolerance: e.f.SimplifyTolerance,
			PromoteID: e.f.PromoteID(),
		})
	}

	var ix *vectortile.Index
	if e.f.TiledCache {
		c, err := q.cachesFor(e.ds)
		if err != nil {
			return nil, err
		}
		ix, err = c.tiles.Get(ctx, e.path, build)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(err)
		}
		if err != nil {
			return nil, err
		}
	} else if ix, err = build(ctx, e.path); err != nil {
		return nil, err
	}

	feats, err := ix.Tile(z, x, y)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, err, "Invalid tile")
	}
	return feats, nil
}
