package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/observability"
	"github.com/geoos/geoarchive/internal/mapper"
	h3mapper "github.com/geoos/geoarchive/internal/mapper/h3"
	"github.com/geoos/geoarchive/internal/timeindex"
)

// GeoJSONImporter archives vector files named <ds>_<file>[_<time>].geojson.
type GeoJSONImporter struct {
	layout archive.Layout
	cells  mapper.Interface
	logger *slog.Logger
}

func NewGeoJSONImporter(layout archive.Layout, logger *slog.Logger) *GeoJSONImporter {
	return &GeoJSONImporter{layout: layout, cells: h3mapper.New(), logger: logger}
}

// LatLng is a feature anchor in the metadata sidecar.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Metadata is the sidecar of a vector file.
type Metadata struct {
	Objects []map[string]any `json:"objects"`
}

func (gi *GeoJSONImporter) Import(ctx context.Context, ds *catalog.DataSet, path, name string) ([]Written, error) {
	p := strings.IndexByte(name, '_')
	if p < 0 {
		return nil, fmt.Errorf("no file code after data set code in %q", name)
	}
	rest := strings.TrimSuffix(name[p+1:], filepath.Ext(name))
	code := rest
	tokenAt := -1
	if p2 := strings.IndexByte(rest, '_'); p2 >= 0 {
		code, tokenAt = rest[:p2], p2+1
	}
	f, ok := ds.File(code)
	if !ok {
		return nil, fmt.Errorf("file %q is not declared in data set %s", code, ds.Code)
	}

	ix := timeindex.New(ds.Temporality)
	t, _, err := ix.ParseFileTime(rest, tokenAt)
	if err != nil {
		return nil, err
	}
	if err := ix.Validate(t); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	dst := gi.layout.FilePath(ds, code, t)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(path, dst); err != nil {
		return nil, fmt.Errorf("place %s: %w", filepath.Base(dst), err)
	}
	observability.IncArchiveWrite(ds.Code, "vector")

	if f.Metadata != nil {
		md := gi.metadata(ctx, f.Metadata, fc)
		if err := archive.WriteJSON(gi.layout.Dir(archive.Tmp), archive.SidecarPath(dst), md); err != nil {
			return nil, err
		}
	} else if err := os.Remove(archive.SidecarPath(dst)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	gi.logger.InfoContext(ctx, "vector file archived", "file", code, "features", len(fc.Features), "path", dst)
	return []Written{{Code: code, Time: t, Path: dst}}, nil
}

// metadata builds one object per feature with its identity, copied
// properties and anchors. Features yielding nothing are left out.
func (gi *GeoJSONImporter) metadata(ctx context.Context, m *catalog.FileMetadata, fc *geojson.FeatureCollection) Metadata {
	md := Metadata{Objects: []map[string]any{}}
	for _, f := range fc.Features {
		obj := map[string]any{}
		if m.IDProperty != "" {
			if v := f.Properties[m.IDProperty]; truthy(v) {
				obj["id"] = v
			}
		}
		if m.NameProperty != "" {
			if v := f.Properties[m.NameProperty]; truthy(v) {
				obj["name"] = v
			}
		}
		for src, dst := range m.CopyProperties {
			if src == m.IDProperty || src == m.NameProperty {
				continue
			}
			if v := f.Properties[src]; truthy(v) {
				obj[dst] = v
			}
		}
		if f.Geometry != nil {
			centroid, _ := planar.CentroidArea(f.Geometry)
			if m.Centroid {
				obj["centroid"] = LatLng{Lat: centroid.Lat(), Lng: centroid.Lon()}
			}
			if m.Center {
				c := f.Geometry.Bound().Center()
				obj["center"] = LatLng{Lat: c.Lat(), Lng: c.Lon()}
			}
			if m.H3Resolution > 0 {
				if cell, err := gi.cells.CellForPoint(centroid.Lat(), centroid.Lon(), m.H3Resolution); err == nil {
					obj["h3"] = cell
				} else {
					gi.logger.DebugContext(ctx, "feature without h3 cell", "err", err)
				}
			}
		}
		if len(obj) > 0 {
			md.Objects = append(md.Objects, obj)
		}
	}
	return md
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	case bool:
		return t
	default:
		return true
	}
}
