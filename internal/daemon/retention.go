package daemon

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/observability"
	"github.com/geoos/geoarchive/internal/events"
	"github.com/geoos/geoarchive/internal/logger"
	"github.com/geoos/geoarchive/internal/timeindex"
)

// Retention deletes archived entries older than their data set's
// retainDays.
type Retention struct {
	layout archive.Layout
	store  *catalog.Store
	sink   events.Sink
	log    *slog.Logger
	now    func() time.Time
}

type RetentionOption func(*Retention)

func WithEvents(sink events.Sink) RetentionOption { return func(r *Retention) { r.sink = sink } }

func WithClock(now func() time.Time) RetentionOption { return func(r *Retention) { r.now = now } }

func NewRetention(layout archive.Layout, store *catalog.Store, log *slog.Logger, opts ...RetentionOption) *Retention {
	r := &Retention{layout: layout, store: store, sink: events.Nop{}, log: log, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Sweep walks every data set with a retention period and returns how many
// files it deleted. Failures on single files are logged and skipped.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	cat, err := r.store.Get()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ds := range cat.DataSets() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if ds.Temporality.None || ds.Temporality.RetainDays <= 0 {
			continue
		}
		n, err := r.sweepDataSet(logger.WithDataSet(ctx, ds.Code), ds)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *Retention) sweepDataSet(ctx context.Context, ds *catalog.DataSet) (int, error) {
	root := r.layout.DataSetDir(ds)
	ix := timeindex.New(ds.Temporality)
	limit := r.now().UTC().Add(-time.Duration(ds.Temporality.RetainDays) * 24 * time.Hour)

	var dirs []string
	deleted := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			r.log.WarnContext(ctx, "retention: cannot read", "path", path, "err", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		t, ok := entryTime(ix, d.Name())
		if !ok || !t.Before(limit) {
			return nil
		}
		err = os.Remove(path)
		observability.IncRetentionDelete(ds.Code, err)
		if err != nil {
			r.log.ErrorContext(ctx, "retention: delete failed", "path", path, "err", err)
			return nil
		}
		deleted++
		if filepath.Ext(path) != ".json" {
			r.sink.Publish(events.Event{
				Kind:    events.KindDeleted,
				DataSet: ds.Code,
				File:    d.Name(),
				Path:    path,
				Time:    t,
				TS:      r.now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}

	// children sort after their parents, so reversing empties leaves first
	slices.Reverse(dirs)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			r.log.WarnContext(ctx, "retention: remove dir failed", "path", dir, "err", err)
		}
	}
	if deleted > 0 {
		r.log.InfoContext(ctx, "retention sweep", "deleted", deleted, "before", limit.Format(time.RFC3339))
	}
	return deleted, nil
}

// entryTime reads the time token that ends the base name of an archived
// payload or sidecar: <code>[_<level>]_<token>.<ext>.
func entryTime(ix timeindex.Index, name string) (time.Time, bool) {
	if strings.HasPrefix(name, ".") {
		return time.Time{}, false
	}
	dot := strings.LastIndexByte(name, '.')
	off := dot - ix.TokenLength()
	if dot < 0 || off < 2 || name[off-1] != '_' {
		return time.Time{}, false
	}
	t, ok, err := ix.ParseFileTime(name, off)
	if err != nil || !ok {
		return time.Time{}, false
	}
	return t, true
}
