// Package ingest moves provider files from the import folder into the
// archive: raster bands are matched to variables, cut, transformed and
// indexed; vector files are placed with their feature metadata.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/observability"
	"github.com/geoos/geoarchive/internal/events"
	"github.com/geoos/geoarchive/internal/history"
	"github.com/geoos/geoarchive/internal/logger"
	"github.com/geoos/geoarchive/internal/raster"
)

// Outcomes of one staged file.
const (
	OutcomeFinished  = "finished"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

type Sweeper struct {
	layout archive.Layout
	store  *catalog.Store
	raster *RasterImporter
	vector *GeoJSONImporter
	ledger history.Recorder
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Sweeper)

func WithLedger(r history.Recorder) Option { return func(s *Sweeper) { s.ledger = r } }

func WithEvents(sink events.Sink) Option { return func(s *Sweeper) { s.sink = sink } }

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func NewSweeper(layout archive.Layout, store *catalog.Store, engine raster.Engine, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		layout: layout,
		store:  store,
		raster: NewRasterImporter(engine, layout, logger),
		vector: NewGeoJSONImporter(layout, logger),
		ledger: history.Nop{},
		sink:   events.Nop{},
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sweep processes every file present in the import folder, one at a time,
// and returns how many were taken. It returns catalog.ErrNotLoaded while no
// valid configuration is loaded.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cat, err := s.store.Get()
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(s.layout.Dir(archive.Import))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if s.process(ctx, cat, e.Name()) {
			n++
		}
	}
	return n, nil
}

// RestoreWorking puts files left in the working folder by an interrupted
// process back in the import folder.
func (s *Sweeper) RestoreWorking(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.layout.Dir(archive.Working))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		from := filepath.Join(s.layout.Dir(archive.Working), e.Name())
		if err := os.Rename(from, filepath.Join(s.layout.Dir(archive.Import), e.Name())); err != nil {
			s.logger.ErrorContext(ctx, "cannot return file to import", "file", e.Name(), "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "restored interrupted imports", "files", n)
	}
	return n, nil
}

// DataSetCode is the file name prefix up to the first "_", or up to the
// extension for names without one.
func DataSetCode(name string) string {
	if p := strings.IndexByte(name, '_'); p >= 0 {
		return name[:p]
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (s *Sweeper) process(ctx context.Context, cat *catalog.Catalog, name string) bool {
	working := filepath.Join(s.layout.Dir(archive.Working), name)
	if err := os.Rename(filepath.Join(s.layout.Dir(archive.Import), name), working); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.ErrorContext(ctx, "cannot move file to working", "file", name, "err", err)
		}
		return false
	}
	ctx = logger.WithFile(ctx, name)
	start := s.now()

	code := DataSetCode(name)
	ds, ok := cat.DataSet(code)
	if !ok {
		s.discard(ctx, name, code, "unknown data set "+code, start)
		return true
	}
	ctx = logger.WithDataSet(ctx, code)
	if ext := filepath.Ext(name); !strings.EqualFold(ext, ds.Extension()) {
		s.discard(ctx, name, code, "expected extension "+ds.Extension()+", found "+ext, start)
		return true
	}

	s.logger.InfoContext(ctx, "importing file")
	var written []Written
	var err error
	if ds.Type == catalog.TypeVector {
		written, err = s.vector.Import(ctx, ds, working, name)
	} else {
		written, err = s.raster.Import(ctx, ds, working, name)
	}
	for _, w := range written {
		s.sink.Publish(events.Event{Kind: events.KindArchived, DataSet: code, Variable: w.Code, File: name, Path: w.Path, Time: w.Time, TS: s.now()})
	}

	if err != nil && ctx.Err() != nil {
		// shutting down: leave the file for the next run
		if rerr := os.Rename(working, filepath.Join(s.layout.Dir(archive.Import), name)); rerr != nil {
			s.logger.ErrorContext(ctx, "cannot return file to import", "err", rerr)
		}
		return false
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "import failed, file moved to "+archive.Errors, "err", err)
		s.move(ctx, working, archive.Errors, name)
		s.sink.Publish(events.Event{Kind: events.KindFailed, DataSet: code, File: name, Error: err.Error(), TS: s.now()})
		s.record(ctx, history.Entry{File: name, DataSet: code, Outcome: OutcomeFailed, Detail: err.Error(), Written: len(written), Started: start})
		return true
	}

	if ds.DeleteFinishedFiles {
		if err := os.Remove(working); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.WarnContext(ctx, "cannot delete finished file", "err", err)
		}
	} else {
		s.move(ctx, working, archive.Finished, name)
	}
	s.logger.InfoContext(ctx, "file imported", "written", len(written), "took", s.now().Sub(start))
	s.record(ctx, history.Entry{File: name, DataSet: code, Outcome: OutcomeFinished, Written: len(written), Started: start})
	return true
}

func (s *Sweeper) discard(ctx context.Context, name, code, reason string, start time.Time) {
	s.logger.WarnContext(ctx, "file discarded", "reason", reason)
	s.move(ctx, filepath.Join(s.layout.Dir(archive.Working), name), archive.Discarded, name)
	s.sink.Publish(events.Event{Kind: events.KindDiscarded, DataSet: code, File: name, Error: reason, TS: s.now()})
	s.record(ctx, history.Entry{File: name, Outcome: OutcomeDiscarded, Detail: reason, Started: start})
}

// move ignores a missing source: vector imports consume the working file.
func (s *Sweeper) move(ctx context.Context, from, dir, name string) {
	err := os.Rename(from, filepath.Join(s.layout.Dir(dir), name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.ErrorContext(ctx, "cannot move file", "to", dir, "err", err)
	}
}

func (s *Sweeper) record(ctx context.Context, e history.Entry) {
	ds := e.DataSet
	if ds == "" {
		ds = "unknown"
	}
	observability.IncImport(ds, e.Outcome)
	e.Duration = s.now().Sub(e.Started)
	if err := s.ledger.Record(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "import history not recorded", "err", err)
	}
}
