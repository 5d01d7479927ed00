package catalog

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Store publishes the current catalog. Readers never see a partially
// built catalog; a nil catalog means the last load failed.
type Store struct {
	cur atomic.Pointer[Catalog]
}

func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.cur.Store(c)
	return s
}

func (s *Store) Load() *Catalog { return s.cur.Load() }

func (s *Store) Swap(c *Catalog) *Catalog { return s.cur.Swap(c) }

// Get returns the loaded catalog or ErrNotLoaded.
func (s *Store) Get() (*Catalog, error) {
	c := s.cur.Load()
	if c == nil {
		return nil, ErrNotLoaded
	}
	return c, nil
}

// Readiness reports whether a valid catalog is loaded.
func (s *Store) Readiness() bool { return s.cur.Load() != nil }

// Watcher reloads the catalog when any document read by the last load
// changes its modification time, appears or disappears.
type Watcher struct {
	dir    string
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	files   map[string]time.Time
	loaded  bool
	onApply []func(*Catalog)
}

func NewWatcher(dir string, store *Store, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, store: store, logger: logger}
}

// OnApply registers a callback run after every reload with the new
// catalog, which is nil when the reload failed.
func (w *Watcher) OnApply(fn func(*Catalog)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApply = append(w.onApply, fn)
}

// Poll reloads when needed and reports whether a reload happened.
func (w *Watcher) Poll(ctx context.Context) bool {
	w.mu.Lock()
	if w.loaded && !changed(w.files) {
		w.mu.Unlock()
		return false
	}
	first := !w.loaded
	w.mu.Unlock()

	if first {
		w.logger.InfoContext(ctx, "reading configuration", "dir", w.dir)
	} else {
		w.logger.WarnContext(ctx, "configuration changed, reloading", "dir", w.dir)
	}

	res, err := Load(w.dir)
	if err != nil {
		w.logger.ErrorContext(ctx, "invalid configuration; imports and queries suspended", "err", err)
	} else {
		w.logger.InfoContext(ctx, "configuration loaded", "dataSets", len(res.Catalog.codes))
	}
	w.store.Swap(res.Catalog)

	w.mu.Lock()
	w.files = res.Files
	if err != nil {
		// missing documents show up as a directory or primary change
		if w.files == nil {
			w.files = map[string]time.Time{}
		}
		w.files[primaryPathIn(w.dir)] = statTime(primaryPathIn(w.dir))
		w.files[w.dir] = statTime(w.dir)
	}
	w.loaded = true
	cbs := append([]func(*Catalog){}, w.onApply...)
	w.mu.Unlock()

	for _, fn := range cbs {
		fn(res.Catalog)
	}
	return true
}

// Files returns the documents currently watched.
func (w *Watcher) Files() map[string]time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.files)
}

func changed(files map[string]time.Time) bool {
	for path, mt := range files {
		if !statTime(path).Equal(mt) {
			return true
		}
	}
	return false
}

func statTime(path string) time.Time {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return st.ModTime()
}

func primaryPathIn(dir string) string {
	return dir + string(os.PathSeparator) + PrimaryFile
}
