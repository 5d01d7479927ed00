// Package daemon runs the background maintenance of the archive: periodic
// loops for configuration reload, import sweeps and retention.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/logger"
)

// Func is one iteration of a loop.
type Func func(ctx context.Context) error

// Loop calls fn, waits interval after it returns and starts again, so two
// iterations never overlap however long one takes.
type Loop struct {
	name     string
	interval time.Duration
	fn       Func
	log      *slog.Logger
}

func NewLoop(name string, interval time.Duration, fn Func, log *slog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{name: name, interval: interval, fn: fn, log: log}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ctx = logger.WithComponent(ctx, l.name)
	l.log.InfoContext(ctx, "daemon started", "interval", l.interval.String())
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.InfoContext(ctx, "daemon stopped")
			return
		case <-t.C:
		}
		l.once(ctx)
		if ctx.Err() != nil {
			l.log.InfoContext(ctx, "daemon stopped")
			return
		}
		t.Reset(l.interval)
	}
}

func (l *Loop) once(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.ErrorContext(ctx, "daemon iteration panicked", "panic", fmt.Sprint(rec))
		}
	}()
	err := l.fn(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, catalog.ErrNotLoaded):
		l.log.DebugContext(ctx, "daemon idle: configuration not loaded")
	default:
		l.log.ErrorContext(ctx, "daemon iteration failed", "err", err)
	}
}
