// Package vectorcache keeps values built from archive files, keyed by path and
// invalidated when the file modification time changes. Concurrent misses for
// the same file share one build.
package vectorcache

import (
	"context"
	"os"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/geoos/geoarchive/internal/core/observability"
)

type BuildFunc[V any] func(ctx context.Context, path string) (V, error)

type entry[V any] struct {
	mtime time.Time
	val   V
}

type Cache[V any] struct {
	name  string
	lru   *lru.Cache[string, entry[V]]
	group singleflight.Group
}

// New returns a cache holding at most size files. Name labels its metrics.
func New[V any](name string, size int) (*Cache[V], error) {
	if size <= 0 {
		size = 1
	}
	l, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{name: name, lru: l}, nil
}

// Get returns the value for path, building it when absent or stale. The
// returned error wraps fs.ErrNotExist when the file is gone.
func (c *Cache[V]) Get(ctx context.Context, path string, build BuildFunc[V]) (V, error) {
	var zero V
	st, err := os.Stat(path)
	if err != nil {
		return zero, err
	}
	mtime := st.ModTime()
	if e, ok := c.lru.Get(path); ok && e.mtime.Equal(mtime) {
		observability.IncVectorCache(c.name, true)
		return e.val, nil
	}
	observability.IncVectorCache(c.name, false)

	// The build is shared, so one caller going away must not fail the others.
	buildCtx := context.WithoutCancel(ctx)
	key := path + "\x00" + strconv.FormatInt(mtime.UnixNano(), 10)
	ch := c.group.DoChan(key, func() (any, error) {
		if e, ok := c.lru.Get(path); ok && e.mtime.Equal(mtime) {
			return e.val, nil
		}
		val, err := build(buildCtx, path)
		if err != nil {
			return nil, err
		}
		c.lru.Add(path, entry[V]{mtime: mtime, val: val})
		return val, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[V]) Len() int { return c.lru.Len() }

// Remove drops the value built from path, if any.
func (c *Cache[V]) Remove(path string) { c.lru.Remove(path) }
