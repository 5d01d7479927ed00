package timeindex

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("no data within search tolerance")

// ExistsFunc reports whether an archive entry exists for a bucket.
type ExistsFunc func(ctx context.Context, bucket time.Time) (bool, error)

// Search looks for the archive entry closest to t. The bucket is probed
// first; every further iteration probes one step further along the search
// direction and one step further back, for at most maxTries iterations.
func Search(ctx context.Context, ix Index, t time.Time, maxTries int, exists ExistsFunc) (time.Time, error) {
	if ix.None() {
		ok, err := exists(ctx, time.Time{})
		if err != nil {
			return time.Time{}, err
		}
		if !ok {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, nil
	}

	primary, direction := ix.Normalize(t)
	var secondary time.Time
	seeded := false
	if maxTries < 1 {
		maxTries = 1
	}
	for range maxTries {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		ok, err := exists(ctx, primary)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return primary, nil
		}
		if !seeded {
			secondary, seeded = primary, true
		} else {
			ok, err := exists(ctx, secondary)
			if err != nil {
				return time.Time{}, err
			}
			if ok {
				return secondary, nil
			}
		}
		primary = ix.Step(primary, direction)
		secondary = ix.Step(secondary, -direction)
	}
	return time.Time{}, ErrNotFound
}
