package redisstore

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/geoos/geoarchive/internal/cache/keys"
)

// A grid response outlives neither its TTL nor a rewrite of the payload:
// the rewritten file has a new mtime and therefore a new key.
func TestResponseExpiresAndFollowsMtime(t *testing.T) {
	rc, mr := newMini(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	params := url.Values{"time": {"2024-03-01T06:00"}, "n": {"-20"}}
	first := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	key := keys.Response("gfs4/TMP/grid", "/data/gfs4/2024/03/01/TMP_2024-03-01_06-00.grb2", first, params)

	if err := rc.Set(ctx, key, []byte(`{"nrows":3}`), 2*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, err := rc.Get(ctx, key); err != nil || !ok {
		t.Fatalf("fresh entry ok=%v err=%v", ok, err)
	}

	rewritten := keys.Response("gfs4/TMP/grid", "/data/gfs4/2024/03/01/TMP_2024-03-01_06-00.grb2", first.Add(time.Minute), params)
	if _, ok, _ := rc.Get(ctx, rewritten); ok {
		t.Fatal("rewritten payload served the old response")
	}

	mr.FastForward(3 * time.Second)
	if _, ok, err := rc.Get(ctx, key); err != nil || ok {
		t.Fatalf("entry survived its ttl: ok=%v err=%v", ok, err)
	}
}
