package keys

import (
	"net/url"
	"regexp"
	"testing"
	"time"
)

var mtime = time.Date(2021, 3, 7, 18, 0, 0, 0, time.UTC)

func TestDeterminism_ParamOrderAndSpacing(t *testing.T) {
	a := url.Values{"time": {"2021-03-07"}, "n": {" -20"}, "s": {"-30"}}
	b := url.Values{"s": {"-30"}, "n": {"-20 "}, "time": {"2021-03-07"}}
	k1 := Response("gfs4/temp/grid", "/data/gfs4/2021/03/07/temp.grb2", mtime, a)
	k2 := Response("gfs4/temp/grid", "/data/gfs4/2021/03/07/temp.grb2", mtime, b)
	if k1 != k2 {
		t.Fatalf("keys differ:\n k1=%s\n k2=%s", k1, k2)
	}
	if !regexp.MustCompile(`^geoarchive:[A-Za-z0-9_-]+:\d+:[0-9a-f]{16}$`).MatchString(k1) {
		t.Fatalf("unexpected key shape: %s", k1)
	}
}

func TestDifference(t *testing.T) {
	p := url.Values{"lat": {"-33"}, "lng": {"-70"}}
	base := Response("valueAtPoint", "/a.grb2", mtime, p)

	if k := Response("valueAtPoint", "/a.grb2", mtime.Add(time.Second), p); k == base {
		t.Fatalf("mtime change must change the key")
	}
	if k := Response("valueAtPoint", "/b.grb2", mtime, p); k == base {
		t.Fatalf("payload change must change the key")
	}
	if k := Response("valueAtPoint", "/a.grb2", mtime, url.Values{"lat": {"-34"}, "lng": {"-70"}}); k == base {
		t.Fatalf("param change must change the key")
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize(" gfs4/temp  grid "); got != "gfs4-temp_grid" {
		t.Fatalf("sanitize = %q", got)
	}
}
