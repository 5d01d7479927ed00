// Package keys builds deterministic response cache keys.
package keys

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Namespace prefixes every key written by this package.
const Namespace = "geoarchive:"

// Response keys a query result by route, the payload it was computed from
// (path and modification time) and the request parameters. Rewriting the
// payload changes its mtime and therefore every key derived from it.
func Response(route, payload string, mtime time.Time, params url.Values) string {
	canon := canonicalParams(params)
	sum := xxhash.New()
	_, _ = sum.WriteString(payload)
	_, _ = sum.WriteString("\x00")
	_, _ = sum.WriteString(canon)
	return fmt.Sprintf(Namespace+"%s:%d:%016x", sanitize(route), mtime.UnixNano(), sum.Sum64())
}

// canonicalParams sorts keys and values and trims whitespace, so parameter
// order and spacing do not split the cache.
func canonicalParams(params url.Values) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		vals := make([]string, len(params[k]))
		for i, v := range params[k] {
			vals[i] = strings.TrimSpace(v)
		}
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(strings.TrimSpace(k))
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}
	return b.String()
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range strings.TrimSpace(s) {
		out := r
		switch {
		case isAlphaNum(r) || r == '_' || r == '-':
		case unicode.IsSpace(r):
			out = '_'
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
