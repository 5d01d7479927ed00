// Package httpclient configures the HTTP client used to fetch remote grid
// sources for formulas.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"github.com/geoos/geoarchive/internal/core/observability"
)

// NewOutbound creates the client for calls to other archive servers. Every
// round trip is timed per upstream host.
func NewOutbound(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: timed{next: transport},
		Timeout:   timeout,
	}
}

type timed struct {
	next http.RoundTripper
}

func (t timed) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(r)
	observability.ObserveUpstreamLatency(r.URL.Host, time.Since(start).Seconds())
	return resp, err
}
