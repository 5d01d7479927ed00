package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geoos/geoarchive/internal/core/observability"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestProvider_BuildInfoAndRuntime(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "1.2.0", Revision: "abc", Branch: "main", BuildDate: "2024-03-01"}})
	observability.SetCatalogLoaded(true)
	body := scrape(t, p.Handler())

	for _, want := range []string{
		`app_build_info{branch="main",build_date="2024-03-01",revision="abc",version="1.2.0"} 1`,
		"go_goroutines",
		"catalog_loaded 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestProvider_DefaultVersion(t *testing.T) {
	p := Init(Config{})
	if body := scrape(t, p.Handler()); !strings.Contains(body, `version="dev"`) {
		t.Fatalf("unversioned build not labelled dev:\n%s", body)
	}
}

func TestProvider_ServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	p := Init(Config{Addr: addr, Path: "/prom"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	var resp *http.Response
	for range 50 {
		if resp, err = http.Get("http://" + addr + "/prom"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("metrics listener never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
