package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/geoos/geoarchive/internal/catalog"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func ping(t *testing.T, port int) (string, error) {
	t.Helper()
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b), nil
}

func TestManagerApply(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "pong") })
	m := NewManager(h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	t.Cleanup(func() { _ = m.Shutdown(ctx) })

	p1 := freePort(t)
	if err := m.Apply(ctx, catalog.WebServer{Protocol: "http", Port: p1}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if body, err := ping(t, p1); err != nil || body != "pong" {
		t.Fatalf("ping=%q err=%v", body, err)
	}
	first := m.Addr()
	if err := m.Apply(ctx, catalog.WebServer{Protocol: "http", Port: p1}); err != nil {
		t.Fatalf("re-Apply: %v", err)
	}
	if m.Addr() != first {
		t.Fatalf("unchanged section restarted the listener")
	}

	p2 := freePort(t)
	if err := m.Apply(ctx, catalog.WebServer{Protocol: "http", Port: p2}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := ping(t, p1); err == nil {
		t.Fatalf("old port still served")
	}
	if body, err := ping(t, p2); err != nil || body != "pong" {
		t.Fatalf("ping new port=%q err=%v", body, err)
	}

	if err := m.Apply(ctx, catalog.WebServer{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if m.Addr() != nil {
		t.Fatalf("disabled server still bound to %v", m.Addr())
	}
}

func TestManagerRejectsBadSection(t *testing.T) {
	m := NewManager(http.NotFoundHandler(), nil)
	ctx := context.Background()
	cases := []catalog.WebServer{
		{Protocol: "ftp", Port: 8080},
		{Protocol: "https", Port: 8443},
		{Protocol: "https", Port: 8443, KeyFile: "k.pem"},
	}
	for _, ws := range cases {
		if err := m.Apply(ctx, ws); err == nil {
			t.Errorf("Apply(%+v) accepted", ws)
		}
	}
	if m.Addr() != nil {
		t.Fatal("listener started for a rejected section")
	}
}
