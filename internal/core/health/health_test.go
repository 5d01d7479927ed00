package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fixed bool

func (f fixed) Readiness() bool { return bool(f) }

func TestReadiness_Handler(t *testing.T) {
	for _, tc := range []struct {
		ready  bool
		code   int
		status string
	}{
		{true, http.StatusOK, `"ready"`},
		{false, http.StatusServiceUnavailable, `"not_ready"`},
	} {
		rr := httptest.NewRecorder()
		Readiness(fixed(tc.ready))(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.code {
			t.Fatalf("ready=%v status=%d want %d", tc.ready, rr.Code, tc.code)
		}
		if !strings.Contains(rr.Body.String(), tc.status) {
			t.Fatalf("ready=%v body=%q", tc.ready, rr.Body.String())
		}
	}
}
