package server

import (
	"net/http"
	"strings"
	"testing"
)

func TestOpenAPIValidatorMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.APIValidate = true
	up := &fakeUpstream{}
	srv := createGinTestServer(t, cfg, WithUpstreamClient(up.client()))

	if w := doRequest(srv, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("/health under validation: %d %s", w.Code, w.Body.String())
	}
	if w := doRequest(srv, http.MethodGet, "/runtime-info", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("/runtime-info under validation: %d %s", w.Code, w.Body.String())
	}
	if h := doRequest(srv, http.MethodGet, "/health", nil, nil).Header().Get("X-API-Validation"); h != "enabled" {
		t.Fatalf("X-API-Validation = %q, want enabled", h)
	}

	w := doRequest(srv, http.MethodGet, "/not-a-route", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown path: expected 400, got %d", w.Code)
	}

	// /tunnel bypasses validation even for bodies the document would reject.
	w = doRequest(srv, http.MethodPost, "/tunnel", strings.NewReader("garbage"), http.Header{"Content-Type": {"application/json"}})
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "{}" {
		t.Fatalf("/tunnel under validation: %d %q", w.Code, w.Body.String())
	}
	if calls := up.snapshot(); len(calls) != 0 {
		t.Fatalf("garbage envelope reached upstream")
	}
}
