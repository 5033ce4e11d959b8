package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PortNumber53/entitlement-engine/internal/catalog"
	"github.com/PortNumber53/entitlement-engine/internal/config"
	"github.com/PortNumber53/entitlement-engine/internal/grants"
	"github.com/PortNumber53/entitlement-engine/internal/store/storetest"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func newTestServer(db stubPinger) *Server {
	mem := storetest.New()
	cfg := config.Config{ServerAddress: ":0", AdminToken: "admin-secret"}
	return New(cfg, Deps{
		DB:      db,
		Catalog: catalog.Default(nil),
		Orgs:    mem,
		Grants:  grants.NewAdmin(mem, nil, nil),
	})
}

func TestHealthRoute(t *testing.T) {
	server := newTestServer(stubPinger{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestReadyRoute(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		want int
	}{
		"database up":   {want: http.StatusOK},
		"database down": {err: errors.New("dial tcp: refused"), want: http.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			newTestServer(stubPinger{err: tc.err}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.want {
				t.Fatalf("expected %d got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	server := newTestServer(stubPinger{})

	// One request first so the HTTP histogram has a series to export.
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/plans", nil))

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "entitlements_http_request_duration_seconds") {
		t.Fatalf("metrics output missing http histogram")
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	server := newTestServer(stubPinger{})

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/admin/orgs", strings.NewReader(`{"name":"Acme"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/orgs", strings.NewReader(`{"name":"Acme"}`))
	req.Header.Set("Authorization", "Bearer admin-secret")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUnwiredRoutesAreAbsent(t *testing.T) {
	server := newTestServer(stubPinger{})

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{}`)))
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected checkout to be unregistered, got %d", rr.Code)
	}
}
