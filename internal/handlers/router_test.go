package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNewRouterHealthEndpoints(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestNewRouterUnregisteredGroupsReturnNotImplemented(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/api/v1/orders", "/api/v1/approvals/apr_1", "/api/v1/budgets"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected status 501 for %s, got %d", path, rr.Code)
		}
	}
}

func TestNewRouterUnknownRouteEnvelope(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	var payload struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Error != errorNotFoundCode {
		t.Fatalf("expected code %s, got %s", errorNotFoundCode, payload.Error)
	}
	if payload.Status != http.StatusNotFound {
		t.Fatalf("expected status field 404, got %d", payload.Status)
	}
}

func TestNewRouterMountsRegistrars(t *testing.T) {
	router := NewRouter(
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected registrar response, got %d", rr.Code)
	}
}

func TestNewRouterOrderGroupMiddleware(t *testing.T) {
	var sawHeader bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sawHeader = req.Header.Get("X-Group-Check") == "1"
			next.ServeHTTP(w, req)
		})
	}

	router := NewRouter(
		WithOrderMiddlewares(mw),
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("X-Group-Check", "1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !sawHeader {
		t.Fatalf("expected order middleware to run")
	}
}
