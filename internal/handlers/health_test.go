package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/procureline/api/internal/domain"
)

type stubSystemService struct {
	reportFn func(context.Context) (domain.SystemHealthReport, error)
}

func (s *stubSystemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if s.reportFn != nil {
		return s.reportFn(ctx)
	}
	return domain.SystemHealthReport{}, errors.New("not implemented")
}

func TestHealthzAlwaysOK(t *testing.T) {
	handler := NewHealthHandlers(nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", payload["status"])
	}
}

func TestReadyzWithoutSystemServiceDegradesToLiveness(t *testing.T) {
	handler := NewHealthHandlers(nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestReadyzReportsDependencyChecks(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	service := &stubSystemService{
		reportFn: func(ctx context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond, CheckedAt: now},
					"pubsub":    {Status: domain.HealthStatusDegraded, Error: "slow publish", CheckedAt: now},
				},
				Version:     "1.4.0",
				CommitSHA:   "abc1234",
				Environment: "staging",
				Uptime:      90 * time.Second,
				GeneratedAt: now,
			}, nil
		},
	}

	handler := NewHealthHandlers(service)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	// Degraded still serves traffic; only hard errors flip readiness.
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload healthReportPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded status, got %s", payload.Status)
	}
	if len(payload.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(payload.Checks))
	}
	if payload.Checks["pubsub"].Error != "slow publish" {
		t.Fatalf("unexpected pubsub check: %#v", payload.Checks["pubsub"])
	}
	if payload.Version != "1.4.0" || payload.CommitSHA != "abc1234" {
		t.Fatalf("unexpected build metadata: %#v", payload)
	}
}

func TestReadyzErrorStatusReturns503(t *testing.T) {
	service := &stubSystemService{
		reportFn: func(ctx context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{Status: domain.HealthStatusError}, nil
		},
	}

	handler := NewHealthHandlers(service)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestReadyzReportFailureReturns503(t *testing.T) {
	service := &stubSystemService{
		reportFn: func(ctx context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{}, errors.New("collector down")
		},
	}

	handler := NewHealthHandlers(service)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
