package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/procureline/api/internal/domain"
)

type stubHealthRepository struct {
	collectFn func(context.Context) (domain.SystemHealthReport, error)
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if s.collectFn != nil {
		return s.collectFn(ctx)
	}
	return domain.SystemHealthReport{}, errors.New("not implemented")
}

func TestNewSystemServiceRequiresHealthRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected constructor error")
	}
}

func TestSystemServiceHealthReportFillsMetadata(t *testing.T) {
	started := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)

	repo := &stubHealthRepository{
		collectFn: func(ctx context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
				},
			}, nil
		},
	}

	service, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc1234",
			Environment: "staging",
			StartedAt:   started,
		},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	report, err := service.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected derived ok status, got %s", report.Status)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "abc1234" || report.Environment != "staging" {
		t.Fatalf("expected build metadata merged, got %#v", report)
	}
	if report.Uptime != 90*time.Minute {
		t.Fatalf("expected uptime 90m, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated at %s, got %s", now, report.GeneratedAt)
	}
}

func TestSystemServiceHealthReportDerivesDegradedStatus(t *testing.T) {
	repo := &stubHealthRepository{
		collectFn: func(ctx context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusDegraded},
				},
			}, nil
		},
	}

	service, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	report, err := service.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
}

func TestSystemServiceHealthReportErrorWins(t *testing.T) {
	repo := &stubHealthRepository{
		collectFn: func(ctx context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError, Error: "client unavailable"},
					"pubsub":    {Status: domain.HealthStatusDegraded},
				},
			}, nil
		},
	}

	service, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	report, err := service.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
}

func TestSystemServiceHealthReportPropagatesCollectError(t *testing.T) {
	repo := &stubHealthRepository{
		collectFn: func(ctx context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{}, errors.New("collector down")
		},
	}

	service, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := service.HealthReport(context.Background()); err == nil {
		t.Fatalf("expected error to propagate")
	}
}
