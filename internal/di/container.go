package di

import (
	"context"
	"errors"
	"time"

	"github.com/procureline/api/internal/platform/config"
	"github.com/procureline/api/internal/repositories"
	"github.com/procureline/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete
// implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Orders    services.OrderService
	Approvals services.ApprovalService
	Ledger    services.LedgerService
	Router    services.ApprovalRouter
	System    services.SystemService
}

// Deps carries collaborators that live outside the repository registry:
// payment verification, notification publishing, and build metadata.
type Deps struct {
	Verifier      services.InstallmentPaymentVerifier
	Notifications services.NotificationPublisher
	Build         services.BuildInfo
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides a
// Firestore-backed registry; tests can supply in-memory fakes.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, deps Deps) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router, err := services.NewApprovalRouter(services.ApprovalRouterDeps{
		Users: reg.Users(),
		Thresholds: services.ApprovalThresholds{
			AutoApproveBelow:  cfg.Approvals.AutoApproveBelow,
			SupervisorBelow:   cfg.Approvals.SupervisorBelow,
			ProcurementBelow:  cfg.Approvals.ProcurementBelow,
			ExecutiveReviewAt: cfg.Approvals.ExecutiveReviewAt,
		},
		Logger: deps.Logger,
	})
	if err != nil {
		return svc, err
	}
	svc.Router = router

	ledger, err := services.NewLedgerService(services.LedgerServiceDeps{
		Budgets: reg.Budgets(),
		Clock:   clock,
		Logger:  deps.Logger,
	})
	if err != nil {
		return svc, err
	}
	svc.Ledger = ledger

	approvals, err := services.NewApprovalService(services.ApprovalServiceDeps{
		Approvals: reg.Approvals(),
	})
	if err != nil {
		return svc, err
	}
	svc.Approvals = approvals

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Approvals:     reg.Approvals(),
		Products:      reg.Products(),
		Users:         reg.Users(),
		Ledger:        ledger,
		Router:        router,
		Verifier:      deps.Verifier,
		UnitOfWork:    reg,
		Notifications: deps.Notifications,
		TaxRate:       cfg.Pricing.TaxRate,
		Installments: services.InstallmentConfig{
			PeriodEndMonth: time.Month(cfg.Installments.PeriodEndMonth),
			DueDayOfMonth:  cfg.Installments.DueDayOfMonth,
		},
		Clock:  clock,
		Logger: deps.Logger,
	})
	if err != nil {
		return svc, err
	}
	svc.Orders = orders

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            deps.Build,
		})
		if err != nil {
			return svc, err
		}
		svc.System = system
	}

	return svc, nil
}
