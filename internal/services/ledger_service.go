package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/repositories"
)

const budgetIDPrefix = "bud_"

var (
	// ErrLedgerInvalidInput signals the caller provided invalid data.
	ErrLedgerInvalidInput = errors.New("ledger: invalid input")
	// ErrBudgetNotFound indicates the allocation could not be located.
	ErrBudgetNotFound = errors.New("ledger: allocation not found")
)

// FiscalPeriod derives the ledger period key for a point in time.
func FiscalPeriod(t time.Time) string {
	return strconv.Itoa(t.UTC().Year())
}

// LedgerServiceDeps bundles collaborators required to construct the ledger service.
type LedgerServiceDeps struct {
	Budgets     repositories.BudgetRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type ledgerService struct {
	budgets repositories.BudgetRepository
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewLedgerService wires dependencies into a concrete LedgerService implementation.
func NewLedgerService(deps LedgerServiceDeps) (LedgerService, error) {
	if deps.Budgets == nil {
		return nil, errors.New("ledger service: budget repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &ledgerService{
		budgets: deps.Budgets,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Commit adds the amount to the allocation's spent total, creating the record
// on first use. It issues reads and writes through ctx, so when invoked inside
// a unit of work the ledger mutation is atomic with the triggering transition.
func (s *ledgerService) Commit(ctx context.Context, cmd LedgerCommitCommand) error {
	tenantID := strings.TrimSpace(cmd.TenantID)
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrLedgerInvalidInput)
	}
	period := strings.TrimSpace(cmd.Period)
	if period == "" {
		return fmt.Errorf("%w: period is required", ErrLedgerInvalidInput)
	}
	if cmd.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrLedgerInvalidInput)
	}

	now := s.clock()

	allocation, err := s.budgets.FindByScope(ctx, tenantID, cmd.CostCenterID, period)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			allocation = domain.BudgetAllocation{
				ID:           budgetIDPrefix + s.newID(),
				TenantID:     tenantID,
				CostCenterID: cmd.CostCenterID,
				Period:       period,
				Spent:        cmd.Amount,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if upsertErr := s.budgets.Upsert(ctx, allocation); upsertErr != nil {
				return fmt.Errorf("ledger: commit: %w", upsertErr)
			}
			s.logger(ctx, "ledger.allocation.created", map[string]any{
				"tenant": tenantID,
				"period": period,
				"spent":  cmd.Amount.String(),
			})
			return nil
		}
		return fmt.Errorf("ledger: commit: %w", err)
	}

	allocation.Spent = allocation.Spent.Add(cmd.Amount)
	allocation.UpdatedAt = now
	if err := s.budgets.Upsert(ctx, allocation); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func (s *ledgerService) GetAllocation(ctx context.Context, allocationID string) (BudgetAllocation, error) {
	allocationID = strings.TrimSpace(allocationID)
	if allocationID == "" {
		return BudgetAllocation{}, fmt.Errorf("%w: allocation id is required", ErrLedgerInvalidInput)
	}

	allocation, err := s.budgets.FindByID(ctx, allocationID)
	if err != nil {
		return BudgetAllocation{}, s.mapRepositoryError(err)
	}
	return allocation, nil
}

func (s *ledgerService) ListAllocations(ctx context.Context, filter BudgetListFilter) (domain.CursorPage[BudgetAllocation], error) {
	if strings.TrimSpace(filter.TenantID) == "" {
		return domain.CursorPage[BudgetAllocation]{}, fmt.Errorf("%w: tenant id is required", ErrLedgerInvalidInput)
	}

	page, err := s.budgets.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[BudgetAllocation]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *ledgerService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrBudgetNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("ledger: repository unavailable: %w", err)
		}
	}
	return err
}
