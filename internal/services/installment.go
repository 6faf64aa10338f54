package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/procureline/api/internal/domain"
)

// InstallmentConfig fixes the ordering period and billing day used when
// constructing monthly payment schedules.
type InstallmentConfig struct {
	// PeriodEndMonth is the last calendar month of the active ordering period.
	PeriodEndMonth time.Month
	// DueDayOfMonth is the configured billing day, clamped to shorter months.
	DueDayOfMonth int
}

// BuildInstallmentPlan computes the monthly schedule for an installment order.
// Installments run from the month after creation through the period-end month;
// an order placed too late in the period to leave at least one installment
// month fails. The final installment absorbs the division residual so the
// schedule sums exactly to the grand total.
func BuildInstallmentPlan(grandTotal decimal.Decimal, createdAt time.Time, cfg InstallmentConfig) (domain.InstallmentPlan, error) {
	if cfg.PeriodEndMonth < time.January || cfg.PeriodEndMonth > time.December {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: period end month %d out of range", ErrInvalidPaymentPlan, cfg.PeriodEndMonth)
	}
	if cfg.DueDayOfMonth < 1 || cfg.DueDayOfMonth > 31 {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: due day %d out of range", ErrInvalidPaymentPlan, cfg.DueDayOfMonth)
	}
	if grandTotal.Sign() <= 0 {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: grand total must be positive", ErrInvalidPaymentPlan)
	}

	created := createdAt.UTC()
	count := int(cfg.PeriodEndMonth) - int(created.Month())
	if count < 1 {
		return domain.InstallmentPlan{}, fmt.Errorf("%w: no installment months remain after %s", ErrInvalidPaymentPlan, created.Format("2006-01"))
	}

	amount, final := splitInstallments(grandTotal, count)

	plan := domain.InstallmentPlan{
		Count:         count,
		Amount:        amount,
		FinalAmount:   final,
		DueDayOfMonth: cfg.DueDayOfMonth,
		FirstDueDate:  dueDate(created.Year(), created.Month()+1, cfg.DueDayOfMonth),
		LastDueDate:   dueDate(created.Year(), cfg.PeriodEndMonth, cfg.DueDayOfMonth),
	}
	return plan, nil
}

// reviseInstallmentAmounts recomputes the per-installment amounts from a new
// grand total, preserving the count, due dates, and already-received count.
func reviseInstallmentAmounts(plan *domain.InstallmentPlan, grandTotal decimal.Decimal) {
	if plan == nil || plan.Count < 1 {
		return
	}
	plan.Amount, plan.FinalAmount = splitInstallments(grandTotal, plan.Count)
}

func splitInstallments(grandTotal decimal.Decimal, count int) (amount, final decimal.Decimal) {
	n := decimal.NewFromInt(int64(count))
	amount = domain.RoundCents(grandTotal.Div(n))
	final = grandTotal.Sub(amount.Mul(decimal.NewFromInt(int64(count - 1))))
	return amount, final
}

// dueDate clamps the configured day to the target month's length.
func dueDate(year int, month time.Month, day int) time.Time {
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
