package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	pfirestore "github.com/procureline/api/internal/platform/firestore"
	"github.com/procureline/api/internal/repositories"
)

type txContextKey struct{}

// withTx stashes the active transaction so repositories invoked through
// UnitOfWork.RunInTx read and write through it.
func withTx(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// Registry wires Firestore-backed repositories behind the repositories.Registry contract.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	approvals *ApprovalRequestRepository
	budgets   *BudgetRepository
	products  *ProductRepository
	users     *UserRepository
	health    repositories.HealthRepository
}

// NewRegistry constructs the registry and all contained repositories.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	approvals, err := NewApprovalRequestRepository(provider)
	if err != nil {
		return nil, err
	}
	budgets, err := NewBudgetRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  provider,
		orders:    orders,
		approvals: approvals,
		budgets:   budgets,
		products:  products,
		users:     users,
		health:    health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Approvals() repositories.ApprovalRequestRepository { return r.approvals }

func (r *Registry) Budgets() repositories.BudgetRepository { return r.budgets }

func (r *Registry) Products() repositories.ProductRepository { return r.products }

func (r *Registry) Users() repositories.UserRepository { return r.users }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a Firestore transaction. Repositories invoked with
// the derived context read and write through the transaction, so guard checks
// and state writes commit atomically.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is nil")
	}
	if _, ok := txFromContext(ctx); ok {
		// Nested units of work join the ambient transaction.
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(withTx(ctx, tx))
	})
}

var _ repositories.Registry = (*Registry)(nil)

// Shared document helpers --------------------------------------------------

func encodeMoney(value decimal.Decimal) string {
	return value.String()
}

func decodeMoney(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode %s amount %q: %w", field, raw, err)
	}
	return value, nil
}

func encodePageToken(token any) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodePageToken(encoded string, target any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return fmt.Errorf("decode page token: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode page token: %w", err)
	}
	return nil
}

func clampPageSize(size int) int {
	if size <= 0 {
		return 50
	}
	if size > 200 {
		return 200
	}
	return size
}
