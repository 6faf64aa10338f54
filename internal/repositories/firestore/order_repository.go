package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/procureline/api/internal/domain"
	pfirestore "github.com/procureline/api/internal/platform/firestore"
	"github.com/procureline/api/internal/repositories"
)

const (
	orderCollection       = "orders"
	orderNumberCollection = "order_numbers"
)

// OrderRepository persists order aggregates with their owned line items.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewCollection[orderDocument](provider, orderCollection)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert creates the order document, failing when the ID is already taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}

	doc := fromDomainOrder(order)
	ref, err := r.base.Doc(ctx, order.ID)
	if err != nil {
		return err
	}
	if tx, ok := txFromContext(ctx); ok {
		return pfirestore.WrapError("orders.insert", tx.Create(ref, doc))
	}
	_, err = ref.Create(ctx, doc)
	return pfirestore.WrapError("orders.insert", err)
}

// ReserveNumber claims the order number by creating a sentinel document keyed
// by the number itself. Create fails with AlreadyExists when another order
// holds the number, which surfaces as a conflict.
func (r *OrderRepository) ReserveNumber(ctx context.Context, orderNumber string, orderID string) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	orderID = strings.TrimSpace(orderID)
	if orderNumber == "" || orderID == "" {
		return errors.New("order number and order id are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(orderNumberCollection).Doc(orderNumber)
	doc := map[string]any{
		"orderId":    orderID,
		"reservedAt": firestore.ServerTimestamp,
	}
	if tx, ok := txFromContext(ctx); ok {
		return pfirestore.WrapError("orders.reserve_number", tx.Create(ref, doc))
	}
	_, err = ref.Create(ctx, doc)
	return pfirestore.WrapError("orders.reserve_number", err)
}

// Update replaces the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}

	doc := fromDomainOrder(order)
	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, order.ID)
		if err != nil {
			return err
		}
		return pfirestore.WrapError("orders.update", tx.Set(ref, doc))
	}
	return r.base.Set(ctx, order.ID, doc)
}

// FindByID loads the order aggregate.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, errors.New("order id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.get", err)
		}
		return decodeOrderSnapshot(snap)
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(orderID, doc)
}

// FindByOrderNumber locates an order by its human-readable number within a tenant.
func (r *OrderRepository) FindByOrderNumber(ctx context.Context, tenantID string, orderNumber string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	tenantID = strings.TrimSpace(tenantID)
	orderNumber = strings.TrimSpace(orderNumber)
	if tenantID == "" || orderNumber == "" {
		return domain.Order{}, errors.New("tenant id and order number are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	query := client.Collection(orderCollection).
		Where("tenantId", "==", tenantID).
		Where("orderNumber", "==", orderNumber).
		Limit(1)

	var iter *firestore.DocumentIterator
	if tx, ok := txFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError("orders.findByNumber", status.Error(codes.NotFound, "order number not found"))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByNumber", err)
	}
	return decodeOrderSnapshot(snap)
}

type orderPageToken struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}
	tenantID := strings.TrimSpace(filter.TenantID)
	if tenantID == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("tenant id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	pageSize := clampPageSize(filter.Pagination.PageSize)

	query := client.Collection(orderCollection).Query.Where("tenantId", "==", tenantID)
	if requester := strings.TrimSpace(filter.RequesterID); requester != "" {
		query = query.Where("requesterId", "==", requester)
	}
	if len(filter.Status) > 0 {
		statuses := make([]any, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, strings.TrimSpace(s))
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		var decoded orderPageToken
		if err := decodePageToken(token, &decoded); err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrderSnapshot(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, order)
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodePageToken(orderPageToken{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Document mapping ----------------------------------------------------------

type orderDocument struct {
	OrderNumber  string              `firestore:"orderNumber"`
	TenantID     string              `firestore:"tenantId"`
	RequesterID  string              `firestore:"requesterId"`
	CostCenterID *string             `firestore:"costCenterId,omitempty"`
	Status       string              `firestore:"status"`
	PaymentType  string              `firestore:"paymentType"`
	Currency     string              `firestore:"currency"`
	Items        []lineItemDocument  `firestore:"items"`
	Totals       orderTotalsDocument `firestore:"totals"`
	Installments *installmentPlanDoc `firestore:"installments,omitempty"`

	NeedsExecutiveReview bool       `firestore:"needsExecutiveReview"`
	ExecutiveClearedBy   *string    `firestore:"executiveClearedBy,omitempty"`
	ExecutiveClearedAt   *time.Time `firestore:"executiveClearedAt,omitempty"`

	LedgerCommitted bool `firestore:"ledgerCommitted"`
	IsFinalized     bool `firestore:"isFinalized"`

	DeclineReason *string    `firestore:"declineReason,omitempty"`
	ApprovedBy    *string    `firestore:"approvedBy,omitempty"`
	ApprovedAt    *time.Time `firestore:"approvedAt,omitempty"`
	DeliveredAt   *time.Time `firestore:"deliveredAt,omitempty"`
	ClosedAt      *time.Time `firestore:"closedAt,omitempty"`
	CancelledAt   *time.Time `firestore:"cancelledAt,omitempty"`
	ReturnedAt    *time.Time `firestore:"returnedAt,omitempty"`

	CreatedBy *string   `firestore:"createdBy,omitempty"`
	UpdatedBy *string   `firestore:"updatedBy,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type lineItemDocument struct {
	ID        string `firestore:"id"`
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice string `firestore:"unitPrice"`
	Subtotal  string `firestore:"subtotal"`
}

type orderTotalsDocument struct {
	Subtotal   string `firestore:"subtotal"`
	Tax        string `firestore:"tax"`
	Shipping   string `firestore:"shipping"`
	GrandTotal string `firestore:"grandTotal"`
}

type installmentPlanDoc struct {
	Count         int       `firestore:"count"`
	Amount        string    `firestore:"amount"`
	FinalAmount   string    `firestore:"finalAmount"`
	Received      int       `firestore:"received"`
	DueDayOfMonth int       `firestore:"dueDayOfMonth"`
	FirstDueDate  time.Time `firestore:"firstDueDate"`
	LastDueDate   time.Time `firestore:"lastDueDate"`
}

func fromDomainOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:          order.OrderNumber,
		TenantID:             order.TenantID,
		RequesterID:          order.RequesterID,
		CostCenterID:         order.CostCenterID,
		Status:               string(order.Status),
		PaymentType:          string(order.PaymentType),
		Currency:             order.Currency,
		Totals:               fromDomainTotals(order.Totals),
		NeedsExecutiveReview: order.NeedsExecutiveReview,
		ExecutiveClearedBy:   order.ExecutiveClearedBy,
		ExecutiveClearedAt:   order.ExecutiveClearedAt,
		LedgerCommitted:      order.LedgerCommitted,
		IsFinalized:          order.IsFinalized,
		DeclineReason:        order.DeclineReason,
		ApprovedBy:           order.ApprovedBy,
		ApprovedAt:           order.ApprovedAt,
		DeliveredAt:          order.DeliveredAt,
		ClosedAt:             order.ClosedAt,
		CancelledAt:          order.CancelledAt,
		ReturnedAt:           order.ReturnedAt,
		CreatedBy:            order.Audit.CreatedBy,
		UpdatedBy:            order.Audit.UpdatedBy,
		CreatedAt:            order.CreatedAt.UTC(),
		UpdatedAt:            order.UpdatedAt.UTC(),
	}
	doc.Items = make([]lineItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, lineItemDocument{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: encodeMoney(item.UnitPrice),
			Subtotal:  encodeMoney(item.Subtotal),
		})
	}
	if order.Installments != nil {
		doc.Installments = &installmentPlanDoc{
			Count:         order.Installments.Count,
			Amount:        encodeMoney(order.Installments.Amount),
			FinalAmount:   encodeMoney(order.Installments.FinalAmount),
			Received:      order.Installments.Received,
			DueDayOfMonth: order.Installments.DueDayOfMonth,
			FirstDueDate:  order.Installments.FirstDueDate.UTC(),
			LastDueDate:   order.Installments.LastDueDate.UTC(),
		}
	}
	return doc
}

func fromDomainTotals(totals domain.OrderTotals) orderTotalsDocument {
	return orderTotalsDocument{
		Subtotal:   encodeMoney(totals.Subtotal),
		Tax:        encodeMoney(totals.Tax),
		Shipping:   encodeMoney(totals.Shipping),
		GrandTotal: encodeMoney(totals.GrandTotal),
	}
}

func toDomainOrder(id string, doc orderDocument) (domain.Order, error) {
	totals, err := toDomainTotals(doc.Totals)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
	}

	order := domain.Order{
		ID:                   id,
		OrderNumber:          doc.OrderNumber,
		TenantID:             doc.TenantID,
		RequesterID:          doc.RequesterID,
		CostCenterID:         doc.CostCenterID,
		Status:               domain.OrderStatus(doc.Status),
		PaymentType:          domain.PaymentType(doc.PaymentType),
		Currency:             doc.Currency,
		Totals:               totals,
		NeedsExecutiveReview: doc.NeedsExecutiveReview,
		ExecutiveClearedBy:   doc.ExecutiveClearedBy,
		ExecutiveClearedAt:   doc.ExecutiveClearedAt,
		LedgerCommitted:      doc.LedgerCommitted,
		IsFinalized:          doc.IsFinalized,
		DeclineReason:        doc.DeclineReason,
		ApprovedBy:           doc.ApprovedBy,
		ApprovedAt:           doc.ApprovedAt,
		DeliveredAt:          doc.DeliveredAt,
		ClosedAt:             doc.ClosedAt,
		CancelledAt:          doc.CancelledAt,
		ReturnedAt:           doc.ReturnedAt,
		Audit:                domain.OrderAudit{CreatedBy: doc.CreatedBy, UpdatedBy: doc.UpdatedBy},
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}

	order.Items = make([]domain.OrderLineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		unitPrice, err := decodeMoney("line item unit price", item.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
		}
		subtotal, err := decodeMoney("line item subtotal", item.Subtotal)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
		}
		order.Items = append(order.Items, domain.OrderLineItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
			Subtotal:  subtotal,
		})
	}

	if doc.Installments != nil {
		amount, err := decodeMoney("installment amount", doc.Installments.Amount)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
		}
		finalAmount, err := decodeMoney("installment final amount", doc.Installments.FinalAmount)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
		}
		order.Installments = &domain.InstallmentPlan{
			Count:         doc.Installments.Count,
			Amount:        amount,
			FinalAmount:   finalAmount,
			Received:      doc.Installments.Received,
			DueDayOfMonth: doc.Installments.DueDayOfMonth,
			FirstDueDate:  doc.Installments.FirstDueDate,
			LastDueDate:   doc.Installments.LastDueDate,
		}
	}

	return order, nil
}

func toDomainTotals(doc orderTotalsDocument) (domain.OrderTotals, error) {
	subtotal, err := decodeMoney("subtotal", doc.Subtotal)
	if err != nil {
		return domain.OrderTotals{}, err
	}
	tax, err := decodeMoney("tax", doc.Tax)
	if err != nil {
		return domain.OrderTotals{}, err
	}
	shipping, err := decodeMoney("shipping", doc.Shipping)
	if err != nil {
		return domain.OrderTotals{}, err
	}
	grandTotal, err := decodeMoney("grand total", doc.GrandTotal)
	if err != nil {
		return domain.OrderTotals{}, err
	}
	return domain.OrderTotals{Subtotal: subtotal, Tax: tax, Shipping: shipping, GrandTotal: grandTotal}, nil
}

func decodeOrderSnapshot(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return toDomainOrder(snap.Ref.ID, doc)
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
