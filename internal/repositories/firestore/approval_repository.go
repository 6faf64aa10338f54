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

const approvalCollection = "approvalRequests"

// ApprovalRequestRepository stores approval tasks routed for manual clearance.
type ApprovalRequestRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[approvalDocument]
}

// NewApprovalRequestRepository constructs a Firestore-backed approval repository.
func NewApprovalRequestRepository(provider *pfirestore.Provider) (*ApprovalRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("approval repository requires firestore provider")
	}
	base := pfirestore.NewCollection[approvalDocument](provider, approvalCollection)
	return &ApprovalRequestRepository{provider: provider, base: base}, nil
}

// Insert creates the approval request document.
func (r *ApprovalRequestRepository) Insert(ctx context.Context, request domain.ApprovalRequest) error {
	if r == nil || r.base == nil {
		return errors.New("approval repository not initialised")
	}
	if strings.TrimSpace(request.ID) == "" {
		return errors.New("approval request id is required")
	}

	doc := fromDomainApproval(request)
	ref, err := r.base.Doc(ctx, request.ID)
	if err != nil {
		return err
	}
	if tx, ok := txFromContext(ctx); ok {
		return pfirestore.WrapError("approvals.insert", tx.Create(ref, doc))
	}
	_, err = ref.Create(ctx, doc)
	return pfirestore.WrapError("approvals.insert", err)
}

// Update replaces the approval request document.
func (r *ApprovalRequestRepository) Update(ctx context.Context, request domain.ApprovalRequest) error {
	if r == nil || r.base == nil {
		return errors.New("approval repository not initialised")
	}
	if strings.TrimSpace(request.ID) == "" {
		return errors.New("approval request id is required")
	}

	doc := fromDomainApproval(request)
	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, request.ID)
		if err != nil {
			return err
		}
		return pfirestore.WrapError("approvals.update", tx.Set(ref, doc))
	}
	return r.base.Set(ctx, request.ID, doc)
}

// FindByID loads the approval request.
func (r *ApprovalRequestRepository) FindByID(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	if r == nil || r.base == nil {
		return domain.ApprovalRequest{}, errors.New("approval repository not initialised")
	}
	if strings.TrimSpace(requestID) == "" {
		return domain.ApprovalRequest{}, errors.New("approval request id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.Doc(ctx, requestID)
		if err != nil {
			return domain.ApprovalRequest{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.ApprovalRequest{}, pfirestore.WrapError("approvals.get", err)
		}
		return decodeApprovalSnapshot(snap)
	}

	doc, err := r.base.Get(ctx, requestID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return toDomainApproval(requestID, doc)
}

// FindActiveByOrder returns the single pending request for the order, if any.
func (r *ApprovalRequestRepository) FindActiveByOrder(ctx context.Context, orderID string) (domain.ApprovalRequest, error) {
	if r == nil || r.provider == nil {
		return domain.ApprovalRequest{}, errors.New("approval repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.ApprovalRequest{}, errors.New("order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}

	query := client.Collection(approvalCollection).
		Where("orderId", "==", orderID).
		Where("status", "==", string(domain.ApprovalStatusPending)).
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
		return domain.ApprovalRequest{}, pfirestore.WrapError("approvals.findActive", status.Error(codes.NotFound, "no pending approval request"))
	}
	if err != nil {
		return domain.ApprovalRequest{}, pfirestore.WrapError("approvals.findActive", err)
	}
	return decodeApprovalSnapshot(snap)
}

type approvalPageToken struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// List returns approval requests matching the filter, newest first.
func (r *ApprovalRequestRepository) List(ctx context.Context, filter repositories.ApprovalListFilter) (domain.CursorPage[domain.ApprovalRequest], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.ApprovalRequest]{}, errors.New("approval repository not initialised")
	}
	tenantID := strings.TrimSpace(filter.TenantID)
	if tenantID == "" {
		return domain.CursorPage[domain.ApprovalRequest]{}, errors.New("tenant id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ApprovalRequest]{}, err
	}

	pageSize := clampPageSize(filter.Pagination.PageSize)

	query := client.Collection(approvalCollection).Query.Where("tenantId", "==", tenantID)
	if approver := strings.TrimSpace(filter.ApproverID); approver != "" {
		query = query.Where("approverId", "==", approver)
	}
	if len(filter.Status) > 0 {
		statuses := make([]any, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, strings.TrimSpace(s))
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		var decoded approvalPageToken
		if err := decodePageToken(token, &decoded); err != nil {
			return domain.CursorPage[domain.ApprovalRequest]{}, pfirestore.WrapError("approvals.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var requests []domain.ApprovalRequest
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.ApprovalRequest]{}, pfirestore.WrapError("approvals.list", err)
		}
		request, err := decodeApprovalSnapshot(snap)
		if err != nil {
			return domain.CursorPage[domain.ApprovalRequest]{}, err
		}
		requests = append(requests, request)
	}

	hasMore := len(requests) > pageSize
	if hasMore {
		requests = requests[:pageSize]
	}
	var nextToken string
	if hasMore && len(requests) > 0 {
		last := requests[len(requests)-1]
		encoded, err := encodePageToken(approvalPageToken{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.ApprovalRequest]{}, pfirestore.WrapError("approvals.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.ApprovalRequest]{Items: requests, NextPageToken: nextToken}, nil
}

// Document mapping ----------------------------------------------------------

type approvalDocument struct {
	TenantID    string     `firestore:"tenantId"`
	OrderID     string     `firestore:"orderId"`
	OrderNumber string     `firestore:"orderNumber"`
	RequesterID string     `firestore:"requesterId"`
	ApproverID  *string    `firestore:"approverId,omitempty"`
	Tier        string     `firestore:"tier"`
	Level       int        `firestore:"level"`
	Amount      string     `firestore:"amount"`
	Status      string     `firestore:"status"`
	Comments    *string    `firestore:"comments,omitempty"`
	ResolvedBy  *string    `firestore:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time `firestore:"resolvedAt,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

func fromDomainApproval(request domain.ApprovalRequest) approvalDocument {
	return approvalDocument{
		TenantID:    request.TenantID,
		OrderID:     request.OrderID,
		OrderNumber: request.OrderNumber,
		RequesterID: request.RequesterID,
		ApproverID:  request.ApproverID,
		Tier:        string(request.Tier),
		Level:       request.Level,
		Amount:      encodeMoney(request.Amount),
		Status:      string(request.Status),
		Comments:    request.Comments,
		ResolvedBy:  request.ResolvedBy,
		ResolvedAt:  request.ResolvedAt,
		CreatedAt:   request.CreatedAt.UTC(),
		UpdatedAt:   request.UpdatedAt.UTC(),
	}
}

func toDomainApproval(id string, doc approvalDocument) (domain.ApprovalRequest, error) {
	amount, err := decodeMoney("approval amount", doc.Amount)
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("approval request %s: %w", id, err)
	}
	return domain.ApprovalRequest{
		ID:          id,
		TenantID:    doc.TenantID,
		OrderID:     doc.OrderID,
		OrderNumber: doc.OrderNumber,
		RequesterID: doc.RequesterID,
		ApproverID:  doc.ApproverID,
		Tier:        domain.RoleTier(doc.Tier),
		Level:       doc.Level,
		Amount:      amount,
		Status:      domain.ApprovalStatus(doc.Status),
		Comments:    doc.Comments,
		ResolvedBy:  doc.ResolvedBy,
		ResolvedAt:  doc.ResolvedAt,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

func decodeApprovalSnapshot(snap *firestore.DocumentSnapshot) (domain.ApprovalRequest, error) {
	var doc approvalDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("decode approval request %s: %w", snap.Ref.ID, err)
	}
	return toDomainApproval(snap.Ref.ID, doc)
}

var _ repositories.ApprovalRequestRepository = (*ApprovalRequestRepository)(nil)
