package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/repositories"
)

var (
	// ErrApprovalInvalidInput signals the caller provided invalid data.
	ErrApprovalInvalidInput = errors.New("approval: invalid input")
	// ErrApprovalNotFound indicates the approval request could not be located.
	ErrApprovalNotFound = errors.New("approval: not found")
)

// ApprovalServiceDeps bundles collaborators required to construct the approval service.
type ApprovalServiceDeps struct {
	Approvals repositories.ApprovalRequestRepository
}

type approvalService struct {
	approvals repositories.ApprovalRequestRepository
}

// NewApprovalService wires dependencies into a concrete ApprovalService implementation.
func NewApprovalService(deps ApprovalServiceDeps) (ApprovalService, error) {
	if deps.Approvals == nil {
		return nil, errors.New("approval service: approval repository is required")
	}
	return &approvalService{approvals: deps.Approvals}, nil
}

func (s *approvalService) GetRequest(ctx context.Context, requestID string) (ApprovalRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ApprovalRequest{}, fmt.Errorf("%w: request id is required", ErrApprovalInvalidInput)
	}

	request, err := s.approvals.FindByID(ctx, requestID)
	if err != nil {
		return ApprovalRequest{}, mapApprovalRepositoryError(err)
	}
	return request, nil
}

func (s *approvalService) ListRequests(ctx context.Context, filter ApprovalListFilter) (domain.CursorPage[ApprovalRequest], error) {
	page, err := s.approvals.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[ApprovalRequest]{}, mapApprovalRepositoryError(err)
	}
	return page, nil
}

func mapApprovalRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrApprovalNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("approval: repository unavailable: %w", err)
		}
	}
	return err
}
