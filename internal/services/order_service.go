package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/repositories"
)

const (
	orderIDPrefix    = "ord_"
	lineItemIDPrefix = "itm_"
	approvalIDPrefix = "apr_"

	notifyApprovalRequested   = "order.approval_requested"
	notifyOrderApproved       = "order.approved"
	notifyOrderDeclined       = "order.declined"
	notifyOrderDelivered      = "order.delivered"
	notifyInstallmentReceived = "order.installment_received"

	orderNumberAttempts = 2
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrIllegalTransition indicates the requested event is not valid from the current state.
	ErrIllegalTransition = errors.New("order: illegal transition")
	// ErrForbidden indicates the actor lacks the role or ownership the transition requires.
	ErrForbidden = errors.New("order: forbidden")
	// ErrOrderFinalized indicates line items are immutable for this order.
	ErrOrderFinalized = errors.New("order: finalized")
	// ErrInvalidPaymentPlan indicates the installment schedule cannot be constructed.
	ErrInvalidPaymentPlan = errors.New("order: invalid payment plan")
	// ErrNotInstallmentOrder indicates the order does not carry an installment plan.
	ErrNotInstallmentOrder = errors.New("order: not an installment order")
	// ErrWrongState indicates installment payments are not accepted in the current state.
	ErrWrongState = errors.New("order: wrong state for installment payment")
	// ErrAllInstallmentsReceived indicates the schedule is already fully paid.
	ErrAllInstallmentsReceived = errors.New("order: all installments received")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderNumberExhausted indicates both order-number candidates collided.
	ErrOrderNumberExhausted = errors.New("order: could not allocate a unique order number")
)

var knownOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:        {},
	domain.OrderStatusApproved:       {},
	domain.OrderStatusAcknowledged:   {},
	domain.OrderStatusInProcess:      {},
	domain.OrderStatusFinalizing:     {},
	domain.OrderStatusOutForDelivery: {},
	domain.OrderStatusDelivered:      {},
	domain.OrderStatusClosed:         {},
	domain.OrderStatusDeclined:       {},
	domain.OrderStatusCancelled:      {},
	domain.OrderStatusReturned:       {},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Approvals     repositories.ApprovalRequestRepository
	Products      repositories.ProductRepository
	Users         repositories.UserRepository
	Ledger        LedgerService
	Router        ApprovalRouter
	Verifier      InstallmentPaymentVerifier
	UnitOfWork    repositories.UnitOfWork
	Notifications NotificationPublisher
	TaxRate       decimal.Decimal
	Installments  InstallmentConfig
	Clock         func() time.Time
	IDGenerator   func() string
	Entropy       io.Reader
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	approvals     repositories.ApprovalRequestRepository
	products      repositories.ProductRepository
	users         repositories.UserRepository
	ledger        LedgerService
	router        ApprovalRouter
	verifier      InstallmentPaymentVerifier
	unitOfWork    repositories.UnitOfWork
	notifications NotificationPublisher
	taxRate       decimal.Decimal
	installments  InstallmentConfig
	clock         func() time.Time
	newID         func() string
	entropy       io.Reader
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Approvals == nil {
		return nil, errors.New("order service: approval repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("order service: user repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: ledger service is required")
	}
	if deps.Router == nil {
		return nil, errors.New("order service: approval router is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	taxRate := deps.TaxRate
	if taxRate.Sign() <= 0 {
		taxRate = decimal.RequireFromString("0.15")
	}

	installments := deps.Installments
	if installments.PeriodEndMonth == 0 {
		installments.PeriodEndMonth = time.November
	}
	if installments.DueDayOfMonth == 0 {
		installments.DueDayOfMonth = 10
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

	return &orderService{
		orders:        deps.Orders,
		approvals:     deps.Approvals,
		products:      deps.Products,
		users:         deps.Users,
		ledger:        deps.Ledger,
		router:        deps.Router,
		verifier:      deps.Verifier,
		unitOfWork:    unit,
		notifications: deps.Notifications,
		taxRate:       taxRate,
		installments:  installments,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		entropy: deps.Entropy,
		logger:  logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	tenantID := strings.TrimSpace(cmd.TenantID)
	if tenantID == "" {
		return Order{}, fmt.Errorf("%w: tenant id is required", ErrOrderInvalidInput)
	}
	requesterID := strings.TrimSpace(cmd.RequesterID)
	if requesterID == "" {
		return Order{}, fmt.Errorf("%w: requester id is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one line item", ErrOrderInvalidInput)
	}
	if cmd.PaymentType != domain.PaymentTypeImmediate && cmd.PaymentType != domain.PaymentTypeInstallment {
		return Order{}, fmt.Errorf("%w: unknown payment type %q", ErrOrderInvalidInput, cmd.PaymentType)
	}
	if cmd.ShippingCost.Sign() < 0 {
		return Order{}, fmt.Errorf("%w: shipping cost cannot be negative", ErrOrderInvalidInput)
	}

	now := s.now()

	lines, err := s.priceLineItems(ctx, tenantID, cmd.Items)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:           orderIDPrefix + s.newID(),
		TenantID:     tenantID,
		RequesterID:  requesterID,
		CostCenterID: cloneStringPtr(cmd.CostCenterID),
		Status:       domain.OrderStatusPending,
		PaymentType:  cmd.PaymentType,
		Currency:     currency,
		Items:        lines,
		Totals:       computeOrderTotals(lines, cmd.ShippingCost, s.taxRate),
		CreatedAt:    now,
		UpdatedAt:    now,
		Audit: OrderAudit{
			CreatedBy: valuePtr(requesterID),
			UpdatedBy: valuePtr(requesterID),
		},
	}

	if order.PaymentType == domain.PaymentTypeInstallment {
		plan, planErr := BuildInstallmentPlan(order.Totals.GrandTotal, now, s.installments)
		if planErr != nil {
			return Order{}, planErr
		}
		order.Installments = &plan
	}

	number, err := s.allocateOrderNumber(ctx, tenantID, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	// Installment orders clear financially through received payments, never
	// through the approval router.
	decision := RoutingDecision{}
	if order.PaymentType == domain.PaymentTypeImmediate {
		decision, err = s.router.Route(ctx, order)
		if err != nil {
			return Order{}, err
		}
	}

	var request *domain.ApprovalRequest

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if decision.AutoApproved {
			order.Status = domain.OrderStatusApproved
			order.ApprovedAt = &now
			order.LedgerCommitted = true
			// The ledger commit reads the allocation; transactional reads
			// must precede any write, so it runs before the order insert.
			if err := s.ledger.Commit(txCtx, LedgerCommitCommand{
				TenantID:     order.TenantID,
				CostCenterID: order.CostCenterID,
				Period:       FiscalPeriod(now),
				Amount:       order.Totals.GrandTotal,
			}); err != nil {
				return err
			}
			if err := s.reserveOrderNumber(txCtx, order); err != nil {
				return err
			}
			return s.mapRepositoryError(s.orders.Insert(txCtx, order))
		}

		if err := s.reserveOrderNumber(txCtx, order); err != nil {
			return err
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}

		if order.PaymentType == domain.PaymentTypeImmediate {
			req := domain.ApprovalRequest{
				ID:          approvalIDPrefix + s.newID(),
				TenantID:    order.TenantID,
				OrderID:     order.ID,
				OrderNumber: order.OrderNumber,
				RequesterID: order.RequesterID,
				Tier:        decision.Tier,
				Level:       decision.Level,
				Amount:      order.Totals.GrandTotal,
				Status:      domain.ApprovalStatusPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if decision.Approver != nil {
				req.ApproverID = valuePtr(decision.Approver.ID)
			}
			if err := s.approvals.Insert(txCtx, req); err != nil {
				return s.mapRepositoryError(err)
			}
			request = &req
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"order":  order.ID,
		"number": order.OrderNumber,
		"status": string(order.Status),
		"total":  order.Totals.GrandTotal.String(),
	})

	if request != nil && request.ApproverID != nil {
		s.publishNotification(ctx, Notification{
			RecipientID: *request.ApproverID,
			Template:    notifyApprovalRequested,
			TenantID:    order.TenantID,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			OccurredAt:  now,
			Context: map[string]any{
				"amount": order.Totals.GrandTotal.String(),
				"tier":   string(request.Tier),
			},
		})
	}

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) Transition(ctx context.Context, cmd TransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return Order{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}

	actor, err := s.users.FindByID(ctx, actorID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, fmt.Errorf("%w: unknown actor %q", ErrForbidden, actorID)
		}
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	var (
		order         Order
		notifications []Notification
	)

	// The order is read and the guard evaluated inside the transaction, so two
	// racing actors serialise and the loser observes the new state.
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		notifications = notifications[:0]

		loaded, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = loaded

		if order.TenantID != actor.TenantID {
			return fmt.Errorf("%w: actor does not belong to order tenant", ErrForbidden)
		}

		notes, err := s.applyTransition(txCtx, &order, cmd, actor, now)
		if err != nil {
			return err
		}
		notifications = append(notifications, notes...)

		order.UpdatedAt = now
		order.Audit.UpdatedBy = valuePtr(actor.ID)

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.transition", map[string]any{
		"order":  order.ID,
		"event":  string(cmd.Event),
		"status": string(order.Status),
		"actor":  actor.ID,
	})
	for _, n := range notifications {
		s.publishNotification(ctx, n)
	}

	return order, nil
}

func (s *orderService) applyTransition(txCtx context.Context, order *Order, cmd TransitionCommand, actor UserProfile, now time.Time) ([]Notification, error) {
	switch cmd.Event {
	case EventApprove:
		return s.applyApprove(txCtx, order, actor, now)
	case EventDecline:
		return s.applyDecline(txCtx, order, actor, strings.TrimSpace(cmd.Reason), now)
	case EventCancel:
		return s.applyCancel(txCtx, order, actor, strings.TrimSpace(cmd.Reason), now)
	case EventAcknowledge:
		if order.Status != domain.OrderStatusApproved {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		if !actor.HoldsTier(domain.TierOperations) {
			return nil, fmt.Errorf("%w: acknowledge requires the operations tier", ErrForbidden)
		}
		order.Status = domain.OrderStatusAcknowledged
		return nil, nil
	case EventStartProcessing:
		if order.Status != domain.OrderStatusAcknowledged {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		if !actor.HoldsTier(domain.TierOperations) {
			return nil, fmt.Errorf("%w: start_processing requires the operations tier", ErrForbidden)
		}
		order.Status = domain.OrderStatusInProcess
		if s.router.NeedsExecutiveReview(order.Totals.GrandTotal) {
			order.NeedsExecutiveReview = true
		}
		return nil, nil
	case EventExecutiveApprove:
		if order.Status != domain.OrderStatusInProcess || !order.NeedsExecutiveReview {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		if !actor.HoldsTier(domain.TierExecutive) {
			return nil, fmt.Errorf("%w: executive_approve requires the executive tier", ErrForbidden)
		}
		order.NeedsExecutiveReview = false
		order.ExecutiveClearedBy = valuePtr(actor.ID)
		order.ExecutiveClearedAt = &now
		return nil, nil
	case EventVerifyPayment:
		if order.Status != domain.OrderStatusInProcess {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		if order.NeedsExecutiveReview {
			return nil, fmt.Errorf("%w: order is held for executive review", ErrIllegalTransition)
		}
		order.Status = domain.OrderStatusFinalizing
		return nil, nil
	case EventDispatch:
		if order.Status != domain.OrderStatusFinalizing {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		order.Status = domain.OrderStatusOutForDelivery
		return nil, nil
	case EventDeliver:
		if order.Status != domain.OrderStatusOutForDelivery {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		order.Status = domain.OrderStatusDelivered
		order.DeliveredAt = &now
		order.IsFinalized = true
		return []Notification{{
			RecipientID: order.RequesterID,
			Template:    notifyOrderDelivered,
			TenantID:    order.TenantID,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			OccurredAt:  now,
		}}, nil
	case EventClose:
		if order.Status != domain.OrderStatusDelivered {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		order.Status = domain.OrderStatusClosed
		order.IsFinalized = true
		order.ClosedAt = &now
		return nil, nil
	case EventReturn:
		if order.Status != domain.OrderStatusPending {
			return nil, illegalTransition(order.Status, cmd.Event)
		}
		if !actor.HoldsTier(domain.TierOperations) {
			return nil, fmt.Errorf("%w: return requires the operations tier", ErrForbidden)
		}
		order.Status = domain.OrderStatusReturned
		order.ReturnedAt = &now
		return nil, s.resolveActiveRequest(txCtx, order.ID, domain.ApprovalStatusRejected, actor.ID, "order returned", now)
	case EventAdminOverride:
		return s.applyAdminOverride(txCtx, order, cmd.TargetStatus, actor, now)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrOrderInvalidInput, cmd.Event)
	}
}

func (s *orderService) applyApprove(txCtx context.Context, order *Order, actor UserProfile, now time.Time) ([]Notification, error) {
	if order.Status != domain.OrderStatusPending {
		return nil, illegalTransition(order.Status, EventApprove)
	}

	request, found, err := s.findActiveRequest(txCtx, order.ID)
	if err != nil {
		return nil, err
	}

	isResolvedApprover := found && request.ApproverID != nil && *request.ApproverID == actor.ID
	if !isResolvedApprover && !actor.HoldsTier(domain.TierAdmin) {
		return nil, fmt.Errorf("%w: actor is not the resolved approver", ErrForbidden)
	}

	order.Status = domain.OrderStatusApproved
	order.ApprovedBy = valuePtr(actor.ID)
	order.ApprovedAt = &now

	if err := s.commitLedger(txCtx, order, now); err != nil {
		return nil, err
	}

	if found {
		request.Status = domain.ApprovalStatusApproved
		request.ResolvedBy = valuePtr(actor.ID)
		request.ResolvedAt = &now
		request.UpdatedAt = now
		if err := s.approvals.Update(txCtx, request); err != nil {
			return nil, s.mapRepositoryError(err)
		}
	}

	return []Notification{{
		RecipientID: order.RequesterID,
		Template:    notifyOrderApproved,
		TenantID:    order.TenantID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		OccurredAt:  now,
		Context:     map[string]any{"approver": actor.ID},
	}}, nil
}

func (s *orderService) applyDecline(txCtx context.Context, order *Order, actor UserProfile, reason string, now time.Time) ([]Notification, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: decline reason is required", ErrOrderInvalidInput)
	}

	switch order.Status {
	case domain.OrderStatusPending:
		request, found, err := s.findActiveRequest(txCtx, order.ID)
		if err != nil {
			return nil, err
		}
		isResolvedApprover := found && request.ApproverID != nil && *request.ApproverID == actor.ID
		if !isResolvedApprover && !actor.HoldsTier(domain.TierAdmin) {
			return nil, fmt.Errorf("%w: actor is not the resolved approver", ErrForbidden)
		}
		if found {
			request.Status = domain.ApprovalStatusRejected
			request.ResolvedBy = valuePtr(actor.ID)
			request.ResolvedAt = &now
			request.Comments = valuePtr(reason)
			request.UpdatedAt = now
			if err := s.approvals.Update(txCtx, request); err != nil {
				return nil, s.mapRepositoryError(err)
			}
		}
	case domain.OrderStatusInProcess:
		// The executive checkpoint may decline a held order outright.
		if !order.NeedsExecutiveReview {
			return nil, illegalTransition(order.Status, EventDecline)
		}
		if !actor.HoldsTier(domain.TierExecutive) {
			return nil, fmt.Errorf("%w: declining a held order requires the executive tier", ErrForbidden)
		}
	default:
		return nil, illegalTransition(order.Status, EventDecline)
	}

	order.Status = domain.OrderStatusDeclined
	order.DeclineReason = valuePtr(reason)

	return []Notification{{
		RecipientID: order.RequesterID,
		Template:    notifyOrderDeclined,
		TenantID:    order.TenantID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		OccurredAt:  now,
		Context:     map[string]any{"reason": reason},
	}}, nil
}

func (s *orderService) applyCancel(txCtx context.Context, order *Order, actor UserProfile, reason string, now time.Time) ([]Notification, error) {
	if order.Status != domain.OrderStatusPending {
		return nil, illegalTransition(order.Status, EventCancel)
	}
	if actor.ID != order.RequesterID && !actor.HoldsTier(domain.TierAdmin) {
		return nil, fmt.Errorf("%w: cancel requires the requester or the admin tier", ErrForbidden)
	}

	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now

	comment := "order cancelled"
	if reason != "" {
		comment = reason
	}
	return nil, s.resolveActiveRequest(txCtx, order.ID, domain.ApprovalStatusRejected, actor.ID, comment, now)
}

func (s *orderService) applyAdminOverride(txCtx context.Context, order *Order, target domain.OrderStatus, actor UserProfile, now time.Time) ([]Notification, error) {
	if !actor.HoldsTier(domain.TierAdmin) {
		return nil, fmt.Errorf("%w: admin_override requires the admin tier", ErrForbidden)
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot override terminal status %q", ErrIllegalTransition, order.Status)
	}
	if _, ok := knownOrderStatuses[target]; !ok {
		return nil, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, target)
	}
	if target == order.Status {
		return nil, fmt.Errorf("%w: order already in status %q", ErrIllegalTransition, target)
	}

	order.Status = target
	switch target {
	case domain.OrderStatusApproved:
		order.ApprovedBy = valuePtr(actor.ID)
		order.ApprovedAt = &now
		// The ledger commit still fires at most once per order.
		if err := s.commitLedger(txCtx, order, now); err != nil {
			return nil, err
		}
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
		order.IsFinalized = true
	case domain.OrderStatusClosed:
		order.IsFinalized = true
		order.ClosedAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	case domain.OrderStatusReturned:
		order.ReturnedAt = &now
	}
	return nil, nil
}

func (s *orderService) UpdateLineItem(ctx context.Context, cmd UpdateLineItemCommand) (Order, error) {
	if cmd.Quantity <= 0 {
		return Order{}, fmt.Errorf("%w: quantity must be positive", ErrOrderInvalidInput)
	}
	return s.mutateLineItems(ctx, cmd.OrderID, cmd.ActorID, func(order *Order) error {
		item := findLineItem(order.Items, cmd.ItemID)
		if item == nil {
			return fmt.Errorf("%w: line item %q not found", ErrOrderInvalidInput, cmd.ItemID)
		}
		item.Quantity = cmd.Quantity
		item.Subtotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(cmd.Quantity)))
		return nil
	})
}

func (s *orderService) RemoveLineItem(ctx context.Context, cmd RemoveLineItemCommand) (Order, error) {
	return s.mutateLineItems(ctx, cmd.OrderID, cmd.ActorID, func(order *Order) error {
		if len(order.Items) == 1 {
			return fmt.Errorf("%w: order must retain at least one line item", ErrOrderInvalidInput)
		}
		itemID := strings.TrimSpace(cmd.ItemID)
		kept := order.Items[:0]
		removed := false
		for _, item := range order.Items {
			if item.ID == itemID {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		if !removed {
			return fmt.Errorf("%w: line item %q not found", ErrOrderInvalidInput, cmd.ItemID)
		}
		order.Items = kept
		return nil
	})
}

func (s *orderService) mutateLineItems(ctx context.Context, orderID, actorID string, mutate func(*Order) error) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	var order Order

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		loaded, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = loaded

		if order.IsFinalized || order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: line items are immutable in status %q", ErrOrderFinalized, order.Status)
		}

		if err := mutate(&order); err != nil {
			return err
		}

		shipping := order.Totals.Shipping
		order.Totals = computeOrderTotals(order.Items, shipping, s.taxRate)
		if order.Installments != nil {
			reviseInstallmentAmounts(order.Installments, order.Totals.GrandTotal)
		}

		order.UpdatedAt = now
		if actor := strings.TrimSpace(actorID); actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) RecordInstallmentPayment(ctx context.Context, cmd RecordInstallmentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return Order{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}

	// Verification happens against a pre-transaction snapshot; the transaction
	// re-reads and re-checks the schedule before counting the payment.
	if ref := strings.TrimSpace(cmd.PaymentRef); ref != "" && s.verifier != nil {
		snapshot, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		if snapshot.Installments == nil {
			return Order{}, fmt.Errorf("%w: order %s", ErrNotInstallmentOrder, orderID)
		}
		amount := snapshot.Installments.Amount
		if snapshot.Installments.Received == snapshot.Installments.Count-1 {
			amount = snapshot.Installments.FinalAmount
		}
		if err := s.verifier.VerifyPayment(ctx, ref, amount, snapshot.Currency); err != nil {
			return Order{}, fmt.Errorf("%w: payment %s not verified: %v", ErrOrderInvalidInput, ref, err)
		}
	}

	now := s.now()
	var (
		order     Order
		completed bool
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		completed = false

		loaded, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = loaded

		if order.PaymentType != domain.PaymentTypeInstallment || order.Installments == nil {
			return fmt.Errorf("%w: order %s", ErrNotInstallmentOrder, orderID)
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: status is %q", ErrWrongState, order.Status)
		}
		if order.Installments.Received >= order.Installments.Count {
			return fmt.Errorf("%w: %d of %d", ErrAllInstallmentsReceived, order.Installments.Received, order.Installments.Count)
		}

		order.Installments.Received++
		if order.Installments.Received == order.Installments.Count {
			order.Status = domain.OrderStatusApproved
			order.ApprovedBy = valuePtr(actorID)
			order.ApprovedAt = &now
			if err := s.commitLedger(txCtx, &order, now); err != nil {
				return err
			}
			completed = true
		}

		order.UpdatedAt = now
		order.Audit.UpdatedBy = valuePtr(actorID)

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.installment.recorded", map[string]any{
		"order":    order.ID,
		"received": order.Installments.Received,
		"count":    order.Installments.Count,
	})
	if completed {
		s.publishNotification(ctx, Notification{
			RecipientID: order.RequesterID,
			Template:    notifyOrderApproved,
			TenantID:    order.TenantID,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			OccurredAt:  now,
		})
	} else {
		s.publishNotification(ctx, Notification{
			RecipientID: order.RequesterID,
			Template:    notifyInstallmentReceived,
			TenantID:    order.TenantID,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			OccurredAt:  now,
			Context: map[string]any{
				"received": order.Installments.Received,
				"count":    order.Installments.Count,
			},
		})
	}

	return order, nil
}

// commitLedger performs the exactly-once budget commit for an order within the
// enclosing transaction.
func (s *orderService) commitLedger(txCtx context.Context, order *Order, now time.Time) error {
	if order.LedgerCommitted {
		return nil
	}
	if err := s.ledger.Commit(txCtx, LedgerCommitCommand{
		TenantID:     order.TenantID,
		CostCenterID: order.CostCenterID,
		Period:       FiscalPeriod(order.CreatedAt),
		Amount:       order.Totals.GrandTotal,
	}); err != nil {
		return err
	}
	order.LedgerCommitted = true
	return nil
}

func (s *orderService) findActiveRequest(txCtx context.Context, orderID string) (domain.ApprovalRequest, bool, error) {
	request, err := s.approvals.FindActiveByOrder(txCtx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.ApprovalRequest{}, false, nil
		}
		return domain.ApprovalRequest{}, false, s.mapRepositoryError(err)
	}
	return request, true, nil
}

func (s *orderService) resolveActiveRequest(txCtx context.Context, orderID string, status domain.ApprovalStatus, actorID, comment string, now time.Time) error {
	request, found, err := s.findActiveRequest(txCtx, orderID)
	if err != nil || !found {
		return err
	}
	request.Status = status
	request.ResolvedBy = valuePtr(actorID)
	request.ResolvedAt = &now
	request.Comments = valuePtr(comment)
	request.UpdatedAt = now
	if err := s.approvals.Update(txCtx, request); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) priceLineItems(ctx context.Context, tenantID string, items []CreateOrderItem) ([]OrderLineItem, error) {
	lines := make([]OrderLineItem, 0, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for product %q must be positive", ErrOrderInvalidInput, productID)
		}

		product, err := s.products.FindByID(ctx, tenantID, productID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil, fmt.Errorf("%w: unknown product %q", ErrOrderInvalidInput, productID)
			}
			return nil, s.mapRepositoryError(err)
		}
		if !product.IsAvailable {
			return nil, fmt.Errorf("%w: product %q is unavailable", ErrOrderInvalidInput, productID)
		}

		qty := decimal.NewFromInt(int64(item.Quantity))
		lines = append(lines, OrderLineItem{
			ID:        lineItemIDPrefix + s.newID(),
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			UnitPrice: product.UnitPrice,
			Subtotal:  product.UnitPrice.Mul(qty),
		})
	}
	return lines, nil
}

// reserveOrderNumber claims the order number inside the enclosing transaction.
// The pre-insert lookup in allocateOrderNumber is only a fast path; two
// concurrent creates can both pass it, so the reservation write is what
// actually enforces uniqueness.
func (s *orderService) reserveOrderNumber(txCtx context.Context, order Order) error {
	err := s.orders.ReserveNumber(txCtx, order.OrderNumber, order.ID)
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return fmt.Errorf("%w: order number %s already taken", ErrOrderConflict, order.OrderNumber)
	}
	return s.mapRepositoryError(err)
}

// allocateOrderNumber generates a candidate number and retries exactly once on
// collision before failing loudly.
func (s *orderService) allocateOrderNumber(ctx context.Context, tenantID string, now time.Time) (string, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		candidate, err := newOrderNumber(now, s.entropy)
		if err != nil {
			return "", err
		}

		_, err = s.orders.FindByOrderNumber(ctx, tenantID, candidate)
		if err == nil {
			s.logger(ctx, "order.number.collision", map[string]any{
				"tenant":  tenantID,
				"number":  candidate,
				"attempt": attempt + 1,
			})
			continue
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return candidate, nil
		}
		return "", s.mapRepositoryError(err)
	}
	return "", ErrOrderNumberExhausted
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishNotification(ctx context.Context, n Notification) {
	if s.notifications == nil {
		return
	}
	if err := s.notifications.PublishNotification(ctx, n); err != nil {
		s.logger(ctx, "order.notification.publish.failed", map[string]any{
			"template":  n.Template,
			"order":     n.OrderID,
			"recipient": n.RecipientID,
			"error":     err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func illegalTransition(current domain.OrderStatus, event TransitionEvent) error {
	return fmt.Errorf("%w: %s not allowed from %s", ErrIllegalTransition, event, current)
}

func computeOrderTotals(items []OrderLineItem, shipping decimal.Decimal, taxRate decimal.Decimal) OrderTotals {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Subtotal)
	}
	tax := domain.RoundCents(subtotal.Mul(taxRate))
	return OrderTotals{
		Subtotal:   subtotal,
		Tax:        tax,
		Shipping:   shipping,
		GrandTotal: subtotal.Add(tax).Add(shipping),
	}
}

func findLineItem(items []OrderLineItem, itemID string) *OrderLineItem {
	itemID = strings.TrimSpace(itemID)
	for i := range items {
		if items[i].ID == itemID {
			return &items[i]
		}
	}
	return nil
}

func cloneStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	ref := *value
	return &ref
}

func valuePtr[T any](v T) *T {
	return &v
}
