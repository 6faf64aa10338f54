package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/procureline/api/internal/domain"
	"github.com/procureline/api/internal/platform/auth"
	"github.com/procureline/api/internal/platform/httpx"
	"github.com/procureline/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
)

// OrderHandlers exposes order lifecycle endpoints for authenticated users.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(domain.TierRequester))
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:installments", h.recordInstallment)
	r.Patch("/{orderID}/items/{itemID}", h.updateLineItem)
	r.Delete("/{orderID}/items/{itemID}", h.removeLineItem)
}

type createOrderRequest struct {
	CostCenterID *string                  `json:"cost_center_id"`
	Currency     string                   `json:"currency"`
	PaymentType  string                   `json:"payment_type"`
	ShippingCost string                   `json:"shipping_cost"`
	Items        []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type transitionOrderRequest struct {
	Event        string `json:"event"`
	Reason       string `json:"reason"`
	TargetStatus string `json:"target_status"`
}

type recordInstallmentRequest struct {
	PaymentRef string `json:"payment_ref"`
}

type updateLineItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !h.decodeBody(ctx, w, r, &req, true) {
		return
	}

	shippingCost := decimal.Zero
	if raw := strings.TrimSpace(req.ShippingCost); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_cost must be a decimal amount", http.StatusBadRequest))
			return
		}
		shippingCost = parsed
	}

	paymentType := domain.PaymentTypeImmediate
	if raw := strings.ToLower(strings.TrimSpace(req.PaymentType)); raw != "" {
		switch domain.PaymentType(raw) {
		case domain.PaymentTypeImmediate, domain.PaymentTypeInstallment:
			paymentType = domain.PaymentType(raw)
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_type must be immediate or installment", http.StatusBadRequest))
			return
		}
	}

	items := make([]services.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	cmd := services.CreateOrderCommand{
		TenantID:     identity.TenantID,
		RequesterID:  identity.UID,
		CostCenterID: cloneStringPointer(req.CostCenterID),
		Currency:     strings.TrimSpace(req.Currency),
		Items:        items,
		PaymentType:  paymentType,
		ShippingCost: shippingCost,
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	statusFilters := parseFilterValues(query["status"])

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	// Requesters only see their own orders; operations staff and above may
	// browse the whole tenant and filter by requester.
	requesterID := identity.UID
	if identity.HoldsTier(domain.TierOperations) {
		requesterID = strings.TrimSpace(query.Get("requester_id"))
	}

	filter := services.OrderListFilter{
		TenantID:    identity.TenantID,
		RequesterID: requesterID,
		Status:      statusFilters,
		DateRange:   dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if !h.canViewOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionOrderRequest
	if !h.decodeBody(ctx, w, r, &req, true) {
		return
	}

	event := services.TransitionEvent(strings.ToLower(strings.TrimSpace(req.Event)))
	if event == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event is required", http.StatusBadRequest))
		return
	}

	cmd := services.TransitionCommand{
		OrderID:      orderID,
		Event:        event,
		ActorID:      identity.UID,
		Reason:       strings.TrimSpace(req.Reason),
		TargetStatus: domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.TargetStatus))),
	}

	order, err := h.orders.Transition(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) recordInstallment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req recordInstallmentRequest
	if !h.decodeBody(ctx, w, r, &req, false) {
		return
	}

	order, err := h.orders.RecordInstallmentPayment(ctx, services.RecordInstallmentCommand{
		OrderID:    orderID,
		ActorID:    identity.UID,
		PaymentRef: strings.TrimSpace(req.PaymentRef),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateLineItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if orderID == "" || itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id and item id are required", http.StatusBadRequest))
		return
	}

	var req updateLineItemRequest
	if !h.decodeBody(ctx, w, r, &req, true) {
		return
	}

	order, err := h.orders.UpdateLineItem(ctx, services.UpdateLineItemCommand{
		OrderID:  orderID,
		ItemID:   itemID,
		Quantity: req.Quantity,
		ActorID:  identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) removeLineItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if orderID == "" || itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id and item id are required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.RemoveLineItem(ctx, services.RemoveLineItemCommand{
		OrderID: orderID,
		ItemID:  itemID,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// decodeBody reads and unmarshals a JSON request body. When required is false
// an empty body decodes to the zero value.
func (h *OrderHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any, required bool) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody) && !required:
			return true
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *OrderHandlers) canViewOrder(identity *auth.Identity, order services.Order) bool {
	if !strings.EqualFold(strings.TrimSpace(order.TenantID), strings.TrimSpace(identity.TenantID)) {
		return false
	}
	if identity.HoldsTier(domain.TierOperations) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(order.RequesterID), strings.TrimSpace(identity.UID))
}

// Response payloads ----------------------------------------------------------

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	PaymentType string `json:"payment_type"`
	Currency    string `json:"currency"`
	GrandTotal  string `json:"grand_total"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID           string                    `json:"id"`
	OrderNumber  string                    `json:"order_number"`
	TenantID     string                    `json:"tenant_id"`
	RequesterID  string                    `json:"requester_id"`
	CostCenterID *string                   `json:"cost_center_id,omitempty"`
	Status       string                    `json:"status"`
	PaymentType  string                    `json:"payment_type"`
	Currency     string                    `json:"currency"`
	Items        []orderItemPayload        `json:"items"`
	Totals       orderTotalsPayload        `json:"totals"`
	Installments *installmentPlanPayload   `json:"installments,omitempty"`

	NeedsExecutiveReview bool    `json:"needs_executive_review,omitempty"`
	ExecutiveClearedBy   *string `json:"executive_cleared_by,omitempty"`
	ExecutiveClearedAt   string  `json:"executive_cleared_at,omitempty"`

	IsFinalized bool `json:"is_finalized,omitempty"`

	DeclineReason *string            `json:"decline_reason,omitempty"`
	ApprovedBy    *string            `json:"approved_by,omitempty"`
	ApprovedAt    string             `json:"approved_at,omitempty"`
	DeliveredAt   string             `json:"delivered_at,omitempty"`
	ClosedAt      string             `json:"closed_at,omitempty"`
	CancelledAt   string             `json:"cancelled_at,omitempty"`
	ReturnedAt    string             `json:"returned_at,omitempty"`
	Audit         *orderAuditPayload `json:"audit,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at,omitempty"`
}

type orderItemPayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

type orderTotalsPayload struct {
	Subtotal   string `json:"subtotal"`
	Tax        string `json:"tax"`
	Shipping   string `json:"shipping"`
	GrandTotal string `json:"grand_total"`
}

type installmentPlanPayload struct {
	Count         int    `json:"count"`
	Amount        string `json:"amount"`
	FinalAmount   string `json:"final_amount"`
	Received      int    `json:"received"`
	DueDayOfMonth int    `json:"due_day_of_month"`
	FirstDueDate  string `json:"first_due_date"`
	LastDueDate   string `json:"last_due_date"`
}

type orderAuditPayload struct {
	CreatedBy *string `json:"created_by,omitempty"`
	UpdatedBy *string `json:"updated_by,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      strings.TrimSpace(string(order.Status)),
		PaymentType: strings.TrimSpace(string(order.PaymentType)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		GrandTotal:  order.Totals.GrandTotal.StringFixed(2),
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:           strings.TrimSpace(order.ID),
		OrderNumber:  strings.TrimSpace(order.OrderNumber),
		TenantID:     strings.TrimSpace(order.TenantID),
		RequesterID:  strings.TrimSpace(order.RequesterID),
		CostCenterID: cloneStringPointer(order.CostCenterID),
		Status:       strings.TrimSpace(string(order.Status)),
		PaymentType:  strings.TrimSpace(string(order.PaymentType)),
		Currency:     strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:        make([]orderItemPayload, 0, len(order.Items)),
		Totals: orderTotalsPayload{
			Subtotal:   order.Totals.Subtotal.StringFixed(2),
			Tax:        order.Totals.Tax.StringFixed(2),
			Shipping:   order.Totals.Shipping.StringFixed(2),
			GrandTotal: order.Totals.GrandTotal.StringFixed(2),
		},
		NeedsExecutiveReview: order.NeedsExecutiveReview,
		ExecutiveClearedBy:   cloneStringPointer(order.ExecutiveClearedBy),
		ExecutiveClearedAt:   formatTime(pointerTime(order.ExecutiveClearedAt)),
		IsFinalized:          order.IsFinalized,
		DeclineReason:        cloneStringPointer(order.DeclineReason),
		ApprovedBy:           cloneStringPointer(order.ApprovedBy),
		ApprovedAt:           formatTime(pointerTime(order.ApprovedAt)),
		DeliveredAt:          formatTime(pointerTime(order.DeliveredAt)),
		ClosedAt:             formatTime(pointerTime(order.ClosedAt)),
		CancelledAt:          formatTime(pointerTime(order.CancelledAt)),
		ReturnedAt:           formatTime(pointerTime(order.ReturnedAt)),
		CreatedAt:            formatTime(order.CreatedAt),
		UpdatedAt:            formatTime(order.UpdatedAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:        strings.TrimSpace(item.ID),
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			Subtotal:  item.Subtotal.StringFixed(2),
		})
	}

	if order.Installments != nil {
		payload.Installments = &installmentPlanPayload{
			Count:         order.Installments.Count,
			Amount:        order.Installments.Amount.StringFixed(2),
			FinalAmount:   order.Installments.FinalAmount.StringFixed(2),
			Received:      order.Installments.Received,
			DueDayOfMonth: order.Installments.DueDayOfMonth,
			FirstDueDate:  formatTime(order.Installments.FirstDueDate),
			LastDueDate:   formatTime(order.Installments.LastDueDate),
		}
	}

	if order.Audit.CreatedBy != nil || order.Audit.UpdatedBy != nil {
		payload.Audit = &orderAuditPayload{
			CreatedBy: cloneStringPointer(order.Audit.CreatedBy),
			UpdatedBy: cloneStringPointer(order.Audit.UpdatedBy),
		}
	}

	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidPaymentPlan):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment_plan", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "actor is not allowed to perform this action", http.StatusForbidden))
	case errors.Is(err, services.ErrIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderFinalized):
		httpx.WriteError(ctx, w, httpx.NewError("order_finalized", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrNotInstallmentOrder):
		httpx.WriteError(ctx, w, httpx.NewError("not_installment_order", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrWrongState):
		httpx.WriteError(ctx, w, httpx.NewError("wrong_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAllInstallmentsReceived):
		httpx.WriteError(ctx, w, httpx.NewError("installments_complete", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNumberExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("order_number_exhausted", "could not allocate an order number", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
