package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/idempotency"
	"github.com/robertarktes/ticket-purchase-saga/internal/ledger"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
	"github.com/robertarktes/ticket-purchase-saga/internal/saga"
)

type Handlers struct {
	saga   *saga.Saga
	ledger *ledger.Ledger
	idemp  *idempotency.Idempotency
	logger observability.Logger
	// ready pings the backing stores; nil means always ready.
	ready func(ctx context.Context) error
}

func NewHandlers(sg *saga.Saga, lg *ledger.Ledger, idemp *idempotency.Idempotency, logger observability.Logger, ready func(ctx context.Context) error) *Handlers {
	return &Handlers{saga: sg, ledger: lg, idemp: idemp, logger: logger, ready: ready}
}

// CreateOrder runs the fulfillment saga under an idempotency lease. Terminal
// outcomes, including payment declines, are cached under the key; transient
// failures free the key so the client may retry with the same one.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r.Context(), h.logger)
	key := r.Header.Get("Idempotency-Key")

	cached, lease, err := h.idemp.CheckOrInitiate(r.Context(), key)
	if err != nil {
		h.idempotencyError(w, r, err)
		return
	}
	if cached != nil {
		observability.IdempotencyHits.Inc()
		writeRaw(w, cached.Status, cached.Body)
		return
	}

	var req struct {
		UserID        string            `json:"user_id"`
		EventID       string            `json:"event_id"`
		Seats         []string          `json:"seats"`
		PaymentMethod string            `json:"payment_method"`
		MethodDetails map[string]string `json:"method_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.abort(r.Context(), lease, log)
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.abort(r.Context(), lease, log)
		writeError(w, r, http.StatusBadRequest, "invalid user_id")
		return
	}
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		h.abort(r.Context(), lease, log)
		writeError(w, r, http.StatusBadRequest, "invalid event_id")
		return
	}

	// The saga must reach a terminal decision even if the client goes away
	// mid-request.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.saga.CreateOrder(ctx, saga.CreateOrderInput{
		UserID:         userID,
		EventID:        eventID,
		SeatSelectors:  req.Seats,
		Method:         req.PaymentMethod,
		MethodDetails:  req.MethodDetails,
		CorrelationID:  CorrelationID(r.Context()),
		IdempotencyKey: key,
	})
	if err != nil {
		status := errStatus(err)
		body := errorBody(r, err)
		if errors.Is(err, domain.ErrPaymentDeclined) || errors.Is(err, domain.ErrAllocationFailedAfterCharge) {
			h.commit(ctx, lease, status, body, log)
		} else {
			h.abort(ctx, lease, log)
		}
		writeRaw(w, status, body)
		return
	}

	body, _ := json.Marshal(orderBody(result.Order))
	h.commit(ctx, lease, http.StatusCreated, body, log)
	writeRaw(w, http.StatusCreated, body)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid order id")
		return
	}
	order, err := h.saga.GetOrder(r.Context(), orderID)
	if err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	writeJSON(w, http.StatusOK, orderBody(*order))
}

func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.saga.ListOrders(r.Context(), 100)
	if err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	out := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderBody(o))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out})
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid order id")
		return
	}
	if err := h.saga.CancelOrder(r.Context(), orderID); err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": orderID.String(),
		"status":   domain.OrderCancelled,
	})
}

// Charge is the standalone payment entry point. The ledger also dedups by
// key in its own store, so the lease here only collapses concurrent
// duplicates before they reach it.
func (h *Handlers) Charge(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r.Context(), h.logger)
	key := r.Header.Get("Idempotency-Key")

	cached, lease, err := h.idemp.CheckOrInitiate(r.Context(), key)
	if err != nil {
		h.idempotencyError(w, r, err)
		return
	}
	if cached != nil {
		observability.IdempotencyHits.Inc()
		writeRaw(w, cached.Status, cached.Body)
		return
	}

	var req struct {
		OrderID       string            `json:"order_id"`
		UserID        string            `json:"user_id"`
		Amount        int64             `json:"amount"`
		Currency      string            `json:"currency"`
		PaymentMethod string            `json:"payment_method"`
		MethodDetails map[string]string `json:"method_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.abort(r.Context(), lease, log)
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	payment, err := h.ledger.ProcessCharge(ctx, ledger.ChargeRequest{
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Method:         req.PaymentMethod,
		MethodDetails:  req.MethodDetails,
		IdempotencyKey: key,
		CorrelationID:  CorrelationID(r.Context()),
	})
	if err != nil {
		status := errStatus(err)
		body := errorBody(r, err)
		if errors.Is(err, domain.ErrPaymentExpired) {
			// The original attempt can never settle; cache the refusal.
			h.commit(ctx, lease, status, body, log)
		} else {
			h.abort(ctx, lease, log)
		}
		writeRaw(w, status, body)
		return
	}

	// A FAILED payment is still a terminal answer for this key.
	body, _ := json.Marshal(paymentBody(payment))
	h.commit(ctx, lease, http.StatusCreated, body, log)
	writeRaw(w, http.StatusCreated, body)
}

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	payment, err := h.ledger.RefundPayment(r.Context(), ledger.RefundRequest{
		PaymentID: chi.URLParam(r, "id"),
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	writeJSON(w, http.StatusOK, paymentBody(payment))
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.ledger.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	writeJSON(w, http.StatusOK, paymentBody(payment))
}

func (h *Handlers) PaymentsByOrder(w http.ResponseWriter, r *http.Request) {
	payments, err := h.ledger.PaymentsByOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	out := make([]map[string]interface{}, 0, len(payments))
	for i := range payments {
		out = append(out, paymentBody(&payments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": out})
}

// UpdateStatus is the operator override for payments stuck by gateway or
// notification failures.
func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	payment, err := h.ledger.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Reason)
	if err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	writeJSON(w, http.StatusOK, paymentBody(payment))
}

// Webhook ingests asynchronous gateway outcomes. It always acknowledges
// events it cannot act on; the gateway should not keep redelivering them.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string `json:"event_type"`
		Data      struct {
			TransactionID string `json:"transaction_id"`
			FailureReason string `json:"failure_reason"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.ledger.HandleWebhook(r.Context(), req.EventType, req.Data.TransactionID, req.Data.FailureReason); err != nil {
		writeRaw(w, errStatus(err), errorBody(r, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (h *Handlers) idempotencyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIdempotencyKey):
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key must be a UUID")
	case errors.Is(err, domain.ErrInFlight):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusConflict, "request with this Idempotency-Key is in flight")
	default:
		writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handlers) commit(ctx context.Context, lease *idempotency.Lease, status int, body []byte, log observability.Logger) {
	if err := lease.Commit(ctx, idempotency.Response{Status: status, Body: body}); err != nil {
		log.Error("idempotency commit: ", err)
	}
}

func (h *Handlers) abort(ctx context.Context, lease *idempotency.Lease, log observability.Logger) {
	if err := lease.Abort(ctx); err != nil {
		log.Error("idempotency abort: ", err)
	}
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInventoryUnavailable),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNotRefundable),
		errors.Is(err, domain.ErrRefundExceedsBalance),
		errors.Is(err, domain.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(r *http.Request, err error) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"error":          err.Error(),
		"correlation_id": CorrelationID(r.Context()),
	})
	return body
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error":          msg,
		"correlation_id": CorrelationID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, _ := json.Marshal(v)
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func orderBody(o domain.Order) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]interface{}{
			"seat_id":    it.SeatID,
			"seat_label": it.SeatLabel,
			"price":      it.Price,
			"quantity":   it.Quantity,
		})
	}
	tickets := make([]map[string]interface{}, 0, len(o.Tickets))
	for _, t := range o.Tickets {
		tickets = append(tickets, map[string]interface{}{
			"id":      t.ID.String(),
			"ref":     t.Ref,
			"seat_id": t.SeatID,
			"price":   t.Price,
			"status":  t.Status,
		})
	}
	return map[string]interface{}{
		"id":                   o.ID.String(),
		"user_id":              o.UserID.String(),
		"event_id":             o.EventID.String(),
		"status":               o.Status,
		"subtotal":             o.Subtotal,
		"tax":                  o.Tax,
		"total":                o.Total,
		"currency":             o.Currency,
		"payment_id":           o.PaymentID,
		"needs_reconciliation": o.NeedsReconciliation,
		"created_at":           o.CreatedAt,
		"items":                items,
		"tickets":              tickets,
	}
}

func paymentBody(p *domain.Payment) map[string]interface{} {
	refunds := make([]map[string]interface{}, 0, len(p.Refunds))
	for _, rf := range p.Refunds {
		refunds = append(refunds, map[string]interface{}{
			"refund_id":         rf.RefundID,
			"amount":            rf.Amount,
			"reason":            rf.Reason,
			"status":            rf.Status,
			"gateway_refund_id": rf.GatewayRefundID,
			"created_at":        rf.CreatedAt,
		})
	}
	return map[string]interface{}{
		"payment_id":             p.PaymentID,
		"order_id":               p.OrderID,
		"user_id":                p.UserID,
		"amount":                 p.Amount,
		"currency":               p.Currency,
		"payment_method":         p.Method,
		"status":                 p.Status,
		"gateway_transaction_id": p.GatewayTransactionID,
		"failure_reason":         p.FailureReason,
		"total_refunded":         p.TotalRefunded(),
		"remaining_balance":      p.RemainingBalance(),
		"expired":                p.Expired(time.Now()),
		"refunds":                refunds,
		"processed_at":           p.ProcessedAt,
		"expires_at":             p.ExpiresAt,
		"created_at":             p.CreatedAt,
	}
}
