// Package ledger owns the Payment lifecycle and the refund sub-ledger.
package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/gateway"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
)

type Ledger struct {
	store    Store
	gateways gateway.Registry
	notifier Notifier
	logger   observability.Logger
	expiry   time.Duration
	timeout  time.Duration
}

func New(store Store, gateways gateway.Registry, notifier Notifier, logger observability.Logger, expiry, timeout time.Duration) *Ledger {
	return &Ledger{
		store:    store,
		gateways: gateways,
		notifier: notifier,
		logger:   logger,
		expiry:   expiry,
		timeout:  timeout,
	}
}

type ChargeRequest struct {
	OrderID        string
	UserID         string
	Amount         int64
	Currency       string
	Method         string
	MethodDetails  map[string]string
	IdempotencyKey string
	CorrelationID  string
}

// ProcessCharge creates a PENDING payment, runs the gateway for its method
// and records the outcome. A reused idempotency key returns the payment the
// first request created without touching the gateway again. The payment is
// never left PENDING because of a local failure; only a gateway that itself
// reports a pending state may do that.
func (l *Ledger) ProcessCharge(ctx context.Context, req ChargeRequest) (*domain.Payment, error) {
	if req.Amount <= 0 || req.Currency == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "amount and currency are required")
	}
	if !domain.ValidMethod(req.Method) {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unsupported method %q", req.Method)
	}

	if prior, err := l.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return l.dedup(prior)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	gw, err := l.gateways.For(req.Method)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payment := &domain.Payment{
		PaymentID:      domain.NewPaymentID(),
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Method:         req.Method,
		Status:         domain.PaymentPending,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		ExpiresAt:      now.Add(l.expiry),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.Insert(ctx, payment); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost a race on the idempotency key; the winner's row is the answer.
			prior, ferr := l.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			return l.dedup(prior)
		}
		return nil, err
	}

	result, gwErr := l.charge(ctx, gw, gateway.ChargeRequest{
		PaymentID:     payment.PaymentID,
		OrderID:       payment.OrderID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		MethodDetails: req.MethodDetails,
	})
	if gwErr != nil {
		if err := l.store.SetOutcome(ctx, payment.PaymentID, domain.PaymentFailed, "", gwErr.Error()); err != nil {
			l.logger.WithField("payment_id", payment.PaymentID).Error("record gateway failure: ", err)
		}
	} else {
		if err := l.store.SetOutcome(ctx, payment.PaymentID, result.Status, result.TransactionID, result.FailureReason); err != nil {
			l.logger.WithField("payment_id", payment.PaymentID).Error("record gateway outcome: ", err)
		}
	}

	final, err := l.store.FindByID(ctx, payment.PaymentID)
	if err != nil {
		return nil, err
	}
	observability.PaymentsTotal.WithLabelValues(final.Status, final.Method).Inc()

	if final.Status != domain.PaymentPending {
		l.notifyAsync(final.OrderID, final.PaymentID, final.Status)
	}
	return final, nil
}

// dedup resolves a charge request whose idempotency key already has a
// payment. An expired PENDING payment is unretryable on this path.
func (l *Ledger) dedup(prior *domain.Payment) (*domain.Payment, error) {
	if prior.Expired(time.Now().UTC()) {
		return prior, domain.ErrPaymentExpired
	}
	return prior, nil
}

// charge runs the adapter under a bounded timeout and converts panics into
// errors so a broken adapter can never leave the payment PENDING.
func (l *Ledger) charge(ctx context.Context, gw gateway.Gateway, req gateway.ChargeRequest) (result gateway.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("gateway panic: %v", r)
		}
	}()
	return gw.Charge(ctx, req)
}

type RefundRequest struct {
	PaymentID string
	// Amount defaults to the remaining unrefunded balance when zero.
	Amount int64
	Reason string
}

// RefundPayment appends a refund to a SUCCESS payment. The store's
// conditional append is the serialization point: concurrent refunds cannot
// jointly exceed the payment amount. A full SUCCESS total moves the payment
// to REFUNDED, which is terminal.
func (l *Ledger) RefundPayment(ctx context.Context, req RefundRequest) (*domain.Payment, error) {
	payment, err := l.store.FindByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentSuccess {
		return nil, errors.Wrapf(domain.ErrNotRefundable, "payment %s is %s", payment.PaymentID, payment.Status)
	}

	amount := req.Amount
	if amount == 0 {
		amount = payment.RemainingBalance()
	}
	if amount <= 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "refund amount must be positive")
	}
	if amount > payment.RemainingBalance() {
		return nil, errors.Wrapf(domain.ErrRefundExceedsBalance,
			"requested %d, remaining %d", amount, payment.RemainingBalance())
	}

	reason := req.Reason
	if reason == "" {
		reason = domain.RefundByCustomer
	}
	if !domain.ValidRefundReason(reason) {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown refund reason %q", reason)
	}

	gw, err := l.gateways.For(payment.Method)
	if err != nil {
		return nil, err
	}

	refund := domain.Refund{
		RefundID:  domain.NewRefundID(),
		Amount:    amount,
		Reason:    reason,
		Status:    domain.PaymentPending,
		CreatedAt: time.Now().UTC(),
	}
	// Reserve the balance before calling out; the conditional append is what
	// stops two concurrent refunds from both passing the check.
	if err := l.store.AppendRefund(ctx, payment.PaymentID, refund); err != nil {
		return nil, err
	}

	result, gwErr := l.refund(ctx, gw, payment.GatewayTransactionID, amount)
	status := domain.PaymentFailed
	gatewayRefundID := ""
	if gwErr != nil {
		l.logger.WithField("payment_id", payment.PaymentID).Error("gateway refund: ", gwErr)
	} else {
		status = result.Status
		gatewayRefundID = result.TransactionID
	}
	if err := l.store.SetRefundStatus(ctx, payment.PaymentID, refund.RefundID, status, gatewayRefundID); err != nil {
		return nil, err
	}
	observability.RefundsTotal.WithLabelValues(status, reason).Inc()

	if status == domain.PaymentSuccess {
		if err := l.store.MarkRefundedIfSettled(ctx, payment.PaymentID); err != nil {
			return nil, err
		}
	}
	return l.store.FindByID(ctx, payment.PaymentID)
}

func (l *Ledger) refund(ctx context.Context, gw gateway.Gateway, txnID string, amount int64) (result gateway.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("gateway panic: %v", r)
		}
	}()
	return gw.Refund(ctx, txnID, amount)
}

// UpdateStatus is the manual correction path used by operators and the
// bank-transfer confirmation flow. Terminal states stay terminal for
// gateway-driven transitions; this path is allowed to override them.
func (l *Ledger) UpdateStatus(ctx context.Context, paymentID, status, reason string) (*domain.Payment, error) {
	switch status {
	case domain.PaymentPending, domain.PaymentSuccess, domain.PaymentFailed,
		domain.PaymentRefunded, domain.PaymentCancelled:
	default:
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown status %q", status)
	}
	if err := l.store.SetStatus(ctx, paymentID, status, reason); err != nil {
		return nil, err
	}
	payment, err := l.store.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentPending {
		l.notifyAsync(payment.OrderID, payment.PaymentID, payment.Status)
	}
	return payment, nil
}

// HandleWebhook maps gateway-pushed events onto the same transitions as the
// synchronous path, keyed by gateway transaction id. Unknown event types and
// unknown transactions are logged and ignored.
func (l *Ledger) HandleWebhook(ctx context.Context, eventType, transactionID, failureReason string) error {
	var status string
	switch eventType {
	case "charge.succeeded":
		status = domain.PaymentSuccess
	case "charge.failed":
		status = domain.PaymentFailed
	default:
		l.logger.WithField("event_type", eventType).Info("ignoring unknown webhook event")
		return nil
	}

	payment, err := l.store.FindByGatewayTransactionID(ctx, transactionID)
	if errors.Is(err, domain.ErrNotFound) {
		l.logger.WithField("transaction_id", transactionID).Warn("webhook for unknown transaction")
		return nil
	}
	if err != nil {
		return err
	}
	if payment.Terminal() {
		// Gateway retries may replay a webhook for a settled payment.
		return nil
	}

	if err := l.store.SetOutcome(ctx, payment.PaymentID, status, transactionID, failureReason); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	observability.PaymentsTotal.WithLabelValues(status, payment.Method).Inc()
	l.notifyAsync(payment.OrderID, payment.PaymentID, status)
	return nil
}

func (l *Ledger) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return l.store.FindByID(ctx, paymentID)
}

func (l *Ledger) PaymentsByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return l.store.FindByOrder(ctx, orderID)
}

// notifyAsync fires the order notification on its own context so a slow or
// dead collaborator cannot fail or delay the triggering operation.
func (l *Ledger) notifyAsync(orderID, paymentID, status string) {
	if l.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := l.notifier.PaymentOutcome(ctx, orderID, paymentID, status); err != nil {
			observability.NotifyFailures.Inc()
			l.logger.WithField("order_id", orderID).Warn("payment outcome notification failed: ", err)
		}
	}()
}
