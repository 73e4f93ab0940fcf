package gateway

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
)

// CardGateway charges the card network through Stripe payment intents.
type CardGateway struct{}

func NewCardGateway(secretKey string) (*CardGateway, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	stripe.Key = secretKey
	return &CardGateway{}, nil
}

func (g *CardGateway) Name() string { return "stripe" }

func (g *CardGateway) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			"payment_id": req.PaymentID,
			"order_id":   req.OrderID,
		},
	}
	if pm := req.MethodDetails["payment_method_id"]; pm != "" {
		params.PaymentMethod = stripe.String(pm)
		params.Confirm = stripe.Bool(true)
		params.AutomaticPaymentMethods = nil
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		// Declines come back as errors from the SDK; normalize them instead
		// of surfacing a transport failure.
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return Result{Status: domain.PaymentFailed, FailureReason: stripeErr.Msg}, nil
		}
		return Result{}, errors.Wrap(err, "stripe charge")
	}

	res := Result{TransactionID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = domain.PaymentSuccess
	case stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod:
		res.Status = domain.PaymentPending
	case stripe.PaymentIntentStatusCanceled:
		res.Status = domain.PaymentFailed
		res.FailureReason = "payment_canceled"
	default:
		res.Status = domain.PaymentFailed
		res.FailureReason = "unexpected status: " + string(pi.Status)
	}
	return res, nil
}

func (g *CardGateway) Refund(ctx context.Context, transactionID string, amount int64) (Result, error) {
	r, err := refund.New(&stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(transactionID),
		Amount:        stripe.Int64(amount),
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return Result{Status: domain.PaymentFailed, FailureReason: stripeErr.Msg}, nil
		}
		return Result{}, errors.Wrap(err, "stripe refund")
	}

	res := Result{TransactionID: string(r.ID)}
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		res.Status = domain.PaymentSuccess
	case stripe.RefundStatusPending:
		res.Status = domain.PaymentPending
	default:
		res.Status = domain.PaymentFailed
		res.FailureReason = string(r.FailureReason)
	}
	return res, nil
}
