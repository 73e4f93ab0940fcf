package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

// WalletGateway talks to the wallet provider's JSON API. The provider
// answers synchronously for captures and refunds.
type WalletGateway struct {
	baseURL string
	client  *http.Client
}

func NewWalletGateway(baseURL string, timeout time.Duration) *WalletGateway {
	return &WalletGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *WalletGateway) Name() string { return "wallet" }

type walletResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	FailureReason string `json:"failure_reason"`
}

func (g *WalletGateway) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	body := map[string]interface{}{
		"reference": req.PaymentID,
		"order_id":  req.OrderID,
		"amount":    req.Amount,
		"currency":  req.Currency,
		"wallet_id": req.MethodDetails["wallet_id"],
	}
	return g.post(ctx, "/v1/charges", body)
}

func (g *WalletGateway) Refund(ctx context.Context, transactionID string, amount int64) (Result, error) {
	body := map[string]interface{}{
		"transaction_id": transactionID,
		"amount":         amount,
	}
	return g.post(ctx, "/v1/refunds", body)
}

func (g *WalletGateway) post(ctx context.Context, path string, body map[string]interface{}) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "wallet provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, errors.Newf("wallet provider returned %d", resp.StatusCode)
	}

	var wr walletResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return Result{}, errors.Wrap(err, "decode wallet response")
	}

	res := Result{TransactionID: wr.TransactionID, FailureReason: wr.FailureReason}
	switch wr.Status {
	case "approved":
		res.Status = domain.PaymentSuccess
	case "pending":
		res.Status = domain.PaymentPending
	default:
		res.Status = domain.PaymentFailed
		if res.FailureReason == "" {
			res.FailureReason = wr.Status
		}
	}
	return res, nil
}
