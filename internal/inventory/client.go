// Package inventory consumes the seating service's reserve/allocate/release
// contract. The seating service owns hold atomicity; callers here only get
// the token back.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

type Client interface {
	Reserve(ctx context.Context, eventID, userID uuid.UUID, seats []string) (domain.Hold, error)
	Allocate(ctx context.Context, holdToken string, orderID uuid.UUID) error
	Release(ctx context.Context, holdToken, reason string) error
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type reserveResponse struct {
	HoldToken     string `json:"holdToken"`
	ExpiresAt     string `json:"expiresAt"`
	ReservedSeats []struct {
		SeatID string `json:"seatId"`
		Label  string `json:"label"`
		Price  int64  `json:"price"`
	} `json:"reservedSeats"`
}

func (c *HTTPClient) Reserve(ctx context.Context, eventID, userID uuid.UUID, seats []string) (domain.Hold, error) {
	body := map[string]interface{}{
		"eventId":       eventID,
		"userId":        userID,
		"seatSelectors": seats,
	}

	var rr reserveResponse
	status, err := c.post(ctx, "/v1/seats/reserve", body, &rr)
	if err != nil {
		return domain.Hold{}, errors.Wrap(domain.ErrInventoryUnavailable, err.Error())
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return domain.Hold{}, errors.Wrapf(domain.ErrInventoryUnavailable, "seating returned %d", status)
	}

	hold := domain.Hold{Token: rr.HoldToken, EventID: eventID}
	for _, s := range rr.ReservedSeats {
		hold.Seats = append(hold.Seats, domain.ReservedSeat{SeatID: s.SeatID, Label: s.Label, Price: s.Price})
	}
	if exp, err := time.Parse(time.RFC3339, rr.ExpiresAt); err == nil {
		hold.ExpiresAt = exp
	}
	return hold, nil
}

func (c *HTTPClient) Allocate(ctx context.Context, holdToken string, orderID uuid.UUID) error {
	body := map[string]interface{}{
		"holdToken": holdToken,
		"orderId":   orderID,
	}
	status, err := c.post(ctx, "/v1/seats/allocate", body, nil)
	if err != nil {
		return errors.Wrap(err, "allocate")
	}
	if status != http.StatusOK {
		return errors.Newf("allocate returned %d", status)
	}
	return nil
}

func (c *HTTPClient) Release(ctx context.Context, holdToken, reason string) error {
	body := map[string]interface{}{
		"holdToken": holdToken,
		"reason":    reason,
	}
	status, err := c.post(ctx, "/v1/seats/release", body, nil)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	if status != http.StatusOK {
		return errors.Newf("release returned %d", status)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decode seating response")
		}
	}
	return resp.StatusCode, nil
}
