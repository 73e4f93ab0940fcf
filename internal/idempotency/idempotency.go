// Package idempotency collapses duplicate POSTs. The first request with a
// key takes a lease, runs the side effects once and commits the response;
// everyone else gets the cached response or is told to retry.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

const (
	StatePending   = "PENDING"
	StateCommitted = "COMMITTED"
)

type Record struct {
	State  string `json:"state"`
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type Response struct {
	Status int
	Body   []byte
}

// Backend is the keyed store underneath. PutPendingNX must be atomic
// create-if-absent; redis SetNX in production.
type Backend interface {
	Get(ctx context.Context, key string) (*Record, error)
	PutPendingNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	PutCommitted(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Idempotency struct {
	backend  Backend
	ttl      time.Duration
	leaseTTL time.Duration
}

func New(backend Backend, ttl, leaseTTL time.Duration) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl, leaseTTL: leaseTTL}
}

// Lease is the exclusive right to execute under a key. Commit caches the
// outcome; Abort frees the key so the client may retry.
type Lease struct {
	key string
	idm *Idempotency
}

// CheckOrInitiate returns the cached response for key, or a lease to compute
// one. Exactly one of the return values is non-nil on success. A concurrent
// uncommitted holder yields ErrInFlight; a malformed key is rejected before
// the cache is touched.
func (i *Idempotency) CheckOrInitiate(ctx context.Context, key string) (*Response, *Lease, error) {
	if _, err := uuid.Parse(key); err != nil {
		return nil, nil, errors.Wrap(domain.ErrInvalidIdempotencyKey, key)
	}

	rec, err := i.backend.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if rec != nil {
		return i.resolve(rec)
	}

	ok, err := i.backend.PutPendingNX(ctx, key, i.leaseTTL)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return nil, &Lease{key: key, idm: i}, nil
	}

	// Lost the race; whoever won may have committed by now.
	rec, err = i.backend.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		// Winner aborted between our SetNX and Get.
		return nil, nil, domain.ErrInFlight
	}
	return i.resolve(rec)
}

func (i *Idempotency) resolve(rec *Record) (*Response, *Lease, error) {
	if rec.State == StateCommitted {
		return &Response{Status: rec.Status, Body: rec.Body}, nil, nil
	}
	return nil, nil, domain.ErrInFlight
}

func (l *Lease) Commit(ctx context.Context, resp Response) error {
	return l.idm.backend.PutCommitted(ctx, l.key, Record{
		State:  StateCommitted,
		Status: resp.Status,
		Body:   resp.Body,
	}, l.idm.ttl)
}

func (l *Lease) Abort(ctx context.Context) error {
	return l.idm.backend.Delete(ctx, l.key)
}
