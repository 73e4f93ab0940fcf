package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-purchase-saga/internal/idempotency"
)

// Idempotency stores idempotency records in redis. SetNX gives the atomic
// create-if-absent the lease protocol needs.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

func (i *Idempotency) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	val, err := i.client.Get(ctx, "idemp:"+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec idempotency.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (i *Idempotency) PutPendingNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(idempotency.Record{State: idempotency.StatePending})
	if err != nil {
		return false, err
	}
	return i.client.SetNX(ctx, "idemp:"+key, data, ttl).Result()
}

func (i *Idempotency) PutCommitted(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, "idemp:"+key, data, ttl).Err()
}

func (i *Idempotency) Delete(ctx context.Context, key string) error {
	return i.client.Del(ctx, "idemp:"+key).Err()
}
