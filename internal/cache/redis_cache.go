package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posreturn/internal/domain"
)

type RedisInvoiceCache struct {
	client redis.UniversalClient
}

func NewRedisInvoiceCache(client redis.UniversalClient) *RedisInvoiceCache {
	return &RedisInvoiceCache{client: client}
}

func invoiceKey(invoiceNo string) string {
	return "invoice:" + invoiceNo
}

func (c *RedisInvoiceCache) Get(ctx context.Context, invoiceNo string) (*domain.InvoiceSnapshot, bool, error) {
	val, err := c.client.Get(ctx, invoiceKey(invoiceNo)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot domain.InvoiceSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, false, err
	}
	return &snapshot, true, nil
}

func (c *RedisInvoiceCache) Set(ctx context.Context, snapshot *domain.InvoiceSnapshot, ttl time.Duration) error {
	if snapshot == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, invoiceKey(snapshot.Invoice.InvoiceNo), payload, ttl).Err()
}

func (c *RedisInvoiceCache) Invalidate(ctx context.Context, invoiceNo string) error {
	return c.client.Del(ctx, invoiceKey(invoiceNo)).Err()
}
