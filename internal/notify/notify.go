// Package notify tells inventory consumers about stock that moved because of
// a return or exchange.
package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"posreturn/internal/domain"
)

const QueueStock = "jobs:stock"

type Publisher interface {
	Publish(ctx context.Context, movement domain.StockMovement) error
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ domain.StockMovement) error {
	return nil
}

// Job is the envelope pushed onto the Redis list.
type Job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisQueue pushes stock movements onto a Redis list for a consumer to BRPOP.
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
}

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client, queue: QueueStock}
}

func (q *RedisQueue) Publish(ctx context.Context, movement domain.StockMovement) error {
	data, err := json.Marshal(movement)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(Job{Type: "stock_" + movement.Kind, Payload: data})
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.queue, encoded).Err()
}
