package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posreturn/internal/domain"
)

func TestRedisQueuePublishesEnvelope(t *testing.T) {
	addr := os.Getenv("POSRETURN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POSRETURN_TEST_REDIS_ADDR to run redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})

	ctx := context.Background()
	q := NewRedisQueue(client)
	q.queue = "jobs:stock:test:" + time.Now().Format("150405.000000000")
	t.Cleanup(func() {
		_ = client.Del(ctx, q.queue).Err()
	})

	require.NoError(t, q.Publish(ctx, domain.StockMovement{
		Reference:   "RET-20261019-ABCDEF012345",
		InvoiceNo:   "INV-1",
		Kind:        "return",
		Adjustments: []domain.StockAdjustment{{DesignID: 1, Size: "M", Qty: 2}},
		At:          time.Now().UTC(),
	}))

	raw, err := client.RPop(ctx, q.queue).Result()
	require.NoError(t, err)

	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, "stock_return", job.Type)

	var movement domain.StockMovement
	require.NoError(t, json.Unmarshal(job.Payload, &movement))
	assert.Equal(t, "INV-1", movement.InvoiceNo)
	require.Len(t, movement.Adjustments, 1)
	assert.Equal(t, 2, movement.Adjustments[0].Qty)
}
