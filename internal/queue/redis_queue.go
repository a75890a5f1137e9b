package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"audio-pipeline/internal/config"
	"audio-pipeline/internal/models"
)

// RedisQueue wraps the named FIFO lists that connect pipeline stages. Payloads
// are JSON documents; producers push left, consumers block-pop right.
type RedisQueue struct {
	client *redis.Client
	dlqKey string
}

// New builds a queue client from config.
func New(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.DeadLetterQueue)
}

// NewWithClient wraps an existing Redis client. Used by tests and by services
// that share one client per process.
func NewWithClient(client *redis.Client, dlqKey string) *RedisQueue {
	if dlqKey == "" {
		dlqKey = "queue:failed"
	}
	return &RedisQueue{client: client, dlqKey: dlqKey}
}

// Client exposes the underlying connection for collaborators that need raw
// Redis access (batch counters, rate limiting).
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Push serializes payload and appends it to the named queue.
func (q *RedisQueue) Push(ctx context.Context, queueName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := q.client.LPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("push %s: %w", queueName, err)
	}
	return nil
}

// BlockingPop waits up to timeout for the next payload on the named queue.
// A nil result with nil error means the timeout elapsed with nothing available.
func (q *RedisQueue) BlockingPop(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BRPop(ctx, timeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", queueName, err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("pop %s: unexpected reply length %d", queueName, len(res))
	}
	return []byte(res[1]), nil
}

// Len reports the depth of the named queue.
func (q *RedisQueue) Len(ctx context.Context, queueName string) (int64, error) {
	n, err := q.client.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queueName, err)
	}
	return n, nil
}

// DeadLetter records an unrecoverable job with its error and timestamp.
func (q *RedisQueue) DeadLetter(ctx context.Context, original []byte, cause error) error {
	record := models.NewFailedJob(original, cause, time.Now())
	return q.Push(ctx, q.dlqKey, record)
}

// DeadLetterPeek reads up to count recent dead-letter records without
// consuming them.
func (q *RedisQueue) DeadLetterPeek(ctx context.Context, count int64) ([]models.FailedJob, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", q.dlqKey, err)
	}
	records := make([]models.FailedJob, 0, len(raw))
	for _, item := range raw {
		var rec models.FailedJob
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// Pre-schema entries may hold the raw payload directly.
			rec = models.FailedJob{Job: json.RawMessage(item)}
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeadLetterDepth reports how many records are waiting for inspection.
func (q *RedisQueue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.Len(ctx, q.dlqKey)
}

// Ping verifies connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
