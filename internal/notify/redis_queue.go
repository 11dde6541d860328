// Package notify delivers review notifications to a Redis list that
// downstream mailers and chat bots consume.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"decisionledger/internal/decision"
)

// Message is the JSON payload pushed for each notification
type Message struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	DecisionID     string    `json:"decision_id"`
	Kind           string    `json:"kind"`
	ReviewByDate   time.Time `json:"review_by_date"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrEmpty is returned by Pop when the queue holds no messages
var ErrEmpty = errors.New("notify: queue empty")

// RedisQueue publishes notifications onto a Redis list
type RedisQueue struct {
	client *redis.Client
	queue  string
}

// NewRedisQueue connects to Redis and checks the connection
func NewRedisQueue(redisURL, queue string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisQueueWithClient(client, queue), nil
}

// NewRedisQueueWithClient creates a queue from an existing Redis client
func NewRedisQueueWithClient(client *redis.Client, queue string) *RedisQueue {
	if queue == "" {
		queue = "ledger:notifications"
	}
	return &RedisQueue{client: client, queue: queue}
}

// Publish pushes n onto the head of the list; consumers pop from the tail.
func (q *RedisQueue) Publish(ctx context.Context, n decision.ReviewNotification) error {
	payload, err := json.Marshal(Message{
		ID:             n.ID,
		OrganizationID: n.OrganizationID,
		DecisionID:     n.DecisionID,
		Kind:           n.Kind,
		ReviewByDate:   n.ReviewByDate.UTC(),
		CreatedAt:      n.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Pop removes the oldest message
func (q *RedisQueue) Pop(ctx context.Context) (Message, error) {
	raw, err := q.client.RPop(ctx, q.queue).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrEmpty
	}
	if err != nil {
		return Message{}, fmt.Errorf("pop notification: %w", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal notification: %w", err)
	}
	return msg, nil
}

// Len reports how many messages are waiting
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks if Redis is reachable
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
