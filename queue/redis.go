package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/flowforge/graph/store"
)

// RedisQueue is a Queue backed by Redis Streams: jobs are XADD'ed to a
// stream and consumed through a consumer group, giving at-least-once
// delivery with pending-entry redelivery across worker processes (spec
// §4.8). Terminal run notifications use a separate pub/sub channel per
// run rather than a stream, since they are fire-and-forget and do not
// need replay.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	readCount int64
	blockFor time.Duration
}

// RedisQueueOption configures a RedisQueue at construction.
type RedisQueueOption func(*RedisQueue)

// WithReadCount sets how many stream entries XREADGROUP requests per
// call. Default 16.
func WithReadCount(n int64) RedisQueueOption {
	return func(q *RedisQueue) { q.readCount = n }
}

// WithBlockDuration sets how long XREADGROUP blocks waiting for new
// entries before returning empty. Default 5s.
func WithBlockDuration(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) { q.blockFor = d }
}

// NewRedisQueue builds a RedisQueue on stream, consumed by group under
// consumer's name. The consumer group is created (MKSTREAM) if absent.
func NewRedisQueue(ctx context.Context, client *redis.Client, stream, group, consumer string, opts ...RedisQueueOption) (*RedisQueue, error) {
	q := &RedisQueue{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		readCount: 16,
		blockFor:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}

	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job": payload},
	}).Err()
}

func (q *RedisQueue) EnqueueBatch(ctx context.Context, jobs []Job) error {
	pipe := q.client.Pipeline()
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"job": payload}})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Subscribe reads jobs from the consumer group until ctx is cancelled.
// Each job is acknowledged (XACK) only after handler returns nil; a
// failed handler leaves the entry pending for redelivery, which is safe
// because the coordination store's status CAS discards duplicate
// dispatches (spec §4.8, §9 Non-goals).
func (q *RedisQueue) Subscribe(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.blockFor,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				raw, _ := msg.Values["job"].(string)
				var job Job
				if err := json.Unmarshal([]byte(raw), &job); err != nil {
					q.client.XAck(ctx, q.stream, q.group, msg.ID)
					continue
				}
				if err := handler(ctx, job); err == nil {
					q.client.XAck(ctx, q.stream, q.group, msg.ID)
				}
			}
		}
	}
}

func finalChannel(runID string) string {
	return "flowforge:final:" + runID
}

func (q *RedisQueue) PublishFinal(ctx context.Context, runID string, status store.RunStatus, reason string) error {
	payload, err := json.Marshal(FinalNotification{RunID: runID, Status: status, Reason: reason})
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, finalChannel(runID), payload).Err()
}

func (q *RedisQueue) SubscribeFinal(ctx context.Context, runID string) (<-chan FinalNotification, error) {
	sub := q.client.Subscribe(ctx, finalChannel(runID))
	out := make(chan FinalNotification, 1)

	go func() {
		defer close(out)
		defer sub.Close()

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var notif FinalNotification
		if err := json.Unmarshal([]byte(msg.Payload), &notif); err != nil {
			return
		}
		out <- notif
	}()

	return out, nil
}

// Close always returns nil. It does not close the Redis client and does
// not stop Subscribe: Subscribe calls in progress return only when their
// ctx is done, not with ErrClosed.
func (q *RedisQueue) Close() error {
	return nil
}
