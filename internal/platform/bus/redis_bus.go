package bus

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
)

const consumerGroup = "orchestrator"

const bodyField = "body"

/*
redisBus generalizes the teacher's Redis pub/sub SSE forwarder
(internal/clients/redis/sse_bus.go) from fire-and-forget fan-out to a
durable, redeliverable queue backed by Redis Streams + consumer groups,
which is what the lock/auto-renew/DLQ contract in §4.2/§6.1 requires.

Each logical queue is one stream with a single consumer group
("orchestrator"); every process instance is its own consumer so pending
entries can be attributed and reaped individually.
*/
type redisBus struct {
	log       *logger.Logger
	rdb       *goredis.Client
	consumer  string
	durations Durations

	groupsMu sync.Mutex
	groups   map[string]bool
}

func NewRedisBus(log *logger.Logger, addr string, durations Durations) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%s", hostname, uuid.NewString())

	return &redisBus{
		log:       log.With("service", "RedisBus"),
		rdb:       rdb,
		consumer:  consumer,
		durations: durations,
		groups:    make(map[string]bool),
	}, nil
}

// ensureGroup lazily creates the queue's consumer group, mirroring the
// Temporal bus's once-per-queue ensureWorker. The mutex guards b.groups
// across the whole check-and-create: dispatchLoop runs 2*MaxConcurrentCalls
// goroutines calling Receive, and ProcessJob/stageComplete call Send
// concurrently from other goroutines, all against the same redisBus.
func (b *redisBus) ensureGroup(ctx context.Context, queue string) error {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()

	if b.groups[queue] {
		return nil
	}
	err := b.rdb.XGroupCreateMkStream(ctx, queue, consumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", queue, err)
	}
	b.groups[queue] = true
	return nil
}

func (b *redisBus) Send(ctx context.Context, queue string, body []byte) error {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{bodyField: string(body)},
	}).Err()
}

/*
Receive first tries XAUTOCLAIM to pick up any entry idle longer than R
(an abandoned or crashed consumer's delivery), then falls through to a
blocking XREADGROUP for a fresh entry. Before returning a claimed message
to the caller it checks XPENDING's delivery count: a second delivery
means a consumer held the lock past R and never acked, so the message is
moved straight to the DLQ instead of being handed to a handler again,
matching max_delivery_count=1 (§4.2).
*/
func (b *redisBus) Receive(ctx context.Context, queue string) (*Message, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, err := b.tryAutoClaim(ctx, queue)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			msg, err = b.tryReadGroup(ctx, queue)
			if err != nil {
				return nil, err
			}
		}
		if msg == nil {
			continue
		}

		deliveryCount, err := b.deliveryCount(ctx, queue, msg.ID)
		if err != nil {
			return nil, err
		}
		if deliveryCount > 1 {
			if err := b.deadLetter(ctx, queue, msg); err != nil {
				return nil, err
			}
			continue
		}

		body, _ := msg.Values[bodyField].(string)
		return &Message{DeliveryTag: msg.ID, Body: []byte(body), DeliveryCount: deliveryCount}, nil
	}
}

func (b *redisBus) tryAutoClaim(ctx context.Context, queue string) (*goredis.XMessage, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   queue,
		Group:    consumerGroup,
		Consumer: b.consumer,
		MinIdle:  b.durations.ReapIdleAfter,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", queue, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (b *redisBus) tryReadGroup(ctx context.Context, queue string) (*goredis.XMessage, error) {
	res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: b.consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if err == goredis.Nil || strings.Contains(err.Error(), "i/o timeout") {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", queue, err)
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			m := msg
			return &m, nil
		}
	}
	return nil, nil
}

func (b *redisBus) deliveryCount(ctx context.Context, queue, id string) (int64, error) {
	pending, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: queue,
		Group:  consumerGroup,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", queue, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

func (b *redisBus) deadLetter(ctx context.Context, queue string, msg *goredis.XMessage) error {
	body, _ := msg.Values[bodyField].(string)
	dlq := queue + "-dlq"
	if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: dlq,
		Values: map[string]interface{}{bodyField: body},
	}).Err(); err != nil {
		return fmt.Errorf("dead-letter to %s: %w", dlq, err)
	}
	b.log.Warn("message exceeded max_delivery_count, moved to DLQ", "queue", queue, "dlq", dlq, "message_id", msg.ID)
	return b.rdb.XAck(ctx, queue, consumerGroup, msg.ID).Err()
}

func (b *redisBus) Ack(ctx context.Context, queue string, m *Message) error {
	if m == nil {
		return nil
	}
	return b.rdb.XAck(ctx, queue, consumerGroup, m.DeliveryTag).Err()
}

// Renew calls XCLAIM JUSTID on the caller's own pending entry, resetting
// its idle timer without incrementing the delivery counter — the "auto
// renewal up to R" half of the lock model.
func (b *redisBus) Renew(ctx context.Context, queue string, m *Message) error {
	if m == nil {
		return nil
	}
	_, err := b.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   queue,
		Group:    consumerGroup,
		Consumer: b.consumer,
		MinIdle:  0,
		Messages: []string{m.DeliveryTag},
	}).Result()
	if err != nil {
		return fmt.Errorf("renew lock on %s: %w", queue, err)
	}
	return nil
}

// Abandon forces the entry's idle time past ReapIdleAfter so the reaper's
// next XAUTOCLAIM sweep picks it up immediately instead of waiting out
// the full lock window.
func (b *redisBus) Abandon(ctx context.Context, queue string, m *Message) error {
	if m == nil {
		return nil
	}
	idleMs := int64((b.durations.ReapIdleAfter + time.Second) / time.Millisecond)
	_, err := b.rdb.Do(ctx, "xclaim", queue, consumerGroup, b.consumer, 0,
		m.DeliveryTag, "IDLE", idleMs, "JUSTID").Result()
	if err != nil {
		return fmt.Errorf("abandon lock on %s: %w", queue, err)
	}
	return nil
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}
