package bus

import (
	"context"
	"encoding/json"
	"time"
)

/*
Message is the envelope every queue entry is wrapped in. Body carries the
caller's JSON-encoded JobQueueMessage or TaskQueueMessage (§6.1); DeliveryTag
identifies the underlying stream entry so Ack/Renew/Abandon can address it.
*/
type Message struct {
	DeliveryTag   string
	Body          []byte
	DeliveryCount int64
}

// Decode unmarshals Body into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Body, v)
}

/*
Bus is the Message Bus contract (C2, §4.2/§6.1): a durable,
redeliverable queue with lock/auto-renew/DLQ semantics. Two independent
queues exist in this system, jobs and tasks; Bus is parameterized by
queue name so one implementation backs both.

Send enqueues a message. Receive blocks (respecting ctx) until a message
is available or ctx is done, and returns a Message whose lock is held for
queue.lock_duration from the moment it becomes visible. Ack removes the
message permanently. Renew extends a held lock; callers are expected to
call it roughly every L/2 so the lock never lapses before the handler
finishes within handler_timeout=R. Abandon releases the lock early so the
reaper picks the entry up immediately instead of waiting out the lock;
with max_delivery_count=1 that pickup does not hand it to a handler again
(the Redis Streams bus moves it to the DLQ).
*/
type Bus interface {
	Send(ctx context.Context, queue string, body []byte) error
	Receive(ctx context.Context, queue string) (*Message, error)
	Ack(ctx context.Context, queue string, m *Message) error
	Renew(ctx context.Context, queue string, m *Message) error
	Abandon(ctx context.Context, queue string, m *Message) error
	Close() error
}

// Durations the Bus needs to reconstruct the §4.2 lock/auto-renew/DLQ
// contract: LockDuration is the per-delivery visibility window, RenewEvery
// is how often the holder's heartbeat should call Renew (L/2 by
// convention), ReapIdleAfter is the auto-claim threshold (R) past which an
// abandoned delivery is considered crashed and becomes claimable again.
type Durations struct {
	LockDuration  time.Duration
	RenewEvery    time.Duration
	ReapIdleAfter time.Duration
}
