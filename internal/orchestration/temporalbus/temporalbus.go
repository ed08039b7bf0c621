// Package temporalbus is an alternative, pluggable CoreMachine transport
// (§9): it satisfies bus.Bus by driving Temporal workflows/activities
// instead of Redis Streams, so a deployer can swap the durable executor
// of job/task messages without touching core.Machine's business logic.
package temporalbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"

	"github.com/oss/geoetl-orchestrator/internal/platform/bus"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
	"github.com/oss/geoetl-orchestrator/internal/temporalx"
)

const (
	workflowName = "bus_deliver"
	activityName = "bus_deliver_tick"
)

/*
Bus adapts internal/temporalx/{client.go,config.go} and the tick-per-
job-run shape of internal/temporalx/jobrun/workflow.go into an
alternative bus.Bus implementation: every Send starts one Temporal
workflow execution per message; the workflow runs a single activity that
delivers the message into an in-process inbox and blocks (heartbeating)
until the caller Acks or Abandons it, then returns. Unlike jobrun.Workflow,
there is no ContinueAsNew loop here — one bus delivery is a single bounded
wait, not an open-ended polled job lifetime.

Ack/Renew/Abandon are expressed as local signals into the activity's
pendingDelivery, since the activity (run by this process's worker) and
the Bus share memory; this mirrors the redisBus's in-process XPENDING
bookkeeping rather than introducing a second round-trip through Temporal
signals for what is, from CoreMachine's point of view, a purely local
handshake.
*/
type Bus struct {
	log    *logger.Logger
	client temporalsdkclient.Client
	cfg    temporalx.Config

	mu      sync.Mutex
	workers map[string]worker.Worker
	inboxes map[string]chan *bus.Message
	pending map[string]*pendingDelivery
}

type pendingDelivery struct {
	ackCh     chan struct{}
	abandonCh chan struct{}
	renewCh   chan struct{}
}

// NewBus wraps an already-dialed Temporal client (see internal/temporalx.NewClient).
// A nil client means Temporal is disabled (TEMPORAL_ADDRESS unset); callers
// should fall back to the Redis Streams bus in that case rather than call NewBus.
func NewBus(baseLog *logger.Logger, client temporalsdkclient.Client) (*Bus, error) {
	if client == nil {
		return nil, fmt.Errorf("temporalbus: nil client (Temporal disabled)")
	}
	return &Bus{
		log:     baseLog.With("component", "TemporalBus"),
		client:  client,
		cfg:     temporalx.LoadConfig(),
		workers: make(map[string]worker.Worker),
		inboxes: make(map[string]chan *bus.Message),
		pending: make(map[string]*pendingDelivery),
	}, nil
}

// Send starts one workflow execution per message on a task queue named
// after the logical queue, matching the jobs/tasks queue-per-concern split
// the Redis Streams bus uses.
func (b *Bus) Send(ctx context.Context, queue string, body []byte) error {
	if err := b.ensureWorker(queue); err != nil {
		return err
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-%s", queue, uuid.NewString()),
		TaskQueue: queue,
	}
	_, err := b.client.ExecuteWorkflow(ctx, opts, workflowName, queue, body)
	if err != nil {
		return fmt.Errorf("temporalbus: start workflow for queue %s: %w", queue, err)
	}
	return nil
}

// Receive blocks until deliverActivity has pushed a message onto queue's
// inbox, or ctx is done.
func (b *Bus) Receive(ctx context.Context, queue string) (*bus.Message, error) {
	if err := b.ensureWorker(queue); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-b.inbox(queue):
		return msg, nil
	}
}

func (b *Bus) Ack(ctx context.Context, queue string, m *bus.Message) error {
	p := b.takePending(m.DeliveryTag)
	if p == nil {
		return nil
	}
	select {
	case p.ackCh <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) Abandon(ctx context.Context, queue string, m *bus.Message) error {
	p := b.takePending(m.DeliveryTag)
	if p == nil {
		return nil
	}
	select {
	case p.abandonCh <- struct{}{}:
	default:
	}
	return nil
}

// Renew nudges the holding activity to call activity.RecordHeartbeat
// immediately, the Temporal-native equivalent of the renewLoop's XCLAIM
// call on the Redis Streams bus.
func (b *Bus) Renew(ctx context.Context, queue string, m *bus.Message) error {
	b.mu.Lock()
	p := b.pending[m.DeliveryTag]
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case p.renewCh <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.workers {
		w.Stop()
	}
	b.client.Close()
	return nil
}

func (b *Bus) takePending(tag string) *pendingDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[tag]
	if !ok {
		return nil
	}
	delete(b.pending, tag)
	return p
}

func (b *Bus) inbox(queue string) chan *bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inboxes[queue]
	if !ok {
		ch = make(chan *bus.Message, 64)
		b.inboxes[queue] = ch
	}
	return ch
}

// ensureWorker starts (once per queue) a Temporal worker polling the
// queue's task queue and registers the deliver workflow/activity against
// it, mirroring the redisBus's lazy per-stream consumer-group creation.
func (b *Bus) ensureWorker(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workers[queue]; ok {
		return nil
	}
	w := worker.New(b.client, queue, worker.Options{})
	w.RegisterWorkflowWithOptions(deliverWorkflow, workerWorkflowOptions())
	w.RegisterActivityWithOptions(b.deliverActivity, workerActivityOptions())
	if err := w.Start(); err != nil {
		return fmt.Errorf("temporalbus: start worker for queue %s: %w", queue, err)
	}
	b.workers[queue] = w
	return nil
}

func retryPolicyNoRetry() *temporal.RetryPolicy {
	// §4.2's max_delivery_count=1 contract: the bus itself never retries a
	// failed delivery, so the activity's own retry policy must not either.
	return &temporal.RetryPolicy{MaximumAttempts: 1}
}

const (
	defaultHeartbeatTimeout = 10 * time.Second
)
