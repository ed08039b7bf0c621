package temporalbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"

	"github.com/oss/geoetl-orchestrator/internal/platform/bus"
)

/*
deliverWorkflow is the Temporal-backed Bus's per-message workflow,
adapted from internal/temporalx/jobrun/workflow.go's single-activity-tick
shape: where jobrun.Workflow ticks a job_run forward until it reaches a
terminal status, deliverWorkflow ticks exactly once — deliver the message,
wait for the caller's Ack or Abandon — because a bus delivery has no
"progress" to loop over, only a single pass/fail outcome.
*/
func deliverWorkflow(ctx workflow.Context, queue string, body []byte) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    defaultHeartbeatTimeout,
		RetryPolicy:         retryPolicyNoRetry(),
	})
	return workflow.ExecuteActivity(ctx, activityName, queue, body).Get(ctx, nil)
}

func workerWorkflowOptions() workflow.RegisterOptions {
	return workflow.RegisterOptions{Name: workflowName}
}

func workerActivityOptions() activity.RegisterOptions {
	return activity.RegisterOptions{Name: activityName}
}

// deliverActivity pushes one message onto queue's inbox and blocks until
// Ack or Abandon resolves it, heartbeating on demand (Renew) and on its
// own ticker so Temporal's HeartbeatTimeout never lapses on a
// legitimately long-running handler.
func (b *Bus) deliverActivity(ctx context.Context, queue string, body []byte) error {
	tag := uuid.NewString()
	p := &pendingDelivery{
		ackCh:     make(chan struct{}, 1),
		abandonCh: make(chan struct{}, 1),
		renewCh:   make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.pending[tag] = p
	b.mu.Unlock()

	msg := &bus.Message{DeliveryTag: tag, Body: body, DeliveryCount: 1}
	select {
	case b.inbox(queue) <- msg:
	case <-ctx.Done():
		b.takePending(tag)
		return ctx.Err()
	}

	ticker := time.NewTicker(defaultHeartbeatTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.ackCh:
			return nil
		case <-p.abandonCh:
			return fmt.Errorf("temporalbus: delivery abandoned")
		case <-p.renewCh:
			activity.RecordHeartbeat(ctx, nil)
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, nil)
		case <-ctx.Done():
			b.takePending(tag)
			return ctx.Err()
		}
	}
}
