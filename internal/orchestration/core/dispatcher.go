package core

import (
	"context"
	"fmt"
	"time"

	"github.com/oss/geoetl-orchestrator/internal/platform/bus"
)

/*
Start launches the dispatch loops that drive CoreMachine, adapting
internal/jobs/worker/worker.go's panic-safe, heartbeat-wrapped goroutine
pool (originally one pool polling a single job_run table) to two
independent pools — one per queue — each consuming via bus.Bus.Receive
instead of a DB claim query, per §5's "the bus's own scheduling is the
only parallelism source the orchestrator uses" rule.

cfg.MaxConcurrentCalls goroutines are spawned per queue; each is an
independent consumer, so the total in-process parallelism ceiling is
2 * MaxConcurrentCalls, composed externally with WorkerCount/InstanceCount
per §5's resource sizing rule. Start returns immediately; goroutines run
until ctx is done.
*/
func (m *Machine) Start(ctx context.Context) {
	for i := 0; i < m.cfg.MaxConcurrentCalls; i++ {
		workerID := i + 1
		go m.dispatchLoop(ctx, m.cfg.JobsQueueName, workerID, m.ProcessJob)
		go m.dispatchLoop(ctx, m.cfg.TasksQueueName, workerID, m.ProcessTask)
	}
	m.log.Info("CoreMachine dispatch pools started",
		"max_concurrent_calls", m.cfg.MaxConcurrentCalls,
		"jobs_queue", m.cfg.JobsQueueName,
		"tasks_queue", m.cfg.TasksQueueName,
	)
}

type handlerFn func(ctx context.Context, body []byte) error

func (m *Machine) dispatchLoop(ctx context.Context, queue string, workerID int, handle handlerFn) {
	log := m.log.With("queue", queue, "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			log.Info("dispatch loop stopped")
			return
		default:
		}

		msg, err := m.bus.Receive(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("receive failed", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		m.handleDelivery(ctx, queue, msg, handle, log)
	}
}

// handleDelivery wraps a single handle(ctx, body) invocation with the
// bus's lock-renewal contract (§4.2: renew roughly every L/2 so the lock
// never lapses before HandlerTimeout=R) and the teacher's panic-to-Fail
// recovery idiom (internal/jobs/worker/worker.go's runLoop): an uncaught
// panic is logged and the delivery abandoned instead of crashing the
// goroutine. Handler panics never reach here; invokeHandler already turns
// them into task failures.
func (m *Machine) handleDelivery(ctx context.Context, queue string, msg *bus.Message, handle handlerFn, log interface {
	Warn(string, ...interface{})
	Error(string, ...interface{})
}) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go m.renewLoop(renewCtx, queue, msg)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling delivery", "panic", r)
			_ = m.bus.Abandon(ctx, queue, msg)
		}
	}()

	if err := handle(ctx, msg.Body); err != nil {
		log.Warn("handler returned error, abandoning delivery", "error", err)
		if abErr := m.bus.Abandon(ctx, queue, msg); abErr != nil {
			log.Warn("abandon failed", "error", abErr)
		}
		return
	}

	if err := m.bus.Ack(ctx, queue, msg); err != nil {
		log.Warn("ack failed", "error", err)
	}
}

func (m *Machine) renewLoop(ctx context.Context, queue string, msg *bus.Message) {
	interval := m.cfg.LockDuration / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.bus.Renew(ctx, queue, msg); err != nil {
				m.log.Warn("lock renewal failed", "queue", queue, "error", fmt.Errorf("renew: %w", err))
			}
		}
	}
}
