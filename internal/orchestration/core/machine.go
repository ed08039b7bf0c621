package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	"github.com/oss/geoetl-orchestrator/internal/platform/bus"
	"github.com/oss/geoetl-orchestrator/internal/platform/config"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
	repos "github.com/oss/geoetl-orchestrator/internal/data/repos/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/registry"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/retry"
)

/*
Machine is the orchestrator's two-entry-point message processor (C5,
§4.5), adapting internal/jobs/worker/worker.go's panic-safe,
heartbeat-wrapped dispatch loop and internal/jobs/runtime/context.go's
capability-scoped Context to the job/stage/task state machine instead of
the teacher's flat job_run model.

ProcessJob/ProcessTask are invoked once per bus delivery, either by the
dispatch goroutines Start launches (dispatcher.go) or directly by tests,
which keeps them pure message processors, as §4.5 specifies.
*/
type Machine struct {
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	events   repos.EventRepo
	jobReg   *registry.JobRegistry
	handlers *registry.HandlerRegistry
	bus      bus.Bus
	cfg      *config.Config
	log      *logger.Logger
}

func NewMachine(
	jobs repos.JobRepo,
	tasks repos.TaskRepo,
	events repos.EventRepo,
	jobReg *registry.JobRegistry,
	handlers *registry.HandlerRegistry,
	b bus.Bus,
	cfg *config.Config,
	baseLog *logger.Logger,
) *Machine {
	return &Machine{
		jobs:     jobs,
		tasks:    tasks,
		events:   events,
		jobReg:   jobReg,
		handlers: handlers,
		bus:      b,
		cfg:      cfg,
		log:      baseLog.With("component", "CoreMachine"),
	}
}

// recordEvent appends to the operator timeline (§3.4). Failures are
// logged and swallowed: the timeline is additive and never a dependency
// of the state machine's own correctness.
func (m *Machine) recordEvent(dbc dbctx.Context, jobID, taskID string, stage int, kind types.EventKind, message string, data map[string]any) {
	if m.events == nil {
		return
	}
	ev := &types.OrchestrationEvent{
		JobID:   jobID,
		TaskID:  taskID,
		Stage:   stage,
		Kind:    kind,
		Message: message,
		Data:    toJSON(data),
	}
	if err := m.events.Record(dbc, ev); err != nil {
		m.log.Warn("failed to record orchestration event", "job_id", jobID, "task_id", taskID, "kind", kind, "error", err)
	}
}

func (m *Machine) deadLetter(ctx context.Context, queue string, body []byte, reason string) error {
	m.log.Warn("moving message to dead letter queue", "queue", queue, "reason", reason)
	return m.bus.Send(ctx, queue+"-dlq", body)
}

func (m *Machine) enqueueJobMessage(ctx context.Context, msg types.JobQueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	return m.bus.Send(ctx, m.cfg.JobsQueueName, body)
}

func (m *Machine) enqueueTaskMessage(ctx context.Context, msg types.TaskQueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	return m.bus.Send(ctx, m.cfg.TasksQueueName, body)
}

// retryPolicy builds the handler-local retry policy (§7) from the loaded
// config so every TaskContext carries a live, reachable retry.Policy
// instead of leaving RETRY_MAX/RETRY_BASE_DELAY_MS/RETRY_MAX_DELAY_MS
// loaded and unused.
func (m *Machine) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: m.cfg.RetryMax,
		MinBackoff:  m.cfg.RetryBaseDelay,
		MaxBackoff:  m.cfg.RetryMaxDelay,
	}
}

func newCorrelationID() string { return uuid.NewString() }

func noopDBC(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx} }

func nowRFC3339() time.Time { return time.Now().UTC() }
