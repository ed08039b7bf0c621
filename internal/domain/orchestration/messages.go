package orchestration

import (
	"context"
	"time"

	"github.com/oss/geoetl-orchestrator/internal/orchestration/retry"
)

/*
JobQueueMessage and TaskQueueMessage are the bit-exact wire format carried
by the Message Bus (§6.1 of the orchestration contract). Both are UTF-8
JSON with no BOM; unknown fields are ignored on decode, which is the
default behavior of encoding/json when unmarshaling into a tagged struct.
*/

type JobQueueMessage struct {
	JobID         string         `json:"job_id"`
	JobType       string         `json:"job_type"`
	Stage         int            `json:"stage"`
	Parameters    map[string]any `json:"parameters"`
	StageResults  map[string]any `json:"stage_results"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

type TaskQueueMessage struct {
	TaskID        string         `json:"task_id"`
	ParentJobID   string         `json:"parent_job_id"`
	TaskType      string         `json:"task_type"`
	Stage         int            `json:"stage"`
	TaskIndex     string         `json:"task_index"`
	Parameters    map[string]any `json:"parameters"`
	ParentTaskID  *string        `json:"parent_task_id,omitempty"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// TaskResult is the shape every TaskHandler must return across the handler
// boundary. Handlers never raise a business error silently: a failure is
// always expressed as Success=false with ErrorDetails set.
type TaskResult struct {
	Success         bool
	ResultData      map[string]any
	ErrorDetails    string
	NextStageParams map[string]any
}

/*
TaskContext is the capability-scoped value passed to every TaskHandler
(§4.4). It is read-only data plus one loader function; a handler has no
other way to reach job/task state, which is what keeps handlers pure and
side-effect free with respect to registry/global state.
*/
type TaskContext struct {
	TaskID        string
	ParentJobID   string
	Stage         int
	TaskIndex     string
	CorrelationID string

	// LoadPredecessorResult returns the result_data of the completed task
	// at the same semantic index in stage-1, if one exists.
	LoadPredecessorResult func() (map[string]any, bool, error)

	// RetryPolicy is the handler-local bounded retry policy (§7): the bus
	// itself never redelivers (max_delivery_count=1), so a handler that
	// wants to retry a transient failure internally before giving up
	// consults retry.ShouldRetry/ComputeBackoff against this policy rather
	// than inventing its own backoff.
	RetryPolicy retry.Policy
}

// TaskHandler is the contract every task_type implementation satisfies
// (§4.4): handle(params, context) -> TaskResult. Handle must not mutate
// registry/global state and must report failure as TaskResult{Success:
// false} rather than only via the returned error; the error return is
// reserved for contract violations the dispatcher itself should treat as
// fatal (see internal/pkg/errors.ContractViolation).
type TaskHandler interface {
	Type() string
	Handle(ctx context.Context, params map[string]any, tc TaskContext) (TaskResult, error)
}
