package orchestration

import "github.com/google/uuid"

// Parallelism selects how a stage's tasks are produced.
type Parallelism string

const (
	// Single stages produce exactly one task; authored by the blueprint.
	Single Parallelism = "single"
	// FanOut stages produce a variable-size task list; authored by the blueprint.
	FanOut Parallelism = "fan_out"
	// FanIn stages are authored by the orchestrator itself: exactly one
	// task whose parameters.previous_results carries every result_data
	// value from the prior stage.
	FanIn Parallelism = "fan_in"
)

// StageDefinition is one entry of a JobBlueprint's stage list.
type StageDefinition struct {
	Number      int         `json:"number"`
	Name        string      `json:"name"`
	TaskType    string      `json:"task_type"`
	Parallelism Parallelism `json:"parallelism"`
	Count       int         `json:"count,omitempty"`
}

// TaskSpec is one element of the slice a blueprint's CreateTasksForStage
// function returns. TaskID, TaskType and Parameters are required; Metadata
// is optional and defaults to an empty map when absent.
type TaskSpec struct {
	TaskID     string
	TaskType   string
	Parameters map[string]any
	Metadata   map[string]any
}

// PreviousResult is one completed task's result_data, passed to a stage's
// task-generating function and to fan-in tasks as parameters.previous_results.
type PreviousResult struct {
	TaskID     string
	TaskIndex  string
	ResultData map[string]any
}

/*
JobBlueprint is the declarative, statically-registered description of a
job_type: its stage list plus five pure functions. None of the five may
mutate registry/global state; CreateTasksForStage in particular must be
deterministic — two calls with identical arguments must return identical
TaskSpec slices, including order, since the orchestrator relies on that
determinism to make stage-task creation safely re-runnable.
*/
type JobBlueprint struct {
	JobType          string
	Description      string
	Stages           []StageDefinition
	ParametersSchema map[string]any

	ValidateParameters func(params map[string]any) error
	GenerateJobID      func(params map[string]any) (string, error)
	CreateJobRecord    func(jobID string, params map[string]any) (*JobRecord, error)
	EnqueueJob         func(job *JobRecord) error

	// CreateTasksForStage builds the TaskSpec list for a single/fan_out
	// stage. previousResults is the list of result_data maps from every
	// COMPLETED task of stage-1 (empty for stage 1). Never called for
	// fan_in stages — the orchestrator authors those itself.
	CreateTasksForStage func(stage StageDefinition, jobParams map[string]any, jobID string, previousResults []PreviousResult) ([]TaskSpec, error)
}

// StageByNumber returns the stage definition for n, or (zero, false).
func (b *JobBlueprint) StageByNumber(n int) (StageDefinition, bool) {
	if b == nil {
		return StageDefinition{}, false
	}
	for _, s := range b.Stages {
		if s.Number == n {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// NewMessageID generates a bus envelope message identifier. Not used as a
// domain primary key — job_id/task_id remain the hex/semantic strings
// defined by GenerateJobID and ValidateTaskID.
func NewMessageID() string { return uuid.NewString() }
