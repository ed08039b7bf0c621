package registry

import (
	"fmt"
	"sync"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
)

/*
JobRegistry is the dispatch table job_type -> JobBlueprint (C3, §4.3).
It is the only place job_type -> blueprint binding happens; CoreMachine
never knows about a concrete job implementation, only that the registry
can hand it one.

Register validates the blueprint's structural invariants (§4.3) at
registration time rather than at dispatch time, so a misconfigured
blueprint fails loud at boot instead of surfacing as a confusing runtime
error on the job's first message:
  - stages non-empty, numbered 1..N contiguous
  - every non-fan-in stage's task_type is present in handlers
  - all five blueprint functions are non-nil
*/
type JobRegistry struct {
	mu         sync.RWMutex
	blueprints map[string]*types.JobBlueprint
	handlers   *HandlerRegistry
}

func NewJobRegistry(handlers *HandlerRegistry) *JobRegistry {
	return &JobRegistry{
		blueprints: make(map[string]*types.JobBlueprint),
		handlers:   handlers,
	}
}

func (r *JobRegistry) Register(b *types.JobBlueprint) error {
	if b == nil {
		return fmt.Errorf("nil blueprint")
	}
	if b.JobType == "" {
		return fmt.Errorf("blueprint JobType is empty")
	}
	if err := validateStages(b.Stages, r.handlers); err != nil {
		return fmt.Errorf("job_type=%s: %w", b.JobType, err)
	}
	if err := validateFunctions(b); err != nil {
		return fmt.Errorf("job_type=%s: %w", b.JobType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blueprints[b.JobType]; exists {
		return fmt.Errorf("blueprint already registered for job_type=%s", b.JobType)
	}
	r.blueprints[b.JobType] = b
	return nil
}

func (r *JobRegistry) Get(jobType string) (*types.JobBlueprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blueprints[jobType]
	return b, ok
}

func validateStages(stages []types.StageDefinition, handlers *HandlerRegistry) error {
	if len(stages) == 0 {
		return fmt.Errorf("stages must be non-empty")
	}
	for i, s := range stages {
		if s.Number != i+1 {
			return fmt.Errorf("stages must be numbered 1..N contiguous, stage at index %d has number %d", i, s.Number)
		}
		if s.Parallelism == types.FanIn {
			continue
		}
		if s.TaskType == "" {
			return fmt.Errorf("stage %d: task_type required for parallelism=%s", s.Number, s.Parallelism)
		}
		if handlers != nil && !handlers.Has(s.TaskType) {
			return fmt.Errorf("stage %d: task_type=%s has no registered handler", s.Number, s.TaskType)
		}
	}
	return nil
}

func validateFunctions(b *types.JobBlueprint) error {
	switch {
	case b.ValidateParameters == nil:
		return fmt.Errorf("ValidateParameters is required")
	case b.GenerateJobID == nil:
		return fmt.Errorf("GenerateJobID is required")
	case b.CreateJobRecord == nil:
		return fmt.Errorf("CreateJobRecord is required")
	case b.EnqueueJob == nil:
		return fmt.Errorf("EnqueueJob is required")
	case b.CreateTasksForStage == nil:
		return fmt.Errorf("CreateTasksForStage is required")
	}
	return nil
}
