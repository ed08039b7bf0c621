package core

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	orcherrors "github.com/oss/geoetl-orchestrator/internal/pkg/errors"
)

/*
ProcessJob is the job message handler (C5, §4.5.1). It is a pure message
processor: given a JobQueueMessage it resolves the stage's task list,
persists the TaskRecords, enqueues the corresponding TaskQueueMessages,
and bumps the job to PROCESSING. It never advances the job's stage
itself — that only ever happens from stage completion (§4.5.3), reached
through ProcessTask.
*/
func (m *Machine) ProcessJob(ctx context.Context, raw []byte) error {
	var msg types.JobQueueMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return m.deadLetter(ctx, m.cfg.JobsQueueName, raw, "malformed job message: "+err.Error())
	}

	dbc := noopDBC(ctx)

	job, err := m.jobs.GetByID(dbc, msg.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	if job == nil {
		return m.deadLetter(ctx, m.cfg.JobsQueueName, raw, "UNKNOWN_JOB")
	}
	if job.Terminal() {
		// After-completion redelivery: idempotent no-op (§4.5.1 step 2).
		return nil
	}

	blueprint, ok := m.jobReg.Get(job.JobType)
	if !ok {
		return m.failJob(dbc, job.JobID, orcherrors.NewContractViolation("UNKNOWN_JOB_TYPE", job.JobType).Error())
	}
	stageDef, ok := blueprint.StageByNumber(job.Stage)
	if !ok {
		return m.failJob(dbc, job.JobID, orcherrors.NewContractViolation("UNKNOWN_STAGE", fmt.Sprintf("job_type=%s stage=%d", job.JobType, job.Stage)).Error())
	}

	previousResults, err := m.loadPreviousResults(dbc, job.JobID, job.Stage-1)
	if err != nil {
		return fmt.Errorf("load previous results for job %s stage %d: %w", job.JobID, job.Stage, err)
	}

	specs, err := m.resolveTaskSpecs(blueprint, stageDef, job, previousResults)
	if err != nil {
		return m.failJob(dbc, job.JobID, err.Error())
	}

	for _, spec := range specs {
		if err := types.ValidateTaskID(spec.TaskID, job.JobID); err != nil {
			return m.failJob(dbc, job.JobID, orcherrors.NewContractViolation("INVALID_TASK_ID", err.Error()).Error())
		}
		if spec.TaskType == "" {
			return m.failJob(dbc, job.JobID, orcherrors.NewContractViolation("MISSING_TASK_TYPE", spec.TaskID).Error())
		}
	}

	records := make([]*types.TaskRecord, 0, len(specs))
	for _, spec := range specs {
		records = append(records, &types.TaskRecord{
			TaskID:      spec.TaskID,
			ParentJobID: job.JobID,
			TaskType:    spec.TaskType,
			Status:      types.TaskQueued,
			Stage:       job.Stage,
			TaskIndex:   types.ExtractSemanticIndex(spec.TaskID, job.Stage),
			Parameters:  toJSON(spec.Parameters),
			Metadata:    toJSON(spec.Metadata),
		})
	}

	if _, err := m.tasks.BulkCreate(dbc, records); err != nil {
		return fmt.Errorf("persist tasks for job %s stage %d: %w", job.JobID, job.Stage, err)
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = newCorrelationID()
	}

	m.recordEvent(dbc, job.JobID, "", job.Stage, types.EventStageStarted, stageDef.Name, map[string]any{"task_count": len(records)})

	// Tasks are already durably persisted (BulkCreate above), so enqueuing
	// them onto the bus is safe to fan out concurrently: a partial failure
	// here only ever fails the job, it never leaves a task record without
	// a backing row. errgroup bounds this to one goroutine per task and
	// surfaces the first enqueue error while letting in-flight sends finish.
	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			taskMsg := types.TaskQueueMessage{
				TaskID:        rec.TaskID,
				ParentJobID:   rec.ParentJobID,
				TaskType:      rec.TaskType,
				Stage:         rec.Stage,
				TaskIndex:     rec.TaskIndex,
				Parameters:    toMap(rec.Parameters),
				MessageID:     types.NewMessageID(),
				CorrelationID: correlationID,
				Timestamp:     nowRFC3339(),
			}
			if err := m.enqueueTaskMessage(gctx, taskMsg); err != nil {
				return fmt.Errorf("task %s: %w", rec.TaskID, err)
			}
			m.recordEvent(dbc, job.JobID, rec.TaskID, job.Stage, types.EventTaskEnqueued, "", nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.failStageTasks(dbc, job.JobID, job.Stage, "ENQUEUE_FAILED")
		return m.failJob(dbc, job.JobID, orcherrors.NewBusinessError("ENQUEUE_FAILED", "failed to enqueue task message", err).Error())
	}

	if _, err := m.jobs.UpdateFieldsUnlessTerminal(dbc, job.JobID, map[string]interface{}{
		"status": types.JobProcessing,
	}); err != nil {
		return fmt.Errorf("bump job %s to PROCESSING: %w", job.JobID, err)
	}

	return nil
}

func (m *Machine) resolveTaskSpecs(blueprint *types.JobBlueprint, stageDef types.StageDefinition, job *types.JobRecord, previousResults []types.PreviousResult) ([]types.TaskSpec, error) {
	if stageDef.Parallelism == types.FanIn {
		prevMaps := make([]map[string]any, 0, len(previousResults))
		for _, pr := range previousResults {
			prevMaps = append(prevMaps, pr.ResultData)
		}
		taskID := types.BuildTaskID(job.JobID, job.Stage, "fanin")
		return []types.TaskSpec{{
			TaskID:   taskID,
			TaskType: stageDef.TaskType,
			Parameters: map[string]any{
				"previous_results": prevMaps,
			},
		}}, nil
	}

	specs, err := blueprint.CreateTasksForStage(stageDef, toMap(job.Parameters), job.JobID, previousResults)
	if err != nil {
		return nil, orcherrors.NewContractViolation("CREATE_TASKS_FAILED", err.Error())
	}
	return specs, nil
}

func (m *Machine) loadPreviousResults(dbc dbctx.Context, jobID string, stage int) ([]types.PreviousResult, error) {
	if stage < 1 {
		return nil, nil
	}
	tasks, err := m.tasks.ListForJobStage(dbc, jobID, stage)
	if err != nil {
		return nil, err
	}
	out := make([]types.PreviousResult, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != types.TaskCompleted {
			continue
		}
		out = append(out, types.PreviousResult{
			TaskID:     t.TaskID,
			TaskIndex:  t.TaskIndex,
			ResultData: toMap(t.ResultData),
		})
	}
	return out, nil
}

func (m *Machine) failJob(dbc dbctx.Context, jobID, errDetails string) error {
	if _, err := m.jobs.SetTerminal(dbc, jobID, types.JobFailed, nil, errDetails); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	m.recordEvent(dbc, jobID, "", 0, types.EventJobFailed, errDetails, nil)
	return nil
}

func (m *Machine) failStageTasks(dbc dbctx.Context, jobID string, stage int, reason string) {
	tasks, err := m.tasks.ListForJobStage(dbc, jobID, stage)
	if err != nil {
		m.log.Warn("failed to list stage tasks for enqueue-failure cleanup", "job_id", jobID, "stage", stage, "error", err)
		return
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !t.Terminal() {
			ids = append(ids, t.TaskID)
		}
	}
	if _, err := m.tasks.BatchUpdateStatuses(dbc, ids, types.TaskFailed, reason); err != nil {
		m.log.Warn("failed to batch-fail stage tasks after enqueue failure", "job_id", jobID, "stage", stage, "error", err)
	}
}
