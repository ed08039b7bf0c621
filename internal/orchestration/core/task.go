package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	orcherrors "github.com/oss/geoetl-orchestrator/internal/pkg/errors"
)

/*
ProcessTask is the task message handler (C5, §4.5.2). It claims the task,
resolves and invokes its handler, and folds the result back through the
one call site that may observe "last sibling in this stage" —
complete_task_and_check_stage — triggering stage completion (§4.5.3) when
it does.
*/
func (m *Machine) ProcessTask(ctx context.Context, raw []byte) error {
	var msg types.TaskQueueMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return m.deadLetter(ctx, m.cfg.TasksQueueName, raw, "malformed task message: "+err.Error())
	}

	dbc := noopDBC(ctx)

	task, err := m.tasks.GetByID(dbc, msg.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", msg.TaskID, err)
	}
	if task == nil || task.Terminal() {
		// Unknown task or redelivery after completion: idempotent no-op
		// per §4.5.2 step 1 / property P6.
		return nil
	}

	// QUEUED -> PROCESSING. A false return means a prior delivery already
	// claimed it; proceed anyway and let complete_task_and_check_stage
	// enforce idempotency, per §4.5.2 step 2.
	if _, err := m.tasks.ClaimForProcessing(dbc, task.TaskID); err != nil {
		return fmt.Errorf("claim task %s for processing: %w", task.TaskID, err)
	}

	handler, ok := m.handlers.Get(task.TaskType)
	if !ok {
		cv := orcherrors.NewContractViolation("HANDLER_NOT_REGISTERED", task.TaskType)
		return m.completeTaskAndAdvance(ctx, dbc, task, nil, cv.Error())
	}

	tc := types.TaskContext{
		TaskID:        task.TaskID,
		ParentJobID:   task.ParentJobID,
		Stage:         task.Stage,
		TaskIndex:     task.TaskIndex,
		CorrelationID: msg.CorrelationID,
		LoadPredecessorResult: func() (map[string]any, bool, error) {
			return m.loadPredecessorResult(dbc, task.ParentJobID, task.Stage, task.TaskIndex)
		},
		RetryPolicy: m.retryPolicy(),
	}

	result := m.invokeHandler(ctx, handler, toMap(task.Parameters), tc)

	var errDetails string
	if !result.Success {
		errDetails = result.ErrorDetails
		if errDetails == "" {
			errDetails = "UNKNOWN_ERROR"
		}
	}

	return m.completeTaskAndAdvance(ctx, dbc, task, result.ResultData, errDetails)
}

// invokeHandler runs the handler with panic recovery (§7: an uncaptured
// exception is treated as success=false, never raised across the
// boundary) and enforces the per-task wall-clock timeout from §5: a
// handler that does not return before HandlerTimeout is treated as
// success=false with error_details=TIMEOUT.
func (m *Machine) invokeHandler(ctx context.Context, handler types.TaskHandler, params map[string]any, tc types.TaskContext) (result types.TaskResult) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan types.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.TaskResult{Success: false, ErrorDetails: fmt.Sprintf("PANIC: %v", r)}
			}
		}()
		res, err := handler.Handle(hctx, params, tc)
		if err != nil {
			done <- types.TaskResult{Success: false, ErrorDetails: err.Error()}
			return
		}
		done <- res
	}()

	select {
	case result = <-done:
		return result
	case <-hctx.Done():
		return types.TaskResult{Success: false, ErrorDetails: "TIMEOUT"}
	}
}

func (m *Machine) loadPredecessorResult(dbc dbctx.Context, jobID string, stage int, taskIndex string) (map[string]any, bool, error) {
	if stage <= 1 {
		return nil, false, nil
	}
	predecessor, err := m.tasks.GetByJobStageAndIndex(dbc, jobID, stage-1, taskIndex)
	if err != nil {
		return nil, false, err
	}
	if predecessor == nil || predecessor.Status != types.TaskCompleted {
		return nil, false, nil
	}
	return toMap(predecessor.ResultData), true, nil
}

// completeTaskAndAdvance calls complete_task_and_check_stage and, when it
// reports this task was the last non-terminal sibling of its stage, runs
// stage completion (§4.5.3). Stage completion runs after that procedure's
// transaction has committed, so its advisory lock is no longer held; only
// the AdvanceStage call inside it takes the lock again.
func (m *Machine) completeTaskAndAdvance(ctx context.Context, dbc dbctx.Context, task *types.TaskRecord, resultData map[string]any, errorDetails string) error {
	stageDone, err := m.tasks.CompleteAndCheckStage(dbc, task.TaskID, task.ParentJobID, task.Stage, resultData, errorDetails)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", task.TaskID, err)
	}

	m.recordEvent(dbc, task.ParentJobID, task.TaskID, task.Stage, types.EventTaskCompleted, errorDetails, nil)

	if !stageDone {
		return nil
	}
	return m.stageComplete(ctx, dbc, task.ParentJobID, task.Stage)
}

// stageComplete is §4.5.3: aggregate the stage's tasks, fail the job on
// any FAILED sibling, otherwise compute stage_results and either advance
// to the next stage or mark the job COMPLETED on the final stage.
func (m *Machine) stageComplete(ctx context.Context, dbc dbctx.Context, jobID string, stage int) error {
	job, err := m.jobs.GetByID(dbc, jobID)
	if err != nil {
		return fmt.Errorf("load job %s for stage completion: %w", jobID, err)
	}
	if job == nil || job.Terminal() {
		// Another concurrent completion already closed this job out, or
		// it was deleted externally; replay-safe no-op (P6).
		return nil
	}

	siblings, err := m.tasks.ListForJobStage(dbc, jobID, stage)
	if err != nil {
		return fmt.Errorf("list stage %d tasks for job %s: %w", stage, jobID, err)
	}

	var failed []string
	tasksResults := make([]map[string]any, 0, len(siblings))
	for _, t := range siblings {
		switch t.Status {
		case types.TaskFailed:
			failed = append(failed, t.TaskID)
		case types.TaskCompleted:
			tasksResults = append(tasksResults, toMap(t.ResultData))
		}
	}

	if len(failed) > 0 {
		detail := fmt.Sprintf("stage %d failed: tasks %s did not complete successfully", stage, strings.Join(failed, ", "))
		if _, err := m.jobs.SetTerminal(dbc, jobID, types.JobFailed, nil, detail); err != nil {
			return fmt.Errorf("fail job %s: %w", jobID, err)
		}
		m.recordEvent(dbc, jobID, "", stage, types.EventJobFailed, detail, nil)
		return nil
	}

	stageResult := map[string]any{"tasks": tasksResultsAsAny(tasksResults)}
	stageKey := strconv.Itoa(stage)

	if stage >= job.TotalStages {
		final := toMap(job.StageResults)
		final[stageKey] = stageResult
		if _, err := m.jobs.SetTerminal(dbc, jobID, types.JobCompleted, final, ""); err != nil {
			return fmt.Errorf("complete job %s: %w", jobID, err)
		}
		m.recordEvent(dbc, jobID, "", stage, types.EventJobCompleted, "", nil)
		return nil
	}

	nextStage := stage + 1
	if _, err := m.jobs.AdvanceStage(dbc, jobID, nextStage, map[string]any{stageKey: stageResult}); err != nil {
		return fmt.Errorf("advance job %s to stage %d: %w", jobID, nextStage, err)
	}
	m.recordEvent(dbc, jobID, "", nextStage, types.EventStageAdvanced, "", nil)

	nextMsg := types.JobQueueMessage{
		JobID:         jobID,
		JobType:       job.JobType,
		Stage:         nextStage,
		Parameters:    toMap(job.Parameters),
		StageResults:  map[string]any{stageKey: stageResult},
		MessageID:     types.NewMessageID(),
		CorrelationID: types.NewMessageID(),
		Timestamp:     nowRFC3339(),
	}
	if err := m.enqueueJobMessage(ctx, nextMsg); err != nil {
		return fmt.Errorf("enqueue job message for job %s stage %d: %w", jobID, nextStage, err)
	}
	return nil
}

func tasksResultsAsAny(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
