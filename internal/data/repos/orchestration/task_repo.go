package orchestration

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
)

/*
TaskRepo is the State Store's task-row half. CompleteAndCheckStage is the
one method that matters most: it is the only call site in the codebase
that may legitimately observe "all siblings in this stage are done", and
it gets that answer from complete_task_and_check_stage rather than by
composing a SELECT after an UPDATE, which would race against a sibling
task's own completion.
*/
type TaskRepo interface {
	BulkCreate(dbc dbctx.Context, tasks []*types.TaskRecord) ([]*types.TaskRecord, error)
	GetByID(dbc dbctx.Context, taskID string) (*types.TaskRecord, error)
	ListForJobStage(dbc dbctx.Context, jobID string, stage int) ([]*types.TaskRecord, error)
	GetByJobStageAndIndex(dbc dbctx.Context, jobID string, stage int, taskIndex string) (*types.TaskRecord, error)
	ClaimForProcessing(dbc dbctx.Context, taskID string) (bool, error)
	CompleteAndCheckStage(dbc dbctx.Context, taskID, jobID string, stage int, resultData map[string]any, errorDetails string) (bool, error)
	Heartbeat(dbc dbctx.Context, taskID string) error
	BatchUpdateStatuses(dbc dbctx.Context, taskIDs []string, status types.TaskStatus, errorDetails string) (int64, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// BulkCreate inserts tasks, silently ignoring rows whose primary key
// already exists. §4.5.1 requires CreateTasksForStage's output to be
// idempotent on PK so a repeated processJob for the same (job_id, stage)
// never fails on a duplicate insert.
func (r *taskRepo) BulkCreate(dbc dbctx.Context, tasks []*types.TaskRecord) ([]*types.TaskRecord, error) {
	if len(tasks) == 0 {
		return []*types.TaskRecord{}, nil
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, taskID string) (*types.TaskRecord, error) {
	if taskID == "" {
		return nil, nil
	}
	var task types.TaskRecord
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) ListForJobStage(dbc dbctx.Context, jobID string, stage int) ([]*types.TaskRecord, error) {
	if jobID == "" {
		return nil, nil
	}
	var tasks []*types.TaskRecord
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("parent_job_id = ? AND stage = ?", jobID, stage).
		Order("task_id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetByJobStageAndIndex finds the task at a given (job_id, stage,
// task_index) — used by the predecessor loader to find "the same
// semantic index in stage-1".
func (r *taskRepo) GetByJobStageAndIndex(dbc dbctx.Context, jobID string, stage int, taskIndex string) (*types.TaskRecord, error) {
	if jobID == "" || taskIndex == "" {
		return nil, nil
	}
	var task types.TaskRecord
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("parent_job_id = ? AND stage = ? AND task_index = ?", jobID, stage, taskIndex).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimForProcessing transitions a task from QUEUED to PROCESSING.
// Returns false if the task was already claimed (not QUEUED); ProcessTask
// still runs the handler in that case and relies on
// complete_task_and_check_stage to ignore a second completion.
func (r *taskRepo) ClaimForProcessing(dbc dbctx.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, nil
	}
	now := time.Now()
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRecord{}).
		Where("task_id = ? AND status = ?", taskID, types.TaskQueued).
		Updates(map[string]interface{}{
			"status":     types.TaskProcessing,
			"heartbeat":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CompleteAndCheckStage calls complete_task_and_check_stage(task_id,
// job_id, stage, result_data, error_details), the stored procedure that
// atomically marks this task terminal and reports whether it was the
// last non-terminal sibling in (job_id, stage).
func (r *taskRepo) CompleteAndCheckStage(dbc dbctx.Context, taskID, jobID string, stage int, resultData map[string]any, errorDetails string) (bool, error) {
	if taskID == "" || jobID == "" {
		return false, nil
	}
	payload, err := marshalJSON(resultData)
	if err != nil {
		return false, err
	}
	var errArg interface{}
	if errorDetails != "" {
		errArg = errorDetails
	}
	var stageDone bool
	err = r.tx(dbc).WithContext(dbc.Ctx).
		Raw("SELECT complete_task_and_check_stage(?, ?, ?, ?, ?)", taskID, jobID, stage, payload, errArg).
		Scan(&stageDone).Error
	if err != nil {
		return false, err
	}
	return stageDone, nil
}

// BatchUpdateStatuses forces a set of tasks to a terminal status in one
// statement — used when a sibling task's enqueue fails and the remaining
// queued tasks in its stage must be failed out rather than left to hang
// forever waiting for a sibling that will never complete.
func (r *taskRepo) BatchUpdateStatuses(dbc dbctx.Context, taskIDs []string, status types.TaskStatus, errorDetails string) (int64, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	now := time.Now()
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRecord{}).
		Where("task_id IN ?", taskIDs).
		Updates(map[string]interface{}{
			"status":        status,
			"error_details": errorDetails,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *taskRepo) Heartbeat(dbc dbctx.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRecord{}).
		Where("task_id = ? AND status = ?", taskID, types.TaskProcessing).
		Updates(map[string]interface{}{
			"heartbeat":  now,
			"updated_at": now,
		}).Error
}
