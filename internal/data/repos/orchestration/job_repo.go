package orchestration

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
)

/*
JobRepo is the State Store's job-row half (§4.1/§6.4). Every mutation
that must observe the "last task turns out the lights" race goes through
AdvanceStage or CheckCompletion, which call the advisory-locked stored
procedures installed by EnsureOrchestrationProcedures rather than
composing ordinary GORM updates — a plain UPDATE here would reintroduce
the lost-update race this whole layer exists to close.
*/
type JobRepo interface {
	Create(dbc dbctx.Context, job *types.JobRecord) (*types.JobRecord, error)
	GetByID(dbc dbctx.Context, jobID string) (*types.JobRecord, error)
	UpdateFieldsUnlessTerminal(dbc dbctx.Context, jobID string, updates map[string]interface{}) (bool, error)
	AdvanceStage(dbc dbctx.Context, jobID string, nextStage int, stageResults map[string]any) (bool, error)
	CheckCompletion(dbc dbctx.Context, jobID string) (bool, error)
	SetTerminal(dbc dbctx.Context, jobID string, status types.JobStatus, resultData map[string]any, errorDetails string) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// Create inserts job. A pre-existing job_id is left untouched and the call
// still succeeds (ON CONFLICT DO NOTHING).
func (r *jobRepo) Create(dbc dbctx.Context, job *types.JobRecord) (*types.JobRecord, error) {
	if job == nil {
		return nil, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, jobID string) (*types.JobRecord, error) {
	if jobID == "" {
		return nil, nil
	}
	var job types.JobRecord
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) UpdateFieldsUnlessTerminal(dbc dbctx.Context, jobID string, updates map[string]interface{}) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.JobRecord{}).
		Where("job_id = ? AND status NOT IN ?", jobID, []string{string(types.JobCompleted), string(types.JobFailed)}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AdvanceStage calls advance_job_stage(job_id, next_stage, stage_results),
// the stored procedure that atomically merges stage_results and moves the
// job's stage pointer forward. Returns false if the job was not at
// next_stage-1 when called — a repeat call with the same next_stage is a
// harmless no-op, per §4.1.
func (r *jobRepo) AdvanceStage(dbc dbctx.Context, jobID string, nextStage int, stageResults map[string]any) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	payload, err := marshalJSON(stageResults)
	if err != nil {
		return false, err
	}
	var advanced bool
	err = r.tx(dbc).WithContext(dbc.Ctx).
		Raw("SELECT advance_job_stage(?, ?, ?)", jobID, nextStage, payload).
		Scan(&advanced).Error
	if err != nil {
		return false, err
	}
	return advanced, nil
}

// CheckCompletion calls check_job_completion(job_id), a read-only
// procedure returning true once stage >= total_stages.
func (r *jobRepo) CheckCompletion(dbc dbctx.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	var done bool
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Raw("SELECT check_job_completion(?)", jobID).
		Scan(&done).Error
	if err != nil {
		return false, err
	}
	return done, nil
}

func (r *jobRepo) SetTerminal(dbc dbctx.Context, jobID string, status types.JobStatus, resultData map[string]any, errorDetails string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	payload, err := marshalJSON(resultData)
	if err != nil {
		return false, err
	}
	updates := map[string]interface{}{
		"status":        status,
		"result_data":   payload,
		"error_details": errorDetails,
		"updated_at":    time.Now(),
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.JobRecord{}).
		Where("job_id = ? AND status NOT IN ?", jobID, []string{string(types.JobCompleted), string(types.JobFailed)}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func marshalJSON(v map[string]any) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON([]byte("{}")), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
