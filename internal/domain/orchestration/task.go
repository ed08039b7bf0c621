package orchestration

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskStatus is the terminal/non-terminal state of a TaskRecord.
//
// Allowed transitions: QUEUED -> PROCESSING -> {COMPLETED, FAILED}.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

/*
TaskRecord is one row per parallel work item within a job stage.

task_id is a URL-safe string of the form "{job_id[:8]}-s{stage}-{semantic_index}".
Every task_id begins with its parent job's first 8 hex characters and
contains only [A-Za-z0-9-]; callers that violate this are a contract bug,
not a business error (see ValidateTaskID).
*/
type TaskRecord struct {
	TaskID           string         `gorm:"column:task_id;type:varchar(255);primaryKey" json:"task_id"`
	ParentJobID      string         `gorm:"column:parent_job_id;type:varchar(64);not null;index:idx_tasks_parent_stage_status" json:"parent_job_id"`
	TaskType         string         `gorm:"column:task_type;not null" json:"task_type"`
	Status           TaskStatus     `gorm:"column:status;type:varchar(16);not null;index:idx_tasks_parent_stage_status" json:"status"`
	Stage            int            `gorm:"column:stage;not null;index:idx_tasks_parent_stage_status" json:"stage"`
	TaskIndex        string         `gorm:"column:task_index;not null" json:"task_index"`
	Parameters       datatypes.JSON `gorm:"column:parameters;type:jsonb;not null;default:'{}'" json:"parameters"`
	ResultData       datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	NextStageParams  datatypes.JSON `gorm:"column:next_stage_params;type:jsonb" json:"next_stage_params,omitempty"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb;not null;default:'{}'" json:"metadata"`
	ErrorDetails     string         `gorm:"column:error_details;type:text" json:"error_details,omitempty"`
	RetryCount       int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Heartbeat        *time.Time     `gorm:"column:heartbeat" json:"heartbeat,omitempty"`
	CreatedAt        time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (TaskRecord) TableName() string { return "tasks" }

func (t *TaskRecord) Terminal() bool { return t != nil && t.Status.IsTerminal() }
