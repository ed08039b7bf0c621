package orchestration

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the terminal/non-terminal state of a JobRecord.
//
// Allowed transitions: QUEUED -> PROCESSING -> {COMPLETED, FAILED}.
// COMPLETED and FAILED are terminal; neither is ever left.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether s admits no further transition.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

/*
JobRecord is one row per submitted job.

job_id is the idempotency key: the 64-hex SHA-256 digest of the canonical
JSON encoding of the job's normalized parameters (see GenerateJobID). Two
submissions that canonicalize to the same bytes always produce the same
job_id and, by construction, the same row.

stage_results accumulates one entry per completed stage, keyed by the
stage number as a decimal string ("1", "2", ...) so it round-trips cleanly
through JSON object keys. metadata, parameters and stage_results are never
null on the wire or in storage; a job with no metadata stores {}.
*/
type JobRecord struct {
	JobID        string         `gorm:"column:job_id;type:varchar(64);primaryKey" json:"job_id"`
	JobType      string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status       JobStatus      `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Stage        int            `gorm:"column:stage;not null" json:"stage"`
	TotalStages  int            `gorm:"column:total_stages;not null" json:"total_stages"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb;not null;default:'{}'" json:"parameters"`
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb;not null;default:'{}'" json:"stage_results"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	ErrorDetails string         `gorm:"column:error_details;type:text" json:"error_details,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb;not null;default:'{}'" json:"metadata"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (JobRecord) TableName() string { return "jobs" }

// Terminal reports whether the job has reached COMPLETED or FAILED.
func (j *JobRecord) Terminal() bool { return j != nil && j.Status.IsTerminal() }
