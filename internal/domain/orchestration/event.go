package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventKind enumerates the transitions CoreMachine records to the
// timeline. Not read by the state machine itself — purely an operator
// affordance — so a missing or delayed event row never affects §3.2's
// invariants.
type EventKind string

const (
	EventStageStarted  EventKind = "stage_started"
	EventTaskEnqueued  EventKind = "task_enqueued"
	EventTaskCompleted EventKind = "task_completed"
	EventStageAdvanced EventKind = "stage_advanced"
	EventJobCompleted  EventKind = "job_completed"
	EventJobFailed     EventKind = "job_failed"
)

/*
OrchestrationEvent is an append-only ledger row recorded on every state
transition CoreMachine makes. It generalizes the teacher's
internal/domain/jobs/job_run_event.go "canonical timeline for the
frontend" ledger from a single flat job_run row to the Job/Stage/Task
model: one event per job_id (optionally scoped to a task_id and stage).

This is a supplemental feature (§3.4 of the expanded spec), never
consulted by complete_task_and_check_stage, advance_job_stage or
check_job_completion — it exists so an operator can reconstruct what
happened to a job without replaying queue traffic.
*/
type OrchestrationEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     string         `gorm:"column:job_id;type:varchar(64);not null;index" json:"job_id"`
	TaskID    string         `gorm:"column:task_id;type:varchar(255);index" json:"task_id,omitempty"`
	Stage     int            `gorm:"column:stage;not null;default:0" json:"stage"`
	Kind      EventKind      `gorm:"column:kind;type:varchar(32);not null;index" json:"kind"`
	Message   string         `gorm:"column:message;type:text" json:"message,omitempty"`
	Data      datatypes.JSON `gorm:"column:data;type:jsonb;not null;default:'{}'" json:"data"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (OrchestrationEvent) TableName() string { return "orchestration_events" }
