package db

import (
	"fmt"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"gorm.io/gorm"
)

// AutoMigrateAll creates the persisted state layout (§3): the jobs and
// tasks tables, plus the append-only orchestration_events timeline table.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.JobRecord{},
		&types.TaskRecord{},
		&types.OrchestrationEvent{},
	)
}

// EnsureOrchestrationIndexes creates the indexes named in §4.1: tasks is
// indexed by (parent_job_id, stage, status) for sibling-set scans during
// stage completion, and jobs by (status, created_at) for any future
// polling/admin view over the table.
func EnsureOrchestrationIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_parent_stage_status
		ON tasks (parent_job_id, stage, status);
	`).Error; err != nil {
		return fmt.Errorf("create idx_tasks_parent_stage_status: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at
		ON jobs (status, created_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_status_created_at: %w", err)
	}
	return nil
}

/*
EnsureOrchestrationProcedures installs the three atomic server-side
operations the orchestrator relies on (§4.1). Each acquires
pg_advisory_xact_lock(hashtext(job_id)) so the lock is scoped to the
calling transaction and released automatically on commit/rollback — the
Postgres-native equivalent of the row-level SKIP LOCKED claim used
elsewhere in this codebase, generalized to guard an entire (job_id,
stage) sibling set rather than a single row, which "last task turns out
the lights" requires.
*/
func EnsureOrchestrationProcedures(db *gorm.DB) error {
	if err := db.Exec(completeTaskAndCheckStageSQL).Error; err != nil {
		return fmt.Errorf("create complete_task_and_check_stage: %w", err)
	}
	if err := db.Exec(advanceJobStageSQL).Error; err != nil {
		return fmt.Errorf("create advance_job_stage: %w", err)
	}
	if err := db.Exec(checkJobCompletionSQL).Error; err != nil {
		return fmt.Errorf("create check_job_completion: %w", err)
	}
	return nil
}

const completeTaskAndCheckStageSQL = `
CREATE OR REPLACE FUNCTION complete_task_and_check_stage(
	p_task_id varchar,
	p_job_id varchar,
	p_stage int,
	p_result_data jsonb,
	p_error_details text
) RETURNS boolean AS $$
DECLARE
	v_remaining int;
	v_updated int;
BEGIN
	UPDATE tasks
	SET status = CASE WHEN p_error_details IS NULL THEN 'COMPLETED' ELSE 'FAILED' END,
	    result_data = p_result_data,
	    error_details = COALESCE(p_error_details, ''),
	    updated_at = now()
	WHERE task_id = p_task_id
	  AND parent_job_id = p_job_id
	  AND stage = p_stage
	  AND status = 'PROCESSING';

	GET DIAGNOSTICS v_updated = ROW_COUNT;
	IF v_updated = 0 THEN
		RETURN false;
	END IF;

	PERFORM pg_advisory_xact_lock(hashtext(p_job_id)::bigint);

	SELECT count(*) INTO v_remaining
	FROM tasks
	WHERE parent_job_id = p_job_id
	  AND stage = p_stage
	  AND status NOT IN ('COMPLETED', 'FAILED');

	RETURN v_remaining = 0;
END;
$$ LANGUAGE plpgsql;
`

const advanceJobStageSQL = `
CREATE OR REPLACE FUNCTION advance_job_stage(
	p_job_id varchar,
	p_next_stage int,
	p_stage_results jsonb
) RETURNS boolean AS $$
DECLARE
	v_rows int;
BEGIN
	PERFORM pg_advisory_xact_lock(hashtext(p_job_id)::bigint);

	UPDATE jobs
	SET stage_results = stage_results || p_stage_results,
	    stage = p_next_stage,
	    status = CASE WHEN status = 'QUEUED' THEN 'PROCESSING' ELSE status END,
	    updated_at = now()
	WHERE job_id = p_job_id
	  AND p_next_stage = stage + 1
	  AND p_next_stage <= total_stages;

	GET DIAGNOSTICS v_rows = ROW_COUNT;
	RETURN v_rows > 0;
END;
$$ LANGUAGE plpgsql;
`

const checkJobCompletionSQL = `
CREATE OR REPLACE FUNCTION check_job_completion(p_job_id varchar) RETURNS boolean AS $$
DECLARE
	v_stage int;
	v_total int;
BEGIN
	PERFORM pg_advisory_xact_lock(hashtext(p_job_id)::bigint);

	SELECT stage, total_stages INTO v_stage, v_total FROM jobs WHERE job_id = p_job_id;
	IF NOT FOUND THEN
		RETURN false;
	END IF;
	RETURN v_stage >= v_total;
END;
$$ LANGUAGE plpgsql;
`
