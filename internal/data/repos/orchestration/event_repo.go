package orchestration

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
)

/*
EventRepo persists the append-only operator timeline (§3.4). It is
intentionally fire-and-forget from CoreMachine's perspective: a failed
Record call is logged and swallowed rather than failing the job, since
the timeline is a read-side affordance, never a source of truth for the
state machine.
*/
type EventRepo interface {
	Record(dbc dbctx.Context, ev *types.OrchestrationEvent) error
	ListForJob(dbc dbctx.Context, jobID string) ([]*types.OrchestrationEvent, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{db: db, log: baseLog.With("repo", "EventRepo")}
}

func (r *eventRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *eventRepo) Record(dbc dbctx.Context, ev *types.OrchestrationEvent) error {
	if ev == nil || ev.JobID == "" {
		return nil
	}
	if len(ev.Data) == 0 {
		ev.Data = datatypes.JSON([]byte("{}"))
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(ev).Error
}

func (r *eventRepo) ListForJob(dbc dbctx.Context, jobID string) ([]*types.OrchestrationEvent, error) {
	if jobID == "" {
		return nil, nil
	}
	var events []*types.OrchestrationEvent
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
