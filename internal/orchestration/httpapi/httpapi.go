package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	repos "github.com/oss/geoetl-orchestrator/internal/data/repos/orchestration"
	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/http/response"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/registry"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	"github.com/oss/geoetl-orchestrator/internal/platform/apierr"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
)

/*
Handler is the thin HTTP seam §6.2 calls for: it calls the five
blueprint functions then the store, and exposes nothing else. It is
deliberately not "the HTTP surface" (out of scope per spec.md §1) — just
enough to exercise job submission and status lookup end to end.
*/
type Handler struct {
	jobs   repos.JobRepo
	jobReg *registry.JobRegistry
	log    *logger.Logger
}

func NewHandler(jobs repos.JobRepo, jobReg *registry.JobRegistry, baseLog *logger.Logger) *Handler {
	return &Handler{jobs: jobs, jobReg: jobReg, log: baseLog.With("component", "OrchestrationHTTPAPI")}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/jobs/:job_type", h.SubmitJob)
	r.GET("/jobs/:job_id", h.GetJob)
}

type submitRequest struct {
	Parameters map[string]any `json:"parameters"`
}

/*
SubmitJob implements §6.2: validate_parameters -> generate_job_id ->
create_job_record -> enqueue_job -> {200, job_id}. Re-submitting
parameters that canonicalize to an existing job_id returns that job's
current record unchanged (invariant 1, property P1) rather than erroring.
*/
func (h *Handler) SubmitJob(c *gin.Context) {
	jobType := c.Param("job_type")
	blueprint, ok := h.jobReg.Get(jobType)
	if !ok {
		response.RespondAPIErr(c, apierr.New(http.StatusNotFound, "UNKNOWN_JOB_TYPE", fmt.Errorf("unknown job type %q", jobType)))
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, "INVALID_BODY", err))
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	if err := blueprint.ValidateParameters(req.Parameters); err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, "INVALID_PARAMETERS", err))
		return
	}

	jobID, err := blueprint.GenerateJobID(req.Parameters)
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "JOB_ID_GENERATION_FAILED", err))
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if existing, err := h.jobs.GetByID(dbc, jobID); err == nil && existing != nil {
		response.RespondOK(c, toSubmitResponse(existing))
		return
	}

	job, err := blueprint.CreateJobRecord(jobID, req.Parameters)
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "JOB_RECORD_CREATION_FAILED", err))
		return
	}

	if _, err := h.jobs.Create(dbc, job); err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "JOB_PERSIST_FAILED", err))
		return
	}

	if err := blueprint.EnqueueJob(job); err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "JOB_ENQUEUE_FAILED", err))
		return
	}

	response.RespondOK(c, toSubmitResponse(job))
}

func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	job, err := h.jobs.GetByID(dbc, jobID)
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "JOB_LOOKUP_FAILED", err))
		return
	}
	if job == nil {
		response.RespondAPIErr(c, apierr.New(http.StatusNotFound, "JOB_NOT_FOUND", fmt.Errorf("job %q not found", jobID)))
		return
	}
	response.RespondOK(c, job)
}

type submitResponse struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
}

func toSubmitResponse(job *types.JobRecord) submitResponse {
	return submitResponse{JobID: job.JobID, Status: job.Status}
}
