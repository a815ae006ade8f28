package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/scheduler"
	"github.com/wonny/autotrader/pkg/logger"
)

// JobController is the scheduler surface the API drives
type JobController interface {
	Statuses() []scheduler.JobStatus
	Status(name string) (*scheduler.JobStatus, error)
	History(name string, n int) ([]scheduler.JobResult, error)
	Trigger(name string) (string, error)
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
}

// JobHandler serves job status and commands
// ⭐ SSOT: 작업 제어 API는 이 구조체에서만
type JobHandler struct {
	jobs   JobController
	logger *logger.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobController, log *logger.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: log}
}

// historyLimit is how many recent runs GetJob returns
const historyLimit = 20

// ListJobs returns every job's status
// GET /api/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": h.jobs.Statuses(),
	})
}

// GetJob returns one job's status and recent runs
// GET /api/jobs/{name}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	status, err := h.jobs.Status(name)
	if err != nil {
		h.respondJobError(w, name, err)
		return
	}
	history, err := h.jobs.History(name, historyLimit)
	if err != nil {
		h.respondJobError(w, name, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"history": history,
	})
}

// TriggerJob starts a run now
// POST /api/jobs/{name}/trigger
func (h *JobHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	runID, err := h.jobs.Trigger(name)
	if err != nil {
		h.respondJobError(w, name, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"job":    name,
		"run_id": runID,
	}).Info("Job triggered via API")

	RespondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job":    name,
		"run_id": runID,
	})
}

// EnableJob resumes a job's cadence
// POST /api/jobs/{name}/enable
func (h *JobHandler) EnableJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.jobs.Enable(r.Context(), name); err != nil {
		h.respondJobError(w, name, err)
		return
	}
	h.respondStatus(w, name)
}

// DisableJob pauses a job's cadence; a running run finishes
// POST /api/jobs/{name}/disable
func (h *JobHandler) DisableJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.jobs.Disable(r.Context(), name); err != nil {
		h.respondJobError(w, name, err)
		return
	}
	h.respondStatus(w, name)
}

func (h *JobHandler) respondStatus(w http.ResponseWriter, name string) {
	status, err := h.jobs.Status(name)
	if err != nil {
		h.respondJobError(w, name, err)
		return
	}
	RespondJSON(w, http.StatusOK, status)
}

func (h *JobHandler) respondJobError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		RespondError(w, http.StatusNotFound, "unknown job: "+name)
	case errors.Is(err, scheduler.ErrJobRunning):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.WithError(err).WithField("job", name).Error("Job command failed")
		RespondError(w, http.StatusInternalServerError, "job command failed")
	}
}
