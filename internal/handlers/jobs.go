package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

// JobQueue is the subset of the job store the admin job routes use.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// JobHandler exposes the maintenance job queue to operators.
type JobHandler struct {
	Queue JobQueue
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(queue JobQueue) *JobHandler {
	return &JobHandler{Queue: queue}
}

// RegisterRoutes mounts the job routes on r.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Get("/jobs/stats", h.Stats)
	r.Post("/jobs/sweep", h.TriggerSweep)
	r.Get("/jobs/{id}", h.Get)
	r.Post("/jobs/{id}/cancel", h.Cancel)
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}

// Get returns one job.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.Queue.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Error().Err(err).Int64("job_id", id).Msg("jobs: get failed")
		writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel cancels a pending or failed job.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.Queue.CancelJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found or not cancellable")
			return
		}
		log.Error().Err(err).Int64("job_id", id).Msg("jobs: cancel failed")
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.JobStatusCancelled})
}

// Stats returns job counts by status.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.GetStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("jobs: stats failed")
		writeError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// TriggerSweep enqueues a one-off expiry sweep ahead of the schedule.
func (h *JobHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	job := &models.Job{
		JobType:     models.JobTypeExpirySweep,
		Priority:    models.JobPriorityHigh,
		MaxAttempts: 1,
		Payload:     models.JSONB{"trigger": "admin"},
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Queue.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("jobs: enqueue sweep failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue sweep")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": job.ID, "status": job.Status})
}
