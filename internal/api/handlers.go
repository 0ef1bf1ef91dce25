// Package api serves the HTTP surface of the dev backend.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/config"
	"github.com/meshport/meshport/internal/convert"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/metrics"
	"github.com/meshport/meshport/internal/storage"
	"github.com/meshport/meshport/internal/ws"
)

var startTime = time.Now()

// Notifier is told when a job was queued.
type Notifier interface {
	Notify()
}

type Handlers struct {
	cfg      *config.Config
	jobs     job.JobStore
	files    *storage.Store
	conv     *convert.Converter
	notifier Notifier
	hub      *ws.Hub
	wsServer *ws.Server
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dto.HealthResponse{
		Success: true,
		Status:  "healthy",
		Uptime:  int(time.Since(startTime).Seconds()),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs":           h.jobs.Stats(),
		"job_store":      h.cfg.JobStore,
		"workers":        h.cfg.WorkerCount,
	}
	if h.hub != nil {
		resp["watchers"] = h.hub.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob serves both /jobs/{id} and /tripo/status/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.jobs.Get(id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error("failed to read job", zap.String("job_id", id), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "Failed to get job status")
		return
	}
	writeJSON(w, http.StatusOK, dto.JobStatusResponse{
		Success:   true,
		Snapshot:  j.Snapshot(),
		CreatedAt: j.CreatedAt.UnixMilli(),
		UpdatedAt: j.UpdatedAt.UnixMilli(),
	})
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := r.URL.Query().Get("status")

	if limit <= 0 {
		limit = 20
	}
	if status != "" && !job.Status(status).Valid() {
		writeError(w, r, http.StatusBadRequest, "Unknown status "+strconv.Quote(status))
		return
	}

	jobs, total := h.jobs.List(limit, offset, status)
	snaps := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    snaps,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *Handlers) WatchJob(w http.ResponseWriter, r *http.Request) {
	h.wsServer.ServeJob(w, r, chi.URLParam(r, "id"))
}

// queue stores j and wakes the workers.
func (h *Handlers) queue(j *job.Job) error {
	// Input files and the resulting model live on this instance's disk.
	j.Owner = h.cfg.InstanceID
	if err := h.jobs.Add(j); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.JobSubmitted(string(j.Kind))
	}
	if h.notifier != nil {
		h.notifier.Notify()
	}
	h.logger.Info("job queued", zap.String("job_id", j.ID), zap.String("kind", string(j.Kind)))
	return nil
}

func queuedResponse(j *job.Job, pollPrefix string) dto.UploadResponse {
	return dto.UploadResponse{
		Success: true,
		Status:  dto.OutcomeProcessing,
		JobID:   j.ID,
		Message: "Processing started",
		PollURL: pollPrefix + j.ID,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, dto.ErrorResponse{Error: msg, TraceID: GetTraceID(r.Context())})
}
