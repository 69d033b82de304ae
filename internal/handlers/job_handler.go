package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/metrics"
	"github.com/halcyonworks/renderq/internal/models"
	"github.com/halcyonworks/renderq/internal/services/jobs"
)

// maxSubmissionBody caps POST /jobs bodies at 10 MiB
const maxSubmissionBody = 10 << 20

// JobHandler serves the job REST surface
type JobHandler struct {
	service *jobs.Service
	metrics *metrics.Metrics
	logger  arbor.ILogger
}

// NewJobHandler creates a job handler
func NewJobHandler(logger arbor.ILogger, service *jobs.Service, m *metrics.Metrics) *JobHandler {
	return &JobHandler{
		service: service,
		metrics: m,
		logger:  logger,
	}
}

// Submit handles POST /api/v1/jobs
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBody)

	// Seed is prefilled with the random sentinel so an omitted field and an
	// explicit -1 both mean "choose randomly"; zero stays a real seed.
	params := models.SubmissionParams{Seed: -1}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(models.ErrValidation), "request body exceeds 10 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, string(models.ErrValidation), fmt.Sprintf("malformed JSON body: %v", err))
		return
	}

	owner := ownerFromRequest(r)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	record, created, err := h.service.Submit(r.Context(), params, owner, idempotencyKey)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if created {
		h.metrics.JobsSubmitted.Inc()
	} else {
		h.metrics.JobsDeduped.Inc()
	}

	location := "/api/v1/jobs/" + record.JobID
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusAccepted, models.SubmissionReceipt{
		JobID:    record.JobID,
		Status:   record.Status,
		QueuedAt: record.QueuedAt,
		Location: location,
	})
}

// Get handles GET /api/v1/jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	record, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	owner := ownerFromRequest(r)
	isOwner := owner != "" && owner == record.Owner
	writeJSON(w, http.StatusOK, models.NewJobView(record, isOwner))
}

// Cancel handles DELETE /api/v1/jobs/{id}
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	record, err := h.service.Cancel(r.Context(), jobID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	message := "cancellation requested"
	if record.Status.IsTerminal() {
		message = "job already settled"
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":  record.JobID,
		"status":  record.Status,
		"message": message,
	})
}

// List handles GET /api/v1/jobs
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.JobListOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	records, err := h.service.ListJobs(r.Context(), opts)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	owner := ownerFromRequest(r)
	views := make([]*models.JobView, 0, len(records))
	for _, record := range records {
		isOwner := owner != "" && owner == record.Owner
		views = append(views, models.NewJobView(record, isOwner))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  views,
		"count": len(views),
	})
}

// Stats handles GET /api/v1/jobs/stats
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, queueStats, err := h.service.Stats(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  counts,
		"queue": queueStats,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return def
	}
	return n
}
