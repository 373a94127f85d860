package handlers

import (
	"net/http"
	"strings"

	"github.com/mediaforge/jobs-api/internal/domain"
	"github.com/mediaforge/jobs-api/internal/service"
)

// Jobs serves the collection: GET lists every job, POST submits one with the
// kind taken from the body.
func (api *API) Jobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.listJobs(w, r)
	case http.MethodPost:
		api.submit(w, r, "")
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// SubmitKind returns a handler that submits jobs of a fixed kind, as used by
// the per-operation routes.
func (api *API) SubmitKind(kind domain.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		api.submit(w, r, kind)
	}
}

func (api *API) submit(w http.ResponseWriter, r *http.Request, kind domain.JobKind) {
	var request jobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON payload")
		return
	}
	if kind != "" {
		request.Kind = string(kind)
	}

	key := idempotencyKey(r)
	payloadHash := hashPayload(request)
	var reservation *idempotencyEntry
	for key != "" {
		entry, owner := api.idempotency.Reserve(key, payloadHash)
		if entry.PayloadHash != payloadHash {
			writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
			return
		}
		if owner {
			reservation = entry
			break
		}
		select {
		case <-entry.ready:
		case <-r.Context().Done():
			return
		}
		if entry.JobID == "" {
			continue
		}
		job, err := api.jobsService.GetJob(r.Context(), entry.JobID)
		if err != nil {
			writeServiceError(w, r, err, "failed to load job")
			return
		}
		writeAccepted(w, job)
		return
	}

	job, err := api.jobsService.Submit(r.Context(), service.SubmitRequest{
		Kind:   domain.JobKind(request.Kind),
		Inputs: request.Inputs,
		Options: domain.JobOptions{
			Format:   request.Options.Format,
			Start:    request.Options.Start,
			Duration: request.Options.Duration,
			Filter:   request.Options.Filter,
		},
	})
	if err != nil {
		if reservation != nil {
			api.idempotency.Release(key, reservation)
		}
		writeServiceError(w, r, err, "failed to submit job")
		return
	}
	if reservation != nil {
		api.idempotency.Complete(reservation, job.ID)
	}
	writeAccepted(w, job)
}

func writeAccepted(w http.ResponseWriter, job *domain.Job) {
	w.Header().Set("Location", jobsPathPrefix+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": jobsPathPrefix + job.ID,
	})
}

func (api *API) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := api.jobsService.ListJobs(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	jobID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, jobsPathPrefix))
	if jobID == "" {
		api.listJobs(w, r)
		return
	}

	job, err := api.jobsService.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, err, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}
