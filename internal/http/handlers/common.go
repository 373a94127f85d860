package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mediaforge/jobs-api/internal/domain"
	"github.com/mediaforge/jobs-api/internal/http/middleware"
	"github.com/mediaforge/jobs-api/internal/service"
	"github.com/mediaforge/jobs-api/internal/storage"
)

var errInvalidPayload = errors.New("invalid payload")

const (
	defaultMaxUploadBytes = 512 << 20
	filesPathPrefix       = "/v1/files/"
	jobsPathPrefix        = "/v1/jobs/"
)

// Thumbnailer extracts a single still frame synchronously.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, input, output string, atSeconds float64, width int) error
}

type APIDependencies struct {
	Jobs           *service.JobsService
	Files          *storage.Store
	Thumbnailer    Thumbnailer
	Logger         *log.Logger
	MaxUploadBytes int64
}

type API struct {
	jobsService    *service.JobsService
	files          *storage.Store
	thumbnailer    Thumbnailer
	logger         *log.Logger
	maxUploadBytes int64
	idempotency    *idempotencyStore
}

func NewAPI(deps APIDependencies) *API {
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &API{
		jobsService:    deps.Jobs,
		files:          deps.Files,
		thumbnailer:    deps.Thumbnailer,
		logger:         deps.Logger,
		maxUploadBytes: maxUploadBytes,
		idempotency:    newIdempotencyStore(),
	}
}

type jobOptionsRequest struct {
	Format   string  `json:"format,omitempty"`
	Start    float64 `json:"start,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Filter   string  `json:"filter,omitempty"`
}

type jobRequest struct {
	Kind    string            `json:"kind"`
	Inputs  []string          `json:"inputs"`
	Options jobOptionsRequest `json:"options"`
}

type jobResponse struct {
	JobID     string           `json:"job_id"`
	Kind      domain.JobKind   `json:"kind"`
	Inputs    []string         `json:"inputs"`
	Output    string           `json:"output"`
	Status    domain.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	CreatedAt time.Time        `json:"created_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	Error     string           `json:"error,omitempty"`
	Filter    string           `json:"filter,omitempty"`
	OutputURL string           `json:"output_url,omitempty"`
}

func newJobResponse(job *domain.Job) jobResponse {
	response := jobResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Inputs:    job.Inputs,
		Output:    job.Output,
		Status:    job.Status,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
		EndedAt:   job.EndedAt,
		Error:     job.Error,
		Filter:    job.FilterKind(),
	}
	if response.Inputs == nil {
		response.Inputs = []string{}
	}
	if job.Status == domain.JobStatusCompleted {
		response.OutputURL = filesPathPrefix + job.Output
	}
	return response
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps service sentinels onto the public error codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

const idempotencyTTL = 24 * time.Hour

// idempotencyEntry is settled once ready is closed. An empty JobID after that
// means the owning submission failed and the key was released.
type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
	CreatedAt   time.Time
	ready       chan struct{}
}

type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*idempotencyEntry
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		ttl:     idempotencyTTL,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*idempotencyEntry),
	}
}

// Reserve claims key for the caller. When the key is already held, the
// existing entry is returned with owner=false and the caller should wait on
// it instead of submitting.
func (s *idempotencyStore) Reserve(key string, payloadHash uint64) (entry *idempotencyEntry, owner bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictLocked(now)
	if existing, ok := s.entries[key]; ok {
		return existing, false
	}
	entry = &idempotencyEntry{
		PayloadHash: payloadHash,
		CreatedAt:   now,
		ready:       make(chan struct{}),
	}
	s.entries[key] = entry
	return entry, true
}

func (s *idempotencyStore) Complete(entry *idempotencyEntry, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.JobID = jobID
	close(entry.ready)
}

func (s *idempotencyStore) Release(key string, entry *idempotencyEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[key] == entry {
		delete(s.entries, key)
	}
	close(entry.ready)
}

func (s *idempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked drops settled entries older than the TTL.
func (s *idempotencyStore) evictLocked(now time.Time) {
	for key, entry := range s.entries {
		if now.Sub(entry.CreatedAt) < s.ttl {
			continue
		}
		select {
		case <-entry.ready:
			delete(s.entries, key)
		default:
		}
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}
