package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediaforge/jobs-api/internal/domain"
	"github.com/mediaforge/jobs-api/internal/engine"
	"github.com/mediaforge/jobs-api/internal/repository"
	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")

	// errJobFinished rejects writes to a job already in a terminal state.
	errJobFinished = errors.New("job already finished")
)

// Storage is the file collaborator used to validate inputs and place outputs.
type Storage interface {
	Exists(name string) bool
	Resolve(name string) (string, error)
	OutputPath(name string) (string, error)
}

// Engine performs one transformation, reporting progress as a fraction in
// [0,1] until it returns. A nil error is the completion event, a non-nil error
// the failure event.
type Engine interface {
	Run(ctx context.Context, cmd engine.Command, onProgress engine.ProgressFunc) error
}

// Broadcaster pushes progress to observers of a job.
type Broadcaster interface {
	Broadcast(jobID string, progress int)
}

// Recorder observes job lifecycle events.
type Recorder interface {
	JobStarted(kind domain.JobKind)
	JobFinished(kind domain.JobKind, status domain.JobStatus, elapsed time.Duration)
}

// SubmitRequest is one validated-on-entry transformation request.
type SubmitRequest struct {
	Kind    domain.JobKind
	Inputs  []string
	Options domain.JobOptions
}

type JobsDependencies struct {
	Repo        repository.JobsRepository
	Storage     Storage
	Engine      Engine
	Broadcaster Broadcaster
	Recorder    Recorder
	Logger      *log.Logger
	// MaxConcurrent bounds simultaneous engine runs; 0 means unbounded.
	MaxConcurrent int
	Now           func() time.Time
}

// JobsService creates job records and supervises one engine run per job.
type JobsService struct {
	repo        repository.JobsRepository
	storage     Storage
	engine      Engine
	broadcaster Broadcaster
	recorder    Recorder
	logger      *log.Logger
	slots       *semaphore.Weighted
	now         func() time.Time

	inFlight sync.WaitGroup
}

func NewJobsService(deps JobsDependencies) *JobsService {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	var slots *semaphore.Weighted
	if deps.MaxConcurrent > 0 {
		slots = semaphore.NewWeighted(int64(deps.MaxConcurrent))
	}
	return &JobsService{
		repo:        deps.Repo,
		storage:     deps.Storage,
		engine:      deps.Engine,
		broadcaster: deps.Broadcaster,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		slots:       slots,
		now:         now,
	}
}

// Submit validates the request, records a processing job and starts the
// engine in the background. It never waits for the transformation.
func (s *JobsService) Submit(ctx context.Context, request SubmitRequest) (*domain.Job, error) {
	request, err := normalizeRequest(request)
	if err != nil {
		return nil, err
	}

	inputPaths := make([]string, 0, len(request.Inputs))
	for _, input := range request.Inputs {
		if !s.storage.Exists(input) {
			return nil, fmt.Errorf("%w: input %s", ErrNotFound, input)
		}
		full, err := s.storage.Resolve(input)
		if err != nil {
			return nil, fmt.Errorf("%w: input %s", ErrInvalidArgument, input)
		}
		inputPaths = append(inputPaths, full)
	}

	id := uuid.NewString()
	output := outputName(id, request)
	outputPath, err := s.storage.OutputPath(output)
	if err != nil {
		return nil, fmt.Errorf("resolve output: %w", err)
	}

	job := &domain.Job{
		ID:        id,
		Kind:      request.Kind,
		Inputs:    request.Inputs,
		Output:    output,
		Options:   request.Options,
		Status:    domain.JobStatusProcessing,
		Progress:  0,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	command := engine.Command{
		Kind:    request.Kind,
		Inputs:  inputPaths,
		Output:  outputPath,
		Options: request.Options,
	}

	if s.recorder != nil {
		s.recorder.JobStarted(job.Kind)
	}
	s.inFlight.Add(1)
	go s.execute(job.ID, command)

	if s.logger != nil {
		s.logger.Printf("job started job_id=%s kind=%s inputs=%d output=%s", job.ID, job.Kind, len(job.Inputs), job.Output)
	}
	return job.Clone(), nil
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	return job, nil
}

func (s *JobsService) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.repo.ListJobs(ctx)
}

// Wait blocks until every started job has reached a terminal state.
func (s *JobsService) Wait() {
	s.inFlight.Wait()
}

// execute owns the job for its whole run, so progress and the terminal
// event for a single job are handled sequentially.
func (s *JobsService) execute(jobID string, command engine.Command) {
	defer s.inFlight.Done()
	ctx := context.Background()

	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			s.fail(ctx, jobID, fmt.Errorf("acquire engine slot: %w", err))
			return
		}
		defer s.slots.Release(1)
	}

	err := s.engine.Run(ctx, command, func(fraction float64) {
		s.progress(ctx, jobID, fraction)
	})
	if err != nil {
		s.fail(ctx, jobID, err)
		return
	}
	s.complete(ctx, jobID)
}

func (s *JobsService) progress(ctx context.Context, jobID string, fraction float64) {
	percent := NormalizeProgress(fraction)
	_, err := s.repo.UpdateJob(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return errJobFinished
		}
		job.Progress = percent
		return nil
	})
	if err != nil {
		s.logUpdateError("progress", jobID, err)
		return
	}
	s.broadcast(jobID, percent)
}

func (s *JobsService) complete(ctx context.Context, jobID string) {
	job, err := s.repo.UpdateJob(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return errJobFinished
		}
		endedAt := s.now()
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.EndedAt = &endedAt
		return nil
	})
	if err != nil {
		s.logUpdateError("complete", jobID, err)
		return
	}
	if s.logger != nil {
		s.logger.Printf("job completed job_id=%s", jobID)
	}
	s.recordFinished(job)
	s.broadcast(jobID, 100)
}

func (s *JobsService) fail(ctx context.Context, jobID string, cause error) {
	message := strings.TrimSpace(cause.Error())
	if message == "" {
		message = "transformation failed"
	}
	job, err := s.repo.UpdateJob(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return errJobFinished
		}
		endedAt := s.now()
		job.Status = domain.JobStatusFailed
		job.Error = message
		job.EndedAt = &endedAt
		return nil
	})
	if err != nil {
		s.logUpdateError("fail", jobID, err)
		return
	}
	if s.logger != nil {
		s.logger.Printf("job failed job_id=%s err=%s", jobID, message)
	}
	s.recordFinished(job)
}

func (s *JobsService) recordFinished(job *domain.Job) {
	if s.recorder == nil || job == nil || job.EndedAt == nil {
		return
	}
	s.recorder.JobFinished(job.Kind, job.Status, job.EndedAt.Sub(job.CreatedAt))
}

func (s *JobsService) broadcast(jobID string, percent int) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(jobID, percent)
	}
}

func (s *JobsService) logUpdateError(stage, jobID string, err error) {
	if s.logger == nil || errors.Is(err, errJobFinished) {
		return
	}
	s.logger.Printf("job update failed stage=%s job_id=%s err=%v", stage, jobID, err)
}

// NormalizeProgress maps an engine fraction to an integer percentage in
// [0,100].
func NormalizeProgress(fraction float64) int {
	if math.IsNaN(fraction) || fraction <= 0 {
		return 0
	}
	if fraction >= 1 {
		return 100
	}
	return int(math.Round(fraction * 100))
}

func normalizeRequest(request SubmitRequest) (SubmitRequest, error) {
	request.Kind = domain.JobKind(strings.ToLower(strings.TrimSpace(string(request.Kind))))

	inputs := make([]string, 0, len(request.Inputs))
	for _, input := range request.Inputs {
		if trimmed := strings.TrimSpace(input); trimmed != "" {
			inputs = append(inputs, trimmed)
		}
	}
	request.Inputs = inputs
	request.Options.Format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(request.Options.Format)), ".")
	request.Options.Filter = strings.ToLower(strings.TrimSpace(request.Options.Filter))

	invalid := func(reason string) (SubmitRequest, error) {
		return SubmitRequest{}, fmt.Errorf("%w: %s", ErrInvalidArgument, reason)
	}

	switch request.Kind {
	case domain.JobKindMerge:
		if len(request.Inputs) < 2 {
			return invalid("merge requires at least two inputs")
		}
	case domain.JobKindConvert, domain.JobKindTrim, domain.JobKindFilter:
		if len(request.Inputs) != 1 {
			return invalid(string(request.Kind) + " requires exactly one input")
		}
	case domain.JobKindThumbnail:
		return invalid("thumbnail is not a tracked job")
	case "":
		return invalid("kind is required")
	default:
		return invalid("unsupported kind " + string(request.Kind))
	}

	switch request.Kind {
	case domain.JobKindConvert:
		if request.Options.Format == "" {
			return invalid("convert requires a target format")
		}
		if strings.ContainsAny(request.Options.Format, "/\\ ") {
			return invalid("invalid target format")
		}
	case domain.JobKindTrim:
		if request.Options.Start < 0 {
			return invalid("start must not be negative")
		}
		if request.Options.Duration <= 0 {
			return invalid("trim requires a positive duration")
		}
	case domain.JobKindFilter:
		if !engine.IsSupportedFilter(request.Options.Filter) {
			return invalid("unsupported filter " + request.Options.Filter)
		}
	}

	if request.Kind != domain.JobKindConvert {
		request.Options.Format = ""
	}
	if request.Kind != domain.JobKindTrim {
		request.Options.Start = 0
		request.Options.Duration = 0
	}
	if request.Kind != domain.JobKindFilter {
		request.Options.Filter = ""
	}
	return request, nil
}

// outputName generates the artifact name; it is fixed at creation time even
// though the file only exists once the job completes.
func outputName(id string, request SubmitRequest) string {
	ext := "." + request.Options.Format
	if request.Kind != domain.JobKindConvert {
		ext = strings.ToLower(path.Ext(request.Inputs[0]))
		if ext == "" {
			ext = ".mp4"
		}
	}
	return string(request.Kind) + "-" + id + ext
}
