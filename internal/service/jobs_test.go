package service

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mediaforge/jobs-api/internal/domain"
	"github.com/mediaforge/jobs-api/internal/engine"
	"github.com/mediaforge/jobs-api/internal/repository"
)

type stubStorage struct {
	files map[string]bool
}

func (s *stubStorage) Exists(name string) bool { return s.files[name] }

func (s *stubStorage) Resolve(name string) (string, error) { return "/uploads/" + name, nil }

func (s *stubStorage) OutputPath(name string) (string, error) { return "/outputs/" + name, nil }

// engineRun is one scripted invocation; the test feeds events through it.
type engineRun struct {
	cmd      engine.Command
	progress chan float64
	acked    chan struct{}
	done     chan error
}

// emit delivers one progress event and waits until the service handled it.
func (r *engineRun) emit(fraction float64) {
	r.progress <- fraction
	<-r.acked
}

type scriptedEngine struct {
	runs chan *engineRun
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{runs: make(chan *engineRun, 16)}
}

func (e *scriptedEngine) Run(_ context.Context, cmd engine.Command, onProgress engine.ProgressFunc) error {
	run := &engineRun{cmd: cmd, progress: make(chan float64), acked: make(chan struct{}), done: make(chan error)}
	e.runs <- run
	for {
		select {
		case fraction := <-run.progress:
			onProgress(fraction)
			run.acked <- struct{}{}
		case err := <-run.done:
			return err
		}
	}
}

func (e *scriptedEngine) next(t *testing.T) *engineRun {
	t.Helper()
	select {
	case run := <-e.runs:
		return run
	case <-time.After(2 * time.Second):
		t.Fatalf("expected engine invocation")
		return nil
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events map[string][]int
}

func (b *recordingBroadcaster) Broadcast(jobID string, progress int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][]int)
	}
	b.events[jobID] = append(b.events[jobID], progress)
}

func (b *recordingBroadcaster) sent(jobID string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.events[jobID]...)
}

type recordingRecorder struct {
	mu       sync.Mutex
	started  []domain.JobKind
	finished []domain.JobStatus
}

func (r *recordingRecorder) JobStarted(kind domain.JobKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, kind)
}

func (r *recordingRecorder) JobFinished(_ domain.JobKind, status domain.JobStatus, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elapsed < 0 {
		return
	}
	r.finished = append(r.finished, status)
}

type testHarness struct {
	svc         *JobsService
	repo        *repository.MemoryJobsRepository
	engine      *scriptedEngine
	broadcaster *recordingBroadcaster
	recorder    *recordingRecorder
}

func newHarness(maxConcurrent int) testHarness {
	repo := repository.NewMemoryJobsRepository()
	eng := newScriptedEngine()
	broadcaster := &recordingBroadcaster{}
	recorder := &recordingRecorder{}
	svc := NewJobsService(JobsDependencies{
		Repo:          repo,
		Storage:       &stubStorage{files: map[string]bool{"a.mp4": true, "b.mp4": true}},
		Engine:        eng,
		Broadcaster:   broadcaster,
		Recorder:      recorder,
		Logger:        log.New(io.Discard, "", 0),
		MaxConcurrent: maxConcurrent,
	})
	return testHarness{svc: svc, repo: repo, engine: eng, broadcaster: broadcaster, recorder: recorder}
}

func (h testHarness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.svc.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func TestSubmitCreatesProcessingJob(t *testing.T) {
	h := newHarness(0)
	job, err := h.svc.Submit(context.Background(), SubmitRequest{
		Kind:    domain.JobKindConvert,
		Inputs:  []string{"a.mp4"},
		Options: domain.JobOptions{Format: ".WEBM"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	stored := h.job(t, job.ID)
	if stored.Status != domain.JobStatusProcessing || stored.Progress != 0 {
		t.Fatalf("expected processing at 0, got %s at %d", stored.Status, stored.Progress)
	}
	if stored.Output != "convert-"+job.ID+".webm" {
		t.Fatalf("unexpected output name %q", stored.Output)
	}
	if stored.EndedAt != nil {
		t.Fatalf("expected ended_at unset while processing")
	}

	run := h.engine.next(t)
	if run.cmd.Inputs[0] != "/uploads/a.mp4" || run.cmd.Output != "/outputs/"+stored.Output {
		t.Fatalf("unexpected engine command %+v", run.cmd)
	}
	run.done <- nil
	h.svc.Wait()
}

func TestMergeLifecycleCompletes(t *testing.T) {
	h := newHarness(0)
	job, err := h.svc.Submit(context.Background(), SubmitRequest{
		Kind:   domain.JobKindMerge,
		Inputs: []string{"a.mp4", "b.mp4"},
	})
	if err != nil {
		t.Fatalf("submit merge: %v", err)
	}
	if job.Kind != domain.JobKindMerge || len(job.Inputs) != 2 || job.Inputs[0] != "a.mp4" || job.Inputs[1] != "b.mp4" {
		t.Fatalf("unexpected merge record %+v", job)
	}
	if job.Output != "merge-"+job.ID+".mp4" {
		t.Fatalf("unexpected output name %q", job.Output)
	}

	run := h.engine.next(t)
	run.emit(0.25)
	if got := h.job(t, job.ID).Progress; got != 25 {
		t.Fatalf("expected progress 25, got %d", got)
	}
	run.emit(0.60)
	if got := h.job(t, job.ID).Progress; got != 60 {
		t.Fatalf("expected progress 60, got %d", got)
	}
	run.done <- nil
	h.svc.Wait()

	final := h.job(t, job.ID)
	if final.Status != domain.JobStatusCompleted || final.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s at %d", final.Status, final.Progress)
	}
	if final.EndedAt == nil || final.EndedAt.Before(final.CreatedAt) {
		t.Fatalf("expected ended_at >= created_at, got %v vs %v", final.EndedAt, final.CreatedAt)
	}

	want := []int{25, 60, 100}
	got := h.broadcaster.sent(job.ID)
	if len(got) != len(want) {
		t.Fatalf("expected broadcasts %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected broadcasts %v, got %v", want, got)
		}
	}
}

func TestEngineErrorFailsJobWithoutBroadcast(t *testing.T) {
	h := newHarness(0)
	job, err := h.svc.Submit(context.Background(), SubmitRequest{
		Kind:    domain.JobKindFilter,
		Inputs:  []string{"a.mp4"},
		Options: domain.JobOptions{Filter: "blur"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	run := h.engine.next(t)
	run.emit(0.4)
	run.done <- errors.New("ffmpeg failed: exit status 1")
	h.svc.Wait()

	final := h.job(t, job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Error != "ffmpeg failed: exit status 1" {
		t.Fatalf("expected engine error captured, got %q", final.Error)
	}
	if final.Progress != 40 || final.EndedAt == nil {
		t.Fatalf("expected last progress retained and ended_at set, got %d %v", final.Progress, final.EndedAt)
	}
	if got := h.broadcaster.sent(job.ID); len(got) != 1 || got[0] != 40 {
		t.Fatalf("expected only the progress broadcast, got %v", got)
	}

	h.svc.progress(context.Background(), job.ID, 0.9)
	if got := h.job(t, job.ID); got.Progress != 40 || got.Status != domain.JobStatusFailed {
		t.Fatalf("expected late progress to be ignored, got %s at %d", got.Status, got.Progress)
	}
	if got := h.broadcaster.sent(job.ID); len(got) != 1 {
		t.Fatalf("expected no broadcast after failure, got %v", got)
	}
}

func TestSubmitMissingInputCreatesNothing(t *testing.T) {
	h := newHarness(0)
	_, err := h.svc.Submit(context.Background(), SubmitRequest{
		Kind:   domain.JobKindMerge,
		Inputs: []string{"a.mp4", "missing.mp4"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	items, _ := h.svc.ListJobs(context.Background())
	if len(items) != 0 {
		t.Fatalf("expected no job records, got %d", len(items))
	}
	select {
	case <-h.engine.runs:
		t.Fatalf("expected no engine invocation")
	default:
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(0)
	cases := []SubmitRequest{
		{Kind: domain.JobKindMerge, Inputs: []string{"a.mp4"}},
		{Kind: domain.JobKindConvert, Inputs: []string{"a.mp4"}},
		{Kind: domain.JobKindConvert, Inputs: []string{"a.mp4", "b.mp4"}, Options: domain.JobOptions{Format: "webm"}},
		{Kind: domain.JobKindTrim, Inputs: []string{"a.mp4"}, Options: domain.JobOptions{Start: 2}},
		{Kind: domain.JobKindTrim, Inputs: []string{"a.mp4"}, Options: domain.JobOptions{Start: -1, Duration: 3}},
		{Kind: domain.JobKindFilter, Inputs: []string{"a.mp4"}, Options: domain.JobOptions{Filter: "posterize"}},
		{Kind: domain.JobKindThumbnail, Inputs: []string{"a.mp4"}},
		{Kind: "", Inputs: []string{"a.mp4"}},
		{Kind: "explode", Inputs: []string{"a.mp4"}},
	}

	for _, request := range cases {
		if _, err := h.svc.Submit(context.Background(), request); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected invalid argument for %+v, got %v", request, err)
		}
	}

	items, _ := h.svc.ListJobs(context.Background())
	if len(items) != 0 {
		t.Fatalf("expected zero store mutations, got %d jobs", len(items))
	}
}

func TestTrimKeepsOffsetAndDuration(t *testing.T) {
	h := newHarness(0)
	job, err := h.svc.Submit(context.Background(), SubmitRequest{
		Kind:    domain.JobKindTrim,
		Inputs:  []string{"a.mp4"},
		Options: domain.JobOptions{Start: 5, Duration: 12.5, Filter: "blur"},
	})
	if err != nil {
		t.Fatalf("submit trim: %v", err)
	}
	if job.Options.Start != 5 || job.Options.Duration != 12.5 || job.Options.Filter != "" {
		t.Fatalf("unexpected trim options %+v", job.Options)
	}

	run := h.engine.next(t)
	if run.cmd.Options.Duration != 12.5 {
		t.Fatalf("expected duration passed to engine, got %+v", run.cmd.Options)
	}
	run.done <- nil
	h.svc.Wait()
}

func TestGetUnknownJob(t *testing.T) {
	h := newHarness(0)
	if _, err := h.svc.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProgressIsNotForcedMonotonic(t *testing.T) {
	h := newHarness(0)
	job, _ := h.svc.Submit(context.Background(), SubmitRequest{
		Kind:    domain.JobKindConvert,
		Inputs:  []string{"a.mp4"},
		Options: domain.JobOptions{Format: "mkv"},
	})

	run := h.engine.next(t)
	run.emit(0.7)
	run.emit(0.3)
	if got := h.job(t, job.ID).Progress; got != 30 {
		t.Fatalf("expected engine value to be stored verbatim, got %d", got)
	}
	run.done <- nil
	h.svc.Wait()
}

func TestMaxConcurrentGatesEngineRuns(t *testing.T) {
	h := newHarness(1)
	request := SubmitRequest{Kind: domain.JobKindConvert, Inputs: []string{"a.mp4"}, Options: domain.JobOptions{Format: "mkv"}}

	first, _ := h.svc.Submit(context.Background(), request)
	second, _ := h.svc.Submit(context.Background(), request)

	run := h.engine.next(t)
	select {
	case <-h.engine.runs:
		t.Fatalf("expected second job to wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}
	if got := h.job(t, second.ID); got.Status != domain.JobStatusProcessing {
		t.Fatalf("expected queued job to stay processing, got %s", got.Status)
	}

	run.done <- nil
	next := h.engine.next(t)
	next.done <- nil
	h.svc.Wait()

	for _, id := range []string{first.ID, second.ID} {
		if got := h.job(t, id); got.Status != domain.JobStatusCompleted {
			t.Fatalf("expected %s completed, got %s", id, got.Status)
		}
	}
}

func TestNormalizeProgress(t *testing.T) {
	cases := map[float64]int{
		-0.5:  0,
		0:     0,
		0.004: 0,
		0.005: 1,
		0.256: 26,
		0.01:  1,
		0.999: 100,
		1:     100,
		42:    100,
	}
	for input, want := range cases {
		if got := NormalizeProgress(input); got != want {
			t.Fatalf("expected %d for %v, got %d", want, input, got)
		}
	}
}

func TestRecorderSeesEachTerminalTransitionOnce(t *testing.T) {
	h := newHarness(0)
	ctx := context.Background()

	if _, err := h.svc.Submit(ctx, SubmitRequest{Kind: domain.JobKindConvert, Inputs: []string{"a.mp4"}, Options: domain.JobOptions{Format: "mp3"}}); err != nil {
		t.Fatalf("submit convert: %v", err)
	}
	h.engine.next(t).done <- nil

	if _, err := h.svc.Submit(ctx, SubmitRequest{Kind: domain.JobKindTrim, Inputs: []string{"b.mp4"}, Options: domain.JobOptions{Duration: 4}}); err != nil {
		t.Fatalf("submit trim: %v", err)
	}
	h.engine.next(t).done <- errors.New("boom")

	h.svc.Wait()

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.started) != 2 {
		t.Fatalf("expected 2 started jobs, got %v", h.recorder.started)
	}
	counts := map[domain.JobStatus]int{}
	for _, status := range h.recorder.finished {
		counts[status]++
	}
	if len(h.recorder.finished) != 2 || counts[domain.JobStatusCompleted] != 1 || counts[domain.JobStatusFailed] != 1 {
		t.Fatalf("expected one completed and one failed, got %v", h.recorder.finished)
	}
}
