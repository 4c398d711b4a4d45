// Package execute runs an execution plan layer by layer: bounded parallel
// dispatch within a layer, content-addressed artefact persistence, ordered
// event appends, and atomic promotion of the next manifest.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/reelworks/reel/pkg/graph"
	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/plan"
	"github.com/reelworks/reel/pkg/producer"
	"github.com/reelworks/reel/pkg/storage"
)

// JobStatus is a job's terminal state on the executor.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// Outcome is the terminal record for one job.
type Outcome struct {
	JobID       string              `json:"jobId"`
	Status      JobStatus           `json:"status"`
	Diagnostics *models.Diagnostics `json:"diagnostics,omitempty"`
}

// Result summarises a plan execution and carries the promoted manifest.
type Result struct {
	Revision  string
	Manifest  *models.Manifest
	Outcomes  []Outcome
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled int
}

// Options configures an executor.
type Options struct {
	// Concurrency bounds parallel produce calls per layer. Default 1.
	Concurrency int
	// Mode is passed through to every produce call.
	Mode producer.Mode
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Executor runs plans against a movie's storage.
type Executor struct {
	storage   storage.Storage
	manifests *storage.ManifestService
	produce   producer.ProduceFunc
	opts      Options

	// Per-job cancel registry for cooperative single-job cancellation.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewExecutor creates an executor dispatching through produce.
func NewExecutor(s storage.Storage, produce producer.ProduceFunc, opts Options) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Executor{
		storage:   s,
		manifests: storage.NewManifestService(s),
		produce:   produce,
		opts:      opts,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// CancelJob cancels a single in-flight job. Returns true when the job was
// running on this executor.
func (e *Executor) CancelJob(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[jobID]; ok {
		cancel()
		return true
	}
	return false
}

func (e *Executor) registerJob(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[jobID] = cancel
}

func (e *Executor) unregisterJob(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, jobID)
}

// ExecutePlan runs every layer of the plan. Jobs dominated by a failure are
// reported skipped; a cancel on ctx lets in-flight jobs finish or reject and
// marks not-yet-started jobs cancelled. Whatever completed before the cancel
// is still promoted into the next manifest.
func (e *Executor) ExecutePlan(ctx context.Context, executionPlan *plan.ExecutionPlan, base *models.Manifest, baseDigest string) (*Result, error) {
	logger := e.opts.Logger.With("movie_id", executionPlan.MovieID, "revision", executionPlan.Revision)
	logger.Info("Executing plan", "layers", len(executionPlan.Layers), "jobs", executionPlan.JobCount())

	log := storage.NewEventLog(e.storage, executionPlan.MovieID)

	state, err := e.loadState(ctx, log, executionPlan, base)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]*Outcome)
	for _, job := range executionPlan.Jobs() {
		outcomes[job.ID] = &Outcome{JobID: job.ID, Status: JobPending}
	}

	for layerIdx, layer := range executionPlan.Layers {
		if ctx.Err() != nil {
			markRemaining(outcomes, JobCancelled)
			break
		}
		e.runLayer(ctx, log, executionPlan, layer, layerIdx, state, outcomes)
	}
	markRemaining(outcomes, JobCancelled)

	// Promotion ignores a cancel on ctx so finished jobs are kept.
	persistCtx := context.WithoutCancel(ctx)
	manifest, err := e.buildManifest(persistCtx, log, executionPlan, base)
	if err != nil {
		return nil, err
	}
	if err := e.manifests.Save(persistCtx, executionPlan.MovieID, manifest, storage.SaveOptions{
		PreviousHash: baseDigest,
		Clock:        e.opts.Clock,
	}); err != nil {
		return nil, err
	}

	result := &Result{Revision: executionPlan.Revision, Manifest: manifest}
	for _, job := range executionPlan.Jobs() {
		outcome := outcomes[job.ID]
		result.Outcomes = append(result.Outcomes, *outcome)
		switch outcome.Status {
		case JobSucceeded:
			result.Succeeded++
		case JobFailed:
			result.Failed++
		case JobSkipped:
			result.Skipped++
		case JobCancelled:
			result.Cancelled++
		}
	}
	logger.Info("Plan executed",
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"cancelled", result.Cancelled)
	return result, nil
}

// runLayer schedules every job of one layer on the bounded worker pool and
// applies the layer's successes to the live state after the barrier.
func (e *Executor) runLayer(
	ctx context.Context,
	log *storage.EventLog,
	executionPlan *plan.ExecutionPlan,
	layer []*graph.Job,
	layerIdx int,
	state *liveState,
	outcomes map[string]*Outcome,
) {
	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex // guards outcomes and state.appended

	for _, job := range layer {
		if blockedBy := state.blockedBy(job, outcomes); blockedBy != "" {
			outcomes[job.ID].Status = JobSkipped
			outcomes[job.ID].Diagnostics = &models.Diagnostics{
				Kind:    "UpstreamFailed",
				Message: "blocked by " + blockedBy,
			}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[job.ID].Status = JobCancelled
			continue
		}
		if ctx.Err() != nil {
			sem.Release(1)
			outcomes[job.ID].Status = JobCancelled
			continue
		}

		wg.Add(1)
		go func(job *graph.Job) {
			defer wg.Done()
			defer sem.Release(1)

			jobCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			e.registerJob(job.ID, cancel)
			defer e.unregisterJob(job.ID)

			mu.Lock()
			outcomes[job.ID].Status = JobRunning
			mu.Unlock()

			status, produced, diags := e.runJob(jobCtx, log, executionPlan, job, state, layerIdx)

			mu.Lock()
			outcomes[job.ID].Status = status
			outcomes[job.ID].Diagnostics = diags
			if status == JobSucceeded {
				state.appended = append(state.appended, produced...)
			}
			mu.Unlock()
		}(job)
	}
	wg.Wait()
	state.applyAppended()
}

// runJob executes a single job: hash, dispatch, persist, append.
func (e *Executor) runJob(
	ctx context.Context,
	log *storage.EventLog,
	executionPlan *plan.ExecutionPlan,
	job *graph.Job,
	state *liveState,
	layerIdx int,
) (JobStatus, []appendedArtefact, *models.Diagnostics) {
	logger := e.opts.Logger.With("job_id", job.ID, "layer", layerIdx)

	inputsHash := hashing.HashInputContents(job.Consumes, hashing.ManifestDigestResolver(state.manifest))

	result, err := e.dispatch(ctx, executionPlan, job, state)
	if err != nil || result == nil || result.Status != models.ArtefactSucceeded {
		diags := failureDiagnostics(job, result, err)
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Cancellation is not a failure; no failed events are appended.
			return JobCancelled, nil, nil
		}
		e.appendFailedEvents(ctx, log, executionPlan, job, result, inputsHash, diags)
		logger.Warn("Job failed", "kind", diags.Kind, "error", diags.Message)
		return JobFailed, nil, diags
	}

	// A produce call that already succeeded is persisted even after a cancel.
	produced, err := e.persistArtefacts(context.WithoutCancel(ctx), log, executionPlan, job, result, inputsHash)
	if err != nil {
		// Storage write failures are fatal for the owning job only.
		diags := &models.Diagnostics{Kind: "StorageIO", Message: err.Error()}
		logger.Warn("Job failed persisting artefacts", "error", err)
		return JobFailed, nil, diags
	}
	logger.Debug("Job succeeded", "artefacts", len(produced))
	return JobSucceeded, produced, nil
}

// dispatch invokes the produce callback, converting panics into failures so
// one adapter cannot abort the run.
func (e *Executor) dispatch(ctx context.Context, executionPlan *plan.ExecutionPlan, job *graph.Job, state *liveState) (result *producer.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("produce panicked: %v", r)
		}
	}()
	return e.produce(ctx, &producer.Request{
		MovieID:   executionPlan.MovieID,
		Job:       job,
		Mode:      e.opts.Mode,
		Inputs:    valuesSource{state: state},
		Artefacts: &blobSource{storage: e.storage, movieID: executionPlan.MovieID, state: state},
	})
}

// persistArtefacts writes blobs and appends one succeeded event per returned
// artefact, preserving the produces order of the job.
func (e *Executor) persistArtefacts(
	ctx context.Context,
	log *storage.EventLog,
	executionPlan *plan.ExecutionPlan,
	job *graph.Job,
	result *producer.Result,
	inputsHash string,
) ([]appendedArtefact, error) {
	var produced []appendedArtefact
	for _, artefact := range result.Artefacts {
		if !job.ProducesID(artefact.ArtefactID) {
			return nil, fmt.Errorf("job %s returned undeclared artefact %s", job.ID, artefact.ArtefactID)
		}

		output := &models.ArtefactOutput{Inline: artefact.Inline}
		switch {
		case artefact.Blob != nil:
			info, err := storage.WriteBlob(ctx, e.storage, executionPlan.MovieID, artefact.Blob.Data, artefact.Blob.MimeType)
			if err != nil {
				return nil, err
			}
			output.Blob = &info
		case artefact.BlobRef != nil:
			output.Blob = artefact.BlobRef
		}

		event := &models.ArtefactEvent{
			ArtefactID:  artefact.ArtefactID,
			Revision:    executionPlan.Revision,
			InputsHash:  inputsHash,
			Output:      output,
			Status:      models.ArtefactSucceeded,
			ProducedBy:  job.ID,
			Diagnostics: artefact.Diagnostics,
		}
		if err := log.AppendArtefact(ctx, event); err != nil {
			return nil, err
		}
		produced = append(produced, appendedArtefact{id: artefact.ArtefactID, event: event})
	}
	return produced, nil
}

// appendFailedEvents records one failed event per produced id.
func (e *Executor) appendFailedEvents(
	ctx context.Context,
	log *storage.EventLog,
	executionPlan *plan.ExecutionPlan,
	job *graph.Job,
	result *producer.Result,
	inputsHash string,
	diags *models.Diagnostics,
) {
	for _, artefactID := range job.Produces {
		if err := log.AppendArtefact(ctx, &models.ArtefactEvent{
			ArtefactID:  artefactID,
			Revision:    executionPlan.Revision,
			InputsHash:  inputsHash,
			Status:      models.ArtefactFailed,
			ProducedBy:  job.ID,
			Diagnostics: diags,
		}); err != nil {
			e.opts.Logger.Warn("Failed to append failed artefact event",
				"artefact_id", artefactID, "error", err)
		}
	}
}

func failureDiagnostics(job *graph.Job, result *producer.Result, err error) *models.Diagnostics {
	if result != nil && result.Diagnostics != nil {
		return result.Diagnostics
	}
	message := "produce returned no result"
	if err != nil {
		message = err.Error()
	}
	return &models.Diagnostics{
		Kind:     "ProduceFailure",
		Message:  message,
		Provider: job.Provider,
		Model:    job.ProviderModel,
	}
}

func markRemaining(outcomes map[string]*Outcome, status JobStatus) {
	for _, outcome := range outcomes {
		if outcome.Status == JobPending || outcome.Status == JobRunning {
			outcome.Status = status
		}
	}
}
