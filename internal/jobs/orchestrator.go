package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/gwlsn/audiopull/internal/ffmpeg"
	"github.com/gwlsn/audiopull/internal/logger"
	"github.com/gwlsn/audiopull/internal/ytdlp"
)

// Causes attached to a run's context when it is stopped early. They become
// the job's error message.
var (
	ErrCancelled   = errors.New("conversion cancelled")
	ErrToolTimeout = errors.New("conversion timed out")
	ErrShutdown    = errors.New("server shutting down")
)

// Tool is the external media tool used by each run. *ytdlp.Client
// implements it.
type Tool interface {
	FetchMetadata(ctx context.Context, reference string) (*ytdlp.Metadata, error)
	DownloadAudio(ctx context.Context, reference, outputDir, quality string) (string, error)
}

// Prober inspects a finished artifact. *ffmpeg.Prober implements it.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.AudioInfo, error)
}

// History receives every job that reaches a terminal state.
// This interface is implemented by internal/store.SQLiteStore.
type History interface {
	RecordOutcome(job Job) error
}

// Options configures an Orchestrator. Root and Tool are required.
type Options struct {
	Root        string        // parent of the per-job directories
	Tool        Tool          // media tool adapter
	Prober      Prober        // optional artifact probe
	History     History       // optional outcome sink
	Workers     int           // concurrent runs past the queue (clamped to MinWorkers..MaxWorkers)
	ToolTimeout time.Duration // per-run deadline from worker start, 0 = none

	// Now and NewFileID are overridable for tests.
	Now       func() time.Time
	NewFileID func() (string, error)
}

// Orchestrator drives submitted jobs through the conversion pipeline and
// owns the job and file registries.
type Orchestrator struct {
	opts  Options
	jobs  *Registry
	files *FileRegistry
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	// Active runs by job ID (for cancellation)
	runsMu sync.Mutex
	runs   map[string]*activeRun
}

type activeRun struct {
	run    uint64
	cancel context.CancelCauseFunc
	done   chan struct{} // Closed when the run goroutine returns
}

// New creates an Orchestrator and makes sure the root directory exists.
func New(opts Options) (*Orchestrator, error) {
	if opts.Root == "" {
		return nil, errors.New("orchestrator: root directory is required")
	}
	if opts.Tool == nil {
		return nil, errors.New("orchestrator: media tool is required")
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	opts.Root = root
	opts.Workers = ClampWorkerCount(opts.Workers)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewFileID == nil {
		opts.NewFileID = func() (string, error) { return gonanoid.New() }
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		opts:   opts,
		jobs:   NewRegistry(),
		files:  NewFileRegistry(),
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*activeRun),
	}, nil
}

// Root returns the absolute directory holding per-job directories
func (o *Orchestrator) Root() string {
	return o.opts.Root
}

// Jobs returns the job registry
func (o *Orchestrator) Jobs() *Registry {
	return o.jobs
}

// Files returns the file registry
func (o *Orchestrator) Files() *FileRegistry {
	return o.files
}

// JobDir returns the directory a job downloads into
func (o *Orchestrator) JobDir(jobID string) string {
	return filepath.Join(o.opts.Root, jobID)
}

// Submit records a new processing job at progress 0 and starts its run in
// the background. Submitting an ID that already exists replaces the old
// record; the old run is cancelled and its remaining writes are discarded.
func (o *Orchestrator) Submit(jobID, reference, quality string) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	if err := o.ctx.Err(); err != nil {
		return context.Cause(o.ctx)
	}

	job := o.jobs.create(newJob(jobID, reference, quality, o.opts.Now()))

	ctx, cancel := context.WithCancelCause(o.ctx)

	ar := &activeRun{run: job.run, cancel: cancel, done: make(chan struct{})}
	o.runsMu.Lock()
	if prev, ok := o.runs[jobID]; ok {
		prev.cancel(ErrCancelled)
	}
	o.runs[jobID] = ar
	o.runsMu.Unlock()

	logger.Info("Job submitted", "job_id", jobID, "source", reference, "quality", quality)

	o.wg.Add(1)
	go o.run(ctx, job, ar)

	return nil
}

// Status returns the current snapshot of a job
func (o *Orchestrator) Status(jobID string) (Job, error) {
	return o.jobs.Get(jobID)
}

// ResolveFile returns the artifact path registered for fileID
func (o *Orchestrator) ResolveFile(fileID string) (string, error) {
	return o.files.Resolve(fileID)
}

// Subscribe returns a channel that receives job events
func (o *Orchestrator) Subscribe() chan Event {
	return o.jobs.Subscribe()
}

// Unsubscribe removes a subscription
func (o *Orchestrator) Unsubscribe(ch chan Event) {
	o.jobs.Unsubscribe(ch)
}

// Stats returns in-memory job and file counts
func (o *Orchestrator) Stats() Stats {
	stats := o.jobs.Stats()
	stats.Files = o.files.Len()
	return stats
}

// Cancel stops a processing job. The job ends as failed with a
// cancellation message.
func (o *Orchestrator) Cancel(jobID string) error {
	job, err := o.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return jobNotRunningError(jobID, job.Status)
	}
	if o.stopRun(jobID, job.run, ErrCancelled) == nil {
		return jobNotRunningError(jobID, job.Status)
	}
	logger.Info("Job cancel requested", "job_id", jobID)
	return nil
}

// Wait blocks until the job reaches a terminal state, is evicted, or ctx is
// done.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (Job, error) {
	ch := o.jobs.Subscribe()
	defer o.jobs.Unsubscribe(ch)

	job, err := o.jobs.Get(jobID)
	if err != nil || job.IsTerminal() {
		return job, err
	}

	// Events can be dropped for slow subscribers; poll as a fallback.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case ev := <-ch:
			if ev.Job.ID != jobID {
				continue
			}
		case <-ticker.C:
		}

		job, err = o.jobs.Get(jobID)
		if err != nil || job.IsTerminal() {
			return job, err
		}
	}
}

// Shutdown cancels every active run and waits for the run goroutines to
// exit or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopRun cancels the run for jobID if it is still the given run and
// returns a channel closed when that run exits, or nil if there is none.
func (o *Orchestrator) stopRun(jobID string, run uint64, cause error) <-chan struct{} {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	ar, ok := o.runs[jobID]
	if !ok || ar.run != run {
		return nil
	}
	ar.cancel(cause)
	return ar.done
}

func (o *Orchestrator) forgetRun(jobID string, ar *activeRun) {
	o.runsMu.Lock()
	if o.runs[jobID] == ar {
		delete(o.runs, jobID)
	}
	o.runsMu.Unlock()
	close(ar.done)
}

// run executes the pipeline for one job. Every failure, including a panic
// in the tool, ends as a failed record; nothing escapes the goroutine.
func (o *Orchestrator) run(ctx context.Context, job Job, ar *activeRun) {
	log := logger.With("job_id", job.ID)

	defer o.wg.Done()
	defer o.forgetRun(job.ID, ar)
	defer ar.cancel(nil)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", "panic", r)
			o.fail(ctx, job, fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(ctx, job, err)
		return
	}
	defer o.sem.Release(1)

	// The deadline starts once a worker slot is held
	if o.opts.ToolTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, o.opts.ToolTimeout, ErrToolTimeout)
		defer stop()
	}

	start := time.Now()
	log.Info("Job started", "source", job.Source)

	md, err := o.opts.Tool.FetchMetadata(ctx, job.Source)
	if err != nil {
		o.fail(ctx, job, err)
		return
	}
	if !o.step(job, transition{to: StageMetadataFetched}) {
		return
	}
	if !o.step(job, transition{to: StageMetadataRecorded, metadata: md}) {
		return
	}

	dir := o.JobDir(job.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		o.fail(ctx, job, fmt.Errorf("create job directory: %w", err))
		return
	}
	if !o.step(job, transition{to: StageWorkdirReady}) {
		return
	}

	path, err := o.opts.Tool.DownloadAudio(ctx, job.Source, dir, job.Quality)
	if err != nil {
		o.fail(ctx, job, err)
		return
	}
	if !ffmpeg.IsAudioFile(path) {
		o.fail(ctx, job, fmt.Errorf("%w: %s is not an audio file", ytdlp.ErrNoOutput, filepath.Base(path)))
		return
	}

	artifact := o.probe(ctx, path)

	fileID, err := o.opts.NewFileID()
	if err != nil {
		o.fail(ctx, job, fmt.Errorf("generate file id: %w", err))
		return
	}

	o.files.Register(fileID, path)
	done, ok, err := o.jobs.advance(job.ID, job.run, transition{
		to:       StageCompleted,
		fileID:   fileID,
		artifact: artifact,
		at:       o.opts.Now(),
	})
	if err != nil || !ok {
		// Evicted or superseded while downloading; nobody owns the file entry.
		o.files.Remove(fileID)
		if err != nil {
			log.Warn("Job completion rejected", "error", err)
		}
		return
	}

	log.Info("Job complete",
		"file_id", fileID,
		"title", md.Title,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	o.record(done)
}

// step advances job to the next stage. It returns false if the record is
// gone or the transition is rejected, in which case the run should stop.
func (o *Orchestrator) step(job Job, t transition) bool {
	_, ok, err := o.jobs.advance(job.ID, job.run, t)
	if err != nil {
		logger.Warn("Job transition rejected", "job_id", job.ID, "error", err)
	}
	return ok
}

// fail marks the job failed with the error's message. A stopped context
// reports its cause instead, e.g. ErrCancelled.
func (o *Orchestrator) fail(ctx context.Context, job Job, err error) {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}

	failed, ok, terr := o.jobs.advance(job.ID, job.run, transition{to: StageFailed, err: err, at: o.opts.Now()})
	if terr != nil || !ok {
		logger.Debug("Dropped failure for stale job", "job_id", job.ID, "error", err)
		return
	}

	logger.Error("Job failed", "job_id", job.ID, "progress", failed.Progress, "error", err.Error())
	o.record(failed)
}

// probe inspects the artifact. Failures are logged and yield nil.
func (o *Orchestrator) probe(ctx context.Context, path string) *ffmpeg.AudioInfo {
	if o.opts.Prober == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	info, err := o.opts.Prober.Probe(probeCtx, path)
	if err != nil {
		logger.Warn("Failed to probe artifact", "path", path, "error", err)
		return nil
	}
	logger.Debug("Probed artifact", "path", path, "info", info.String())
	return info
}

func (o *Orchestrator) record(job Job) {
	if o.opts.History == nil {
		return
	}
	if err := o.opts.History.RecordOutcome(job); err != nil {
		logger.Warn("Failed to record job outcome", "job_id", job.ID, "error", err)
	}
}

// validJobID reports whether id can be used as a single directory name
// under the root.
func validJobID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > maxJobIDLength {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}
