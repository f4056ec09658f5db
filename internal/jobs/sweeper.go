package jobs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gwlsn/audiopull/internal/logger"
)

// SweeperOptions configures a Sweeper
type SweeperOptions struct {
	Interval        time.Duration // time between sweeps
	StartupDelay    time.Duration // wait before the first sweep
	MaxAge          time.Duration // jobs older than this are evicted
	EvictProcessing bool          // also evict jobs that are still running
	Now             func() time.Time
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Evicted        int   `json:"evicted"`
	FreedBytes     int64 `json:"freed_bytes"`
	RemainingJobs  int   `json:"remaining_jobs"`
	RemainingFiles int   `json:"remaining_files"`
}

// Sweeper periodically evicts expired jobs together with their directory
// and file registration. It keeps no state between sweeps.
type Sweeper struct {
	orch *Orchestrator
	opts SweeperOptions
}

// NewSweeper creates a sweeper for the orchestrator's registries
func NewSweeper(orch *Orchestrator, opts SweeperOptions) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Sweeper{orch: orch, opts: opts}
}

// Run sweeps after the startup delay and then on every interval until ctx
// is done. It always returns nil so it can run under an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	logger.Info("Cleanup scheduled",
		"startup_delay", s.opts.StartupDelay,
		"interval", s.opts.Interval,
		"max_age", s.opts.MaxAge,
	)

	delay := time.NewTimer(s.opts.StartupDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-delay.C:
	}

	s.Sweep(s.opts.Now())

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.opts.Now())
		}
	}
}

// Sweep evicts every job whose age at now exceeds MaxAge. For each one it
// stops the run if still active, removes the job record, deletes the job
// directory and drops the file registration.
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	var res SweepResult
	cutoff := now.Add(-s.opts.MaxAge)

	for _, job := range s.orch.jobs.expired(cutoff, s.opts.EvictProcessing) {
		// Take the record first so a run that is still finishing cannot
		// write it back. The returned copy includes a FileID set since the
		// snapshot was taken.
		current, ok := s.orch.jobs.remove(job.ID, job.run)
		if !ok {
			continue
		}

		if !current.IsTerminal() {
			if done := s.orch.stopRun(current.ID, current.run, ErrCancelled); done != nil {
				select {
				case <-done:
				case <-time.After(stopWait):
					logger.Warn("Run did not stop in time, removing directory anyway", "job_id", current.ID)
				}
			}
		}

		dir := s.orch.JobDir(current.ID)
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("Failed to remove job directory", "job_id", current.ID, "dir", dir, "error", err)
		} else {
			res.FreedBytes += size
		}

		if current.FileID != "" {
			s.orch.files.Remove(current.FileID)
		}
		for _, fileID := range current.retired {
			s.orch.files.Remove(fileID)
		}

		res.Evicted++
		logger.Debug("Evicted job", "job_id", current.ID, "status", current.Status, "age", now.Sub(current.CreatedAt))
	}

	res.RemainingJobs = s.orch.jobs.Len()
	res.RemainingFiles = s.orch.files.Len()

	logger.Info("Cleanup complete",
		"evicted", res.Evicted,
		"freed", humanize.Bytes(uint64(res.FreedBytes)),
		"remaining_jobs", res.RemainingJobs,
		"remaining_files", res.RemainingFiles,
	)

	return res
}

// dirSize returns the total size of regular files under dir, or 0 if it
// does not exist.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
