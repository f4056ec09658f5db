package store

import (
	"time"

	"github.com/gwlsn/audiopull/internal/jobs"
)

// Store records the outcome of finished conversions. Jobs themselves live
// only in memory; nothing here is read back into the job registry.
// Implementations must be safe for concurrent use.
type Store interface {
	// RecordOutcome appends a terminal job. Non-terminal jobs are rejected.
	RecordOutcome(job jobs.Job) error

	// Recent returns up to limit outcomes, newest first.
	Recent(limit int) ([]Outcome, error)

	// ForJob returns every outcome recorded under a job ID, newest first.
	// A job ID can appear more than once if it was resubmitted.
	ForJob(jobID string) ([]Outcome, error)

	// Stats returns session and lifetime counters.
	Stats() (Stats, error)

	// ResetSession starts a new session at the current time.
	ResetSession() error

	// Close closes the store and releases resources.
	Close() error
}

// Outcome is one finished conversion as stored in the history.
type Outcome struct {
	JobID           string    `json:"job_id"`
	Source          string    `json:"source"`
	Quality         string    `json:"quality,omitempty"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	Error           string    `json:"error,omitempty"`
	VideoID         string    `json:"video_id,omitempty"`
	Title           string    `json:"title,omitempty"`
	Channel         string    `json:"channel,omitempty"`
	DurationSecs    int       `json:"duration_secs,omitempty"`
	ArtifactSize    int64     `json:"artifact_size,omitempty"`
	ArtifactBitrate int64     `json:"artifact_bitrate,omitempty"`
	ArtifactCodec   string    `json:"artifact_codec,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
}

// Stats holds history statistics.
type Stats struct {
	SessionCompleted  int64 `json:"session_completed"`
	SessionFailed     int64 `json:"session_failed"`
	LifetimeCompleted int64 `json:"lifetime_completed"`
	LifetimeFailed    int64 `json:"lifetime_failed"`
	LifetimeBytes     int64 `json:"lifetime_bytes"` // Total size of converted audio
}
