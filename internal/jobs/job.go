package jobs

import (
	"time"

	"github.com/gwlsn/audiopull/internal/ffmpeg"
	"github.com/gwlsn/audiopull/internal/ytdlp"
)

// Status represents the current state of a job
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage is the last pipeline boundary a job crossed.
type Stage string

const (
	StageCreated          Stage = "created"
	StageMetadataFetched  Stage = "metadata_fetched"
	StageMetadataRecorded Stage = "metadata_recorded"
	StageWorkdirReady     Stage = "workdir_ready"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// Progress values reported at each stage boundary.
const (
	progressCreated          = 0
	progressMetadataFetched  = 20
	progressMetadataRecorded = 40
	progressWorkdirReady     = 60
	progressCompleted        = 100
)

// Job represents one conversion. Jobs are values: the registry hands out
// copies and every transition replaces the whole record.
type Job struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Quality     string            `json:"quality,omitempty"`
	Status      Status            `json:"status"`
	Stage       Stage             `json:"stage"`
	Progress    int               `json:"progress"`          // 0-100
	Metadata    *ytdlp.Metadata   `json:"metadata,omitempty"`
	FileID      string            `json:"file_id,omitempty"` // Set only when completed
	Error       string            `json:"error,omitempty"`   // Set only when failed
	Artifact    *ffmpeg.AudioInfo `json:"artifact,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`

	// run identifies the goroutine allowed to write this record. A resubmit
	// under the same ID starts a new run and the old one's writes are dropped.
	run uint64
	// retired holds file IDs of earlier runs under this ID. They are
	// released when the record is swept.
	retired []string
}

// IsTerminal returns true if the job is in a terminal state
func (j Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// newJob returns the CREATED record for a submission.
func newJob(id, source, quality string, now time.Time) Job {
	return Job{
		ID:        id,
		Source:    source,
		Quality:   quality,
		Status:    StatusProcessing,
		Stage:     StageCreated,
		Progress:  progressCreated,
		CreatedAt: now,
	}
}

// transition is one step of the job state machine.
type transition struct {
	to       Stage
	metadata *ytdlp.Metadata
	fileID   string
	artifact *ffmpeg.AudioInfo
	err      error
	at       time.Time
}

// next lists the only stage each processing stage may advance to.
// Failure is allowed from any of them and handled separately.
var next = map[Stage]Stage{
	StageCreated:          StageMetadataFetched,
	StageMetadataFetched:  StageMetadataRecorded,
	StageMetadataRecorded: StageWorkdirReady,
	StageWorkdirReady:     StageCompleted,
}

// apply returns the record that results from t, leaving j untouched. It never
// performs I/O; the caller decides whether and where to store the result.
func (j Job) apply(t transition) (Job, error) {
	if j.IsTerminal() {
		return j, invalidTransitionError(j.ID, j.Stage, t.to)
	}

	if t.to == StageFailed {
		msg := "unknown error"
		if t.err != nil {
			msg = t.err.Error()
		}
		j.Status = StatusFailed
		j.Stage = StageFailed
		j.Error = msg
		j.CompletedAt = t.at
		return j, nil
	}

	if next[j.Stage] != t.to {
		return j, invalidTransitionError(j.ID, j.Stage, t.to)
	}
	if (t.to == StageMetadataRecorded && t.metadata == nil) || (t.to == StageCompleted && t.fileID == "") {
		return j, invalidTransitionError(j.ID, j.Stage, t.to)
	}

	j.Stage = t.to
	switch t.to {
	case StageMetadataFetched:
		j.Progress = progressMetadataFetched
	case StageMetadataRecorded:
		j.Progress = progressMetadataRecorded
		j.Metadata = t.metadata
	case StageWorkdirReady:
		j.Progress = progressWorkdirReady
	case StageCompleted:
		j.Status = StatusCompleted
		j.Progress = progressCompleted
		j.FileID = t.fileID
		j.Artifact = t.artifact
		j.CompletedAt = t.at
	}

	return j, nil
}

// Event is broadcast to subscribers after every registry write.
type Event struct {
	Type string `json:"type"` // "created", "progress", "completed", "failed", "evicted"
	Job  Job    `json:"job"`
}

func eventType(j Job) string {
	switch {
	case j.Status == StatusCompleted:
		return "completed"
	case j.Status == StatusFailed:
		return "failed"
	case j.Stage == StageCreated:
		return "created"
	default:
		return "progress"
	}
}
