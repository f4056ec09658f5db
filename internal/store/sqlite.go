package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gwlsn/audiopull/internal/jobs"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	source TEXT NOT NULL,
	quality TEXT,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	video_id TEXT,
	title TEXT,
	channel TEXT,
	duration_secs INTEGER,
	artifact_size INTEGER,
	artifact_bitrate INTEGER,
	artifact_codec TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS stats_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversions_job_id ON conversions(job_id);
CREATE INDEX IF NOT EXISTS idx_conversions_recorded_at ON conversions(recorded_at);
`

const selectColumns = `
	job_id, source, quality, status, progress, error, video_id, title, channel,
	duration_secs, artifact_size, artifact_bitrate, artifact_codec, created_at, completed_at
`

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotTerminal is returned when recording a job that is still processing.
var ErrNotTerminal = errors.New("job is not in a terminal state")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex // Protects concurrent access
	path string
	now  func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store.
// The database file is created if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// Check/set schema version
	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		// Fresh database
		_, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	} else if version > schemaVersion {
		db.Close()
		return nil, fmt.Errorf("database schema v%d is newer than supported v%d", version, schemaVersion)
	}

	s := &SQLiteStore{db: db, path: dbPath, now: time.Now}

	// A fresh database starts its first session now
	_, err = db.Exec(`INSERT OR IGNORE INTO stats_metadata (key, value) VALUES ('session_start', ?)`,
		formatTime(s.now()))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init stats metadata: %w", err)
	}

	return s, nil
}

// RecordOutcome appends a terminal job to the history.
// This implements the jobs.History interface.
func (s *SQLiteStore) RecordOutcome(job jobs.Job) error {
	if !job.IsTerminal() {
		return fmt.Errorf("%w: %s (%s)", ErrNotTerminal, job.ID, job.Status)
	}

	var videoID, title, channel string
	var durationSecs int
	if md := job.Metadata; md != nil {
		videoID, title, channel, durationSecs = md.ID, md.Title, md.Channel, md.Duration
	}

	var size, bitrate int64
	var codec string
	if a := job.Artifact; a != nil {
		size, bitrate, codec = a.Size, a.Bitrate, a.Codec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO conversions (
			job_id, source, quality, status, progress, error, video_id, title, channel,
			duration_secs, artifact_size, artifact_bitrate, artifact_codec,
			created_at, completed_at, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.Source, nullString(job.Quality), string(job.Status), job.Progress,
		nullString(job.Error), nullString(videoID), nullString(title), nullString(channel),
		nullInt(durationSecs), nullInt64(size), nullInt64(bitrate), nullString(codec),
		formatTime(job.CreatedAt), formatTimePtr(job.CompletedAt), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first.
func (s *SQLiteStore) Recent(limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM conversions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutcomes(rows)
}

// ForJob returns every outcome recorded under jobID, newest first.
func (s *SQLiteStore) ForJob(jobID string) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM conversions WHERE job_id = ? ORDER BY id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutcomes(rows)
}

// Stats returns session and lifetime counters.
func (s *SQLiteStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats

	var sessionStart string
	err := s.db.QueryRow(`SELECT value FROM stats_metadata WHERE key = 'session_start'`).Scan(&sessionStart)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return stats, fmt.Errorf("get session start: %w", err)
	}

	row := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' AND recorded_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND recorded_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN artifact_size ELSE 0 END), 0)
		FROM conversions
	`, sessionStart, sessionStart)

	err = row.Scan(&stats.LifetimeCompleted, &stats.LifetimeFailed,
		&stats.SessionCompleted, &stats.SessionFailed, &stats.LifetimeBytes)
	if err != nil {
		return stats, err
	}

	return stats, nil
}

// ResetSession starts a new session at the current time.
func (s *SQLiteStore) ResetSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO stats_metadata (key, value, updated_at) VALUES ('session_start', ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, formatTime(s.now()))
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Helper functions for scanning rows

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (Outcome, error) {
	var o Outcome
	var quality, errStr, videoID, title, channel, codec sql.NullString
	var duration, size, bitrate sql.NullInt64
	var createdAt, completedAt sql.NullString

	err := row.Scan(
		&o.JobID, &o.Source, &quality, &o.Status, &o.Progress, &errStr,
		&videoID, &title, &channel,
		&duration, &size, &bitrate, &codec,
		&createdAt, &completedAt,
	)
	if err != nil {
		return o, err
	}

	o.Quality = quality.String
	o.Error = errStr.String
	o.VideoID = videoID.String
	o.Title = title.String
	o.Channel = channel.String
	o.DurationSecs = int(duration.Int64)
	o.ArtifactSize = size.Int64
	o.ArtifactBitrate = bitrate.Int64
	o.ArtifactCodec = codec.String
	o.CreatedAt = parseTime(createdAt.String)
	o.CompletedAt = parseTime(completedAt.String)

	return o, nil
}

func scanOutcomes(rows *sql.Rows) ([]Outcome, error) {
	var out []Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Helper functions for SQL values

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func nullInt64(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}

var _ jobs.History = (*SQLiteStore)(nil)
var _ Store = (*SQLiteStore)(nil)
