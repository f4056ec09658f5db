package jobs

import "time"

// Worker count limits
const (
	MinWorkers = 1
	MaxWorkers = 16
)

// probeTimeout bounds the best-effort ffprobe call after a download.
const probeTimeout = 15 * time.Second

// stopWait bounds how long the sweeper waits for a cancelled run to exit
// before removing its directory.
const stopWait = 10 * time.Second

// maxJobIDLength keeps job directories within common filesystem limits.
const maxJobIDLength = 200

// ClampWorkerCount ensures the worker count is within valid bounds.
func ClampWorkerCount(n int) int {
	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}
