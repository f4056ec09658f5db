package jobs

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Registry holds the current record of every job. All access goes through
// the mutex and records are stored by value, so a reader always gets a whole
// snapshot and can never mutate the stored copy.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]Job
	lastRun uint64

	// Subscribers for job events
	subsMu      sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewRegistry creates an empty job registry
func NewRegistry() *Registry {
	return &Registry{
		jobs:        make(map[string]Job),
		subscribers: make(map[chan Event]struct{}),
	}
}

// create stores job under a fresh run number, replacing any record with the
// same ID, and returns the stored copy.
func (r *Registry) create(job Job) Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastRun++
	job.run = r.lastRun
	if prev, ok := r.jobs[job.ID]; ok {
		job.retired = slices.Clone(prev.retired)
		if prev.FileID != "" {
			job.retired = append(job.retired, prev.FileID)
		}
	}
	r.jobs[job.ID] = job

	r.broadcast(Event{Type: "created", Job: job})
	return job
}

// advance applies t to the record for id if it still belongs to run. It
// reports false without error when the record was evicted or superseded.
func (r *Registry) advance(id string, run uint64, t transition) (Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[id]
	if !ok || current.run != run {
		return Job{}, false, nil
	}

	updated, err := current.apply(t)
	if err != nil {
		return current, false, err
	}
	r.jobs[id] = updated

	r.broadcast(Event{Type: eventType(updated), Job: updated})
	return updated, true, nil
}

// Get returns a copy of the job with the given ID
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, jobNotFoundError(id)
	}
	return job, nil
}

// List returns all jobs ordered by creation time
func (r *Registry) List() []Job {
	r.mu.RLock()
	list := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		list = append(list, job)
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// expired returns jobs created strictly before cutoff. Processing jobs are
// included only when includeProcessing is set.
func (r *Registry) expired(cutoff time.Time, includeProcessing bool) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Job
	for _, job := range r.jobs {
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		if !includeProcessing && !job.IsTerminal() {
			continue
		}
		out = append(out, job)
	}
	return out
}

// remove deletes the record for id if it still belongs to run and returns
// the record as it was at deletion time.
func (r *Registry) remove(id string, run uint64) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.run != run {
		return Job{}, false
	}
	delete(r.jobs, id)

	r.broadcast(Event{Type: "evicted", Job: job})
	return job, true
}

// Subscribe returns a channel that receives job events
func (r *Registry) Subscribe() chan Event {
	ch := make(chan Event, 100)

	r.subsMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription
func (r *Registry) Unsubscribe(ch chan Event) {
	r.subsMu.Lock()
	if _, ok := r.subscribers[ch]; ok {
		delete(r.subscribers, ch)
		close(ch)
	}
	r.subsMu.Unlock()
}

// broadcast sends an event to all subscribers.
// Called with r.mu held so events for one job keep their order.
func (r *Registry) broadcast(event Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip this subscriber
		}
	}
}

// Stats summarizes the jobs currently held in memory
type Stats struct {
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
	Files      int `json:"files"`
}

// Stats returns registry statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats Stats
	for _, job := range r.jobs {
		stats.Total++
		switch job.Status {
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// FileRegistry maps opaque file IDs to artifact paths on disk.
type FileRegistry struct {
	mu    sync.RWMutex
	paths map[string]string
}

// NewFileRegistry creates an empty file registry
func NewFileRegistry() *FileRegistry {
	return &FileRegistry{paths: make(map[string]string)}
}

// Register records path under fileID
func (f *FileRegistry) Register(fileID, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[fileID] = path
}

// Resolve returns the path registered for fileID
func (f *FileRegistry) Resolve(fileID string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	path, ok := f.paths[fileID]
	if !ok {
		return "", fileNotFoundError(fileID)
	}
	return path, nil
}

// Remove deletes the entry for fileID and reports whether it existed
func (f *FileRegistry) Remove(fileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.paths[fileID]
	delete(f.paths, fileID)
	return ok
}

// Len returns the number of registered files
func (f *FileRegistry) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.paths)
}
