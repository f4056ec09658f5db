package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gwlsn/audiopull/internal/jobs"
)

// JobStream handles GET /api/jobs/{jobID}/stream (SSE endpoint).
// The stream ends once the job is terminal or evicted.
func (h *Handler) JobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// Get flusher
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the snapshot so no transition is missed
	eventCh := h.orch.Subscribe()
	defer h.orch.Unsubscribe(eventCh)

	job, err := h.orch.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial state
	writeEvent(w, jobs.Event{Type: "init", Job: job})
	flusher.Flush()
	if job.IsTerminal() {
		return
	}

	// Stream events
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if event.Job.ID != jobID {
				continue
			}

			writeEvent(w, event)
			flusher.Flush()

			if event.Type == "evicted" || event.Job.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event jobs.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}
