package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gwlsn/audiopull"
	"github.com/gwlsn/audiopull/internal/config"
	"github.com/gwlsn/audiopull/internal/jobs"
	"github.com/gwlsn/audiopull/internal/logger"
	"github.com/gwlsn/audiopull/internal/store"
	"github.com/gwlsn/audiopull/internal/ytdlp"
)

// metadataTimeout bounds a metadata lookup when no tool timeout is configured.
const metadataTimeout = 2 * time.Minute

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// Tool is the part of the media tool the handlers call directly.
// *ytdlp.Client implements it.
type Tool interface {
	FetchMetadata(ctx context.Context, reference string) (*ytdlp.Metadata, error)
	ProbeAvailability(ctx context.Context) bool
}

// Handler provides HTTP API handlers
type Handler struct {
	orch     *jobs.Orchestrator
	tool     Tool
	history  store.Store // nil when the history database is disabled
	cfg      *config.Config
	newJobID func() string
}

// NewHandler creates a new API handler. history may be nil.
func NewHandler(orch *jobs.Orchestrator, tool Tool, history store.Store, cfg *config.Config) *Handler {
	return &Handler{
		orch:     orch,
		tool:     tool,
		history:  history,
		cfg:      cfg,
		newJobID: uuid.NewString,
	}
}

// response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a size-limited JSON body into v. On failure it writes
// the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// ConvertRequest is the request body for POST /api/convert
type ConvertRequest struct {
	URL     string `json:"url" validate:"required,youtube"`
	Quality string `json:"quality" validate:"omitempty,max=16"`
}

// ConvertResponse acknowledges an accepted conversion
type ConvertResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Convert handles POST /api/convert.
// Responds as soon as the job is registered; progress is read via status or stream.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.URL = SanitizeURL(req.URL)
	if err := validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	quality := req.Quality
	if quality == "" {
		quality = h.cfg.DefaultQuality
	}

	jobID := h.newJobID()
	if err := h.orch.Submit(jobID, req.URL, quality); err != nil {
		if errors.Is(err, jobs.ErrShutdown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		logger.Error("Submit failed", "job_id", jobID, "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusAccepted, ConvertResponse{
		JobID:   jobID,
		Message: "Conversion started",
		Status:  string(jobs.StatusProcessing),
	})
}

// Status handles GET /api/status/{jobID}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.orch.Jobs().List()})
}

// Download handles GET /api/download/{fileID}
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	path, err := h.orch.ResolveFile(fileID)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("Registered file is missing on disk", "file_id", fileID, "path", path, "error", err)
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(path)}))
	http.ServeFile(w, r, path)
}

// MetadataRequest is the request body for POST /api/metadata
type MetadataRequest struct {
	URL string `json:"url" validate:"required,youtube"`
}

// Metadata handles POST /api/metadata
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	var req MetadataRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.URL = SanitizeURL(req.URL)
	if err := validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := h.cfg.ToolTimeout
	if timeout <= 0 {
		timeout = metadataTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	md, err := h.tool.FetchMetadata(ctx, req.URL)
	if err != nil {
		logger.Error("Metadata lookup failed", "url", req.URL, "video_id", ExtractVideoID(req.URL), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch video metadata")
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// CancelJob handles DELETE /api/jobs/{jobID}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	err := h.orch.Cancel(chi.URLParam(r, "jobID"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobs.ErrJobNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// StatsResponse combines in-memory counts with the history counters
type StatsResponse struct {
	Jobs    jobs.Stats   `json:"jobs"`
	History *store.Stats `json:"history,omitempty"`
}

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Jobs: h.orch.Stats()}
	if h.history != nil {
		stats, err := h.history.Stats()
		if err != nil {
			logger.Warn("Failed to read history stats", "error", err)
		} else {
			resp.History = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// History handles GET /api/history?limit=N
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	outcomes, err := h.history.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if outcomes == nil {
		outcomes = []store.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// ResetSession handles POST /api/stats/reset-session
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	if err := h.history.ResetSession(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "session reset"})
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	YtDlp     bool      `json:"ytdlp"`
	Jobs      int       `json:"jobs"`
}

// Health handles GET /health. A missing yt-dlp binary reports "degraded"
// with status 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "OK",
		Version:   audiopull.Version,
		Timestamp: time.Now().UTC(),
		YtDlp:     h.tool.ProbeAvailability(ctx),
		Jobs:      h.orch.Jobs().Len(),
	}
	if !resp.YtDlp {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}
