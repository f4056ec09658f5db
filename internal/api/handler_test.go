package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gwlsn/audiopull/internal/config"
	"github.com/gwlsn/audiopull/internal/jobs"
	"github.com/gwlsn/audiopull/internal/store"
	"github.com/gwlsn/audiopull/internal/ytdlp"
)

const testURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

// fakeTool stands in for yt-dlp in handler tests
type fakeTool struct {
	fetchErr    error
	unavailable bool
	release     chan struct{} // when set, downloads wait for it

	mu        sync.Mutex
	qualities []string
}

func (f *fakeTool) FetchMetadata(ctx context.Context, ref string) (*ytdlp.Metadata, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &ytdlp.Metadata{ID: "dQw4w9WgXcQ", Title: "My Video", Channel: "ChannelName", Duration: 212}, nil
}

func (f *fakeTool) DownloadAudio(ctx context.Context, ref, dir, quality string) (string, error) {
	f.mu.Lock()
	f.qualities = append(f.qualities, quality)
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	path := filepath.Join(dir, "My Video.mp3")
	if err := os.WriteFile(path, []byte("ID3 fake audio"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeTool) ProbeAvailability(ctx context.Context) bool {
	return !f.unavailable
}

func (f *fakeTool) lastQuality() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.qualities) == 0 {
		return ""
	}
	return f.qualities[len(f.qualities)-1]
}

type testEnv struct {
	orch    *jobs.Orchestrator
	tool    *fakeTool
	handler *Handler
	router  http.Handler
}

func setupTestHandler(t *testing.T, tool *fakeTool, history store.Store) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.TempPath = t.TempDir()

	opts := jobs.Options{Root: cfg.TempPath, Tool: tool, Workers: 2}
	if history != nil {
		opts.History = history
	}
	orch, err := jobs.New(opts)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	handler := NewHandler(orch, tool, history, cfg)
	return &testEnv{orch: orch, tool: tool, handler: handler, router: NewRouter(handler)}
}

func (e *testEnv) do(method, target string, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) waitTerminal(t *testing.T, jobID string) jobs.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.orch.Wait(ctx, jobID)
	if err != nil {
		t.Fatalf("wait for %s: %v", jobID, err)
	}
	return job
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse error response %q: %v", w.Body.String(), err)
	}
	return body["error"]
}

func TestConvertEndpoint(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	w := env.do("POST", "/api/convert", `{"url":"`+testURL+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp ConvertResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.JobID == "" || resp.Status != "processing" || resp.Message != "Conversion started" {
		t.Errorf("unexpected response: %+v", resp)
	}

	job := env.waitTerminal(t, resp.JobID)
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if got := env.tool.lastQuality(); got != "320" {
		t.Errorf("expected default quality 320, got %q", got)
	}

	// Status
	w = env.do("GET", "/api/status/"+resp.JobID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var status jobs.Job
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to parse job: %v", err)
	}
	if status.Progress != 100 || status.FileID == "" || status.Metadata == nil || status.Metadata.Title != "My Video" {
		t.Errorf("unexpected job: %+v", status)
	}

	// Download
	w = env.do("GET", "/api/download/"+status.FileID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ID3 fake audio" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	cd := w.Header().Get("Content-Disposition")
	if !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "My Video.mp3") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
}

func TestConvertEndpoint_Quality(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	w := env.do("POST", "/api/convert", `{"url":"https://youtu.be/dQw4w9WgXcQ","quality":"128"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	var resp ConvertResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	env.waitTerminal(t, resp.JobID)

	if got := env.tool.lastQuality(); got != "128" {
		t.Errorf("expected quality 128, got %q", got)
	}
}

func TestConvertEndpoint_Validation(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"url":`, "invalid request body"},
		{"missing url", `{}`, "YouTube URL is required"},
		{"not youtube", `{"url":"https://example.com/watch?v=dQw4w9WgXcQ"}`, "Invalid YouTube URL"},
		{"short id", `{"url":"https://youtu.be/abc"}`, "Invalid YouTube URL"},
		{"long quality", `{"url":"` + testURL + `","quality":"` + strings.Repeat("9", 17) + `"}`, "Quality value is too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/convert", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", w.Code)
			}
			if got := decodeError(t, w); got != tt.want {
				t.Errorf("error = %q, want %q", got, tt.want)
			}
		})
	}

	if n := env.orch.Jobs().Len(); n != 0 {
		t.Errorf("rejected requests must not create jobs, got %d", n)
	}
}

func TestConvertEndpoint_SanitizesURL(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	w := env.do("POST", "/api/convert", `{"url":"  <https://youtu.be/dQw4w9WgXcQ>  "}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp ConvertResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	job := env.waitTerminal(t, resp.JobID)
	if job.Source != "https://youtu.be/dQw4w9WgXcQ" {
		t.Errorf("expected sanitized source, got %q", job.Source)
	}
}

func TestConvertEndpoint_AfterShutdown(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)
	env.orch.Shutdown(context.Background())

	w := env.do("POST", "/api/convert", `{"url":"`+testURL+`"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)
	huge := `{"url":"` + testURL + `","quality":"` + strings.Repeat("9", maxBodyBytes) + `"}`

	for _, target := range []string{"/api/convert", "/api/metadata"} {
		t.Run(target, func(t *testing.T) {
			w := env.do("POST", target, huge)
			if w.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected status 413, got %d", w.Code)
			}
			if got := decodeError(t, w); got != "request body too large" {
				t.Errorf("unexpected error %q", got)
			}
		})
	}

	if n := env.orch.Jobs().Len(); n != 0 {
		t.Errorf("oversized requests must not create jobs, got %d", n)
	}
}

func TestListJobsEndpoint(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	w := env.do("GET", "/api/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var empty struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &empty); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(empty.Jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(empty.Jobs))
	}

	for _, id := range []string{"job-1", "job-2"} {
		if err := env.orch.Submit(id, testURL, ""); err != nil {
			t.Fatal(err)
		}
		env.waitTerminal(t, id)
	}

	w = env.do("GET", "/api/jobs", "")
	var resp struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Jobs) != 2 || resp.Jobs[0].ID != "job-1" || resp.Jobs[1].ID != "job-2" {
		t.Fatalf("unexpected jobs: %+v", resp.Jobs)
	}
	for _, job := range resp.Jobs {
		if job.Status != jobs.StatusCompleted || job.FileID == "" {
			t.Errorf("%s: unexpected job %+v", job.ID, job)
		}
	}
}

func TestStatusAndDownload_NotFound(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	w := env.do("GET", "/api/status/nope", "")
	if w.Code != http.StatusNotFound || decodeError(t, w) != "Job not found" {
		t.Errorf("status: got %d %s", w.Code, w.Body.String())
	}

	w = env.do("GET", "/api/download/nope", "")
	if w.Code != http.StatusNotFound || decodeError(t, w) != "File not found" {
		t.Errorf("download: got %d %s", w.Code, w.Body.String())
	}
}

func TestDownload_FileRemovedFromDisk(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	if err := env.orch.Submit("job-1", testURL, ""); err != nil {
		t.Fatal(err)
	}
	job := env.waitTerminal(t, "job-1")
	path, err := env.orch.ResolveFile(job.FileID)
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(path)

	w := env.do("GET", "/api/download/"+job.FileID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	w := env.do("POST", "/api/metadata", `{"url":"`+testURL+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var md ytdlp.Metadata
	if err := json.Unmarshal(w.Body.Bytes(), &md); err != nil {
		t.Fatalf("failed to parse metadata: %v", err)
	}
	if md.Title != "My Video" || md.Duration != 212 {
		t.Errorf("unexpected metadata: %+v", md)
	}

	w = env.do("POST", "/api/metadata", `{"url":"not a url"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestMetadataEndpoint_ToolFailure(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{fetchErr: errors.New("yt-dlp failed")}, nil)

	w := env.do("POST", "/api/metadata", `{"url":"`+testURL+`"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
	if got := decodeError(t, w); got != "Failed to fetch video metadata" {
		t.Errorf("unexpected error %q", got)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{release: make(chan struct{})}, nil)

	if err := env.orch.Submit("job-1", testURL, ""); err != nil {
		t.Fatal(err)
	}

	w := env.do("DELETE", "/api/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	job := env.waitTerminal(t, "job-1")
	if job.Status != jobs.StatusFailed || job.Error != jobs.ErrCancelled.Error() {
		t.Errorf("expected cancelled failure, got %s %q", job.Status, job.Error)
	}

	w = env.do("DELETE", "/api/jobs/job-1", "")
	if w.Code != http.StatusConflict {
		t.Errorf("cancel of finished job: expected 409, got %d", w.Code)
	}

	w = env.do("DELETE", "/api/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel of unknown job: expected 404, got %d", w.Code)
	}
}

func TestStatsAndHistoryEndpoints(t *testing.T) {
	history, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer history.Close()

	env := setupTestHandler(t, &fakeTool{}, history)

	env.orch.Submit("job-1", testURL, "")
	env.waitTerminal(t, "job-1")

	// Shutdown waits for the run to finish recording its outcome
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.orch.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	w := env.do("GET", "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var stats StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to parse stats: %v", err)
	}
	if stats.Jobs.Completed != 1 || stats.Jobs.Files != 1 {
		t.Errorf("unexpected job stats: %+v", stats.Jobs)
	}
	if stats.History == nil || stats.History.LifetimeCompleted != 1 {
		t.Errorf("unexpected history stats: %+v", stats.History)
	}

	w = env.do("GET", "/api/history?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body struct {
		Outcomes []store.Outcome `json:"outcomes"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Outcomes) != 1 || body.Outcomes[0].JobID != "job-1" || body.Outcomes[0].Title != "My Video" {
		t.Errorf("unexpected history: %+v", body.Outcomes)
	}

	w = env.do("GET", "/api/history?limit=zero", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad limit, got %d", w.Code)
	}

	w = env.do("POST", "/api/stats/reset-session", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 for reset, got %d", w.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	if w := env.do("GET", "/api/history", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	w := env.do("GET", "/api/stats", "")
	if strings.Contains(w.Body.String(), "history") {
		t.Errorf("stats should omit history when disabled: %s", w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		unavailable bool
		want        string
	}{
		{"available", false, "OK"},
		{"missing yt-dlp", true, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, &fakeTool{unavailable: tt.unavailable}, nil)

			w := env.do("GET", "/health", "")
			if w.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", w.Code)
			}
			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Status != tt.want || resp.YtDlp == tt.unavailable {
				t.Errorf("unexpected health: %+v", resp)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	w := env.do("GET", "/api/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestJobStream(t *testing.T) {
	release := make(chan struct{})
	env := setupTestHandler(t, &fakeTool{release: release}, nil)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	if err := env.orch.Submit("job-1", testURL, ""); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/jobs/job-1/stream")
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var events []string
	var last jobs.Job
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
			if len(events) == 1 {
				close(release)
			}
		case strings.HasPrefix(line, "data: "):
			var ev jobs.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event data: %v", err)
			}
			last = ev.Job
		}
	}

	if len(events) < 2 {
		t.Fatalf("expected at least init and completed events, got %v", events)
	}
	if events[0] != "init" {
		t.Errorf("first event = %s, want init", events[0])
	}
	if events[len(events)-1] != "completed" {
		t.Errorf("last event = %s, want completed", events[len(events)-1])
	}
	if last.Progress != 100 || last.FileID == "" {
		t.Errorf("unexpected final job: %+v", last)
	}
}

func TestJobStream_FinishedJob(t *testing.T) {
	env := setupTestHandler(t, &fakeTool{}, nil)

	env.orch.Submit("job-1", testURL, "")
	env.waitTerminal(t, "job-1")

	w := env.do("GET", "/api/jobs/job-1/stream", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if n := bytes.Count(w.Body.Bytes(), []byte("event: ")); n != 1 {
		t.Errorf("expected a single init event, got %d", n)
	}

	w = env.do("GET", "/api/jobs/missing/stream", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}
