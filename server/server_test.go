package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/bundle"
	"github.com/snapgrid/snapgrid/capture"
	"github.com/snapgrid/snapgrid/models"
	"github.com/snapgrid/snapgrid/runner"
	"github.com/snapgrid/snapgrid/service"
	"github.com/snapgrid/snapgrid/store"
	"github.com/snapgrid/snapgrid/submission"
)

type fakeBackend struct {
	mu    sync.Mutex
	fail  map[string]error
	calls int
}

func (f *fakeBackend) Capture(ctx context.Context, outDir string, req capture.Request) (*capture.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	err := f.fail[req.Target]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(outDir, fmt.Sprintf("art-%d.png", n))
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		return nil, err
	}
	return &capture.Result{ArtifactPath: path}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	mem := store.NewMemory()
	r := runner.New(mem, &fakeBackend{}, runner.Config{WaitCeilingMs: capture.DefaultMaxWaitMs}, entry)
	svc := service.New(mem, r, submission.NewBuilder(capture.DefaultMaxWaitMs), bundle.NewZip(entry), service.Config{
		Workers:    2,
		QueueSize:  16,
		OutputRoot: t.TempDir(),
	}, entry)
	srv := New(svc, Config{Mode: gin.TestMode}, entry)
	svc.Start(context.Background())
	t.Cleanup(func() {
		if err := svc.Shutdown(2 * time.Second); err != nil {
			t.Logf("service shutdown: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, mem
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func submitTask(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/api/captures", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		JobCount int    `json:"job_count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatal("submit response has no task_id")
	}
	return resp.TaskID
}

func pollTask(t *testing.T, h http.Handler, id string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last models.Task
	for time.Now().Before(deadline) {
		w := doJSON(t, h, http.MethodGet, "/api/captures/"+id, "")
		if w.Code == http.StatusOK {
			last = models.Task{}
			if err := json.Unmarshal(w.Body.Bytes(), &last); err != nil {
				t.Fatalf("decode task: %v", err)
			}
			if last.Status == want {
				return &last
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s, last seen %q", id, want, last.Status)
	return nil
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Router(), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health returned %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Fatalf("unexpected health body: %s", w.Body.String())
	}
}

func TestSubmitAndFetchTask(t *testing.T) {
	srv, _ := newTestServer(t)
	id := submitTask(t, srv.Router(), `{"targets":["example.com","example.org"],"dimensions":["800x600"]}`)

	task := pollTask(t, srv.Router(), id, models.TaskCompleted)
	if len(task.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(task.Jobs))
	}
	for _, job := range task.Jobs {
		if job.Status != models.JobCompleted {
			t.Fatalf("job %s is %s", job.ID, job.Status)
		}
		if job.ArtifactPath == "" {
			t.Fatalf("job %s has no artifact", job.ID)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"no targets", `{"targets":[],"dimensions":["800x600"]}`},
		{"no dimensions", `{"targets":["example.com"],"dimensions":[]}`},
		{"malformed dimension", `{"targets":["example.com"],"dimensions":["800x"]}`},
		{"unknown mode", `{"targets":["example.com"],"dimensions":["800x600"],"mode":"panorama"}`},
		{"broken json", `{"targets":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, srv.Router(), http.MethodPost, "/api/captures", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetMissingTask(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Router(), http.MethodGet, "/api/captures/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCancelMissingTask(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Router(), http.MethodPost, "/api/captures/nope/cancel", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCancelFinishedTaskIsNoOp(t *testing.T) {
	srv, _ := newTestServer(t)
	id := submitTask(t, srv.Router(), `{"targets":["example.com"],"dimensions":["800x600"]}`)
	pollTask(t, srv.Router(), id, models.TaskCompleted)

	w := doJSON(t, srv.Router(), http.MethodPost, "/api/captures/"+id+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status    models.TaskStatus `json:"status"`
		Requested bool              `json:"cancellation_requested"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if resp.Requested {
		t.Fatal("cancel of a finished task must not be requested")
	}
	if resp.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %s", resp.Status)
	}
}

func TestBundleNotReady(t *testing.T) {
	srv, mem := newTestServer(t)
	task := &models.Task{
		ID:        "busy-task",
		Status:    models.TaskProcessing,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := mem.Set(context.Background(), task.ID, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	w := doJSON(t, srv.Router(), http.MethodGet, "/api/captures/busy-task/bundle", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBundleDownload(t *testing.T) {
	srv, _ := newTestServer(t)
	id := submitTask(t, srv.Router(), `{"targets":["example.com"],"dimensions":["800x600"]}`)
	pollTask(t, srv.Router(), id, models.TaskCompleted)

	w := doJSON(t, srv.Router(), http.MethodGet, "/api/captures/"+id+"/bundle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("bundle returned %d: %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, ".zip") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if body := w.Body.Bytes(); len(body) < 2 || body[0] != 'P' || body[1] != 'K' {
		t.Fatal("response body is not a zip archive")
	}

	w = doJSON(t, srv.Router(), http.MethodGet, "/api/captures/nope/bundle", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Router(), http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats returned %d", w.Code)
	}
	var stats service.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Queued < 0 || stats.Running < 0 {
		t.Fatalf("nonsense stats: %+v", stats)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Router(), http.MethodOptions, "/api/captures", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight returned %d", w.Code)
	}
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("unexpected allow origin %q", origin)
	}
}

func TestWebSocketReceivesTaskUpdates(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(first, &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcome.Type != "active_tasks" {
		t.Fatalf("expected active_tasks welcome, got %q", welcome.Type)
	}

	id := submitTask(t, srv.Router(), `{"targets":["example.com"],"dimensions":["800x600"]}`)

	// Updates arrive for every persisted change; read until the task is done.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read update: %v", err)
		}
		var event struct {
			Type   string            `json:"type"`
			TaskID string            `json:"task_id"`
			Status models.TaskStatus `json:"status"`
			Jobs   []models.Job      `json:"jobs"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		if event.Type != "task_update" {
			t.Fatalf("unexpected event type %q", event.Type)
		}
		if event.TaskID != id {
			continue
		}
		if event.Status == models.TaskCompleted {
			if len(event.Jobs) != 1 || event.Jobs[0].Status != models.JobCompleted {
				t.Fatalf("final update has wrong jobs: %+v", event.Jobs)
			}
			return
		}
	}
}
