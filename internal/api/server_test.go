package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"
	"github.com/wya0/ai-goofish-monitor/internal/storage"
	"github.com/wya0/ai-goofish-monitor/internal/supervisor"
)

type fakeController struct {
	startErr  error
	stopErr   error
	runID     string
	running   map[uint]string
	progress  supervisor.Progress
	isRunning bool
}

func (f *fakeController) Start(ctx context.Context, taskID uint) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.runID, nil
}

func (f *fakeController) Stop(taskID uint) error { return f.stopErr }

func (f *fakeController) RunningRunID(taskID uint) string { return f.runID }

func (f *fakeController) Status(taskID uint) (supervisor.Progress, bool) {
	return f.progress, f.isRunning
}

func (f *fakeController) ListRunning() map[uint]string { return f.running }

type fakeRunQuerier struct {
	run *model.TaskRun
	err error
}

func (f *fakeRunQuerier) LatestByTask(ctx context.Context, taskID uint) (*model.TaskRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.run, nil
}

func newTestServer(ctrl RunController, runs RunQuerier) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(ctrl, runs, logger)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStartTaskAccepted(t *testing.T) {
	ctrl := &fakeController{runID: "run-123"}
	w := doRequest(t, newTestServer(ctrl, &fakeRunQuerier{}), http.MethodPost, "/api/tasks/1/start")

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body["run_id"] != "run-123" {
		t.Errorf("run_id = %v", body["run_id"])
	}
}

func TestStartTaskConflictWhenAlreadyRunning(t *testing.T) {
	ctrl := &fakeController{startErr: supervisor.ErrAlreadyRunning, runID: "run-old"}
	w := doRequest(t, newTestServer(ctrl, &fakeRunQuerier{}), http.MethodPost, "/api/tasks/1/start")

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestStartTaskErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"disabled", supervisor.ErrTaskDisabled, http.StatusUnprocessableEntity},
		{"invalid", supervisor.ErrTaskInvalid, http.StatusUnprocessableEntity},
		{"concurrency", supervisor.ErrConcurrencyLimit, http.StatusTooManyRequests},
		{"not found", storage.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := &fakeController{startErr: tc.err}
			w := doRequest(t, newTestServer(ctrl, &fakeRunQuerier{}), http.MethodPost, "/api/tasks/1/start")
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestStartTaskRejectsBadID(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeController{}, &fakeRunQuerier{}), http.MethodPost, "/api/tasks/abc/start")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStopTask(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeController{}, &fakeRunQuerier{}), http.MethodPost, "/api/tasks/1/stop")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	ctrl := &fakeController{stopErr: supervisor.ErrRunNotFound}
	w = doRequest(t, newTestServer(ctrl, &fakeRunQuerier{}), http.MethodPost, "/api/tasks/1/stop")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestTaskStatus(t *testing.T) {
	now := time.Now()
	runs := &fakeRunQuerier{run: &model.TaskRun{
		ID:         "run-9",
		TaskID:     1,
		Status:     model.RunSucceeded,
		ItemsFound: 5,
		StartedAt:  &now,
	}}
	w := doRequest(t, newTestServer(&fakeController{}, runs), http.MethodGet, "/api/tasks/1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body["status"] != model.RunSucceeded {
		t.Errorf("status field = %v", body["status"])
	}
	if body["items_found"] != float64(5) {
		t.Errorf("items_found = %v", body["items_found"])
	}

	w = doRequest(t, newTestServer(&fakeController{}, &fakeRunQuerier{err: storage.ErrNotFound}), http.MethodGet, "/api/tasks/1/status")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestTaskStatusReportsRunningProgress(t *testing.T) {
	ctrl := &fakeController{
		isRunning: true,
		progress: supervisor.Progress{
			RunID:            "run-live",
			Stage:            "process",
			Page:             3,
			ItemsFound:       12,
			ItemsRecommended: 4,
			LastBeat:         time.Now(),
		},
	}
	// 在途运行时不该回退到历史记录
	runs := &fakeRunQuerier{err: storage.ErrNotFound}
	w := doRequest(t, newTestServer(ctrl, runs), http.MethodGet, "/api/tasks/1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body["status"] != model.RunRunning {
		t.Errorf("status field = %v, want running", body["status"])
	}
	if body["run_id"] != "run-live" {
		t.Errorf("run_id = %v", body["run_id"])
	}
	if body["stage"] != "process" || body["page"] != float64(3) {
		t.Errorf("stage/page = %v/%v", body["stage"], body["page"])
	}
	if body["items_found"] != float64(12) || body["items_recommended"] != float64(4) {
		t.Errorf("counts = %v/%v", body["items_found"], body["items_recommended"])
	}
}

func TestListRunning(t *testing.T) {
	ctrl := &fakeController{running: map[uint]string{1: "run-a", 2: "run-b"}}
	w := doRequest(t, newTestServer(ctrl, &fakeRunQuerier{}), http.MethodGet, "/api/runs/running")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body.Count != 2 {
		t.Errorf("count = %d, want 2", body.Count)
	}
}

func TestHealthz(t *testing.T) {
	w := doRequest(t, newTestServer(&fakeController{}, &fakeRunQuerier{}), http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
