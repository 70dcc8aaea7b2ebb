package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/api/dto"
	"github.com/tidalflow/tidalflow/pkg/api/handlers"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// stubCoordinator records calls and creates runs directly in the store.
type stubCoordinator struct {
	store *storage.MemoryStore

	mu        sync.Mutex
	executed  []string
	cancelled []string
}

func (s *stubCoordinator) StartRun(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	w, err := s.store.Workflows().Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	run := &models.WorkflowRun{
		WorkflowID: w.ID,
		Status:     models.RunPending,
		DAG:        w.DAG,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.store.WorkflowRuns().Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *stubCoordinator) Execute(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, runID)
	return nil
}

func (s *stubCoordinator) Cancel(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, runID)
	return nil
}

func newAPI(t *testing.T) (*gin.Engine, *storage.MemoryStore, *stubCoordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStore()
	coordinator := &stubCoordinator{store: store}
	router := handlers.NewRouter(handlers.RouterConfig{
		Workflows:   store.Workflows(),
		Runs:        store.WorkflowRuns(),
		TaskRuns:    store.TaskRuns(),
		Coordinator: coordinator,
	})
	return router, store, coordinator
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func validCreateRequest(name string) dto.CreateWorkflowRequest {
	return dto.CreateWorkflowRequest{
		Name:     name,
		Schedule: "0 2 * * *",
		DAG: &models.DAG{
			Tasks: []models.TaskNode{
				{TaskID: "extract", Type: "shell", Params: map[string]interface{}{"cmd": "echo hi"}},
				{TaskID: "load", Type: "shell", Params: map[string]interface{}{"cmd": "echo done"}},
			},
			Dependencies: []models.Dependency{{Upstream: "extract", Downstream: "load"}},
		},
	}
}

func TestCreateWorkflow(t *testing.T) {
	router, store, _ := newAPI(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("etl"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp dto.WorkflowResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" || resp.Name != "etl" || resp.Status != "ACTIVE" {
		t.Fatalf("resp = %+v", resp)
	}

	stored, err := store.Workflows().Get(context.Background(), resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Schedule != "0 2 * * *" {
		t.Fatalf("schedule = %s", stored.Schedule)
	}
}

func TestCreateWorkflowRejectsCyclicDAG(t *testing.T) {
	router, _, _ := newAPI(t)

	req := validCreateRequest("cyclic")
	req.DAG.Dependencies = append(req.DAG.Dependencies, models.Dependency{Upstream: "load", Downstream: "extract"})

	w := doJSON(t, router, http.MethodPost, "/api/v1/workflows", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp dto.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "INVALID_DAG" {
		t.Fatalf("code = %s", resp.Code)
	}
}

func TestCreateWorkflowRejectsBadSchedule(t *testing.T) {
	router, _, _ := newAPI(t)

	req := validCreateRequest("badcron")
	req.Schedule = "every day at noon"

	w := doJSON(t, router, http.MethodPost, "/api/v1/workflows", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateWorkflowDuplicateName(t *testing.T) {
	router, _, _ := newAPI(t)

	if w := doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("etl")); w.Code != http.StatusCreated {
		t.Fatalf("first create: %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("etl")); w.Code != http.StatusConflict {
		t.Fatalf("duplicate create = %d, want 409", w.Code)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	router, _, _ := newAPI(t)
	if w := doJSON(t, router, http.MethodGet, "/api/v1/workflows/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUpdateWorkflowSchedule(t *testing.T) {
	router, store, _ := newAPI(t)

	created := doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("etl"))
	var resp dto.WorkflowResponse
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	newSchedule := "*/15 * * * *"
	newStatus := "DISABLED"
	w := doJSON(t, router, http.MethodPatch, "/api/v1/workflows/"+resp.ID, dto.UpdateWorkflowRequest{
		Schedule: &newSchedule,
		Status:   &newStatus,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	stored, err := store.Workflows().Get(context.Background(), resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Schedule != newSchedule || stored.Status != models.WorkflowDisabled {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestUpdateWorkflowRejectsInvalidDAG(t *testing.T) {
	router, _, _ := newAPI(t)

	created := doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("etl"))
	var resp dto.WorkflowResponse
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, http.MethodPatch, "/api/v1/workflows/"+resp.ID, dto.UpdateWorkflowRequest{
		DAG: &models.DAG{Tasks: []models.TaskNode{{TaskID: "", Type: "shell"}}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDeleteWorkflow(t *testing.T) {
	router, _, _ := newAPI(t)

	created := doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("etl"))
	var resp dto.WorkflowResponse
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if w := doJSON(t, router, http.MethodDelete, "/api/v1/workflows/"+resp.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/api/v1/workflows/"+resp.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", w.Code)
	}
}

func TestListWorkflowsFilterByStatus(t *testing.T) {
	router, _, _ := newAPI(t)

	doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("one"))
	req := validCreateRequest("two")
	req.Status = "DISABLED"
	doJSON(t, router, http.MethodPost, "/api/v1/workflows", req)

	w := doJSON(t, router, http.MethodGet, "/api/v1/workflows?status=ACTIVE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp dto.WorkflowListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Workflows) != 1 || resp.Workflows[0].Name != "one" {
		t.Fatalf("workflows = %+v", resp.Workflows)
	}
}

func TestTriggerWorkflow(t *testing.T) {
	router, _, coordinator := newAPI(t)

	created := doJSON(t, router, http.MethodPost, "/api/v1/workflows", validCreateRequest("etl"))
	var wf dto.WorkflowResponse
	if err := json.Unmarshal(created.Body.Bytes(), &wf); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/run", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp dto.TriggerRunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID == "" || resp.WorkflowID != wf.ID || resp.Status != "PENDING" {
		t.Fatalf("resp = %+v", resp)
	}

	// execution is asynchronous
	deadline := time.Now().Add(2 * time.Second)
	for {
		coordinator.mu.Lock()
		n := len(coordinator.executed)
		coordinator.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Execute was never called")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTriggerDisabledWorkflow(t *testing.T) {
	router, _, _ := newAPI(t)

	req := validCreateRequest("off")
	req.Status = "DISABLED"
	created := doJSON(t, router, http.MethodPost, "/api/v1/workflows", req)
	var wf dto.WorkflowResponse
	if err := json.Unmarshal(created.Body.Bytes(), &wf); err != nil {
		t.Fatal(err)
	}

	if w := doJSON(t, router, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/run", nil); w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}
