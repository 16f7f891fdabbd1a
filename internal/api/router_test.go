package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opskit/inquest/internal/api"
	"github.com/opskit/inquest/internal/api/handlers"
	"github.com/opskit/inquest/internal/config"
	"github.com/opskit/inquest/internal/coordinator"
	"github.com/opskit/inquest/internal/evaluator"
	"github.com/opskit/inquest/internal/executor"
	"github.com/opskit/inquest/internal/planner"
	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/internal/worker"
	"github.com/opskit/inquest/pkg/models"
)

type dropPublisher struct{}

func (dropPublisher) Publish(context.Context, *models.Message) error { return nil }

func newTestRouter(t *testing.T) (http.Handler, store.Store, *coordinator.Coordinator) {
	t.Helper()
	s := store.NewMemoryStore()
	w := worker.NewRegistry()
	w.Register("metrics", "metric analysis", 0.6, worker.CapabilityFunc(
		func(ctx context.Context, desc, contextText string) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "completed"}, nil
		}))

	plan := planner.New(s, planner.CapabilityProposer{}, w)
	exec := executor.New(s, w, 0)
	eval := evaluator.New(s, evaluator.HeuristicAssessor{}, nil, 0.8, 5)
	coord := coordinator.New(s, plan, exec, eval, dropPublisher{})

	h := handlers.New(s, coord, dropPublisher{}, w)
	cfg := config.Load()
	return api.NewRouter(cfg, s, h), s, coord
}

func seedInvestigation(t *testing.T, s store.Store) string {
	t.Helper()
	id := "inv-api"
	inv := &models.Investigation{
		ID:     id,
		Alarm:  models.AlarmSummary{ResourceName: "orders-db", Metric: "CPUUtilization"},
		Status: models.InvestigationInitiated,
	}
	if err := s.CreateInvestigation(context.Background(), inv); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}
	if err := s.CreateContext(context.Background(), id, inv.Alarm); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	tasks := []models.Task{{
		ID: "t1", Description: "check cpu", AgentType: "metrics",
		ExpectedOutput: "trend", Priority: 1,
	}}
	if _, err := s.SavePlan(context.Background(), id, tasks); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	return id
}

func TestHealthAndVersion(t *testing.T) {
	r, _, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestPostMessage_Validation(t *testing.T) {
	r, _, _ := newTestRouter(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"valid alarm", `{"message_type":"ALARM","alarm":"orders-db cpu alarm"}`, http.StatusAccepted},
		{"valid execution", `{"message_type":"EXECUTION","investigation_id":"inv-1"}`, http.StatusAccepted},
		{"alarm without text", `{"message_type":"ALARM"}`, http.StatusBadRequest},
		{"execution without id", `{"message_type":"EXECUTION"}`, http.StatusBadRequest},
		{"unknown type", `{"message_type":"NONSENSE"}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestGetInvestigationEndpoints(t *testing.T) {
	r, s, _ := newTestRouter(t)
	id := seedInvestigation(t, s)

	for _, path := range []string{
		"/api/v1/investigations/" + id,
		"/api/v1/investigations/" + id + "/plan",
		"/api/v1/investigations/" + id + "/context",
		"/api/v1/investigations/" + id + "/results",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200: %s", path, w.Code, w.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/ghost", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET unknown investigation = %d, want 404", w.Code)
	}
}

func TestListInvestigations_StatusFilter(t *testing.T) {
	r, s, _ := newTestRouter(t)
	seedInvestigation(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations?status=IN_PROGRESS", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var invs []models.Investigation
	if err := json.NewDecoder(w.Body).Decode(&invs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(invs) != 1 {
		t.Errorf("IN_PROGRESS investigations = %d, want 1", len(invs))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/investigations?status=COMPLETED", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	invs = nil
	if err := json.NewDecoder(w.Body).Decode(&invs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(invs) != 0 {
		t.Errorf("COMPLETED investigations = %d, want 0", len(invs))
	}
}

func TestCancelEndpoint(t *testing.T) {
	r, s, _ := newTestRouter(t)
	id := seedInvestigation(t, s)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations/"+id+"/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", w.Code, w.Body.String())
	}

	// Second cancel conflicts.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/investigations/"+id+"/cancel", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("double cancel = %d, want 409", w.Code)
	}

	// Unknown id is a 404.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/investigations/ghost/cancel", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", w.Code)
	}
}

func TestListWorkers(t *testing.T) {
	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("workers = %d", w.Code)
	}
	var descs []worker.Description
	if err := json.NewDecoder(w.Body).Decode(&descs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(descs) != 1 || descs[0].AgentType != "metrics" {
		t.Errorf("workers = %+v", descs)
	}
}
