package store_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/pkg/models"
)

// newPostgres needs a reachable PostgreSQL; set TEST_DATABASE_URL to run.
func newPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := store.NewPostgresStore(context.Background(), url)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgres_PlanLifecycle(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()

	inv := &models.Investigation{
		ID:    id,
		Alarm: models.AlarmSummary{ResourceName: "orders-db", Metric: "CPUUtilization"},
	}
	if err := s.CreateInvestigation(ctx, inv); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}
	if err := s.CreateContext(ctx, id, inv.Alarm); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	tasks := []models.Task{
		{ID: "t1", Description: "check cpu", AgentType: "metrics", ExpectedOutput: "trend", Priority: 1},
		{ID: "t2", Description: "scan logs", AgentType: "logs", ExpectedOutput: "errors", Priority: 2, Dependencies: []string{"t1"}},
	}
	if _, err := s.SavePlan(ctx, id, tasks); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	// Second plan while the round is open is rejected.
	_, err := s.SavePlan(ctx, id, tasks[:1])
	var dup *store.ErrDuplicateRound
	if !errors.As(err, &dup) {
		t.Fatalf("open-round SavePlan: err = %v, want ErrDuplicateRound", err)
	}

	next, state, err := s.NextReadyTask(ctx, id)
	if err != nil {
		t.Fatalf("NextReadyTask: %v", err)
	}
	if state != store.QueueReady || next.ID != "t1" {
		t.Fatalf("next = %v (%s), want t1 ready", next, state)
	}

	if err := s.MarkTaskRunning(ctx, id, "t1"); err != nil {
		t.Fatalf("MarkTaskRunning: %v", err)
	}
	// Conditional update: the second claim loses.
	var invalid *store.ErrInvalidTransition
	if err := s.MarkTaskRunning(ctx, id, "t1"); !errors.As(err, &invalid) {
		t.Fatalf("double claim: err = %v, want ErrInvalidTransition", err)
	}

	res, _ := models.NewExecutionResult("t1", models.TaskCompleted,
		map[string]interface{}{"summary": "cpu saturated"}, 0.7)
	if err := s.CompleteTask(ctx, id, "t1", res); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	st, err := s.PlanState(ctx, id)
	if err != nil {
		t.Fatalf("PlanState: %v", err)
	}
	if st.Completion != 0.5 || len(st.Results) != 1 {
		t.Errorf("state = completion %v, %d results", st.Completion, len(st.Results))
	}
}

func TestPostgres_ContextMutations(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()

	if err := s.CreateInvestigation(ctx, &models.Investigation{ID: id}); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}
	if err := s.CreateContext(ctx, id, models.AlarmSummary{ResourceName: "orders-db"}); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	if err := s.RecordFinding(ctx, id, "t1", "metrics", map[string]interface{}{"cpu": "98%"}); err != nil {
		t.Fatalf("RecordFinding: %v", err)
	}
	if err := s.RecordTimelineEvent(ctx, id, "cpu spike observed", "executor"); err != nil {
		t.Fatalf("RecordTimelineEvent: %v", err)
	}
	if err := s.UpdateHypothesis(ctx, id, "cpu starvation", 0.4, []string{"runaway query"}); err != nil {
		t.Fatalf("UpdateHypothesis: %v", err)
	}

	snap, err := s.GetContext(ctx, id)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("version = %d, want 3", snap.Version)
	}
	if f := snap.Findings[models.FindingKey("t1", "metrics")]; f.Data["cpu"] != "98%" {
		t.Errorf("finding = %+v", f)
	}
	if len(snap.Timeline) != 1 || snap.Timeline[0].Description != "cpu spike observed" {
		t.Errorf("timeline = %+v", snap.Timeline)
	}
	if snap.Hypothesis != "cpu starvation" || snap.Confidence != 0.4 {
		t.Errorf("hypothesis = %q confidence = %v", snap.Hypothesis, snap.Confidence)
	}
}
