package executor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opskit/inquest/internal/executor"
	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/internal/worker"
	"github.com/opskit/inquest/pkg/models"
)

func seed(t *testing.T, s store.Store, tasks []models.Task) string {
	t.Helper()
	id := "inv-1"
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
	if _, err := s.SavePlan(context.Background(), id, tasks); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	return id
}

func task(id, agentType string, priority int, deps ...string) models.Task {
	return models.Task{
		ID:             id,
		Description:    "collect evidence",
		AgentType:      agentType,
		ExpectedOutput: "findings",
		Priority:       priority,
		Dependencies:   deps,
	}
}

func TestRunOne_CompletesTask(t *testing.T) {
	s := store.NewMemoryStore()
	id := seed(t, s, []models.Task{task("t1", "metrics", 1)})

	w := worker.NewRegistry()
	w.Register("metrics", "metrics", 0.6, worker.CapabilityFunc(
		func(ctx context.Context, desc, contextText string) (map[string]interface{}, error) {
			return map[string]interface{}{
				"status":     "completed",
				"confidence": 0.7,
				"findings":   map[string]interface{}{"summary": "cpu pegged at 99%"},
			}, nil
		}))

	res, err := executor.New(s, w, time.Second).RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusTaskDone || res.TaskID != "t1" {
		t.Fatalf("result = %+v, want task_done t1", res)
	}

	st, err := s.PlanState(context.Background(), id)
	if err != nil {
		t.Fatalf("PlanState: %v", err)
	}
	if st.Tasks[0].Status != models.TaskCompleted {
		t.Errorf("task status = %s, want COMPLETED", st.Tasks[0].Status)
	}
	if len(st.Results) != 1 || st.Results[0].Confidence != 0.7 {
		t.Errorf("results = %+v", st.Results)
	}

	// The finding landed in the context under {task_id}_{agent_type}.
	snap, err := s.GetContext(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	f, ok := snap.Findings[models.FindingKey("t1", "metrics")]
	if !ok {
		t.Fatal("finding not merged into context")
	}
	if f.Data["summary"] != "cpu pegged at 99%" {
		t.Errorf("finding data = %v", f.Data)
	}
}

func TestRunOne_WorkerErrorFailsTask(t *testing.T) {
	s := store.NewMemoryStore()
	id := seed(t, s, []models.Task{task("t1", "logs", 1)})

	w := worker.NewRegistry()
	w.Register("logs", "logs", 0.5, worker.CapabilityFunc(
		func(ctx context.Context, desc, contextText string) (map[string]interface{}, error) {
			return nil, fmt.Errorf("log store unreachable")
		}))

	res, err := executor.New(s, w, time.Second).RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusTaskDone {
		t.Fatalf("status = %s, want task_done", res.Status)
	}

	st, _ := s.PlanState(context.Background(), id)
	if st.Tasks[0].Status != models.TaskFailed {
		t.Errorf("task status = %s, want FAILED", st.Tasks[0].Status)
	}
	if st.Tasks[0].Error != "log store unreachable" {
		t.Errorf("task error = %q", st.Tasks[0].Error)
	}
}

func TestRunOne_DeadlineTimesOutTask(t *testing.T) {
	s := store.NewMemoryStore()
	id := seed(t, s, []models.Task{task("t1", "metrics", 1)})

	w := worker.NewRegistry()
	w.Register("metrics", "metrics", 0.6, worker.CapabilityFunc(
		func(ctx context.Context, desc, contextText string) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	res, err := executor.New(s, w, 20*time.Millisecond).RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusTaskDone {
		t.Fatalf("status = %s, want task_done", res.Status)
	}

	st, _ := s.PlanState(context.Background(), id)
	if st.Tasks[0].Status != models.TaskTimeout {
		t.Errorf("task status = %s, want TIMEOUT", st.Tasks[0].Status)
	}
}

func TestRunOne_UnknownAgentTypeFailsTask(t *testing.T) {
	s := store.NewMemoryStore()
	id := seed(t, s, []models.Task{task("t1", "traces", 1)})

	res, err := executor.New(s, worker.NewRegistry(), time.Second).RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusTaskDone {
		t.Fatalf("status = %s, want task_done", res.Status)
	}
	st, _ := s.PlanState(context.Background(), id)
	if st.Tasks[0].Status != models.TaskFailed {
		t.Errorf("task status = %s, want FAILED", st.Tasks[0].Status)
	}
}

func TestRunOne_QueueStates(t *testing.T) {
	s := store.NewMemoryStore()
	id := seed(t, s, []models.Task{
		task("t1", "metrics", 1),
		task("t2", "metrics", 2, "t1"),
	})
	exec := executor.New(s, worker.NewRegistry(), time.Second)

	// Another dispatcher holds t1 → busy.
	if err := s.MarkTaskRunning(context.Background(), id, "t1"); err != nil {
		t.Fatalf("MarkTaskRunning: %v", err)
	}
	res, err := exec.RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusBusy {
		t.Errorf("status = %s, want busy", res.Status)
	}

	// t1 fails → t2 blocked forever → stalled.
	if err := s.FailTask(context.Background(), id, "t1", "crashed"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	res, err = exec.RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusRoundStalled {
		t.Errorf("status = %s, want round_stalled", res.Status)
	}

	// Skip the blocked task → exhausted.
	if err := s.SkipTask(context.Background(), id, "t2"); err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	res, err = exec.RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusRoundExhausted {
		t.Errorf("status = %s, want round_exhausted", res.Status)
	}
}

func TestRunOne_TerminalInvestigationRunsNothing(t *testing.T) {
	s := store.NewMemoryStore()
	id := seed(t, s, []models.Task{task("t1", "metrics", 1)})
	if err := s.SetInvestigationStatus(context.Background(), id, models.InvestigationCancelled); err != nil {
		t.Fatalf("SetInvestigationStatus: %v", err)
	}

	called := false
	w := worker.NewRegistry()
	w.Register("metrics", "metrics", 0.6, worker.CapabilityFunc(
		func(ctx context.Context, desc, contextText string) (map[string]interface{}, error) {
			called = true
			return map[string]interface{}{}, nil
		}))

	res, err := executor.New(s, w, time.Second).RunOne(context.Background(), id)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if res.Status != executor.StatusInvestigationDone {
		t.Errorf("status = %s, want investigation_terminal", res.Status)
	}
	if called {
		t.Error("capability ran for a cancelled investigation")
	}
}
