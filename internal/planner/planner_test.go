package planner_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opskit/inquest/internal/planner"
	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/internal/worker"
	"github.com/opskit/inquest/pkg/models"
)

type stubProposer struct {
	proposal *planner.Proposal
	err      error
	lastIn   planner.Input
}

func (s *stubProposer) ProposeTasks(_ context.Context, in planner.Input) (*planner.Proposal, error) {
	s.lastIn = in
	if s.err != nil {
		return nil, s.err
	}
	return s.proposal, nil
}

func registry() *worker.Registry {
	r := worker.NewRegistry()
	cap := worker.CapabilityFunc(func(ctx context.Context, task, contextText string) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "completed"}, nil
	})
	r.Register("metrics", "metric analysis", 0.6, cap)
	r.Register("logs", "log analysis", 0.5, cap)
	return r
}

func TestGenerateInitialPlan_AssignsIDsAndPriorities(t *testing.T) {
	s := store.NewMemoryStore()
	prop := &stubProposer{proposal: &planner.Proposal{
		Alarm: models.AlarmSummary{ResourceName: "orders-db", Metric: "CPUUtilization"},
		Tasks: []planner.ProposedTask{
			{Description: "check cpu metrics", AgentType: "metrics", ExpectedOutput: "cpu trend"},
			{Description: "scan error logs", AgentType: "logs", ExpectedOutput: "error patterns", Dependencies: []string{"task-1"}},
		},
	}}
	p := planner.New(s, prop, registry())

	id, err := p.GenerateInitialPlan(context.Background(), "orders-db cpu alarm")
	if err != nil {
		t.Fatalf("GenerateInitialPlan: %v", err)
	}

	inv, err := s.GetInvestigation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInvestigation: %v", err)
	}
	if inv.Status != models.InvestigationInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", inv.Status)
	}
	if inv.CurrentRound != 1 {
		t.Errorf("current round = %d, want 1", inv.CurrentRound)
	}

	st, err := s.PlanState(context.Background(), id)
	if err != nil {
		t.Fatalf("PlanState: %v", err)
	}
	if len(st.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(st.Tasks))
	}
	if st.Tasks[0].ID != "task-1" || st.Tasks[1].ID != "task-2" {
		t.Errorf("ids = %s, %s, want task-1, task-2", st.Tasks[0].ID, st.Tasks[1].ID)
	}
	if st.Tasks[0].Priority != 1 || st.Tasks[1].Priority != 2 {
		t.Errorf("priorities = %d, %d, want positional", st.Tasks[0].Priority, st.Tasks[1].Priority)
	}
	for _, task := range st.Tasks {
		if task.Status != models.TaskPending {
			t.Errorf("task %s status = %s, want PENDING", task.ID, task.Status)
		}
	}

	// The context is initialized alongside the investigation.
	snap, err := s.GetContext(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if snap.Alarm.ResourceName != "orders-db" {
		t.Errorf("context alarm = %+v", snap.Alarm)
	}
}

func TestGenerateInitialPlan_ProposerFailureIsAllOrNothing(t *testing.T) {
	s := store.NewMemoryStore()
	prop := &stubProposer{err: fmt.Errorf("model unavailable")}
	p := planner.New(s, prop, registry())

	_, err := p.GenerateInitialPlan(context.Background(), "alarm")
	var planErr *planner.ErrPlanGeneration
	if !errors.As(err, &planErr) {
		t.Fatalf("err = %v, want ErrPlanGeneration", err)
	}

	invs, err := s.ListInvestigations(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListInvestigations: %v", err)
	}
	if len(invs) != 0 {
		t.Errorf("failed planning persisted %d investigations", len(invs))
	}
}

func TestGenerateInitialPlan_RejectsUnusableProposals(t *testing.T) {
	cases := []struct {
		name  string
		tasks []planner.ProposedTask
	}{
		{"empty", nil},
		{"unknown agent type", []planner.ProposedTask{
			{Description: "d", AgentType: "traces", ExpectedOutput: "x"},
		}},
		{"forward dependency", []planner.ProposedTask{
			{Description: "d", AgentType: "metrics", ExpectedOutput: "x", Dependencies: []string{"task-2"}},
			{Description: "d", AgentType: "logs", ExpectedOutput: "x"},
		}},
		{"missing expected output", []planner.ProposedTask{
			{Description: "d", AgentType: "metrics"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			p := planner.New(s, &stubProposer{proposal: &planner.Proposal{Tasks: tc.tasks}}, registry())

			_, err := p.GenerateInitialPlan(context.Background(), "alarm")
			var planErr *planner.ErrPlanGeneration
			if !errors.As(err, &planErr) {
				t.Fatalf("err = %v, want ErrPlanGeneration", err)
			}
		})
	}
}

func TestGenerateFollowupPlan_OpensNewRound(t *testing.T) {
	s := store.NewMemoryStore()
	prop := &stubProposer{proposal: &planner.Proposal{
		Tasks: []planner.ProposedTask{
			{Description: "check cpu", AgentType: "metrics", ExpectedOutput: "trend"},
		},
	}}
	p := planner.New(s, prop, registry())

	id, err := p.GenerateInitialPlan(context.Background(), "alarm")
	if err != nil {
		t.Fatalf("GenerateInitialPlan: %v", err)
	}

	// Finish round 1.
	if err := s.MarkTaskRunning(context.Background(), id, "task-1"); err != nil {
		t.Fatalf("MarkTaskRunning: %v", err)
	}
	res, _ := models.NewExecutionResult("task-1", models.TaskCompleted, nil, 0.4)
	if err := s.CompleteTask(context.Background(), id, "task-1", res); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := s.CloseRound(context.Background(), id, &models.EvaluationResult{Verdict: models.VerdictReplan}); err != nil {
		t.Fatalf("CloseRound: %v", err)
	}

	facts := &models.ConsolidatedFacts{Gaps: []string{"slow_query_log"}}
	prop.proposal = &planner.Proposal{Tasks: []planner.ProposedTask{
		{Description: "pull slow query log", AgentType: "logs", ExpectedOutput: "slow queries"},
	}}
	if _, err := p.GenerateFollowupPlan(context.Background(), id, facts); err != nil {
		t.Fatalf("GenerateFollowupPlan: %v", err)
	}

	if len(prop.lastIn.Gaps) != 1 || prop.lastIn.Gaps[0] != "slow_query_log" {
		t.Errorf("proposer gaps = %v, want [slow_query_log]", prop.lastIn.Gaps)
	}
	st, err := s.PlanState(context.Background(), id)
	if err != nil {
		t.Fatalf("PlanState: %v", err)
	}
	if st.RoundNumber != 2 {
		t.Errorf("round = %d, want 2", st.RoundNumber)
	}
	if st.Tasks[0].AgentType != "logs" {
		t.Errorf("round 2 task agent = %s", st.Tasks[0].AgentType)
	}
}

func TestGenerateFollowupPlan_FailsOnOpenRound(t *testing.T) {
	s := store.NewMemoryStore()
	prop := &stubProposer{proposal: &planner.Proposal{
		Tasks: []planner.ProposedTask{
			{Description: "check cpu", AgentType: "metrics", ExpectedOutput: "trend"},
		},
	}}
	p := planner.New(s, prop, registry())

	id, err := p.GenerateInitialPlan(context.Background(), "alarm")
	if err != nil {
		t.Fatalf("GenerateInitialPlan: %v", err)
	}

	_, err = p.GenerateFollowupPlan(context.Background(), id, nil)
	var dup *store.ErrDuplicateRound
	if !errors.As(err, &dup) {
		t.Fatalf("followup on open round: err = %v, want ErrDuplicateRound", err)
	}
}

func TestCapabilityProposer_ParsesJSONAlarm(t *testing.T) {
	prop := planner.CapabilityProposer{}
	in := planner.Input{
		AlarmText: `{"resource_name":"orders-db","metric":"CPUUtilization","namespace":"AWS/RDS","resource_id":"db-123"}`,
		Capabilities: []worker.Description{
			{AgentType: "metrics", Description: "metric analysis"},
		},
	}
	proposal, err := prop.ProposeTasks(context.Background(), in)
	if err != nil {
		t.Fatalf("ProposeTasks: %v", err)
	}
	if proposal.Alarm.ResourceName != "orders-db" || proposal.Alarm.Metric != "CPUUtilization" {
		t.Errorf("alarm = %+v", proposal.Alarm)
	}
	if len(proposal.Tasks) != 1 || proposal.Tasks[0].AgentType != "metrics" {
		t.Errorf("tasks = %+v", proposal.Tasks)
	}
}

func TestCapabilityProposer_RequiresCapabilities(t *testing.T) {
	prop := planner.CapabilityProposer{}
	if _, err := prop.ProposeTasks(context.Background(), planner.Input{AlarmText: "x"}); err == nil {
		t.Fatal("proposal without capabilities accepted")
	}
}
