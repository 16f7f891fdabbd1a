// Package planner turns alarms and consolidated findings into validated,
// persisted investigation plans. The decision of WHAT tasks to run is
// delegated to a Proposer (typically an LLM adapter); the planner owns id
// assignment, priority defaults, validation and round persistence.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/internal/worker"
	"github.com/opskit/inquest/pkg/models"
)

// ErrPlanGeneration wraps any proposer failure or unusable proposal. When it
// is returned no round has been created.
type ErrPlanGeneration struct {
	Err error
}

func (e *ErrPlanGeneration) Error() string { return "plan generation failed: " + e.Err.Error() }
func (e *ErrPlanGeneration) Unwrap() error { return e.Err }

// ProposedTask is one task suggested by the decision capability. ID and
// Priority are optional; the planner fills them deterministically.
type ProposedTask struct {
	ID             string   `json:"task_id,omitempty"`
	Description    string   `json:"description"`
	AgentType      string   `json:"agent_type"`
	RequiredData   []string `json:"required_data,omitempty"`
	ExpectedOutput string   `json:"expected_output"`
	Dependencies   []string `json:"dependencies,omitempty"`
	Priority       int      `json:"priority,omitempty"` // 0 = unset, planner assigns by position
}

// Proposal is the decision capability's full answer.
type Proposal struct {
	Alarm models.AlarmSummary `json:"alarm_summary"`
	Tasks []ProposedTask      `json:"tasks"`
}

// Input seeds the decision capability. For an initial plan AlarmText carries
// the raw trigger; for a followup round Facts and Gaps carry the consolidated
// evidence and the unresolved required-data tags.
type Input struct {
	InvestigationID string
	AlarmText       string
	Alarm           models.AlarmSummary
	Capabilities    []worker.Description
	Facts           *models.ConsolidatedFacts
	Gaps            []string
}

// Proposer is the narrow typed port to the decision capability. Adapters are
// responsible for parsing and validating whatever the underlying model
// returns; malformed output is an error here, never a crash downstream.
type Proposer interface {
	ProposeTasks(ctx context.Context, in Input) (*Proposal, error)
}

// Planner validates and persists plans proposed by the decision capability.
type Planner struct {
	store    store.Store
	proposer Proposer
	workers  *worker.Registry
}

// New creates a Planner.
func New(s store.Store, p Proposer, w *worker.Registry) *Planner {
	return &Planner{store: s, proposer: p, workers: w}
}

// GenerateInitialPlan processes raw alarm text into a new investigation with
// its round-1 plan. All-or-nothing: if the proposal is unusable, nothing is
// persisted and *ErrPlanGeneration is returned.
func (p *Planner) GenerateInitialPlan(ctx context.Context, alarmText string) (string, error) {
	proposal, err := p.proposer.ProposeTasks(ctx, Input{
		AlarmText:    alarmText,
		Capabilities: p.workers.Describe(),
	})
	if err != nil {
		return "", &ErrPlanGeneration{Err: err}
	}

	tasks, err := p.materialize(proposal.Tasks)
	if err != nil {
		return "", &ErrPlanGeneration{Err: err}
	}

	investigationID := uuid.NewString()
	alarm := proposal.Alarm
	if alarm.DetectedAt.IsZero() {
		alarm.DetectedAt = time.Now().UTC()
	}

	inv := &models.Investigation{
		ID:     investigationID,
		Alarm:  alarm,
		Status: models.InvestigationInitiated,
	}
	if err := p.store.CreateInvestigation(ctx, inv); err != nil {
		return "", err
	}
	if err := p.store.CreateContext(ctx, investigationID, alarm); err != nil {
		return "", err
	}
	if _, err := p.store.SavePlan(ctx, investigationID, tasks); err != nil {
		return "", err
	}
	if err := p.store.RecordTimelineEvent(ctx, investigationID,
		fmt.Sprintf("investigation opened for %s with %d tasks", alarm.ResourceName, len(tasks)), "planner"); err != nil {
		log.Warn().Err(err).Str("investigation_id", investigationID).Msg("timeline write failed")
	}

	log.Info().
		Str("investigation_id", investigationID).
		Str("resource", alarm.ResourceName).
		Int("tasks", len(tasks)).
		Msg("initial plan saved")
	return investigationID, nil
}

// GenerateFollowupPlan opens a new round seeded with the gaps and unresolved
// patterns from the consolidated facts. Prior rounds are never mutated.
func (p *Planner) GenerateFollowupPlan(ctx context.Context, investigationID string, facts *models.ConsolidatedFacts) (string, error) {
	inv, err := p.store.GetInvestigation(ctx, investigationID)
	if err != nil {
		return "", err
	}

	var gaps []string
	if facts != nil {
		gaps = facts.Gaps
	}
	proposal, err := p.proposer.ProposeTasks(ctx, Input{
		InvestigationID: investigationID,
		Alarm:           inv.Alarm,
		Capabilities:    p.workers.Describe(),
		Facts:           facts,
		Gaps:            gaps,
	})
	if err != nil {
		return "", &ErrPlanGeneration{Err: err}
	}

	tasks, err := p.materialize(proposal.Tasks)
	if err != nil {
		return "", &ErrPlanGeneration{Err: err}
	}

	roundID, err := p.store.SavePlan(ctx, investigationID, tasks)
	if err != nil {
		return "", err
	}
	if err := p.store.RecordTimelineEvent(ctx, investigationID,
		fmt.Sprintf("follow-up round opened with %d tasks", len(tasks)), "planner"); err != nil {
		log.Warn().Err(err).Str("investigation_id", investigationID).Msg("timeline write failed")
	}

	log.Info().
		Str("investigation_id", investigationID).
		Str("round_id", roundID).
		Int("tasks", len(tasks)).
		Msg("follow-up plan saved")
	return roundID, nil
}

// materialize assigns deterministic ids ("task-1", "task-2", … in proposal
// order) and positional priorities where the proposer supplied none, then
// validates the resulting plan.
func (p *Planner) materialize(proposed []ProposedTask) ([]models.Task, error) {
	if len(proposed) == 0 {
		return nil, fmt.Errorf("proposal contains no tasks")
	}

	tasks := make([]models.Task, len(proposed))
	for i, pt := range proposed {
		id := pt.ID
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		priority := pt.Priority
		if priority == 0 {
			priority = i + 1
		}
		tasks[i] = models.Task{
			ID:             id,
			Description:    pt.Description,
			AgentType:      pt.AgentType,
			RequiredData:   pt.RequiredData,
			ExpectedOutput: pt.ExpectedOutput,
			Dependencies:   pt.Dependencies,
			Priority:       priority,
			Status:         models.TaskPending,
		}
	}

	if err := store.ValidatePlan(tasks); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if _, ok := p.workers.Resolve(t.AgentType); !ok {
			return nil, fmt.Errorf("task %s references unknown agent type %q", t.ID, t.AgentType)
		}
	}
	return tasks, nil
}
