// Package store provides the storage interface and implementations for the
// Inquest engine: the investigation record, the per-round task queue, and the
// versioned investigation context.
//
// All engine code depends on the Store interface, making it easy to swap
// between in-memory (local dev, tests) and PostgreSQL (production)
// implementations. Every mutating operation is atomic per key so that
// duplicate message delivery from independent processes cannot double-apply
// a transition.
package store

import (
	"context"
	"fmt"

	"github.com/opskit/inquest/pkg/models"
)

// Store is the primary storage interface for the engine.
type Store interface {
	InvestigationStore
	PlanStore
	ContextStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Investigation Store ─────────────────────────────────────

type InvestigationStore interface {
	// CreateInvestigation persists a new investigation record.
	// Fails with *ErrAlreadyExists on duplicate id.
	CreateInvestigation(ctx context.Context, inv *models.Investigation) error

	// GetInvestigation returns the investigation metadata (without round
	// task detail; use PlanState for that).
	GetInvestigation(ctx context.Context, id string) (*models.Investigation, error)

	// ListInvestigations returns investigations, optionally filtered by
	// status, most recent first.
	ListInvestigations(ctx context.Context, status models.InvestigationStatus, limit int) ([]models.Investigation, error)

	// SetInvestigationStatus transitions the investigation status.
	// Leaving a terminal status fails with *ErrInvalidTransition.
	SetInvestigationStatus(ctx context.Context, id string, status models.InvestigationStatus) error

	// PurgeInvestigation removes the investigation and everything attached
	// to it: rounds, tasks, results and context. Only terminal
	// investigations may be purged; anything else fails with
	// *ErrInvalidTransition.
	PurgeInvestigation(ctx context.Context, id string) error
}

// ── Plan Store (task queue / workflow store) ────────────────

// QueueState describes what NextReadyTask found when no task was returned.
type QueueState string

const (
	// QueueReady means a task was returned.
	QueueReady QueueState = "ready"
	// QueueBusy means a task is currently RUNNING; a duplicate trigger
	// should back off rather than dispatch.
	QueueBusy QueueState = "busy"
	// QueueExhausted means every task in the round reached a terminal state.
	QueueExhausted QueueState = "exhausted"
	// QueueStalled means pending tasks remain but all of them are blocked
	// on a FAILED, TIMEOUT or SKIPPED dependency. Distinct from exhausted:
	// the evaluator may replan around the blockage.
	QueueStalled QueueState = "stalled"
)

// PlanState is the full plan plus per-task status for the active round.
type PlanState struct {
	RoundID     string
	RoundNumber int
	Tasks       []models.Task
	Results     []models.ExecutionResult
	Completion  float64 // fraction of tasks in a terminal state
	Exhausted   bool    // all tasks terminal
	Stalled     bool    // pending tasks remain, all blocked on failed deps
}

type PlanStore interface {
	// SavePlan validates the plan, persists it as a new round, and sets the
	// execution pointer to the first dependency-free task. Fails with
	// *ErrInvalidPlan if validation fails and *ErrDuplicateRound if the
	// latest round is still open.
	SavePlan(ctx context.Context, investigationID string, tasks []models.Task) (roundID string, err error)

	// NextReadyTask returns the single PENDING task whose dependencies are
	// all COMPLETED, lowest priority value first, ties broken by plan
	// order. When no task is ready the returned QueueState distinguishes
	// busy, exhausted and stalled.
	NextReadyTask(ctx context.Context, investigationID string) (*models.Task, QueueState, error)

	// MarkTaskRunning transitions PENDING → RUNNING. A compare-and-swap:
	// a duplicate delivery racing for the same task gets
	// *ErrInvalidTransition.
	MarkTaskRunning(ctx context.Context, investigationID, taskID string) error

	// CompleteTask transitions RUNNING → COMPLETED and persists the
	// execution result. The result is also appended to the retained result
	// log used for context reconciliation.
	CompleteTask(ctx context.Context, investigationID, taskID string, result *models.ExecutionResult) error

	// FailTask transitions RUNNING → FAILED with the dispatch error.
	FailTask(ctx context.Context, investigationID, taskID, errMsg string) error

	// TimeoutTask transitions RUNNING → TIMEOUT. Kept distinct from
	// FailTask so replanning can treat the task as inconclusive rather
	// than ruled out.
	TimeoutTask(ctx context.Context, investigationID, taskID string) error

	// SkipTask transitions PENDING → SKIPPED. Explicit operator/evaluator
	// override only; tasks are never skipped automatically.
	SkipTask(ctx context.Context, investigationID, taskID string) error

	// PlanState returns the active round's plan with per-task status.
	PlanState(ctx context.Context, investigationID string) (*PlanState, error)

	// CloseRound stamps the active round with its evaluation and end time.
	// A closed round can never revert to in-progress; further planning
	// opens a new round.
	CloseRound(ctx context.Context, investigationID string, eval *models.EvaluationResult) error

	// ResultLog returns every execution result ever persisted for the
	// investigation, across rounds, in completion order. Retained even
	// after the context catches up so a crash between task completion and
	// context update stays recoverable.
	ResultLog(ctx context.Context, investigationID string) ([]models.ExecutionResult, error)
}

// ── Context Store ───────────────────────────────────────────

type ContextStore interface {
	// CreateContext initializes the context with confidence 0, empty
	// findings and timeline, version 0. Fails with *ErrAlreadyExists if
	// called twice for the same id (duplicate alarm ingestion guard).
	CreateContext(ctx context.Context, investigationID string, alarm models.AlarmSummary) error

	// RecordFinding merges one finding under key "{task_id}_{agent_type}"
	// and increments the version. Last writer wins per key; concurrent
	// writers on different keys never lose each other's data.
	RecordFinding(ctx context.Context, investigationID, taskID, agentType string, data map[string]interface{}) error

	// RecordTimelineEvent appends one event atomically and increments the
	// version. Prior events are never lost under concurrent appends.
	RecordTimelineEvent(ctx context.Context, investigationID, description, source string) error

	// UpdateHypothesis replaces the hypothesis, confidence and ranked root
	// cause candidates. Confidence outside [0,1] is rejected before any
	// write.
	UpdateHypothesis(ctx context.Context, investigationID, hypothesis string, confidence float64, candidates []string) error

	// GetContext returns a full snapshot, or *ErrNotFound if the
	// investigation was never initialized or has been purged.
	GetContext(ctx context.Context, investigationID string) (*models.Context, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrAlreadyExists is returned when creating an entity that already exists.
type ErrAlreadyExists struct {
	Entity string
	Key    string
}

func (e *ErrAlreadyExists) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// ErrInvalidTransition is the duplicate-delivery guard: a task (or
// investigation) was asked to move to a state it cannot reach from its
// current one. Callers treat it as benign and re-check state.
type ErrInvalidTransition struct {
	Entity string
	Key    string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s → %s", e.Entity, e.Key, e.From, e.To)
}

// ErrInvalidPlan is returned by SavePlan when the plan fails validation.
// Nothing is persisted.
type ErrInvalidPlan struct {
	Reason string
}

func (e *ErrInvalidPlan) Error() string {
	return "invalid plan: " + e.Reason
}

// ErrDuplicateRound is returned by SavePlan when the latest round is still
// open and unresolved.
type ErrDuplicateRound struct {
	InvestigationID string
}

func (e *ErrDuplicateRound) Error() string {
	return "round already active for investigation " + e.InvestigationID
}

// ── Plan validation ─────────────────────────────────────────

// ValidatePlan checks the plan invariants shared by every implementation:
// every task has non-empty id/description/expected-output, ids are unique,
// and dependencies only reference ids defined earlier in the plan (which
// rules out self references, forward references and cycles — checked
// explicitly because planning input is untrusted).
func ValidatePlan(tasks []models.Task) error {
	if len(tasks) == 0 {
		return &ErrInvalidPlan{Reason: "plan has no tasks"}
	}
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if err := t.Validate(); err != nil {
			return &ErrInvalidPlan{Reason: err.Error()}
		}
		if seen[t.ID] {
			return &ErrInvalidPlan{Reason: "duplicate task id " + t.ID}
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return &ErrInvalidPlan{Reason: fmt.Sprintf("task %s depends on %q which is not defined earlier in the plan", t.ID, dep)}
			}
		}
		seen[t.ID] = true
	}
	return nil
}
