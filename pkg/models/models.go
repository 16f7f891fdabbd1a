// Package models defines the shared domain types for the Inquest
// investigation engine: investigations, rounds, tasks, execution results,
// the per-investigation context projection, and the coordinator message
// envelope.
package models

import (
	"fmt"
	"time"
)

// ── Investigation ────────────────────────────────────────────

type InvestigationStatus string

const (
	InvestigationInitiated          InvestigationStatus = "INITIATED"
	InvestigationInProgress         InvestigationStatus = "IN_PROGRESS"
	InvestigationAwaitingEvaluation InvestigationStatus = "AWAITING_EVALUATION"
	InvestigationCompleted          InvestigationStatus = "COMPLETED"
	InvestigationFailed             InvestigationStatus = "FAILED"
	InvestigationCancelled          InvestigationStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further work.
func (s InvestigationStatus) Terminal() bool {
	switch s {
	case InvestigationCompleted, InvestigationFailed, InvestigationCancelled:
		return true
	}
	return false
}

// AlarmSummary is the normalized view of the triggering alarm. Parsing the
// vendor-specific alarm payload happens upstream; the engine only sees this.
type AlarmSummary struct {
	ResourceName string    `json:"resource_name"`
	Metric       string    `json:"metric"`
	Namespace    string    `json:"namespace"`
	ResourceID   string    `json:"resource_id"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Investigation is the root aggregate. Rounds are append-only: once a new
// round is opened, prior rounds are never mutated.
type Investigation struct {
	ID           string              `json:"id"`
	Alarm        AlarmSummary        `json:"alarm"`
	Status       InvestigationStatus `json:"status"`
	CurrentRound int                 `json:"current_round"`
	Rounds       []Round             `json:"rounds,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Round is one planning+execution+evaluation cycle. Created by the Planner,
// closed by the Evaluator.
type Round struct {
	ID         string            `json:"id"`
	Number     int               `json:"number"`
	Tasks      []Task            `json:"tasks"`
	Results    []ExecutionResult `json:"results,omitempty"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// ── Task ─────────────────────────────────────────────────────

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskSkipped   TaskStatus = "SKIPPED"
	TaskTimeout   TaskStatus = "TIMEOUT"
)

// Terminal reports whether a task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskTimeout:
		return true
	}
	return false
}

// Task is one unit of investigative work assigned to a worker capability.
// Dependencies may only reference task ids defined earlier in the same plan.
// Lower priority value means more urgent.
type Task struct {
	ID             string     `json:"task_id"`
	Description    string     `json:"description"`
	AgentType      string     `json:"agent_type"`
	RequiredData   []string   `json:"required_data,omitempty"`
	ExpectedOutput string     `json:"expected_output"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	Priority       int        `json:"priority"`
	Status         TaskStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
}

// Validate checks the per-task invariants (non-empty id, description and
// expected output). Plan-level checks live in the store.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if t.Description == "" {
		return fmt.Errorf("task %s: description is empty", t.ID)
	}
	if t.ExpectedOutput == "" {
		return fmt.Errorf("task %s: expected output is empty", t.ID)
	}
	return nil
}

// ── Execution results ────────────────────────────────────────

// ExecutionResult is the normalized output of running one task.
// Construct via NewExecutionResult so the confidence range is enforced.
type ExecutionResult struct {
	TaskID           string                 `json:"task_id"`
	Status           TaskStatus             `json:"status"`
	Findings         map[string]interface{} `json:"findings,omitempty"`
	Confidence       float64                `json:"confidence"`
	RecommendedSteps []string               `json:"recommended_steps,omitempty"`
	ElapsedMs        int64                  `json:"elapsed_ms"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
}

// NewExecutionResult builds a validated ExecutionResult. Confidence outside
// [0,1] is rejected, not clamped.
func NewExecutionResult(taskID string, status TaskStatus, findings map[string]interface{}, confidence float64) (*ExecutionResult, error) {
	if err := ValidateConfidence(confidence); err != nil {
		return nil, err
	}
	return &ExecutionResult{
		TaskID:     taskID,
		Status:     status,
		Findings:   findings,
		Confidence: confidence,
	}, nil
}

// ValidateConfidence rejects scores outside [0,1].
func ValidateConfidence(c float64) error {
	if c < 0.0 || c > 1.0 {
		return fmt.Errorf("confidence %v out of range [0,1]", c)
	}
	return nil
}

// ── Investigation context ────────────────────────────────────

// TimelineEvent is one entry in the append-only investigation timeline.
type TimelineEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
}

// Finding is one recorded finding, keyed in the context by
// "{task_id}_{agent_type}".
type Finding struct {
	TaskID    string                 `json:"task_id"`
	AgentType string                 `json:"agent_type"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// FindingKey builds the findings-map key for a task/agent pair.
func FindingKey(taskID, agentType string) string {
	return taskID + "_" + agentType
}

// Context is the durable, versioned accumulator for one investigation.
// Version increases by exactly one on every mutation; readers use it to
// detect lost updates.
type Context struct {
	InvestigationID string              `json:"investigation_id"`
	Alarm           AlarmSummary        `json:"alarm"`
	Hypothesis      string              `json:"hypothesis"`
	Confidence      float64             `json:"confidence"`
	RootCauses      []string            `json:"root_cause_candidates,omitempty"`
	Findings        map[string]Finding  `json:"findings"`
	Timeline        []TimelineEvent     `json:"timeline"`
	Version         int64               `json:"version"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// ── Evaluation ───────────────────────────────────────────────

// Verdict is the Evaluator's decision after inspecting a round.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictReplan   Verdict = "replan"
	VerdictConclude Verdict = "conclude"
)

// EvaluationResult records the Evaluator's decision for a round.
type EvaluationResult struct {
	Verdict     Verdict   `json:"verdict"`
	Confidence  float64   `json:"confidence"`
	Completion  float64   `json:"completion"`
	Stalled     bool      `json:"stalled"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Fact is one deduplicated statement extracted from findings.
type Fact struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Sources     []string `json:"sources"`
}

// Pattern is a repeated observation across findings.
type Pattern struct {
	Description string `json:"description"`
	Occurrences int    `json:"occurrences"`
}

// Correlation links two investigation elements. Strength lies in [-1,1].
type Correlation struct {
	ElementA string  `json:"element_a"`
	ElementB string  `json:"element_b"`
	Strength float64 `json:"strength"`
}

// ConsolidatedFacts seeds replanning: deduplicated facts plus the
// required-data tags the completed tasks never satisfied.
type ConsolidatedFacts struct {
	Facts        []Fact        `json:"facts"`
	Patterns     []Pattern     `json:"patterns,omitempty"`
	Correlations []Correlation `json:"correlations,omitempty"`
	Gaps         []string      `json:"gaps,omitempty"`
}

// RootCause is an identified root cause candidate in a final report.
type RootCause struct {
	Description string   `json:"description"`
	Probability float64  `json:"probability"`
	Evidence    []string `json:"supporting_evidence,omitempty"`
	Mitigations []string `json:"mitigation_steps,omitempty"`
}

// FinalReport is produced once, on conclude.
type FinalReport struct {
	InvestigationID string    `json:"investigation_id"`
	RootCause       RootCause `json:"root_cause"`
	Confidence      float64   `json:"confidence"`
	Summary         string    `json:"summary"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Duration        float64   `json:"duration_seconds"`
	RoundsCompleted int       `json:"rounds_completed"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// ── Coordinator messages ─────────────────────────────────────

type MessageType string

const (
	MessageAlarm      MessageType = "ALARM"
	MessageExecution  MessageType = "EXECUTION"
	MessageReEvaluate MessageType = "RE_EVALUATE"
)

// Message is the coordinator's unit-of-work envelope. Exactly one of the
// payload fields is meaningful per type: Alarm for ALARM, InvestigationID
// for EXECUTION and RE_EVALUATE.
type Message struct {
	Type            MessageType `json:"message_type"`
	Alarm           string      `json:"alarm,omitempty"`
	Prompt          string      `json:"prompt,omitempty"`
	InvestigationID string      `json:"investigation_id,omitempty"`
}

// Outcome is what every coordinator entry point returns: a machine-parseable
// status plus enough detail for the caller to decide what to enqueue next.
type Outcome struct {
	Status          string `json:"status"`
	InvestigationID string `json:"investigation_id,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	Error           string `json:"error,omitempty"`
}
