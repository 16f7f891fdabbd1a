// Package executor implements the dispatch half of the engine: pick the
// single ready task for an investigation, run its worker capability, and
// persist the outcome.
//
// One invocation handles at most one task:
//
//	next ready task → mark RUNNING → run capability with deadline →
//	normalize output → COMPLETED/FAILED/TIMEOUT → merge finding into context
//
// The caller (coordinator) decides whether to enqueue another EXECUTION
// message or hand off to the evaluator based on the returned status.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/internal/worker"
	"github.com/opskit/inquest/pkg/models"
)

// DefaultTaskTimeout bounds a single capability run when no explicit timeout
// is configured.
const DefaultTaskTimeout = 5 * time.Minute

// Status tells the coordinator what a dispatch attempt found.
type Status string

const (
	// StatusTaskDone means one task reached a terminal state; more may remain.
	StatusTaskDone Status = "task_done"
	// StatusBusy means a task is already RUNNING elsewhere; back off.
	StatusBusy Status = "busy"
	// StatusRoundExhausted means every task in the round is terminal.
	StatusRoundExhausted Status = "round_exhausted"
	// StatusRoundStalled means pending tasks remain but all are blocked on
	// failed dependencies.
	StatusRoundStalled Status = "round_stalled"
	// StatusInvestigationDone means the investigation is in a terminal
	// status and no further work may run.
	StatusInvestigationDone Status = "investigation_terminal"
)

// Result is the outcome of one RunOne invocation.
type Result struct {
	Status Status
	TaskID string
}

// Executor runs one ready task per invocation.
type Executor struct {
	store       store.Store
	workers     *worker.Registry
	taskTimeout time.Duration
}

// New creates an Executor. A non-positive timeout falls back to
// DefaultTaskTimeout.
func New(s store.Store, w *worker.Registry, taskTimeout time.Duration) *Executor {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Executor{store: s, workers: w, taskTimeout: taskTimeout}
}

// RunOne picks the highest-priority ready task for the investigation and runs
// it to a terminal state. Worker failures are recorded in the plan, never
// returned as errors; the error return is reserved for storage faults.
func (e *Executor) RunOne(ctx context.Context, investigationID string) (*Result, error) {
	inv, err := e.store.GetInvestigation(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() {
		log.Debug().
			Str("investigation_id", investigationID).
			Str("status", string(inv.Status)).
			Msg("dispatch skipped, investigation is terminal")
		return &Result{Status: StatusInvestigationDone}, nil
	}

	task, state, err := e.store.NextReadyTask(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		switch state {
		case store.QueueBusy:
			return &Result{Status: StatusBusy}, nil
		case store.QueueStalled:
			return &Result{Status: StatusRoundStalled}, nil
		default:
			return &Result{Status: StatusRoundExhausted}, nil
		}
	}

	if err := e.store.MarkTaskRunning(ctx, investigationID, task.ID); err != nil {
		var invalid *store.ErrInvalidTransition
		if errors.As(err, &invalid) {
			// Duplicate delivery lost the claim race. Benign.
			log.Debug().
				Str("investigation_id", investigationID).
				Str("task_id", task.ID).
				Msg("task claim lost to concurrent dispatcher")
			return &Result{Status: StatusBusy}, nil
		}
		return nil, err
	}

	e.dispatch(ctx, investigationID, task)
	return &Result{Status: StatusTaskDone, TaskID: task.ID}, nil
}

// dispatch runs the capability and records the terminal outcome. All failure
// modes end in a persisted task state; nothing is left RUNNING.
func (e *Executor) dispatch(ctx context.Context, investigationID string, task *models.Task) {
	cap, ok := e.workers.Resolve(task.AgentType)
	if !ok {
		e.fail(ctx, investigationID, task.ID, fmt.Sprintf("no worker registered for agent type %q", task.AgentType))
		return
	}

	contextText, err := e.contextText(ctx, investigationID)
	if err != nil {
		e.fail(ctx, investigationID, task.ID, "context snapshot failed: "+err.Error())
		return
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	raw, runErr := cap.Run(runCtx, task.Description, contextText)
	cancel()
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			if err := e.store.TimeoutTask(ctx, investigationID, task.ID); err != nil {
				log.Error().Err(err).Str("task_id", task.ID).Msg("timeout transition failed")
				return
			}
			e.timeline(ctx, investigationID, fmt.Sprintf("task %s timed out after %s", task.ID, e.taskTimeout))
			log.Warn().
				Str("investigation_id", investigationID).
				Str("task_id", task.ID).
				Dur("elapsed", elapsed).
				Msg("task timed out")
			return
		}
		e.fail(ctx, investigationID, task.ID, runErr.Error())
		return
	}

	result, err := e.workers.Normalize(task.ID, task.AgentType, raw)
	if err != nil {
		e.fail(ctx, investigationID, task.ID, err.Error())
		return
	}
	result.ElapsedMs = elapsed.Milliseconds()

	if result.Status == models.TaskFailed {
		e.fail(ctx, investigationID, task.ID, result.ErrorMessage)
		return
	}

	if err := e.store.CompleteTask(ctx, investigationID, task.ID, result); err != nil {
		var invalid *store.ErrInvalidTransition
		if errors.As(err, &invalid) {
			log.Debug().Str("task_id", task.ID).Msg("completion already applied by concurrent dispatcher")
			return
		}
		log.Error().Err(err).Str("task_id", task.ID).Msg("completion transition failed")
		return
	}

	// Context updates after the plan transition: a crash here is recovered
	// from the retained result log, never by rerunning the task.
	if err := e.store.RecordFinding(ctx, investigationID, task.ID, task.AgentType, result.Findings); err != nil {
		log.Error().Err(err).
			Str("investigation_id", investigationID).
			Str("task_id", task.ID).
			Msg("finding merge failed, result log retains the data")
	}
	e.timeline(ctx, investigationID, fmt.Sprintf("task %s completed by %s (confidence %.2f)", task.ID, task.AgentType, result.Confidence))

	log.Info().
		Str("investigation_id", investigationID).
		Str("task_id", task.ID).
		Str("agent_type", task.AgentType).
		Int64("elapsed_ms", result.ElapsedMs).
		Float64("confidence", result.Confidence).
		Msg("task completed")
}

func (e *Executor) fail(ctx context.Context, investigationID, taskID, msg string) {
	if err := e.store.FailTask(ctx, investigationID, taskID, msg); err != nil {
		var invalid *store.ErrInvalidTransition
		if errors.As(err, &invalid) {
			return
		}
		log.Error().Err(err).Str("task_id", taskID).Msg("failure transition failed")
		return
	}
	e.timeline(ctx, investigationID, fmt.Sprintf("task %s failed: %s", taskID, msg))
	log.Warn().
		Str("investigation_id", investigationID).
		Str("task_id", taskID).
		Str("error", msg).
		Msg("task failed")
}

func (e *Executor) timeline(ctx context.Context, investigationID, description string) {
	if err := e.store.RecordTimelineEvent(ctx, investigationID, description, "executor"); err != nil {
		log.Warn().Err(err).Str("investigation_id", investigationID).Msg("timeline write failed")
	}
}

// contextText renders the current investigation context as the textual
// briefing passed to worker capabilities.
func (e *Executor) contextText(ctx context.Context, investigationID string) (string, error) {
	snap, err := e.store.GetContext(ctx, investigationID)
	if err != nil {
		return "", err
	}

	brief := map[string]interface{}{
		"alarm":      snap.Alarm,
		"hypothesis": snap.Hypothesis,
		"confidence": snap.Confidence,
		"findings":   snap.Findings,
	}
	b, err := json.Marshal(brief)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
