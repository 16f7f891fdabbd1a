// Package coordinator is the single entry point for coordinator messages.
// It owns the decision of what message gets enqueued next; the planner,
// executor and evaluator only read and write durable state.
//
// Message protocol:
//
//	ALARM       → plan a new investigation, enqueue EXECUTION
//	EXECUTION   → run one task; enqueue EXECUTION while tasks remain,
//	              RE_EVALUATE once the round is exhausted or stalled
//	RE_EVALUATE → evaluate; continue → EXECUTION, replan → new round +
//	              EXECUTION, conclude → final report, nothing enqueued
package coordinator

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/internal/evaluator"
	"github.com/opskit/inquest/internal/executor"
	"github.com/opskit/inquest/internal/planner"
	"github.com/opskit/inquest/internal/queue"
	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/pkg/models"
)

// Outcome status values returned by Handle.
const (
	StatusInvestigationStarted = "investigation_started"
	StatusTaskExecuted         = "task_executed"
	StatusBusy                 = "busy"
	StatusRoundComplete        = "round_complete"
	StatusExecutionResumed     = "execution_resumed"
	StatusReplanned            = "replanned"
	StatusConcluded            = "concluded"
	StatusTerminal             = "investigation_terminal"
	StatusCancelled            = "cancelled"
	StatusPlanFailed           = "plan_generation_failed"
	StatusUnknownType          = "unknown_message_type"
	StatusError                = "error"
)

// Coordinator routes coordinator messages to the engine components.
type Coordinator struct {
	store     store.Store
	planner   *planner.Planner
	executor  *executor.Executor
	evaluator *evaluator.Evaluator
	publisher queue.Publisher
}

// New creates a Coordinator.
func New(s store.Store, p *planner.Planner, x *executor.Executor, e *evaluator.Evaluator, pub queue.Publisher) *Coordinator {
	return &Coordinator{store: s, planner: p, executor: x, evaluator: e, publisher: pub}
}

// Handle dispatches one message and returns a machine-parseable outcome.
// Errors never escape; transient faults come back as StatusError so the
// transport wrapper can trigger redelivery.
func (c *Coordinator) Handle(ctx context.Context, msg *models.Message) *models.Outcome {
	switch msg.Type {
	case models.MessageAlarm:
		return c.handleAlarm(ctx, msg)
	case models.MessageExecution:
		return c.handleExecution(ctx, msg)
	case models.MessageReEvaluate:
		return c.handleReEvaluate(ctx, msg)
	}
	log.Warn().Str("type", string(msg.Type)).Msg("unknown message type")
	return &models.Outcome{Status: StatusUnknownType, Error: "unknown message type " + string(msg.Type)}
}

// Handler adapts Handle to the queue.Handler contract: StatusError outcomes
// become errors so the transport redelivers, everything else is acked.
func (c *Coordinator) Handler() queue.Handler {
	return func(ctx context.Context, msg *models.Message) error {
		out := c.Handle(ctx, msg)
		if out.Status == StatusError {
			return errors.New(out.Error)
		}
		return nil
	}
}

func (c *Coordinator) handleAlarm(ctx context.Context, msg *models.Message) *models.Outcome {
	alarmText := msg.Alarm
	if alarmText == "" {
		alarmText = msg.Prompt
	}
	if alarmText == "" {
		return &models.Outcome{Status: StatusPlanFailed, Error: "alarm message carries no alarm text"}
	}

	investigationID, err := c.planner.GenerateInitialPlan(ctx, alarmText)
	if err != nil {
		var planErr *planner.ErrPlanGeneration
		if errors.As(err, &planErr) {
			// Nothing was persisted; redelivering the alarm cannot help if
			// the proposal itself is unusable, so this is final.
			log.Error().Err(err).Msg("alarm rejected, plan generation failed")
			return &models.Outcome{Status: StatusPlanFailed, Error: err.Error()}
		}
		return c.fault(err, "", "")
	}

	if out := c.enqueue(ctx, models.MessageExecution, investigationID); out != nil {
		return out
	}
	return &models.Outcome{Status: StatusInvestigationStarted, InvestigationID: investigationID}
}

func (c *Coordinator) handleExecution(ctx context.Context, msg *models.Message) *models.Outcome {
	id := msg.InvestigationID
	if id == "" {
		return &models.Outcome{Status: StatusError, Error: "execution message carries no investigation id"}
	}

	res, err := c.executor.RunOne(ctx, id)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			// Redelivery cannot resurrect a purged investigation.
			log.Warn().Str("investigation_id", id).Msg("execution for unknown investigation dropped")
			return &models.Outcome{Status: StatusTerminal, InvestigationID: id, Error: err.Error()}
		}
		return c.fault(err, id, "")
	}

	switch res.Status {
	case executor.StatusTaskDone:
		if out := c.enqueue(ctx, models.MessageExecution, id); out != nil {
			return out
		}
		return &models.Outcome{Status: StatusTaskExecuted, InvestigationID: id, TaskID: res.TaskID}
	case executor.StatusBusy:
		return &models.Outcome{Status: StatusBusy, InvestigationID: id}
	case executor.StatusRoundExhausted, executor.StatusRoundStalled:
		if out := c.enqueue(ctx, models.MessageReEvaluate, id); out != nil {
			return out
		}
		return &models.Outcome{Status: StatusRoundComplete, InvestigationID: id}
	default:
		return &models.Outcome{Status: StatusTerminal, InvestigationID: id}
	}
}

func (c *Coordinator) handleReEvaluate(ctx context.Context, msg *models.Message) *models.Outcome {
	id := msg.InvestigationID
	if id == "" {
		return &models.Outcome{Status: StatusError, Error: "re-evaluate message carries no investigation id"}
	}

	eval, err := c.evaluator.Evaluate(ctx, id)
	if err != nil {
		var invalid *store.ErrInvalidTransition
		if errors.As(err, &invalid) {
			// Duplicate delivery after the investigation already concluded.
			return &models.Outcome{Status: StatusTerminal, InvestigationID: id}
		}
		return c.fault(err, id, "")
	}

	switch eval.Verdict {
	case models.VerdictContinue:
		if out := c.enqueue(ctx, models.MessageExecution, id); out != nil {
			return out
		}
		return &models.Outcome{Status: StatusExecutionResumed, InvestigationID: id}

	case models.VerdictReplan:
		facts, err := c.evaluator.ConsolidateFacts(ctx, id)
		if err != nil {
			return c.fault(err, id, "")
		}
		if _, err := c.planner.GenerateFollowupPlan(ctx, id, facts); err != nil {
			var planErr *planner.ErrPlanGeneration
			if errors.As(err, &planErr) {
				// The evidence cannot produce a next plan. Fail the
				// investigation instead of looping on redelivery.
				if serr := c.store.SetInvestigationStatus(ctx, id, models.InvestigationFailed); serr != nil {
					log.Error().Err(serr).Str("investigation_id", id).Msg("failure status write failed")
				}
				log.Error().Err(err).Str("investigation_id", id).Msg("replanning failed, investigation marked failed")
				return &models.Outcome{Status: StatusPlanFailed, InvestigationID: id, Error: err.Error()}
			}
			return c.fault(err, id, "")
		}
		if out := c.enqueue(ctx, models.MessageExecution, id); out != nil {
			return out
		}
		return &models.Outcome{Status: StatusReplanned, InvestigationID: id}

	case models.VerdictConclude:
		if _, err := c.evaluator.Conclude(ctx, id); err != nil {
			var invalid *store.ErrInvalidTransition
			if errors.As(err, &invalid) {
				return &models.Outcome{Status: StatusTerminal, InvestigationID: id}
			}
			return c.fault(err, id, "")
		}
		return &models.Outcome{Status: StatusConcluded, InvestigationID: id}
	}

	return &models.Outcome{Status: StatusError, InvestigationID: id, Error: "unknown verdict " + string(eval.Verdict)}
}

// Cancel terminates an investigation from the API surface. In-flight task
// results for cancelled investigations are still persisted; the dispatcher
// just stops picking new work.
func (c *Coordinator) Cancel(ctx context.Context, investigationID string) *models.Outcome {
	if err := c.store.SetInvestigationStatus(ctx, investigationID, models.InvestigationCancelled); err != nil {
		var invalid *store.ErrInvalidTransition
		if errors.As(err, &invalid) {
			return &models.Outcome{Status: StatusTerminal, InvestigationID: investigationID}
		}
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return &models.Outcome{Status: StatusError, InvestigationID: investigationID, Error: err.Error()}
		}
		return c.fault(err, investigationID, "")
	}
	if err := c.store.RecordTimelineEvent(ctx, investigationID, "investigation cancelled", "coordinator"); err != nil {
		log.Warn().Err(err).Str("investigation_id", investigationID).Msg("timeline write failed")
	}
	log.Info().Str("investigation_id", investigationID).Msg("investigation cancelled")
	return &models.Outcome{Status: StatusCancelled, InvestigationID: investigationID}
}

// enqueue publishes the next message, mapping publish failures to a fault
// outcome. Returns nil on success.
func (c *Coordinator) enqueue(ctx context.Context, t models.MessageType, investigationID string) *models.Outcome {
	err := c.publisher.Publish(ctx, &models.Message{Type: t, InvestigationID: investigationID})
	if err == nil {
		return nil
	}
	log.Error().Err(err).
		Str("investigation_id", investigationID).
		Str("type", string(t)).
		Msg("next message publish failed")
	return c.fault(err, investigationID, "")
}

func (c *Coordinator) fault(err error, investigationID, taskID string) *models.Outcome {
	return &models.Outcome{
		Status:          StatusError,
		InvestigationID: investigationID,
		TaskID:          taskID,
		Error:           err.Error(),
	}
}
