// Package evaluator decides how an investigation proceeds after execution:
// continue the current round, replan with a new round, or conclude with a
// final report. The numeric judgment comes from a pluggable Assessor; the
// evaluator owns verdict policy, round bookkeeping and report generation.
package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/pkg/models"
)

// DefaultConfidenceThreshold is the score at which an investigation concludes.
const DefaultConfidenceThreshold = 0.8

// DefaultMaxRounds bounds replanning. Hitting the bound forces a conclusion
// with whatever evidence exists.
const DefaultMaxRounds = 5

// Judgment is the Assessor's verdict material: an updated hypothesis with a
// confidence score and ranked root cause candidates.
type Judgment struct {
	Hypothesis string   `json:"hypothesis"`
	Confidence float64  `json:"confidence"`
	Candidates []string `json:"root_cause_candidates"`
}

// Assessor scores the accumulated evidence. Typically an LLM adapter;
// HeuristicAssessor is the dependency-free fallback.
type Assessor interface {
	Assess(ctx context.Context, snap *models.Context, plan *store.PlanState) (*Judgment, error)
}

// Notifier delivers the final report once an investigation concludes.
type Notifier interface {
	PublishReport(ctx context.Context, report *models.FinalReport) error
}

// Evaluator applies the continue/replan/conclude policy.
type Evaluator struct {
	store     store.Store
	assessor  Assessor
	notifier  Notifier
	threshold float64
	maxRounds int
}

// New creates an Evaluator. Threshold outside (0,1] and non-positive
// maxRounds fall back to the defaults. notifier may be nil.
func New(s store.Store, a Assessor, n Notifier, threshold float64, maxRounds int) *Evaluator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Evaluator{store: s, assessor: a, notifier: n, threshold: threshold, maxRounds: maxRounds}
}

// Evaluate scores the investigation and returns the verdict. The hypothesis
// update is persisted before the verdict is returned; on replan and conclude
// the active round is closed.
func (e *Evaluator) Evaluate(ctx context.Context, investigationID string) (*models.EvaluationResult, error) {
	inv, err := e.store.GetInvestigation(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() {
		return nil, &store.ErrInvalidTransition{
			Entity: "investigation", Key: investigationID,
			From: string(inv.Status), To: string(models.InvestigationAwaitingEvaluation),
		}
	}

	plan, err := e.store.PlanState(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	snap, err := e.store.GetContext(ctx, investigationID)
	if err != nil {
		return nil, err
	}

	judgment, err := e.assessor.Assess(ctx, snap, plan)
	if err != nil {
		return nil, fmt.Errorf("assessment failed: %w", err)
	}
	if err := models.ValidateConfidence(judgment.Confidence); err != nil {
		return nil, fmt.Errorf("assessment rejected: %w", err)
	}

	if err := e.store.UpdateHypothesis(ctx, investigationID, judgment.Hypothesis, judgment.Confidence, judgment.Candidates); err != nil {
		return nil, err
	}

	eval := &models.EvaluationResult{
		Confidence:  judgment.Confidence,
		Completion:  plan.Completion,
		Stalled:     plan.Stalled,
		EvaluatedAt: time.Now().UTC(),
	}

	switch {
	case judgment.Confidence >= e.threshold:
		eval.Verdict = models.VerdictConclude
	case plan.RoundNumber >= e.maxRounds && (plan.Exhausted || plan.Stalled):
		// Round budget spent. Conclude with what we have rather than loop.
		eval.Verdict = models.VerdictConclude
	case plan.Exhausted || plan.Stalled:
		eval.Verdict = models.VerdictReplan
	default:
		eval.Verdict = models.VerdictContinue
	}

	if eval.Verdict != models.VerdictContinue {
		if err := e.store.CloseRound(ctx, investigationID, eval); err != nil {
			return nil, err
		}
	}
	e.timeline(ctx, investigationID, fmt.Sprintf("round %d evaluated: %s (confidence %.2f, completion %.0f%%)",
		plan.RoundNumber, eval.Verdict, eval.Confidence, eval.Completion*100))

	log.Info().
		Str("investigation_id", investigationID).
		Str("verdict", string(eval.Verdict)).
		Float64("confidence", eval.Confidence).
		Float64("completion", eval.Completion).
		Bool("stalled", eval.Stalled).
		Msg("round evaluated")
	return eval, nil
}

// ConsolidateFacts reduces the cross-round result log into deduplicated
// facts, repeated patterns and the required-data tags no completed task ever
// satisfied. The output seeds the next planning round.
func (e *Evaluator) ConsolidateFacts(ctx context.Context, investigationID string) (*models.ConsolidatedFacts, error) {
	snap, err := e.store.GetContext(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.ResultLog(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	plan, err := e.store.PlanState(ctx, investigationID)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Status == models.TaskCompleted {
			completed[r.TaskID] = true
		}
	}

	// Findings are visited in sorted key order so fact ids are assigned
	// deterministically and the output stays in assignment order.
	keys := make([]string, 0, len(snap.Findings))
	for key := range snap.Findings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	facts := &models.ConsolidatedFacts{}
	seen := make(map[string]int)
	counts := make(map[string]int)
	for _, key := range keys {
		f := snap.Findings[key]
		desc := summarizeFinding(f.Data)
		if desc == "" {
			continue
		}
		counts[desc]++
		if i, dup := seen[desc]; dup {
			facts.Facts[i].Sources = append(facts.Facts[i].Sources, key)
			continue
		}
		seen[desc] = len(facts.Facts)
		conf := 0.5
		for _, r := range results {
			if r.TaskID == f.TaskID {
				conf = r.Confidence
			}
		}
		facts.Facts = append(facts.Facts, models.Fact{
			ID:          fmt.Sprintf("fact-%d", len(facts.Facts)+1),
			Description: desc,
			Confidence:  conf,
			Sources:     []string{key},
		})
	}

	for desc, n := range counts {
		if n > 1 {
			facts.Patterns = append(facts.Patterns, models.Pattern{Description: desc, Occurrences: n})
		}
	}
	sort.Slice(facts.Patterns, func(i, j int) bool { return facts.Patterns[i].Description < facts.Patterns[j].Description })

	// A required-data tag is a gap unless some completed task both required
	// it and produced findings.
	gapSeen := make(map[string]bool)
	for _, t := range plan.Tasks {
		for _, tag := range t.RequiredData {
			if gapSeen[tag] {
				continue
			}
			if completed[t.ID] {
				if _, ok := snap.Findings[models.FindingKey(t.ID, t.AgentType)]; ok {
					continue
				}
			}
			gapSeen[tag] = true
			facts.Gaps = append(facts.Gaps, tag)
		}
	}
	sort.Strings(facts.Gaps)

	return facts, nil
}

// Conclude generates the final report, marks the investigation COMPLETED and
// publishes the report. Idempotent against duplicate delivery: a second call
// on a concluded investigation returns *ErrInvalidTransition from the status
// write and no second report is published.
func (e *Evaluator) Conclude(ctx context.Context, investigationID string) (*models.FinalReport, error) {
	inv, err := e.store.GetInvestigation(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	snap, err := e.store.GetContext(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.ResultLog(ctx, investigationID)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetInvestigationStatus(ctx, investigationID, models.InvestigationCompleted); err != nil {
		return nil, err
	}

	report := e.buildReport(inv, snap, results)
	e.timeline(ctx, investigationID, fmt.Sprintf("investigation concluded: %s (confidence %.2f)",
		report.RootCause.Description, report.Confidence))

	if e.notifier != nil {
		if err := e.notifier.PublishReport(ctx, report); err != nil {
			// The conclusion already happened; delivery is best-effort.
			log.Error().Err(err).Str("investigation_id", investigationID).Msg("report delivery failed")
		}
	}

	log.Info().
		Str("investigation_id", investigationID).
		Float64("confidence", report.Confidence).
		Int("rounds", report.RoundsCompleted).
		Msg("investigation concluded")
	return report, nil
}

func (e *Evaluator) buildReport(inv *models.Investigation, snap *models.Context, results []models.ExecutionResult) *models.FinalReport {
	rootCause := models.RootCause{
		Description: "root cause could not be determined from the collected evidence",
		Probability: snap.Confidence,
	}
	if len(snap.RootCauses) > 0 {
		// Candidates are ranked; the first is the best.
		rootCause.Description = snap.RootCauses[0]
	}
	for key := range snap.Findings {
		rootCause.Evidence = append(rootCause.Evidence, key)
	}
	sort.Strings(rootCause.Evidence)

	var recommendations []string
	recSeen := make(map[string]bool)
	for _, r := range results {
		for _, s := range r.RecommendedSteps {
			if !recSeen[s] {
				recSeen[s] = true
				recommendations = append(recommendations, s)
			}
		}
	}
	rootCause.Mitigations = recommendations

	summary := snap.Hypothesis
	if summary == "" {
		summary = fmt.Sprintf("investigation of %s/%s on %s ended without a hypothesis",
			snap.Alarm.Namespace, snap.Alarm.Metric, snap.Alarm.ResourceName)
	}

	return &models.FinalReport{
		InvestigationID: inv.ID,
		RootCause:       rootCause,
		Confidence:      snap.Confidence,
		Summary:         summary,
		Recommendations: recommendations,
		Duration:        time.Since(inv.CreatedAt).Seconds(),
		RoundsCompleted: inv.CurrentRound,
		GeneratedAt:     time.Now().UTC(),
	}
}

func (e *Evaluator) timeline(ctx context.Context, investigationID, description string) {
	if err := e.store.RecordTimelineEvent(ctx, investigationID, description, "evaluator"); err != nil {
		log.Warn().Err(err).Str("investigation_id", investigationID).Msg("timeline write failed")
	}
}

// summarizeFinding extracts a one-line description from a finding payload,
// preferring an explicit "summary" field.
func summarizeFinding(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	if s, ok := data["summary"].(string); ok && s != "" {
		return s
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "; ")
}

// HeuristicAssessor is the dependency-free Assessor used when no model-backed
// assessor is configured. Confidence is the completion-weighted mean of the
// completed results' own confidence scores, floored at the confidence already
// persisted on the context: a hypothesis update written during execution is
// evidence in its own right and is never scored down by the heuristic. The
// hypothesis and candidates already on the context are preserved.
type HeuristicAssessor struct{}

func (HeuristicAssessor) Assess(_ context.Context, snap *models.Context, plan *store.PlanState) (*Judgment, error) {
	var sum float64
	var n int
	for _, r := range plan.Results {
		if r.Status == models.TaskCompleted {
			sum += r.Confidence
			n++
		}
	}
	confidence := 0.0
	if n > 0 {
		confidence = (sum / float64(n)) * plan.Completion
	}
	if snap.Confidence > confidence {
		confidence = snap.Confidence
	}
	return &Judgment{
		Hypothesis: snap.Hypothesis,
		Confidence: confidence,
		Candidates: snap.RootCauses,
	}, nil
}
