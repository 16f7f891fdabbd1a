// Package store — in-memory Store implementation.
// Used for local development and tests. All operations take the store lock,
// so the compare-and-swap semantics match the PostgreSQL implementation even
// when independent goroutines race on the same task.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opskit/inquest/pkg/models"
)

// roundRec is the in-memory shape of one round: the plan in proposal order
// plus the results keyed by task id.
type roundRec struct {
	id        string
	number    int
	tasks     []models.Task
	results   map[string]models.ExecutionResult
	order     []string // task ids in completion order
	eval      *models.EvaluationResult
	startedAt time.Time
	endedAt   *time.Time
}

func (r *roundRec) closed() bool { return r.endedAt != nil }

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu             sync.RWMutex
	investigations map[string]*models.Investigation
	rounds         map[string][]*roundRec
	contexts       map[string]*models.Context
	resultLog      map[string][]models.ExecutionResult
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		investigations: make(map[string]*models.Investigation),
		rounds:         make(map[string][]*roundRec),
		contexts:       make(map[string]*models.Context),
		resultLog:      make(map[string][]models.ExecutionResult),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// ── Investigations ──────────────────────────────────────────

func (m *MemoryStore) CreateInvestigation(ctx context.Context, inv *models.Investigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.investigations[inv.ID]; ok {
		return &ErrAlreadyExists{Entity: "investigation", Key: inv.ID}
	}

	cp := *inv
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = models.InvestigationInitiated
	}
	m.investigations[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) GetInvestigation(ctx context.Context, id string) (*models.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.investigations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "investigation", Key: id}
	}

	cp := *inv
	cp.Rounds = m.assembleRoundsLocked(id)
	return &cp, nil
}

func (m *MemoryStore) ListInvestigations(ctx context.Context, status models.InvestigationStatus, limit int) ([]models.Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Investigation
	for _, inv := range m.investigations {
		if status != "" && inv.Status != status {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetInvestigationStatus(ctx context.Context, id string, status models.InvestigationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.investigations[id]
	if !ok {
		return &ErrNotFound{Entity: "investigation", Key: id}
	}
	if inv.Status.Terminal() && inv.Status != status {
		return &ErrInvalidTransition{Entity: "investigation", Key: id, From: string(inv.Status), To: string(status)}
	}
	inv.Status = status
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) PurgeInvestigation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.investigations[id]
	if !ok {
		return &ErrNotFound{Entity: "investigation", Key: id}
	}
	if !inv.Status.Terminal() {
		return &ErrInvalidTransition{Entity: "investigation", Key: id, From: string(inv.Status), To: "purged"}
	}
	delete(m.investigations, id)
	delete(m.rounds, id)
	delete(m.contexts, id)
	delete(m.resultLog, id)
	return nil
}

// assembleRoundsLocked builds the Round views for an investigation.
func (m *MemoryStore) assembleRoundsLocked(id string) []models.Round {
	recs := m.rounds[id]
	if len(recs) == 0 {
		return nil
	}
	out := make([]models.Round, 0, len(recs))
	for _, r := range recs {
		round := models.Round{
			ID:         r.id,
			Number:     r.number,
			Tasks:      append([]models.Task(nil), r.tasks...),
			Evaluation: r.eval,
			StartedAt:  r.startedAt,
			EndedAt:    r.endedAt,
		}
		for _, tid := range r.order {
			round.Results = append(round.Results, r.results[tid])
		}
		out = append(out, round)
	}
	return out
}

// ── Plan store ──────────────────────────────────────────────

func (m *MemoryStore) SavePlan(ctx context.Context, investigationID string, tasks []models.Task) (string, error) {
	if err := ValidatePlan(tasks); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.investigations[investigationID]
	if !ok {
		return "", &ErrNotFound{Entity: "investigation", Key: investigationID}
	}

	recs := m.rounds[investigationID]
	if len(recs) > 0 && !recs[len(recs)-1].closed() {
		return "", &ErrDuplicateRound{InvestigationID: investigationID}
	}

	plan := make([]models.Task, len(tasks))
	copy(plan, tasks)
	for i := range plan {
		plan[i].Status = models.TaskPending
		plan[i].Error = ""
	}

	rec := &roundRec{
		id:        uuid.NewString(),
		number:    len(recs) + 1,
		tasks:     plan,
		results:   make(map[string]models.ExecutionResult),
		startedAt: time.Now().UTC(),
	}
	m.rounds[investigationID] = append(recs, rec)

	inv.CurrentRound = rec.number
	inv.Status = models.InvestigationInProgress
	inv.UpdatedAt = rec.startedAt
	return rec.id, nil
}

// activeRoundLocked returns the latest round for the investigation.
func (m *MemoryStore) activeRoundLocked(investigationID string) (*roundRec, error) {
	recs := m.rounds[investigationID]
	if len(recs) == 0 {
		return nil, &ErrNotFound{Entity: "plan", Key: investigationID}
	}
	return recs[len(recs)-1], nil
}

func (m *MemoryStore) NextReadyTask(ctx context.Context, investigationID string) (*models.Task, QueueState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.activeRoundLocked(investigationID)
	if err != nil {
		return nil, "", err
	}

	task, state := nextReady(rec.tasks)
	if task == nil {
		return nil, state, nil
	}
	cp := *task
	return &cp, QueueReady, nil
}

// nextReady applies the dependency+priority resolution rule to a plan in
// proposal order. Shared with PlanState's stalled/exhausted computation.
func nextReady(tasks []models.Task) (*models.Task, QueueState) {
	byID := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	var best *models.Task
	running := false
	pending := false
	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case models.TaskRunning:
			running = true
			continue
		case models.TaskPending:
			pending = true
		default:
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if d, ok := byID[dep]; !ok || d.Status != models.TaskCompleted {
				ready = false
				break
			}
		}
		// Ties break by plan order, so strictly-less keeps the earlier task.
		if ready && (best == nil || t.Priority < best.Priority) {
			best = t
		}
	}

	if best != nil {
		return best, QueueReady
	}
	if running {
		return nil, QueueBusy
	}
	if pending {
		return nil, QueueStalled
	}
	return nil, QueueExhausted
}

// canTransition is the task state machine. SKIPPED is reachable from PENDING
// only, and only via the explicit SkipTask override.
func canTransition(from, to models.TaskStatus) bool {
	switch from {
	case models.TaskPending:
		return to == models.TaskRunning || to == models.TaskSkipped
	case models.TaskRunning:
		return to == models.TaskCompleted || to == models.TaskFailed || to == models.TaskTimeout
	}
	return false
}

// transitionTaskLocked applies a CAS status change on the active round.
func (m *MemoryStore) transitionTaskLocked(investigationID, taskID string, to models.TaskStatus) (*models.Task, error) {
	rec, err := m.activeRoundLocked(investigationID)
	if err != nil {
		return nil, err
	}
	for i := range rec.tasks {
		t := &rec.tasks[i]
		if t.ID != taskID {
			continue
		}
		if !canTransition(t.Status, to) {
			return nil, &ErrInvalidTransition{Entity: "task", Key: taskID, From: string(t.Status), To: string(to)}
		}
		t.Status = to
		return t, nil
	}
	return nil, &ErrNotFound{Entity: "task", Key: taskID}
}

func (m *MemoryStore) MarkTaskRunning(ctx context.Context, investigationID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.transitionTaskLocked(investigationID, taskID, models.TaskRunning)
	return err
}

func (m *MemoryStore) CompleteTask(ctx context.Context, investigationID, taskID string, result *models.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.transitionTaskLocked(investigationID, taskID, models.TaskCompleted); err != nil {
		return err
	}
	rec, _ := m.activeRoundLocked(investigationID)

	res := *result
	res.TaskID = taskID
	if res.Status == "" {
		res.Status = models.TaskCompleted
	}
	rec.results[taskID] = res
	rec.order = append(rec.order, taskID)
	m.resultLog[investigationID] = append(m.resultLog[investigationID], res)
	return nil
}

func (m *MemoryStore) FailTask(ctx context.Context, investigationID, taskID, errMsg string) error {
	return m.terminateTask(investigationID, taskID, models.TaskFailed, errMsg)
}

func (m *MemoryStore) TimeoutTask(ctx context.Context, investigationID, taskID string) error {
	return m.terminateTask(investigationID, taskID, models.TaskTimeout, "task deadline exceeded")
}

func (m *MemoryStore) terminateTask(investigationID, taskID string, to models.TaskStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.transitionTaskLocked(investigationID, taskID, to)
	if err != nil {
		return err
	}
	task.Error = errMsg

	rec, _ := m.activeRoundLocked(investigationID)
	res := models.ExecutionResult{TaskID: taskID, Status: to, ErrorMessage: errMsg}
	rec.results[taskID] = res
	rec.order = append(rec.order, taskID)
	m.resultLog[investigationID] = append(m.resultLog[investigationID], res)
	return nil
}

func (m *MemoryStore) SkipTask(ctx context.Context, investigationID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.transitionTaskLocked(investigationID, taskID, models.TaskSkipped)
	return err
}

func (m *MemoryStore) PlanState(ctx context.Context, investigationID string) (*PlanState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.activeRoundLocked(investigationID)
	if err != nil {
		return nil, err
	}
	return planStateOf(rec), nil
}

func planStateOf(rec *roundRec) *PlanState {
	st := &PlanState{
		RoundID:     rec.id,
		RoundNumber: rec.number,
		Tasks:       append([]models.Task(nil), rec.tasks...),
	}
	terminal := 0
	for _, t := range rec.tasks {
		if t.Status.Terminal() {
			terminal++
		}
	}
	if len(rec.tasks) > 0 {
		st.Completion = float64(terminal) / float64(len(rec.tasks))
	}
	_, state := nextReady(rec.tasks)
	st.Exhausted = state == QueueExhausted
	st.Stalled = state == QueueStalled
	for _, tid := range rec.order {
		st.Results = append(st.Results, rec.results[tid])
	}
	return st
}

func (m *MemoryStore) CloseRound(ctx context.Context, investigationID string, eval *models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.activeRoundLocked(investigationID)
	if err != nil {
		return err
	}
	if rec.closed() {
		return &ErrInvalidTransition{Entity: "round", Key: rec.id, From: "closed", To: "closed"}
	}
	now := time.Now().UTC()
	rec.endedAt = &now
	rec.eval = eval
	return nil
}

func (m *MemoryStore) ResultLog(ctx context.Context, investigationID string) ([]models.ExecutionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.resultLog[investigationID]
	if !ok {
		if _, found := m.investigations[investigationID]; !found {
			return nil, &ErrNotFound{Entity: "investigation", Key: investigationID}
		}
	}
	return append([]models.ExecutionResult(nil), log...), nil
}

// ── Context store ───────────────────────────────────────────

func (m *MemoryStore) CreateContext(ctx context.Context, investigationID string, alarm models.AlarmSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contexts[investigationID]; ok {
		return &ErrAlreadyExists{Entity: "context", Key: investigationID}
	}
	now := time.Now().UTC()
	m.contexts[investigationID] = &models.Context{
		InvestigationID: investigationID,
		Alarm:           alarm,
		Confidence:      0.0,
		Findings:        make(map[string]models.Finding),
		Timeline:        []models.TimelineEvent{},
		Version:         0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return nil
}

func (m *MemoryStore) mutateContext(investigationID string, fn func(c *models.Context)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[investigationID]
	if !ok {
		return &ErrNotFound{Entity: "context", Key: investigationID}
	}
	fn(c)
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordFinding(ctx context.Context, investigationID, taskID, agentType string, data map[string]interface{}) error {
	return m.mutateContext(investigationID, func(c *models.Context) {
		c.Findings[models.FindingKey(taskID, agentType)] = models.Finding{
			TaskID:    taskID,
			AgentType: agentType,
			Data:      data,
			UpdatedAt: time.Now().UTC(),
		}
	})
}

func (m *MemoryStore) RecordTimelineEvent(ctx context.Context, investigationID, description, source string) error {
	return m.mutateContext(investigationID, func(c *models.Context) {
		c.Timeline = append(c.Timeline, models.TimelineEvent{
			Timestamp:   time.Now().UTC(),
			Description: description,
			Source:      source,
		})
	})
}

func (m *MemoryStore) UpdateHypothesis(ctx context.Context, investigationID, hypothesis string, confidence float64, candidates []string) error {
	if err := models.ValidateConfidence(confidence); err != nil {
		return err
	}
	return m.mutateContext(investigationID, func(c *models.Context) {
		c.Hypothesis = hypothesis
		c.Confidence = confidence
		c.RootCauses = append([]string(nil), candidates...)
	})
}

func (m *MemoryStore) GetContext(ctx context.Context, investigationID string) (*models.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contexts[investigationID]
	if !ok {
		return nil, &ErrNotFound{Entity: "context", Key: investigationID}
	}

	cp := *c
	cp.Findings = make(map[string]models.Finding, len(c.Findings))
	for k, v := range c.Findings {
		cp.Findings[k] = v
	}
	cp.Timeline = append([]models.TimelineEvent(nil), c.Timeline...)
	cp.RootCauses = append([]string(nil), c.RootCauses...)
	return &cp, nil
}
