package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/pkg/models"
)

// PostgresStore implements Store on PostgreSQL via pgx. Task transitions are
// conditional UPDATEs (compare-and-swap on status) and context mutations are
// single-statement jsonb updates, so concurrent coordinator invocations from
// independent processes never double-apply a change.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and creates the schema if needed.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS inq_investigations (
			id            TEXT PRIMARY KEY,
			alarm         JSONB NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL,
			current_round INT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS inq_rounds (
			investigation_id TEXT NOT NULL,
			id               TEXT NOT NULL,
			number           INT NOT NULL,
			evaluation       JSONB,
			started_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at         TIMESTAMPTZ,
			PRIMARY KEY (investigation_id, id)
		);

		CREATE TABLE IF NOT EXISTS inq_tasks (
			investigation_id TEXT NOT NULL,
			round_id         TEXT NOT NULL,
			id               TEXT NOT NULL,
			ord              INT NOT NULL,
			description      TEXT NOT NULL,
			agent_type       TEXT NOT NULL,
			required_data    JSONB NOT NULL DEFAULT '[]',
			expected_output  TEXT NOT NULL,
			dependencies     JSONB NOT NULL DEFAULT '[]',
			priority         INT NOT NULL,
			status           TEXT NOT NULL,
			error            TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (investigation_id, round_id, id)
		);

		CREATE TABLE IF NOT EXISTS inq_results (
			seq              BIGSERIAL PRIMARY KEY,
			investigation_id TEXT NOT NULL,
			round_id         TEXT NOT NULL,
			task_id          TEXT NOT NULL,
			result           JSONB NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS inq_contexts (
			investigation_id TEXT PRIMARY KEY,
			doc              JSONB NOT NULL,
			version          BIGINT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_inq_investigations_status ON inq_investigations (status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_inq_results_inv ON inq_results (investigation_id, seq);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Investigations ──────────────────────────────────────────

func (s *PostgresStore) CreateInvestigation(ctx context.Context, inv *models.Investigation) error {
	alarm, err := json.Marshal(inv.Alarm)
	if err != nil {
		return fmt.Errorf("marshal alarm: %w", err)
	}
	status := inv.Status
	if status == "" {
		status = models.InvestigationInitiated
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inq_investigations (id, alarm, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		inv.ID, alarm, string(status))
	if err != nil {
		return fmt.Errorf("insert investigation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrAlreadyExists{Entity: "investigation", Key: inv.ID}
	}
	return nil
}

func (s *PostgresStore) GetInvestigation(ctx context.Context, id string) (*models.Investigation, error) {
	var (
		inv   models.Investigation
		alarm []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, alarm, status, current_round, created_at, updated_at
		FROM inq_investigations WHERE id = $1`, id).
		Scan(&inv.ID, &alarm, &inv.Status, &inv.CurrentRound, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "investigation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select investigation: %w", err)
	}
	if err := json.Unmarshal(alarm, &inv.Alarm); err != nil {
		return nil, fmt.Errorf("unmarshal alarm: %w", err)
	}
	return &inv, nil
}

func (s *PostgresStore) ListInvestigations(ctx context.Context, status models.InvestigationStatus, limit int) ([]models.Investigation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, alarm, status, current_round, created_at, updated_at
		FROM inq_investigations
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list investigations: %w", err)
	}
	defer rows.Close()

	var out []models.Investigation
	for rows.Next() {
		var (
			inv   models.Investigation
			alarm []byte
		)
		if err := rows.Scan(&inv.ID, &alarm, &inv.Status, &inv.CurrentRound, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(alarm, &inv.Alarm); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetInvestigationStatus(ctx context.Context, id string, status models.InvestigationStatus) error {
	// Terminal statuses are sticky: the conditional update refuses to move
	// a completed/failed/cancelled investigation anywhere else.
	tag, err := s.pool.Exec(ctx, `
		UPDATE inq_investigations
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND (status = $2 OR status NOT IN ('COMPLETED','FAILED','CANCELLED'))`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("update investigation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetInvestigation(ctx, id)
		if err != nil {
			return err
		}
		return &ErrInvalidTransition{Entity: "investigation", Key: id, From: string(cur.Status), To: string(status)}
	}
	return nil
}

func (s *PostgresStore) PurgeInvestigation(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	// Only terminal investigations can be purged.
	tag, err := tx.Exec(ctx, `
		DELETE FROM inq_investigations
		WHERE id = $1 AND status IN ('COMPLETED','FAILED','CANCELLED')`, id)
	if err != nil {
		return fmt.Errorf("purge investigation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetInvestigation(ctx, id)
		if err != nil {
			return err
		}
		return &ErrInvalidTransition{Entity: "investigation", Key: id, From: string(cur.Status), To: "purged"}
	}

	for _, table := range []string{"inq_rounds", "inq_tasks", "inq_results", "inq_contexts"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE investigation_id = $1`, id); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return tx.Commit(ctx)
}

// ── Plan store ──────────────────────────────────────────────

func (s *PostgresStore) SavePlan(ctx context.Context, investigationID string, tasks []models.Task) (string, error) {
	if err := ValidatePlan(tasks); err != nil {
		return "", err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var number int
	err = tx.QueryRow(ctx, `
		SELECT current_round FROM inq_investigations WHERE id = $1 FOR UPDATE`,
		investigationID).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "investigation", Key: investigationID}
	}
	if err != nil {
		return "", fmt.Errorf("lock investigation: %w", err)
	}

	var open int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM inq_rounds
		WHERE investigation_id = $1 AND ended_at IS NULL`,
		investigationID).Scan(&open); err != nil {
		return "", fmt.Errorf("check open rounds: %w", err)
	}
	if open > 0 {
		return "", &ErrDuplicateRound{InvestigationID: investigationID}
	}

	roundID := uuid.NewString()
	number++
	if _, err := tx.Exec(ctx, `
		INSERT INTO inq_rounds (investigation_id, id, number) VALUES ($1, $2, $3)`,
		investigationID, roundID, number); err != nil {
		return "", fmt.Errorf("insert round: %w", err)
	}

	for i, t := range tasks {
		reqData, _ := json.Marshal(t.RequiredData)
		deps, _ := json.Marshal(t.Dependencies)
		if _, err := tx.Exec(ctx, `
			INSERT INTO inq_tasks (investigation_id, round_id, id, ord, description,
				agent_type, required_data, expected_output, dependencies, priority, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			investigationID, roundID, t.ID, i, t.Description,
			t.AgentType, reqData, t.ExpectedOutput, deps, t.Priority, string(models.TaskPending)); err != nil {
			return "", fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE inq_investigations
		SET current_round = $2, status = $3, updated_at = NOW()
		WHERE id = $1`,
		investigationID, number, string(models.InvestigationInProgress)); err != nil {
		return "", fmt.Errorf("advance round pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit plan: %w", err)
	}
	return roundID, nil
}

// activeRound returns the latest round id for an investigation.
func (s *PostgresStore) activeRound(ctx context.Context, investigationID string) (string, error) {
	var roundID string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM inq_rounds
		WHERE investigation_id = $1
		ORDER BY number DESC LIMIT 1`, investigationID).Scan(&roundID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "plan", Key: investigationID}
	}
	if err != nil {
		return "", fmt.Errorf("select active round: %w", err)
	}
	return roundID, nil
}

func (s *PostgresStore) loadTasks(ctx context.Context, investigationID, roundID string) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, description, agent_type, required_data, expected_output,
			dependencies, priority, status, error
		FROM inq_tasks
		WHERE investigation_id = $1 AND round_id = $2
		ORDER BY ord`, investigationID, roundID)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var (
			t             models.Task
			reqData, deps []byte
		)
		if err := rows.Scan(&t.ID, &t.Description, &t.AgentType, &reqData, &t.ExpectedOutput,
			&deps, &t.Priority, &t.Status, &t.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(reqData, &t.RequiredData); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) NextReadyTask(ctx context.Context, investigationID string) (*models.Task, QueueState, error) {
	roundID, err := s.activeRound(ctx, investigationID)
	if err != nil {
		return nil, "", err
	}
	tasks, err := s.loadTasks(ctx, investigationID, roundID)
	if err != nil {
		return nil, "", err
	}
	task, state := nextReady(tasks)
	if task == nil {
		return nil, state, nil
	}
	cp := *task
	return &cp, QueueReady, nil
}

// casTask performs a conditional status transition on the active round.
// allowedFrom mirrors canTransition for the target status.
func (s *PostgresStore) casTask(ctx context.Context, investigationID, taskID string, to models.TaskStatus, errMsg string) error {
	var allowedFrom string
	switch to {
	case models.TaskRunning, models.TaskSkipped:
		allowedFrom = string(models.TaskPending)
	case models.TaskCompleted, models.TaskFailed, models.TaskTimeout:
		allowedFrom = string(models.TaskRunning)
	default:
		return &ErrInvalidTransition{Entity: "task", Key: taskID, To: string(to)}
	}

	roundID, err := s.activeRound(ctx, investigationID)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE inq_tasks SET status = $1, error = $2
		WHERE investigation_id = $3 AND round_id = $4 AND id = $5 AND status = $6`,
		string(to), errMsg, investigationID, roundID, taskID, allowedFrom)
	if err != nil {
		return fmt.Errorf("task transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var cur string
		err := s.pool.QueryRow(ctx, `
			SELECT status FROM inq_tasks
			WHERE investigation_id = $1 AND round_id = $2 AND id = $3`,
			investigationID, roundID, taskID).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "task", Key: taskID}
		}
		if err != nil {
			return fmt.Errorf("select task status: %w", err)
		}
		return &ErrInvalidTransition{Entity: "task", Key: taskID, From: cur, To: string(to)}
	}
	return nil
}

func (s *PostgresStore) appendResult(ctx context.Context, investigationID, taskID string, res *models.ExecutionResult) error {
	roundID, err := s.activeRound(ctx, investigationID)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO inq_results (investigation_id, round_id, task_id, result)
		VALUES ($1, $2, $3, $4)`,
		investigationID, roundID, taskID, doc); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkTaskRunning(ctx context.Context, investigationID, taskID string) error {
	return s.casTask(ctx, investigationID, taskID, models.TaskRunning, "")
}

func (s *PostgresStore) CompleteTask(ctx context.Context, investigationID, taskID string, result *models.ExecutionResult) error {
	if err := s.casTask(ctx, investigationID, taskID, models.TaskCompleted, ""); err != nil {
		return err
	}
	res := *result
	res.TaskID = taskID
	if res.Status == "" {
		res.Status = models.TaskCompleted
	}
	return s.appendResult(ctx, investigationID, taskID, &res)
}

func (s *PostgresStore) FailTask(ctx context.Context, investigationID, taskID, errMsg string) error {
	if err := s.casTask(ctx, investigationID, taskID, models.TaskFailed, errMsg); err != nil {
		return err
	}
	return s.appendResult(ctx, investigationID, taskID,
		&models.ExecutionResult{TaskID: taskID, Status: models.TaskFailed, ErrorMessage: errMsg})
}

func (s *PostgresStore) TimeoutTask(ctx context.Context, investigationID, taskID string) error {
	errMsg := "task deadline exceeded"
	if err := s.casTask(ctx, investigationID, taskID, models.TaskTimeout, errMsg); err != nil {
		return err
	}
	return s.appendResult(ctx, investigationID, taskID,
		&models.ExecutionResult{TaskID: taskID, Status: models.TaskTimeout, ErrorMessage: errMsg})
}

func (s *PostgresStore) SkipTask(ctx context.Context, investigationID, taskID string) error {
	return s.casTask(ctx, investigationID, taskID, models.TaskSkipped, "")
}

func (s *PostgresStore) PlanState(ctx context.Context, investigationID string) (*PlanState, error) {
	roundID, err := s.activeRound(ctx, investigationID)
	if err != nil {
		return nil, err
	}

	var number int
	if err := s.pool.QueryRow(ctx, `
		SELECT number FROM inq_rounds WHERE investigation_id = $1 AND id = $2`,
		investigationID, roundID).Scan(&number); err != nil {
		return nil, fmt.Errorf("select round: %w", err)
	}

	tasks, err := s.loadTasks(ctx, investigationID, roundID)
	if err != nil {
		return nil, err
	}

	st := &PlanState{RoundID: roundID, RoundNumber: number, Tasks: tasks}
	terminal := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			terminal++
		}
	}
	if len(tasks) > 0 {
		st.Completion = float64(terminal) / float64(len(tasks))
	}
	_, state := nextReady(tasks)
	st.Exhausted = state == QueueExhausted
	st.Stalled = state == QueueStalled

	rows, err := s.pool.Query(ctx, `
		SELECT result FROM inq_results
		WHERE investigation_id = $1 AND round_id = $2
		ORDER BY seq`, investigationID, roundID)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var res models.ExecutionResult
		if err := json.Unmarshal(doc, &res); err != nil {
			return nil, err
		}
		st.Results = append(st.Results, res)
	}
	return st, rows.Err()
}

func (s *PostgresStore) CloseRound(ctx context.Context, investigationID string, eval *models.EvaluationResult) error {
	roundID, err := s.activeRound(ctx, investigationID)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE inq_rounds SET evaluation = $3, ended_at = NOW()
		WHERE investigation_id = $1 AND id = $2 AND ended_at IS NULL`,
		investigationID, roundID, doc)
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrInvalidTransition{Entity: "round", Key: roundID, From: "closed", To: "closed"}
	}
	return nil
}

func (s *PostgresStore) ResultLog(ctx context.Context, investigationID string) ([]models.ExecutionResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT result FROM inq_results
		WHERE investigation_id = $1
		ORDER BY seq`, investigationID)
	if err != nil {
		return nil, fmt.Errorf("select result log: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var res models.ExecutionResult
		if err := json.Unmarshal(doc, &res); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ── Context store ───────────────────────────────────────────

func (s *PostgresStore) CreateContext(ctx context.Context, investigationID string, alarm models.AlarmSummary) error {
	now := time.Now().UTC()
	doc, err := json.Marshal(models.Context{
		InvestigationID: investigationID,
		Alarm:           alarm,
		Confidence:      0.0,
		Findings:        map[string]models.Finding{},
		Timeline:        []models.TimelineEvent{},
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inq_contexts (investigation_id, doc, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (investigation_id) DO NOTHING`,
		investigationID, doc)
	if err != nil {
		return fmt.Errorf("insert context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrAlreadyExists{Entity: "context", Key: investigationID}
	}
	return nil
}

func (s *PostgresStore) RecordFinding(ctx context.Context, investigationID, taskID, agentType string, data map[string]interface{}) error {
	finding, err := json.Marshal(models.Finding{
		TaskID:    taskID,
		AgentType: agentType,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	// Single-statement per-key merge: concurrent writers on different keys
	// both land, and version increments exactly once per write.
	tag, err := s.pool.Exec(ctx, `
		UPDATE inq_contexts
		SET doc = jsonb_set(doc, ARRAY['findings', $2], $3::jsonb, true),
			version = version + 1, updated_at = NOW()
		WHERE investigation_id = $1`,
		investigationID, models.FindingKey(taskID, agentType), finding)
	if err != nil {
		return fmt.Errorf("record finding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "context", Key: investigationID}
	}
	return nil
}

func (s *PostgresStore) RecordTimelineEvent(ctx context.Context, investigationID, description, source string) error {
	event, err := json.Marshal([]models.TimelineEvent{{
		Timestamp:   time.Now().UTC(),
		Description: description,
		Source:      source,
	}})
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	// Atomic append: the concatenation happens inside one UPDATE, so
	// concurrent appends never overwrite each other.
	tag, err := s.pool.Exec(ctx, `
		UPDATE inq_contexts
		SET doc = jsonb_set(doc, '{timeline}', COALESCE(doc->'timeline', '[]'::jsonb) || $2::jsonb),
			version = version + 1, updated_at = NOW()
		WHERE investigation_id = $1`,
		investigationID, event)
	if err != nil {
		return fmt.Errorf("record timeline event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "context", Key: investigationID}
	}
	return nil
}

func (s *PostgresStore) UpdateHypothesis(ctx context.Context, investigationID, hypothesis string, confidence float64, candidates []string) error {
	if err := models.ValidateConfidence(confidence); err != nil {
		return err
	}
	if candidates == nil {
		candidates = []string{}
	}
	patch, err := json.Marshal(map[string]interface{}{
		"hypothesis":            hypothesis,
		"confidence":            confidence,
		"root_cause_candidates": candidates,
	})
	if err != nil {
		return fmt.Errorf("marshal hypothesis: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE inq_contexts
		SET doc = doc || $2::jsonb, version = version + 1, updated_at = NOW()
		WHERE investigation_id = $1`,
		investigationID, patch)
	if err != nil {
		return fmt.Errorf("update hypothesis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "context", Key: investigationID}
	}
	return nil
}

func (s *PostgresStore) GetContext(ctx context.Context, investigationID string) (*models.Context, error) {
	var (
		doc     []byte
		version int64
		updated time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT doc, version, updated_at FROM inq_contexts WHERE investigation_id = $1`,
		investigationID).Scan(&doc, &version, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "context", Key: investigationID}
	}
	if err != nil {
		return nil, fmt.Errorf("select context: %w", err)
	}

	var c models.Context
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	c.InvestigationID = investigationID
	c.Version = version
	c.UpdatedAt = updated
	return &c, nil
}
