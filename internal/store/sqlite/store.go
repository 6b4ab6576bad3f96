package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskforge/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	status TEXT NOT NULL,
	total_tasks INTEGER NOT NULL DEFAULT 0,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	project_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	parent_task_id TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '[]',
	input_data TEXT NOT NULL,
	output_data TEXT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	gate_policies TEXT NOT NULL DEFAULT '[]',
	max_loops INTEGER NOT NULL DEFAULT 0,
	current_loop INTEGER NOT NULL DEFAULT 0,
	fallback_task TEXT NOT NULL DEFAULT '',
	agent_path TEXT NOT NULL,
	agent_config TEXT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS results (
	task_id TEXT PRIMARY KEY,
	success INTEGER NOT NULL,
	data TEXT NULL,
	error TEXT NOT NULL DEFAULT '',
	warnings TEXT NOT NULL DEFAULT '[]',
	metrics TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	checksum TEXT NOT NULL,
	content BLOB NULL,
	derived_from TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id, created_at);

CREATE TABLE IF NOT EXISTS critiques (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL DEFAULT '',
	overall_score REAL NOT NULL,
	policy_scores TEXT NOT NULL DEFAULT '{}',
	pass_threshold INTEGER NOT NULL,
	reasons TEXT NOT NULL DEFAULT '[]',
	patch_plan TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_critiques_task ON critiques(task_id, created_at);

CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	queue TEXT NOT NULL,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	fence_token TEXT NOT NULL DEFAULT '',
	lease_until INTEGER NULL,
	next_attempt_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items(queue, status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_queue_items_lease ON queue_items(status, lease_until);

CREATE TABLE IF NOT EXISTS queue_dispatches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_type TEXT NOT NULL,
	dispatched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_dispatches_type ON queue_dispatches(task_type, dispatched_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	queue_item_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Queue item lifecycle: pending -> leased -> done|failed, with leased items
// falling back to pending when their lease expires.
const (
	QueueItemPending = "pending"
	QueueItemLeased  = "leased"
	QueueItemDone    = "done"
	QueueItemFailed  = "failed"
)

type QueueItem struct {
	ID            string
	TaskID        string
	Queue         string
	TaskType      domain.TaskType
	Status        string
	Attempts      int
	MaxAttempts   int
	FenceToken    string
	LeaseUntil    *time.Time
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateProject(ctx context.Context, p domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects(id, name, description, created_at) VALUES(?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, description, created_at FROM projects WHERE id = ?`,
		projectID,
	)
	var p domain.Project
	var created int64
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Project{}, domain.ErrProjectNotFound
		}
		return domain.Project{}, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt = unixToTime(created)
	return p, nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(
			id, project_id, status, total_tasks, completed_tasks, failed_tasks,
			total_tokens, total_cost_usd, created_at, started_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, string(run.Status), run.TotalTasks, run.CompletedTasks,
		run.FailedTasks, run.TotalTokens, run.TotalCostUSD, run.CreatedAt.Unix(),
		nullableUnix(run.StartedAt), nullableUnix(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, project_id, status, total_tasks, completed_tasks, failed_tasks,
			total_tokens, total_cost_usd, created_at, started_at, completed_at
		FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, domain.ErrRunNotFound
		}
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, status, total_tasks, completed_tasks, failed_tasks,
			total_tokens, total_cost_usd, created_at, started_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	now := time.Now().UTC().Unix()
	var query string
	switch {
	case status == domain.RunStatusRunning:
		query = `UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`
	case domain.IsFinalRunStatus(status):
		query = `UPDATE runs SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`
	default:
		if _, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(status), runID); err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, query, string(status), now, runID); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// RunStatusSummary pairs the run row with live per-status task counts.
type RunStatusSummary struct {
	Run           domain.Run     `json:"run"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
}

func (s *Store) GetRunStatus(ctx context.Context, runID string) (RunStatusSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return RunStatusSummary{}, err
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE run_id = ? GROUP BY status`,
		runID,
	)
	if err != nil {
		return RunStatusSummary{}, fmt.Errorf("count run tasks: %w", err)
	}
	defer rows.Close()

	summary := RunStatusSummary{Run: run, TasksByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return RunStatusSummary{}, fmt.Errorf("scan task count: %w", err)
		}
		summary.TasksByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return RunStatusSummary{}, fmt.Errorf("iterate task counts: %w", err)
	}
	return summary, nil
}

// AddRunMetrics applies per-task completion deltas to the run aggregates.
func (s *Store) AddRunMetrics(ctx context.Context, runID string, completedDelta, failedDelta, tokens int, costUSD float64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET
			completed_tasks = completed_tasks + ?,
			failed_tasks = failed_tasks + ?,
			total_tokens = total_tokens + ?,
			total_cost_usd = total_cost_usd + ?
		WHERE id = ?`,
		completedDelta, failedDelta, tokens, costUSD, runID,
	)
	if err != nil {
		return fmt.Errorf("add run metrics: %w", err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task domain.TaskRecord) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if task.Priority == "" {
		task.Priority = domain.PriorityNormal
	}
	if task.InputData == nil {
		task.InputData = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tasks(
			id, name, task_type, status, priority, project_id, run_id, parent_task_id,
			depends_on, input_data, output_data, error_message, gate_policies,
			max_loops, current_loop, fallback_task, agent_path, agent_config,
			created_at, started_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, string(task.Type), string(task.Status), string(task.Priority),
		task.ProjectID, task.RunID, task.ParentTaskID, mustJSONList(task.DependsOn),
		string(task.InputData), nullableJSON(task.OutputData), task.ErrorMessage,
		mustJSONList(task.GatePolicies), task.MaxLoops, task.CurrentLoop, task.FallbackTask,
		task.AgentPath, nullableJSON(task.AgentConfig), task.CreatedAt.Unix(),
		nullableUnix(task.StartedAt), nullableUnix(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET total_tasks = total_tasks + 1 WHERE id = ?`, task.RunID); err != nil {
		return fmt.Errorf("bump run task count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, task_type, status, priority, project_id, run_id, parent_task_id,
			depends_on, input_data, output_data, error_message, gate_policies,
			max_loops, current_loop, fallback_task, agent_path, agent_config,
			created_at, started_at, completed_at
		FROM tasks WHERE id = ?`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskRecord{}, domain.ErrTaskNotFound
		}
		return domain.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *Store) ListRunTasks(ctx context.Context, runID string) ([]domain.TaskRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, task_type, status, priority, project_id, run_id, parent_task_id,
			depends_on, input_data, output_data, error_message, gate_policies,
			max_loops, current_loop, fallback_task, agent_path, agent_config,
			created_at, started_at, completed_at
		FROM tasks WHERE run_id = ? ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaskRecord, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run task: %w", err)
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run tasks: %w", err)
	}
	return result, nil
}

// UpdateTaskStatus performs a guarded forward transition. Illegal moves are
// rejected with ErrInvalidTransition; running sets started_at once, terminal
// states set completed_at once.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, errorMessage string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx update task status: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("read task status: %w", err)
	}
	from := domain.TaskStatus(current)
	if from == status {
		return nil
	}
	if !domain.CanTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC().Unix()
	switch {
	case status == domain.TaskStatusRunning:
		_, err = tx.ExecContext(
			ctx,
			`UPDATE tasks SET status = ?, error_message = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			string(status), errorMessage, now, taskID,
		)
	case domain.IsTerminalStatus(status):
		_, err = tx.ExecContext(
			ctx,
			`UPDATE tasks SET status = ?, error_message = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
			string(status), errorMessage, now, taskID,
		)
	default:
		_, err = tx.ExecContext(
			ctx,
			`UPDATE tasks SET status = ?, error_message = ? WHERE id = ?`,
			string(status), errorMessage, taskID,
		)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update task status: %w", err)
	}
	return nil
}

func (s *Store) SetTaskOutput(ctx context.Context, taskID string, output json.RawMessage) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET output_data = ? WHERE id = ?`,
		nullableJSON(output), taskID,
	)
	if err != nil {
		return fmt.Errorf("set task output: %w", err)
	}
	return nil
}

// IncrementTaskLoop bumps current_loop, refusing to exceed max_loops.
func (s *Store) IncrementTaskLoop(ctx context.Context, taskID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx increment loop: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var currentLoop, maxLoops int
	if err := tx.QueryRowContext(ctx, `SELECT current_loop, max_loops FROM tasks WHERE id = ?`, taskID).Scan(&currentLoop, &maxLoops); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrTaskNotFound
		}
		return 0, fmt.Errorf("read loop counters: %w", err)
	}
	if maxLoops > 0 && currentLoop >= maxLoops {
		return currentLoop, fmt.Errorf("%w: %d/%d", domain.ErrLoopBudgetExceeded, currentLoop, maxLoops)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET current_loop = current_loop + 1 WHERE id = ?`, taskID); err != nil {
		return 0, fmt.Errorf("increment loop: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit increment loop: %w", err)
	}
	return currentLoop + 1, nil
}

func (s *Store) CreateResult(ctx context.Context, result domain.Result) error {
	metrics, err := json.Marshal(result.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO results(task_id, success, data, error, warnings, metrics, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID, boolToInt(result.Success), nullableJSON(result.Data), result.Error,
		mustJSONList(result.Warnings), string(metrics), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, taskID string) (domain.Result, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT task_id, success, data, error, warnings, metrics FROM results WHERE task_id = ?`,
		taskID,
	)
	var r domain.Result
	var success int
	var data sql.NullString
	var warnings, metrics string
	if err := row.Scan(&r.TaskID, &success, &data, &r.Error, &warnings, &metrics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Result{}, domain.ErrTaskNotFound
		}
		return domain.Result{}, fmt.Errorf("get result: %w", err)
	}
	r.Success = success != 0
	if data.Valid {
		r.Data = []byte(data.String)
	}
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return domain.Result{}, fmt.Errorf("parse result warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return domain.Result{}, fmt.Errorf("parse result metrics: %w", err)
	}
	return r, nil
}

func (s *Store) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts(id, task_id, project_id, run_id, name, kind, path, checksum, content, derived_from, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.TaskID, artifact.ProjectID, artifact.RunID, artifact.Name,
		string(artifact.Kind), artifact.Path, artifact.Checksum, artifact.Content,
		mustJSONList(artifact.DerivedFrom), artifact.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, artifactID string) (domain.Artifact, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, task_id, project_id, run_id, name, kind, path, checksum, content, derived_from, created_at
		FROM artifacts WHERE id = ?`,
		artifactID,
	)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Artifact{}, domain.ErrArtifactNotFound
		}
		return domain.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

func (s *Store) ListTaskArtifacts(ctx context.Context, taskID string) ([]domain.Artifact, error) {
	return s.listArtifacts(ctx, `task_id`, taskID)
}

func (s *Store) ListRunArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	return s.listArtifacts(ctx, `run_id`, runID)
}

func (s *Store) listArtifacts(ctx context.Context, column, id string) ([]domain.Artifact, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, project_id, run_id, name, kind, path, checksum, content, derived_from, created_at
		FROM artifacts WHERE `+column+` = ? ORDER BY created_at ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		result = append(result, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return result, nil
}

func (s *Store) CreateCritique(ctx context.Context, critique domain.Critique) error {
	if critique.CreatedAt.IsZero() {
		critique.CreatedAt = time.Now().UTC()
	}
	scores, err := json.Marshal(critique.PolicyScores)
	if err != nil {
		return fmt.Errorf("marshal policy scores: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO critiques(id, task_id, artifact_id, overall_score, policy_scores, pass_threshold, reasons, patch_plan, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		critique.ID, critique.TaskID, critique.ArtifactID, critique.OverallScore,
		string(scores), boolToInt(critique.PassThreshold), mustJSONList(critique.Reasons),
		mustJSONList(critique.PatchPlan), critique.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create critique: %w", err)
	}
	return nil
}

func (s *Store) ListTaskCritiques(ctx context.Context, taskID string) ([]domain.Critique, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, artifact_id, overall_score, policy_scores, pass_threshold, reasons, patch_plan, created_at
		FROM critiques WHERE task_id = ? ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list critiques: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Critique, 0)
	for rows.Next() {
		var c domain.Critique
		var scores, reasons, patchPlan string
		var pass int
		var created int64
		if err := rows.Scan(&c.ID, &c.TaskID, &c.ArtifactID, &c.OverallScore, &scores, &pass, &reasons, &patchPlan, &created); err != nil {
			return nil, fmt.Errorf("scan critique: %w", err)
		}
		c.PassThreshold = pass != 0
		c.CreatedAt = unixToTime(created)
		if err := json.Unmarshal([]byte(scores), &c.PolicyScores); err != nil {
			return nil, fmt.Errorf("parse policy scores: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &c.Reasons); err != nil {
			return nil, fmt.Errorf("parse critique reasons: %w", err)
		}
		if err := json.Unmarshal([]byte(patchPlan), &c.PatchPlan); err != nil {
			return nil, fmt.Errorf("parse patch plan: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate critiques: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var created int64
	var started, completed sql.NullInt64
	if err := row.Scan(
		&run.ID, &run.ProjectID, &status, &run.TotalTasks, &run.CompletedTasks,
		&run.FailedTasks, &run.TotalTokens, &run.TotalCostUSD, &created, &started, &completed,
	); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = unixToTime(created)
	run.StartedAt = int64ToTimePtr(started)
	run.CompletedAt = int64ToTimePtr(completed)
	return run, nil
}

func scanTask(row scanner) (domain.TaskRecord, error) {
	var t domain.TaskRecord
	var taskType, status, priority string
	var dependsOn, gatePolicies, inputData string
	var outputData, agentConfig sql.NullString
	var created int64
	var started, completed sql.NullInt64
	if err := row.Scan(
		&t.ID, &t.Name, &taskType, &status, &priority, &t.ProjectID, &t.RunID,
		&t.ParentTaskID, &dependsOn, &inputData, &outputData, &t.ErrorMessage,
		&gatePolicies, &t.MaxLoops, &t.CurrentLoop, &t.FallbackTask, &t.AgentPath,
		&agentConfig, &created, &started, &completed,
	); err != nil {
		return domain.TaskRecord{}, err
	}
	t.Type = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	t.InputData = []byte(inputData)
	if outputData.Valid {
		t.OutputData = []byte(outputData.String)
	}
	if agentConfig.Valid {
		t.AgentConfig = []byte(agentConfig.String)
	}
	if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("parse depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(gatePolicies), &t.GatePolicies); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("parse gate_policies: %w", err)
	}
	t.CreatedAt = unixToTime(created)
	t.StartedAt = int64ToTimePtr(started)
	t.CompletedAt = int64ToTimePtr(completed)
	return t, nil
}

func scanArtifact(row scanner) (domain.Artifact, error) {
	var a domain.Artifact
	var kind, derivedFrom string
	var content []byte
	var created int64
	if err := row.Scan(
		&a.ID, &a.TaskID, &a.ProjectID, &a.RunID, &a.Name, &kind, &a.Path,
		&a.Checksum, &content, &derivedFrom, &created,
	); err != nil {
		return domain.Artifact{}, err
	}
	a.Kind = domain.ArtifactKind(kind)
	a.Content = content
	a.CreatedAt = unixToTime(created)
	if err := json.Unmarshal([]byte(derivedFrom), &a.DerivedFrom); err != nil {
		return domain.Artifact{}, fmt.Errorf("parse derived_from: %w", err)
	}
	return a, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func mustJSONList[T any](items []T) string {
	if items == nil {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
