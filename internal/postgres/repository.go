package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rainpenber/bili-stats-monitor/internal/domain"
)

// TaskRepository abstracts all database access for monitoring tasks and
// their metric samples.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	// ClaimDue atomically selects running tasks with next_due_at <= now
	// that are not already claimed, marks them claimed until now+claimTTL,
	// and returns them. Two concurrent calls never return the same task.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// ApplyDecision persists one lifecycle decision in a single
	// transaction: task state update, optional sample append, claim
	// cleared.
	ApplyDecision(ctx context.Context, taskID string, d domain.Decision, now time.Time) error

	// ReleaseClaim clears a claim without touching task state, so the
	// task is retried on the next tick after a processing failure.
	ReleaseClaim(ctx context.Context, taskID string) error

	// ReleaseExpiredClaims clears claims whose TTL has passed (crashed
	// worker, stuck fetch). Returns the number of claims released.
	ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error)

	// PauseExpiredAccountTasks pauses running tasks whose bound account
	// has gone invalid, instead of letting each burn a fetch to find out.
	PauseExpiredAccountTasks(ctx context.Context, now time.Time) (int64, error)

	// Trigger moves a running task's next due time to now.
	Trigger(ctx context.Context, id string, now time.Time) error
	// Resume moves a paused task back to running with an immediate due time.
	Resume(ctx context.Context, id string, now time.Time) error
	// Stop terminally stops a non-terminal task.
	Stop(ctx context.Context, id, reason string, now time.Time) error
}

type repository struct {
	pool     *pgxpool.Pool
	claimTTL time.Duration
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
// claimTTL bounds how long a claim survives a crashed worker.
func NewRepository(pool *pgxpool.Pool, claimTTL time.Duration) TaskRepository {
	return &repository{pool: pool, claimTTL: claimTTL}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, kind, target_id, title, strategy, status, reason,
	bound_account_id, consecutive_failures, created_at, updated_at,
	deadline, next_due_at`

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	strategy, err := json.Marshal(task.Strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, kind, target_id, title, strategy, status, reason,
			 bound_account_id, consecutive_failures, created_at, updated_at,
			 deadline, next_due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		task.ID, string(task.Kind), task.TargetID, task.Title, strategy,
		string(task.Status), task.Reason, task.BoundAccountID,
		task.ConsecutiveFailures, task.CreatedAt, task.UpdatedAt,
		task.Deadline, task.NextDueAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *repository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *repository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	// SKIP LOCKED keeps overlapping ticks (or a second collector that
	// briefly believes it is leader) from claiming the same rows.
	rows, err := r.pool.Query(ctx, `
		UPDATE tasks SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'running'
			  AND next_due_at <= $1
			  AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY next_due_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		now, now.Add(r.claimTTL), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *repository) ApplyDecision(ctx context.Context, taskID string, d domain.Decision, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decision tx for %s: %w", taskID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $1, reason = $2, consecutive_failures = $3,
		    next_due_at = $4, claimed_until = NULL, updated_at = $5
		WHERE id = $6
	`, string(d.Status), d.Reason, d.ConsecutiveFailures, d.NextDueAt, now, taskID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}

	if d.Sample != nil {
		if err := insertSample(ctx, tx, taskID, d.Sample); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit decision for %s: %w", taskID, err)
	}
	return nil
}

func insertSample(ctx context.Context, tx pgx.Tx, taskID string, s *domain.MetricSample) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	switch {
	case s.Video != nil:
		_, err := tx.Exec(ctx, `
			INSERT INTO video_metrics
				(id, task_id, collected_at, view_count, danmaku, like_count,
				 coin, favorite, share, reply, online)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			s.ID, taskID, s.CollectedAt,
			s.Video.View, s.Video.Danmaku, s.Video.Like, s.Video.Coin,
			s.Video.Favorite, s.Video.Share, s.Video.Reply, s.Video.Online,
		)
		if err != nil {
			return fmt.Errorf("insert video sample for %s: %w", taskID, err)
		}
	case s.Author != nil:
		_, err := tx.Exec(ctx, `
			INSERT INTO author_metrics (id, task_id, collected_at, follower)
			VALUES ($1, $2, $3, $4)
		`, s.ID, taskID, s.CollectedAt, s.Author.Follower)
		if err != nil {
			return fmt.Errorf("insert author sample for %s: %w", taskID, err)
		}
	default:
		return fmt.Errorf("sample for %s carries no payload", taskID)
	}
	return nil
}

func (r *repository) ReleaseClaim(ctx context.Context, taskID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tasks SET claimed_until = NULL WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("release claim for %s: %w", taskID, err)
	}
	return nil
}

func (r *repository) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET claimed_until = NULL
		WHERE claimed_until IS NOT NULL AND claimed_until < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repository) PauseExpiredAccountTasks(ctx context.Context, now time.Time) (int64, error) {
	// Tasks bound to an expired account still fall back to the default
	// account; only pause when that fallback does not exist either.
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'paused', reason = 'bound account expired',
		    next_due_at = NULL, claimed_until = NULL, updated_at = $1
		WHERE status = 'running'
		  AND bound_account_id <> ''
		  AND EXISTS (
			SELECT 1 FROM bili_accounts a
			WHERE a.id = tasks.bound_account_id AND a.status = 'expired'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM bili_accounts
			WHERE is_default = TRUE AND status = 'valid'
		  )
	`, now)
	if err != nil {
		return 0, fmt.Errorf("pause expired-account tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repository) Trigger(ctx context.Context, id string, now time.Time) error {
	return r.conditionalUpdate(ctx, id, "trigger", `
		UPDATE tasks SET next_due_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'running'
	`, now, id)
}

func (r *repository) Resume(ctx context.Context, id string, now time.Time) error {
	return r.conditionalUpdate(ctx, id, "resume", `
		UPDATE tasks
		SET status = 'running', reason = '', consecutive_failures = 0,
		    next_due_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'paused'
	`, now, id)
}

func (r *repository) Stop(ctx context.Context, id, reason string, now time.Time) error {
	return r.conditionalUpdate(ctx, id, "stop", `
		UPDATE tasks
		SET status = 'stopped', reason = $3, next_due_at = NULL,
		    claimed_until = NULL, updated_at = $1
		WHERE id = $2 AND status IN ('running', 'paused')
	`, now, id, reason)
}

// conditionalUpdate runs a guarded single-row update and translates
// "no rows" into a typed domain error.
func (r *repository) conditionalUpdate(ctx context.Context, id, action, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s task %s: %w", action, id, err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &domain.InvalidTransitionError{TaskID: id, From: current.Status, Action: action}
	}
	return nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var kind, status string
	var strategy []byte
	err := row.Scan(
		&task.ID, &kind, &task.TargetID, &task.Title, &strategy,
		&status, &task.Reason, &task.BoundAccountID,
		&task.ConsecutiveFailures, &task.CreatedAt, &task.UpdatedAt,
		&task.Deadline, &task.NextDueAt,
	)
	if err != nil {
		return nil, err
	}
	task.Kind = domain.Kind(kind)
	task.Status = domain.Status(status)
	if err := json.Unmarshal(strategy, &task.Strategy); err != nil {
		return nil, fmt.Errorf("unmarshal strategy for %s: %w", task.ID, err)
	}
	return &task, nil
}
