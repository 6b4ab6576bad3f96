package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskforge/internal/domain"
)

// EnqueueItem inserts a queue item guarded by an idempotency key. A duplicate
// key is a no-op and reports false so retried submissions cannot double-run
// a task.
func (s *Store) EnqueueItem(ctx context.Context, item QueueItem, idempotencyKey string) (bool, error) {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	if item.Status == "" {
		item.Status = QueueItemPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx enqueue item: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO idempotency_keys(key, queue_item_id, created_at) VALUES(?, ?, ?)`,
		idempotencyKey, item.ID, now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO queue_items(
			id, task_id, queue, task_type, status, attempts, max_attempts, fence_token,
			lease_until, next_attempt_at, last_error, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TaskID, item.Queue, string(item.TaskType), item.Status, item.Attempts,
		item.MaxAttempts, item.FenceToken, nullableUnix(item.LeaseUntil),
		item.NextAttemptAt.Unix(), item.LastError, item.CreatedAt.Unix(), item.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit enqueue item: %w", err)
	}
	return true, nil
}

// ClaimItem leases the oldest dispatchable item on the queue. The claim
// consumes an attempt and stamps the item with fenceToken; the token must be
// presented again to complete, fail or release the attempt.
func (s *Store) ClaimItem(ctx context.Context, queue string, now time.Time, lease time.Duration, fenceToken string) (QueueItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("begin tx claim item: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(
		ctx,
		`SELECT id, task_id, queue, task_type, status, attempts, max_attempts, fence_token,
			lease_until, next_attempt_at, last_error, created_at, updated_at
		FROM queue_items
		WHERE queue = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT 1`,
		queue, QueueItemPending, now.Unix(),
	)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, false, nil
		}
		return QueueItem{}, false, fmt.Errorf("select claimable item: %w", err)
	}

	leaseUntil := now.Add(lease)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE queue_items
		SET status = ?, attempts = attempts + 1, fence_token = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		QueueItemLeased, fenceToken, leaseUntil.Unix(), now.Unix(), item.ID, QueueItemPending,
	)
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("lease queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("lease rows affected: %w", err)
	}
	if affected == 0 {
		return QueueItem{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return QueueItem{}, false, fmt.Errorf("commit claim item: %w", err)
	}

	item.Status = QueueItemLeased
	item.Attempts++
	item.FenceToken = fenceToken
	item.LeaseUntil = &leaseUntil
	return item, true, nil
}

// CompleteItem marks a leased item done. The stamp succeeds only while the
// fence token matches; a stale worker whose lease was reassigned gets
// ErrStaleAttempt instead of committing a duplicate terminal state.
func (s *Store) CompleteItem(ctx context.Context, itemID, fenceToken string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items SET status = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND fence_token = ?`,
		QueueItemDone, time.Now().UTC().Unix(), itemID, QueueItemLeased, fenceToken,
	)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrStaleAttempt
	}
	return nil
}

// FailAttempt records a failed attempt. While attempts remain the item goes
// back to pending at retryAt; otherwise it is terminally failed. Reports
// whether a retry was scheduled.
func (s *Store) FailAttempt(ctx context.Context, itemID, fenceToken, lastError string, retryAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx fail attempt: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attempts, maxAttempts int
	var token, status string
	if err := tx.QueryRowContext(
		ctx,
		`SELECT attempts, max_attempts, fence_token, status FROM queue_items WHERE id = ?`,
		itemID,
	).Scan(&attempts, &maxAttempts, &token, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("queue item not found: %s", itemID)
		}
		return false, fmt.Errorf("read queue item: %w", err)
	}
	if status != QueueItemLeased || token != fenceToken {
		return false, domain.ErrStaleAttempt
	}

	now := time.Now().UTC().Unix()
	if attempts >= maxAttempts {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE queue_items SET status = ?, lease_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
			QueueItemFailed, lastError, now, itemID,
		); err != nil {
			return false, fmt.Errorf("mark queue item failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit fail attempt: %w", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE queue_items
		SET status = ?, lease_until = NULL, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		QueueItemPending, retryAt.Unix(), lastError, now, itemID,
	); err != nil {
		return false, fmt.Errorf("schedule attempt retry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit attempt retry: %w", err)
	}
	return true, nil
}

// ReleaseItem puts a leased item back without consuming retry budget, used
// when a claim is rolled back for rate limiting rather than failure.
func (s *Store) ReleaseItem(ctx context.Context, itemID, fenceToken string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items
		SET status = ?, attempts = attempts - 1, lease_until = NULL, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND fence_token = ?`,
		QueueItemPending, nextAttemptAt.Unix(), time.Now().UTC().Unix(),
		itemID, QueueItemLeased, fenceToken,
	)
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrStaleAttempt
	}
	return nil
}

// ListExpiredLeases returns leased items whose lease passed. Acknowledgement
// is deferred until completion, so a worker crash surfaces here as an
// expired lease and the item is redelivered.
func (s *Store) ListExpiredLeases(ctx context.Context, limit int, now time.Time) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, queue, task_type, status, attempts, max_attempts, fence_token,
			lease_until, next_attempt_at, last_error, created_at, updated_at
		FROM queue_items
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until <= ?
		ORDER BY lease_until ASC
		LIMIT ?`,
		QueueItemLeased, now.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	result := make([]QueueItem, 0, limit)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return result, nil
}

func (s *Store) GetQueueItem(ctx context.Context, itemID string) (QueueItem, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, task_id, queue, task_type, status, attempts, max_attempts, fence_token,
			lease_until, next_attempt_at, last_error, created_at, updated_at
		FROM queue_items WHERE id = ?`,
		itemID,
	)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, fmt.Errorf("queue item not found: %s", itemID)
		}
		return QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

func (s *Store) RecordDispatch(ctx context.Context, taskType domain.TaskType, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO queue_dispatches(task_type, dispatched_at) VALUES(?, ?)`,
		string(taskType), at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

func (s *Store) CountRecentDispatches(ctx context.Context, taskType domain.TaskType, since time.Time) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM queue_dispatches WHERE task_type = ? AND dispatched_at > ?`,
		string(taskType), since.Unix(),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count recent dispatches: %w", err)
	}
	return count, nil
}

// PruneDispatches drops rate-limit bookkeeping older than the cutoff.
func (s *Store) PruneDispatches(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM queue_dispatches WHERE dispatched_at <= ?`,
		before.Unix(),
	)
	if err != nil {
		return fmt.Errorf("prune dispatches: %w", err)
	}
	return nil
}

func scanQueueItem(row scanner) (QueueItem, error) {
	var item QueueItem
	var taskType string
	var leaseUntil sql.NullInt64
	var nextAttempt, created, updated int64
	if err := row.Scan(
		&item.ID, &item.TaskID, &item.Queue, &taskType, &item.Status, &item.Attempts,
		&item.MaxAttempts, &item.FenceToken, &leaseUntil, &nextAttempt, &item.LastError,
		&created, &updated,
	); err != nil {
		return QueueItem{}, err
	}
	item.TaskType = domain.TaskType(taskType)
	item.LeaseUntil = int64ToTimePtr(leaseUntil)
	item.NextAttemptAt = unixToTime(nextAttempt)
	item.CreatedAt = unixToTime(created)
	item.UpdatedAt = unixToTime(updated)
	return item, nil
}
