// Copyright 2025 Memoros Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
)

// TaskStore persists the SLA-ordered pipeline task queue.
type TaskStore struct{}

const taskColumns = `id, organization_id, task_type, status, priority, sla_deadline, sla_category,
	estimated_tokens, actual_tokens, estimated_latency_ms, duration_ms, blocks_on_task_id,
	blocked_by_quota, blocked_reason, attempts, max_attempts, last_error, metadata, trace_id,
	created_at, started_at, completed_at`

// Insert enqueues a task with the status already decided by the scheduler
// (queued, or blocked when over quota / waiting on a dependency).
func (s *TaskStore) Insert(ctx context.Context, q DBTX, t *PipelineTask) error {
	metadata, err := jsonArg(orEmptyMap(t.Metadata))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO pipeline_tasks (organization_id, task_type, status, priority, sla_deadline,
			sla_category, estimated_tokens, estimated_latency_ms, blocks_on_task_id,
			blocked_by_quota, blocked_reason, max_attempts, metadata, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, attempts, created_at`
	err = q.QueryRowContext(ctx, query,
		t.OrganizationID, t.TaskType, t.Status, t.Priority, t.SLADeadline,
		t.SLACategory, t.EstimatedTokens, t.EstimatedLatencyMS, nullString(t.BlocksOnTaskID),
		t.BlockedByQuota, t.BlockedReason, t.MaxAttempts, metadata, t.TraceID,
	).Scan(&t.ID, &t.Attempts, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline task: %w", err)
	}
	return nil
}

// Claim selects one queued task, SLA-ordered, and transitions it to
// running. FOR UPDATE SKIP LOCKED keeps concurrent workers off the same
// row. Returns nil when the queue is empty.
//
// Ordering: breached deadlines first, then earliest deadline, then highest
// priority, then oldest. Tenant fairness is deliberately not part of the
// ordering; quotas block tasks before they reach the queue.
func (s *TaskStore) Claim(ctx context.Context, q DBTX, now time.Time) (*PipelineTask, error) {
	query := `
		WITH next_task AS (
			SELECT id FROM pipeline_tasks
			WHERE status = 'queued'
			ORDER BY (sla_deadline < $1) DESC, sla_deadline ASC, priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE pipeline_tasks t
		SET status = 'running', started_at = $1, attempts = attempts + 1
		FROM next_task
		WHERE t.id = next_task.id
		RETURNING ` + taskColumnsPrefixed("t")
	task, err := scanTask(q.QueryRowContext(ctx, query, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// Get returns one task by id.
func (s *TaskStore) Get(ctx context.Context, q DBTX, id string) (*PipelineTask, error) {
	query := `SELECT ` + taskColumns + ` FROM pipeline_tasks WHERE id = $1`
	task, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return task, err
}

// MarkSucceeded finishes a running task with its resource metrics.
func (s *TaskStore) MarkSucceeded(ctx context.Context, q DBTX, id string, actualTokens, durationMS int) error {
	const query = `
		UPDATE pipeline_tasks
		SET status = 'succeeded', actual_tokens = $2, duration_ms = $3, completed_at = now(), last_error = ''
		WHERE id = $1 AND status = 'running'`
	res, err := q.ExecContext(ctx, query, id, actualTokens, durationMS)
	if err != nil {
		return fmt.Errorf("failed to mark task succeeded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// MarkFailed records an error on a running task. With attempts remaining
// the task re-queues; otherwise it transitions to failed and lands in the
// dead-letter table with reason max_retries_exceeded. Returns the final
// status.
func (s *TaskStore) MarkFailed(ctx context.Context, q DBTX, id, errMsg string) (string, error) {
	const query = `
		UPDATE pipeline_tasks
		SET status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
			last_error = $2,
			completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END
		WHERE id = $1 AND status = 'running'
		RETURNING status, organization_id, task_type`
	var status, orgID, taskType string
	err := q.QueryRowContext(ctx, query, id, errMsg).Scan(&status, &orgID, &taskType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apierror.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark task failed: %w", err)
	}
	if status == TaskFailed {
		const dlq = `
			INSERT INTO dead_letter_tasks (task_id, organization_id, task_type, reason, last_error)
			VALUES ($1, $2, $3, 'max_retries_exceeded', $4)`
		if _, err := q.ExecContext(ctx, dlq, id, orgID, taskType, errMsg); err != nil {
			return "", fmt.Errorf("failed to dead-letter task: %w", err)
		}
	}
	return status, nil
}

// MarkBlocked parks a task until a dependency completes or a quota frees.
func (s *TaskStore) MarkBlocked(ctx context.Context, q DBTX, id, reason string, blocksOn *string, byQuota bool) error {
	const query = `
		UPDATE pipeline_tasks
		SET status = 'blocked', blocked_reason = $2, blocks_on_task_id = $3, blocked_by_quota = $4
		WHERE id = $1 AND status IN ('queued', 'running')`
	res, err := q.ExecContext(ctx, query, id, reason, nullString(blocksOn), byQuota)
	if err != nil {
		return fmt.Errorf("failed to mark task blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// Cancel fails a queued or running task with reason cancelled.
func (s *TaskStore) Cancel(ctx context.Context, q DBTX, id string) error {
	const query = `
		UPDATE pipeline_tasks
		SET status = 'failed', last_error = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'running', 'blocked')`
	res, err := q.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.New(409, "conflict", "task is not cancellable")
	}
	return nil
}

// Retry requeues a failed task, clearing its error and attempt count.
func (s *TaskStore) Retry(ctx context.Context, q DBTX, id string) error {
	const query = `
		UPDATE pipeline_tasks
		SET status = 'queued', last_error = '', attempts = 0, completed_at = NULL, started_at = NULL
		WHERE id = $1 AND status = 'failed'`
	res, err := q.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to retry task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.New(409, "conflict", "only failed tasks can be retried")
	}
	return nil
}

// SetPriority changes a queued task's priority.
func (s *TaskStore) SetPriority(ctx context.Context, q DBTX, id string, priority int) error {
	const query = `UPDATE pipeline_tasks SET priority = $2 WHERE id = $1 AND status = 'queued'`
	res, err := q.ExecContext(ctx, query, id, priority)
	if err != nil {
		return fmt.Errorf("failed to set task priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.New(409, "conflict", "priority can only change while queued")
	}
	return nil
}

// UnblockDependents requeues tasks blocked on a completed dependency.
func (s *TaskStore) UnblockDependents(ctx context.Context, q DBTX, completedTaskID string) (int64, error) {
	const query = `
		UPDATE pipeline_tasks
		SET status = 'queued', blocked_reason = '', blocks_on_task_id = NULL
		WHERE status = 'blocked' AND blocks_on_task_id = $1`
	res, err := q.ExecContext(ctx, query, completedTaskID)
	if err != nil {
		return 0, fmt.Errorf("failed to unblock dependent tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnblockQuota requeues up to limit quota-blocked tasks of the org, oldest
// first. The quota reconciler calls it as windows free up.
func (s *TaskStore) UnblockQuota(ctx context.Context, q DBTX, orgID string, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		UPDATE pipeline_tasks
		SET status = 'queued', blocked_reason = '', blocked_by_quota = FALSE
		WHERE id IN (
			SELECT id FROM pipeline_tasks
			WHERE organization_id = $1 AND status = 'blocked' AND blocked_by_quota = TRUE
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`
	res, err := q.ExecContext(ctx, query, orgID, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to unblock quota tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TaskFilter narrows List.
type TaskFilter struct {
	Status   string
	TaskType string
	Limit    int
	Offset   int
}

// List returns tasks newest-first.
func (s *TaskStore) List(ctx context.Context, q DBTX, f TaskFilter) ([]*PipelineTask, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM pipeline_tasks WHERE TRUE`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.TaskType != "" {
		args = append(args, f.TaskType)
		query += fmt.Sprintf(" AND task_type = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListDependencies returns the chain of tasks this task blocks on, nearest
// first.
func (s *TaskStore) ListDependencies(ctx context.Context, q DBTX, id string) ([]*PipelineTask, error) {
	query := `
		WITH RECURSIVE deps AS (
			SELECT ` + taskColumns + `, 1 AS depth
			FROM pipeline_tasks WHERE id = (SELECT blocks_on_task_id FROM pipeline_tasks WHERE id = $1)
			UNION ALL
			SELECT ` + taskColumnsPrefixed("t") + `, d.depth + 1
			FROM pipeline_tasks t
			JOIN deps d ON t.id = d.blocks_on_task_id
			WHERE d.depth < 16
		)
		SELECT ` + taskColumns + ` FROM deps ORDER BY depth`
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list task dependencies: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// QueueStats is the per-org aggregate snapshot.
type QueueStats struct {
	CountsByStatus    map[string]int `json:"counts_by_status"`
	Breached          int            `json:"breached"`
	LastHourSucceeded int            `json:"last_hour_succeeded"`
	LastHourFailed    int            `json:"last_hour_failed"`
	AvgQueueMS        float64        `json:"avg_queue_ms"`
	AvgExecMS         float64        `json:"avg_exec_ms"`
	SLAComplianceRate float64        `json:"sla_compliance_rate"`
	DepthByTaskType   map[string]int `json:"depth_by_task_type"`
	BreachByCategory  map[string]int `json:"breach_by_sla_category"`
}

// Stats computes the aggregate snapshot for the session org.
func (s *TaskStore) Stats(ctx context.Context, q DBTX, now time.Time) (*QueueStats, error) {
	stats := &QueueStats{
		CountsByStatus:   map[string]int{},
		DepthByTaskType:  map[string]int{},
		BreachByCategory: map[string]int{},
	}

	rows, err := q.QueryContext(ctx, `SELECT status, count(*) FROM pipeline_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	if err := scanCounts(rows, stats.CountsByStatus); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx,
		`SELECT task_type, count(*) FROM pipeline_tasks WHERE status = 'queued' GROUP BY task_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	if err := scanCounts(rows, stats.DepthByTaskType); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `
		SELECT sla_category, count(*) FROM pipeline_tasks
		WHERE sla_deadline < $1 AND status IN ('queued', 'running', 'blocked')
		GROUP BY sla_category`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count SLA breaches: %w", err)
	}
	if err := scanCounts(rows, stats.BreachByCategory); err != nil {
		return nil, err
	}
	for _, n := range stats.BreachByCategory {
		stats.Breached += n
	}

	const summary = `
		SELECT
			count(*) FILTER (WHERE status = 'succeeded' AND completed_at >= $1 - interval '1 hour'),
			count(*) FILTER (WHERE status = 'failed' AND completed_at >= $1 - interval '1 hour'),
			coalesce(avg(EXTRACT(EPOCH FROM (started_at - created_at)) * 1000) FILTER (WHERE started_at IS NOT NULL), 0),
			coalesce(avg(duration_ms) FILTER (WHERE status = 'succeeded'), 0),
			coalesce(avg(CASE WHEN completed_at <= sla_deadline THEN 1.0 ELSE 0.0 END)
				FILTER (WHERE status = 'succeeded'), 1.0)
		FROM pipeline_tasks`
	err = q.QueryRowContext(ctx, summary, now).Scan(
		&stats.LastHourSucceeded, &stats.LastHourFailed,
		&stats.AvgQueueMS, &stats.AvgExecMS, &stats.SLAComplianceRate)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize queue stats: %w", err)
	}
	return stats, nil
}

// HourlyBucket is one hour of completion history.
type HourlyBucket struct {
	Hour      time.Time `json:"hour"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Breached  int       `json:"breached"`
}

// StatsHistory returns per-hour completion counts for the trailing window.
func (s *TaskStore) StatsHistory(ctx context.Context, q DBTX, since time.Time) ([]HourlyBucket, error) {
	const query = `
		SELECT date_trunc('hour', completed_at) AS hour,
			count(*) FILTER (WHERE status = 'succeeded'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE completed_at > sla_deadline)
		FROM pipeline_tasks
		WHERE completed_at >= $1
		GROUP BY hour ORDER BY hour`
	rows, err := q.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats history: %w", err)
	}
	defer rows.Close()

	var out []HourlyBucket
	for rows.Next() {
		var b HourlyBucket
		if err := rows.Scan(&b.Hour, &b.Succeeded, &b.Failed, &b.Breached); err != nil {
			return nil, fmt.Errorf("failed to scan stats bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListDeadLetters returns quarantined tasks newest-first.
func (s *TaskStore) ListDeadLetters(ctx context.Context, q DBTX, limit int) ([]*DeadLetterTask, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, task_id, organization_id, task_type, reason, last_error, created_at
		FROM dead_letter_tasks ORDER BY created_at DESC LIMIT $1`
	rows, err := q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetterTask
	for rows.Next() {
		var d DeadLetterTask
		if err := rows.Scan(&d.ID, &d.TaskID, &d.OrganizationID, &d.TaskType,
			&d.Reason, &d.LastError, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// CountRunningOlderThan finds stuck running tasks for timeout enforcement.
func (s *TaskStore) ListRunningOlderThan(ctx context.Context, q DBTX, before time.Time, limit int) ([]*PipelineTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM pipeline_tasks
		WHERE status = 'running' AND started_at < $1
		LIMIT $2`
	rows, err := q.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list running tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func taskColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.organization_id, ` + alias + `.task_type, ` + alias + `.status, ` +
		alias + `.priority, ` + alias + `.sla_deadline, ` + alias + `.sla_category, ` +
		alias + `.estimated_tokens, ` + alias + `.actual_tokens, ` + alias + `.estimated_latency_ms, ` +
		alias + `.duration_ms, ` + alias + `.blocks_on_task_id, ` + alias + `.blocked_by_quota, ` +
		alias + `.blocked_reason, ` + alias + `.attempts, ` + alias + `.max_attempts, ` +
		alias + `.last_error, ` + alias + `.metadata, ` + alias + `.trace_id, ` +
		alias + `.created_at, ` + alias + `.started_at, ` + alias + `.completed_at`
}

func scanCounts(rows *sql.Rows, dst map[string]int) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan count: %w", err)
		}
		dst[key] = n
	}
	return rows.Err()
}

func scanTask(row *sql.Row) (*PipelineTask, error) {
	var (
		t                              PipelineTask
		blocksOn                       sql.NullString
		metadata                       []byte
		startedAt, completedAt         sql.NullTime
	)
	err := row.Scan(&t.ID, &t.OrganizationID, &t.TaskType, &t.Status, &t.Priority, &t.SLADeadline,
		&t.SLACategory, &t.EstimatedTokens, &t.ActualTokens, &t.EstimatedLatencyMS, &t.DurationMS,
		&blocksOn, &t.BlockedByQuota, &t.BlockedReason, &t.Attempts, &t.MaxAttempts,
		&t.LastError, &metadata, &t.TraceID, &t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.BlocksOnTaskID = stringPtr(blocksOn)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	if err := scanJSON(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*PipelineTask, error) {
	var out []*PipelineTask
	for rows.Next() {
		var (
			t                      PipelineTask
			blocksOn               sql.NullString
			metadata               []byte
			startedAt, completedAt sql.NullTime
		)
		err := rows.Scan(&t.ID, &t.OrganizationID, &t.TaskType, &t.Status, &t.Priority, &t.SLADeadline,
			&t.SLACategory, &t.EstimatedTokens, &t.ActualTokens, &t.EstimatedLatencyMS, &t.DurationMS,
			&blocksOn, &t.BlockedByQuota, &t.BlockedReason, &t.Attempts, &t.MaxAttempts,
			&t.LastError, &metadata, &t.TraceID, &t.CreatedAt, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		t.BlocksOnTaskID = stringPtr(blocksOn)
		t.StartedAt = timePtr(startedAt)
		t.CompletedAt = timePtr(completedAt)
		if err := scanJSON(metadata, &t.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
