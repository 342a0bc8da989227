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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/apierror"
)

func TestPipelineTaskSLA(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	task := &PipelineTask{Status: TaskQueued, SLADeadline: now.Add(90 * time.Second)}
	assert.Equal(t, int64(90000), task.SLARemaining(now))
	assert.False(t, task.SLABreached(now))
	assert.False(t, task.IsTerminal())

	task.SLADeadline = now.Add(-time.Second)
	assert.True(t, task.SLABreached(now))

	task.Status = TaskSucceeded
	assert.True(t, task.IsTerminal())
	task.Status = TaskFailed
	assert.True(t, task.IsTerminal())
	task.Status = TaskBlocked
	assert.False(t, task.IsTerminal())
}

func TestTaskClaimEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("WITH next_task AS").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := &TaskStore{}
	task, err := store.Claim(context.Background(), db, time.Now())
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskClaimOrdering(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "task_type", "status", "priority", "sla_deadline", "sla_category",
		"estimated_tokens", "actual_tokens", "estimated_latency_ms", "duration_ms", "blocks_on_task_id",
		"blocked_by_quota", "blocked_reason", "attempts", "max_attempts", "last_error", "metadata",
		"trace_id", "created_at", "started_at", "completed_at",
	}).AddRow(
		"t1", "org1", "classification", TaskRunning, 5, now.Add(-time.Minute), "standard",
		100, 0, 500, 0, nil,
		false, "", 1, 3, "", []byte(`{}`),
		"trace-1", now.Add(-time.Hour), now, nil,
	)

	// breached deadlines first, then earliest deadline, priority, age
	mock.ExpectQuery(`ORDER BY \(sla_deadline < \$1\) DESC, sla_deadline ASC, priority DESC, created_at ASC`).
		WithArgs(now).
		WillReturnRows(rows)

	store := &TaskStore{}
	task, err := store.Claim(context.Background(), db, now)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, TaskRunning, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.True(t, task.SLABreached(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskMarkFailedRequeues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE pipeline_tasks").
		WithArgs("t1", "llm timeout").
		WillReturnRows(sqlmock.NewRows([]string{"status", "organization_id", "task_type"}).
			AddRow(TaskQueued, "org1", "classification"))

	store := &TaskStore{}
	status, err := store.MarkFailed(context.Background(), db, "t1", "llm timeout")
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskMarkFailedDeadLetters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE pipeline_tasks").
		WithArgs("t1", "llm timeout").
		WillReturnRows(sqlmock.NewRows([]string{"status", "organization_id", "task_type"}).
			AddRow(TaskFailed, "org1", "classification"))
	mock.ExpectExec("INSERT INTO dead_letter_tasks").
		WithArgs("t1", "org1", "classification", "llm timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := &TaskStore{}
	status, err := store.MarkFailed(context.Background(), db, "t1", "llm timeout")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskCancelConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE pipeline_tasks").
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := &TaskStore{}
	err = store.Cancel(context.Background(), db, "t1")
	require.Error(t, err)
	assert.Equal(t, 409, apierror.StatusOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRetryOnlyFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE pipeline_tasks").
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := &TaskStore{}
	err = store.Retry(context.Background(), db, "t1")
	require.Error(t, err)
	assert.Equal(t, 409, apierror.StatusOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
