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

package scheduler

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/ratelimit"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

func testConfig() config.SchedulerConfig {
	cfg := config.SchedulerConfig{}
	cfg.SetDefaults()
	return cfg
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	return New(store.NewDB(handle), testConfig(), nil, nil, nil), mock
}

func expectTenantTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestEnqueueDefaults(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	expectTenantTx(mock)
	mock.ExpectQuery("INSERT INTO pipeline_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempts", "created_at"}).
			AddRow("t1", 0, now))
	mock.ExpectCommit()

	tc := &tenant.Context{UserID: "u", OrganizationID: "org1", TraceID: "tr"}
	task, err := svc.Enqueue(context.Background(), tc, EnqueueRequest{TaskType: TaskAccessUpdate})
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, store.TaskQueued, task.Status)
	assert.Equal(t, SLABackground, task.SLACategory)
	assert.Equal(t, now.Add(5*time.Minute), task.SLADeadline, "access_update default SLA window")
	assert.Equal(t, 3, task.MaxAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRequiresTaskType(t *testing.T) {
	svc, _ := newTestService(t)
	tc := &tenant.Context{UserID: "u", OrganizationID: "org1"}
	_, err := svc.Enqueue(context.Background(), tc, EnqueueRequest{})
	assert.Error(t, err)
}

func TestEnqueueDisabledIsNoop(t *testing.T) {
	svc, mock := newTestService(t)
	svc.cfg.Enabled = config.BoolPtr(false)

	tc := &tenant.Context{UserID: "u", OrganizationID: "org1"}
	task, err := svc.Enqueue(context.Background(), tc, EnqueueRequest{TaskType: TaskAccessUpdate})
	require.NoError(t, err)
	assert.Nil(t, task, "disabled queue swallows enqueues silently")
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL issued")
}

func TestEnqueueOverQuotaBlocks(t *testing.T) {
	svc, mock := newTestService(t)

	rlCfg := config.RateLimitConfig{OrgTasksPerHour: 1}
	rlCfg.SetDefaults()
	rlCfg.OrgTasksPerHour = 1
	svc.limiter = ratelimit.New(rlCfg, nil)

	tc := &tenant.Context{UserID: "u", OrganizationID: "org1"}

	for i, wantStatus := range []string{store.TaskQueued, store.TaskBlocked} {
		expectTenantTx(mock)
		mock.ExpectQuery("INSERT INTO pipeline_tasks").
			WillReturnRows(sqlmock.NewRows([]string{"id", "attempts", "created_at"}).
				AddRow("t", 0, time.Now()))
		mock.ExpectCommit()

		task, err := svc.Enqueue(context.Background(), tc, EnqueueRequest{TaskType: TaskAgentRun})
		require.NoError(t, err, "enqueue %d", i)
		assert.Equal(t, wantStatus, task.Status)
		if wantStatus == store.TaskBlocked {
			assert.True(t, task.BlockedByQuota)
			assert.Equal(t, "quota", task.BlockedReason)
		}
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDependencyBlocks(t *testing.T) {
	svc, mock := newTestService(t)

	expectTenantTx(mock)
	mock.ExpectQuery("INSERT INTO pipeline_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempts", "created_at"}).
			AddRow("t2", 0, time.Now()))
	mock.ExpectCommit()

	dep := "t1"
	tc := &tenant.Context{UserID: "u", OrganizationID: "org1"}
	task, err := svc.Enqueue(context.Background(), tc, EnqueueRequest{
		TaskType:       TaskAgentRun,
		BlocksOnTaskID: &dep,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, task.Status)
	assert.Equal(t, "dependency", task.BlockedReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterHandlerRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	h := func(context.Context, *tenant.Context, *store.PipelineTask) error { return nil }
	require.NoError(t, svc.RegisterHandler(TaskGoalProposal, h))
	assert.Error(t, svc.RegisterHandler(TaskGoalProposal, h),
		"duplicate registration is a wiring bug")
}

func TestDeriveSLACategory(t *testing.T) {
	assert.Equal(t, SLABackground, deriveSLACategory(TaskAccessUpdate))
	assert.Equal(t, SLABackground, deriveSLACategory(TaskCoactivationUpdate))
	assert.Equal(t, SLAStandard, deriveSLACategory(TaskAgentRun))
	assert.Equal(t, SLAStandard, deriveSLACategory("anything_else"))
}

func TestTaskTimeout(t *testing.T) {
	svc, _ := newTestService(t)

	// Floor applies to quick tasks.
	quick := &store.PipelineTask{EstimatedLatencyMS: 100}
	assert.Equal(t, svc.cfg.MinTaskTimeout, svc.taskTimeout(quick))

	// 5x estimate above the floor.
	slow := &store.PipelineTask{EstimatedLatencyMS: 30000}
	assert.Equal(t, 150*time.Second, svc.taskTimeout(slow))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, 2*time.Second, svc.backoff(1))
	assert.Equal(t, 4*time.Second, svc.backoff(2))
	assert.Equal(t, 8*time.Second, svc.backoff(3))
	assert.LessOrEqual(t, svc.backoff(30), maxBackoff)
}

func TestEstimateTokensFallback(t *testing.T) {
	svc, _ := newTestService(t)
	n := svc.estimateTokens("a short memory about queue deadlines")
	assert.Greater(t, n, 0)
}
