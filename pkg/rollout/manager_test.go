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

//go:build !norollout

package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

func testManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	m, err := New(store.NewDB(handle), nil, nil, config.RolloutConfig{})
	require.NoError(t, err)
	return m, mock
}

func expectTenantTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
}

func policyRow(id string, version int, status string, successes, failures int) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "policy_name", "version", "rollout_status", "rollout_percentage",
		"canary_group_ids", "policy_config", "validation_schema", "success_count", "failure_count",
		"activated_at", "superseded_by_version", "rolled_back_to_version", "rollback_reason",
		"created_at", "updated_at",
	})
	rows.AddRow(
		id, "org1", "feedback_learning", version, status, 0.0,
		[]byte(`[]`), []byte(`{"enabled": true}`), []byte(`{}`), successes, failures,
		nil, nil, nil, "", now, now)
	return rows
}

func TestCreatePolicyVersionGeneratesSchema(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("INSERT INTO policy_versions").WillReturnRows(
		sqlmock.NewRows([]string{"id", "version", "created_at", "updated_at"}).
			AddRow("p1", 3, now, now))
	mock.ExpectCommit()

	p, err := m.CreatePolicyVersion(context.Background(), tc, "feedback_learning",
		map[string]any{"enabled": true, "stopwords": []any{"the"}})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Version)
	assert.Equal(t, store.RolloutDraft, p.RolloutStatus)
	assert.NotEmpty(t, p.ValidationSchema)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePolicyVersionRejectsUnknownConfigKeys(t *testing.T) {
	m, _ := testManager(t)
	tc := tenant.NewSystem("org1")

	_, err := m.CreatePolicyVersion(context.Background(), tc, "feedback_learning",
		map[string]any{"enabld": true})
	assert.ErrorIs(t, err, apierror.ErrValidation)
}

func TestDeployToCanaryOnlyFromDraft(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p1", 2, store.RolloutStaged, 0, 0))
	mock.ExpectRollback()

	_, err := m.DeployToCanary(context.Background(), tc, "p1", []string{"team-a"})
	require.Error(t, err)
	assert.Equal(t, 409, apierror.StatusOf(err))
	assert.Equal(t, "invalid_transition", apierror.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteToStagedValidatesPercentage(t *testing.T) {
	m, _ := testManager(t)
	tc := tenant.NewSystem("org1")

	_, err := m.PromoteToStaged(context.Background(), tc, "p1", 1.5)
	assert.ErrorIs(t, err, apierror.ErrValidation)
}

func TestActivateFullySupersedesCurrentActive(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p2", 2, store.RolloutStaged, 0, 0))
	mock.ExpectQuery("rollout_status = 'active'").WillReturnRows(
		policyRow("p1", 1, store.RolloutActive, 0, 0))
	mock.ExpectExec("rollout_status = 'superseded'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE policy_versions SET rollout_status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := m.ActivateFully(context.Background(), tc, "p2")
	require.NoError(t, err)
	assert.Equal(t, store.RolloutActive, p.RolloutStatus)
	assert.Equal(t, 1.0, p.RolloutPercentage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackReactivatesPreviousActive(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p2", 2, store.RolloutActive, 0, 0))
	// Version history: the failing v2 and its superseded predecessor.
	history := policyRow("p2", 2, store.RolloutActive, 0, 0)
	history.AddRow("p1", "org1", "feedback_learning", 1, store.RolloutSuperseded, 0.0,
		[]byte(`[]`), []byte(`{}`), []byte(`{}`), 0, 0, nil, nil, nil, "",
		time.Now(), time.Now())
	mock.ExpectQuery("FROM policy_versions WHERE TRUE").WillReturnRows(history)
	mock.ExpectExec("rollout_status = 'rolled_back'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("rollout_status = 'active', rollout_percentage = 1.0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := m.Rollback(context.Background(), tc, "p2", "bad error rate", nil)
	require.NoError(t, err)
	assert.Equal(t, store.RolloutRolledBack, p.RolloutStatus)
	require.NotNil(t, p.RolledBackToVersion)
	assert.Equal(t, 1, *p.RolledBackToVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackOnlyFromStagedOrActive(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p1", 1, store.RolloutDraft, 0, 0))
	mock.ExpectRollback()

	_, err := m.Rollback(context.Background(), tc, "p1", "never deployed", nil)
	require.Error(t, err)
	assert.Equal(t, 409, apierror.StatusOf(err))
	assert.Equal(t, "invalid_transition", apierror.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEvaluationReturnsErrorRate(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	expectTenantTx(mock)
	mock.ExpectQuery("success_count = success_count").WillReturnRows(
		sqlmock.NewRows([]string{"success_count", "failure_count"}).AddRow(80, 20))
	mock.ExpectCommit()

	rate, err := m.RecordEvaluation(context.Background(), tc, "p1", false)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, rate, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAutoRollbackTriggersAboveThreshold(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	// Load: 80/20 over 100 evaluations, error rate 0.2.
	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p2", 2, store.RolloutActive, 80, 20))
	mock.ExpectCommit()

	// Rollback with no earlier version to restore.
	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p2", 2, store.RolloutActive, 80, 20))
	mock.ExpectQuery("FROM policy_versions WHERE TRUE").WillReturnRows(
		policyRow("p2", 2, store.RolloutActive, 80, 20))
	mock.ExpectExec("rollout_status = 'rolled_back'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := m.CheckAutoRollback(context.Background(), tc, "p2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, store.RolloutRolledBack, p.RolloutStatus)
	assert.Contains(t, p.RollbackReason, "auto-rollback")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAutoRollbackHealthyVersion(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p2", 2, store.RolloutActive, 95, 5))
	mock.ExpectCommit()

	p, err := m.CheckAutoRollback(context.Background(), tc, "p2")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAutoRollbackNeedsEnoughEvaluations(t *testing.T) {
	m, mock := testManager(t)
	tc := tenant.NewSystem("org1")

	expectTenantTx(mock)
	mock.ExpectQuery("FROM policy_versions WHERE id").WillReturnRows(
		policyRow("p2", 2, store.RolloutActive, 10, 5))
	mock.ExpectCommit()

	p, err := m.CheckAutoRollback(context.Background(), tc, "p2")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaForUnknownPolicy(t *testing.T) {
	assert.Nil(t, SchemaFor("unheard_of"))
	assert.NoError(t, ValidateConfig("unheard_of", map[string]any{"anything": "goes"}))
}

func TestValidateConfigRoundTrip(t *testing.T) {
	cfg := map[string]any{
		"enabled":    true,
		"stopwords":  []any{"the", "and"},
		"thresholds": map[string]any{"min_confidence": 0.7},
	}
	assert.NoError(t, ValidateConfig("feedback_learning", cfg))
}
