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

package maintenance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
	"github.com/memoros-io/memoros/pkg/vector"
)

// recordingProvider captures vector deletions.
type recordingProvider struct {
	vector.Disabled
	deleted []string
}

func (p *recordingProvider) Delete(ctx context.Context, id string) error {
	p.deleted = append(p.deleted, id)
	return nil
}

func testWorkers(t *testing.T, vp vector.Provider) (*Workers, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := config.WorkersConfig{}
	cfg.SetDefaults()
	agentsCfg := config.AgentsConfig{}
	agentsCfg.SetDefaults()
	return New(store.NewDB(handle), c, vp, nil, nil, cfg, agentsCfg), mock, mr
}

func expectTenantTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
}

func memoryIDRow(id string, memoryType string, accessCount int) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "owner_user_id", "scope", "scope_id", "memory_type",
		"classification", "required_clearance", "title", "content_preview", "content_hash",
		"tags", "entities", "metadata", "source_type", "vector_id", "embedding_model",
		"is_active", "legal_hold", "access_count", "last_accessed_at", "created_at", "updated_at",
	})
	rows.AddRow(
		id, "org1", "u1", store.ScopePersonal, nil, memoryType,
		store.ClassInternal, 0, "t", "p", "h",
		[]byte(`[]`), []byte(`{}`), []byte(`{}`), "api", "vec-"+id, "hash-v1",
		true, false, accessCount, now, now, now)
	return rows
}

func TestHandleAccessUpdatePromotesAtThreshold(t *testing.T) {
	w, mock, _ := testWorkers(t, vector.Disabled{})
	tc := tenant.NewSystem("org1")
	task := &store.PipelineTask{Metadata: map[string]any{
		"memory_ids": []any{"m1"}, "user_id": "u1",
	}}

	expectTenantTx(mock)
	mock.ExpectExec("UPDATE memories SET access_count").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO memory_activation").WillReturnResult(sqlmock.NewResult(0, 1))
	// Post-bump read shows the memory at the promotion threshold.
	mock.ExpectQuery("FROM memories").WillReturnRows(memoryIDRow("m1", store.MemoryShortTerm, 3))
	mock.ExpectExec("UPDATE memories SET memory_type").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, w.HandleAccessUpdate(context.Background(), tc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAccessUpdateBelowThresholdDoesNotPromote(t *testing.T) {
	w, mock, _ := testWorkers(t, vector.Disabled{})
	tc := tenant.NewSystem("org1")
	task := &store.PipelineTask{Metadata: map[string]any{
		"memory_ids": []any{"m1"}, "user_id": "u1",
	}}

	expectTenantTx(mock)
	mock.ExpectExec("UPDATE memories SET access_count").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO memory_activation").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM memories").WillReturnRows(memoryIDRow("m1", store.MemoryShortTerm, 1))
	mock.ExpectCommit()

	require.NoError(t, w.HandleAccessUpdate(context.Background(), tc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCoactivationUpdateSkipsSelfPair(t *testing.T) {
	w, mock, _ := testWorkers(t, vector.Disabled{})
	tc := tenant.NewSystem("org1")
	task := &store.PipelineTask{Metadata: map[string]any{
		"primary": "m1", "co_ids": []any{"m2", "m1"},
	}}

	expectTenantTx(mock)
	// One touch only: m1-m1 is skipped.
	mock.ExpectQuery("INSERT INTO memory_coactivation").WillReturnRows(
		sqlmock.NewRows([]string{"memory_a", "memory_b", "organization_id", "count", "edge_weight", "last_coactivated_at"}).
			AddRow("m1", "m2", "org1", 2, 0.1, time.Now()))
	mock.ExpectExec("UPDATE memory_coactivation SET edge_weight").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM memory_coactivation").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, w.HandleCoactivationUpdate(context.Background(), tc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCoactivationUpdatePrunesWithoutCoRetrievals(t *testing.T) {
	w, mock, _ := testWorkers(t, vector.Disabled{})
	tc := tenant.NewSystem("org1")
	task := &store.PipelineTask{Metadata: map[string]any{
		"primary": "m1", "co_ids": []any{},
	}}

	// Nothing to touch, but the top-N cap is still enforced.
	expectTenantTx(mock)
	mock.ExpectExec("DELETE FROM memory_coactivation").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, w.HandleCoactivationUpdate(context.Background(), tc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAgentRunRejectsBadMetadata(t *testing.T) {
	w, _, _ := testWorkers(t, vector.Disabled{})
	tc := tenant.NewSystem("org1")

	err := w.HandleAgentRun(context.Background(), tc, &store.PipelineTask{Metadata: map[string]any{}})
	assert.Error(t, err)
}

func TestRunNightlyForOrg(t *testing.T) {
	vp := &recordingProvider{}
	w, mock, mr := testWorkers(t, vp)
	tc := tenant.NewSystem("org1")
	now := time.Now()

	require.NoError(t, mr.Set(cache.ShortTermKey("org1", "s1"), `"stale note"`))

	expectTenantTx(mock)
	mock.ExpectExec("UPDATE memory_activation").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE memory_coactivation").WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("DELETE FROM memory_coactivation").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM memory_coactivation").WillReturnRows(
		sqlmock.NewRows([]string{"memory_a", "memory_b", "organization_id", "count", "edge_weight", "last_coactivated_at"}).
			AddRow("a1", "b1", "org1", 5, 0.39, now))
	// Hypothesis upsert: no prior row, fresh insert.
	mock.ExpectQuery("FROM causal_hypotheses").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO causal_hypotheses").WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("h1", now, now))
	// Reaper: one expired short-term row, one retention-expired row.
	mock.ExpectQuery("memory_type = 'short_term'").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery("is_active = TRUE AND legal_hold = FALSE AND created_at").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectExec("UPDATE memories SET is_active = FALSE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE memories SET is_active = FALSE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("DELETE FROM memories").WillReturnRows(
		sqlmock.NewRows([]string{"vector_id"}).AddRow("vec-old"))
	mock.ExpectCommit()

	report, err := w.RunNightlyForOrg(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.ActivationClamped)
	assert.Equal(t, int64(5), report.EdgesRenormalized)
	assert.Equal(t, int64(1), report.EdgesPruned)
	assert.Equal(t, 1, report.HypothesesTouched)
	assert.Equal(t, 1, report.ShortTermExpired)
	assert.Equal(t, 1, report.RetentionExpired)
	assert.Equal(t, 1, report.Purged)
	assert.Equal(t, []string{"vec-old"}, vp.deleted)

	// The expired short-term tier entry is gone from the cache.
	assert.False(t, mr.Exists(cache.ShortTermKey("org1", "s1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEdgeWeightInvariant(t *testing.T) {
	// edge_weight = 1 - exp(-lambda * count), lambda = 0.1
	assert.InDelta(t, 0.0951625, store.EdgeWeight(0.1, 1), 1e-6)
	assert.InDelta(t, 0.3934693, store.EdgeWeight(0.1, 5), 1e-6)
	assert.Less(t, store.EdgeWeight(0.1, 100), 1.0)
}
