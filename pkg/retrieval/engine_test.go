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

package retrieval

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/embedder"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
	"github.com/memoros-io/memoros/pkg/vector"
)

func testEngine(t *testing.T, vp vector.Provider) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db := store.NewDB(handle)
	kernel := permissions.New(db, c, nil, nil, time.Minute)

	cfg := config.SearchConfig{}
	cfg.SetDefaults()
	return New(db, kernel, vp, embedder.NewHashEmbedder("hash-v1", 8), nil, nil, cfg), mock
}

func expectTenantTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
}

func memoryRowColumns() []string {
	return []string{
		"id", "organization_id", "owner_user_id", "scope", "scope_id", "memory_type",
		"classification", "required_clearance", "title", "content_preview", "content_hash",
		"tags", "entities", "metadata", "source_type", "vector_id", "embedding_model",
		"is_active", "legal_hold", "access_count", "last_accessed_at", "created_at", "updated_at",
	}
}

func addMemoryRow(rows *sqlmock.Rows, id, owner string, createdAt time.Time) {
	rows.AddRow(
		id, "org1", owner, store.ScopePersonal, nil, store.MemoryLongTerm,
		store.ClassInternal, 0, "title "+id, "preview "+id, "hash-"+id,
		[]byte(`[]`), []byte(`{}`), []byte(`{}`), "api", "vec-"+id, "hash-v1",
		true, false, 0, nil, createdAt, createdAt)
}

func TestSearchLexicalOnly(t *testing.T) {
	eng, mock := testEngine(t, vector.Disabled{})
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}
	now := time.Now()

	// Leg fetch: lexical hits for m1 (strong) and m2 (weak).
	expectTenantTx(mock)
	mock.ExpectQuery("ts_rank_cd").WillReturnRows(
		sqlmock.NewRows([]string{"id", "rank"}).
			AddRow("m1", 0.9).
			AddRow("m2", 0.3))
	mock.ExpectCommit()

	// Ranking transaction.
	expectTenantTx(mock)
	gateRows := sqlmock.NewRows(memoryRowColumns())
	addMemoryRow(gateRows, "m1", "u1", now.Add(-time.Hour))
	addMemoryRow(gateRows, "m2", "u1", now.Add(-2*time.Hour))
	mock.ExpectQuery("FROM memories").WillReturnRows(gateRows)

	loadRows := sqlmock.NewRows(memoryRowColumns())
	addMemoryRow(loadRows, "m1", "u1", now.Add(-time.Hour))
	addMemoryRow(loadRows, "m2", "u1", now.Add(-2*time.Hour))
	mock.ExpectQuery("FROM memories").WillReturnRows(loadRows)

	mock.ExpectQuery("FROM memory_activation").WillReturnRows(
		sqlmock.NewRows([]string{
			"memory_id", "organization_id", "base_importance", "confidence",
			"contradicted", "risk_factor", "access_count", "last_accessed_at", "updated_at",
		}).AddRow("m1", "org1", 0.9, 0.9, false, 0.0, 12, now.Add(-time.Hour), now))

	mock.ExpectQuery("FROM memory_coactivation").WillReturnRows(
		sqlmock.NewRows([]string{"memory_a", "memory_b", "edge_weight"}))
	mock.ExpectQuery("FROM goal_memory_links").WillReturnRows(
		sqlmock.NewRows([]string{"memory_id", "count"}))
	mock.ExpectQuery("FROM memory_feedback").WillReturnRows(
		sqlmock.NewRows([]string{
			"id", "organization_id", "memory_id", "actor_id",
			"feedback_type", "payload", "is_applied", "created_at",
		}))
	mock.ExpectQuery("INSERT INTO retrieval_explanations").WillReturnRows(
		sqlmock.NewRows([]string{"id", "retrieved_at"}).AddRow("ex1", now))
	mock.ExpectCommit()

	resp, err := eng.Search(context.Background(), tc, Request{Query: "queue deadlines", TopK: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "m1", resp.Results[0].Memory.ID, "stronger hit with activation history ranks first")
	assert.Equal(t, "m2", resp.Results[1].Memory.ID)
	assert.Greater(t, resp.Results[0].Activation, resp.Results[1].Activation)

	for _, r := range resp.Results {
		assert.Len(t, r.Components, 9)
		assert.Equal(t, "memory", r.Provenance.Kind)
		assert.NotEmpty(t, r.Provenance.ContentHash)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchEmptyResultWritesNoExplanation(t *testing.T) {
	eng, mock := testEngine(t, vector.Disabled{})
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	expectTenantTx(mock)
	mock.ExpectQuery("ts_rank_cd").WillReturnRows(sqlmock.NewRows([]string{"id", "rank"}))
	mock.ExpectCommit()

	resp, err := eng.Search(context.Background(), tc, Request{Query: "nothing matches this"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NoError(t, mock.ExpectationsWereMet(), "no ranking transaction, no explanation insert")
}

func TestSearchGatedOutCandidatesAreDropped(t *testing.T) {
	eng, mock := testEngine(t, vector.Disabled{})
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1", ClearanceLevel: 0}
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("ts_rank_cd").WillReturnRows(
		sqlmock.NewRows([]string{"id", "rank"}).AddRow("m3", 0.8))
	mock.ExpectCommit()

	// The gate loads m3 owned by someone else with a clearance wall; no
	// rule grants read, so the result set empties out.
	expectTenantTx(mock)
	gateRows := sqlmock.NewRows(memoryRowColumns())
	gateRows.AddRow(
		"m3", "org1", "someone-else", store.ScopePersonal, nil, store.MemoryLongTerm,
		store.ClassRestricted, 3, "t", "p", "h",
		[]byte(`[]`), []byte(`{}`), []byte(`{}`), "api", "vec-3", "hash-v1",
		true, false, 0, nil, now, now)
	mock.ExpectQuery("FROM memories").WillReturnRows(gateRows)
	mock.ExpectCommit()

	resp, err := eng.Search(context.Background(), tc, Request{Query: "restricted things"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results, "denied candidates vanish silently")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type failingProvider struct{ vector.Disabled }

func (failingProvider) Search(context.Context, []float32, int, map[string]any) ([]vector.Result, error) {
	return nil, assert.AnError
}

func TestSearchDegradesToLexicalWhenVectorFails(t *testing.T) {
	eng, mock := testEngine(t, failingProvider{})
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("ts_rank_cd").WillReturnRows(
		sqlmock.NewRows([]string{"id", "rank"}).AddRow("m1", 0.5))
	mock.ExpectCommit()

	expectTenantTx(mock)
	gateRows := sqlmock.NewRows(memoryRowColumns())
	addMemoryRow(gateRows, "m1", "u1", now)
	mock.ExpectQuery("FROM memories").WillReturnRows(gateRows)
	loadRows := sqlmock.NewRows(memoryRowColumns())
	addMemoryRow(loadRows, "m1", "u1", now)
	mock.ExpectQuery("FROM memories").WillReturnRows(loadRows)
	mock.ExpectQuery("FROM memory_activation").WillReturnRows(
		sqlmock.NewRows([]string{
			"memory_id", "organization_id", "base_importance", "confidence",
			"contradicted", "risk_factor", "access_count", "last_accessed_at", "updated_at",
		}))
	// a single allowed id skips the coactivation lookup
	mock.ExpectQuery("FROM goal_memory_links").WillReturnRows(
		sqlmock.NewRows([]string{"memory_id", "count"}))
	mock.ExpectQuery("FROM memory_feedback").WillReturnRows(
		sqlmock.NewRows([]string{
			"id", "organization_id", "memory_id", "actor_id",
			"feedback_type", "payload", "is_applied", "created_at",
		}))
	mock.ExpectQuery("INSERT INTO retrieval_explanations").WillReturnRows(
		sqlmock.NewRows([]string{"id", "retrieved_at"}).AddRow("ex2", now))
	mock.ExpectCommit()

	resp, err := eng.Search(context.Background(), tc, Request{Query: "still works"})
	require.NoError(t, err)
	assert.Contains(t, resp.Degraded, "vector")
	require.Len(t, resp.Results, 1)
}

func TestSearchFailsWhenAllLegsFail(t *testing.T) {
	eng, mock := testEngine(t, failingProvider{})
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	hybrid := false
	_, err := eng.Search(context.Background(), tc, Request{Query: "q", Hybrid: &hybrid})
	assert.ErrorIs(t, err, apierror.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRejectsBadInput(t *testing.T) {
	eng, _ := testEngine(t, vector.Disabled{})
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	_, err := eng.Search(context.Background(), tc, Request{})
	assert.ErrorIs(t, err, apierror.ErrValidation)

	_, err = eng.Search(context.Background(), tc, Request{Query: "q", Mode: "warp"})
	assert.ErrorIs(t, err, apierror.ErrValidation)
}

func TestMergeCandidatesNormalizesPerLeg(t *testing.T) {
	vec := []vector.Result{
		{ID: "v1", Score: 0.8, Payload: map[string]any{"memory_id": "a"}},
		{ID: "v2", Score: 0.4, Payload: map[string]any{"memory_id": "b"}},
	}
	lex := []store.LexicalHit{
		{MemoryID: "b", Rank: 0.05},
		{MemoryID: "c", Rank: 0.1},
	}
	got := mergeCandidates(vec, lex)
	require.Len(t, got, 3)

	byID := map[string]*candidate{}
	for _, c := range got {
		byID[c.id] = c
	}
	assert.InDelta(t, 1.0, byID["a"].vecScore, 1e-9, "leg max normalizes to 1")
	assert.InDelta(t, 0.5, byID["b"].vecScore, 1e-9)
	assert.InDelta(t, 0.5, byID["b"].lexScore, 1e-9)
	assert.InDelta(t, 1.0, byID["c"].lexScore, 1e-9)

	raw := hybridRaw(byID["b"], true, true)
	assert.InDelta(t, 0.7*0.5+0.3*0.5, raw, 1e-9)
}

func TestTemporalDecayHalvesAtHalfLife(t *testing.T) {
	now := time.Now()
	created := now.Add(-30 * 24 * time.Hour)
	m := &store.Memory{CreatedAt: created, UpdatedAt: created}
	assert.InDelta(t, 0.5, temporalDecay(now, m, 30), 1e-6)

	// A fresh access resets the reference point.
	accessed := now
	m.LastAccessedAt = &accessed
	assert.InDelta(t, 1.0, temporalDecay(now, m, 30), 1e-6)
}

func TestTemporalDecayReferencePrecedence(t *testing.T) {
	now := time.Now()

	// last_accessed wins even when the row was updated more recently.
	accessed := now.Add(-30 * 24 * time.Hour)
	m := &store.Memory{
		CreatedAt:      now.Add(-60 * 24 * time.Hour),
		UpdatedAt:      now,
		LastAccessedAt: &accessed,
	}
	assert.InDelta(t, 0.5, temporalDecay(now, m, 30), 1e-6)

	// Without an access timestamp the update time is the reference.
	m.LastAccessedAt = nil
	assert.InDelta(t, 1.0, temporalDecay(now, m, 30), 1e-6)

	// A row never updated falls back to creation time.
	m.UpdatedAt = time.Time{}
	assert.InDelta(t, 0.25, temporalDecay(now, m, 30), 1e-6)
}

func TestFeedbackMultiplier(t *testing.T) {
	eng, _ := testEngine(t, vector.Disabled{})

	pos := &store.MemoryFeedback{Payload: map[string]any{"positive": true}}
	neg := &store.MemoryFeedback{Payload: map[string]any{"positive": false}}
	unknown := &store.MemoryFeedback{Payload: map[string]any{}}

	assert.InDelta(t, 1.15, eng.feedbackMultiplier(pos), 1e-9)
	assert.InDelta(t, 0.5, eng.feedbackMultiplier(neg), 1e-9)
	assert.InDelta(t, 1.0, eng.feedbackMultiplier(unknown), 1e-9)
}
