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

package agents

import (
	"context"
	"errors"
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
)

func testRunner(t *testing.T) (*Runner, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := config.AgentsConfig{}
	cfg.SetDefaults()
	r := NewRunner(store.NewDB(handle), c, nil, cfg)
	require.NoError(t, r.RegisterDefaults(nil))
	return r, mock, mr
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

func memoryRow(id, memoryType, title, preview string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(memoryRowColumns())
	rows.AddRow(
		id, "org1", "u1", store.ScopePersonal, nil, memoryType,
		store.ClassInternal, 0, title, preview, "hash-"+id,
		[]byte(`[]`), []byte(`{}`), []byte(`{}`), "api", "vec-"+id, "hash-v1",
		true, false, 0, nil, now, now)
	return rows
}

func agentRunColumns() []string {
	return []string{
		"id", "organization_id", "memory_id", "agent_name", "agent_version", "inputs_hash",
		"status", "confidence", "outputs", "warnings", "errors", "trace_id", "provenance",
		"started_at", "finished_at",
	}
}

// expectEvents matches n trajectory event inserts.
func expectEvents(mock sqlmock.Sqlmock, n int) {
	for i := 0; i < n; i++ {
		mock.ExpectQuery("INSERT INTO agent_run_events").WillReturnRows(
			sqlmock.NewRows([]string{"id", "created_at"}).AddRow("ev", time.Now()))
	}
}

func expectRunUpsert(mock sqlmock.Sqlmock, runID string) {
	mock.ExpectQuery("INSERT INTO agent_runs").WillReturnRows(
		sqlmock.NewRows([]string{"id", "started_at"}).AddRow(runID, time.Now()))
}

func expectRunFinish(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("UPDATE agent_runs SET").WillReturnRows(
		sqlmock.NewRows([]string{"finished_at"}).AddRow(time.Now()))
}

func TestRunAgentClassificationHeuristic(t *testing.T) {
	r, mock, _ := testRunner(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1", TraceID: "t1"}

	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRow("m1", store.MemoryLongTerm, "Incident notes", "the api key leaked, rotate the credential"))
	mock.ExpectQuery("DISTINCT ON \\(agent_name\\)").WillReturnRows(
		sqlmock.NewRows([]string{"agent_name", "outputs"}))
	mock.ExpectQuery("FROM agent_runs").WillReturnRows(sqlmock.NewRows(agentRunColumns()))
	expectRunUpsert(mock, "run1")
	// Flush of the four buffered load events, then the agent_run pair.
	expectEvents(mock, 4)
	expectEvents(mock, 2)
	expectRunFinish(mock)
	expectEvents(mock, 1) // run_result
	mock.ExpectCommit()

	run, err := r.RunAgent(context.Background(), tc, "m1", NameClassification, 1, 3)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, store.ClassRestricted, run.Outputs["classification"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunAgentIdempotentShortCircuit(t *testing.T) {
	r, mock, _ := testRunner(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	// The stored run already succeeded with the hash the runner will
	// recompute from identical inputs.
	in := Inputs{
		MemoryID:       "m1",
		OrganizationID: "org1",
		Title:          "Weekly sync",
		Content:        "nothing new",
		Classification: store.ClassInternal,
		Scope:          store.ScopePersonal,
		StorageTier:    store.MemoryLongTerm,
		Enrichment:     map[string]map[string]any{},
	}
	hash := InputsHash(NameClassification, "v1", in)

	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRow("m1", store.MemoryLongTerm, "Weekly sync", "nothing new"))
	mock.ExpectQuery("DISTINCT ON \\(agent_name\\)").WillReturnRows(
		sqlmock.NewRows([]string{"agent_name", "outputs"}))
	existing := sqlmock.NewRows(agentRunColumns()).AddRow(
		"run1", "org1", "m1", NameClassification, "v1", hash,
		store.RunSuccess, 0.85, []byte(`{"classification":"internal"}`), []byte(`[]`), []byte(`[]`),
		"t0", []byte(`{}`), time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	mock.ExpectQuery("FROM agent_runs").WillReturnRows(existing)
	// No upsert, no finish, and the buffered load events are never flushed:
	// the stored result is returned as-is.
	mock.ExpectCommit()

	run, err := r.RunAgent(context.Background(), tc, "m1", NameClassification, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "run1", run.ID)
	assert.Equal(t, "internal", run.Outputs["classification"])
}

func TestRunAgentExecutionErrorRetriesThenFails(t *testing.T) {
	boom := errors.New("provider unavailable")
	failing := &stubAgent{name: "flaky", err: boom}

	for _, tt := range []struct {
		name       string
		attempt    int
		wantStatus string
	}{
		{"attempts remain", 1, store.RunRetry},
		{"final attempt", 3, store.RunFailed},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r, mock, _ := testRunner(t)
			require.NoError(t, r.Register(failing))
			tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

			expectTenantTx(mock)
			mock.ExpectQuery("FROM memories").WillReturnRows(
				memoryRow("m1", store.MemoryLongTerm, "t", "c"))
			mock.ExpectQuery("DISTINCT ON \\(agent_name\\)").WillReturnRows(
				sqlmock.NewRows([]string{"agent_name", "outputs"}))
			mock.ExpectQuery("FROM agent_runs").WillReturnRows(sqlmock.NewRows(agentRunColumns()))
			expectRunUpsert(mock, "run1")
			expectEvents(mock, 4)
			expectEvents(mock, 2)
			expectRunFinish(mock)
			mock.ExpectCommit()

			run, err := r.RunAgent(context.Background(), tc, "m1", "flaky", tt.attempt, 3)
			require.ErrorIs(t, err, boom)
			require.NotNil(t, run)
			assert.Equal(t, tt.wantStatus, run.Status)
			assert.Contains(t, run.Errors[0], "provider unavailable")
		})
	}
}

func TestRunAgentValidationFailureIsTerminal(t *testing.T) {
	bad := &stubAgent{name: "malformed", result: Result{
		Status:  store.RunSuccess,
		Outputs: map[string]any{},
	}, validateErr: errors.New("missing output key")}

	r, mock, _ := testRunner(t)
	require.NoError(t, r.Register(bad))
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRow("m1", store.MemoryLongTerm, "t", "c"))
	mock.ExpectQuery("DISTINCT ON \\(agent_name\\)").WillReturnRows(
		sqlmock.NewRows([]string{"agent_name", "outputs"}))
	mock.ExpectQuery("FROM agent_runs").WillReturnRows(sqlmock.NewRows(agentRunColumns()))
	expectRunUpsert(mock, "run1")
	expectEvents(mock, 4)
	expectEvents(mock, 2)
	expectRunFinish(mock)
	mock.ExpectCommit()

	run, err := r.RunAgent(context.Background(), tc, "m1", "malformed", 1, 3)
	require.NoError(t, err) // terminal, not retryable
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.Errors[0], "output validation failed")
}

func TestRunAgentGraphLinkingMaterializesEdges(t *testing.T) {
	r, mock, _ := testRunner(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRow("m1", store.MemoryLongTerm, "t", "c"))
	mock.ExpectQuery("DISTINCT ON \\(agent_name\\)").WillReturnRows(
		sqlmock.NewRows([]string{"agent_name", "outputs"}))
	mock.ExpectQuery("FROM memory_topics mine").WillReturnRows(
		sqlmock.NewRows([]string{"memory_id"}).AddRow("m2").AddRow("m3"))
	mock.ExpectQuery("FROM agent_runs").WillReturnRows(sqlmock.NewRows(agentRunColumns()))
	expectRunUpsert(mock, "run1")
	expectEvents(mock, 6) // three buffered tool pairs
	expectEvents(mock, 2) // agent_run pair
	expectEvents(mock, 1) // graph_edges_upsert tool_call
	for range 2 {
		mock.ExpectQuery("INSERT INTO memory_graph_edges").WillReturnRows(
			sqlmock.NewRows([]string{"id", "created_at"}).AddRow("e", time.Now()))
	}
	expectEvents(mock, 1) // graph_edges_upsert tool_result
	expectRunFinish(mock)
	expectEvents(mock, 1) // run_result
	mock.ExpectCommit()

	run, err := r.RunAgent(context.Background(), tc, "m1", NameGraphLinking, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunAgentShortTermContentComesFromCacheTier(t *testing.T) {
	r, mock, mr := testRunner(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	// The tier holds the full content; the row only has a preview. The
	// restricted signal lives in the tiered content alone.
	require.NoError(t, mr.Set(cache.ShortTermKey("org1", "m1"), `"contains the secret launch credential"`))

	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRow("m1", store.MemoryShortTerm, "note", "preview only"))
	mock.ExpectQuery("DISTINCT ON \\(agent_name\\)").WillReturnRows(
		sqlmock.NewRows([]string{"agent_name", "outputs"}))
	mock.ExpectQuery("FROM agent_runs").WillReturnRows(sqlmock.NewRows(agentRunColumns()))
	expectRunUpsert(mock, "run1")
	expectEvents(mock, 6) // memory_load, short_term_tier_get, prior_enrichment_load pairs
	expectEvents(mock, 2)
	expectRunFinish(mock)
	expectEvents(mock, 1)
	mock.ExpectCommit()

	run, err := r.RunAgent(context.Background(), tc, "m1", NameClassification, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, store.ClassRestricted, run.Outputs["classification"])
}

func TestRunAgentUnknownAgent(t *testing.T) {
	r, _, _ := testRunner(t)
	_, err := r.RunAgent(context.Background(), &tenant.Context{OrganizationID: "org1"}, "m1", "nope", 1, 3)
	assert.Error(t, err)
}

// stubAgent lets tests script run outcomes.
type stubAgent struct {
	name        string
	result      Result
	err         error
	validateErr error
}

func (s *stubAgent) Name() string    { return s.name }
func (s *stubAgent) Version() string { return "v1" }
func (s *stubAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	return s.result, s.err
}
func (s *stubAgent) ValidateOutputs(r Result) error { return s.validateErr }
