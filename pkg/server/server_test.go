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

package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/auth"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/goalgraph"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/store"
)

func testTokens(t *testing.T) *auth.Tokens {
	t.Helper()
	tokens, err := auth.NewTokens(context.Background(), config.AuthConfig{
		JWTSecret:  "test-secret",
		Issuer:     "memoros",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return tokens
}

func testServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	handle, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	db := store.NewDB(handle)
	kernel := permissions.New(db, nil, nil, nil, 0)
	srv := New(Deps{
		Config: config.ServerConfig{Host: "127.0.0.1", Port: 0, MaxBodyBytes: 1 << 20},
		DB:     db,
		Tokens: testTokens(t),
		Kernel: kernel,
		Goals:  goalgraph.New(db, kernel, nil),
	})
	return srv, mock
}

func bearer(t *testing.T, srv *Server, roles ...string) string {
	t.Helper()
	pair, err := srv.deps.Tokens.Mint("u1", "org1", roles, 1)
	require.NoError(t, err)
	return pair.AccessToken
}

func doRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func expectTenantTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorBody(t, rec)["code"])
}

func TestRefreshTokenRejectedAtDataEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	pair, err := srv.deps.Tokens.Mint("u1", "org1", nil, 1)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/goals", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGoalGetRoundTrip(t *testing.T) {
	srv, mock := testServer(t)
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("FROM goals WHERE id").WillReturnRows(sqlmock.NewRows([]string{
		"id", "organization_id", "creator_id", "owner_type", "owner_id", "title",
		"description", "goal_type", "status", "priority", "due_at", "confidence",
		"visibility_scope", "scope_id", "tags", "metadata", "completed_at",
		"created_at", "updated_at",
	}).AddRow(
		"g1", "org1", "u1", "user", "u1", "Ship the launch", "",
		store.GoalTypeTask, store.GoalActive, 3, nil, 0.8,
		store.ScopePersonal, nil, []byte(`["launch"]`), []byte(`{}`), nil, now, now))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/goals/g1", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, srv))
	rec := doRequest(srv, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var goal store.Goal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &goal))
	assert.Equal(t, "Ship the launch", goal.Title)
	assert.Equal(t, store.GoalActive, goal.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGoalNotFoundIs404(t *testing.T) {
	srv, mock := testServer(t)

	expectTenantTx(mock)
	mock.ExpectQuery("FROM goals WHERE id").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/goals/missing", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, srv))
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorBody(t, rec)["code"])
}

func TestValidationErrorIs422(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/goals",
		strings.NewReader(`{"description":"no title"}`))
	req.Header.Set("Authorization", "Bearer "+bearer(t, srv))
	req.Header.Set("Content-Type", "application/json")
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_error", errorBody(t, rec)["code"])
}

func TestMalformedJSONIs400(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/goals",
		strings.NewReader(`{"title": `))
	req.Header.Set("Authorization", "Bearer "+bearer(t, srv))
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", errorBody(t, rec)["code"])
}

func TestAdminRoutesRequireRole(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/roles", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, srv, "member"))
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission_denied", errorBody(t, rec)["code"])
}

func TestAdminRoleList(t *testing.T) {
	srv, mock := testServer(t)

	expectTenantTx(mock)
	mock.ExpectQuery("FROM roles WHERE organization_id").WillReturnRows(
		sqlmock.NewRows([]string{"id", "organization_id", "name", "permissions", "created_at"}).
			AddRow("r1", "org1", "analyst", []byte(`["memory:read:team"]`), time.Now()))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/roles", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, srv, "admin"))
	rec := doRequest(srv, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Roles []*store.Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Roles, 1)
	assert.Equal(t, "analyst", body.Roles[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskEnqueueRequiresPermission(t *testing.T) {
	srv, mock := testServer(t)

	// The caller's roles grant nothing pipeline-related, so the enqueue
	// gate must reject before the scheduler is ever consulted.
	expectTenantTx(mock)
	mock.ExpectQuery("FROM roles r").WillReturnRows(
		sqlmock.NewRows([]string{"id", "organization_id", "name", "permissions", "created_at"}).
			AddRow("r1", "org1", "analyst", []byte(`["memory:read:team"]`), time.Now()))
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines",
		strings.NewReader(`{"task_type":"summarization"}`))
	req.Header.Set("Authorization", "Bearer "+bearer(t, srv, "member"))
	req.Header.Set("Content-Type", "application/json")
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission_denied", errorBody(t, rec)["code"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthzChecksDatabase(t *testing.T) {
	srv, mock := testServer(t)

	mock.ExpectPing()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := doRequest(srv, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
