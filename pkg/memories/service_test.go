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

package memories

import (
	"context"
	"database/sql"
	"encoding/json"
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

func TestContentHashNormalizes(t *testing.T) {
	a := ContentHash("line one\nline two")
	b := ContentHash("  line one\r\nline two \n")
	assert.Equal(t, a, b, "CRLF and surrounding whitespace do not change the hash")
	assert.NotEqual(t, a, ContentHash("line one\nline three"))
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	short := "fits as is"
	assert.Equal(t, short, Preview(short))

	long := ""
	for i := 0; i < 600; i++ {
		long += "é"
	}
	got := Preview(long)
	assert.Equal(t, previewLimit, len([]rune(got)))
}

func TestDenialErrorMapping(t *testing.T) {
	cases := []struct {
		method string
		want   error
	}{
		{permissions.MethodNotFound, apierror.ErrNotFound},
		{permissions.MethodOrgIsolation, apierror.ErrNotFound},
		{permissions.MethodClearance, apierror.ErrForbidden},
		{permissions.MethodScope, apierror.ErrForbidden},
	}
	for _, c := range cases {
		err := denialError(permissions.Decision{Allowed: false, Method: c.method, Reason: "r"})
		assert.ErrorIs(t, err, c.want, c.method)
	}
}

func testService(t *testing.T) (*Service, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db := store.NewDB(handle)
	kernel := permissions.New(db, c, nil, nil, time.Minute)

	cfg := config.AgentsConfig{}
	cfg.SetDefaults()
	svc := New(db, kernel, vector.Disabled{}, embedder.NewHashEmbedder("hash-v1", 8), c, nil, nil, cfg)
	return svc, mock, mr
}

// seedPermissions pre-warms the permission cache so the kernel never
// resolves roles through SQL.
func seedPermissions(t *testing.T, mr *miniredis.Miniredis, orgID, userID string, perms []string) {
	t.Helper()
	raw, err := json.Marshal(perms)
	require.NoError(t, err)
	require.NoError(t, mr.Set(cache.PermissionKey(orgID, userID), string(raw)))
}

func expectTenantTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := testService(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown scope", CreateRequest{Title: "t", Content: "c", Scope: "galactic"}},
		{"team without scope_id", CreateRequest{Title: "t", Content: "c", Scope: store.ScopeTeam}},
		{"bad classification", CreateRequest{Title: "t", Content: "c", Scope: store.ScopePersonal, Classification: "ultra"}},
		{"bad memory type", CreateRequest{Title: "t", Content: "c", Scope: store.ScopePersonal, MemoryType: "eternal"}},
		{"negative clearance", CreateRequest{Title: "t", Content: "c", Scope: store.ScopePersonal, RequiredClearance: -1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc, c.req)
			assert.ErrorIs(t, err, apierror.ErrValidation)
		})
	}
}

func TestCreateDeniedWithoutPermission(t *testing.T) {
	svc, mock, mr := testService(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}
	seedPermissions(t, mr, "org1", "u1", []string{"memory:read:private"})

	expectTenantTx(mock)
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), tc, CreateRequest{
		Title: "t", Content: "c", Scope: store.ScopePersonal,
	})
	assert.ErrorIs(t, err, apierror.ErrForbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateShortTermParksContentInCache(t *testing.T) {
	svc, mock, mr := testService(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}
	seedPermissions(t, mr, "org1", "u1", []string{"memory:create:personal"})

	now := time.Now()
	expectTenantTx(mock)
	mock.ExpectQuery("INSERT INTO memories").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "is_active", "legal_hold", "access_count", "created_at", "updated_at"}).
			AddRow("m1", true, false, 0, now, now))
	mock.ExpectCommit()

	content := "standup notes: the migration finished, cutover friday"
	m, err := svc.Create(context.Background(), tc, CreateRequest{
		Title:      "standup",
		Content:    content,
		Scope:      store.ScopePersonal,
		MemoryType: store.MemoryShortTerm,
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, ContentHash(content), m.ContentHash)
	assert.Equal(t, store.ClassInternal, m.Classification, "classification defaults to internal")

	var cached string
	raw, err := mr.Get(cache.ShortTermKey("org1", "m1"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, content, cached)
	assert.Equal(t, content, svc.Content(context.Background(), tc, m))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContentFallsBackToPreview(t *testing.T) {
	svc, _, _ := testService(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	m := &store.Memory{
		ID: "m2", OrganizationID: "org1",
		MemoryType:     store.MemoryShortTerm,
		ContentPreview: "preview text",
	}
	// Nothing parked in the short-term tier: preview is the answer.
	assert.Equal(t, "preview text", svc.Content(context.Background(), tc, m))
}

func TestDiffFields(t *testing.T) {
	old := &store.Memory{Title: "a", Scope: store.ScopePersonal, Classification: store.ClassInternal, Tags: []string{"x"}}
	upd := &store.Memory{Title: "b", Scope: store.ScopeTeam, Classification: store.ClassInternal, Tags: []string{"x", "y"}}

	diff := diffFields(old, upd)
	assert.Contains(t, diff, "title")
	assert.Contains(t, diff, "scope")
	assert.Contains(t, diff, "tags")
	assert.NotContains(t, diff, "classification")
}

func TestDeleteRemovesShortTermEntry(t *testing.T) {
	svc, mock, mr := testService(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1", Roles: []string{"member"}}

	// Owner path inside the kernel: the decision reads the memory row.
	now := time.Now()
	memRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "organization_id", "owner_user_id", "scope", "scope_id", "memory_type",
			"classification", "required_clearance", "title", "content_preview", "content_hash",
			"tags", "entities", "metadata", "source_type", "vector_id", "embedding_model",
			"is_active", "legal_hold", "access_count", "last_accessed_at", "created_at", "updated_at",
		}).AddRow(
			"m1", "org1", "u1", store.ScopePersonal, nil, store.MemoryLongTerm,
			store.ClassInternal, 0, "t", "p", "h",
			[]byte(`[]`), []byte(`{}`), []byte(`{}`), "", "vec-1", "hash-v1",
			true, false, 0, nil, now, now)
	}

	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnRows(memRows())
	mock.ExpectQuery("FROM memories").WillReturnRows(memRows())
	mock.ExpectExec("UPDATE memories").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, mr.Set(cache.ShortTermKey("org1", "m1"), `"text"`))

	require.NoError(t, svc.Delete(context.Background(), tc, "m1"))
	assert.False(t, mr.Exists(cache.ShortTermKey("org1", "m1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeniedCrossOrgReadsAsNotFound(t *testing.T) {
	svc, mock, _ := testService(t)
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1"}

	// RLS hides the row entirely, so the kernel sees no memory.
	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.Get(context.Background(), tc, "other-org-memory")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}
