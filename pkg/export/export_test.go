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

package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

func sampleDoc() *Document {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return &Document{
		SchemaVersion:  SchemaVersion,
		OrganizationID: "org1",
		ExportedAt:     created,
		Memories: []Item{
			{
				ID: "m1", Title: "Quarterly review notes", ContentPreview: "Revenue up 12%.",
				MemoryType: store.MemoryLongTerm, Scope: store.ScopeTeam,
				Classification: store.ClassInternal, Tags: []string{"finance", "q2"},
				Entities:  map[string][]string{"person": {"Dana"}},
				CreatedAt: created, UpdatedAt: created,
			},
			{
				ID: "m2", Title: "Launch checklist", ContentPreview: "Freeze on Friday.",
				MemoryType: store.MemoryShortTerm, Scope: store.ScopePersonal,
				Classification: store.ClassInternal,
				CreatedAt:      created, UpdatedAt: created,
			},
		},
	}
}

func TestWriteJSONDocumentShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleDoc()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "1", decoded["schema_version"])
	assert.Equal(t, "org1", decoded["organization_id"])
	assert.Len(t, decoded["memories"], 2)
}

func TestRenderMarkdownProperties(t *testing.T) {
	md := RenderMarkdown(sampleDoc().Memories[0])
	assert.Contains(t, md, "# Quarterly review notes")
	assert.Contains(t, md, "- id:: m1")
	assert.Contains(t, md, "- tags:: finance, q2")
	assert.Contains(t, md, "- person:: Dana")
	assert.Contains(t, md, "Revenue up 12%.")
}

func TestWriteZipLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteZip(&buf, sampleDoc()))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	names := map[string]*zip.File{}
	for _, f := range zr.File {
		names[f.Name] = f
	}
	require.Contains(t, names, "manifest.json")
	require.Contains(t, names, "memories/m1.md")
	require.Contains(t, names, "memories/m2.md")

	rc, err := names["memories/m1.md"].Open()
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Contains(t, string(raw), "Quarterly review notes")
}

func TestWriteRejectsUnknownFormat(t *testing.T) {
	e := New(nil, nil, config.ExportConfig{})
	err := e.Write(io.Discard, sampleDoc(), "xml")
	assert.Error(t, err)
}

func memoryListRows(rows *sqlmock.Rows, id, ownerID string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, "org1", ownerID, store.ScopePersonal, nil, store.MemoryLongTerm,
		store.ClassInternal, 0, "title "+id, "preview", "h",
		[]byte(`[]`), []byte(`{}`), []byte(`{}`), "api", "vec-"+id, "hash-v1",
		true, false, 0, now, now, now)
}

func memoryListColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "owner_user_id", "scope", "scope_id", "memory_type",
		"classification", "required_clearance", "title", "content_preview", "content_hash",
		"tags", "entities", "metadata", "source_type", "vector_id", "embedding_model",
		"is_active", "legal_hold", "access_count", "last_accessed_at", "created_at", "updated_at",
	})
}

func TestBuildDocumentFiltersUnreadableMemories(t *testing.T) {
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	db := store.NewDB(handle)
	e := New(db, permissions.New(db, nil, nil, nil, 0), config.ExportConfig{})
	tc := &tenant.Context{OrganizationID: "org1", UserID: "u1", ClearanceLevel: 1}

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	// Listing: one owned memory, one belonging to someone else.
	mock.ExpectQuery("FROM memories WHERE is_active = TRUE").WillReturnRows(
		memoryListRows(memoryListRows(memoryListColumns(), "m1", "u1"), "m2", "other"))
	// Kernel batch load for the read filter.
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryListRows(memoryListRows(memoryListColumns(), "m1", "u1"), "m2", "other"))
	// The foreign personal memory has no share grants.
	mock.ExpectQuery("FROM memory_sharing").WillReturnRows(sqlmock.NewRows([]string{
		"id", "memory_id", "share_type", "target_id", "permission", "expires_at", "created_by", "created_at",
	}))
	mock.ExpectCommit()

	doc, err := e.BuildDocument(context.Background(), tc, store.MemoryFilter{})
	require.NoError(t, err)
	require.Len(t, doc.Memories, 1)
	assert.Equal(t, "m1", doc.Memories[0].ID)
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}
