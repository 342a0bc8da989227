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
)

func memoryRows(ids ...string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "owner_user_id", "scope", "scope_id", "memory_type",
		"classification", "required_clearance", "title", "content_preview", "content_hash",
		"tags", "entities", "metadata", "source_type", "vector_id", "embedding_model",
		"is_active", "legal_hold", "access_count", "last_accessed_at", "created_at", "updated_at",
	})
	for _, id := range ids {
		rows.AddRow(id, "org1", "u1", ScopePersonal, nil, MemoryLongTerm,
			"internal", 0, "t", "p", "h",
			[]byte(`[]`), []byte(`{}`), []byte(`{}`), "manual", "", "",
			true, false, 0, nil, now, now)
	}
	return rows
}

// Batched loads carry their own organization predicate; row-level
// security is the backstop, not the only filter.
func TestListByIDsScopedToOrganization(t *testing.T) {
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer handle.Close()

	mock.ExpectQuery(`FROM memories\s+WHERE organization_id = \$1 AND is_active = TRUE`).
		WithArgs("org1", []byte(`["m1","m2"]`)).
		WillReturnRows(memoryRows("m1", "m2"))

	s := &MemoryStore{}
	out, err := s.ListByIDs(context.Background(), handle, "org1", []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLexicalSearchScopedToOrganization(t *testing.T) {
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer handle.Close()

	mock.ExpectQuery(`FROM memories\s+WHERE organization_id = \$1 AND is_active = TRUE`).
		WithArgs("org1", "postgres tuning", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rank"}).AddRow("m1", 0.42))

	s := &MemoryStore{}
	hits, err := s.LexicalSearch(context.Background(), handle, "org1", "postgres tuning", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
