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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
)

// MemoryStore persists memory records.
type MemoryStore struct{}

const memoryColumns = `id, organization_id, owner_user_id, scope, scope_id, memory_type,
	classification, required_clearance, title, content_preview, content_hash,
	tags, entities, metadata, source_type, vector_id, embedding_model,
	is_active, legal_hold, access_count, last_accessed_at, created_at, updated_at`

// Create inserts a memory and returns it with generated fields filled in.
func (s *MemoryStore) Create(ctx context.Context, q DBTX, m *Memory) error {
	tags, err := jsonArg(orEmptySlice(m.Tags))
	if err != nil {
		return err
	}
	entities, err := jsonArg(orEmptyEntities(m.Entities))
	if err != nil {
		return err
	}
	metadata, err := jsonArg(orEmptyMap(m.Metadata))
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO memories (organization_id, owner_user_id, scope, scope_id, memory_type,
			classification, required_clearance, title, content_preview, content_hash,
			tags, tags_text, entities, metadata, source_type, vector_id, embedding_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, is_active, legal_hold, access_count, created_at, updated_at`

	err = q.QueryRowContext(ctx, query,
		m.OrganizationID, m.OwnerUserID, m.Scope, nullString(m.ScopeID), m.MemoryType,
		m.Classification, m.RequiredClearance, m.Title, m.ContentPreview, m.ContentHash,
		tags, tagsText(m.Tags), entities, metadata, m.SourceType, m.VectorID, m.EmbeddingModel,
	).Scan(&m.ID, &m.IsActive, &m.LegalHold, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetByID returns one active memory. Rows hidden by RLS surface as
// not-found, indistinguishable from absence.
func (s *MemoryStore) GetByID(ctx context.Context, q DBTX, id string) (*Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE id = $1 AND is_active = TRUE`
	m, err := scanMemory(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return m, err
}

// GetByIDAny returns a memory regardless of is_active. Admin and maintenance
// paths use it.
func (s *MemoryStore) GetByIDAny(ctx context.Context, q DBTX, id string) (*Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE id = $1`
	m, err := scanMemory(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return m, err
}

// FindByContentHash returns the active memory with the given content hash,
// or nil. Ingestion uses it for dedup.
func (s *MemoryStore) FindByContentHash(ctx context.Context, q DBTX, orgID, hash string) (*Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE organization_id = $1 AND content_hash = $2 AND is_active = TRUE
		LIMIT 1`
	m, err := scanMemory(q.QueryRowContext(ctx, query, orgID, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// MemoryUpdate holds the updatable fields; nil means keep.
type MemoryUpdate struct {
	Title          *string
	ContentPreview *string
	Tags           []string
	Entities       map[string][]string
	Metadata       map[string]any
	Scope          *string
	ScopeID        *string
	Classification *string
}

// Update applies a partial update and bumps updated_at.
func (s *MemoryStore) Update(ctx context.Context, q DBTX, id string, upd *MemoryUpdate) (*Memory, error) {
	m, err := s.GetByID(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if upd.Title != nil {
		m.Title = *upd.Title
	}
	if upd.ContentPreview != nil {
		m.ContentPreview = *upd.ContentPreview
	}
	if upd.Tags != nil {
		m.Tags = upd.Tags
	}
	if upd.Entities != nil {
		m.Entities = upd.Entities
	}
	if upd.Metadata != nil {
		m.Metadata = upd.Metadata
	}
	if upd.Scope != nil {
		m.Scope = *upd.Scope
	}
	if upd.ScopeID != nil {
		m.ScopeID = upd.ScopeID
	}
	if upd.Classification != nil {
		m.Classification = *upd.Classification
	}

	tags, err := jsonArg(orEmptySlice(m.Tags))
	if err != nil {
		return nil, err
	}
	entities, err := jsonArg(orEmptyEntities(m.Entities))
	if err != nil {
		return nil, err
	}
	metadata, err := jsonArg(orEmptyMap(m.Metadata))
	if err != nil {
		return nil, err
	}

	const query = `
		UPDATE memories SET title = $2, content_preview = $3, tags = $4, tags_text = $5,
			entities = $6, metadata = $7, scope = $8, scope_id = $9, classification = $10,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
	err = q.QueryRowContext(ctx, query,
		id, m.Title, m.ContentPreview, tags, tagsText(m.Tags),
		entities, metadata, m.Scope, nullString(m.ScopeID), m.Classification,
	).Scan(&m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}
	return m, nil
}

// SoftDelete deactivates a memory. Memories under legal hold refuse.
func (s *MemoryStore) SoftDelete(ctx context.Context, q DBTX, id string) error {
	const query = `UPDATE memories SET is_active = FALSE, updated_at = now()
		WHERE id = $1 AND is_active = TRUE AND legal_hold = FALSE`
	res, err := q.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		held, err := s.isLegalHold(ctx, q, id)
		if err != nil {
			return err
		}
		if held {
			return apierror.New(409, "conflict", "memory is under legal hold")
		}
		return apierror.ErrNotFound
	}
	return nil
}

// SetLegalHold toggles the legal hold flag.
func (s *MemoryStore) SetLegalHold(ctx context.Context, q DBTX, id string, hold bool) error {
	const query = `UPDATE memories SET legal_hold = $2, updated_at = now() WHERE id = $1`
	res, err := q.ExecContext(ctx, query, id, hold)
	if err != nil {
		return fmt.Errorf("failed to set legal hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

func (s *MemoryStore) isLegalHold(ctx context.Context, q DBTX, id string) (bool, error) {
	var held bool
	err := q.QueryRowContext(ctx, `SELECT legal_hold FROM memories WHERE id = $1`, id).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check legal hold: %w", err)
	}
	return held, nil
}

// MemoryFilter narrows List.
type MemoryFilter struct {
	OwnerUserID string
	Scope       string
	MemoryType  string
	Tag         string
	Limit       int
	Offset      int
}

// List returns active memories newest-first. RLS has already constrained
// visibility to the session org.
func (s *MemoryStore) List(ctx context.Context, q DBTX, f MemoryFilter) ([]*Memory, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE is_active = TRUE`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND "+clause, n)
		args = append(args, v)
	}
	if f.OwnerUserID != "" {
		add("owner_user_id = $%d", f.OwnerUserID)
	}
	if f.Scope != "" {
		add("scope = $%d", f.Scope)
	}
	if f.MemoryType != "" {
		add("memory_type = $%d", f.MemoryType)
	}
	if f.Tag != "" {
		add("tags ? $%d", f.Tag)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListByIDs fetches the org's active memories by id, preserving no
// particular order. The org predicate belongs on every tenant-scoped
// select even though row-level security enforces the same boundary.
func (s *MemoryStore) ListByIDs(ctx context.Context, q DBTX, orgID string, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idsJSON, err := jsonArg(ids)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE organization_id = $1 AND is_active = TRUE
		  AND id IN (SELECT (jsonb_array_elements_text($2::jsonb))::uuid)`
	rows, err := q.QueryContext(ctx, query, orgID, idsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch memories by id: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// LexicalHit is one full-text match with its normalized rank.
type LexicalHit struct {
	MemoryID string
	Rank     float64
}

// LexicalSearch runs weighted full-text search over title (A), tags (B) and
// preview (D). ts_rank_cd normalization flag 1 divides by 1+log(doc length).
func (s *MemoryStore) LexicalSearch(ctx context.Context, q DBTX, orgID, queryText string, limit int) ([]LexicalHit, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, ts_rank_cd(search_tsv, plainto_tsquery('english', $2), 1) AS rank
		FROM memories
		WHERE organization_id = $1 AND is_active = TRUE
		  AND search_tsv @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC
		LIMIT $3`
	rows, err := q.QueryContext(ctx, query, orgID, queryText, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.MemoryID, &h.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// RecordAccess bumps the access counter and timestamp for retrieved
// memories. Runs async off a pipeline task, never inline with retrieval.
func (s *MemoryStore) RecordAccess(ctx context.Context, q DBTX, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	idsJSON, err := jsonArg(ids)
	if err != nil {
		return err
	}
	const query = `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = $2
		WHERE id IN (SELECT (jsonb_array_elements_text($1::jsonb))::uuid)`
	if _, err := q.ExecContext(ctx, query, idsJSON, at); err != nil {
		return fmt.Errorf("failed to record memory access: %w", err)
	}
	return nil
}

// Promote converts a short-term memory into a long-term one.
func (s *MemoryStore) Promote(ctx context.Context, q DBTX, id string) error {
	const query = `UPDATE memories SET memory_type = 'long_term', updated_at = now()
		WHERE id = $1 AND memory_type = 'short_term'`
	if _, err := q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to promote memory: %w", err)
	}
	return nil
}

// ListExpiredShortTerm returns short-term memories older than the TTL with
// fewer accesses than the promotion threshold. The reaper deactivates them.
func (s *MemoryStore) ListExpiredShortTerm(ctx context.Context, q DBTX, olderThan time.Time, promotionThreshold, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `
		SELECT id FROM memories
		WHERE memory_type = 'short_term' AND is_active = TRUE AND legal_hold = FALSE
		  AND created_at < $1 AND access_count < $2
		LIMIT $3`
	rows, err := q.QueryContext(ctx, query, olderThan, promotionThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired short-term memories: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListRetentionExpired returns active memories past the retention window,
// excluding legal holds.
func (s *MemoryStore) ListRetentionExpired(ctx context.Context, q DBTX, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `
		SELECT id FROM memories
		WHERE is_active = TRUE AND legal_hold = FALSE AND created_at < $1
		LIMIT $2`
	rows, err := q.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retention-expired memories: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// PurgeInactive hard-deletes soft-deleted rows past the retention horizon
// and returns their vector ids for index cleanup. Legal holds survive
// regardless of age.
func (s *MemoryStore) PurgeInactive(ctx context.Context, q DBTX, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE is_active = FALSE AND legal_hold = FALSE AND updated_at < $1
			LIMIT $2)
		RETURNING vector_id`
	rows, err := q.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to purge memories: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// CountActive returns the active memory count visible to the session.
func (s *MemoryStore) CountActive(ctx context.Context, q DBTX) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE is_active = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

func scanMemory(row *sql.Row) (*Memory, error) {
	var (
		m                              Memory
		scopeID                        sql.NullString
		tags, entities, metadata       []byte
		lastAccessed                   sql.NullTime
	)
	err := row.Scan(&m.ID, &m.OrganizationID, &m.OwnerUserID, &m.Scope, &scopeID, &m.MemoryType,
		&m.Classification, &m.RequiredClearance, &m.Title, &m.ContentPreview, &m.ContentHash,
		&tags, &entities, &metadata, &m.SourceType, &m.VectorID, &m.EmbeddingModel,
		&m.IsActive, &m.LegalHold, &m.AccessCount, &lastAccessed, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}
	m.ScopeID = stringPtr(scopeID)
	m.LastAccessedAt = timePtr(lastAccessed)
	if err := scanJSON(tags, &m.Tags); err != nil {
		return nil, err
	}
	if err := scanJSON(entities, &m.Entities); err != nil {
		return nil, err
	}
	if err := scanJSON(metadata, &m.Metadata); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		var (
			m                        Memory
			scopeID                  sql.NullString
			tags, entities, metadata []byte
			lastAccessed             sql.NullTime
		)
		err := rows.Scan(&m.ID, &m.OrganizationID, &m.OwnerUserID, &m.Scope, &scopeID, &m.MemoryType,
			&m.Classification, &m.RequiredClearance, &m.Title, &m.ContentPreview, &m.ContentHash,
			&tags, &entities, &metadata, &m.SourceType, &m.VectorID, &m.EmbeddingModel,
			&m.IsActive, &m.LegalHold, &m.AccessCount, &lastAccessed, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		m.ScopeID = stringPtr(scopeID)
		m.LastAccessedAt = timePtr(lastAccessed)
		if err := scanJSON(tags, &m.Tags); err != nil {
			return nil, err
		}
		if err := scanJSON(entities, &m.Entities); err != nil {
			return nil, err
		}
		if err := scanJSON(metadata, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyEntities(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}
