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

	"github.com/memoros-io/memoros/pkg/apierror"
)

// EnrichmentStore persists the side effects agents materialize: topic
// assignments, memory graph edges, detected patterns, the per-org
// feedback-learning config and export records.
type EnrichmentStore struct{}

// UpsertTopic assigns a topic to a memory, refreshing the weight when the
// pair already exists.
func (s *EnrichmentStore) UpsertTopic(ctx context.Context, q DBTX, t *MemoryTopic) error {
	const query = `
		INSERT INTO memory_topics (organization_id, memory_id, topic, scope, scope_id, weight)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (memory_id, topic) DO UPDATE SET
			scope = EXCLUDED.scope,
			scope_id = EXCLUDED.scope_id,
			weight = EXCLUDED.weight
		RETURNING id, created_at`
	err := q.QueryRowContext(ctx, query,
		t.OrganizationID, t.MemoryID, t.Topic, t.Scope, nullString(t.ScopeID), t.Weight,
	).Scan(&t.ID, &t.CreatedAt)
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to upsert topic: %w", err)
	}
	return nil
}

// ReplaceTopics swaps a memory's topic set in one shot, the way the topic
// agent rewrites its output on re-run.
func (s *EnrichmentStore) ReplaceTopics(ctx context.Context, q DBTX, memoryID string, topics []*MemoryTopic) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM memory_topics WHERE memory_id = $1`, memoryID); err != nil {
		return fmt.Errorf("failed to clear topics: %w", err)
	}
	for _, t := range topics {
		if err := s.UpsertTopic(ctx, q, t); err != nil {
			return err
		}
	}
	return nil
}

// ListTopics returns a memory's topics, heaviest first.
func (s *EnrichmentStore) ListTopics(ctx context.Context, q DBTX, memoryID string) ([]*MemoryTopic, error) {
	const query = `
		SELECT id, organization_id, memory_id, topic, scope, scope_id, weight, created_at
		FROM memory_topics WHERE memory_id = $1 ORDER BY weight DESC, topic`
	rows, err := q.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var out []*MemoryTopic
	for rows.Next() {
		var (
			t       MemoryTopic
			scopeID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.MemoryID, &t.Topic, &t.Scope,
			&scopeID, &t.Weight, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		t.ScopeID = stringPtr(scopeID)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// TopicMemoryIDs returns ids of other memories sharing at least one topic
// with the given memory. The graph-linking agent seeds candidates from it.
func (s *EnrichmentStore) TopicMemoryIDs(ctx context.Context, q DBTX, memoryID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT DISTINCT other.memory_id
		FROM memory_topics mine
		JOIN memory_topics other ON other.topic = mine.topic AND other.memory_id <> mine.memory_id
		WHERE mine.memory_id = $1
		LIMIT $2`
	rows, err := q.QueryContext(ctx, query, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find topic siblings: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// UpsertGraphEdge records a typed relation between two memories, keeping
// the maximum confidence seen for the triple.
func (s *EnrichmentStore) UpsertGraphEdge(ctx context.Context, q DBTX, e *MemoryGraphEdge) error {
	const query = `
		INSERT INTO memory_graph_edges (organization_id, from_memory_id, to_memory_id, relation, confidence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (from_memory_id, to_memory_id, relation) DO UPDATE SET
			confidence = GREATEST(memory_graph_edges.confidence, EXCLUDED.confidence)
		RETURNING id, created_at`
	err := q.QueryRowContext(ctx, query,
		e.OrganizationID, e.FromMemoryID, e.ToMemoryID, e.Relation, e.Confidence,
	).Scan(&e.ID, &e.CreatedAt)
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to upsert graph edge: %w", err)
	}
	return nil
}

// ListGraphEdges returns the typed edges touching one memory, either
// direction, most confident first.
func (s *EnrichmentStore) ListGraphEdges(ctx context.Context, q DBTX, memoryID string, minConfidence float64) ([]*MemoryGraphEdge, error) {
	const query = `
		SELECT id, organization_id, from_memory_id, to_memory_id, relation, confidence, created_at
		FROM memory_graph_edges
		WHERE (from_memory_id = $1 OR to_memory_id = $1) AND confidence >= $2
		ORDER BY confidence DESC`
	rows, err := q.QueryContext(ctx, query, memoryID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to list graph edges: %w", err)
	}
	defer rows.Close()

	var out []*MemoryGraphEdge
	for rows.Next() {
		var e MemoryGraphEdge
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.FromMemoryID, &e.ToMemoryID,
			&e.Relation, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan graph edge: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AddPattern records one detected pattern occurrence.
func (s *EnrichmentStore) AddPattern(ctx context.Context, q DBTX, p *MemoryPattern) error {
	details, err := jsonArg(orEmptyMap(p.Details))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO memory_patterns (organization_id, memory_id, pattern_type, description, support, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err = q.QueryRowContext(ctx, query,
		p.OrganizationID, p.MemoryID, p.PatternType, p.Description, p.Support, details,
	).Scan(&p.ID, &p.CreatedAt)
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert pattern: %w", err)
	}
	return nil
}

// ListPatterns returns a memory's detected patterns, strongest support
// first.
func (s *EnrichmentStore) ListPatterns(ctx context.Context, q DBTX, memoryID string) ([]*MemoryPattern, error) {
	const query = `
		SELECT id, organization_id, memory_id, pattern_type, description, support, details, created_at
		FROM memory_patterns WHERE memory_id = $1 ORDER BY support DESC, created_at DESC`
	rows, err := q.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []*MemoryPattern
	for rows.Next() {
		var (
			p       MemoryPattern
			details []byte
		)
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.MemoryID, &p.PatternType,
			&p.Description, &p.Support, &details, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		if err := scanJSON(details, &p.Details); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetLearningConfig returns the org's feedback-learning tunables, or a
// fresh zero config when none has been saved yet.
func (s *EnrichmentStore) GetLearningConfig(ctx context.Context, q DBTX, orgID string) (*FeedbackLearningConfig, error) {
	const query = `
		SELECT organization_id, stopwords, thresholds, weights, updated_at
		FROM feedback_learning_config WHERE organization_id = $1`
	var (
		c                               FeedbackLearningConfig
		stopwords, thresholds, weights  []byte
	)
	err := q.QueryRowContext(ctx, query, orgID).
		Scan(&c.OrganizationID, &stopwords, &thresholds, &weights, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &FeedbackLearningConfig{OrganizationID: orgID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load learning config: %w", err)
	}
	if err := scanJSON(stopwords, &c.Stopwords); err != nil {
		return nil, err
	}
	if err := scanJSON(thresholds, &c.Thresholds); err != nil {
		return nil, err
	}
	if err := scanJSON(weights, &c.Weights); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveLearningConfig upserts the org's feedback-learning tunables.
func (s *EnrichmentStore) SaveLearningConfig(ctx context.Context, q DBTX, c *FeedbackLearningConfig) error {
	stopwords, err := jsonArg(orEmptySlice(c.Stopwords))
	if err != nil {
		return err
	}
	thresholds, err := jsonArg(orEmptyMap(c.Thresholds))
	if err != nil {
		return err
	}
	weights, err := jsonArg(orEmptyMap(c.Weights))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO feedback_learning_config (organization_id, stopwords, thresholds, weights)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id) DO UPDATE SET
			stopwords = EXCLUDED.stopwords,
			thresholds = EXCLUDED.thresholds,
			weights = EXCLUDED.weights,
			updated_at = now()
		RETURNING updated_at`
	if err := q.QueryRowContext(ctx, query, c.OrganizationID, stopwords, thresholds, weights).
		Scan(&c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save learning config: %w", err)
	}
	return nil
}

// RecordExport upserts the export record for (memory, target), refreshing
// path and content hash.
func (s *EnrichmentStore) RecordExport(ctx context.Context, q DBTX, r *ExportRecord) error {
	const query = `
		INSERT INTO export_records (organization_id, memory_id, target, path, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (memory_id, target) DO UPDATE SET
			path = EXCLUDED.path,
			content_hash = EXCLUDED.content_hash,
			exported_at = now()
		RETURNING id, exported_at`
	err := q.QueryRowContext(ctx, query,
		r.OrganizationID, r.MemoryID, r.Target, r.Path, r.ContentHash,
	).Scan(&r.ID, &r.ExportedAt)
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to record export: %w", err)
	}
	return nil
}

// GetExport returns the export record for (memory, target), or nil when
// the memory was never exported there. The export agent skips rewrites
// when the content hash is unchanged.
func (s *EnrichmentStore) GetExport(ctx context.Context, q DBTX, memoryID, target string) (*ExportRecord, error) {
	const query = `
		SELECT id, organization_id, memory_id, target, path, content_hash, exported_at
		FROM export_records WHERE memory_id = $1 AND target = $2`
	var r ExportRecord
	err := q.QueryRowContext(ctx, query, memoryID, target).
		Scan(&r.ID, &r.OrganizationID, &r.MemoryID, &r.Target, &r.Path, &r.ContentHash, &r.ExportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load export record: %w", err)
	}
	return &r, nil
}
