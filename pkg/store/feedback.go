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
	"fmt"
	"time"
)

// FeedbackStore persists per-memory user feedback signals.
type FeedbackStore struct{}

// Create appends one feedback row.
func (s *FeedbackStore) Create(ctx context.Context, q DBTX, f *MemoryFeedback) error {
	payload, err := jsonArg(orEmptyMap(f.Payload))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO memory_feedback (organization_id, memory_id, actor_id, feedback_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, is_applied, created_at`
	err = q.QueryRowContext(ctx, query,
		f.OrganizationID, f.MemoryID, f.ActorID, f.FeedbackType, payload,
	).Scan(&f.ID, &f.IsApplied, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// LatestRelevance returns, for each of memoryIDs, the actor's most recent
// relevance feedback inside the window. The reranker multiplies scores by
// it. Memories with no feedback are absent from the map.
func (s *FeedbackStore) LatestRelevance(ctx context.Context, q DBTX, actorID string, memoryIDs []string, since time.Time) (map[string]*MemoryFeedback, error) {
	out := map[string]*MemoryFeedback{}
	if len(memoryIDs) == 0 {
		return out, nil
	}
	idsJSON, err := jsonArg(memoryIDs)
	if err != nil {
		return nil, err
	}
	const query = `
		SELECT DISTINCT ON (memory_id)
			id, organization_id, memory_id, actor_id, feedback_type, payload, is_applied, created_at
		FROM memory_feedback
		WHERE actor_id = $1 AND feedback_type = 'relevance' AND created_at >= $3
		  AND memory_id IN (SELECT (jsonb_array_elements_text($2::jsonb))::uuid)
		ORDER BY memory_id, created_at DESC`
	rows, err := q.QueryContext(ctx, query, actorID, idsJSON, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load relevance feedback: %w", err)
	}
	defer rows.Close()
	list, err := scanFeedback(rows)
	if err != nil {
		return nil, err
	}
	for _, f := range list {
		out[f.MemoryID] = f
	}
	return out, nil
}

// PendingFingerprint summarizes the unapplied feedback for one memory as
// "<count>:<max_created_at_unix>". The feedback-learning agent folds it
// into its inputs hash so new feedback re-invalidates cached runs.
func (s *FeedbackStore) PendingFingerprint(ctx context.Context, q DBTX, memoryID string) (string, error) {
	const query = `
		SELECT count(*), coalesce(max(created_at), 'epoch'::timestamptz)
		FROM memory_feedback
		WHERE memory_id = $1 AND is_applied = FALSE`
	var (
		n      int
		latest time.Time
	)
	if err := q.QueryRowContext(ctx, query, memoryID).Scan(&n, &latest); err != nil {
		return "", fmt.Errorf("failed to fingerprint pending feedback: %w", err)
	}
	return fmt.Sprintf("%d:%d", n, latest.Unix()), nil
}

// ListPending returns the unapplied feedback for one memory, oldest first.
func (s *FeedbackStore) ListPending(ctx context.Context, q DBTX, memoryID string) ([]*MemoryFeedback, error) {
	const query = `
		SELECT id, organization_id, memory_id, actor_id, feedback_type, payload, is_applied, created_at
		FROM memory_feedback
		WHERE memory_id = $1 AND is_applied = FALSE
		ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending feedback: %w", err)
	}
	defer rows.Close()
	return scanFeedback(rows)
}

// MarkApplied flags feedback rows as consumed by the learning agent.
func (s *FeedbackStore) MarkApplied(ctx context.Context, q DBTX, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idsJSON, err := jsonArg(ids)
	if err != nil {
		return err
	}
	const query = `
		UPDATE memory_feedback SET is_applied = TRUE
		WHERE id IN (SELECT (jsonb_array_elements_text($1::jsonb))::uuid)`
	if _, err := q.ExecContext(ctx, query, idsJSON); err != nil {
		return fmt.Errorf("failed to mark feedback applied: %w", err)
	}
	return nil
}

func scanFeedback(rows *sql.Rows) ([]*MemoryFeedback, error) {
	var out []*MemoryFeedback
	for rows.Next() {
		var (
			f       MemoryFeedback
			payload []byte
		)
		if err := rows.Scan(&f.ID, &f.OrganizationID, &f.MemoryID, &f.ActorID,
			&f.FeedbackType, &payload, &f.IsApplied, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		if err := scanJSON(payload, &f.Payload); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
