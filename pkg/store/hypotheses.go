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
	"sort"

	"github.com/memoros-io/memoros/pkg/apierror"
)

// HypothesisStore persists derived causal hypotheses.
type HypothesisStore struct{}

const hypothesisColumns = `id, organization_id, relation, evidence_memory_ids, confidence, status, created_at, updated_at`

// Upsert derives or refreshes a hypothesis for (org, relation, evidence
// set). Evidence ids are sorted before matching so the set is canonical.
// An existing non-rejected row keeps the maximum confidence ever observed;
// a contested row resurrects to proposed. Rejected rows stay rejected.
func (s *HypothesisStore) Upsert(ctx context.Context, q DBTX, h *CausalHypothesis) error {
	sort.Strings(h.EvidenceMemoryIDs)
	evidence, err := jsonArg(orEmptySlice(h.EvidenceMemoryIDs))
	if err != nil {
		return err
	}

	existing, err := s.find(ctx, q, h.OrganizationID, h.Relation, evidence)
	if err != nil {
		return err
	}
	if existing == nil {
		if h.Status == "" {
			h.Status = HypothesisProposed
		}
		const query = `
			INSERT INTO causal_hypotheses (organization_id, relation, evidence_memory_ids, confidence, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at`
		err := q.QueryRowContext(ctx, query,
			h.OrganizationID, h.Relation, evidence, h.Confidence, h.Status,
		).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert hypothesis: %w", err)
		}
		return nil
	}

	if existing.Status == HypothesisRejected {
		*h = *existing
		return nil
	}
	confidence := existing.Confidence
	if h.Confidence > confidence {
		confidence = h.Confidence
	}
	status := existing.Status
	if status == HypothesisContested {
		status = HypothesisProposed
	}
	const query = `
		UPDATE causal_hypotheses SET confidence = $2, status = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
	if err := q.QueryRowContext(ctx, query, existing.ID, confidence, status).Scan(&existing.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update hypothesis: %w", err)
	}
	existing.Confidence = confidence
	existing.Status = status
	*h = *existing
	return nil
}

func (s *HypothesisStore) find(ctx context.Context, q DBTX, orgID, relation string, evidence []byte) (*CausalHypothesis, error) {
	query := `SELECT ` + hypothesisColumns + ` FROM causal_hypotheses
		WHERE organization_id = $1 AND relation = $2 AND evidence_memory_ids = $3::jsonb`
	h, err := scanHypothesis(q.QueryRowContext(ctx, query, orgID, relation, evidence))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

// Get returns one hypothesis by id.
func (s *HypothesisStore) Get(ctx context.Context, q DBTX, id string) (*CausalHypothesis, error) {
	query := `SELECT ` + hypothesisColumns + ` FROM causal_hypotheses WHERE id = $1`
	h, err := scanHypothesis(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return h, err
}

// SetStatus transitions a hypothesis, e.g. an analyst contesting or
// rejecting it.
func (s *HypothesisStore) SetStatus(ctx context.Context, q DBTX, id, status string) error {
	switch status {
	case HypothesisProposed, HypothesisActive, HypothesisContested, HypothesisRejected:
	default:
		return apierror.New(422, "validation_error", fmt.Sprintf("unknown hypothesis status %q", status))
	}
	res, err := q.ExecContext(ctx,
		`UPDATE causal_hypotheses SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set hypothesis status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// List returns the org's hypotheses, optionally filtered by status,
// most confident first.
func (s *HypothesisStore) List(ctx context.Context, q DBTX, status string, limit int) ([]*CausalHypothesis, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + hypothesisColumns + ` FROM causal_hypotheses WHERE TRUE`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY confidence DESC, updated_at DESC LIMIT $%d", len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hypotheses: %w", err)
	}
	defer rows.Close()

	var out []*CausalHypothesis
	for rows.Next() {
		var (
			h        CausalHypothesis
			evidence []byte
		)
		if err := rows.Scan(&h.ID, &h.OrganizationID, &h.Relation, &evidence,
			&h.Confidence, &h.Status, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hypothesis: %w", err)
		}
		if err := scanJSON(evidence, &h.EvidenceMemoryIDs); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func scanHypothesis(row *sql.Row) (*CausalHypothesis, error) {
	var (
		h        CausalHypothesis
		evidence []byte
	)
	err := row.Scan(&h.ID, &h.OrganizationID, &h.Relation, &evidence,
		&h.Confidence, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan hypothesis: %w", err)
	}
	if err := scanJSON(evidence, &h.EvidenceMemoryIDs); err != nil {
		return nil, err
	}
	return &h, nil
}
