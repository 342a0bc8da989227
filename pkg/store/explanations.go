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

// ExplanationStore persists the append-only retrieval explanation log.
type ExplanationStore struct{}

// Append writes one explanation. It runs inside the search's bookkeeping
// transaction; persistence is mandatory, so errors propagate.
func (s *ExplanationStore) Append(ctx context.Context, q DBTX, e *RetrievalExplanation) error {
	results, err := jsonArg(e.Results)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO retrieval_explanations (organization_id, user_id, query_hash, top_k, results)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, retrieved_at`
	err = q.QueryRowContext(ctx, query,
		e.OrganizationID, e.UserID, e.QueryHash, e.TopK, results,
	).Scan(&e.ID, &e.RetrievedAt)
	if err != nil {
		return fmt.Errorf("failed to append retrieval explanation: %w", err)
	}
	return nil
}

// Get returns one explanation by id.
func (s *ExplanationStore) Get(ctx context.Context, q DBTX, id string) (*RetrievalExplanation, error) {
	const query = `
		SELECT id, organization_id, user_id, query_hash, top_k, results, retrieved_at
		FROM retrieval_explanations WHERE id = $1`
	var (
		e       RetrievalExplanation
		results []byte
	)
	err := q.QueryRowContext(ctx, query, id).
		Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.QueryHash, &e.TopK, &results, &e.RetrievedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retrieval explanation: %w", err)
	}
	if err := scanJSON(results, &e.Results); err != nil {
		return nil, err
	}
	return &e, nil
}

// ExplanationFilter narrows List.
type ExplanationFilter struct {
	UserID    string
	QueryHash string
	Limit     int
	Offset    int
}

// List returns explanations newest-first.
func (s *ExplanationStore) List(ctx context.Context, q DBTX, f ExplanationFilter) ([]*RetrievalExplanation, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT id, organization_id, user_id, query_hash, top_k, results, retrieved_at
		FROM retrieval_explanations WHERE TRUE`
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.QueryHash != "" {
		args = append(args, f.QueryHash)
		query += fmt.Sprintf(" AND query_hash = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY retrieved_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrieval explanations: %w", err)
	}
	defer rows.Close()

	var out []*RetrievalExplanation
	for rows.Next() {
		var (
			e       RetrievalExplanation
			results []byte
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.QueryHash,
			&e.TopK, &results, &e.RetrievedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retrieval explanation: %w", err)
		}
		if err := scanJSON(results, &e.Results); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
