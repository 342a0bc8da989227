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
	"math"
	"time"
)

// CoactivationStore persists the undirected association graph between
// memories that were retrieved together. Edges are canonical: memory_a <
// memory_b.
type CoactivationStore struct{}

// EdgeWeight computes 1 - exp(-lambda*count), the invariant weight for a
// co-activation count.
func EdgeWeight(lambda float64, count int) float64 {
	return 1 - math.Exp(-lambda*float64(count))
}

// CanonicalPair orders two memory ids.
func CanonicalPair(x, y string) (a, b string) {
	if x < y {
		return x, y
	}
	return y, x
}

const coactivationColumns = `memory_a, memory_b, organization_id, count, edge_weight, last_coactivated_at`

// Get returns one edge, or nil.
func (s *CoactivationStore) Get(ctx context.Context, q DBTX, a, b string) (*CoactivationEdge, error) {
	a, b = CanonicalPair(a, b)
	query := `SELECT ` + coactivationColumns + ` FROM memory_coactivation
		WHERE memory_a = $1 AND memory_b = $2`
	rows, err := q.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to get coactivation edge: %w", err)
	}
	defer rows.Close()
	edges, err := scanEdges(rows)
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	return edges[0], nil
}

// Touch records one co-activation of the pair at time now. A touch inside
// the sliding window increments the count; a touch after the window expires
// resets it to 1. The weight invariant is recomputed either way.
func (s *CoactivationStore) Touch(ctx context.Context, q DBTX, orgID, x, y string, now time.Time, window time.Duration, lambda float64) (*CoactivationEdge, error) {
	a, b := CanonicalPair(x, y)
	windowStart := now.Add(-window)

	// A single statement keeps the increment atomic under concurrent
	// workers; the CASE implements the sliding reset.
	const query = `
		INSERT INTO memory_coactivation (memory_a, memory_b, organization_id, count, edge_weight, last_coactivated_at)
		VALUES ($1, $2, $3, 1, $5, $4)
		ON CONFLICT (memory_a, memory_b) DO UPDATE SET
			count = CASE WHEN memory_coactivation.last_coactivated_at >= $6
				THEN memory_coactivation.count + 1 ELSE 1 END,
			last_coactivated_at = $4
		RETURNING ` + coactivationColumns
	rows, err := q.QueryContext(ctx, query, a, b, orgID, now, EdgeWeight(lambda, 1), windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to touch coactivation edge: %w", err)
	}
	defer rows.Close()
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("failed to touch coactivation edge: no row returned")
	}
	edge := edges[0]

	// Rewrite the weight from the post-update count.
	edge.EdgeWeight = EdgeWeight(lambda, edge.Count)
	const wq = `UPDATE memory_coactivation SET edge_weight = $3 WHERE memory_a = $1 AND memory_b = $2`
	if _, err := q.ExecContext(ctx, wq, a, b, edge.EdgeWeight); err != nil {
		return nil, fmt.Errorf("failed to update edge weight: %w", err)
	}
	return edge, nil
}

// ListIncident returns the edges touching one memory, strongest first.
func (s *CoactivationStore) ListIncident(ctx context.Context, q DBTX, memoryID string, limit int) ([]*CoactivationEdge, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + coactivationColumns + ` FROM memory_coactivation
		WHERE memory_a = $1 OR memory_b = $1
		ORDER BY edge_weight DESC, last_coactivated_at DESC
		LIMIT $2`
	rows, err := q.QueryContext(ctx, query, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// PruneWeakest deletes the edges incident to memoryID beyond the top-N by
// weight. Returns the number removed.
func (s *CoactivationStore) PruneWeakest(ctx context.Context, q DBTX, memoryID string, topN int) (int64, error) {
	const query = `
		DELETE FROM memory_coactivation mc
		USING (
			SELECT memory_a, memory_b,
				row_number() OVER (ORDER BY edge_weight DESC, last_coactivated_at DESC) AS rn
			FROM memory_coactivation
			WHERE memory_a = $1 OR memory_b = $1
		) ranked
		WHERE mc.memory_a = ranked.memory_a AND mc.memory_b = ranked.memory_b
		  AND ranked.rn > $2`
	res, err := q.ExecContext(ctx, query, memoryID, topN)
	if err != nil {
		return 0, fmt.Errorf("failed to prune coactivation edges: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MaxWeightWithin returns, for each of ids, the maximum edge weight to any
// other id in the same set. The neighbor-boost component reads it.
func (s *CoactivationStore) MaxWeightWithin(ctx context.Context, q DBTX, ids []string) (map[string]float64, error) {
	out := map[string]float64{}
	if len(ids) < 2 {
		return out, nil
	}
	idsJSON, err := jsonArg(ids)
	if err != nil {
		return nil, err
	}
	const query = `
		WITH result_set AS (
			SELECT (jsonb_array_elements_text($1::jsonb))::uuid AS id
		)
		SELECT memory_a, memory_b, edge_weight
		FROM memory_coactivation
		WHERE memory_a IN (SELECT id FROM result_set)
		  AND memory_b IN (SELECT id FROM result_set)`
	rows, err := q.QueryContext(ctx, query, idsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to load coactivation weights: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a, b string
		var w float64
		if err := rows.Scan(&a, &b, &w); err != nil {
			return nil, fmt.Errorf("failed to scan coactivation weight: %w", err)
		}
		if w > out[a] {
			out[a] = w
		}
		if w > out[b] {
			out[b] = w
		}
	}
	return out, rows.Err()
}

// RenormalizeWeights rewrites every edge weight of the org from its count.
// The nightly decay job calls it to repair accumulated drift.
func (s *CoactivationStore) RenormalizeWeights(ctx context.Context, q DBTX, orgID string, lambda float64) (int64, error) {
	const query = `
		UPDATE memory_coactivation
		SET edge_weight = 1 - exp(-$2 * count)
		WHERE organization_id = $1`
	res, err := q.ExecContext(ctx, query, orgID, lambda)
	if err != nil {
		return 0, fmt.Errorf("failed to renormalize edge weights: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneStale deletes edges that are both weak and old.
func (s *CoactivationStore) PruneStale(ctx context.Context, q DBTX, orgID string, minWeight float64, olderThan time.Time) (int64, error) {
	const query = `
		DELETE FROM memory_coactivation
		WHERE organization_id = $1 AND edge_weight < $2 AND last_coactivated_at < $3`
	res, err := q.ExecContext(ctx, query, orgID, minWeight, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale edges: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListStrongest returns the org's edges with weight >= minWeight, strongest
// first. The causal hypothesis refresh reads it.
func (s *CoactivationStore) ListStrongest(ctx context.Context, q DBTX, orgID string, minWeight float64, limit int) ([]*CoactivationEdge, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + coactivationColumns + ` FROM memory_coactivation
		WHERE organization_id = $1 AND edge_weight >= $2
		ORDER BY edge_weight DESC, last_coactivated_at DESC
		LIMIT $3`
	rows, err := q.QueryContext(ctx, query, orgID, minWeight, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list strongest edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]*CoactivationEdge, error) {
	var out []*CoactivationEdge
	for rows.Next() {
		var e CoactivationEdge
		if err := rows.Scan(&e.MemoryA, &e.MemoryB, &e.OrganizationID,
			&e.Count, &e.EdgeWeight, &e.LastCoactivatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan coactivation edge: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
