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

// ActivationStore persists the per-memory retrieval counters.
type ActivationStore struct{}

const activationColumns = `memory_id, organization_id, base_importance, confidence,
	contradicted, risk_factor, access_count, last_accessed_at, updated_at`

// Get returns the activation state for one memory, or nil when none has
// been observed yet. Callers fall back to DefaultActivationState.
func (s *ActivationStore) Get(ctx context.Context, q DBTX, memoryID string) (*ActivationState, error) {
	query := `SELECT ` + activationColumns + ` FROM memory_activation WHERE memory_id = $1`
	rows, err := q.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get activation state: %w", err)
	}
	defer rows.Close()
	states, err := scanActivationStates(rows)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return states[0], nil
}

// GetMany returns activation states keyed by memory id. Memories never
// retrieved before are absent from the map.
func (s *ActivationStore) GetMany(ctx context.Context, q DBTX, memoryIDs []string) (map[string]*ActivationState, error) {
	out := map[string]*ActivationState{}
	if len(memoryIDs) == 0 {
		return out, nil
	}
	idsJSON, err := jsonArg(memoryIDs)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + activationColumns + ` FROM memory_activation
		WHERE memory_id IN (SELECT (jsonb_array_elements_text($1::jsonb))::uuid)`
	rows, err := q.QueryContext(ctx, query, idsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to get activation states: %w", err)
	}
	defer rows.Close()
	states, err := scanActivationStates(rows)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		out[st.MemoryID] = st
	}
	return out, nil
}

// RecordAccess creates the state on first observation (with defaults) and
// bumps access_count and last_accessed_at. Increments are monotonic, so
// retried tasks at worst over-count; no idempotency key is kept.
func (s *ActivationStore) RecordAccess(ctx context.Context, q DBTX, orgID, memoryID string, at time.Time) error {
	const query = `
		INSERT INTO memory_activation (memory_id, organization_id, access_count, last_accessed_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (memory_id) DO UPDATE SET
			access_count = memory_activation.access_count + 1,
			last_accessed_at = EXCLUDED.last_accessed_at,
			updated_at = now()`
	if _, err := q.ExecContext(ctx, query, memoryID, orgID, at); err != nil {
		return fmt.Errorf("failed to record activation access: %w", err)
	}
	return nil
}

// ActivationUpdate adjusts the scored fields; nil means keep.
type ActivationUpdate struct {
	BaseImportance *float64
	Confidence     *float64
	Contradicted   *bool
	RiskFactor     *float64
}

// Upsert applies an update, creating the row with defaults first if needed.
func (s *ActivationStore) Upsert(ctx context.Context, q DBTX, orgID, memoryID string, upd ActivationUpdate) error {
	const query = `
		INSERT INTO memory_activation (memory_id, organization_id)
		VALUES ($1, $2)
		ON CONFLICT (memory_id) DO NOTHING`
	if _, err := q.ExecContext(ctx, query, memoryID, orgID); err != nil {
		return fmt.Errorf("failed to seed activation state: %w", err)
	}

	set := ""
	args := []any{memoryID}
	add := func(col string, v any) {
		args = append(args, v)
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", col, len(args))
	}
	if upd.BaseImportance != nil {
		add("base_importance", *upd.BaseImportance)
	}
	if upd.Confidence != nil {
		add("confidence", *upd.Confidence)
	}
	if upd.Contradicted != nil {
		add("contradicted", *upd.Contradicted)
	}
	if upd.RiskFactor != nil {
		add("risk_factor", *upd.RiskFactor)
	}
	if set == "" {
		return nil
	}
	query2 := `UPDATE memory_activation SET ` + set + `, updated_at = now() WHERE memory_id = $1`
	if _, err := q.ExecContext(ctx, query2, args...); err != nil {
		return fmt.Errorf("failed to update activation state: %w", err)
	}
	return nil
}

// ClampAll forces every field of the org's activation states back into its
// valid range. The nightly decay job calls it to repair drift.
func (s *ActivationStore) ClampAll(ctx context.Context, q DBTX, orgID string) (int64, error) {
	const query = `
		UPDATE memory_activation SET
			base_importance = LEAST(GREATEST(base_importance, 0.0), 1.0),
			confidence      = LEAST(GREATEST(confidence, 0.0), 1.0),
			risk_factor     = LEAST(GREATEST(risk_factor, 0.0), 1.0),
			access_count    = GREATEST(access_count, 0),
			updated_at      = now()
		WHERE organization_id = $1
		  AND (base_importance < 0.0 OR base_importance > 1.0
			OR confidence < 0.0 OR confidence > 1.0
			OR risk_factor < 0.0 OR risk_factor > 1.0
			OR access_count < 0)`
	res, err := q.ExecContext(ctx, query, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to clamp activation states: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanActivationStates(rows *sql.Rows) ([]*ActivationState, error) {
	var out []*ActivationState
	for rows.Next() {
		var (
			st           ActivationState
			lastAccessed sql.NullTime
		)
		if err := rows.Scan(&st.MemoryID, &st.OrganizationID, &st.BaseImportance, &st.Confidence,
			&st.Contradicted, &st.RiskFactor, &st.AccessCount, &lastAccessed, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activation state: %w", err)
		}
		st.LastAccessedAt = timePtr(lastAccessed)
		out = append(out, &st)
	}
	return out, rows.Err()
}
