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

// AgentRunStore persists agent runs and their trajectory events. One row
// exists per (org, memory, agent_name, agent_version); re-runs update it.
type AgentRunStore struct{}

const agentRunColumns = `id, organization_id, memory_id, agent_name, agent_version, inputs_hash,
	status, confidence, outputs, warnings, errors, trace_id, provenance, started_at, finished_at`

// Find returns the existing run for the idempotency key, or nil.
func (s *AgentRunStore) Find(ctx context.Context, q DBTX, orgID, memoryID, name, version string) (*AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs
		WHERE organization_id = $1 AND memory_id = $2 AND agent_name = $3 AND agent_version = $4`
	run, err := scanAgentRun(q.QueryRowContext(ctx, query, orgID, memoryID, name, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// Get returns one run by id.
func (s *AgentRunStore) Get(ctx context.Context, q DBTX, id string) (*AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs WHERE id = $1`
	run, err := scanAgentRun(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return run, err
}

// Upsert creates or restarts the run row for the idempotency key, stamping
// the new inputs hash and started_at. The runner calls it before executing
// the agent so trajectory events have a row to attach to.
func (s *AgentRunStore) Upsert(ctx context.Context, q DBTX, run *AgentRun) error {
	outputs, err := jsonArg(orEmptyMap(run.Outputs))
	if err != nil {
		return err
	}
	warnings, err := jsonArg(orEmptySlice(run.Warnings))
	if err != nil {
		return err
	}
	errs, err := jsonArg(orEmptySlice(run.Errors))
	if err != nil {
		return err
	}
	provenance, err := jsonArg(orEmptyMap(run.Provenance))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO agent_runs (organization_id, memory_id, agent_name, agent_version, inputs_hash,
			status, confidence, outputs, warnings, errors, trace_id, provenance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (organization_id, memory_id, agent_name, agent_version) DO UPDATE SET
			inputs_hash = EXCLUDED.inputs_hash,
			status = EXCLUDED.status,
			trace_id = EXCLUDED.trace_id,
			started_at = now(),
			finished_at = NULL
		RETURNING id, started_at`
	err = q.QueryRowContext(ctx, query,
		run.OrganizationID, run.MemoryID, run.AgentName, run.AgentVersion, run.InputsHash,
		run.Status, run.Confidence, outputs, warnings, errs, run.TraceID, provenance,
	).Scan(&run.ID, &run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent run: %w", err)
	}
	return nil
}

// Finish persists the final result onto the run row.
func (s *AgentRunStore) Finish(ctx context.Context, q DBTX, run *AgentRun) error {
	outputs, err := jsonArg(orEmptyMap(run.Outputs))
	if err != nil {
		return err
	}
	warnings, err := jsonArg(orEmptySlice(run.Warnings))
	if err != nil {
		return err
	}
	errs, err := jsonArg(orEmptySlice(run.Errors))
	if err != nil {
		return err
	}
	provenance, err := jsonArg(orEmptyMap(run.Provenance))
	if err != nil {
		return err
	}
	const query = `
		UPDATE agent_runs SET status = $2, confidence = $3, outputs = $4, warnings = $5,
			errors = $6, provenance = $7, finished_at = now()
		WHERE id = $1
		RETURNING finished_at`
	var finished sql.NullTime
	err = q.QueryRowContext(ctx, query,
		run.ID, run.Status, run.Confidence, outputs, warnings, errs, provenance,
	).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to finish agent run: %w", err)
	}
	run.FinishedAt = timePtr(finished)
	return nil
}

// ListForMemory returns all runs against one memory, newest first.
func (s *AgentRunStore) ListForMemory(ctx context.Context, q DBTX, memoryID string) ([]*AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs
		WHERE memory_id = $1 ORDER BY started_at DESC`
	rows, err := q.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer rows.Close()
	return scanAgentRuns(rows)
}

// SuccessfulOutputs returns agent_name -> outputs for the sibling agents
// that already succeeded against this memory. Step 2 of the run procedure
// loads prior enrichment through it.
func (s *AgentRunStore) SuccessfulOutputs(ctx context.Context, q DBTX, memoryID string, agentNames []string) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if len(agentNames) == 0 {
		return out, nil
	}
	namesJSON, err := jsonArg(agentNames)
	if err != nil {
		return nil, err
	}
	const query = `
		SELECT DISTINCT ON (agent_name) agent_name, outputs
		FROM agent_runs
		WHERE memory_id = $1 AND status = 'success'
		  AND agent_name IN (SELECT jsonb_array_elements_text($2::jsonb))
		ORDER BY agent_name, started_at DESC`
	rows, err := q.QueryContext(ctx, query, memoryID, namesJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to load prior enrichment: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			raw  []byte
		)
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment outputs: %w", err)
		}
		outputs := map[string]any{}
		if err := scanJSON(raw, &outputs); err != nil {
			return nil, err
		}
		out[name] = outputs
	}
	return out, rows.Err()
}

// AppendEvent writes one trajectory event for a run.
func (s *AgentRunStore) AppendEvent(ctx context.Context, q DBTX, e *AgentRunEvent) error {
	payload, err := jsonArg(orEmptyMap(e.Payload))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO agent_run_events (run_id, step_index, event_type, summary_text, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	err = q.QueryRowContext(ctx, query,
		e.RunID, e.StepIndex, e.EventType, e.SummaryText, payload,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

// ListEvents returns a run's trajectory in step order.
func (s *AgentRunStore) ListEvents(ctx context.Context, q DBTX, runID string) ([]*AgentRunEvent, error) {
	const query = `
		SELECT id, run_id, step_index, event_type, summary_text, payload, created_at
		FROM agent_run_events WHERE run_id = $1 ORDER BY step_index`
	rows, err := q.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var out []*AgentRunEvent
	for rows.Next() {
		var (
			e       AgentRunEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepIndex, &e.EventType,
			&e.SummaryText, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		if err := scanJSON(payload, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanAgentRun(row *sql.Row) (*AgentRun, error) {
	var (
		run                                  AgentRun
		outputs, warnings, errs, provenance  []byte
		finished                             sql.NullTime
	)
	err := row.Scan(&run.ID, &run.OrganizationID, &run.MemoryID, &run.AgentName, &run.AgentVersion,
		&run.InputsHash, &run.Status, &run.Confidence, &outputs, &warnings, &errs,
		&run.TraceID, &provenance, &run.StartedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agent run: %w", err)
	}
	run.FinishedAt = timePtr(finished)
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{outputs, &run.Outputs}, {warnings, &run.Warnings}, {errs, &run.Errors}, {provenance, &run.Provenance},
	} {
		if err := scanJSON(pair.raw, pair.dst); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func scanAgentRuns(rows *sql.Rows) ([]*AgentRun, error) {
	var out []*AgentRun
	for rows.Next() {
		var (
			run                                 AgentRun
			outputs, warnings, errs, provenance []byte
			finished                            sql.NullTime
		)
		err := rows.Scan(&run.ID, &run.OrganizationID, &run.MemoryID, &run.AgentName, &run.AgentVersion,
			&run.InputsHash, &run.Status, &run.Confidence, &outputs, &warnings, &errs,
			&run.TraceID, &provenance, &run.StartedAt, &finished)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent run: %w", err)
		}
		run.FinishedAt = timePtr(finished)
		for _, pair := range []struct {
			raw []byte
			dst any
		}{
			{outputs, &run.Outputs}, {warnings, &run.Warnings}, {errs, &run.Errors}, {provenance, &run.Provenance},
		} {
			if err := scanJSON(pair.raw, pair.dst); err != nil {
				return nil, err
			}
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}
