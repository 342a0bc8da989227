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

// PolicyStore persists versioned policy configurations and their rollout
// state. A partial unique index keeps at most one active version per
// (org, policy_name).
type PolicyStore struct{}

const policyColumns = `id, organization_id, policy_name, version, rollout_status, rollout_percentage,
	canary_group_ids, policy_config, validation_schema, success_count, failure_count,
	activated_at, superseded_by_version, rolled_back_to_version, rollback_reason, created_at, updated_at`

// CreateDraft inserts a new draft version, numbered one past the current
// maximum for the policy name.
func (s *PolicyStore) CreateDraft(ctx context.Context, q DBTX, p *PolicyVersion) error {
	canary, err := jsonArg(orEmptySlice(p.CanaryGroupIDs))
	if err != nil {
		return err
	}
	config, err := jsonArg(orEmptyMap(p.PolicyConfig))
	if err != nil {
		return err
	}
	schema, err := jsonArg(orEmptyMap(p.ValidationSchema))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO policy_versions (organization_id, policy_name, version, rollout_status,
			rollout_percentage, canary_group_ids, policy_config, validation_schema)
		SELECT $1, $2, coalesce(max(version), 0) + 1, 'draft', 0.0, $3, $4, $5
		FROM policy_versions WHERE organization_id = $1 AND policy_name = $2
		RETURNING id, version, created_at, updated_at`
	err = q.QueryRowContext(ctx, query,
		p.OrganizationID, p.PolicyName, canary, config, schema,
	).Scan(&p.ID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "concurrent version creation, retry")
	}
	if err != nil {
		return fmt.Errorf("failed to create policy draft: %w", err)
	}
	p.RolloutStatus = RolloutDraft
	p.RolloutPercentage = 0
	return nil
}

// Get returns one policy version by id.
func (s *PolicyStore) Get(ctx context.Context, q DBTX, id string) (*PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_versions WHERE id = $1`
	p, err := scanPolicy(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return p, err
}

// GetVersion returns one version of a named policy.
func (s *PolicyStore) GetVersion(ctx context.Context, q DBTX, orgID, name string, version int) (*PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_versions
		WHERE organization_id = $1 AND policy_name = $2 AND version = $3`
	p, err := scanPolicy(q.QueryRowContext(ctx, query, orgID, name, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return p, err
}

// GetActive returns the single active version of a named policy, or nil
// when none is active.
func (s *PolicyStore) GetActive(ctx context.Context, q DBTX, orgID, name string) (*PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_versions
		WHERE organization_id = $1 AND policy_name = $2 AND rollout_status = 'active'`
	p, err := scanPolicy(q.QueryRowContext(ctx, query, orgID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// List returns a policy's versions newest-first, every policy when name is
// empty.
func (s *PolicyStore) List(ctx context.Context, q DBTX, name string, limit int) ([]*PolicyVersion, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + policyColumns + ` FROM policy_versions WHERE TRUE`
	args := []any{}
	if name != "" {
		args = append(args, name)
		query += fmt.Sprintf(" AND policy_name = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY policy_name, version DESC LIMIT $%d", len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy versions: %w", err)
	}
	defer rows.Close()
	return scanPolicies(rows)
}

// SetStage moves a version through the rollout lifecycle. Activation also
// stamps activated_at and resets the evaluation counters; the caller
// enforces the legal transition order and supersedes the previous active
// version first.
func (s *PolicyStore) SetStage(ctx context.Context, q DBTX, id, status string, percentage float64, canaryGroupIDs []string) error {
	canary, err := jsonArg(orEmptySlice(canaryGroupIDs))
	if err != nil {
		return err
	}
	const query = `
		UPDATE policy_versions SET rollout_status = $2, rollout_percentage = $3,
			canary_group_ids = $4,
			activated_at = CASE WHEN $2 = 'active' THEN now() ELSE activated_at END,
			success_count = CASE WHEN $2 = 'active' THEN 0 ELSE success_count END,
			failure_count = CASE WHEN $2 = 'active' THEN 0 ELSE failure_count END,
			updated_at = now()
		WHERE id = $1`
	res, err := q.ExecContext(ctx, query, id, status, percentage, canary)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "another version is already active")
	}
	if err != nil {
		return fmt.Errorf("failed to set rollout stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// MarkSuperseded retires the active version in favor of a newer one.
func (s *PolicyStore) MarkSuperseded(ctx context.Context, q DBTX, id string, byVersion int) error {
	const query = `
		UPDATE policy_versions SET rollout_status = 'superseded', superseded_by_version = $2,
			updated_at = now()
		WHERE id = $1`
	res, err := q.ExecContext(ctx, query, id, byVersion)
	if err != nil {
		return fmt.Errorf("failed to supersede policy version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// MarkRolledBack records a rollback of this version to an earlier one.
func (s *PolicyStore) MarkRolledBack(ctx context.Context, q DBTX, id string, toVersion int, reason string) error {
	const query = `
		UPDATE policy_versions SET rollout_status = 'rolled_back', rolled_back_to_version = $2,
			rollback_reason = $3, updated_at = now()
		WHERE id = $1`
	res, err := q.ExecContext(ctx, query, id, toVersion, reason)
	if err != nil {
		return fmt.Errorf("failed to roll back policy version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// Reactivate restores a previously superseded or rolled-back version to
// active, clearing its retirement markers.
func (s *PolicyStore) Reactivate(ctx context.Context, q DBTX, id string) error {
	const query = `
		UPDATE policy_versions SET rollout_status = 'active', rollout_percentage = 1.0,
			superseded_by_version = NULL, rolled_back_to_version = NULL, rollback_reason = '',
			activated_at = now(), updated_at = now()
		WHERE id = $1`
	res, err := q.ExecContext(ctx, query, id)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "another version is already active")
	}
	if err != nil {
		return fmt.Errorf("failed to reactivate policy version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// RecordEvaluation increments the success or failure counter and returns
// the updated totals for the auto-rollback check.
func (s *PolicyStore) RecordEvaluation(ctx context.Context, q DBTX, id string, success bool) (successes, failures int, err error) {
	const query = `
		UPDATE policy_versions SET
			success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
			updated_at = now()
		WHERE id = $1
		RETURNING success_count, failure_count`
	err = q.QueryRowContext(ctx, query, id, success).Scan(&successes, &failures)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, apierror.ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record policy evaluation: %w", err)
	}
	return successes, failures, nil
}

func scanPolicy(row *sql.Row) (*PolicyVersion, error) {
	var (
		p                       PolicyVersion
		canary, config, schema  []byte
		activatedAt             sql.NullTime
		supersededBy, rolledTo  sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &p.PolicyName, &p.Version, &p.RolloutStatus,
		&p.RolloutPercentage, &canary, &config, &schema, &p.SuccessCount, &p.FailureCount,
		&activatedAt, &supersededBy, &rolledTo, &p.RollbackReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan policy version: %w", err)
	}
	finishPolicy(&p, activatedAt, supersededBy, rolledTo)
	if err := scanJSON(canary, &p.CanaryGroupIDs); err != nil {
		return nil, err
	}
	if err := scanJSON(config, &p.PolicyConfig); err != nil {
		return nil, err
	}
	if err := scanJSON(schema, &p.ValidationSchema); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPolicies(rows *sql.Rows) ([]*PolicyVersion, error) {
	var out []*PolicyVersion
	for rows.Next() {
		var (
			p                      PolicyVersion
			canary, config, schema []byte
			activatedAt            sql.NullTime
			supersededBy, rolledTo sql.NullInt64
		)
		err := rows.Scan(&p.ID, &p.OrganizationID, &p.PolicyName, &p.Version, &p.RolloutStatus,
			&p.RolloutPercentage, &canary, &config, &schema, &p.SuccessCount, &p.FailureCount,
			&activatedAt, &supersededBy, &rolledTo, &p.RollbackReason, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy version row: %w", err)
		}
		finishPolicy(&p, activatedAt, supersededBy, rolledTo)
		if err := scanJSON(canary, &p.CanaryGroupIDs); err != nil {
			return nil, err
		}
		if err := scanJSON(config, &p.PolicyConfig); err != nil {
			return nil, err
		}
		if err := scanJSON(schema, &p.ValidationSchema); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func finishPolicy(p *PolicyVersion, activatedAt sql.NullTime, supersededBy, rolledTo sql.NullInt64) {
	p.ActivatedAt = timePtr(activatedAt)
	if supersededBy.Valid {
		v := int(supersededBy.Int64)
		p.SupersededByVersion = &v
	}
	if rolledTo.Valid {
		v := int(rolledTo.Int64)
		p.RolledBackToVersion = &v
	}
	if total := p.SuccessCount + p.FailureCount; total > 0 {
		p.ErrorRate = float64(p.FailureCount) / float64(total)
	}
}
