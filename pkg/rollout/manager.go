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

//go:build !norollout

// Package rollout manages the staged policy lifecycle:
//
//	draft → canary → staged → active → (superseded | rolled_back)
//
// Evaluations feed an error rate per version; a sustained rate above the
// threshold triggers an automatic rollback to the previous active
// version. Building with -tags norollout swaps in a stub that fails at
// construction.
package rollout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// Auto-rollback defaults: a version is rolled back once it has seen at
// least minEvaluations results and its error rate exceeds the threshold.
const (
	autoRollbackThreshold = 0.1
	autoRollbackMinEvals  = 100
)

// EventSink receives rollout lifecycle events. The outbound webhook
// dispatcher implements it; nil disables notification.
type EventSink interface {
	Emit(ctx context.Context, tc *tenant.Context, event string, payload map[string]any)
}

// Manager drives policy versions through the rollout lifecycle.
type Manager struct {
	db        *store.DB
	rec       *audit.Recorder
	sink      EventSink
	threshold float64
	minEvals  int
	now       func() time.Time
}

// New builds a rollout manager; rec and sink may be nil. Zero cfg
// fields fall back to the package defaults.
func New(db *store.DB, rec *audit.Recorder, sink EventSink, cfg config.RolloutConfig) (*Manager, error) {
	m := &Manager{
		db: db, rec: rec, sink: sink,
		threshold: autoRollbackThreshold,
		minEvals:  autoRollbackMinEvals,
		now:       time.Now,
	}
	if cfg.AutoRollbackThreshold > 0 {
		m.threshold = cfg.AutoRollbackThreshold
	}
	if cfg.AutoRollbackMinEvaluations > 0 {
		m.minEvals = cfg.AutoRollbackMinEvaluations
	}
	return m, nil
}

// CreatePolicyVersion inserts a new draft, numbered one past the current
// maximum for the policy name. The JSON schema for known policy names is
// generated and persisted alongside the config.
func (m *Manager) CreatePolicyVersion(ctx context.Context, tc *tenant.Context, policyName string, config map[string]any) (*store.PolicyVersion, error) {
	if policyName == "" {
		return nil, fmt.Errorf("policy name is required: %w", apierror.ErrValidation)
	}
	if err := ValidateConfig(policyName, config); err != nil {
		return nil, err
	}
	p := &store.PolicyVersion{
		OrganizationID:   tc.OrganizationID,
		PolicyName:       policyName,
		PolicyConfig:     config,
		ValidationSchema: SchemaFor(policyName),
	}
	err := m.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		if err := m.db.Policies.CreateDraft(ctx, tx, p); err != nil {
			return err
		}
		m.record(ctx, tx, tc, "policy.create", p.ID, map[string]any{
			"policy_name": policyName, "version": p.Version,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeployToCanary moves a draft to canary for an explicit set of groups.
// The percentage stays zero; canary exposure is group-based.
func (m *Manager) DeployToCanary(ctx context.Context, tc *tenant.Context, id string, canaryGroupIDs []string) (*store.PolicyVersion, error) {
	if len(canaryGroupIDs) == 0 {
		return nil, fmt.Errorf("canary deployment needs at least one group: %w", apierror.ErrValidation)
	}
	return m.transition(ctx, tc, id, func(tx *sql.Tx, p *store.PolicyVersion) error {
		if p.RolloutStatus != store.RolloutDraft {
			return stageConflict(p.RolloutStatus, store.RolloutCanary)
		}
		if err := m.db.Policies.SetStage(ctx, tx, id, store.RolloutCanary, 0, canaryGroupIDs); err != nil {
			return err
		}
		p.RolloutStatus = store.RolloutCanary
		p.CanaryGroupIDs = canaryGroupIDs
		m.record(ctx, tx, tc, "policy.canary", p.ID, map[string]any{
			"policy_name": p.PolicyName, "version": p.Version, "groups": len(canaryGroupIDs),
		})
		return nil
	})
}

// PromoteToStaged widens a canary (or re-widens a staged version) to a
// percentage of the population, in [0, 1].
func (m *Manager) PromoteToStaged(ctx context.Context, tc *tenant.Context, id string, percentage float64) (*store.PolicyVersion, error) {
	if percentage < 0 || percentage > 1 {
		return nil, fmt.Errorf("rollout percentage must be in [0, 1]: %w", apierror.ErrValidation)
	}
	return m.transition(ctx, tc, id, func(tx *sql.Tx, p *store.PolicyVersion) error {
		if p.RolloutStatus != store.RolloutCanary && p.RolloutStatus != store.RolloutStaged {
			return stageConflict(p.RolloutStatus, store.RolloutStaged)
		}
		if err := m.db.Policies.SetStage(ctx, tx, id, store.RolloutStaged, percentage, p.CanaryGroupIDs); err != nil {
			return err
		}
		p.RolloutStatus = store.RolloutStaged
		p.RolloutPercentage = percentage
		m.record(ctx, tx, tc, "policy.stage", p.ID, map[string]any{
			"policy_name": p.PolicyName, "version": p.Version, "percentage": percentage,
		})
		return nil
	})
}

// ActivateFully promotes a staged version to the single active one. Any
// currently active version of the same policy is superseded first.
func (m *Manager) ActivateFully(ctx context.Context, tc *tenant.Context, id string) (*store.PolicyVersion, error) {
	return m.transition(ctx, tc, id, func(tx *sql.Tx, p *store.PolicyVersion) error {
		if p.RolloutStatus != store.RolloutStaged {
			return stageConflict(p.RolloutStatus, store.RolloutActive)
		}
		current, err := m.db.Policies.GetActive(ctx, tx, p.OrganizationID, p.PolicyName)
		if err != nil {
			return err
		}
		if current != nil && current.ID != p.ID {
			if err := m.db.Policies.MarkSuperseded(ctx, tx, current.ID, p.Version); err != nil {
				return err
			}
		}
		if err := m.db.Policies.SetStage(ctx, tx, id, store.RolloutActive, 1.0, p.CanaryGroupIDs); err != nil {
			return err
		}
		p.RolloutStatus = store.RolloutActive
		p.RolloutPercentage = 1.0
		m.record(ctx, tx, tc, "policy.activate", p.ID, map[string]any{
			"policy_name": p.PolicyName, "version": p.Version,
		})
		m.emit(ctx, tc, "policy.activated", p)
		return nil
	})
}

// Rollback retires a staged or active version and reactivates the newest
// earlier version that previously reached active, when one exists.
// toVersion pins the target explicitly.
func (m *Manager) Rollback(ctx context.Context, tc *tenant.Context, id, reason string, toVersion *int) (*store.PolicyVersion, error) {
	if reason == "" {
		return nil, fmt.Errorf("rollback reason is required: %w", apierror.ErrValidation)
	}
	return m.transition(ctx, tc, id, func(tx *sql.Tx, p *store.PolicyVersion) error {
		if p.RolloutStatus != store.RolloutActive && p.RolloutStatus != store.RolloutStaged {
			return stageConflict(p.RolloutStatus, store.RolloutRolledBack)
		}
		target, err := m.rollbackTarget(ctx, tx, p, toVersion)
		if err != nil {
			return err
		}
		targetVersion := 0
		if target != nil {
			targetVersion = target.Version
		}
		if err := m.db.Policies.MarkRolledBack(ctx, tx, p.ID, targetVersion, reason); err != nil {
			return err
		}
		if target != nil {
			if err := m.db.Policies.Reactivate(ctx, tx, target.ID); err != nil {
				return err
			}
		}
		p.RolloutStatus = store.RolloutRolledBack
		p.RollbackReason = reason
		if target != nil {
			p.RolledBackToVersion = &target.Version
		}
		m.record(ctx, tx, tc, "policy.rollback", p.ID, map[string]any{
			"policy_name": p.PolicyName, "version": p.Version,
			"to_version": targetVersion, "reason": reason,
		})
		m.emit(ctx, tc, "policy.rolled_back", p)
		return nil
	})
}

// rollbackTarget picks the version to restore: the pinned one, or the
// newest earlier version that was active and got superseded.
func (m *Manager) rollbackTarget(ctx context.Context, tx *sql.Tx, p *store.PolicyVersion, toVersion *int) (*store.PolicyVersion, error) {
	if toVersion != nil {
		return m.db.Policies.GetVersion(ctx, tx, p.OrganizationID, p.PolicyName, *toVersion)
	}
	versions, err := m.db.Policies.List(ctx, tx, p.PolicyName, 0)
	if err != nil {
		return nil, err
	}
	var best *store.PolicyVersion
	for _, v := range versions {
		if v.Version >= p.Version {
			continue
		}
		if v.RolloutStatus != store.RolloutSuperseded && v.RolloutStatus != store.RolloutActive {
			continue
		}
		if best == nil || v.Version > best.Version {
			best = v
		}
	}
	return best, nil
}

// RecordEvaluation counts one success or failure against a version and
// returns the updated error rate.
func (m *Manager) RecordEvaluation(ctx context.Context, tc *tenant.Context, id string, success bool) (errorRate float64, err error) {
	err = m.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		successes, failures, err := m.db.Policies.RecordEvaluation(ctx, tx, id, success)
		if err != nil {
			return err
		}
		if total := successes + failures; total > 0 {
			errorRate = float64(failures) / float64(total)
		}
		return nil
	})
	return errorRate, err
}

// CheckAutoRollback rolls an active version back when its error rate
// exceeds the threshold over enough evaluations. Returns the rolled-back
// version, or nil when the version is healthy.
func (m *Manager) CheckAutoRollback(ctx context.Context, tc *tenant.Context, id string) (*store.PolicyVersion, error) {
	var p *store.PolicyVersion
	err := m.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		p, err = m.db.Policies.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.RolloutStatus != store.RolloutActive {
		return nil, nil
	}
	total := p.SuccessCount + p.FailureCount
	if total < m.minEvals || p.ErrorRate <= m.threshold {
		return nil, nil
	}
	reason := fmt.Sprintf("auto-rollback: error rate %.3f over %d evaluations exceeds %.2f",
		p.ErrorRate, total, m.threshold)
	return m.Rollback(ctx, tc, id, reason, nil)
}

// GetVersion returns one policy version.
func (m *Manager) GetVersion(ctx context.Context, tc *tenant.Context, id string) (*store.PolicyVersion, error) {
	var p *store.PolicyVersion
	err := m.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		p, err = m.db.Policies.Get(ctx, tx, id)
		return err
	})
	return p, err
}

// ListVersions returns a policy's versions newest-first, every policy
// when name is empty.
func (m *Manager) ListVersions(ctx context.Context, tc *tenant.Context, name string, limit int) ([]*store.PolicyVersion, error) {
	var out []*store.PolicyVersion
	err := m.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		out, err = m.db.Policies.List(ctx, tx, name, limit)
		return err
	})
	return out, err
}

// GetActive returns the active version of a named policy, or nil.
func (m *Manager) GetActive(ctx context.Context, tc *tenant.Context, name string) (*store.PolicyVersion, error) {
	var p *store.PolicyVersion
	err := m.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		p, err = m.db.Policies.GetActive(ctx, tx, tc.OrganizationID, name)
		return err
	})
	return p, err
}

// transition loads the version, runs the step inside the tenant tx and
// returns the mutated row.
func (m *Manager) transition(ctx context.Context, tc *tenant.Context, id string, step func(tx *sql.Tx, p *store.PolicyVersion) error) (*store.PolicyVersion, error) {
	var p *store.PolicyVersion
	err := m.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		p, err = m.db.Policies.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		return step(tx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Manager) record(ctx context.Context, tx *sql.Tx, tc *tenant.Context, action, resourceID string, details map[string]any) {
	if m.rec == nil {
		return
	}
	m.rec.Record(ctx, tx, tc, audit.Event{
		Action: action, ResourceType: "policy_version", ResourceID: resourceID,
		Outcome: audit.OutcomeOK, Details: details,
	})
}

func (m *Manager) emit(ctx context.Context, tc *tenant.Context, event string, p *store.PolicyVersion) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(ctx, tc, event, map[string]any{
		"policy_name": p.PolicyName,
		"version":     p.Version,
		"status":      p.RolloutStatus,
		"percentage":  p.RolloutPercentage,
	})
}

func stageConflict(from, to string) error {
	return apierror.New(409, "invalid_transition",
		fmt.Sprintf("cannot move a %s version to %s", from, to))
}
