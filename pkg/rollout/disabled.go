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

//go:build norollout

// Package rollout is excluded from this build. The stub fails at
// construction so a misconfigured binary cannot silently run without
// policy rollouts.
package rollout

import (
	"context"
	"errors"

	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// ErrDisabled is returned by every entry point when the binary was built
// with -tags norollout.
var ErrDisabled = errors.New("rollout manager disabled: binary built with -tags norollout")

// EventSink matches the enabled build's interface.
type EventSink interface {
	Emit(ctx context.Context, tc *tenant.Context, event string, payload map[string]any)
}

// Manager is a non-functional placeholder.
type Manager struct{}

// New fails loud so startup wiring surfaces the missing feature.
func New(db *store.DB, rec *audit.Recorder, sink EventSink, cfg config.RolloutConfig) (*Manager, error) {
	return nil, ErrDisabled
}

func (m *Manager) CreatePolicyVersion(ctx context.Context, tc *tenant.Context, policyName string, config map[string]any) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) DeployToCanary(ctx context.Context, tc *tenant.Context, id string, canaryGroupIDs []string) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) PromoteToStaged(ctx context.Context, tc *tenant.Context, id string, percentage float64) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) ActivateFully(ctx context.Context, tc *tenant.Context, id string) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) Rollback(ctx context.Context, tc *tenant.Context, id, reason string, toVersion *int) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) RecordEvaluation(ctx context.Context, tc *tenant.Context, id string, success bool) (float64, error) {
	return 0, ErrDisabled
}

func (m *Manager) CheckAutoRollback(ctx context.Context, tc *tenant.Context, id string) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) GetVersion(ctx context.Context, tc *tenant.Context, id string) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) ListVersions(ctx context.Context, tc *tenant.Context, name string, limit int) ([]*store.PolicyVersion, error) {
	return nil, ErrDisabled
}

func (m *Manager) GetActive(ctx context.Context, tc *tenant.Context, name string) (*store.PolicyVersion, error) {
	return nil, ErrDisabled
}
