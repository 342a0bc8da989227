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

// Package audit records every authorization decision, mutation and
// failure as an append-only event. Recording is best-effort from the
// caller's point of view: a failed audit write is logged, never
// propagated, so the audited operation itself is unaffected.
package audit

import (
	"context"

	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// Outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
	OutcomeOK      = "ok"
)

// Recorder writes audit events through a store handle.
type Recorder struct {
	store *store.AuditStore
}

// NewRecorder returns a Recorder over the given audit store.
func NewRecorder(s *store.AuditStore) *Recorder {
	return &Recorder{store: s}
}

// Event is the caller-facing shape; tenant identity is filled from the
// context at record time.
type Event struct {
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Reason       string
	Details      map[string]any
}

// Record appends one event inside the caller's transaction. Errors are
// swallowed after logging; audit must not fail the audited operation.
func (r *Recorder) Record(ctx context.Context, q store.DBTX, tc *tenant.Context, ev Event) {
	if r == nil {
		return
	}
	row := &store.AuditEvent{
		OrganizationID: tc.OrganizationID,
		ActorID:        tc.UserID,
		Action:         ev.Action,
		ResourceType:   ev.ResourceType,
		ResourceID:     ev.ResourceID,
		Outcome:        ev.Outcome,
		Reason:         ev.Reason,
		TraceID:        tc.TraceID,
		Justification:  tc.Justification,
		Details:        ev.Details,
	}
	if err := r.store.Append(ctx, q, row); err != nil {
		logger.GetLogger().Warn("audit append failed",
			"action", ev.Action, "resource_type", ev.ResourceType, "error", err)
	}
}

// Decision records an access decision with its method and reason.
func (r *Recorder) Decision(ctx context.Context, q store.DBTX, tc *tenant.Context, resourceType, resourceID, action string, allowed bool, method, reason string) {
	outcome := OutcomeDenied
	if allowed {
		outcome = OutcomeAllowed
	}
	r.Record(ctx, q, tc, Event{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Reason:       reason,
		Details:      map[string]any{"method": method},
	})
}
