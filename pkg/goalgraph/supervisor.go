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

package goalgraph

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/store"
)

// ErrSupervisorReject marks a mutation the supervisor refused; handlers
// map it to 409.
var ErrSupervisorReject = apierror.New(409, "supervisor_reject", "mutation requires review")

// minPolicyEvidence is the evidence-link floor for completing a
// policy-typed goal.
const minPolicyEvidence = 2

// Supervisor reviews sensitive goal mutations before they commit.
type Supervisor struct {
	db *store.DB
}

func NewSupervisor(db *store.DB) *Supervisor {
	return &Supervisor{db: db}
}

// ReviewStatusChange gates transitions. Completing a policy goal needs at
// least two evidence links; everything else passes.
func (s *Supervisor) ReviewStatusChange(ctx context.Context, tx *sql.Tx, goal *store.Goal, newStatus string) error {
	if newStatus != store.GoalCompleted || goal.GoalType != store.GoalTypePolicy {
		return nil
	}
	counts, err := s.db.Goals.CountLinksByType(ctx, tx, goal.ID)
	if err != nil {
		return err
	}
	if counts[store.LinkEvidence] < minPolicyEvidence {
		return fmt.Errorf("policy goal %s has %d evidence links, needs %d: %w",
			goal.ID, counts[store.LinkEvidence], minPolicyEvidence, ErrSupervisorReject)
	}
	return nil
}

// ReviewLink gates memory links: a restricted memory cannot serve as
// evidence in a goal whose visibility scope is broader than the memory's
// own scope.
func (s *Supervisor) ReviewLink(goal *store.Goal, memory *store.Memory, link *store.GoalMemoryLink) error {
	if link.LinkType != store.LinkEvidence || memory.Classification != store.ClassRestricted {
		return nil
	}
	if store.ScopeBreadth(goal.VisibilityScope) > store.ScopeBreadth(memory.Scope) {
		return fmt.Errorf("restricted memory %s cannot be evidence in a %s-scoped goal: %w",
			memory.ID, goal.VisibilityScope, ErrSupervisorReject)
	}
	return nil
}
