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

// Package permissions is the access decision kernel. It never errors on
// "no access": a denial is a Decision with Allowed=false and a method
// naming which rule fired. Errors are reserved for structural failures
// (a query that could not run). The database's row-level security is the
// second, authoritative line of defense; the two must agree.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/observability"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// Decision methods, in the order the rules are evaluated.
const (
	MethodOwn          = "own"
	MethodTeam         = "team"
	MethodShare        = "share"
	MethodScope        = "scope"
	MethodClearance    = "clearance"
	MethodOrgIsolation = "org_isolation"
	MethodNotFound     = "not_found"
	MethodNone         = "none"
)

// Actions on memories.
const (
	ActionRead    = "read"
	ActionComment = "comment"
	ActionWrite   = "write"
	ActionShare   = "share"
	ActionDelete  = "delete"
)

// Decision is the result of one access check.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Method  string         `json:"method"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

func allow(method, reason string) Decision {
	return Decision{Allowed: true, Method: method, Reason: reason}
}

func deny(method, reason string) Decision {
	return Decision{Allowed: false, Method: method, Reason: reason}
}

// Kernel computes access decisions and effective permission sets.
type Kernel struct {
	db       *store.DB
	cache    *cache.Client
	recorder *audit.Recorder
	metrics  *observability.Metrics
	permTTL  time.Duration
	now      func() time.Time
}

// New builds a Kernel. cache, recorder and metrics may be nil.
func New(db *store.DB, c *cache.Client, rec *audit.Recorder, m *observability.Metrics, permTTL time.Duration) *Kernel {
	if permTTL <= 0 {
		permTTL = 30 * time.Second
	}
	return &Kernel{db: db, cache: c, recorder: rec, metrics: m, permTTL: permTTL, now: time.Now}
}

// CheckMemoryAccess runs the decision rules for one memory, first match
// wins:
//
//  1. memory exists and is not soft-deleted
//  2. same organization
//  3. clearance at or above the memory's requirement
//  4. ownership
//  5. team scope with role sub-matrix
//  6. explicit share grant
//  7. organization/global scope, read only
//  8. deny
//
// Every decision is audit-logged.
func (k *Kernel) CheckMemoryAccess(ctx context.Context, q store.DBTX, tc *tenant.Context, memoryID, action string) (Decision, error) {
	d, err := k.decide(ctx, q, tc, memoryID, action)
	if err != nil {
		return Decision{}, err
	}
	if k.recorder != nil {
		k.recorder.Decision(ctx, q, tc, "memory", memoryID, action, d.Allowed, d.Method, d.Reason)
	}
	if k.metrics != nil {
		k.metrics.RecordPermissionDecision(ctx, action, d.Method, d.Allowed)
	}
	return d, nil
}

func (k *Kernel) decide(ctx context.Context, q store.DBTX, tc *tenant.Context, memoryID, action string) (Decision, error) {
	m, err := k.db.Memories.GetByIDAny(ctx, q, memoryID)
	if err != nil || m == nil || !m.IsActive {
		if err != nil && !errors.Is(err, apierror.ErrNotFound) {
			return Decision{}, err
		}
		return deny(MethodNotFound, "memory does not exist"), nil
	}
	return k.decideOn(ctx, q, tc, m, action)
}

// decideOn evaluates the rules against an already-loaded memory row.
// The batched filter uses it to avoid per-row lookups.
func (k *Kernel) decideOn(ctx context.Context, q store.DBTX, tc *tenant.Context, m *store.Memory, action string) (Decision, error) {
	if m.OrganizationID != tc.OrganizationID {
		return deny(MethodOrgIsolation, "memory belongs to another organization"), nil
	}
	if m.RequiredClearance > tc.ClearanceLevel {
		return deny(MethodClearance,
			fmt.Sprintf("requires clearance %d, user has %d", m.RequiredClearance, tc.ClearanceLevel)), nil
	}
	if m.OwnerUserID == tc.UserID {
		return allow(MethodOwn, "user owns the memory"), nil
	}

	if m.Scope == store.ScopeTeam && m.ScopeID != nil {
		teamRoles, err := k.db.Orgs.ListUserTeamRoles(ctx, q, tc.OrganizationID, tc.UserID)
		if err != nil {
			return Decision{}, err
		}
		// A team role that does not cover the action is not a denial:
		// an explicit share can still grant it below.
		if role, ok := teamRoles[*m.ScopeID]; ok && teamRoleCovers(role, action) {
			return allow(MethodTeam, fmt.Sprintf("team %s as %s", *m.ScopeID, role)), nil
		}
	}

	shares, err := k.db.Sharing.ListForUser(ctx, q, m.ID, tc.UserID, k.now())
	if err != nil {
		return Decision{}, err
	}
	for _, sh := range shares {
		if store.PermissionCovers(sh.Permission, action) {
			return allow(MethodShare, fmt.Sprintf("explicit %s share via %s", sh.Permission, sh.ShareType)), nil
		}
	}

	if action == ActionRead {
		switch m.Scope {
		case store.ScopeOrganization, store.ScopeGlobal:
			return allow(MethodScope, m.Scope+" scope is org-readable"), nil
		case store.ScopeDepartment, store.ScopeDivision:
			if m.ScopeID != nil {
				in, err := k.db.Orgs.UserInUnitSubtree(ctx, q, tc.OrganizationID, tc.UserID, *m.ScopeID)
				if err != nil {
					return Decision{}, err
				}
				if in {
					return allow(MethodScope, "user is inside the "+m.Scope+" unit"), nil
				}
			}
		}
	}

	return deny(MethodNone, "no rule grants "+action), nil
}

// FilterMemoryIDs returns the subset of ids the user may perform action
// on, preserving input order. It produces the same allow-set as
// per-id CheckMemoryAccess, but batches the row loads; denials are not
// individually audit-logged here (the retrieval path logs its own gating).
func (k *Kernel) FilterMemoryIDs(ctx context.Context, q store.DBTX, tc *tenant.Context, ids []string, action string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	memories, err := k.db.Memories.ListByIDs(ctx, q, tc.OrganizationID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	allowed := make([]string, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok || !m.IsActive {
			continue
		}
		d, err := k.decideOn(ctx, q, tc, m, action)
		if err != nil {
			return nil, err
		}
		if d.Allowed {
			allowed = append(allowed, id)
		}
	}
	return allowed, nil
}

// teamRoleCovers is the team-scope sub-matrix: any member reads and
// comments, leads and admins write and share, only admins delete.
func teamRoleCovers(role, action string) bool {
	switch action {
	case ActionRead, ActionComment:
		return role == store.TeamRoleMember || role == store.TeamRoleLead || role == store.TeamRoleAdmin
	case ActionWrite, ActionShare:
		return role == store.TeamRoleLead || role == store.TeamRoleAdmin
	case ActionDelete:
		return role == store.TeamRoleAdmin
	}
	return false
}

// EffectivePermissions returns the union of permission strings from the
// user's non-expired roles in the org, cached with a short TTL.
func (k *Kernel) EffectivePermissions(ctx context.Context, q store.DBTX, tc *tenant.Context) ([]string, error) {
	key := cache.PermissionKey(tc.OrganizationID, tc.UserID)
	var cached []string
	if k.cache.GetJSON(ctx, key, &cached) {
		if k.metrics != nil {
			k.metrics.RecordCacheAccess(ctx, "permissions", true)
		}
		return cached, nil
	}
	if k.metrics != nil {
		k.metrics.RecordCacheAccess(ctx, "permissions", false)
	}

	roles, err := k.db.Orgs.ListUserRoles(ctx, q, tc.OrganizationID, tc.UserID, k.now())
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var perms []string
	for _, r := range roles {
		for _, p := range r.Permissions {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	k.cache.SetJSON(ctx, key, perms, k.permTTL)
	return perms, nil
}

// HasPermission reports whether the effective set grants required, which
// is "resource:action" or "resource:action:qualifier". Wildcards held by
// the user match per segment: resource:* covers every action on the
// resource, resource:action:* every qualifier, and *:* everything
// (as does admin:*).
func (k *Kernel) HasPermission(ctx context.Context, q store.DBTX, tc *tenant.Context, required string) (bool, error) {
	perms, err := k.EffectivePermissions(ctx, q, tc)
	if err != nil {
		return false, err
	}
	return PermissionSetGrants(perms, required), nil
}

// PermissionSetGrants is the pure wildcard match over a permission set.
func PermissionSetGrants(held []string, required string) bool {
	for _, h := range held {
		if h == "*:*" || h == "admin:*" || h == required {
			return true
		}
		if matchesWildcard(h, required) {
			return true
		}
	}
	return false
}

func matchesWildcard(held, required string) bool {
	hp := strings.Split(held, ":")
	rp := strings.Split(required, ":")
	if len(hp) > len(rp)+1 {
		return false
	}
	for i, h := range hp {
		if h == "*" {
			return true
		}
		if i >= len(rp) || h != rp[i] {
			return false
		}
	}
	// held is a prefix of required with no wildcard: "memory:create" does
	// not grant "memory:create:team"
	return len(hp) == len(rp)
}

// Invalidate drops one user's cached permission set, called on role
// assignment or share changes.
func (k *Kernel) Invalidate(ctx context.Context, orgID, userID string) {
	k.cache.Delete(ctx, cache.PermissionKey(orgID, userID))
}

// InvalidateOrg drops every cached set in the org, called when a role's
// permission strings change.
func (k *Kernel) InvalidateOrg(ctx context.Context, orgID string) {
	k.cache.DeletePattern(ctx, cache.PermissionOrgPattern(orgID))
}

// Explanation is the payload behind "why can I see this?".
type Explanation struct {
	MemoryID  string              `json:"memory_id"`
	Roles     []string            `json:"roles"`
	Decisions map[string]Decision `json:"decisions"`
}

// ExplainAccess returns the per-action decision for one memory plus the
// user's current role names.
func (k *Kernel) ExplainAccess(ctx context.Context, q store.DBTX, tc *tenant.Context, memoryID string) (*Explanation, error) {
	roles, err := k.db.Orgs.ListUserRoles(ctx, q, tc.OrganizationID, tc.UserID, k.now())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}

	out := &Explanation{MemoryID: memoryID, Roles: names, Decisions: map[string]Decision{}}
	for _, action := range []string{ActionRead, ActionComment, ActionWrite, ActionShare, ActionDelete} {
		d, err := k.decide(ctx, q, tc, memoryID, action)
		if err != nil {
			return nil, err
		}
		out.Decisions[action] = d
	}
	return out, nil
}
