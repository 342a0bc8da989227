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

package permissions

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

func TestPermissionSetGrants(t *testing.T) {
	cases := []struct {
		name     string
		held     []string
		required string
		want     bool
	}{
		{"exact", []string{"memory:read"}, "memory:read", true},
		{"missing", []string{"memory:read"}, "memory:write", false},
		{"resource wildcard", []string{"memory:*"}, "memory:delete", true},
		{"resource wildcard other resource", []string{"memory:*"}, "goal:read", false},
		{"action wildcard", []string{"memory:create:*"}, "memory:create:team", true},
		{"action wildcard wrong action", []string{"memory:create:*"}, "memory:delete:team", false},
		{"super admin", []string{"*:*"}, "anything:at:all", true},
		{"admin marker", []string{"admin:*"}, "policy:activate", true},
		{"prefix without wildcard", []string{"memory:create"}, "memory:create:team", false},
		{"union across roles", []string{"goal:read", "memory:write"}, "memory:write", true},
		{"empty set", nil, "memory:read", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PermissionSetGrants(tc.held, tc.required))
		})
	}
}

func TestTeamRoleCovers(t *testing.T) {
	// any member reads and comments; lead/admin write and share; admin deletes
	for _, role := range []string{store.TeamRoleMember, store.TeamRoleLead, store.TeamRoleAdmin} {
		assert.True(t, teamRoleCovers(role, ActionRead), role)
		assert.True(t, teamRoleCovers(role, ActionComment), role)
	}
	assert.False(t, teamRoleCovers(store.TeamRoleMember, ActionWrite))
	assert.False(t, teamRoleCovers(store.TeamRoleMember, ActionShare))
	assert.True(t, teamRoleCovers(store.TeamRoleLead, ActionWrite))
	assert.True(t, teamRoleCovers(store.TeamRoleLead, ActionShare))
	assert.False(t, teamRoleCovers(store.TeamRoleLead, ActionDelete))
	assert.True(t, teamRoleCovers(store.TeamRoleAdmin, ActionDelete))
	assert.False(t, teamRoleCovers("stranger", ActionRead))
}

func TestDecisionHelpers(t *testing.T) {
	d := allow(MethodOwn, "user owns the memory")
	assert.True(t, d.Allowed)
	assert.Equal(t, MethodOwn, d.Method)

	d = deny(MethodOrgIsolation, "memory belongs to another organization")
	assert.False(t, d.Allowed)
	assert.Equal(t, MethodOrgIsolation, d.Method)
}

func testKernel(t *testing.T) (*Kernel, sqlmock.Sqlmock, *store.DB) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	db := store.NewDB(handle)
	return New(db, nil, nil, nil, 0), mock, db
}

func expectTeamRoles(mock sqlmock.Sqlmock, pairs ...string) {
	rows := sqlmock.NewRows([]string{"id", "role"})
	for i := 0; i+1 < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	mock.ExpectQuery("FROM teams t").WillReturnRows(rows)
}

func expectShares(mock sqlmock.Sqlmock, permissions ...string) {
	rows := sqlmock.NewRows([]string{
		"id", "memory_id", "share_type", "target_id", "permission", "expires_at", "created_by", "created_at",
	})
	for i, p := range permissions {
		rows.AddRow("s1", "m1", "user", "u1", p, nil, "granter", time.Now().Add(time.Duration(-i)*time.Hour))
	}
	mock.ExpectQuery("FROM memory_sharing ms").WillReturnRows(rows)
}

func expectSubtree(mock sqlmock.Sqlmock, in bool) {
	rows := sqlmock.NewRows([]string{"?column?"})
	if in {
		rows.AddRow(1)
	}
	mock.ExpectQuery("FROM org_hierarchy target").WillReturnRows(rows)
}

// Exercises each decision rule in evaluation order against a loaded row.
func TestMemoryAccessDecisionOrder(t *testing.T) {
	teamID := "team1"
	unitID := "unit1"
	tc := &tenant.Context{UserID: "u1", OrganizationID: "org1", ClearanceLevel: 1}

	cases := []struct {
		name       string
		memory     store.Memory
		action     string
		setup      func(mock sqlmock.Sqlmock)
		wantAllow  bool
		wantMethod string
	}{
		{
			name:       "foreign org denied before anything else",
			memory:     store.Memory{ID: "m1", OrganizationID: "org2", OwnerUserID: "u1", Scope: store.ScopeOrganization, IsActive: true},
			action:     ActionRead,
			wantAllow:  false,
			wantMethod: MethodOrgIsolation,
		},
		{
			name:       "clearance wall blocks even the owner",
			memory:     store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "u1", RequiredClearance: 3, Scope: store.ScopePersonal, IsActive: true},
			action:     ActionRead,
			wantAllow:  false,
			wantMethod: MethodClearance,
		},
		{
			name:       "owner gets every action",
			memory:     store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "u1", Scope: store.ScopePersonal, IsActive: true},
			action:     ActionDelete,
			wantAllow:  true,
			wantMethod: MethodOwn,
		},
		{
			name:   "team member reads",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeTeam, ScopeID: &teamID, IsActive: true},
			action: ActionRead,
			setup: func(mock sqlmock.Sqlmock) {
				expectTeamRoles(mock, teamID, store.TeamRoleMember)
			},
			wantAllow:  true,
			wantMethod: MethodTeam,
		},
		{
			name:   "team lead writes",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeTeam, ScopeID: &teamID, IsActive: true},
			action: ActionWrite,
			setup: func(mock sqlmock.Sqlmock) {
				expectTeamRoles(mock, teamID, store.TeamRoleLead)
			},
			wantAllow:  true,
			wantMethod: MethodTeam,
		},
		{
			name:   "team member cannot delete without a grant",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeTeam, ScopeID: &teamID, IsActive: true},
			action: ActionDelete,
			setup: func(mock sqlmock.Sqlmock) {
				expectTeamRoles(mock, teamID, store.TeamRoleMember)
				expectShares(mock)
			},
			wantAllow:  false,
			wantMethod: MethodNone,
		},
		{
			name:   "team member writes through an edit share",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeTeam, ScopeID: &teamID, IsActive: true},
			action: ActionWrite,
			setup: func(mock sqlmock.Sqlmock) {
				expectTeamRoles(mock, teamID, store.TeamRoleMember)
				expectShares(mock, store.SharePermEdit)
			},
			wantAllow:  true,
			wantMethod: MethodShare,
		},
		{
			name:   "non-member reads through a share",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeTeam, ScopeID: &teamID, IsActive: true},
			action: ActionRead,
			setup: func(mock sqlmock.Sqlmock) {
				expectTeamRoles(mock)
				expectShares(mock, store.SharePermRead)
			},
			wantAllow:  true,
			wantMethod: MethodShare,
		},
		{
			name:   "org scope is readable by anyone in the org",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeOrganization, IsActive: true},
			action: ActionRead,
			setup: func(mock sqlmock.Sqlmock) {
				expectShares(mock)
			},
			wantAllow:  true,
			wantMethod: MethodScope,
		},
		{
			name:   "org scope grants no writes",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeOrganization, IsActive: true},
			action: ActionWrite,
			setup: func(mock sqlmock.Sqlmock) {
				expectShares(mock)
			},
			wantAllow:  false,
			wantMethod: MethodNone,
		},
		{
			name:   "department read inside the subtree",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeDepartment, ScopeID: &unitID, IsActive: true},
			action: ActionRead,
			setup: func(mock sqlmock.Sqlmock) {
				expectShares(mock)
				expectSubtree(mock, true)
			},
			wantAllow:  true,
			wantMethod: MethodScope,
		},
		{
			name:   "division read outside the subtree",
			memory: store.Memory{ID: "m1", OrganizationID: "org1", OwnerUserID: "owner9", Scope: store.ScopeDivision, ScopeID: &unitID, IsActive: true},
			action: ActionRead,
			setup: func(mock sqlmock.Sqlmock) {
				expectShares(mock)
				expectSubtree(mock, false)
			},
			wantAllow:  false,
			wantMethod: MethodNone,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			k, mock, db := testKernel(t)
			if c.setup != nil {
				c.setup(mock)
			}
			d, err := k.decideOn(context.Background(), db.Handle(), tc, &c.memory, c.action)
			require.NoError(t, err)
			assert.Equal(t, c.wantAllow, d.Allowed)
			assert.Equal(t, c.wantMethod, d.Method)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
