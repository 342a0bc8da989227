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
	"fmt"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The policies are the second line of defense behind the kernel; these
// checks walk the DDL text so a drive-by edit cannot quietly weaken them.

func TestSchemaDefinesEveryTenantTable(t *testing.T) {
	for _, table := range tenantTables {
		assert.Contains(t, Schema, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}

func TestSchemaRoleMatchIsExactElement(t *testing.T) {
	// Roles are matched as whole CSV elements, so a role name that merely
	// contains another ("not_system_admin") can never inherit its power.
	assert.Contains(t, Schema, "SELECT r = ANY(string_to_array(coalesce(current_setting('app.current_roles', true), ''), ','))")
	assert.NotContains(t, Schema, "position(")
	assert.NotContains(t, rlsPolicyTemplate, "position(")
	assert.NotContains(t, memoriesRLSPolicy, "position(")
}

func TestGenericTenantPolicyIsUnconditionalOnOrg(t *testing.T) {
	// No role bypasses the org boundary on any tenant table.
	assert.Contains(t, rlsPolicyTemplate, "USING (organization_id = app_current_org())")
	assert.NotContains(t, rlsPolicyTemplate, "system_admin")
	assert.NotContains(t, rlsPolicyTemplate, "OR ")
}

func TestMemoriesPolicyMirrorsKernelScopes(t *testing.T) {
	p := memoriesRLSPolicy

	// Org and clearance gate everything; admins bypass scope only.
	orgIdx := strings.Index(p, "organization_id = app_current_org()")
	clearanceIdx := strings.Index(p, "required_clearance <= app_clearance()")
	adminIdx := strings.Index(p, "app_has_role('system_admin')")
	require.Greater(t, orgIdx, 0)
	require.Greater(t, clearanceIdx, orgIdx)
	require.Greater(t, adminIdx, clearanceIdx)
	assert.NotContains(t, p, "OR organization_id")
	assert.NotContains(t, p, "OR required_clearance")

	// One branch per kernel rule: owner, org/global read, team membership,
	// department/division subtree via ltree, active explicit share.
	assert.Contains(t, p, "owner_user_id = app_current_user_id()")
	assert.Contains(t, p, "scope IN ('organization', 'global')")
	assert.Contains(t, p, "scope = 'team' AND scope_id IN (")
	assert.Contains(t, p, "FROM team_members tm")
	assert.Contains(t, p, "scope IN ('department', 'division')")
	assert.Contains(t, p, "mine.path <@ target.path")
	assert.Contains(t, p, "FROM memory_sharing ms")
	assert.Contains(t, p, "ms.expires_at IS NULL OR ms.expires_at > now()")
	assert.Contains(t, p, "app_has_role('org_admin')")
}

func TestMigrateInstallsPolicyPerTenantTable(t *testing.T) {
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer handle.Close()

	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS ltree").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, table := range tenantTables {
		mock.ExpectExec(fmt.Sprintf("CREATE POLICY %s_tenant_isolation ON %s", table, table)).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	db := NewDB(handle)
	require.NoError(t, db.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
