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
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
)

// OrgStore persists organizations, users, roles, teams and the department
// hierarchy. The permission kernel reads through it; the admin surface
// writes through it.
type OrgStore struct{}

// CreateOrganization inserts an organization.
func (s *OrgStore) CreateOrganization(ctx context.Context, q DBTX, org *Organization) error {
	settings, err := jsonArg(orEmptyMap(org.Settings))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO organizations (slug, display_name, settings)
		VALUES ($1, $2, $3)
		RETURNING id, is_active, created_at, updated_at`
	err = q.QueryRowContext(ctx, query, org.Slug, org.DisplayName, settings).
		Scan(&org.ID, &org.IsActive, &org.CreatedAt, &org.UpdatedAt)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "organization slug already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert organization: %w", err)
	}
	return nil
}

// GetOrganization returns one organization by id.
func (s *OrgStore) GetOrganization(ctx context.Context, q DBTX, id string) (*Organization, error) {
	const query = `SELECT id, slug, display_name, is_active, settings, created_at, updated_at
		FROM organizations WHERE id = $1`
	var (
		org      Organization
		settings []byte
	)
	err := q.QueryRowContext(ctx, query, id).
		Scan(&org.ID, &org.Slug, &org.DisplayName, &org.IsActive, &settings, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if err := scanJSON(settings, &org.Settings); err != nil {
		return nil, err
	}
	return &org, nil
}

// ListActiveOrganizationIDs returns the ids of every active org. The
// nightly workers iterate over it.
func (s *OrgStore) ListActiveOrganizationIDs(ctx context.Context, q DBTX) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM organizations WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// UpdateOrganizationSettings replaces the opaque settings document.
func (s *OrgStore) UpdateOrganizationSettings(ctx context.Context, q DBTX, id string, settings map[string]any) error {
	raw, err := jsonArg(orEmptyMap(settings))
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE organizations SET settings = $2, updated_at = now() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to update organization settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// CreateUser inserts a user with an already-hashed credential.
func (s *OrgStore) CreateUser(ctx context.Context, q DBTX, u *User) error {
	const query = `
		INSERT INTO users (email, hashed_credential, clearance_level)
		VALUES ($1, $2, $3)
		RETURNING id, is_active, created_at, updated_at`
	err := q.QueryRowContext(ctx, query, u.Email, u.HashedCredential, u.ClearanceLevel).
		Scan(&u.ID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "email already registered")
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser returns one user by id.
func (s *OrgStore) GetUser(ctx context.Context, q DBTX, id string) (*User, error) {
	return s.getUser(ctx, q, `id = $1`, id)
}

// GetUserByEmail returns one active user by email. The login flow uses it.
func (s *OrgStore) GetUserByEmail(ctx context.Context, q DBTX, email string) (*User, error) {
	return s.getUser(ctx, q, `email = $1 AND is_active = TRUE`, email)
}

func (s *OrgStore) getUser(ctx context.Context, q DBTX, where string, arg any) (*User, error) {
	query := `SELECT id, email, hashed_credential, is_active, clearance_level, created_at, updated_at
		FROM users WHERE ` + where
	var u User
	err := q.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.HashedCredential, &u.IsActive, &u.ClearanceLevel, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// SetUserActive flips the active flag.
func (s *OrgStore) SetUserActive(ctx context.Context, q DBTX, id string, active bool) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set user active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// SetUserClearance updates the clearance level.
func (s *OrgStore) SetUserClearance(ctx context.Context, q DBTX, id string, level int) error {
	if level < 0 {
		return apierror.New(422, "validation_error", "clearance_level must be non-negative")
	}
	res, err := q.ExecContext(ctx,
		`UPDATE users SET clearance_level = $2, updated_at = now() WHERE id = $1`, id, level)
	if err != nil {
		return fmt.Errorf("failed to set user clearance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// AddMember enrolls a user in an organization. Idempotent.
func (s *OrgStore) AddMember(ctx context.Context, q DBTX, orgID, userID string) error {
	const query = `
		INSERT INTO organization_members (organization_id, user_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := q.ExecContext(ctx, query, orgID, userID); err != nil {
		return fmt.Errorf("failed to add organization member: %w", err)
	}
	return nil
}

// IsMember reports whether the user belongs to the organization. The
// switch-org flow checks it before reissuing tokens.
func (s *OrgStore) IsMember(ctx context.Context, q DBTX, orgID, userID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM organization_members WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check organization membership: %w", err)
	}
	return true, nil
}

// ListMemberOrganizations returns the organizations a user belongs to.
func (s *OrgStore) ListMemberOrganizations(ctx context.Context, q DBTX, userID string) ([]*Organization, error) {
	const query = `
		SELECT o.id, o.slug, o.display_name, o.is_active, o.settings, o.created_at, o.updated_at
		FROM organizations o
		JOIN organization_members m ON m.organization_id = o.id
		WHERE m.user_id = $1 AND o.is_active = TRUE
		ORDER BY o.slug`
	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list member organizations: %w", err)
	}
	defer rows.Close()

	var out []*Organization
	for rows.Next() {
		var (
			org      Organization
			settings []byte
		)
		if err := rows.Scan(&org.ID, &org.Slug, &org.DisplayName, &org.IsActive,
			&settings, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		if err := scanJSON(settings, &org.Settings); err != nil {
			return nil, err
		}
		out = append(out, &org)
	}
	return out, rows.Err()
}

// CreateRole inserts a role with its permission strings.
func (s *OrgStore) CreateRole(ctx context.Context, q DBTX, r *Role) error {
	perms, err := jsonArg(orEmptySlice(r.Permissions))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO roles (organization_id, name, permissions)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	err = q.QueryRowContext(ctx, query, r.OrganizationID, r.Name, perms).Scan(&r.ID, &r.CreatedAt)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "role name already exists in organization")
	}
	if err != nil {
		return fmt.Errorf("failed to insert role: %w", err)
	}
	return nil
}

// UpdateRolePermissions replaces the permission set of a role.
func (s *OrgStore) UpdateRolePermissions(ctx context.Context, q DBTX, roleID string, permissions []string) error {
	perms, err := jsonArg(orEmptySlice(permissions))
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE roles SET permissions = $2 WHERE id = $1`, roleID, perms)
	if err != nil {
		return fmt.Errorf("failed to update role permissions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// DeleteRole removes a role and, via cascade, its grants.
func (s *OrgStore) DeleteRole(ctx context.Context, q DBTX, roleID string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// ListRoles returns all roles of an organization.
func (s *OrgStore) ListRoles(ctx context.Context, q DBTX, orgID string) ([]*Role, error) {
	const query = `SELECT id, organization_id, name, permissions, created_at
		FROM roles WHERE organization_id = $1 ORDER BY name`
	rows, err := q.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()
	return scanRoles(rows)
}

// AssignRole grants a role to a user, optionally expiring. Re-granting
// refreshes the expiry.
func (s *OrgStore) AssignRole(ctx context.Context, q DBTX, ur *UserRole) error {
	const query = `
		INSERT INTO user_roles (user_id, role_id, organization_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id, organization_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at`
	_, err := q.ExecContext(ctx, query, ur.UserID, ur.RoleID, ur.OrganizationID, nullTime(ur.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes one grant.
func (s *OrgStore) RevokeRole(ctx context.Context, q DBTX, userID, roleID, orgID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND organization_id = $3`,
		userID, roleID, orgID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// ListUserRoles returns the non-expired roles granted to a user in an org.
// The permission kernel unions their permission strings.
func (s *OrgStore) ListUserRoles(ctx context.Context, q DBTX, orgID, userID string, now time.Time) ([]*Role, error) {
	const query = `
		SELECT r.id, r.organization_id, r.name, r.permissions, r.created_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.organization_id = $1 AND ur.user_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > $3)
		ORDER BY r.name`
	rows, err := q.QueryContext(ctx, query, orgID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()
	return scanRoles(rows)
}

func scanRoles(rows *sql.Rows) ([]*Role, error) {
	var out []*Role
	for rows.Next() {
		var (
			r     Role
			perms []byte
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Name, &perms, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if err := scanJSON(perms, &r.Permissions); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CreateTeam inserts a team.
func (s *OrgStore) CreateTeam(ctx context.Context, q DBTX, t *Team) error {
	const query = `
		INSERT INTO teams (organization_id, name)
		VALUES ($1, $2)
		RETURNING id, created_at`
	err := q.QueryRowContext(ctx, query, t.OrganizationID, t.Name).Scan(&t.ID, &t.CreatedAt)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "team name already exists in organization")
	}
	if err != nil {
		return fmt.Errorf("failed to insert team: %w", err)
	}
	return nil
}

// AddTeamMember enrolls a user in a team with a team role. Re-adding
// updates the role.
func (s *OrgStore) AddTeamMember(ctx context.Context, q DBTX, m *TeamMember) error {
	const query = `
		INSERT INTO team_members (team_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role`
	if _, err := q.ExecContext(ctx, query, m.TeamID, m.UserID, m.Role); err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

// RemoveTeamMember drops a membership.
func (s *OrgStore) RemoveTeamMember(ctx context.Context, q DBTX, teamID, userID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// ListUserTeamRoles returns team_id -> team role for every team the user
// belongs to in the org. Step 5 of the access decision reads it.
func (s *OrgStore) ListUserTeamRoles(ctx context.Context, q DBTX, orgID, userID string) (map[string]string, error) {
	const query = `
		SELECT t.id, tm.role
		FROM teams t
		JOIN team_members tm ON tm.team_id = t.id
		WHERE t.organization_id = $1 AND tm.user_id = $2`
	rows, err := q.QueryContext(ctx, query, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user team roles: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var teamID, role string
		if err := rows.Scan(&teamID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan team role: %w", err)
		}
		out[teamID] = role
	}
	return out, rows.Err()
}

// CreateHierarchyNode inserts a department/division node with its ltree path.
func (s *OrgStore) CreateHierarchyNode(ctx context.Context, q DBTX, n *OrgHierarchyNode) error {
	const query = `
		INSERT INTO org_hierarchy (organization_id, kind, name, path)
		VALUES ($1, $2, $3, $4::ltree)
		RETURNING id`
	err := q.QueryRowContext(ctx, query, n.OrganizationID, n.Kind, n.Name, n.Path).Scan(&n.ID)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "hierarchy path already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert hierarchy node: %w", err)
	}
	return nil
}

// AssignUserOrgUnit places a user in a department/division. Idempotent.
func (s *OrgStore) AssignUserOrgUnit(ctx context.Context, q DBTX, orgID, userID, unitID string) error {
	const query = `
		INSERT INTO user_org_units (user_id, org_unit_id, organization_id)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	if _, err := q.ExecContext(ctx, query, userID, unitID, orgID); err != nil {
		return fmt.Errorf("failed to assign org unit: %w", err)
	}
	return nil
}

// UserInUnitSubtree reports whether the user sits at or below the hierarchy
// node, joined through the ltree path. Department/division scope checks use
// it: a memory scoped to "engineering" is visible to "engineering.platform".
func (s *OrgStore) UserInUnitSubtree(ctx context.Context, q DBTX, orgID, userID, unitID string) (bool, error) {
	const query = `
		SELECT 1
		FROM org_hierarchy target
		JOIN org_hierarchy mine ON mine.organization_id = target.organization_id
		  AND mine.path <@ target.path
		JOIN user_org_units uou ON uou.org_unit_id = mine.id
		WHERE target.organization_id = $1 AND target.id = $2 AND uou.user_id = $3
		LIMIT 1`
	var one int
	err := q.QueryRowContext(ctx, query, orgID, unitID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check hierarchy membership: %w", err)
	}
	return true, nil
}
