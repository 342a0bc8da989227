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

package server

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/store"
)

type roleCreateRequest struct {
	Name        string   `json:"name" validate:"required"`
	Permissions []string `json:"permissions"`
}

func (s *Server) handleRoleCreate(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req roleCreateRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	role := &store.Role{
		OrganizationID: tc.OrganizationID,
		Name:           req.Name,
		Permissions:    req.Permissions,
	}
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		if err := s.deps.DB.Orgs.CreateRole(r.Context(), tx, role); err != nil {
			return err
		}
		s.deps.Audit.Record(r.Context(), tx, tc, audit.Event{
			Action: "role.create", ResourceType: "role", ResourceID: role.ID,
			Outcome: "success", Details: map[string]any{"name": role.Name},
		})
		return nil
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleRoleList(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var roles []*store.Role
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		var err error
		roles, err = s.deps.DB.Orgs.ListRoles(r.Context(), tx, tc.OrganizationID)
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required"`
}

func (s *Server) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req rolePermissionsRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	roleID := chi.URLParam(r, "id")
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		if err := s.deps.DB.Orgs.UpdateRolePermissions(r.Context(), tx, roleID, req.Permissions); err != nil {
			return err
		}
		s.deps.Audit.Record(r.Context(), tx, tc, audit.Event{
			Action: "role.update_permissions", ResourceType: "role", ResourceID: roleID,
			Outcome: "success", Details: map[string]any{"permissions": req.Permissions},
		})
		return nil
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	// Cached permission sets for the whole org may now be stale.
	s.deps.Kernel.InvalidateOrg(r.Context(), tc.OrganizationID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoleDelete(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	roleID := chi.URLParam(r, "id")
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		if err := s.deps.DB.Orgs.DeleteRole(r.Context(), tx, roleID); err != nil {
			return err
		}
		s.deps.Audit.Record(r.Context(), tx, tc, audit.Event{
			Action: "role.delete", ResourceType: "role", ResourceID: roleID, Outcome: "success",
		})
		return nil
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	s.deps.Kernel.InvalidateOrg(r.Context(), tc.OrganizationID)
	w.WriteHeader(http.StatusNoContent)
}

type clearanceRequest struct {
	ClearanceLevel int `json:"clearance_level" validate:"min=0,max=5"`
}

func (s *Server) handleUserClearance(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req clearanceRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "id")
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		if err := s.deps.DB.Orgs.SetUserClearance(r.Context(), tx, userID, req.ClearanceLevel); err != nil {
			return err
		}
		s.deps.Audit.Record(r.Context(), tx, tc, audit.Event{
			Action: "user.set_clearance", ResourceType: "user", ResourceID: userID,
			Outcome: "success", Details: map[string]any{"clearance_level": req.ClearanceLevel},
		})
		return nil
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	s.deps.Kernel.Invalidate(r.Context(), tc.OrganizationID, userID)
	w.WriteHeader(http.StatusNoContent)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleUserActive(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req activeRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "id")
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		if err := s.deps.DB.Orgs.SetUserActive(r.Context(), tx, userID, req.Active); err != nil {
			return err
		}
		s.deps.Audit.Record(r.Context(), tx, tc, audit.Event{
			Action: "user.set_active", ResourceType: "user", ResourceID: userID,
			Outcome: "success", Details: map[string]any{"active": req.Active},
		})
		return nil
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	s.deps.Kernel.Invalidate(r.Context(), tc.OrganizationID, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var org *store.Organization
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		var err error
		org, err = s.deps.DB.Orgs.GetOrganization(r.Context(), tx, tc.OrganizationID)
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": org.Settings})
}

type settingsRequest struct {
	Settings map[string]any `json:"settings" validate:"required"`
}

func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req settingsRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		if err := s.deps.DB.Orgs.UpdateOrganizationSettings(r.Context(), tx, tc.OrganizationID, req.Settings); err != nil {
			return err
		}
		s.deps.Audit.Record(r.Context(), tx, tc, audit.Event{
			Action: "org.update_settings", ResourceType: "organization",
			ResourceID: tc.OrganizationID, Outcome: "success",
		})
		return nil
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": req.Settings})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	f := store.AuditFilter{
		ActorID:      r.URL.Query().Get("actor_id"),
		Action:       r.URL.Query().Get("action"),
		ResourceType: r.URL.Query().Get("resource_type"),
		ResourceID:   r.URL.Query().Get("resource_id"),
		Outcome:      r.URL.Query().Get("outcome"),
		Since:        queryTime(r, "since"),
		Until:        queryTime(r, "until"),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	}
	var events []*store.AuditEvent
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		var err error
		events, err = s.deps.DB.Audit.List(r.Context(), tx, f)
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handlePermissionsExplain shows the per-action access decisions for one
// memory, for support and debugging.
func (s *Server) handlePermissionsExplain(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var exp *permissions.Explanation
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		var err error
		exp, err = s.deps.Kernel.ExplainAccess(r.Context(), tx, tc, chi.URLParam(r, "memory_id"))
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// handleDashboard returns the counts snapshot backing the admin UI.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var (
		memoryCount int
		goalCounts  map[string]int
	)
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		var err error
		if memoryCount, err = s.deps.DB.Memories.CountActive(r.Context(), tx); err != nil {
			return err
		}
		goalCounts, err = s.deps.DB.Goals.CountByStatus(r.Context(), tx)
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), tc)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_memories": memoryCount,
		"goals_by_status": goalCounts,
		"queue":           stats,
	})
}

func (s *Server) handleNightlyRefresh(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	report, err := s.deps.Workers.RunNightlyForOrg(r.Context(), tc)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHypothesesRefresh(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	touched, err := s.deps.Workers.RefreshCausalHypotheses(r.Context(), tc)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hypotheses_touched": touched})
}
