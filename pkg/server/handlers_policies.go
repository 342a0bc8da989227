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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memoros-io/memoros/pkg/apierror"
)

type policyCreateRequest struct {
	PolicyName string         `json:"policy_name" validate:"required"`
	Config     map[string]any `json:"config" validate:"required"`
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req policyCreateRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	p, err := s.deps.Rollout.CreatePolicyVersion(r.Context(), tc, req.PolicyName, req.Config)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	list, err := s.deps.Rollout.ListVersions(r.Context(), tc,
		r.URL.Query().Get("policy_name"), queryInt(r, "limit", 0))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	p, err := s.deps.Rollout.GetVersion(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type canaryRequest struct {
	CanaryGroupIDs []string `json:"canary_group_ids" validate:"required,min=1"`
}

func (s *Server) handlePolicyCanary(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req canaryRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	p, err := s.deps.Rollout.DeployToCanary(r.Context(), tc, chi.URLParam(r, "id"), req.CanaryGroupIDs)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type stageRequest struct {
	Percentage float64 `json:"percentage"`
}

func (s *Server) handlePolicyStage(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req stageRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	p, err := s.deps.Rollout.PromoteToStaged(r.Context(), tc, chi.URLParam(r, "id"), req.Percentage)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicyActivate(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	p, err := s.deps.Rollout.ActivateFully(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type rollbackRequest struct {
	Reason    string `json:"reason" validate:"required"`
	ToVersion *int   `json:"to_version,omitempty"`
}

func (s *Server) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req rollbackRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	p, err := s.deps.Rollout.Rollback(r.Context(), tc, chi.URLParam(r, "id"), req.Reason, req.ToVersion)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type evaluationRequest struct {
	Success bool `json:"success"`
}

// handlePolicyEvaluation records one evaluation outcome and, when the
// running error rate crosses the auto-rollback threshold on an active
// version, rolls it back in the same request.
func (s *Server) handlePolicyEvaluation(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req evaluationRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	errorRate, err := s.deps.Rollout.RecordEvaluation(r.Context(), tc, id, req.Success)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	rolledBack, err := s.deps.Rollout.CheckAutoRollback(r.Context(), tc, id)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	resp := map[string]any{"error_rate": errorRate, "rolled_back": rolledBack != nil}
	if rolledBack != nil {
		resp["policy"] = rolledBack
	}
	writeJSON(w, http.StatusOK, resp)
}
