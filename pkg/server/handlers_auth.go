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

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/auth"
)

type loginRequest struct {
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required"`
	OrganizationID string `json:"organization_id,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	pair, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password, req.OrganizationID)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type oidcExchangeRequest struct {
	IDToken        string `json:"id_token" validate:"required"`
	OrganizationID string `json:"organization_id,omitempty"`
}

func (s *Server) handleOIDCExchange(w http.ResponseWriter, r *http.Request) {
	var req oidcExchangeRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	pair, err := s.deps.Auth.OIDCExchange(r.Context(), req.IDToken, req.OrganizationID)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	pair, err := s.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		apierror.WriteError(w, r, apierror.ErrUnauthorized)
		return
	}
	id, err := s.deps.Auth.Me(r.Context(), claims)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

type switchOrgRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
}

func (s *Server) handleSwitchOrg(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		apierror.WriteError(w, r, apierror.ErrUnauthorized)
		return
	}
	var req switchOrgRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	pair, err := s.deps.Auth.SwitchOrg(r.Context(), claims, req.OrganizationID)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		apierror.WriteError(w, r, apierror.ErrUnauthorized)
		return
	}
	s.deps.Auth.Logout(r.Context(), claims)
	w.WriteHeader(http.StatusNoContent)
}
