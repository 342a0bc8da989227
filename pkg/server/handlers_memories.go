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
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/export"
	"github.com/memoros-io/memoros/pkg/memories"
	"github.com/memoros-io/memoros/pkg/retrieval"
	"github.com/memoros-io/memoros/pkg/store"
)

func (s *Server) handleMemoryCreate(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req memories.CreateRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	m, err := s.deps.Memories.Create(r.Context(), tc, req)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	f := store.MemoryFilter{
		OwnerUserID: r.URL.Query().Get("owner_user_id"),
		Scope:       r.URL.Query().Get("scope"),
		MemoryType:  r.URL.Query().Get("memory_type"),
		Tag:         r.URL.Query().Get("tag"),
		Limit:       queryInt(r, "limit", 0),
		Offset:      queryInt(r, "offset", 0),
	}
	list, err := s.deps.Memories.List(r.Context(), tc, f)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": list})
}

// memoryDetail carries the metadata row plus the full content, which
// lives in the cache tier for short-term memories.
type memoryDetail struct {
	*store.Memory
	Content string `json:"content,omitempty"`
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	m, err := s.deps.Memories.Get(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memoryDetail{
		Memory:  m,
		Content: s.deps.Memories.Content(r.Context(), tc, m),
	})
}

func (s *Server) handleMemoryUpdate(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req memories.UpdateRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	m, err := s.deps.Memories.Update(r.Context(), tc, chi.URLParam(r, "id"), req)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	if err := s.deps.Memories.Delete(r.Context(), tc, chi.URLParam(r, "id")); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemoryShare(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req memories.ShareRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	sh, err := s.deps.Memories.Share(r.Context(), tc, chi.URLParam(r, "id"), req)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sh)
}

type relevanceRequest struct {
	FeedbackType string         `json:"feedback_type,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleMemoryRelevance(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req relevanceRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	if req.FeedbackType == "" {
		req.FeedbackType = store.FeedbackRelevance
	}
	fb, err := s.deps.Memories.SubmitFeedback(r.Context(), tc, chi.URLParam(r, "id"), memories.FeedbackRequest{
		FeedbackType: req.FeedbackType,
		Payload:      req.Payload,
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req retrieval.Request
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	resp, err := s.deps.Search.Search(r.Context(), tc, req)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMemoryExport(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatJSON
	}
	f := store.MemoryFilter{
		Scope:      r.URL.Query().Get("scope"),
		MemoryType: r.URL.Query().Get("memory_type"),
		Tag:        r.URL.Query().Get("tag"),
		Limit:      queryInt(r, "limit", 0),
	}
	doc, err := s.deps.Exporter.BuildDocument(r.Context(), tc, f)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	switch format {
	case export.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case export.FormatMarkdown:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	case export.FormatZip:
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="memoros-export.zip"`)
	}
	if err := s.deps.Exporter.Write(w, doc, format); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
}

type explanationListRequest struct {
	UserID    string `json:"user_id,omitempty"`
	QueryHash string `json:"query_hash,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

func (s *Server) handleExplanationList(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req explanationListRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = tc.UserID
	}
	var list []*store.RetrievalExplanation
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		var err error
		list, err = s.deps.DB.Explanations.List(r.Context(), tx, store.ExplanationFilter{
			UserID:    userID,
			QueryHash: req.QueryHash,
			Limit:     req.Limit,
			Offset:    req.Offset,
		})
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"explanations": list})
}

func (s *Server) handleExplanationGet(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var e *store.RetrievalExplanation
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		var err error
		e, err = s.deps.DB.Explanations.Get(r.Context(), tx, chi.URLParam(r, "id"))
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCoactivationNeighbors(w http.ResponseWriter, r *http.Request) {
	s.coactivationNeighbors(w, r, false)
}

func (s *Server) handleCoactivationDetails(w http.ResponseWriter, r *http.Request) {
	s.coactivationNeighbors(w, r, true)
}

// coactivationNeighbors lists co-activation edges incident to one
// memory. The details variant additionally loads the neighbor rows the
// caller is allowed to read.
func (s *Server) coactivationNeighbors(w http.ResponseWriter, r *http.Request, details bool) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	memoryID := chi.URLParam(r, "memory_id")
	limit := queryInt(r, "limit", 20)

	var (
		edges     []*store.CoactivationEdge
		neighbors []*store.Memory
	)
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		d, err := s.deps.Kernel.CheckMemoryAccess(r.Context(), tx, tc, memoryID, "read")
		if err != nil {
			return err
		}
		if !d.Allowed {
			return fmt.Errorf("memory %s: %w", memoryID, apierror.ErrNotFound)
		}
		edges, err = s.deps.DB.Coactivation.ListIncident(r.Context(), tx, memoryID, limit)
		if err != nil || !details || len(edges) == 0 {
			return err
		}
		ids := make([]string, 0, len(edges))
		for _, e := range edges {
			other := e.MemoryA
			if other == memoryID {
				other = e.MemoryB
			}
			ids = append(ids, other)
		}
		readable, err := s.deps.Kernel.FilterMemoryIDs(r.Context(), tx, tc, ids, "read")
		if err != nil {
			return err
		}
		neighbors, err = s.deps.DB.Memories.ListByIDs(r.Context(), tx, tc.OrganizationID, readable)
		return err
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	resp := map[string]any{"memory_id": memoryID, "edges": edges}
	if details {
		resp["neighbors"] = neighbors
	}
	writeJSON(w, http.StatusOK, resp)
}
