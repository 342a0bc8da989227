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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/goalgraph"
	"github.com/memoros-io/memoros/pkg/store"
)

type goalCreateRequest struct {
	Title           string         `json:"title" validate:"required"`
	Description     string         `json:"description,omitempty"`
	GoalType        string         `json:"goal_type,omitempty"`
	OwnerType       string         `json:"owner_type,omitempty"`
	OwnerID         string         `json:"owner_id,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	DueAt           *time.Time     `json:"due_at,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`
	VisibilityScope string         `json:"visibility_scope,omitempty"`
	ScopeID         *string        `json:"scope_id,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleGoalCreate(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req goalCreateRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	goal, err := s.deps.Goals.CreateGoal(r.Context(), tc, goalgraph.CreateGoalRequest{
		Title:           req.Title,
		Description:     req.Description,
		GoalType:        req.GoalType,
		OwnerType:       req.OwnerType,
		OwnerID:         req.OwnerID,
		Priority:        req.Priority,
		DueAt:           req.DueAt,
		Confidence:      req.Confidence,
		VisibilityScope: req.VisibilityScope,
		ScopeID:         req.ScopeID,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

func (s *Server) handleGoalList(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	list, err := s.deps.Goals.ListGoals(r.Context(), tc, store.GoalFilter{
		Status:   r.URL.Query().Get("status"),
		GoalType: r.URL.Query().Get("goal_type"),
		OwnerID:  r.URL.Query().Get("owner_id"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goals": list})
}

func (s *Server) handleGoalGet(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	goal, err := s.deps.Goals.GetGoal(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (s *Server) handleGoalSetStatus(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	if err := s.deps.Goals.SetStatus(r.Context(), tc, chi.URLParam(r, "id"), req.Status); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type goalNodeRequest struct {
	ParentNodeID    *string  `json:"parent_node_id,omitempty"`
	NodeType        string   `json:"node_type" validate:"required"`
	Title           string   `json:"title" validate:"required"`
	Priority        int      `json:"priority,omitempty"`
	Assignees       []string `json:"assignees,omitempty"`
	Ordering        int      `json:"ordering,omitempty"`
	ExpectedOutputs []string `json:"expected_outputs,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
}

func (s *Server) handleGoalAddNode(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req goalNodeRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	node, err := s.deps.Goals.AddNode(r.Context(), tc, &store.GoalNode{
		GoalID:          chi.URLParam(r, "id"),
		ParentNodeID:    req.ParentNodeID,
		NodeType:        req.NodeType,
		Title:           req.Title,
		Priority:        req.Priority,
		Assignees:       req.Assignees,
		Ordering:        req.Ordering,
		ExpectedOutputs: req.ExpectedOutputs,
		SuccessCriteria: req.SuccessCriteria,
		Confidence:      req.Confidence,
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleGoalNodes(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	nodes, err := s.deps.Goals.Nodes(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleGoalNodeStatus(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	err = s.deps.Goals.SetNodeStatus(r.Context(), tc,
		chi.URLParam(r, "id"), chi.URLParam(r, "node_id"), req.Status)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type goalEdgeRequest struct {
	FromNodeID string `json:"from_node_id" validate:"required"`
	ToNodeID   string `json:"to_node_id" validate:"required"`
	EdgeType   string `json:"edge_type" validate:"required"`
}

func (s *Server) handleGoalAddEdge(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req goalEdgeRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	edge := &store.GoalEdge{
		FromNodeID: req.FromNodeID,
		ToNodeID:   req.ToNodeID,
		EdgeType:   req.EdgeType,
	}
	if err := s.deps.Goals.AddEdge(r.Context(), tc, edge); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

type goalLinkRequest struct {
	MemoryID   string  `json:"memory_id" validate:"required"`
	NodeID     *string `json:"node_id,omitempty"`
	LinkType   string  `json:"link_type,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (s *Server) handleGoalLinkMemory(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req goalLinkRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	link, err := s.deps.Goals.LinkMemory(r.Context(), tc, &store.GoalMemoryLink{
		GoalID:     chi.URLParam(r, "id"),
		MemoryID:   req.MemoryID,
		NodeID:     req.NodeID,
		LinkType:   req.LinkType,
		Confidence: req.Confidence,
		LinkedBy:   "user",
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleGoalLinks(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	links, err := s.deps.Goals.Links(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (s *Server) handleGoalProgress(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	progress, err := s.deps.Goals.GetProgress(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleGoalBlockers(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	blockers, err := s.deps.Goals.DetectBlockers(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blockers": blockers})
}

func (s *Server) handleGoalActivity(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	activity, err := s.deps.Goals.Activity(r.Context(), tc, chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": activity})
}
