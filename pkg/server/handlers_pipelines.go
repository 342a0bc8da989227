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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/scheduler"
	"github.com/memoros-io/memoros/pkg/store"
)

type enqueueRequest struct {
	TaskType           string         `json:"task_type" validate:"required"`
	Priority           int            `json:"priority,omitempty"`
	SLADeadline        *time.Time     `json:"sla_deadline,omitempty"`
	SLACategory        string         `json:"sla_category,omitempty"`
	EstimatedTokens    int            `json:"estimated_tokens,omitempty"`
	EstimatedLatencyMS int            `json:"estimated_latency_ms,omitempty"`
	BlocksOnTaskID     *string        `json:"blocks_on_task_id,omitempty"`
	MaxAttempts        int            `json:"max_attempts,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleTaskEnqueue(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	err = s.deps.DB.WithTenantTx(r.Context(), tc, func(tx *sql.Tx) error {
		ok, err := s.deps.Kernel.HasPermission(r.Context(), tx, tc, "pipeline:enqueue")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("missing permission pipeline:enqueue: %w", apierror.ErrForbidden)
		}
		return nil
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	sr := scheduler.EnqueueRequest{
		TaskType:           req.TaskType,
		Priority:           req.Priority,
		SLACategory:        req.SLACategory,
		EstimatedTokens:    req.EstimatedTokens,
		EstimatedLatencyMS: req.EstimatedLatencyMS,
		BlocksOnTaskID:     req.BlocksOnTaskID,
		MaxAttempts:        req.MaxAttempts,
		Metadata:           req.Metadata,
	}
	if req.SLADeadline != nil {
		sr.SLADeadline = *req.SLADeadline
	}
	task, err := s.deps.Tasks.Enqueue(r.Context(), tc, sr)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	list, err := s.deps.Tasks.List(r.Context(), tc, store.TaskFilter{
		Status:   r.URL.Query().Get("status"),
		TaskType: r.URL.Query().Get("task_type"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	task, err := s.deps.Tasks.Get(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	if err := s.deps.Tasks.Cancel(r.Context(), tc, chi.URLParam(r, "id")); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	if err := s.deps.Tasks.Retry(r.Context(), tc, chi.URLParam(r, "id")); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type priorityRequest struct {
	Priority int `json:"priority" validate:"min=0,max=10"`
}

func (s *Server) handleTaskPriority(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	var req priorityRequest
	if err := decode(r, &req); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	if err := s.deps.Tasks.SetPriority(r.Context(), tc, chi.URLParam(r, "id"), req.Priority); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	deps, err := s.deps.Tasks.Dependencies(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dependencies": deps})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), tc)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskStatsHistory(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	hours := queryInt(r, "hours", 24)
	history, err := s.deps.Tasks.StatsHistory(r.Context(), tc, time.Duration(hours)*time.Hour)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleTaskDeadLetters(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	letters, err := s.deps.Tasks.DeadLetters(r.Context(), tc, queryInt(r, "limit", 50))
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// handleTaskExport dumps the org's queue as one JSON document for
// offline inspection.
func (s *Server) handleTaskExport(w http.ResponseWriter, r *http.Request) {
	tc, err := tenantFrom(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	list, err := s.deps.Tasks.List(r.Context(), tc, store.TaskFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 1000),
	})
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": tc.OrganizationID,
		"exported_at":     time.Now().UTC(),
		"tasks":           list,
	})
}
