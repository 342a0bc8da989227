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

// Package goalgraph manages goals, their node graphs and memory links:
// CRUD with permission prerequisites, progress rollup, blocker
// escalation, a meta-supervisor guarding sensitive transitions, and
// advisory goal proposals derived from new memories.
package goalgraph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// Service orchestrates goal mutations under the permission kernel and
// the supervisor.
type Service struct {
	db         *store.DB
	kernel     *permissions.Kernel
	rec        *audit.Recorder
	supervisor *Supervisor
	now        func() time.Time
}

// New wires the goal service; rec may be nil.
func New(db *store.DB, kernel *permissions.Kernel, rec *audit.Recorder) *Service {
	return &Service{
		db: db, kernel: kernel, rec: rec,
		supervisor: NewSupervisor(db),
		now:        time.Now,
	}
}

// CreateGoalRequest carries the caller-settable goal fields.
type CreateGoalRequest struct {
	Title           string `validate:"required"`
	Description     string
	GoalType        string
	OwnerType       string
	OwnerID         string
	Priority        int
	DueAt           *time.Time
	Confidence      float64
	VisibilityScope string
	ScopeID         *string
	Tags            []string
	Metadata        map[string]any
}

// CreateGoal inserts a proposed goal and seeds its activity log.
func (s *Service) CreateGoal(ctx context.Context, tc *tenant.Context, req CreateGoalRequest) (*store.Goal, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("title is required: %w", apierror.ErrValidation)
	}
	if req.GoalType == "" {
		req.GoalType = store.GoalTypeTask
	}
	if req.VisibilityScope == "" {
		req.VisibilityScope = store.ScopePersonal
	}
	if !store.ValidScope(req.VisibilityScope) {
		return nil, fmt.Errorf("unknown visibility scope %q: %w", req.VisibilityScope, apierror.ErrValidation)
	}
	if req.OwnerType == "" {
		req.OwnerType = "user"
	}
	if req.OwnerID == "" {
		req.OwnerID = tc.UserID
	}

	goal := &store.Goal{
		OrganizationID:  tc.OrganizationID,
		CreatorID:       tc.UserID,
		OwnerType:       req.OwnerType,
		OwnerID:         req.OwnerID,
		Title:           req.Title,
		Description:     req.Description,
		GoalType:        req.GoalType,
		Status:          store.GoalProposed,
		Priority:        req.Priority,
		DueAt:           req.DueAt,
		Confidence:      clamp01(req.Confidence),
		VisibilityScope: req.VisibilityScope,
		ScopeID:         req.ScopeID,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
	}
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		if err := s.requirePermission(ctx, tx, tc, "goal:create:"+req.VisibilityScope); err != nil {
			return err
		}
		if err := s.db.Goals.CreateGoal(ctx, tx, goal); err != nil {
			return err
		}
		if err := s.db.Goals.AppendActivity(ctx, tx, &store.GoalActivity{
			GoalID: goal.ID, ActorID: tc.UserID, Action: "goal_created",
			Details: map[string]any{"goal_type": goal.GoalType, "status": goal.Status},
		}); err != nil {
			return err
		}
		if s.rec != nil {
			s.rec.Record(ctx, tx, tc, audit.Event{
				Action: "goal.create", ResourceType: "goal",
				ResourceID: goal.ID, Outcome: audit.OutcomeOK,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return goal, nil
}

// GetGoal returns one goal.
func (s *Service) GetGoal(ctx context.Context, tc *tenant.Context, id string) (*store.Goal, error) {
	var goal *store.Goal
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		goal, err = s.db.Goals.GetGoal(ctx, tx, id)
		return err
	})
	return goal, err
}

// ListGoals returns goals matching the filter.
func (s *Service) ListGoals(ctx context.Context, tc *tenant.Context, f store.GoalFilter) ([]*store.Goal, error) {
	var goals []*store.Goal
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		goals, err = s.db.Goals.ListGoals(ctx, tx, f)
		return err
	})
	return goals, err
}

// SetStatus transitions a goal after a supervisor review. Completion
// stamps completed_at in the store.
func (s *Service) SetStatus(ctx context.Context, tc *tenant.Context, id, status string) error {
	switch status {
	case store.GoalProposed, store.GoalActive, store.GoalBlocked, store.GoalCompleted, store.GoalAbandoned:
	default:
		return fmt.Errorf("unknown goal status %q: %w", status, apierror.ErrValidation)
	}
	return s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		goal, err := s.db.Goals.GetGoal(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.supervisor.ReviewStatusChange(ctx, tx, goal, status); err != nil {
			return err
		}
		if err := s.db.Goals.SetGoalStatus(ctx, tx, id, status); err != nil {
			return err
		}
		return s.db.Goals.AppendActivity(ctx, tx, &store.GoalActivity{
			GoalID: id, ActorID: tc.UserID, Action: "status_changed",
			Details: map[string]any{"from": goal.Status, "to": status},
		})
	})
}

// AddNode inserts a node into a goal's graph.
func (s *Service) AddNode(ctx context.Context, tc *tenant.Context, node *store.GoalNode) (*store.GoalNode, error) {
	if node.Title == "" {
		return nil, fmt.Errorf("node title is required: %w", apierror.ErrValidation)
	}
	if node.NodeType == "" {
		node.NodeType = store.NodeTask
	}
	node.OrganizationID = tc.OrganizationID
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		if _, err := s.db.Goals.GetGoal(ctx, tx, node.GoalID); err != nil {
			return err
		}
		if err := s.db.Goals.CreateNode(ctx, tx, node); err != nil {
			return err
		}
		return s.db.Goals.AppendActivity(ctx, tx, &store.GoalActivity{
			GoalID: node.GoalID, ActorID: tc.UserID, Action: "node_added",
			Details: map[string]any{"node_id": node.ID, "node_type": node.NodeType},
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// SetNodeStatus transitions one node.
func (s *Service) SetNodeStatus(ctx context.Context, tc *tenant.Context, goalID, nodeID, status string) error {
	switch status {
	case store.NodeTodo, store.NodeInProgress, store.NodeBlocked, store.NodeDone, store.NodeCancelled:
	default:
		return fmt.Errorf("unknown node status %q: %w", status, apierror.ErrValidation)
	}
	return s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		if err := s.db.Goals.SetNodeStatus(ctx, tx, nodeID, status); err != nil {
			return err
		}
		return s.db.Goals.AppendActivity(ctx, tx, &store.GoalActivity{
			GoalID: goalID, ActorID: tc.UserID, Action: "node_status_changed",
			Details: map[string]any{"node_id": nodeID, "to": status},
		})
	})
}

// AddEdge inserts a typed relation between two nodes. The store does not
// traverse for cycles; callers own DAG discipline.
func (s *Service) AddEdge(ctx context.Context, tc *tenant.Context, edge *store.GoalEdge) error {
	if edge.FromNodeID == edge.ToNodeID {
		return fmt.Errorf("self-edges are not allowed: %w", apierror.ErrValidation)
	}
	if edge.EdgeType == "" {
		edge.EdgeType = store.EdgeDependsOn
	}
	edge.OrganizationID = tc.OrganizationID
	return s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		return s.db.Goals.CreateEdge(ctx, tx, edge)
	})
}

// LinkMemory ties a memory into a goal. The caller must be able to read
// the memory, and the supervisor reviews evidence links.
func (s *Service) LinkMemory(ctx context.Context, tc *tenant.Context, link *store.GoalMemoryLink) (*store.GoalMemoryLink, error) {
	if link.LinkType == "" {
		link.LinkType = store.LinkEvidence
	}
	if link.LinkedBy == "" {
		link.LinkedBy = "user"
	}
	link.OrganizationID = tc.OrganizationID
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		decision, err := s.kernel.CheckMemoryAccess(ctx, tx, tc, link.MemoryID, "read")
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return apierror.ErrNotFound
		}
		goal, err := s.db.Goals.GetGoal(ctx, tx, link.GoalID)
		if err != nil {
			return err
		}
		memory, err := s.db.Memories.GetByID(ctx, tx, link.MemoryID)
		if err != nil {
			return err
		}
		if err := s.supervisor.ReviewLink(goal, memory, link); err != nil {
			return err
		}
		if err := s.db.Goals.UpsertLink(ctx, tx, link); err != nil {
			return err
		}
		return s.db.Goals.AppendActivity(ctx, tx, &store.GoalActivity{
			GoalID: link.GoalID, ActorID: tc.UserID, Action: "memory_linked",
			Details: map[string]any{"memory_id": link.MemoryID, "link_type": link.LinkType},
		})
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Progress is the rollup over a goal's actionable nodes.
type Progress struct {
	GoalID          string  `json:"goal_id"`
	PercentComplete float64 `json:"percent_complete"`
	CompletedNodes  int     `json:"completed_nodes"`
	TotalNodes      int     `json:"total_nodes"`
	Confidence      float64 `json:"confidence"`
}

// GetProgress computes the rollup: 100·done/actionable, 0.0 for an empty
// graph, confidence conservatively clamped.
func (s *Service) GetProgress(ctx context.Context, tc *tenant.Context, goalID string) (*Progress, error) {
	var p *Progress
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		goal, err := s.db.Goals.GetGoal(ctx, tx, goalID)
		if err != nil {
			return err
		}
		nodes, err := s.db.Goals.ListNodes(ctx, tx, goalID)
		if err != nil {
			return err
		}
		p = rollup(goal, nodes)
		return nil
	})
	return p, err
}

func rollup(goal *store.Goal, nodes []*store.GoalNode) *Progress {
	p := &Progress{GoalID: goal.ID, Confidence: clamp01(goal.Confidence)}
	for _, n := range nodes {
		if !n.IsActionable() {
			continue
		}
		p.TotalNodes++
		if n.Status == store.NodeDone {
			p.CompletedNodes++
		}
	}
	if p.TotalNodes > 0 {
		p.PercentComplete = 100 * float64(p.CompletedNodes) / float64(p.TotalNodes)
	}
	return p
}

// DetectBlockers finds blocking nodes and escalates: an active goal with
// blockers flips to blocked and gets an escalate_blockers activity event.
func (s *Service) DetectBlockers(ctx context.Context, tc *tenant.Context, goalID string) ([]string, error) {
	var blockerIDs []string
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		goal, err := s.db.Goals.GetGoal(ctx, tx, goalID)
		if err != nil {
			return err
		}
		nodes, err := s.db.Goals.ListNodes(ctx, tx, goalID)
		if err != nil {
			return err
		}
		edges, err := s.db.Goals.ListEdges(ctx, tx, goalID)
		if err != nil {
			return err
		}
		blockerIDs = findBlockers(nodes, edges)
		if len(blockerIDs) == 0 {
			return nil
		}
		if goal.Status == store.GoalActive {
			if err := s.db.Goals.SetGoalStatus(ctx, tx, goalID, store.GoalBlocked); err != nil {
				return err
			}
		}
		return s.db.Goals.AppendActivity(ctx, tx, &store.GoalActivity{
			GoalID: goalID, ActorID: tc.UserID, Action: "escalate_blockers",
			Details: map[string]any{"blocker_node_ids": blockerIDs},
		})
	})
	return blockerIDs, err
}

// findBlockers: blocked status, non-empty blockers list, or an unfinished
// depends_on target.
func findBlockers(nodes []*store.GoalNode, edges []*store.GoalEdge) []string {
	statusByID := make(map[string]string, len(nodes))
	for _, n := range nodes {
		statusByID[n.ID] = n.Status
	}
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, n := range nodes {
		if n.Status == store.NodeBlocked || len(n.Blockers) > 0 {
			add(n.ID)
		}
	}
	for _, e := range edges {
		if e.EdgeType != store.EdgeDependsOn {
			continue
		}
		if status, ok := statusByID[e.ToNodeID]; ok && status != store.NodeDone {
			add(e.FromNodeID)
		}
	}
	return out
}

// Activity returns the goal's activity log.
func (s *Service) Activity(ctx context.Context, tc *tenant.Context, goalID string, limit int) ([]*store.GoalActivity, error) {
	var out []*store.GoalActivity
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		out, err = s.db.Goals.ListActivity(ctx, tx, goalID, limit)
		return err
	})
	return out, err
}

// Links returns the goal's memory links.
func (s *Service) Links(ctx context.Context, tc *tenant.Context, goalID string) ([]*store.GoalMemoryLink, error) {
	var out []*store.GoalMemoryLink
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		out, err = s.db.Goals.ListLinks(ctx, tx, goalID)
		return err
	})
	return out, err
}

// Nodes returns the goal's node graph in ordering order.
func (s *Service) Nodes(ctx context.Context, tc *tenant.Context, goalID string) ([]*store.GoalNode, error) {
	var out []*store.GoalNode
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		out, err = s.db.Goals.ListNodes(ctx, tx, goalID)
		return err
	})
	return out, err
}

func (s *Service) requirePermission(ctx context.Context, q store.DBTX, tc *tenant.Context, perm string) error {
	ok, err := s.kernel.HasPermission(ctx, q, tc, perm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("missing permission %s: %w", perm, apierror.ErrForbidden)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
