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

	"github.com/memoros-io/memoros/pkg/apierror"
)

// GoalStore persists goals, their node graphs, memory links and activity
// log.
type GoalStore struct{}

const goalColumns = `id, organization_id, creator_id, owner_type, owner_id, title, description,
	goal_type, status, priority, due_at, confidence, visibility_scope, scope_id, tags, metadata,
	completed_at, created_at, updated_at`

// CreateGoal inserts a goal. New goals start proposed unless the caller
// says otherwise.
func (s *GoalStore) CreateGoal(ctx context.Context, q DBTX, g *Goal) error {
	if g.Status == "" {
		g.Status = GoalProposed
	}
	tags, err := jsonArg(orEmptySlice(g.Tags))
	if err != nil {
		return err
	}
	metadata, err := jsonArg(orEmptyMap(g.Metadata))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO goals (organization_id, creator_id, owner_type, owner_id, title, description,
			goal_type, status, priority, due_at, confidence, visibility_scope, scope_id, tags, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at`
	err = q.QueryRowContext(ctx, query,
		g.OrganizationID, g.CreatorID, g.OwnerType, g.OwnerID, g.Title, g.Description,
		g.GoalType, g.Status, g.Priority, nullTime(g.DueAt), g.Confidence,
		g.VisibilityScope, nullString(g.ScopeID), tags, metadata,
	).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert goal: %w", err)
	}
	return nil
}

// GetGoal returns one goal.
func (s *GoalStore) GetGoal(ctx context.Context, q DBTX, id string) (*Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE id = $1`
	g, err := scanGoal(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.ErrNotFound
	}
	return g, err
}

// GoalFilter narrows ListGoals.
type GoalFilter struct {
	Status   string
	GoalType string
	OwnerID  string
	Limit    int
	Offset   int
}

// ListGoals returns goals newest-first.
func (s *GoalStore) ListGoals(ctx context.Context, q DBTX, f GoalFilter) ([]*Goal, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + goalColumns + ` FROM goals WHERE TRUE`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.GoalType != "" {
		args = append(args, f.GoalType)
		query += fmt.Sprintf(" AND goal_type = $%d", len(args))
	}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()
	return scanGoals(rows)
}

// SetGoalStatus transitions a goal. Completion stamps completed_at.
func (s *GoalStore) SetGoalStatus(ctx context.Context, q DBTX, id, status string) error {
	const query = `
		UPDATE goals SET status = $2,
			completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1`
	res, err := q.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to set goal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// CreateNode inserts a goal node.
func (s *GoalStore) CreateNode(ctx context.Context, q DBTX, n *GoalNode) error {
	if n.Status == "" {
		n.Status = NodeTodo
	}
	assignees, err := jsonArg(orEmptySlice(n.Assignees))
	if err != nil {
		return err
	}
	outputs, err := jsonArg(orEmptySlice(n.ExpectedOutputs))
	if err != nil {
		return err
	}
	criteria, err := jsonArg(orEmptySlice(n.SuccessCriteria))
	if err != nil {
		return err
	}
	blockers, err := jsonArg(orEmptySlice(n.Blockers))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO goal_nodes (goal_id, organization_id, parent_node_id, node_type, title, status,
			priority, assignees, ordering, expected_outputs, success_criteria, blockers, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`
	err = q.QueryRowContext(ctx, query,
		n.GoalID, n.OrganizationID, nullString(n.ParentNodeID), n.NodeType, n.Title, n.Status,
		n.Priority, assignees, n.Ordering, outputs, criteria, blockers, n.Confidence,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert goal node: %w", err)
	}
	return nil
}

// SetNodeStatus transitions a node. Done stamps completed_at.
func (s *GoalStore) SetNodeStatus(ctx context.Context, q DBTX, id, status string) error {
	const query = `
		UPDATE goal_nodes SET status = $2,
			completed_at = CASE WHEN $2 = 'done' THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1`
	res, err := q.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to set node status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// ListNodes returns a goal's nodes in ordering order.
func (s *GoalStore) ListNodes(ctx context.Context, q DBTX, goalID string) ([]*GoalNode, error) {
	const query = `
		SELECT id, goal_id, organization_id, parent_node_id, node_type, title, status, priority,
			assignees, ordering, expected_outputs, success_criteria, blockers, confidence,
			completed_at, created_at, updated_at
		FROM goal_nodes WHERE goal_id = $1 ORDER BY ordering, created_at`
	rows, err := q.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goal nodes: %w", err)
	}
	defer rows.Close()

	var out []*GoalNode
	for rows.Next() {
		var (
			n                                      GoalNode
			parent                                 sql.NullString
			assignees, outputs, criteria, blockers []byte
			completed                              sql.NullTime
		)
		err := rows.Scan(&n.ID, &n.GoalID, &n.OrganizationID, &parent, &n.NodeType, &n.Title,
			&n.Status, &n.Priority, &assignees, &n.Ordering, &outputs, &criteria, &blockers,
			&n.Confidence, &completed, &n.CreatedAt, &n.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal node: %w", err)
		}
		n.ParentNodeID = stringPtr(parent)
		n.CompletedAt = timePtr(completed)
		for _, pair := range []struct {
			raw []byte
			dst any
		}{
			{assignees, &n.Assignees}, {outputs, &n.ExpectedOutputs},
			{criteria, &n.SuccessCriteria}, {blockers, &n.Blockers},
		} {
			if err := scanJSON(pair.raw, pair.dst); err != nil {
				return nil, err
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// CreateEdge inserts a typed node relation. Duplicate triples conflict.
func (s *GoalStore) CreateEdge(ctx context.Context, q DBTX, e *GoalEdge) error {
	const query = `
		INSERT INTO goal_edges (from_node_id, to_node_id, organization_id, edge_type)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	err := q.QueryRowContext(ctx, query, e.FromNodeID, e.ToNodeID, e.OrganizationID, e.EdgeType).
		Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		return apierror.New(409, "conflict", "edge already exists")
	}
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert goal edge: %w", err)
	}
	return nil
}

// ListEdges returns every edge between the goal's nodes.
func (s *GoalStore) ListEdges(ctx context.Context, q DBTX, goalID string) ([]*GoalEdge, error) {
	const query = `
		SELECT e.from_node_id, e.to_node_id, e.organization_id, e.edge_type, e.created_at
		FROM goal_edges e
		JOIN goal_nodes n ON n.id = e.from_node_id
		WHERE n.goal_id = $1`
	rows, err := q.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goal edges: %w", err)
	}
	defer rows.Close()

	var out []*GoalEdge
	for rows.Next() {
		var e GoalEdge
		if err := rows.Scan(&e.FromNodeID, &e.ToNodeID, &e.OrganizationID, &e.EdgeType, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal edge: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// UpsertLink ties a memory into a goal. The (goal, memory) pair is unique;
// re-linking updates link_type, node, confidence and linked_by.
func (s *GoalStore) UpsertLink(ctx context.Context, q DBTX, l *GoalMemoryLink) error {
	const query = `
		INSERT INTO goal_memory_links (organization_id, goal_id, memory_id, node_id, link_type, linked_by, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (goal_id, memory_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			link_type = EXCLUDED.link_type,
			linked_by = EXCLUDED.linked_by,
			confidence = EXCLUDED.confidence,
			updated_at = now()
		RETURNING id, created_at, updated_at`
	err := q.QueryRowContext(ctx, query,
		l.OrganizationID, l.GoalID, l.MemoryID, nullString(l.NodeID), l.LinkType, l.LinkedBy, l.Confidence,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to upsert goal link: %w", err)
	}
	return nil
}

// ListLinks returns a goal's memory links.
func (s *GoalStore) ListLinks(ctx context.Context, q DBTX, goalID string) ([]*GoalMemoryLink, error) {
	const query = `
		SELECT id, organization_id, goal_id, memory_id, node_id, link_type, linked_by, confidence,
			created_at, updated_at
		FROM goal_memory_links WHERE goal_id = $1 ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goal links: %w", err)
	}
	defer rows.Close()

	var out []*GoalMemoryLink
	for rows.Next() {
		var (
			l      GoalMemoryLink
			nodeID sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.GoalID, &l.MemoryID, &nodeID,
			&l.LinkType, &l.LinkedBy, &l.Confidence, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal link: %w", err)
		}
		l.NodeID = stringPtr(nodeID)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// CountLinksByType returns link_type -> count for one goal. The supervisor
// checks evidence counts through it.
func (s *GoalStore) CountLinksByType(ctx context.Context, q DBTX, goalID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT link_type, count(*) FROM goal_memory_links WHERE goal_id = $1 GROUP BY link_type`, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to count goal links: %w", err)
	}
	out := map[string]int{}
	if err := scanCounts(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EvidenceLinkCounts returns memory_id -> number of evidence links across
// all goals. The retrieval scorer feeds it into the provenance component.
func (s *GoalStore) EvidenceLinkCounts(ctx context.Context, q DBTX, memoryIDs []string) (map[string]int, error) {
	out := map[string]int{}
	if len(memoryIDs) == 0 {
		return out, nil
	}
	idsJSON, err := jsonArg(memoryIDs)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT memory_id, count(*) FROM goal_memory_links
		WHERE link_type = 'evidence'
		  AND memory_id IN (SELECT (jsonb_array_elements_text($1::jsonb))::uuid)
		GROUP BY memory_id`, idsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to count evidence links: %w", err)
	}
	if err := scanCounts(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendActivity writes one goal activity event.
func (s *GoalStore) AppendActivity(ctx context.Context, q DBTX, a *GoalActivity) error {
	details, err := jsonArg(orEmptyMap(a.Details))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO goal_activity (goal_id, actor_id, action, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	err = q.QueryRowContext(ctx, query, a.GoalID, a.ActorID, a.Action, details).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append goal activity: %w", err)
	}
	return nil
}

// ListActivity returns a goal's activity log newest-first.
func (s *GoalStore) ListActivity(ctx context.Context, q DBTX, goalID string, limit int) ([]*GoalActivity, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, goal_id, actor_id, action, details, created_at
		FROM goal_activity WHERE goal_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := q.QueryContext(ctx, query, goalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list goal activity: %w", err)
	}
	defer rows.Close()

	var out []*GoalActivity
	for rows.Next() {
		var (
			a       GoalActivity
			details []byte
		)
		if err := rows.Scan(&a.ID, &a.GoalID, &a.ActorID, &a.Action, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal activity: %w", err)
		}
		if err := scanJSON(details, &a.Details); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CountByStatus returns goal counts per status for the dashboard.
func (s *GoalStore) CountByStatus(ctx context.Context, q DBTX) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, count(*) FROM goals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count goals: %w", err)
	}
	out := map[string]int{}
	if err := scanCounts(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanGoal(row *sql.Row) (*Goal, error) {
	var (
		g                    Goal
		scopeID              sql.NullString
		tags, metadata       []byte
		dueAt, completedAt   sql.NullTime
	)
	err := row.Scan(&g.ID, &g.OrganizationID, &g.CreatorID, &g.OwnerType, &g.OwnerID, &g.Title,
		&g.Description, &g.GoalType, &g.Status, &g.Priority, &dueAt, &g.Confidence,
		&g.VisibilityScope, &scopeID, &tags, &metadata, &completedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan goal: %w", err)
	}
	g.ScopeID = stringPtr(scopeID)
	g.DueAt = timePtr(dueAt)
	g.CompletedAt = timePtr(completedAt)
	if err := scanJSON(tags, &g.Tags); err != nil {
		return nil, err
	}
	if err := scanJSON(metadata, &g.Metadata); err != nil {
		return nil, err
	}
	return &g, nil
}

func scanGoals(rows *sql.Rows) ([]*Goal, error) {
	var out []*Goal
	for rows.Next() {
		var (
			g                  Goal
			scopeID            sql.NullString
			tags, metadata     []byte
			dueAt, completedAt sql.NullTime
		)
		err := rows.Scan(&g.ID, &g.OrganizationID, &g.CreatorID, &g.OwnerType, &g.OwnerID, &g.Title,
			&g.Description, &g.GoalType, &g.Status, &g.Priority, &dueAt, &g.Confidence,
			&g.VisibilityScope, &scopeID, &tags, &metadata, &completedAt, &g.CreatedAt, &g.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal row: %w", err)
		}
		g.ScopeID = stringPtr(scopeID)
		g.DueAt = timePtr(dueAt)
		g.CompletedAt = timePtr(completedAt)
		if err := scanJSON(tags, &g.Tags); err != nil {
			return nil, err
		}
		if err := scanJSON(metadata, &g.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}
