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

package goalgraph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

func testService(t *testing.T) (*Service, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db := store.NewDB(handle)
	kernel := permissions.New(db, c, nil, nil, 0)
	return New(db, kernel, nil), mock, mr
}

func seedPermissions(t *testing.T, mr *miniredis.Miniredis, orgID, userID string, perms []string) {
	t.Helper()
	raw, err := json.Marshal(perms)
	require.NoError(t, err)
	require.NoError(t, mr.Set(cache.PermissionKey(orgID, userID), string(raw)))
}

func expectTenantTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 0))
}

func userContext(orgID, userID string) *tenant.Context {
	return &tenant.Context{OrganizationID: orgID, UserID: userID, ClearanceLevel: 1}
}

func goalColumnsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "creator_id", "owner_type", "owner_id", "title", "description",
		"goal_type", "status", "priority", "due_at", "confidence", "visibility_scope", "scope_id",
		"tags", "metadata", "completed_at", "created_at", "updated_at",
	})
}

func addGoalRow(rows *sqlmock.Rows, id, goalType, status, scope string, tags []string) *sqlmock.Rows {
	now := time.Now()
	raw, _ := json.Marshal(tags)
	return rows.AddRow(
		id, "org1", "u1", "user", "u1", "goal "+id, "",
		goalType, status, 3, nil, 0.8, scope, nil,
		raw, []byte(`{}`), nil, now, now)
}

func memoryRows(id, ownerID, scope, classification string, tags []string) *sqlmock.Rows {
	now := time.Now()
	raw, _ := json.Marshal(tags)
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "owner_user_id", "scope", "scope_id", "memory_type",
		"classification", "required_clearance", "title", "content_preview", "content_hash",
		"tags", "entities", "metadata", "source_type", "vector_id", "embedding_model",
		"is_active", "legal_hold", "access_count", "last_accessed_at", "created_at", "updated_at",
	})
	rows.AddRow(
		id, "org1", ownerID, scope, nil, store.MemoryLongTerm,
		classification, 0, "note", "preview", "h",
		raw, []byte(`{}`), []byte(`{}`), "api", "vec-"+id, "hash-v1",
		true, false, 0, now, now, now)
	return rows
}

func TestRollupCountsActionableNodesOnly(t *testing.T) {
	goal := &store.Goal{ID: "g1", Confidence: 1.4}
	nodes := []*store.GoalNode{
		{ID: "n1", NodeType: store.NodeTask, Status: store.NodeDone},
		{ID: "n2", NodeType: store.NodeSubgoal, Status: store.NodeDone},
		{ID: "n3", NodeType: store.NodeMilestone, Status: store.NodeTodo},
		{ID: "n4", NodeType: store.NodeTask, Status: store.NodeInProgress},
		{ID: "n5", NodeType: "note", Status: store.NodeDone},
	}

	p := rollup(goal, nodes)
	assert.Equal(t, 4, p.TotalNodes)
	assert.Equal(t, 2, p.CompletedNodes)
	assert.InDelta(t, 50.0, p.PercentComplete, 1e-9)
	assert.Equal(t, 1.0, p.Confidence)
}

func TestRollupEmptyGraphIsZeroPercent(t *testing.T) {
	p := rollup(&store.Goal{ID: "g1", Confidence: 0.3}, nil)
	assert.Equal(t, 0, p.TotalNodes)
	assert.Equal(t, 0.0, p.PercentComplete)
	assert.InDelta(t, 0.3, p.Confidence, 1e-9)
}

func TestFindBlockers(t *testing.T) {
	nodes := []*store.GoalNode{
		{ID: "n1", NodeType: store.NodeTask, Status: store.NodeBlocked},
		{ID: "n2", NodeType: store.NodeTask, Status: store.NodeTodo, Blockers: []string{"waiting on vendor"}},
		{ID: "n3", NodeType: store.NodeTask, Status: store.NodeTodo},
		{ID: "n4", NodeType: store.NodeTask, Status: store.NodeDone},
		{ID: "n5", NodeType: store.NodeTask, Status: store.NodeTodo},
	}
	edges := []*store.GoalEdge{
		// n3 depends on an unfinished node: blocked.
		{FromNodeID: "n3", ToNodeID: "n5", EdgeType: store.EdgeDependsOn},
		// n5 depends on a done node: not blocked.
		{FromNodeID: "n5", ToNodeID: "n4", EdgeType: store.EdgeDependsOn},
		// related_to never blocks.
		{FromNodeID: "n4", ToNodeID: "n1", EdgeType: store.EdgeRelatedTo},
		// duplicate signal for n1 must not duplicate the result.
		{FromNodeID: "n1", ToNodeID: "n5", EdgeType: store.EdgeDependsOn},
	}

	assert.Equal(t, []string{"n1", "n2", "n3"}, findBlockers(nodes, edges))
}

func TestFindBlockersCleanGraph(t *testing.T) {
	nodes := []*store.GoalNode{
		{ID: "n1", NodeType: store.NodeTask, Status: store.NodeDone},
		{ID: "n2", NodeType: store.NodeTask, Status: store.NodeTodo},
	}
	edges := []*store.GoalEdge{
		{FromNodeID: "n2", ToNodeID: "n1", EdgeType: store.EdgeDependsOn},
	}
	assert.Empty(t, findBlockers(nodes, edges))
}

func TestSupervisorReviewLink(t *testing.T) {
	s := &Supervisor{}
	restricted := &store.Memory{ID: "m1", Scope: store.ScopePersonal, Classification: store.ClassRestricted}

	t.Run("restricted evidence into broader goal is rejected", func(t *testing.T) {
		goal := &store.Goal{ID: "g1", VisibilityScope: store.ScopeOrganization}
		err := s.ReviewLink(goal, restricted, &store.GoalMemoryLink{LinkType: store.LinkEvidence})
		assert.ErrorIs(t, err, ErrSupervisorReject)
	})

	t.Run("matching scope passes", func(t *testing.T) {
		goal := &store.Goal{ID: "g1", VisibilityScope: store.ScopePersonal}
		err := s.ReviewLink(goal, restricted, &store.GoalMemoryLink{LinkType: store.LinkEvidence})
		assert.NoError(t, err)
	})

	t.Run("non-evidence link types pass", func(t *testing.T) {
		goal := &store.Goal{ID: "g1", VisibilityScope: store.ScopeOrganization}
		err := s.ReviewLink(goal, restricted, &store.GoalMemoryLink{LinkType: store.LinkReference})
		assert.NoError(t, err)
	})

	t.Run("internal memory passes", func(t *testing.T) {
		goal := &store.Goal{ID: "g1", VisibilityScope: store.ScopeOrganization}
		m := &store.Memory{ID: "m2", Scope: store.ScopePersonal, Classification: store.ClassInternal}
		err := s.ReviewLink(goal, m, &store.GoalMemoryLink{LinkType: store.LinkEvidence})
		assert.NoError(t, err)
	})
}

func TestCreateGoalRequiresScopedPermission(t *testing.T) {
	svc, mock, mr := testService(t)
	tc := userContext("org1", "u1")
	seedPermissions(t, mr, "org1", "u1", []string{"memory:read:personal"})

	expectTenantTx(mock)
	mock.ExpectRollback()

	_, err := svc.CreateGoal(context.Background(), tc, CreateGoalRequest{Title: "ship onboarding"})
	assert.ErrorIs(t, err, apierror.ErrForbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateGoalSeedsActivity(t *testing.T) {
	svc, mock, mr := testService(t)
	tc := userContext("org1", "u1")
	seedPermissions(t, mr, "org1", "u1", []string{"goal:*"})
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("INSERT INTO goals").WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("g1", now, now))
	mock.ExpectQuery("INSERT INTO goal_activity").WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at"}).AddRow("a1", now))
	mock.ExpectCommit()

	goal, err := svc.CreateGoal(context.Background(), tc, CreateGoalRequest{
		Title: "ship onboarding", Confidence: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "g1", goal.ID)
	assert.Equal(t, store.GoalProposed, goal.Status)
	assert.Equal(t, store.GoalTypeTask, goal.GoalType)
	assert.Equal(t, store.ScopePersonal, goal.VisibilityScope)
	assert.Equal(t, "u1", goal.OwnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusPolicyCompletionNeedsEvidence(t *testing.T) {
	svc, mock, _ := testService(t)
	tc := userContext("org1", "u1")

	expectTenantTx(mock)
	mock.ExpectQuery("FROM goals WHERE id").WillReturnRows(
		addGoalRow(goalColumnsRows(), "g1", store.GoalTypePolicy, store.GoalActive, store.ScopeOrganization, nil))
	mock.ExpectQuery("GROUP BY link_type").WillReturnRows(
		sqlmock.NewRows([]string{"link_type", "count"}).AddRow(store.LinkEvidence, 1))
	mock.ExpectRollback()

	err := svc.SetStatus(context.Background(), tc, "g1", store.GoalCompleted)
	assert.ErrorIs(t, err, ErrSupervisorReject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusPolicyCompletionWithEvidence(t *testing.T) {
	svc, mock, _ := testService(t)
	tc := userContext("org1", "u1")
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("FROM goals WHERE id").WillReturnRows(
		addGoalRow(goalColumnsRows(), "g1", store.GoalTypePolicy, store.GoalActive, store.ScopeOrganization, nil))
	mock.ExpectQuery("GROUP BY link_type").WillReturnRows(
		sqlmock.NewRows([]string{"link_type", "count"}).AddRow(store.LinkEvidence, 2))
	mock.ExpectExec("UPDATE goals SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO goal_activity").WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at"}).AddRow("a1", now))
	mock.ExpectCommit()

	require.NoError(t, svc.SetStatus(context.Background(), tc, "g1", store.GoalCompleted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	svc, _, _ := testService(t)
	err := svc.SetStatus(context.Background(), userContext("org1", "u1"), "g1", "parked")
	assert.ErrorIs(t, err, apierror.ErrValidation)
}

func TestLinkMemoryDeniedReadIsNotFound(t *testing.T) {
	svc, mock, _ := testService(t)
	tc := userContext("org1", "u1")

	expectTenantTx(mock)
	// Kernel load: someone else's personal memory, no share grants.
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRows("m1", "other-user", store.ScopePersonal, store.ClassInternal, nil))
	mock.ExpectQuery("FROM memory_sharing").WillReturnRows(sqlmock.NewRows([]string{
		"id", "memory_id", "share_type", "target_id", "permission", "expires_at", "created_by", "created_at",
	}))
	mock.ExpectRollback()

	_, err := svc.LinkMemory(context.Background(), tc, &store.GoalMemoryLink{GoalID: "g1", MemoryID: "m1"})
	assert.ErrorIs(t, err, apierror.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkMemoryRestrictedEvidenceCrossScopeRejected(t *testing.T) {
	svc, mock, _ := testService(t)
	tc := userContext("org1", "u1")

	expectTenantTx(mock)
	// Kernel load: the caller owns the restricted memory, read allowed.
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRows("m1", "u1", store.ScopePersonal, store.ClassRestricted, nil))
	mock.ExpectQuery("FROM goals WHERE id").WillReturnRows(
		addGoalRow(goalColumnsRows(), "g1", store.GoalTypeProject, store.GoalActive, store.ScopeOrganization, nil))
	// Service reload of the memory for the supervisor check.
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRows("m1", "u1", store.ScopePersonal, store.ClassRestricted, nil))
	mock.ExpectRollback()

	_, err := svc.LinkMemory(context.Background(), tc, &store.GoalMemoryLink{
		GoalID: "g1", MemoryID: "m1", LinkType: store.LinkEvidence,
	})
	assert.ErrorIs(t, err, ErrSupervisorReject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectBlockersEscalatesActiveGoal(t *testing.T) {
	svc, mock, _ := testService(t)
	tc := userContext("org1", "u1")
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("FROM goals WHERE id").WillReturnRows(
		addGoalRow(goalColumnsRows(), "g1", store.GoalTypeProject, store.GoalActive, store.ScopeTeam, nil))
	mock.ExpectQuery("FROM goal_nodes").WillReturnRows(
		sqlmock.NewRows([]string{
			"id", "goal_id", "organization_id", "parent_node_id", "node_type", "title", "status",
			"priority", "assignees", "ordering", "expected_outputs", "success_criteria", "blockers",
			"confidence", "completed_at", "created_at", "updated_at",
		}).AddRow("n1", "g1", "org1", nil, store.NodeTask, "task", store.NodeBlocked,
			3, []byte(`[]`), 0, []byte(`[]`), []byte(`[]`), []byte(`["vendor outage"]`),
			0.5, nil, now, now))
	mock.ExpectQuery("FROM goal_edges").WillReturnRows(
		sqlmock.NewRows([]string{"from_node_id", "to_node_id", "organization_id", "edge_type", "created_at"}))
	mock.ExpectExec("UPDATE goals SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO goal_activity").WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at"}).AddRow("a1", now))
	mock.ExpectCommit()

	blockers, err := svc.DetectBlockers(context.Background(), tc, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, blockers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposeByTagOverlap(t *testing.T) {
	goals := []*store.Goal{
		{ID: "g1", Tags: []string{"Alpha", "beta"}},
		{ID: "g2", Tags: []string{"gamma"}},
	}

	t.Run("one shared tag", func(t *testing.T) {
		m := &store.Memory{ID: "m1", Tags: []string{"alpha"}}
		links := proposeByTagOverlap(m, goals)
		require.Len(t, links, 1)
		assert.Equal(t, "g1", links[0].GoalID)
		assert.Equal(t, store.LinkEvidence, links[0].LinkType)
		assert.InDelta(t, 0.65, links[0].Confidence, 1e-9)
	})

	t.Run("progress tag drives link type", func(t *testing.T) {
		m := &store.Memory{ID: "m1", Tags: []string{"alpha", "progress"}}
		links := proposeByTagOverlap(m, goals)
		require.Len(t, links, 1)
		assert.Equal(t, store.LinkProgress, links[0].LinkType)
	})

	t.Run("confidence caps at one", func(t *testing.T) {
		many := []*store.Goal{{ID: "g3", Tags: []string{"a", "b", "c", "d", "e"}}}
		m := &store.Memory{ID: "m1", Tags: []string{"a", "b", "c", "d", "e"}}
		links := proposeByTagOverlap(m, many)
		require.Len(t, links, 1)
		assert.Equal(t, 1.0, links[0].Confidence)
	})

	t.Run("untagged memory proposes nothing", func(t *testing.T) {
		assert.Nil(t, proposeByTagOverlap(&store.Memory{ID: "m1"}, goals))
	})
}

type stubLLM struct {
	answer string
	err    error
}

func (s *stubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return s.answer, s.err
}

func (s *stubLLM) Model() string { return "stub" }

func TestProposeLLMConfidenceGate(t *testing.T) {
	llm := &stubLLM{answer: `{"links": [
		{"goal_id": "g1", "link_type": "progress", "confidence": 0.9},
		{"goal_id": "g1", "link_type": "evidence", "confidence": 0.4},
		{"goal_id": "unknown", "link_type": "evidence", "confidence": 0.95},
		{"goal_id": "g2", "link_type": "blocker", "confidence": 0.8}
	]}`}
	p := NewProposer(nil, llm)
	goals := []*store.Goal{{ID: "g1"}, {ID: "g2"}}

	links, err := p.proposeLLM(context.Background(), &store.Memory{ID: "m1"}, goals)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "g1", links[0].GoalID)
	assert.Equal(t, store.LinkProgress, links[0].LinkType)
	// Unrecognized link types are coerced to evidence.
	assert.Equal(t, "g2", links[1].GoalID)
	assert.Equal(t, store.LinkEvidence, links[1].LinkType)
}

func TestHandleGoalProposalTagOverlap(t *testing.T) {
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	p := NewProposer(store.NewDB(handle), nil)
	tc := tenant.NewSystem("org1")
	now := time.Now()

	expectTenantTx(mock)
	mock.ExpectQuery("FROM memories").WillReturnRows(
		memoryRows("m1", "u1", store.ScopeTeam, store.ClassInternal, []string{"alpha", "progress"}))
	// Active then proposed candidates.
	mock.ExpectQuery("FROM goals WHERE TRUE").WillReturnRows(
		addGoalRow(goalColumnsRows(), "g1", store.GoalTypeProject, store.GoalActive, store.ScopeTeam, []string{"alpha"}))
	mock.ExpectQuery("FROM goals WHERE TRUE").WillReturnRows(goalColumnsRows())
	mock.ExpectQuery("INSERT INTO goal_memory_links").WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("l1", now, now))
	mock.ExpectQuery("INSERT INTO goal_activity").WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at"}).AddRow("a1", now))
	mock.ExpectCommit()

	task := &store.PipelineTask{Metadata: map[string]any{"memory_id": "m1"}}
	require.NoError(t, p.HandleGoalProposal(context.Background(), tc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleGoalProposalRequiresMemoryID(t *testing.T) {
	p := NewProposer(nil, nil)
	err := p.HandleGoalProposal(context.Background(), tenant.NewSystem("org1"),
		&store.PipelineTask{Metadata: map[string]any{}})
	assert.Error(t, err)
}
