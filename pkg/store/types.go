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

// Package store is the relational persistence layer: one Postgres database
// holding every tenant-scoped table behind row-level security. All access
// goes through tenant transactions that install the session variables the
// RLS policies read.
package store

import (
	"time"
)

// Memory scopes, narrowest to widest.
const (
	ScopePersonal     = "personal"
	ScopeTeam         = "team"
	ScopeDepartment   = "department"
	ScopeDivision     = "division"
	ScopeOrganization = "organization"
	ScopeGlobal       = "global"
)

// ValidScope reports whether s names a memory scope.
func ValidScope(s string) bool {
	switch s {
	case ScopePersonal, ScopeTeam, ScopeDepartment, ScopeDivision, ScopeOrganization, ScopeGlobal:
		return true
	}
	return false
}

// ScopeBreadth orders scopes narrow to broad. Unknown scopes rank widest
// so breadth comparisons fail safe.
func ScopeBreadth(s string) int {
	switch s {
	case ScopePersonal:
		return 0
	case ScopeTeam:
		return 1
	case ScopeDepartment:
		return 2
	case ScopeDivision:
		return 3
	case ScopeOrganization:
		return 4
	}
	return 5
}

// Memory classifications, least to most sensitive.
const (
	ClassPublic       = "public"
	ClassInternal     = "internal"
	ClassConfidential = "confidential"
	ClassRestricted   = "restricted"
)

// ValidClassification reports whether s names a classification.
func ValidClassification(s string) bool {
	switch s {
	case ClassPublic, ClassInternal, ClassConfidential, ClassRestricted:
		return true
	}
	return false
}

// Memory types.
const (
	MemoryShortTerm = "short_term"
	MemoryLongTerm  = "long_term"
)

// Organization is the tenant boundary.
type Organization struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	DisplayName string         `json:"display_name"`
	IsActive    bool           `json:"is_active"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// User is a principal. Clearance gates access to classified memories.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	HashedCredential string    `json:"-"`
	IsActive         bool      `json:"is_active"`
	ClearanceLevel   int       `json:"clearance_level"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Role carries permission strings within one org. Wildcards resource:* and
// resource:action:* are honored by the permission kernel.
type Role struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Permissions    []string  `json:"permissions"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserRole grants a role to a user in an org, optionally expiring.
type UserRole struct {
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Team member roles.
const (
	TeamRoleMember = "member"
	TeamRoleLead   = "lead"
	TeamRoleAdmin  = "admin"
)

// Team groups users inside an org.
type Team struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// TeamMember is a user's membership with its team role.
type TeamMember struct {
	TeamID   string    `json:"team_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// OrgHierarchyNode is one department/division in the ltree hierarchy. Path
// is dotted, e.g. "acme.engineering.platform".
type OrgHierarchyNode struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Kind           string `json:"kind"` // department or division
	Name           string `json:"name"`
	Path           string `json:"path"`
}

// Memory is the central record: short text with embedding metadata, tags,
// classification and provenance.
type Memory struct {
	ID                string              `json:"id"`
	OrganizationID    string              `json:"organization_id"`
	OwnerUserID       string              `json:"owner_user_id"`
	Scope             string              `json:"scope"`
	ScopeID           *string             `json:"scope_id,omitempty"`
	MemoryType        string              `json:"memory_type"`
	Classification    string              `json:"classification"`
	RequiredClearance int                 `json:"required_clearance"`
	Title             string              `json:"title"`
	ContentPreview    string              `json:"content_preview"`
	ContentHash       string              `json:"content_hash"`
	Tags              []string            `json:"tags"`
	Entities          map[string][]string `json:"entities,omitempty"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
	SourceType        string              `json:"source_type"`
	VectorID          string              `json:"vector_id"`
	EmbeddingModel    string              `json:"embedding_model"`
	IsActive          bool                `json:"is_active"`
	LegalHold         bool                `json:"legal_hold"`
	AccessCount       int                 `json:"access_count"`
	LastAccessedAt    *time.Time          `json:"last_accessed_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Share permissions, weakest to strongest; a stronger grant covers the
// weaker actions.
const (
	SharePermRead    = "read"
	SharePermComment = "comment"
	SharePermEdit    = "edit"
)

// MemorySharing is an explicit grant on one memory to a user or team.
type MemorySharing struct {
	ID         string     `json:"id"`
	MemoryID   string     `json:"memory_id"`
	ShareType  string     `json:"share_type"` // user or team
	TargetID   string     `json:"target_id"`
	Permission string     `json:"permission"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ActivationState holds the mutable retrieval counters for one memory.
type ActivationState struct {
	MemoryID       string     `json:"memory_id"`
	OrganizationID string     `json:"organization_id"`
	BaseImportance float64    `json:"base_importance"`
	Confidence     float64    `json:"confidence"`
	Contradicted   bool       `json:"contradicted"`
	RiskFactor     float64    `json:"risk_factor"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DefaultActivationState returns the first-observation defaults.
func DefaultActivationState(orgID, memoryID string) *ActivationState {
	return &ActivationState{
		MemoryID:       memoryID,
		OrganizationID: orgID,
		BaseImportance: 0.5,
		Confidence:     0.8,
		Contradicted:   false,
		RiskFactor:     0.0,
		AccessCount:    0,
	}
}

// CoactivationEdge is the undirected association between two memories that
// were returned together. MemoryA < MemoryB canonically.
type CoactivationEdge struct {
	MemoryA          string    `json:"memory_a"`
	MemoryB          string    `json:"memory_b"`
	OrganizationID   string    `json:"organization_id"`
	Count            int       `json:"count"`
	EdgeWeight       float64   `json:"edge_weight"`
	LastCoactivatedAt time.Time `json:"last_coactivated_at"`
}

// ExplanationResult is one ranked entry in a retrieval explanation.
type ExplanationResult struct {
	MemoryID   string             `json:"memory_id"`
	Activation float64            `json:"activation"`
	Components map[string]float64 `json:"components"`
	Gating     GatingInfo         `json:"gating"`
	Rank       int                `json:"rank"`
}

// GatingInfo records the permission outcome for one candidate.
type GatingInfo struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// RetrievalExplanation is the append-only record of one retrieval.
type RetrievalExplanation struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	UserID         string              `json:"user_id"`
	QueryHash      string              `json:"query_hash"`
	TopK           int                 `json:"top_k"`
	Results        []ExplanationResult `json:"results"`
	RetrievedAt    time.Time           `json:"retrieved_at"`
}

// Feedback types.
const (
	FeedbackRelevance = "relevance"
	FeedbackQuality   = "quality"
)

// MemoryFeedback is one user signal about one memory.
type MemoryFeedback struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	MemoryID       string         `json:"memory_id"`
	ActorID        string         `json:"actor_id"`
	FeedbackType   string         `json:"feedback_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	IsApplied      bool           `json:"is_applied"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Causal hypothesis statuses.
const (
	HypothesisProposed  = "proposed"
	HypothesisActive    = "active"
	HypothesisContested = "contested"
	HypothesisRejected  = "rejected"
)

// Hypothesis relations.
const (
	RelationCorrelates = "correlates"
	RelationCauses     = "causes"
)

// CausalHypothesis is a derived claim over a set of memories.
type CausalHypothesis struct {
	ID                string    `json:"id"`
	OrganizationID    string    `json:"organization_id"`
	Relation          string    `json:"relation"` // correlates, causes, ...
	EvidenceMemoryIDs []string  `json:"evidence_memory_ids"`
	Confidence        float64   `json:"confidence"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Agent run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunRetry   = "retry"
	RunFailed  = "failed"
	RunSkipped = "skipped"
)

// AgentRun is one attempt of one agent version against one memory,
// idempotent on (org, memory, agent_name, agent_version).
type AgentRun struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	MemoryID       string         `json:"memory_id"`
	AgentName      string         `json:"agent_name"`
	AgentVersion   string         `json:"agent_version"`
	InputsHash     string         `json:"inputs_hash"`
	Status         string         `json:"status"`
	Confidence     float64        `json:"confidence"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	TraceID        string         `json:"trace_id"`
	Provenance     map[string]any `json:"provenance,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// AgentRunEvent is one append-only trajectory step of a run.
type AgentRunEvent struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	StepIndex   int            `json:"step_index"`
	EventType   string         `json:"event_type"` // tool_call, tool_result, run_result
	SummaryText string         `json:"summary_text"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Pipeline task statuses.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskBlocked   = "blocked"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// PipelineTask is one unit of queued work with its SLA bookkeeping.
type PipelineTask struct {
	ID                 string         `json:"id"`
	OrganizationID     string         `json:"organization_id"`
	TaskType           string         `json:"task_type"`
	Status             string         `json:"status"`
	Priority           int            `json:"priority"`
	SLADeadline        time.Time      `json:"sla_deadline"`
	SLACategory        string         `json:"sla_category"`
	EstimatedTokens    int            `json:"estimated_tokens"`
	ActualTokens       int            `json:"actual_tokens"`
	EstimatedLatencyMS int            `json:"estimated_latency_ms"`
	DurationMS         int            `json:"duration_ms"`
	BlocksOnTaskID     *string        `json:"blocks_on_task_id,omitempty"`
	BlockedByQuota     bool           `json:"blocked_by_quota"`
	BlockedReason      string         `json:"blocked_reason,omitempty"`
	Attempts           int            `json:"attempts"`
	MaxAttempts        int            `json:"max_attempts"`
	LastError          string         `json:"last_error,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	TraceID            string         `json:"trace_id"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// SLARemaining returns the milliseconds until the deadline; negative when
// breached.
func (t *PipelineTask) SLARemaining(now time.Time) int64 {
	return t.SLADeadline.Sub(now).Milliseconds()
}

// SLABreached reports whether the deadline has passed.
func (t *PipelineTask) SLABreached(now time.Time) bool {
	return t.SLARemaining(now) < 0
}

// IsTerminal reports whether the task has finished for good.
func (t *PipelineTask) IsTerminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

// DeadLetterTask quarantines a task that exhausted its attempts.
type DeadLetterTask struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	OrganizationID string    `json:"organization_id"`
	TaskType       string    `json:"task_type"`
	Reason         string    `json:"reason"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Goal statuses.
const (
	GoalProposed  = "proposed"
	GoalActive    = "active"
	GoalBlocked   = "blocked"
	GoalCompleted = "completed"
	GoalAbandoned = "abandoned"
)

// Goal types.
const (
	GoalTypeTask      = "task"
	GoalTypeProject   = "project"
	GoalTypeObjective = "objective"
	GoalTypePolicy    = "policy"
	GoalTypeResearch  = "research"
)

// Goal is the root of one goal graph.
type Goal struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"`
	CreatorID       string         `json:"creator_id"`
	OwnerType       string         `json:"owner_type"` // user, team, department, organization
	OwnerID         string         `json:"owner_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	GoalType        string         `json:"goal_type"`
	Status          string         `json:"status"`
	Priority        int            `json:"priority"` // 0..5
	DueAt           *time.Time     `json:"due_at,omitempty"`
	Confidence      float64        `json:"confidence"`
	VisibilityScope string         `json:"visibility_scope"`
	ScopeID         *string        `json:"scope_id,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Goal node types and statuses.
const (
	NodeSubgoal   = "subgoal"
	NodeTask      = "task"
	NodeMilestone = "milestone"

	NodeTodo       = "todo"
	NodeInProgress = "in_progress"
	NodeBlocked    = "blocked"
	NodeDone       = "done"
	NodeCancelled  = "cancelled"
)

// GoalNode is one actionable item inside a goal.
type GoalNode struct {
	ID              string     `json:"id"`
	GoalID          string     `json:"goal_id"`
	OrganizationID  string     `json:"organization_id"`
	ParentNodeID    *string    `json:"parent_node_id,omitempty"`
	NodeType        string     `json:"node_type"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	Assignees       []string   `json:"assignees,omitempty"`
	Ordering        int        `json:"ordering"`
	ExpectedOutputs []string   `json:"expected_outputs,omitempty"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
	Blockers        []string   `json:"blockers,omitempty"`
	Confidence      float64    `json:"confidence"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsActionable reports whether the node counts toward progress rollup.
func (n *GoalNode) IsActionable() bool {
	switch n.NodeType {
	case NodeSubgoal, NodeTask, NodeMilestone:
		return true
	}
	return false
}

// Goal edge types.
const (
	EdgeDependsOn = "depends_on"
	EdgeBlocks    = "blocks"
	EdgeRelatedTo = "related_to"
)

// GoalEdge is a typed relation between two nodes. (from, to, type) unique.
type GoalEdge struct {
	FromNodeID     string    `json:"from_node_id"`
	ToNodeID       string    `json:"to_node_id"`
	OrganizationID string    `json:"organization_id"`
	EdgeType       string    `json:"edge_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// Goal-memory link types.
const (
	LinkEvidence  = "evidence"
	LinkProgress  = "progress"
	LinkBlocker   = "blocker"
	LinkReference = "reference"
)

// GoalMemoryLink ties a memory into a goal, optionally at one node.
type GoalMemoryLink struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	GoalID         string    `json:"goal_id"`
	MemoryID       string    `json:"memory_id"`
	NodeID         *string   `json:"node_id,omitempty"`
	LinkType       string    `json:"link_type"`
	LinkedBy       string    `json:"linked_by"` // auto, user, agent
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GoalActivity is one append-only per-goal audit entry.
type GoalActivity struct {
	ID        string         `json:"id"`
	GoalID    string         `json:"goal_id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Policy rollout statuses.
const (
	RolloutDraft      = "draft"
	RolloutCanary     = "canary"
	RolloutStaged     = "staged"
	RolloutActive     = "active"
	RolloutSuperseded = "superseded"
	RolloutRolledBack = "rolled_back"
)

// PolicyVersion is one versioned policy configuration with its rollout
// lifecycle. At most one version per (org, policy_name) is active.
type PolicyVersion struct {
	ID                   string         `json:"id"`
	OrganizationID       string         `json:"organization_id"`
	PolicyName           string         `json:"policy_name"`
	Version              int            `json:"version"`
	RolloutStatus        string         `json:"rollout_status"`
	RolloutPercentage    float64        `json:"rollout_percentage"`
	CanaryGroupIDs       []string       `json:"canary_group_ids,omitempty"`
	PolicyConfig         map[string]any `json:"policy_config,omitempty"`
	ValidationSchema     map[string]any `json:"validation_schema,omitempty"`
	SuccessCount         int            `json:"success_count"`
	FailureCount         int            `json:"failure_count"`
	ErrorRate            float64        `json:"error_rate"`
	ActivatedAt          *time.Time     `json:"activated_at,omitempty"`
	SupersededByVersion  *int           `json:"superseded_by_version,omitempty"`
	RolledBackToVersion  *int           `json:"rolled_back_to_version,omitempty"`
	RollbackReason       string         `json:"rollback_reason,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// AuditEvent is one append-only record of a decision, mutation or failure.
type AuditEvent struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Outcome        string         `json:"outcome"` // allowed, denied, error, ok
	Reason         string         `json:"reason,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	Justification  string         `json:"justification,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MemoryTopic is a topic assignment materialized by the topic agent.
type MemoryTopic struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	MemoryID       string    `json:"memory_id"`
	Topic          string    `json:"topic"`
	Scope          string    `json:"scope"`
	ScopeID        *string   `json:"scope_id,omitempty"`
	Weight         float64   `json:"weight"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryGraphEdge is a typed relation between memories materialized by the
// graph-linking agent.
type MemoryGraphEdge struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	FromMemoryID   string    `json:"from_memory_id"`
	ToMemoryID     string    `json:"to_memory_id"`
	Relation       string    `json:"relation"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryPattern is a recurring structure detected across memories.
type MemoryPattern struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	MemoryID       string         `json:"memory_id"`
	PatternType    string         `json:"pattern_type"`
	Description    string         `json:"description"`
	Support        float64        `json:"support"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// FeedbackLearningConfig holds the per-org tunables the feedback-learning
/// agent adjusts: stopwords, thresholds, component weights.
type FeedbackLearningConfig struct {
	OrganizationID string         `json:"organization_id"`
	Stopwords      []string       `json:"stopwords,omitempty"`
	Thresholds     map[string]any `json:"thresholds,omitempty"`
	Weights        map[string]any `json:"weights,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ExportRecord tracks a persisted export produced by the export agent.
type ExportRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	MemoryID       string    `json:"memory_id"`
	Target         string    `json:"target"` // e.g. logseq
	Path           string    `json:"path"`
	ContentHash    string    `json:"content_hash"`
	ExportedAt     time.Time `json:"exported_at"`
}
