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
	"fmt"
)

// Schema is the full DDL. Row-level security on every tenant-scoped table
// reads the session variables installed by WithTenantTx; a connection that
// never set them sees no rows (current_setting with missing_ok returns NULL,
// and NULL = anything is false).
const Schema = `
CREATE EXTENSION IF NOT EXISTS ltree;
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS organizations (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    slug            TEXT NOT NULL UNIQUE,
    display_name    TEXT NOT NULL,
    is_active       BOOLEAN NOT NULL DEFAULT TRUE,
    settings        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email             TEXT NOT NULL UNIQUE,
    hashed_credential TEXT NOT NULL DEFAULT '',
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    clearance_level   INT NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS organization_members (
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    user_id         UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (organization_id, user_id)
);

CREATE TABLE IF NOT EXISTS roles (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    name            TEXT NOT NULL,
    permissions     JSONB NOT NULL DEFAULT '[]',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (organization_id, name)
);

CREATE TABLE IF NOT EXISTS user_roles (
    user_id         UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role_id         UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    expires_at      TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, role_id, organization_id)
);

CREATE TABLE IF NOT EXISTS teams (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    name            TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (organization_id, name)
);

CREATE TABLE IF NOT EXISTS team_members (
    team_id   UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
    user_id   UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role      TEXT NOT NULL DEFAULT 'member'
              CHECK (role IN ('member', 'lead', 'admin')),
    joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (team_id, user_id)
);

CREATE TABLE IF NOT EXISTS org_hierarchy (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    kind            TEXT NOT NULL CHECK (kind IN ('department', 'division')),
    name            TEXT NOT NULL,
    path            LTREE NOT NULL,
    UNIQUE (organization_id, path)
);
CREATE INDEX IF NOT EXISTS idx_org_hierarchy_path ON org_hierarchy USING gist (path);

CREATE TABLE IF NOT EXISTS user_org_units (
    user_id         UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    org_unit_id     UUID NOT NULL REFERENCES org_hierarchy(id) ON DELETE CASCADE,
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    PRIMARY KEY (user_id, org_unit_id)
);

CREATE TABLE IF NOT EXISTS memories (
    id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id    UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    owner_user_id      UUID NOT NULL REFERENCES users(id),
    scope              TEXT NOT NULL DEFAULT 'personal'
                       CHECK (scope IN ('personal', 'team', 'department', 'division', 'organization', 'global')),
    scope_id           UUID,
    memory_type        TEXT NOT NULL DEFAULT 'long_term'
                       CHECK (memory_type IN ('short_term', 'long_term')),
    classification     TEXT NOT NULL DEFAULT 'internal'
                       CHECK (classification IN ('public', 'internal', 'confidential', 'restricted')),
    required_clearance INT NOT NULL DEFAULT 0,
    title              TEXT NOT NULL,
    content_preview    TEXT NOT NULL DEFAULT '',
    content_hash       TEXT NOT NULL DEFAULT '',
    tags               JSONB NOT NULL DEFAULT '[]',
    tags_text          TEXT NOT NULL DEFAULT '',
    entities           JSONB NOT NULL DEFAULT '{}',
    metadata           JSONB NOT NULL DEFAULT '{}',
    source_type        TEXT NOT NULL DEFAULT 'manual',
    vector_id          TEXT NOT NULL DEFAULT '',
    embedding_model    TEXT NOT NULL DEFAULT '',
    is_active          BOOLEAN NOT NULL DEFAULT TRUE,
    legal_hold         BOOLEAN NOT NULL DEFAULT FALSE,
    access_count       INT NOT NULL DEFAULT 0,
    last_accessed_at   TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    search_tsv         TSVECTOR GENERATED ALWAYS AS (
        setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
        setweight(to_tsvector('english', coalesce(tags_text, '')), 'B') ||
        setweight(to_tsvector('english', coalesce(content_preview, '')), 'D')
    ) STORED
);
CREATE INDEX IF NOT EXISTS idx_memories_org        ON memories (organization_id, is_active);
CREATE INDEX IF NOT EXISTS idx_memories_owner      ON memories (organization_id, owner_user_id);
CREATE INDEX IF NOT EXISTS idx_memories_search_tsv ON memories USING gin (search_tsv);
CREATE INDEX IF NOT EXISTS idx_memories_tags       ON memories USING gin (tags);

CREATE TABLE IF NOT EXISTS memory_sharing (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    memory_id   UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    share_type  TEXT NOT NULL CHECK (share_type IN ('user', 'team')),
    target_id   UUID NOT NULL,
    permission  TEXT NOT NULL DEFAULT 'read'
                CHECK (permission IN ('read', 'comment', 'edit')),
    expires_at  TIMESTAMPTZ,
    created_by  UUID NOT NULL REFERENCES users(id),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (memory_id, share_type, target_id)
);
CREATE INDEX IF NOT EXISTS idx_memory_sharing_target ON memory_sharing (share_type, target_id);

CREATE TABLE IF NOT EXISTS memory_activation (
    memory_id        UUID PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
    organization_id  UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    base_importance  DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    confidence       DOUBLE PRECISION NOT NULL DEFAULT 0.8,
    contradicted     BOOLEAN NOT NULL DEFAULT FALSE,
    risk_factor      DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    access_count     INT NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS memory_coactivation (
    memory_a            UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    memory_b            UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    organization_id     UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    count               INT NOT NULL DEFAULT 0,
    edge_weight         DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    last_coactivated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (memory_a, memory_b),
    CHECK (memory_a < memory_b)
);
CREATE INDEX IF NOT EXISTS idx_coactivation_org ON memory_coactivation (organization_id);

CREATE TABLE IF NOT EXISTS retrieval_explanations (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    user_id         UUID NOT NULL REFERENCES users(id),
    query_hash      TEXT NOT NULL,
    top_k           INT NOT NULL,
    results         JSONB NOT NULL DEFAULT '[]',
    retrieved_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_explanations_org_time ON retrieval_explanations (organization_id, retrieved_at DESC);

CREATE TABLE IF NOT EXISTS memory_feedback (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    memory_id       UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    actor_id        UUID NOT NULL REFERENCES users(id),
    feedback_type   TEXT NOT NULL CHECK (feedback_type IN ('relevance', 'quality')),
    payload         JSONB NOT NULL DEFAULT '{}',
    is_applied      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_feedback_memory ON memory_feedback (memory_id, created_at DESC);

CREATE TABLE IF NOT EXISTS causal_hypotheses (
    id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id     UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    relation            TEXT NOT NULL,
    evidence_memory_ids JSONB NOT NULL DEFAULT '[]',
    confidence          DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    status              TEXT NOT NULL DEFAULT 'proposed'
                        CHECK (status IN ('proposed', 'active', 'contested', 'rejected')),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agent_runs (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    memory_id       UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    agent_name      TEXT NOT NULL,
    agent_version   TEXT NOT NULL,
    inputs_hash     TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL CHECK (status IN ('success', 'retry', 'failed', 'skipped')),
    confidence      DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    outputs         JSONB NOT NULL DEFAULT '{}',
    warnings        JSONB NOT NULL DEFAULT '[]',
    errors          JSONB NOT NULL DEFAULT '[]',
    trace_id        TEXT NOT NULL DEFAULT '',
    provenance      JSONB NOT NULL DEFAULT '{}',
    started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at     TIMESTAMPTZ,
    UNIQUE (organization_id, memory_id, agent_name, agent_version)
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_memory ON agent_runs (memory_id);

CREATE TABLE IF NOT EXISTS agent_run_events (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    run_id       UUID NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
    step_index   INT NOT NULL,
    event_type   TEXT NOT NULL,
    summary_text TEXT NOT NULL DEFAULT '',
    payload      JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON agent_run_events (run_id, step_index);

CREATE TABLE IF NOT EXISTS pipeline_tasks (
    id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id      UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    task_type            TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'queued'
                         CHECK (status IN ('queued', 'running', 'blocked', 'succeeded', 'failed')),
    priority             INT NOT NULL DEFAULT 0,
    sla_deadline         TIMESTAMPTZ NOT NULL,
    sla_category         TEXT NOT NULL DEFAULT 'default',
    estimated_tokens     INT NOT NULL DEFAULT 0,
    actual_tokens        INT NOT NULL DEFAULT 0,
    estimated_latency_ms INT NOT NULL DEFAULT 0,
    duration_ms          INT NOT NULL DEFAULT 0,
    blocks_on_task_id    UUID REFERENCES pipeline_tasks(id),
    blocked_by_quota     BOOLEAN NOT NULL DEFAULT FALSE,
    blocked_reason       TEXT NOT NULL DEFAULT '',
    attempts             INT NOT NULL DEFAULT 0,
    max_attempts         INT NOT NULL DEFAULT 3,
    last_error           TEXT NOT NULL DEFAULT '',
    metadata             JSONB NOT NULL DEFAULT '{}',
    trace_id             TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at           TIMESTAMPTZ,
    completed_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON pipeline_tasks (status, sla_deadline, priority DESC, created_at)
    WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_tasks_org ON pipeline_tasks (organization_id, status);

CREATE TABLE IF NOT EXISTS dead_letter_tasks (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    task_id         UUID NOT NULL,
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    task_type       TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    last_error      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS goals (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id  UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    creator_id       UUID NOT NULL REFERENCES users(id),
    owner_type       TEXT NOT NULL DEFAULT 'user'
                     CHECK (owner_type IN ('user', 'team', 'department', 'organization')),
    owner_id         UUID NOT NULL,
    title            TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    goal_type        TEXT NOT NULL DEFAULT 'task'
                     CHECK (goal_type IN ('task', 'project', 'objective', 'policy', 'research')),
    status           TEXT NOT NULL DEFAULT 'proposed'
                     CHECK (status IN ('proposed', 'active', 'blocked', 'completed', 'abandoned')),
    priority         INT NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 5),
    due_at           TIMESTAMPTZ,
    confidence       DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    visibility_scope TEXT NOT NULL DEFAULT 'personal'
                     CHECK (visibility_scope IN ('personal', 'team', 'department', 'division', 'organization', 'global')),
    scope_id         UUID,
    tags             JSONB NOT NULL DEFAULT '[]',
    metadata         JSONB NOT NULL DEFAULT '{}',
    completed_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_goals_org ON goals (organization_id, status);

CREATE TABLE IF NOT EXISTS goal_nodes (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    goal_id          UUID NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
    organization_id  UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    parent_node_id   UUID REFERENCES goal_nodes(id) ON DELETE CASCADE,
    node_type        TEXT NOT NULL DEFAULT 'task'
                     CHECK (node_type IN ('subgoal', 'task', 'milestone')),
    title            TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'todo'
                     CHECK (status IN ('todo', 'in_progress', 'blocked', 'done', 'cancelled')),
    priority         INT NOT NULL DEFAULT 0,
    assignees        JSONB NOT NULL DEFAULT '[]',
    ordering         INT NOT NULL DEFAULT 0,
    expected_outputs JSONB NOT NULL DEFAULT '[]',
    success_criteria JSONB NOT NULL DEFAULT '[]',
    blockers         JSONB NOT NULL DEFAULT '[]',
    confidence       DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    completed_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_goal_nodes_goal ON goal_nodes (goal_id, ordering);

CREATE TABLE IF NOT EXISTS goal_edges (
    from_node_id    UUID NOT NULL REFERENCES goal_nodes(id) ON DELETE CASCADE,
    to_node_id      UUID NOT NULL REFERENCES goal_nodes(id) ON DELETE CASCADE,
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    edge_type       TEXT NOT NULL CHECK (edge_type IN ('depends_on', 'blocks', 'related_to')),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (from_node_id, to_node_id, edge_type)
);

CREATE TABLE IF NOT EXISTS goal_memory_links (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    goal_id         UUID NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
    memory_id       UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    node_id         UUID REFERENCES goal_nodes(id) ON DELETE CASCADE,
    link_type       TEXT NOT NULL DEFAULT 'reference'
                    CHECK (link_type IN ('evidence', 'progress', 'blocker', 'reference')),
    linked_by       TEXT NOT NULL DEFAULT 'user' CHECK (linked_by IN ('auto', 'user', 'agent')),
    confidence      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (goal_id, memory_id)
);
CREATE INDEX IF NOT EXISTS idx_goal_links_memory ON goal_memory_links (memory_id);

CREATE TABLE IF NOT EXISTS goal_activity (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    goal_id    UUID NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
    actor_id   UUID NOT NULL,
    action     TEXT NOT NULL,
    details    JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_goal_activity_goal ON goal_activity (goal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS policy_versions (
    id                     UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id        UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    policy_name            TEXT NOT NULL,
    version                INT NOT NULL,
    rollout_status         TEXT NOT NULL DEFAULT 'draft'
                           CHECK (rollout_status IN ('draft', 'canary', 'staged', 'active', 'superseded', 'rolled_back')),
    rollout_percentage     DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    canary_group_ids       JSONB NOT NULL DEFAULT '[]',
    policy_config          JSONB NOT NULL DEFAULT '{}',
    validation_schema      JSONB NOT NULL DEFAULT '{}',
    success_count          INT NOT NULL DEFAULT 0,
    failure_count          INT NOT NULL DEFAULT 0,
    activated_at           TIMESTAMPTZ,
    superseded_by_version  INT,
    rolled_back_to_version INT,
    rollback_reason        TEXT NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (organization_id, policy_name, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_one_active
    ON policy_versions (organization_id, policy_name)
    WHERE rollout_status = 'active';

CREATE TABLE IF NOT EXISTS audit_events (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL,
    actor_id        UUID NOT NULL,
    action          TEXT NOT NULL,
    resource_type   TEXT NOT NULL,
    resource_id     TEXT NOT NULL DEFAULT '',
    outcome         TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    trace_id        TEXT NOT NULL DEFAULT '',
    justification   TEXT NOT NULL DEFAULT '',
    details         JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_org_time ON audit_events (organization_id, created_at DESC);

CREATE TABLE IF NOT EXISTS memory_topics (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    memory_id       UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    topic           TEXT NOT NULL,
    scope           TEXT NOT NULL DEFAULT 'personal',
    scope_id        UUID,
    weight          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (memory_id, topic)
);

CREATE TABLE IF NOT EXISTS memory_graph_edges (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    from_memory_id  UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    to_memory_id    UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    relation        TEXT NOT NULL,
    confidence      DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (from_memory_id, to_memory_id, relation)
);

CREATE TABLE IF NOT EXISTS memory_patterns (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    memory_id       UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    pattern_type    TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    support         DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    details         JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS feedback_learning_config (
    organization_id UUID PRIMARY KEY REFERENCES organizations(id) ON DELETE CASCADE,
    stopwords       JSONB NOT NULL DEFAULT '[]',
    thresholds      JSONB NOT NULL DEFAULT '{}',
    weights         JSONB NOT NULL DEFAULT '{}',
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS export_records (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    memory_id       UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    target          TEXT NOT NULL,
    path            TEXT NOT NULL,
    content_hash    TEXT NOT NULL DEFAULT '',
    exported_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (memory_id, target)
);

-- Session-variable accessors for the row-level security policies. Each
-- reads a GUC installed by set_config in the tenant transaction; on a
-- connection that never set them, app_current_org() and
-- app_current_user_id() return NULL, which fails every comparison.
CREATE OR REPLACE FUNCTION app_current_org() RETURNS uuid
    LANGUAGE sql STABLE AS $$
    SELECT NULLIF(current_setting('app.current_org_id', true), '')::uuid
$$;

CREATE OR REPLACE FUNCTION app_current_user_id() RETURNS uuid
    LANGUAGE sql STABLE AS $$
    SELECT NULLIF(current_setting('app.current_user_id', true), '')::uuid
$$;

CREATE OR REPLACE FUNCTION app_clearance() RETURNS int
    LANGUAGE sql STABLE AS $$
    SELECT coalesce(NULLIF(current_setting('app.current_clearance_level', true), ''), '0')::int
$$;

-- Exact element match against the comma-separated role list. A role name
-- that merely contains another ('not_system_admin') must not match it.
CREATE OR REPLACE FUNCTION app_has_role(r text) RETURNS boolean
    LANGUAGE sql STABLE AS $$
    SELECT r = ANY(string_to_array(coalesce(current_setting('app.current_roles', true), ''), ','))
$$;
`

// tenantTables are the tables whose rows belong to exactly one organization.
// Each gets RLS with an unconditional org predicate; no role bypasses the
// org boundary. memories additionally gets per-command scope policies that
// mirror the kernel's decision rules.
var tenantTables = []string{
	"roles",
	"user_roles",
	"teams",
	"org_hierarchy",
	"user_org_units",
	"memories",
	"memory_activation",
	"memory_coactivation",
	"retrieval_explanations",
	"memory_feedback",
	"causal_hypotheses",
	"agent_runs",
	"pipeline_tasks",
	"dead_letter_tasks",
	"goals",
	"goal_nodes",
	"goal_edges",
	"goal_memory_links",
	"policy_versions",
	"audit_events",
	"memory_topics",
	"memory_graph_edges",
	"memory_patterns",
	"feedback_learning_config",
	"export_records",
}

const rlsPolicyTemplate = `
ALTER TABLE %[1]s ENABLE ROW LEVEL SECURITY;
ALTER TABLE %[1]s FORCE ROW LEVEL SECURITY;
DROP POLICY IF EXISTS %[1]s_tenant_isolation ON %[1]s;
CREATE POLICY %[1]s_tenant_isolation ON %[1]s
    USING (organization_id = app_current_org());
`

// memoriesRLSPolicy mirrors the kernel's scope-membership rules so the two
// layers agree on which rows a session can touch at all; the kernel stays
// the authority on which action each rule grants. The org and clearance
// predicates are unconditional: system_admin and org_admin bypass scope,
// never the org boundary or a clearance requirement. team_members and
// memory_sharing carry no RLS of their own, so the subqueries see all
// rows; org_hierarchy and user_org_units are org-filtered by their own
// policies, which is exactly the filter the subtree check wants.
const memoriesRLSPolicy = `
ALTER TABLE memories ENABLE ROW LEVEL SECURITY;
ALTER TABLE memories FORCE ROW LEVEL SECURITY;
DROP POLICY IF EXISTS memories_tenant_isolation ON memories;
CREATE POLICY memories_tenant_isolation ON memories
    USING (
        organization_id = app_current_org()
        AND required_clearance <= app_clearance()
        AND (
            app_has_role('system_admin')
            OR app_has_role('org_admin')
            OR owner_user_id = app_current_user_id()
            OR scope IN ('organization', 'global')
            OR (scope = 'team' AND scope_id IN (
                SELECT tm.team_id FROM team_members tm
                WHERE tm.user_id = app_current_user_id()))
            OR (scope IN ('department', 'division') AND EXISTS (
                SELECT 1
                FROM org_hierarchy target
                JOIN org_hierarchy mine
                  ON mine.organization_id = target.organization_id
                 AND mine.path <@ target.path
                JOIN user_org_units uou ON uou.org_unit_id = mine.id
                WHERE target.id = memories.scope_id
                  AND target.organization_id = memories.organization_id
                  AND uou.user_id = app_current_user_id()))
            OR EXISTS (
                SELECT 1 FROM memory_sharing ms
                WHERE ms.memory_id = memories.id
                  AND (ms.expires_at IS NULL OR ms.expires_at > now())
                  AND ((ms.share_type = 'user' AND ms.target_id = app_current_user_id())
                    OR (ms.share_type = 'team' AND ms.target_id IN (
                        SELECT tm.team_id FROM team_members tm
                        WHERE tm.user_id = app_current_user_id())))
            )
        )
    )
    WITH CHECK (
        organization_id = app_current_org()
        AND required_clearance <= app_clearance()
    );
`

// Migrate applies the schema and installs row-level security policies. It is
// idempotent and must run as the table owner, outside any tenant transaction.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	for _, table := range tenantTables {
		stmt := fmt.Sprintf(rlsPolicyTemplate, table)
		if table == "memories" {
			stmt = memoriesRLSPolicy
		}
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install row-level security on %s: %w", table, err)
		}
	}
	db.logger.Info("database schema migrated", "tenant_tables", len(tenantTables))
	return nil
}
