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

// Package maintenance hosts the background workers behind the task
// queue: access counters, co-activation graph upkeep, the agent-run
// bridge, and the nightly decay / causal-refresh / reaper cycle.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/memoros-io/memoros/pkg/agents"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/scheduler"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
	"github.com/memoros-io/memoros/pkg/vector"
)

// Workers executes the maintenance task handlers. All of them run under
// the caller's tenant context so row-level security stays in force.
type Workers struct {
	db      *store.DB
	cache   *cache.Client
	vectors vector.Provider
	runner  *agents.Runner
	rec     *audit.Recorder
	cfg     config.WorkersConfig
	agents  config.AgentsConfig
	now     func() time.Time
}

// New wires the worker set. runner, vectors and rec may be nil in
// reduced deployments.
func New(db *store.DB, c *cache.Client, vectors vector.Provider, runner *agents.Runner,
	rec *audit.Recorder, cfg config.WorkersConfig, agentsCfg config.AgentsConfig) *Workers {
	return &Workers{
		db: db, cache: c, vectors: vectors, runner: runner, rec: rec,
		cfg: cfg, agents: agentsCfg, now: time.Now,
	}
}

// RegisterHandlers binds the handlers to their task types.
func (w *Workers) RegisterHandlers(s *scheduler.Service) error {
	for taskType, h := range map[string]scheduler.Handler{
		scheduler.TaskAccessUpdate:       w.HandleAccessUpdate,
		scheduler.TaskCoactivationUpdate: w.HandleCoactivationUpdate,
		scheduler.TaskAgentRun:           w.HandleAgentRun,
	} {
		if err := s.RegisterHandler(taskType, h); err != nil {
			return err
		}
	}
	return nil
}

// HandleAccessUpdate bumps access counters and activation state for
// retrieved memories and promotes short-term memories that crossed the
// promotion threshold.
func (w *Workers) HandleAccessUpdate(ctx context.Context, tc *tenant.Context, task *store.PipelineTask) error {
	var meta struct {
		MemoryIDs []string `mapstructure:"memory_ids"`
		UserID    string   `mapstructure:"user_id"`
	}
	if err := mapstructure.Decode(task.Metadata, &meta); err != nil {
		return fmt.Errorf("bad access_update metadata: %w", err)
	}
	if len(meta.MemoryIDs) == 0 {
		return nil
	}

	at := w.now()
	var promoted []string
	err := w.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		if err := w.db.Memories.RecordAccess(ctx, tx, meta.MemoryIDs, at); err != nil {
			return err
		}
		for _, id := range meta.MemoryIDs {
			if err := w.db.Activation.RecordAccess(ctx, tx, tc.OrganizationID, id, at); err != nil {
				return err
			}
		}
		// Promotion check happens after the counter bump so the crossing
		// access is the one that promotes.
		memories, err := w.db.Memories.ListByIDs(ctx, tx, tc.OrganizationID, meta.MemoryIDs)
		if err != nil {
			return err
		}
		for _, m := range memories {
			if m.MemoryType != store.MemoryShortTerm || m.AccessCount < w.agents.PromotionThreshold {
				continue
			}
			if err := w.promote(ctx, tx, m); err != nil {
				return err
			}
			promoted = append(promoted, m.ID)
		}
		if w.rec != nil && len(promoted) > 0 {
			w.rec.Record(ctx, tx, tc, audit.Event{
				Action: "memory.promote", ResourceType: "memory",
				Outcome: audit.OutcomeOK,
				Details: map[string]any{"memory_ids": promoted},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range promoted {
		w.cache.Delete(ctx, cache.ShortTermKey(tc.OrganizationID, id))
	}
	return nil
}

// promote flips the tier and, when the cache tier still holds the full
// content, persists it onto the durable row before the key expires.
func (w *Workers) promote(ctx context.Context, tx *sql.Tx, m *store.Memory) error {
	var content string
	if w.cache.GetJSON(ctx, cache.ShortTermKey(m.OrganizationID, m.ID), &content) &&
		content != m.ContentPreview {
		preview := content
		if _, err := w.db.Memories.Update(ctx, tx, m.ID, &store.MemoryUpdate{
			ContentPreview: &preview,
		}); err != nil {
			return err
		}
	}
	return w.db.Memories.Promote(ctx, tx, m.ID)
}

// HandleCoactivationUpdate strengthens the edges between the primary
// result and its co-retrieved memories, then enforces the per-memory
// top-N edge cap.
func (w *Workers) HandleCoactivationUpdate(ctx context.Context, tc *tenant.Context, task *store.PipelineTask) error {
	var meta struct {
		Primary string   `mapstructure:"primary"`
		CoIDs   []string `mapstructure:"co_ids"`
	}
	if err := mapstructure.Decode(task.Metadata, &meta); err != nil {
		return fmt.Errorf("bad coactivation_update metadata: %w", err)
	}
	if meta.Primary == "" {
		return nil
	}

	at := w.now()
	return w.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		for _, co := range meta.CoIDs {
			if co == meta.Primary {
				continue
			}
			_, err := w.db.Coactivation.Touch(ctx, tx, tc.OrganizationID, meta.Primary, co,
				at, w.cfg.CoactivationWindow, w.cfg.CoactivationLambda)
			if err != nil {
				return err
			}
		}
		_, err := w.db.Coactivation.PruneWeakest(ctx, tx, meta.Primary, w.cfg.CoactivationTopN)
		return err
	})
}

// HandleAgentRun bridges a queued agent_run task to the pipeline runner.
// The task's attempt counter drives the runner's retry-vs-fail decision.
func (w *Workers) HandleAgentRun(ctx context.Context, tc *tenant.Context, task *store.PipelineTask) error {
	if w.runner == nil {
		return fmt.Errorf("agent runner not configured")
	}
	var meta struct {
		MemoryID string `mapstructure:"memory_id"`
		Agent    string `mapstructure:"agent"`
	}
	if err := mapstructure.Decode(task.Metadata, &meta); err != nil {
		return fmt.Errorf("bad agent_run metadata: %w", err)
	}
	if meta.MemoryID == "" || meta.Agent == "" {
		return fmt.Errorf("agent_run task requires memory_id and agent metadata")
	}
	_, err := w.runner.RunAgent(ctx, tc, meta.MemoryID, meta.Agent, task.Attempts, task.MaxAttempts)
	return err
}
