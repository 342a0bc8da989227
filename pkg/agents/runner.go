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

package agents

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/observability"
	"github.com/memoros-io/memoros/pkg/registry"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// siblingAgents are the prior-enrichment sources loaded for every run.
var siblingAgents = []string{NameClassification, NameMetadata, NameTopics, NamePatternDetection}

// cachedResult is the cross-memory cache entry.
type cachedResult struct {
	Outputs    map[string]any `json:"outputs"`
	Confidence float64        `json:"confidence"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Runner executes agents idempotently inside tenant transactions and
// materializes their side effects.
type Runner struct {
	db      *store.DB
	cache   *cache.Client
	cfg     config.AgentsConfig
	agents  *registry.BaseRegistry[Agent]
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRunner wires the runner; agents are registered separately.
func NewRunner(db *store.DB, c *cache.Client, metrics *observability.Metrics, cfg config.AgentsConfig) *Runner {
	return &Runner{
		db: db, cache: c, cfg: cfg, metrics: metrics,
		agents: registry.NewBaseRegistry[Agent](),
		now:    time.Now,
	}
}

// Register adds an agent; duplicate names are a wiring bug.
func (r *Runner) Register(a Agent) error {
	return r.agents.Register(a.Name(), a)
}

// RegisterDefaults installs the standard agent set. A nil provider
// selects the heuristic strategy everywhere.
func (r *Runner) RegisterDefaults(llm LLMProvider) error {
	all := []Agent{
		NewClassificationAgent(llm),
		NewMetadataExtractionAgent(llm),
		NewTopicModelingAgent(llm),
		NewGraphLinkingAgent(llm),
		NewPatternDetectionAgent(llm),
		NewFeedbackLearningAgent(),
		NewLogseqExportAgent(r.cfg.LogseqExportDir),
	}
	for _, a := range all {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// RunAgent executes one agent against one memory. The returned run row
// reflects the final status; an execution error surfaces as error so the
// scheduler can apply its retry policy.
func (r *Runner) RunAgent(ctx context.Context, tc *tenant.Context, memoryID, agentName string, attempt, maxAttempts int) (*store.AgentRun, error) {
	agent, ok := r.agents.Get(agentName)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}

	sink := NewToolEventSink(r.db.AgentRuns)
	started := r.now()
	var (
		run    *store.AgentRun
		runErr error
	)
	err := r.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		in, err := r.loadInputs(ctx, tx, tc, sink, memoryID, agentName)
		if err != nil {
			return err
		}
		hash := InputsHash(agentName, agent.Version(), *in)

		existing, err := r.db.AgentRuns.Find(ctx, tx, tc.OrganizationID, memoryID, agentName, agent.Version())
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == store.RunSuccess && existing.InputsHash == hash {
			run = existing // idempotent short-circuit, outputs verbatim
			return nil
		}

		row := &store.AgentRun{
			OrganizationID: tc.OrganizationID,
			MemoryID:       memoryID,
			AgentName:      agentName,
			AgentVersion:   agent.Version(),
			InputsHash:     hash,
			Status:         store.RunRunning,
			TraceID:        tc.TraceID,
		}
		if err := r.db.AgentRuns.Upsert(ctx, tx, row); err != nil {
			return err
		}
		sink.Bind(ctx, tx, row.ID)

		result, fromCache, err := r.resolve(ctx, tx, sink, agent, tc.OrganizationID, *in)
		if err != nil {
			// Execution error: retry while attempts remain.
			row.Status = store.RunRetry
			if attempt >= maxAttempts {
				row.Status = store.RunFailed
			}
			row.Errors = append(row.Errors, err.Error())
			if fErr := r.db.AgentRuns.Finish(ctx, tx, row); fErr != nil {
				return fErr
			}
			run, runErr = row, err
			return nil
		}

		if vErr := agent.ValidateOutputs(result); vErr != nil {
			// Validation failure is terminal, never retried.
			row.Status = store.RunFailed
			row.Errors = append(row.Errors, "output validation failed: "+vErr.Error())
			if fErr := r.db.AgentRuns.Finish(ctx, tx, row); fErr != nil {
				return fErr
			}
			run = row
			return nil
		}

		if result.Status == store.RunSuccess {
			if err := r.materialize(ctx, tx, tc, sink, agentName, *in, result); err != nil {
				return err
			}
			if !fromCache {
				r.cacheWrite(ctx, agent, tc.OrganizationID, *in, result)
			}
		}

		row.Status = result.Status
		row.Confidence = result.Confidence
		row.Outputs = result.Outputs
		row.Warnings = result.Warnings
		row.Errors = result.Errors
		row.Provenance = result.Provenance
		if err := r.db.AgentRuns.Finish(ctx, tx, row); err != nil {
			return err
		}
		sink.Emit(ctx, tx, EventRunResult, "run finished", map[string]any{
			"status": row.Status, "confidence": row.Confidence, "from_cache": fromCache,
		})
		run = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.metrics != nil && run != nil {
		r.metrics.RecordAgentRun(ctx, agentName, run.Status, r.now().Sub(started))
	}
	return run, runErr
}

// loadInputs gathers the full hashed input surface (run procedure steps
// 2–3) under the sink's telemetry.
func (r *Runner) loadInputs(ctx context.Context, tx *sql.Tx, tc *tenant.Context, sink *ToolEventSink, memoryID, agentName string) (*Inputs, error) {
	var m *store.Memory
	err := sink.Step(ctx, tx, "memory_load", func() error {
		var err error
		m, err = r.db.Memories.GetByID(ctx, tx, memoryID)
		return err
	})
	if err != nil {
		return nil, err
	}

	content := m.ContentPreview
	if m.MemoryType == store.MemoryShortTerm {
		_ = sink.Step(ctx, tx, "short_term_tier_get", func() error {
			var tiered string
			if r.cache.GetJSON(ctx, cache.ShortTermKey(m.OrganizationID, m.ID), &tiered) {
				content = tiered
			}
			return nil
		})
	}

	in := &Inputs{
		MemoryID:       m.ID,
		OrganizationID: m.OrganizationID,
		Title:          m.Title,
		Content:        content,
		Tags:           m.Tags,
		Classification: m.Classification,
		Scope:          m.Scope,
		ScopeID:        m.ScopeID,
		StorageTier:    m.MemoryType,
	}

	err = sink.Step(ctx, tx, "prior_enrichment_load", func() error {
		var err error
		in.Enrichment, err = r.db.AgentRuns.SuccessfulOutputs(ctx, tx, memoryID, siblingAgents)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch agentName {
	case NameFeedbackLearning:
		err = sink.Step(ctx, tx, "feedback_load", func() error {
			fp, err := r.db.Feedback.PendingFingerprint(ctx, tx, memoryID)
			if err != nil {
				return err
			}
			in.FeedbackFingerprint = fp
			if in.PendingFeedback, err = r.db.Feedback.ListPending(ctx, tx, memoryID); err != nil {
				return err
			}
			in.LearningConfig, err = r.db.Enrichment.GetLearningConfig(ctx, tx, tc.OrganizationID)
			return err
		})
	case NameTopics:
		err = sink.Step(ctx, tx, "learning_config_load", func() error {
			var err error
			in.LearningConfig, err = r.db.Enrichment.GetLearningConfig(ctx, tx, tc.OrganizationID)
			return err
		})
	case NameGraphLinking:
		err = sink.Step(ctx, tx, "topic_neighbors_load", func() error {
			var err error
			in.RelatedMemoryIDs, err = r.db.Enrichment.TopicMemoryIDs(ctx, tx, memoryID, maxGraphEdges)
			return err
		})
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// resolve produces the agent result, consulting the cross-memory cache
// for the llm strategy (step 6: cache key excludes the memory id).
func (r *Runner) resolve(ctx context.Context, tx *sql.Tx, sink *ToolEventSink, agent Agent, orgID string, in Inputs) (Result, bool, error) {
	useCache := r.cfg.Strategy == StrategyLLM && r.cfg.IsCacheEnabled()
	key := cache.AgentResultKey(orgID, agent.Name(), agent.Version(), r.cfg.Strategy, r.cfg.Model,
		CacheKey(agent.Name(), agent.Version(), r.cfg.Strategy, r.cfg.Model, orgID, in))

	if useCache {
		var hit cachedResult
		found := false
		_ = sink.Step(ctx, tx, "result_cache_get", func() error {
			found = r.cache.GetJSON(ctx, key, &hit)
			return nil
		})
		if found {
			return Result{
				Status:     store.RunSuccess,
				Confidence: hit.Confidence,
				Outputs:    hit.Outputs,
				Warnings:   hit.Warnings,
				Provenance: map[string]any{"from_cache": true},
			}, true, nil
		}
	}

	var result Result
	err := sink.Step(ctx, tx, "agent_run", func() error {
		var err error
		result, err = agent.Run(ctx, in)
		return err
	})
	return result, false, err
}

// cacheWrite stores a successful result, best-effort.
func (r *Runner) cacheWrite(ctx context.Context, agent Agent, orgID string, in Inputs, result Result) {
	if r.cfg.Strategy != StrategyLLM || !r.cfg.IsCacheEnabled() {
		return
	}
	key := cache.AgentResultKey(orgID, agent.Name(), agent.Version(), r.cfg.Strategy, r.cfg.Model,
		CacheKey(agent.Name(), agent.Version(), r.cfg.Strategy, r.cfg.Model, orgID, in))
	r.cache.SetJSON(ctx, key, cachedResult{
		Outputs:    result.Outputs,
		Confidence: result.Confidence,
		Warnings:   result.Warnings,
	}, r.cfg.CacheTTL)
}

// materialize applies side effects in the run's transaction (step 8).
func (r *Runner) materialize(ctx context.Context, tx *sql.Tx, tc *tenant.Context, sink *ToolEventSink, agentName string, in Inputs, result Result) error {
	switch agentName {
	case NameGraphLinking:
		return sink.Step(ctx, tx, "graph_edges_upsert", func() error {
			return r.applyGraphEdges(ctx, tx, in, result)
		})
	case NameTopics:
		return sink.Step(ctx, tx, "topics_replace", func() error {
			return r.applyTopics(ctx, tx, in, result)
		})
	case NamePatternDetection:
		return sink.Step(ctx, tx, "patterns_add", func() error {
			return r.applyPatterns(ctx, tx, in, result)
		})
	case NameFeedbackLearning:
		return sink.Step(ctx, tx, "learning_config_save", func() error {
			return r.applyLearning(ctx, tx, tc, in, result)
		})
	case NameLogseqExport:
		return sink.Step(ctx, tx, "export_record", func() error {
			return r.applyExport(ctx, tx, in, result)
		})
	}
	return nil
}

func (r *Runner) applyGraphEdges(ctx context.Context, tx *sql.Tx, in Inputs, result Result) error {
	var out struct {
		Edges []struct {
			ToMemoryID string  `mapstructure:"to_memory_id"`
			Relation   string  `mapstructure:"relation"`
			Confidence float64 `mapstructure:"confidence"`
		} `mapstructure:"edges"`
	}
	if err := mapstructure.Decode(result.Outputs, &out); err != nil {
		return fmt.Errorf("failed to decode graph edges: %w", err)
	}
	for _, e := range out.Edges {
		err := r.db.Enrichment.UpsertGraphEdge(ctx, tx, &store.MemoryGraphEdge{
			OrganizationID: in.OrganizationID,
			FromMemoryID:   in.MemoryID,
			ToMemoryID:     e.ToMemoryID,
			Relation:       e.Relation,
			Confidence:     e.Confidence,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyTopics(ctx context.Context, tx *sql.Tx, in Inputs, result Result) error {
	var out struct {
		Topics []struct {
			Topic  string  `mapstructure:"topic"`
			Weight float64 `mapstructure:"weight"`
		} `mapstructure:"topics"`
	}
	if err := mapstructure.Decode(result.Outputs, &out); err != nil {
		return fmt.Errorf("failed to decode topics: %w", err)
	}
	topics := make([]*store.MemoryTopic, 0, len(out.Topics))
	for _, t := range out.Topics {
		topics = append(topics, &store.MemoryTopic{
			OrganizationID: in.OrganizationID,
			MemoryID:       in.MemoryID,
			Topic:          t.Topic,
			Scope:          in.Scope,
			ScopeID:        in.ScopeID,
			Weight:         t.Weight,
		})
	}
	return r.db.Enrichment.ReplaceTopics(ctx, tx, in.MemoryID, topics)
}

func (r *Runner) applyPatterns(ctx context.Context, tx *sql.Tx, in Inputs, result Result) error {
	var out struct {
		Patterns []struct {
			PatternType string  `mapstructure:"pattern_type"`
			Description string  `mapstructure:"description"`
			Support     float64 `mapstructure:"support"`
		} `mapstructure:"patterns"`
	}
	if err := mapstructure.Decode(result.Outputs, &out); err != nil {
		return fmt.Errorf("failed to decode patterns: %w", err)
	}
	for _, p := range out.Patterns {
		err := r.db.Enrichment.AddPattern(ctx, tx, &store.MemoryPattern{
			OrganizationID: in.OrganizationID,
			MemoryID:       in.MemoryID,
			PatternType:    p.PatternType,
			Description:    p.Description,
			Support:        p.Support,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// applyLearning folds config diffs into the org learning config, gated
// by the active feedback_learning policy when one exists.
func (r *Runner) applyLearning(ctx context.Context, tx *sql.Tx, tc *tenant.Context, in Inputs, result Result) error {
	var out struct {
		Applied      bool           `mapstructure:"applied"`
		StopwordsAdd []string       `mapstructure:"stopwords_add"`
		Thresholds   map[string]any `mapstructure:"thresholds"`
		FeedbackIDs  []string       `mapstructure:"feedback_ids"`
	}
	if err := mapstructure.Decode(result.Outputs, &out); err != nil {
		return fmt.Errorf("failed to decode learning outputs: %w", err)
	}
	if !out.Applied {
		return nil
	}

	policy, err := r.db.Policies.GetActive(ctx, tx, tc.OrganizationID, "feedback_learning")
	if err != nil {
		return err
	}
	if policy != nil {
		var gate struct {
			Enabled *bool `mapstructure:"enabled"`
		}
		if err := mapstructure.Decode(policy.PolicyConfig, &gate); err == nil &&
			gate.Enabled != nil && !*gate.Enabled {
			logger.GetLogger().Info("feedback learning gated off by policy",
				"org_id", tc.OrganizationID, "policy_version", policy.Version)
			return r.db.Feedback.MarkApplied(ctx, tx, out.FeedbackIDs)
		}
	}

	cfg := in.LearningConfig
	if cfg == nil {
		cfg = &store.FeedbackLearningConfig{OrganizationID: tc.OrganizationID}
	}
	seen := map[string]bool{}
	for _, w := range cfg.Stopwords {
		seen[w] = true
	}
	for _, w := range out.StopwordsAdd {
		if !seen[w] {
			seen[w] = true
			cfg.Stopwords = append(cfg.Stopwords, w)
		}
	}
	if len(out.Thresholds) > 0 {
		if cfg.Thresholds == nil {
			cfg.Thresholds = map[string]any{}
		}
		for k, v := range out.Thresholds {
			cfg.Thresholds[k] = v
		}
	}
	if err := r.db.Enrichment.SaveLearningConfig(ctx, tx, cfg); err != nil {
		return err
	}
	return r.db.Feedback.MarkApplied(ctx, tx, out.FeedbackIDs)
}

func (r *Runner) applyExport(ctx context.Context, tx *sql.Tx, in Inputs, result Result) error {
	var out struct {
		Exported    bool   `mapstructure:"exported"`
		Path        string `mapstructure:"path"`
		ContentHash string `mapstructure:"content_hash"`
		Target      string `mapstructure:"target"`
	}
	if err := mapstructure.Decode(result.Outputs, &out); err != nil {
		return fmt.Errorf("failed to decode export outputs: %w", err)
	}
	if !out.Exported {
		return nil
	}
	return r.db.Enrichment.RecordExport(ctx, tx, &store.ExportRecord{
		OrganizationID: in.OrganizationID,
		MemoryID:       in.MemoryID,
		Target:         out.Target,
		Path:           out.Path,
		ContentHash:    out.ContentHash,
	})
}
