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

package config

import (
	"fmt"
	"time"
)

// SchedulerConfig configures the SLA-ordered task queue.
type SchedulerConfig struct {
	// Enabled turns the queue on. When false, enqueues are silent no-ops
	// (the retrieval path must never block on a dead broker).
	Enabled *bool `yaml:"enabled,omitempty"`

	// Workers is the number of concurrent dequeue loops. Default: 4
	Workers int `yaml:"workers,omitempty"`

	// PollInterval between empty dequeues. Default: 1s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// DefaultMaxAttempts for tasks that do not specify one. Default: 3
	DefaultMaxAttempts int `yaml:"default_max_attempts,omitempty"`

	// MinTaskTimeout is the floor for the per-task soft timeout. The
	// effective timeout is 5x estimated_latency_ms, never below this.
	// Default: 60s
	MinTaskTimeout time.Duration `yaml:"min_task_timeout,omitempty"`

	// RetryBackoffBase for failed-task requeue delay (exponential).
	// Default: 2s
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base,omitempty"`

	// SLADefaults maps task_type to a default SLA window used when the
	// enqueue omits a deadline.
	SLADefaults map[string]time.Duration `yaml:"sla_defaults,omitempty"`
}

func (c *SchedulerConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(envOrBool("TASK_QUEUE_ENABLED", true))
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.DefaultMaxAttempts == 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.MinTaskTimeout == 0 {
		c.MinTaskTimeout = 60 * time.Second
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = 2 * time.Second
	}
	if c.SLADefaults == nil {
		c.SLADefaults = map[string]time.Duration{
			"access_update":       5 * time.Minute,
			"coactivation_update": 15 * time.Minute,
			"agent_run":           time.Hour,
			"goal_proposal":       2 * time.Hour,
		}
	}
}

func (c *SchedulerConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("default_max_attempts must be at least 1, got %d", c.DefaultMaxAttempts)
	}
	return nil
}

// IsEnabled reports whether the queue is on.
func (c *SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// WorkersConfig configures the asynchronous maintenance workers.
type WorkersConfig struct {
	// CoactivationLambda is the exponential weighting rate:
	// edge_weight = 1 - exp(-lambda * count). Default: 0.1
	CoactivationLambda float64 `yaml:"coactivation_lambda,omitempty"`

	// CoactivationWindow is the sliding window; a co-activation outside it
	// resets the edge count to 1. Default: 24h
	CoactivationWindow time.Duration `yaml:"coactivation_window,omitempty"`

	// CoactivationTopN caps edges per memory. Default: 10
	CoactivationTopN int `yaml:"coactivation_top_n,omitempty"`

	// PruneMinWeight: nightly decay deletes edges below this weight when
	// also stale. Default: 0.01
	PruneMinWeight float64 `yaml:"prune_min_weight,omitempty"`

	// PruneOlderThanDays: staleness horizon for edge pruning. Default: 90
	PruneOlderThanDays int `yaml:"prune_older_than_days,omitempty"`

	// CausalMinEdgeWeight gates hypothesis derivation. Default: 0.25
	CausalMinEdgeWeight float64 `yaml:"causal_min_edge_weight,omitempty"`

	// CausalEdgeLimit bounds edges examined per org per refresh. Default: 100
	CausalEdgeLimit int `yaml:"causal_edge_limit,omitempty"`

	// NightlySchedule is a cron expression for decay + causal refresh +
	// reaper. Default: "0 3 * * *" (03:00 UTC)
	NightlySchedule string `yaml:"nightly_schedule,omitempty"`

	// RetentionDays drives the reaper's hard-delete horizon for
	// soft-deleted rows. Default: 365
	RetentionDays int `yaml:"retention_days,omitempty"`

	// MaxRetries for transient worker failures. Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`
}

func (c *WorkersConfig) SetDefaults() {
	if c.CoactivationLambda == 0 {
		c.CoactivationLambda = 0.1
	}
	if c.CoactivationWindow == 0 {
		c.CoactivationWindow = 24 * time.Hour
	}
	if c.CoactivationTopN == 0 {
		c.CoactivationTopN = 10
	}
	if c.PruneMinWeight == 0 {
		c.PruneMinWeight = 0.01
	}
	if c.PruneOlderThanDays == 0 {
		c.PruneOlderThanDays = 90
	}
	if c.CausalMinEdgeWeight == 0 {
		c.CausalMinEdgeWeight = 0.25
	}
	if c.CausalEdgeLimit == 0 {
		c.CausalEdgeLimit = 100
	}
	if c.NightlySchedule == "" {
		c.NightlySchedule = "0 3 * * *"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 365
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *WorkersConfig) Validate() error {
	if c.CoactivationLambda <= 0 {
		return fmt.Errorf("coactivation_lambda must be positive, got %f", c.CoactivationLambda)
	}
	if c.CoactivationTopN < 1 {
		return fmt.Errorf("coactivation_top_n must be at least 1, got %d", c.CoactivationTopN)
	}
	if c.PruneMinWeight < 0 || c.PruneMinWeight > 1 {
		return fmt.Errorf("prune_min_weight must be in [0,1], got %f", c.PruneMinWeight)
	}
	if c.CausalMinEdgeWeight < 0 || c.CausalMinEdgeWeight > 1 {
		return fmt.Errorf("causal_min_edge_weight must be in [0,1], got %f", c.CausalMinEdgeWeight)
	}
	return nil
}

// AgentsConfig configures the enrichment pipeline runner.
type AgentsConfig struct {
	// CacheEnabled turns the cross-memory result cache on
	// (AGENT_CACHE_ENABLED). Default: true
	CacheEnabled *bool `yaml:"cache_enabled,omitempty"`

	// CacheTTL for cached results (AGENT_CACHE_TTL_SECONDS). Default: 24h
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`

	// Strategy is "heuristic" (deterministic, default) or "llm".
	Strategy string `yaml:"strategy,omitempty"`

	// Model identifies the LLM used by the llm strategy; part of the cache
	// key so model changes invalidate.
	Model string `yaml:"model,omitempty"`

	// LLMURL is the base URL of the Ollama-compatible chat endpoint used
	// by the llm strategy (OLLAMA_HOST).
	LLMURL string `yaml:"llm_url,omitempty"`

	// MaxAttempts per agent run before failed. Default: 3
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// PromotionThreshold: short-term memories auto-promote to long-term
	// when access_count crosses this. Default: 3
	PromotionThreshold int `yaml:"promotion_threshold,omitempty"`

	// ShortTermTTL for the cache-tier storage of short-term memories.
	// Default: 72h
	ShortTermTTL time.Duration `yaml:"short_term_ttl,omitempty"`

	// LogseqExportDir receives LogseqExportAgent output (LOGSEQ_EXPORT_DIR).
	LogseqExportDir string `yaml:"logseq_export_dir,omitempty"`
}

func (c *AgentsConfig) SetDefaults() {
	if c.CacheEnabled == nil {
		c.CacheEnabled = BoolPtr(envOrBool("AGENT_CACHE_ENABLED", true))
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Duration(envOrInt("AGENT_CACHE_TTL_SECONDS", 86400)) * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = "heuristic"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.PromotionThreshold == 0 {
		c.PromotionThreshold = 3
	}
	if c.ShortTermTTL == 0 {
		c.ShortTermTTL = 72 * time.Hour
	}
	if c.LogseqExportDir == "" {
		c.LogseqExportDir = envOr("LOGSEQ_EXPORT_DIR", "")
	}
	if c.LLMURL == "" {
		c.LLMURL = envOr("OLLAMA_HOST", "http://localhost:11434")
	}
}

func (c *AgentsConfig) Validate() error {
	switch c.Strategy {
	case "heuristic", "llm":
	default:
		return fmt.Errorf("invalid strategy %q (valid: heuristic, llm)", c.Strategy)
	}
	if c.Strategy == "llm" && c.Model == "" {
		return fmt.Errorf("model is required for the llm strategy")
	}
	if c.PromotionThreshold < 1 {
		return fmt.Errorf("promotion_threshold must be at least 1, got %d", c.PromotionThreshold)
	}
	return nil
}

// IsCacheEnabled reports whether the agent result cache is on.
func (c *AgentsConfig) IsCacheEnabled() bool {
	return c.CacheEnabled == nil || *c.CacheEnabled
}

// RolloutConfig configures the staged policy rollout manager.
type RolloutConfig struct {
	// AutoRollbackThreshold: error rate above which a version rolls back.
	// Default: 0.1
	AutoRollbackThreshold float64 `yaml:"auto_rollback_threshold,omitempty"`

	// AutoRollbackMinEvaluations before the threshold applies. Default: 100
	AutoRollbackMinEvaluations int `yaml:"auto_rollback_min_evaluations,omitempty"`
}

func (c *RolloutConfig) SetDefaults() {
	if c.AutoRollbackThreshold == 0 {
		c.AutoRollbackThreshold = 0.1
	}
	if c.AutoRollbackMinEvaluations == 0 {
		c.AutoRollbackMinEvaluations = 100
	}
}

func (c *RolloutConfig) Validate() error {
	if c.AutoRollbackThreshold <= 0 || c.AutoRollbackThreshold >= 1 {
		return fmt.Errorf("auto_rollback_threshold must be in (0,1), got %f", c.AutoRollbackThreshold)
	}
	if c.AutoRollbackMinEvaluations < 1 {
		return fmt.Errorf("auto_rollback_min_evaluations must be at least 1, got %d", c.AutoRollbackMinEvaluations)
	}
	return nil
}
