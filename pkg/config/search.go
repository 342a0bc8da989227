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

// Retrieval modes. A mode is a preset trading recall against freshness:
// performance favors recently touched memories, research keeps old material
// alive, balanced sits between.
const (
	ModePerformance = "performance"
	ModeBalanced    = "balanced"
	ModeResearch    = "research"
)

// Default feedback multipliers. Invalid configured values (zero or negative)
// fall back to these.
const (
	DefaultPositiveMultiplier = 1.15
	DefaultNegativeMultiplier = 0.5
)

// SearchConfig configures the retrieval engine.
type SearchConfig struct {
	// DefaultMode applies when a search request carries no mode.
	// One of performance, balanced, research. Default: balanced
	DefaultMode string `yaml:"default_mode,omitempty"`

	// DefaultTopK when the request omits top_k. Default: 10
	DefaultTopK int `yaml:"default_top_k,omitempty"`

	// MaxTopK caps requested top_k. Default: 100
	MaxTopK int `yaml:"max_top_k,omitempty"`

	// TemporalDecay multiplies hybrid scores by 0.5^(age_days/half_life).
	TemporalDecay TemporalDecayConfig `yaml:"temporal_decay,omitempty"`

	// FeedbackRerank multiplies scores by per-user relevance feedback.
	FeedbackRerank FeedbackRerankConfig `yaml:"feedback_rerank,omitempty"`
}

// TemporalDecayConfig holds the mode half-lives in days.
type TemporalDecayConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// Half-lives per mode, in days.
	PerformanceHalfLifeDays float64 `yaml:"performance_half_life_days,omitempty"`
	BalancedHalfLifeDays    float64 `yaml:"balanced_half_life_days,omitempty"`
	ResearchHalfLifeDays    float64 `yaml:"research_half_life_days,omitempty"`
}

// FeedbackRerankConfig controls relevance-feedback score adjustment.
type FeedbackRerankConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// PositiveMultiplier applied on positive feedback. Default: 1.15
	PositiveMultiplier float64 `yaml:"positive_multiplier,omitempty"`

	// NegativeMultiplier applied on negative feedback. Default: 0.5
	NegativeMultiplier float64 `yaml:"negative_multiplier,omitempty"`

	// Window bounds how far back feedback counts. Default: 720h (30 days)
	Window time.Duration `yaml:"window,omitempty"`
}

func (c *SearchConfig) SetDefaults() {
	if c.DefaultMode == "" {
		c.DefaultMode = envOr("SEARCH_HNMS_MODE_DEFAULT", ModeBalanced)
	}
	if c.DefaultTopK == 0 {
		c.DefaultTopK = 10
	}
	if c.MaxTopK == 0 {
		c.MaxTopK = 100
	}
	if c.TemporalDecay.Enabled == nil {
		c.TemporalDecay.Enabled = BoolPtr(envOrBool("SEARCH_TEMPORAL_DECAY_ENABLED", true))
	}
	if c.TemporalDecay.PerformanceHalfLifeDays == 0 {
		c.TemporalDecay.PerformanceHalfLifeDays = envOrFloat("SEARCH_TEMPORAL_DECAY_HALF_LIFE_PERFORMANCE", 7)
	}
	if c.TemporalDecay.BalancedHalfLifeDays == 0 {
		c.TemporalDecay.BalancedHalfLifeDays = envOrFloat("SEARCH_TEMPORAL_DECAY_HALF_LIFE_BALANCED", 30)
	}
	if c.TemporalDecay.ResearchHalfLifeDays == 0 {
		c.TemporalDecay.ResearchHalfLifeDays = envOrFloat("SEARCH_TEMPORAL_DECAY_HALF_LIFE_RESEARCH", 90)
	}
	if c.FeedbackRerank.Enabled == nil {
		c.FeedbackRerank.Enabled = BoolPtr(envOrBool("SEARCH_FEEDBACK_RERANK_ENABLED", true))
	}
	if c.FeedbackRerank.PositiveMultiplier == 0 {
		c.FeedbackRerank.PositiveMultiplier = envOrFloat("SEARCH_FEEDBACK_RERANK_POSITIVE", DefaultPositiveMultiplier)
	}
	if c.FeedbackRerank.NegativeMultiplier == 0 {
		c.FeedbackRerank.NegativeMultiplier = envOrFloat("SEARCH_FEEDBACK_RERANK_NEGATIVE", DefaultNegativeMultiplier)
	}
	if c.FeedbackRerank.Window == 0 {
		c.FeedbackRerank.Window = 720 * time.Hour
	}

	// Multipliers must be strictly positive. Bad values fall back rather
	// than fail: reranking is an enhancement, not a gate.
	if c.FeedbackRerank.PositiveMultiplier <= 0 {
		c.FeedbackRerank.PositiveMultiplier = DefaultPositiveMultiplier
	}
	if c.FeedbackRerank.NegativeMultiplier <= 0 {
		c.FeedbackRerank.NegativeMultiplier = DefaultNegativeMultiplier
	}
}

func (c *SearchConfig) Validate() error {
	switch c.DefaultMode {
	case ModePerformance, ModeBalanced, ModeResearch:
	default:
		return fmt.Errorf("invalid default_mode %q (valid: performance, balanced, research)", c.DefaultMode)
	}
	if c.DefaultTopK < 1 {
		return fmt.Errorf("default_top_k must be at least 1, got %d", c.DefaultTopK)
	}
	if c.MaxTopK < c.DefaultTopK {
		return fmt.Errorf("max_top_k (%d) must be >= default_top_k (%d)", c.MaxTopK, c.DefaultTopK)
	}
	if c.TemporalDecay.PerformanceHalfLifeDays <= 0 ||
		c.TemporalDecay.BalancedHalfLifeDays <= 0 ||
		c.TemporalDecay.ResearchHalfLifeDays <= 0 {
		return fmt.Errorf("temporal_decay half-lives must be positive")
	}
	return nil
}

// HalfLifeDays returns the decay half-life for a retrieval mode.
func (c *SearchConfig) HalfLifeDays(mode string) float64 {
	switch mode {
	case ModePerformance:
		return c.TemporalDecay.PerformanceHalfLifeDays
	case ModeResearch:
		return c.TemporalDecay.ResearchHalfLifeDays
	default:
		return c.TemporalDecay.BalancedHalfLifeDays
	}
}
