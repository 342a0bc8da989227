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

// Package agents holds the enrichment pipeline: stateless agents that
// derive classification, entities, topics, graph links, patterns and
// exports from memory content, and the runner that executes them
// idempotently with a cross-memory result cache.
package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/memoros-io/memoros/pkg/store"
)

// Agent names. They double as the agent_name column value and the task
// metadata discriminator.
const (
	NameClassification   = "classification"
	NameMetadata         = "metadata_extraction"
	NameTopics           = "topic_modeling"
	NameGraphLinking     = "graph_linking"
	NamePatternDetection = "pattern_detection"
	NameFeedbackLearning = "feedback_learning"
	NameLogseqExport     = "logseq_export"
)

// Execution strategies.
const (
	StrategyHeuristic = "heuristic"
	StrategyLLM       = "llm"
)

// Inputs is the full, hashed input surface of one agent run. Agents are
// deterministic over it.
type Inputs struct {
	MemoryID       string
	OrganizationID string
	Title          string
	Content        string
	Tags           []string
	Classification string
	Scope          string
	ScopeID        *string
	StorageTier    string

	// Enrichment holds prior successful sibling outputs, agent name keyed.
	Enrichment map[string]map[string]any

	// FeedbackFingerprint is "<pending_count>:<max_created_at>"; only the
	// feedback-learning agent receives a non-empty value.
	FeedbackFingerprint string

	// PendingFeedback and LearningConfig feed the feedback-learning agent.
	PendingFeedback []*store.MemoryFeedback
	LearningConfig  *store.FeedbackLearningConfig

	// RelatedMemoryIDs are topic-overlap candidates for graph linking.
	RelatedMemoryIDs []string
}

// Result is an agent's verdict over one memory.
type Result struct {
	Status     string         `json:"status"`
	Confidence float64        `json:"confidence"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Provenance map[string]any `json:"provenance,omitempty"`
}

// Agent is one stateless enrichment step.
type Agent interface {
	Name() string
	Version() string
	Run(ctx context.Context, in Inputs) (Result, error)

	// ValidateOutputs rejects malformed results. A validation failure is
	// terminal: the run is marked failed and never retried.
	ValidateOutputs(Result) error
}

// LLMProvider is the external inference collaborator used by the llm
// strategy. Implementations live outside this module; tests use a
// recorded stub.
type LLMProvider interface {
	// Complete returns the model's raw text answer for a prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// completeJSON asks the provider for a strict-JSON answer and decodes it.
func completeJSON(ctx context.Context, p LLMProvider, prompt string, dst any) error {
	raw, err := p.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("llm completion failed: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("llm returned non-JSON output: %w", err)
	}
	return nil
}

// StableHash canonicalizes each part as JSON and hashes the ordered
// concatenation. Map keys serialize sorted, so equal inputs always
// produce equal hashes.
func StableHash(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		raw, err := json.Marshal(p)
		if err != nil {
			// Only unserializable types hit this; hash the error text so
			// the run is still keyed deterministically.
			raw = []byte(fmt.Sprintf("!%v", err))
		}
		h.Write(raw)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// InputsHash is the idempotency key material of a run (step 4 of the run
// procedure).
func InputsHash(name, version string, in Inputs) string {
	return StableHash(
		name, version, in.OrganizationID, in.MemoryID, in.StorageTier,
		in.Content, in.Classification, in.Scope, in.ScopeID,
		sortedEnrichment(in.Enrichment), in.FeedbackFingerprint,
	)
}

// CacheKey intentionally excludes the memory id so identical content
// reuses results across memories.
func CacheKey(name, version, strategy, model, orgID string, in Inputs) string {
	return StableHash(
		name, version, strategy, model, orgID, in.StorageTier,
		in.Content, in.Classification, in.Scope, in.ScopeID,
		sortedEnrichment(in.Enrichment), in.FeedbackFingerprint,
	)
}

// sortedEnrichment flattens the enrichment map into a stable list.
func sortedEnrichment(enrichment map[string]map[string]any) []any {
	names := make([]string, 0, len(enrichment))
	for name := range enrichment {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]any, 0, 2*len(names))
	for _, name := range names {
		out = append(out, name, enrichment[name])
	}
	return out
}

// requireKeys is the shared output validation helper.
func requireKeys(r Result, keys ...string) error {
	for _, k := range keys {
		if _, ok := r.Outputs[k]; !ok {
			return fmt.Errorf("missing required output %q", k)
		}
	}
	return nil
}
