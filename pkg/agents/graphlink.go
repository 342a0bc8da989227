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

	"github.com/memoros-io/memoros/pkg/store"
)

// GraphLinkingAgent proposes typed edges from this memory to topic
// neighbors the runner pre-selected. The heuristic links every candidate
// as related_to with confidence proportional to position (candidates
// arrive ordered by topic overlap).
type GraphLinkingAgent struct {
	llm LLMProvider
}

func NewGraphLinkingAgent(llm LLMProvider) *GraphLinkingAgent {
	return &GraphLinkingAgent{llm: llm}
}

func (a *GraphLinkingAgent) Name() string    { return NameGraphLinking }
func (a *GraphLinkingAgent) Version() string { return "v1" }

const maxGraphEdges = 5

func (a *GraphLinkingAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	candidates := in.RelatedMemoryIDs
	if len(candidates) > maxGraphEdges {
		candidates = candidates[:maxGraphEdges]
	}

	edges := make([]map[string]any, 0, len(candidates))
	for i, id := range candidates {
		if id == in.MemoryID {
			continue
		}
		edges = append(edges, map[string]any{
			"to_memory_id": id,
			"relation":     "related_to",
			"confidence":   0.8 - 0.1*float64(i),
		})
	}

	confidence := 0.5
	if len(edges) > 0 {
		confidence = 0.7
	}
	return Result{
		Status:     store.RunSuccess,
		Confidence: confidence,
		Outputs:    map[string]any{"edges": edges},
		Provenance: map[string]any{"strategy": StrategyHeuristic, "candidates": len(in.RelatedMemoryIDs)},
	}, nil
}

func (a *GraphLinkingAgent) ValidateOutputs(r Result) error {
	return requireKeys(r, "edges")
}
