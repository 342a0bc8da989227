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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/memoros-io/memoros/pkg/store"
)

// TopicModelingAgent derives weighted topics from term frequency, minus
// stopwords. Org-level learned stopwords from the feedback loop extend
// the base list.
type TopicModelingAgent struct {
	llm LLMProvider
}

func NewTopicModelingAgent(llm LLMProvider) *TopicModelingAgent {
	return &TopicModelingAgent{llm: llm}
}

func (a *TopicModelingAgent) Name() string    { return NameTopics }
func (a *TopicModelingAgent) Version() string { return "v1" }

const maxTopics = 5

var baseStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "was": true, "are": true,
	"but": true, "not": true, "you": true, "all": true, "can": true,
	"will": true, "about": true, "into": true, "been": true, "they": true,
	"its": true, "our": true, "their": true, "when": true, "what": true,
	"there": true, "which": true, "would": true, "should": true, "could": true,
}

var wordRe = regexp.MustCompile(`[a-zA-Z][a-zA-Z\-]{2,}`)

func (a *TopicModelingAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	if a.llm != nil {
		return a.runLLM(ctx, in)
	}

	stop := map[string]bool{}
	for w := range baseStopwords {
		stop[w] = true
	}
	if in.LearningConfig != nil {
		for _, w := range in.LearningConfig.Stopwords {
			stop[strings.ToLower(w)] = true
		}
	}

	counts := map[string]int{}
	// Title terms weigh double; tags count as explicit topics.
	for _, w := range wordRe.FindAllString(strings.ToLower(in.Title), -1) {
		if !stop[w] {
			counts[w] += 2
		}
	}
	for _, w := range wordRe.FindAllString(strings.ToLower(in.Content), -1) {
		if !stop[w] {
			counts[w]++
		}
	}
	for _, t := range in.Tags {
		counts[strings.ToLower(t)] += 3
	}

	type scored struct {
		topic string
		count int
	}
	ranked := make([]scored, 0, len(counts))
	max := 0
	for topic, n := range counts {
		ranked = append(ranked, scored{topic, n})
		if n > max {
			max = n
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].topic < ranked[j].topic
	})
	if len(ranked) > maxTopics {
		ranked = ranked[:maxTopics]
	}

	topics := make([]map[string]any, 0, len(ranked))
	for _, s := range ranked {
		topics = append(topics, map[string]any{
			"topic":  s.topic,
			"weight": float64(s.count) / float64(max),
		})
	}

	confidence := 0.5
	if len(topics) > 0 {
		confidence = 0.75
	}
	return Result{
		Status:     store.RunSuccess,
		Confidence: confidence,
		Outputs:    map[string]any{"topics": topics},
		Provenance: map[string]any{"strategy": StrategyHeuristic},
	}, nil
}

func (a *TopicModelingAgent) runLLM(ctx context.Context, in Inputs) (Result, error) {
	var out struct {
		Topics []struct {
			Topic  string  `json:"topic"`
			Weight float64 `json:"weight"`
		} `json:"topics"`
		Confidence float64 `json:"confidence"`
	}
	prompt := fmt.Sprintf(
		`Extract up to %d topics from this note as JSON {"topics": [{"topic": ..., "weight": 0-1}], "confidence": 0-1}.

%s
%s`, maxTopics, in.Title, in.Content)
	if err := completeJSON(ctx, a.llm, prompt, &out); err != nil {
		return Result{}, err
	}
	topics := make([]map[string]any, 0, len(out.Topics))
	for _, t := range out.Topics {
		topics = append(topics, map[string]any{"topic": t.Topic, "weight": t.Weight})
	}
	return Result{
		Status:     store.RunSuccess,
		Confidence: out.Confidence,
		Outputs:    map[string]any{"topics": topics},
		Provenance: map[string]any{"strategy": StrategyLLM, "model": a.llm.Model()},
	}, nil
}

func (a *TopicModelingAgent) ValidateOutputs(r Result) error {
	return requireKeys(r, "topics")
}
