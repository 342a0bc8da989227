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
	"regexp"
	"strings"

	"github.com/memoros-io/memoros/pkg/store"
)

// PatternDetectionAgent spots recurring structures in memory content:
// action items, open questions, recorded decisions, deadlines.
type PatternDetectionAgent struct {
	llm LLMProvider
}

func NewPatternDetectionAgent(llm LLMProvider) *PatternDetectionAgent {
	return &PatternDetectionAgent{llm: llm}
}

func (a *PatternDetectionAgent) Name() string    { return NamePatternDetection }
func (a *PatternDetectionAgent) Version() string { return "v1" }

type patternRule struct {
	patternType string
	description string
	re          *regexp.Regexp
}

var patternRules = []patternRule{
	{"action_item", "contains open action items",
		regexp.MustCompile(`(?i)\b(todo|action item|follow[- ]up|needs? to|must)\b`)},
	{"open_question", "contains unresolved questions",
		regexp.MustCompile(`(?i)\b(unclear|unknown|tbd|open question)\b|\?`)},
	{"decision", "records a decision",
		regexp.MustCompile(`(?i)\b(decided|decision|agreed|approved|concluded)\b`)},
	{"deadline", "mentions a deadline",
		regexp.MustCompile(`(?i)\b(deadline|due (by|on)|eod|eow|by friday|by monday)\b`)},
}

func (a *PatternDetectionAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	text := in.Title + "\n" + in.Content
	lines := strings.Count(text, "\n") + 1

	var patterns []map[string]any
	for _, rule := range patternRules {
		matches := rule.re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		patterns = append(patterns, map[string]any{
			"pattern_type": rule.patternType,
			"description":  rule.description,
			"support":      float64(len(matches)) / float64(lines),
			"matches":      len(matches),
		})
	}

	confidence := 0.6
	if len(patterns) > 0 {
		confidence = 0.8
	}
	return Result{
		Status:     store.RunSuccess,
		Confidence: confidence,
		Outputs:    map[string]any{"patterns": patterns},
		Provenance: map[string]any{"strategy": StrategyHeuristic},
	}, nil
}

func (a *PatternDetectionAgent) ValidateOutputs(r Result) error {
	return requireKeys(r, "patterns")
}
