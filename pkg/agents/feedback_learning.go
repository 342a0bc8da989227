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
	"strings"

	"github.com/memoros-io/memoros/pkg/store"
)

// FeedbackLearningAgent folds unapplied feedback into config diffs for
// the org's learning config: new stopwords from "noisy term" reports and
// threshold nudges from aggregate relevance polarity. Its inputs hash
// carries the feedback fingerprint, so new feedback re-invalidates prior
// runs.
type FeedbackLearningAgent struct{}

func NewFeedbackLearningAgent() *FeedbackLearningAgent {
	return &FeedbackLearningAgent{}
}

func (a *FeedbackLearningAgent) Name() string    { return NameFeedbackLearning }
func (a *FeedbackLearningAgent) Version() string { return "v1" }

func (a *FeedbackLearningAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	if len(in.PendingFeedback) == 0 {
		return Result{
			Status:     store.RunSkipped,
			Confidence: 1.0,
			Outputs:    map[string]any{"applied": false, "reason": "no pending feedback"},
			Provenance: map[string]any{"strategy": StrategyHeuristic},
		}, nil
	}

	var (
		stopwordsAdd []string
		positive     int
		negative     int
		appliedIDs   []string
	)
	seen := map[string]bool{}
	for _, fb := range in.PendingFeedback {
		appliedIDs = append(appliedIDs, fb.ID)
		if p, ok := fb.Payload["positive"].(bool); ok {
			if p {
				positive++
			} else {
				negative++
			}
		}
		if term, ok := fb.Payload["noisy_term"].(string); ok {
			term = strings.ToLower(strings.TrimSpace(term))
			if term != "" && !seen[term] {
				seen[term] = true
				stopwordsAdd = append(stopwordsAdd, term)
			}
		}
	}

	// Aggregate polarity nudges the relevance threshold: heavy negative
	// feedback means retrieval is too permissive for this org.
	thresholds := map[string]any{}
	total := positive + negative
	if total > 0 && negative*2 > total {
		thresholds["relevance_delta"] = 0.05
	}

	return Result{
		Status:     store.RunSuccess,
		Confidence: 0.7,
		Outputs: map[string]any{
			"applied":        true,
			"stopwords_add":  stopwordsAdd,
			"thresholds":     thresholds,
			"feedback_ids":   appliedIDs,
			"positive_count": positive,
			"negative_count": negative,
		},
		Provenance: map[string]any{"strategy": StrategyHeuristic, "fingerprint": in.FeedbackFingerprint},
	}, nil
}

func (a *FeedbackLearningAgent) ValidateOutputs(r Result) error {
	return requireKeys(r, "applied")
}
