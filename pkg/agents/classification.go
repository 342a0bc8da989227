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
	"strings"

	"github.com/memoros-io/memoros/pkg/store"
)

// ClassificationAgent assigns a sensitivity classification and a required
// clearance level from content signals.
type ClassificationAgent struct {
	llm LLMProvider
}

// NewClassificationAgent builds the agent; a nil provider selects the
// deterministic heuristic.
func NewClassificationAgent(llm LLMProvider) *ClassificationAgent {
	return &ClassificationAgent{llm: llm}
}

func (a *ClassificationAgent) Name() string    { return NameClassification }
func (a *ClassificationAgent) Version() string { return "v1" }

// Signal terms per level, strongest match wins.
var classificationSignals = map[string][]string{
	store.ClassRestricted: {
		"secret", "credential", "password", "api key", "private key",
		"legal hold", "attorney", "acquisition", "layoff",
	},
	store.ClassConfidential: {
		"confidential", "salary", "compensation", "revenue", "contract",
		"customer data", "pii", "security incident",
	},
	store.ClassPublic: {
		"public announcement", "press release", "published", "blog post",
	},
}

var clearanceByClass = map[string]int{
	store.ClassPublic:       0,
	store.ClassInternal:     0,
	store.ClassConfidential: 1,
	store.ClassRestricted:   2,
}

func (a *ClassificationAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	if a.llm != nil {
		return a.runLLM(ctx, in)
	}

	text := strings.ToLower(in.Title + "\n" + in.Content)
	class := store.ClassInternal
	confidence := 0.6
	for _, level := range []string{store.ClassRestricted, store.ClassConfidential, store.ClassPublic} {
		for _, term := range classificationSignals[level] {
			if strings.Contains(text, term) {
				class = level
				confidence = 0.85
				break
			}
		}
		if class == level {
			break
		}
	}

	return Result{
		Status:     store.RunSuccess,
		Confidence: confidence,
		Outputs: map[string]any{
			"classification":     class,
			"required_clearance": clearanceByClass[class],
		},
		Provenance: map[string]any{"strategy": StrategyHeuristic},
	}, nil
}

func (a *ClassificationAgent) runLLM(ctx context.Context, in Inputs) (Result, error) {
	var out struct {
		Classification    string  `json:"classification"`
		RequiredClearance int     `json:"required_clearance"`
		Confidence        float64 `json:"confidence"`
	}
	prompt := fmt.Sprintf(
		`Classify the sensitivity of this workplace note as one of public, internal, confidential, restricted.
Answer as JSON {"classification": ..., "required_clearance": 0-3, "confidence": 0-1}.

Title: %s
Content: %s`, in.Title, in.Content)
	if err := completeJSON(ctx, a.llm, prompt, &out); err != nil {
		return Result{}, err
	}
	return Result{
		Status:     store.RunSuccess,
		Confidence: out.Confidence,
		Outputs: map[string]any{
			"classification":     out.Classification,
			"required_clearance": out.RequiredClearance,
		},
		Provenance: map[string]any{"strategy": StrategyLLM, "model": a.llm.Model()},
	}, nil
}

func (a *ClassificationAgent) ValidateOutputs(r Result) error {
	if err := requireKeys(r, "classification"); err != nil {
		return err
	}
	class, _ := r.Outputs["classification"].(string)
	if !store.ValidClassification(class) {
		return fmt.Errorf("invalid classification %q", class)
	}
	return nil
}
