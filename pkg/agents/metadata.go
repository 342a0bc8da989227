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

// MetadataExtractionAgent pulls structured entities (people, urls,
// emails, dates) out of memory content.
type MetadataExtractionAgent struct {
	llm LLMProvider
}

func NewMetadataExtractionAgent(llm LLMProvider) *MetadataExtractionAgent {
	return &MetadataExtractionAgent{llm: llm}
}

func (a *MetadataExtractionAgent) Name() string    { return NameMetadata }
func (a *MetadataExtractionAgent) Version() string { return "v1" }

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	urlRe   = regexp.MustCompile(`https?://[^\s)>\]]+`)
	dateRe  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	// Two+ capitalized words in sequence read as a proper name.
	nameRe = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b`)
)

func (a *MetadataExtractionAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	if a.llm != nil {
		return a.runLLM(ctx, in)
	}

	text := in.Title + "\n" + in.Content
	entities := map[string][]string{}
	if v := dedupe(emailRe.FindAllString(text, -1)); len(v) > 0 {
		entities["emails"] = v
	}
	if v := dedupe(urlRe.FindAllString(text, -1)); len(v) > 0 {
		entities["urls"] = v
	}
	if v := dedupe(dateRe.FindAllString(text, -1)); len(v) > 0 {
		entities["dates"] = v
	}
	if v := dedupe(nameRe.FindAllString(text, -1)); len(v) > 0 {
		entities["names"] = v
	}

	confidence := 0.5
	if len(entities) > 0 {
		confidence = 0.8
	}
	return Result{
		Status:     store.RunSuccess,
		Confidence: confidence,
		Outputs:    map[string]any{"entities": entities},
		Provenance: map[string]any{"strategy": StrategyHeuristic},
	}, nil
}

func (a *MetadataExtractionAgent) runLLM(ctx context.Context, in Inputs) (Result, error) {
	var out struct {
		Entities   map[string][]string `json:"entities"`
		Confidence float64             `json:"confidence"`
	}
	prompt := fmt.Sprintf(
		`Extract named entities from this note as JSON {"entities": {"names": [], "emails": [], "urls": [], "dates": [], "orgs": []}, "confidence": 0-1}.

%s
%s`, in.Title, in.Content)
	if err := completeJSON(ctx, a.llm, prompt, &out); err != nil {
		return Result{}, err
	}
	return Result{
		Status:     store.RunSuccess,
		Confidence: out.Confidence,
		Outputs:    map[string]any{"entities": out.Entities},
		Provenance: map[string]any{"strategy": StrategyLLM, "model": a.llm.Model()},
	}, nil
}

func (a *MetadataExtractionAgent) ValidateOutputs(r Result) error {
	return requireKeys(r, "entities")
}

func dedupe(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
