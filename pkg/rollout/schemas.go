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

//go:build !norollout

package rollout

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/memoros-io/memoros/pkg/apierror"
)

// FeedbackLearningPolicy gates and tunes the feedback learning agent.
type FeedbackLearningPolicy struct {
	Enabled    bool               `json:"enabled" mapstructure:"enabled"`
	Stopwords  []string           `json:"stopwords,omitempty" mapstructure:"stopwords"`
	Thresholds map[string]float64 `json:"thresholds,omitempty" mapstructure:"thresholds"`
}

// RetrievalWeightsPolicy overrides the activation scoring component
// weights.
type RetrievalWeightsPolicy struct {
	Weights map[string]float64 `json:"weights" mapstructure:"weights"`
}

// PromotionPolicy tunes short-term to long-term promotion.
type PromotionPolicy struct {
	AccessThreshold int     `json:"access_threshold" mapstructure:"access_threshold"`
	MinImportance   float64 `json:"min_importance,omitempty" mapstructure:"min_importance"`
}

// policyConfigTypes maps known policy names to their config shape. A
// version of an unlisted policy carries an opaque config with no schema.
var policyConfigTypes = map[string]func() any{
	"feedback_learning": func() any { return &FeedbackLearningPolicy{} },
	"retrieval_weights": func() any { return &RetrievalWeightsPolicy{} },
	"memory_promotion":  func() any { return &PromotionPolicy{} },
}

// SchemaFor generates the JSON schema for a known policy name, nil for
// unknown ones.
func SchemaFor(policyName string) map[string]any {
	proto, ok := policyConfigTypes[policyName]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(jsonschema.Reflect(proto()))
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// ValidateConfig decodes the config against the policy's known shape,
// rejecting unknown keys. Unknown policy names accept any config.
func ValidateConfig(policyName string, config map[string]any) error {
	proto, ok := policyConfigTypes[policyName]
	if !ok {
		return nil
	}
	dst := proto()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      dst,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("invalid %s config: %v: %w", policyName, err, apierror.ErrValidation)
	}
	return nil
}
