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

package retrieval

import (
	"math"
	"time"

	"github.com/memoros-io/memoros/pkg/store"
)

// Component names as they appear in retrieval explanations.
const (
	CompRelevance  = "rel"
	CompRecency    = "rec"
	CompFrequency  = "freq"
	CompImportance = "imp"
	CompConfidence = "conf"
	CompContext    = "ctx"
	CompProvenance = "prov"
	CompRisk       = "risk"
	CompNeighbor   = "nbr"
)

// Discrete context-affinity levels.
const (
	AffinityExact     = 1.0
	AffinityBroader   = 0.7
	AffinityAdjacent  = 0.6
	AffinityUnrelated = 0.3
)

// Weights is the component mix for the activation score. Values need not
// sum to 1; the result is clamped.
type Weights struct {
	Rel  float64
	Rec  float64
	Freq float64
	Imp  float64
	Conf float64
	Ctx  float64
	Prov float64
	Risk float64
	Nbr  float64
}

// DefaultWeights favors query relevance, with recency and importance as
// the strongest activation signals.
func DefaultWeights() Weights {
	return Weights{
		Rel: 0.30, Rec: 0.15, Freq: 0.10, Imp: 0.15, Conf: 0.10,
		Ctx: 0.10, Prov: 0.05, Risk: 0.03, Nbr: 0.02,
	}
}

// Scorer turns per-candidate signals into a single activation value.
type Scorer struct {
	Weights Weights

	// FreqAlpha shapes 1 - exp(-alpha * access_count).
	FreqAlpha float64

	// ProvBeta shapes 1 - exp(-beta * evidence_links).
	ProvBeta float64

	// RecencyHalfLife is scorer-owned, independent of the mode-driven
	// temporal decay applied to the hybrid raw score.
	RecencyHalfLife time.Duration

	// ContradictedPenalty scales confidence down when the memory is
	// contradicted by later evidence.
	ContradictedPenalty float64
}

// NewScorer returns a scorer with the default component mix.
func NewScorer() *Scorer {
	return &Scorer{
		Weights:             DefaultWeights(),
		FreqAlpha:           0.3,
		ProvBeta:            0.5,
		RecencyHalfLife:     7 * 24 * time.Hour,
		ContradictedPenalty: 0.5,
	}
}

// Input carries everything the scorer consumes for one candidate.
type Input struct {
	// HybridRaw is the blended vector/lexical score, already decayed and
	// feedback-adjusted, in [0,1].
	HybridRaw float64

	LastAccessedAt *time.Time
	AccessCount    int
	BaseImportance float64
	Confidence     float64
	Contradicted   bool
	RiskFactor     float64

	// Context affinities, each one of the discrete levels.
	ScopeAffinity   float64
	EpisodeAffinity float64
	GoalAffinity    float64

	EvidenceLinks  int
	NeighborWeight float64
}

// Score computes the activation value and the per-component breakdown.
// Every component lands in [0,1]; the weighted sum is clamped.
func (s *Scorer) Score(now time.Time, in Input) (float64, map[string]float64) {
	rec := 0.0
	if in.LastAccessedAt != nil {
		age := now.Sub(*in.LastAccessedAt)
		if age < 0 {
			age = 0
		}
		rec = math.Pow(0.5, age.Hours()/s.RecencyHalfLife.Hours())
	}

	conf := in.Confidence
	if in.Contradicted {
		conf *= 1 - s.ContradictedPenalty
	}

	components := map[string]float64{
		CompRelevance:  clamp01(in.HybridRaw),
		CompRecency:    clamp01(rec),
		CompFrequency:  clamp01(1 - math.Exp(-s.FreqAlpha*float64(in.AccessCount))),
		CompImportance: clamp01(in.BaseImportance),
		CompConfidence: clamp01(conf),
		CompContext:    clamp01((in.ScopeAffinity + in.EpisodeAffinity + in.GoalAffinity) / 3),
		CompProvenance: clamp01(1 - math.Exp(-s.ProvBeta*float64(in.EvidenceLinks))),
		CompRisk:       clamp01(1 - in.RiskFactor),
		CompNeighbor:   clamp01(in.NeighborWeight),
	}

	w := s.Weights
	activation := w.Rel*components[CompRelevance] +
		w.Rec*components[CompRecency] +
		w.Freq*components[CompFrequency] +
		w.Imp*components[CompImportance] +
		w.Conf*components[CompConfidence] +
		w.Ctx*components[CompContext] +
		w.Prov*components[CompProvenance] +
		w.Risk*components[CompRisk] +
		w.Nbr*components[CompNeighbor]

	return clamp01(activation), components
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// scopeBreadth orders scopes from narrowest to widest.
var scopeBreadth = map[string]int{
	store.ScopePersonal:     0,
	store.ScopeTeam:         1,
	store.ScopeDepartment:   2,
	store.ScopeDivision:     3,
	store.ScopeOrganization: 4,
	store.ScopeGlobal:       5,
}

// ScopeAffinity compares the request's context scope against a memory's
// scope. No request scope reads as adjacent: the memory is neither
// confirmed nor ruled out for the working context.
func ScopeAffinity(requestScope, memoryScope string) float64 {
	if requestScope == "" {
		return AffinityAdjacent
	}
	if requestScope == memoryScope {
		return AffinityExact
	}
	rb, rok := scopeBreadth[requestScope]
	mb, mok := scopeBreadth[memoryScope]
	if !rok || !mok {
		return AffinityUnrelated
	}
	if mb > rb {
		return AffinityBroader
	}
	if rb-mb == 1 {
		return AffinityAdjacent
	}
	return AffinityUnrelated
}
