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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/memoros-io/memoros/pkg/store"
)

func TestScoreComponentsStayInRange(t *testing.T) {
	s := NewScorer()
	now := time.Now()
	past := now.Add(-90 * 24 * time.Hour)

	activation, components := s.Score(now, Input{
		HybridRaw:       1.8, // over-range input must clamp
		LastAccessedAt:  &past,
		AccessCount:     10000,
		BaseImportance:  1.0,
		Confidence:      1.0,
		RiskFactor:      -0.5,
		ScopeAffinity:   AffinityExact,
		EpisodeAffinity: AffinityExact,
		GoalAffinity:    AffinityExact,
		EvidenceLinks:   500,
		NeighborWeight:  2.0,
	})
	assert.LessOrEqual(t, activation, 1.0)
	assert.GreaterOrEqual(t, activation, 0.0)
	for name, v := range components {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
}

func TestContradictedLowConfidenceRanksBelowFreshMemory(t *testing.T) {
	s := NewScorer()
	now := time.Now()
	recent := now.Add(-time.Hour)
	stale := now.Add(-60 * 24 * time.Hour)

	fresh, _ := s.Score(now, Input{
		HybridRaw:      0.8,
		LastAccessedAt: &recent,
		AccessCount:    5,
		BaseImportance: 0.7,
		Confidence:     0.9,
		ScopeAffinity:  AffinityExact, EpisodeAffinity: AffinityAdjacent, GoalAffinity: AffinityAdjacent,
	})
	contested, _ := s.Score(now, Input{
		HybridRaw:      0.8,
		LastAccessedAt: &stale,
		AccessCount:    5,
		BaseImportance: 0.7,
		Confidence:     0.3,
		Contradicted:   true,
		RiskFactor:     0.6,
		ScopeAffinity:  AffinityExact, EpisodeAffinity: AffinityAdjacent, GoalAffinity: AffinityAdjacent,
	})
	assert.Greater(t, fresh, contested,
		"a contradicted low-confidence memory must not outrank a fresh confident one")
}

func TestConfidencePenaltyAppliesOnlyWhenContradicted(t *testing.T) {
	s := NewScorer()
	now := time.Now()

	_, plain := s.Score(now, Input{Confidence: 0.8})
	_, hit := s.Score(now, Input{Confidence: 0.8, Contradicted: true})
	assert.InDelta(t, 0.8, plain[CompConfidence], 1e-9)
	assert.InDelta(t, 0.4, hit[CompConfidence], 1e-9)
}

func TestNeverAccessedMemoryHasZeroRecency(t *testing.T) {
	s := NewScorer()
	_, components := s.Score(time.Now(), Input{HybridRaw: 0.5})
	assert.Zero(t, components[CompRecency])
	assert.Zero(t, components[CompFrequency])
}

func TestScopeAffinity(t *testing.T) {
	cases := []struct {
		request string
		memory  string
		want    float64
	}{
		{"", store.ScopeTeam, AffinityAdjacent},
		{store.ScopeTeam, store.ScopeTeam, AffinityExact},
		{store.ScopeTeam, store.ScopeOrganization, AffinityBroader},
		{store.ScopeTeam, store.ScopeGlobal, AffinityBroader},
		{store.ScopeTeam, store.ScopePersonal, AffinityAdjacent},
		{store.ScopeOrganization, store.ScopePersonal, AffinityUnrelated},
		{store.ScopeTeam, "bogus", AffinityUnrelated},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ScopeAffinity(c.request, c.memory),
			"request=%s memory=%s", c.request, c.memory)
	}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	w := DefaultWeights()
	sum := w.Rel + w.Rec + w.Freq + w.Imp + w.Conf + w.Ctx + w.Prov + w.Risk + w.Nbr
	assert.InDelta(t, 1.0, sum, 1e-9)
}
