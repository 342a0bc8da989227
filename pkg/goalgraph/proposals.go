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

package goalgraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/memoros-io/memoros/pkg/agents"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/scheduler"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// defaultProposalThreshold discards LLM proposals below this confidence.
const defaultProposalThreshold = 0.6

// Proposer derives advisory goal links (and occasionally goals) from new
// memories. The LLM path is confidence-gated; when no provider is wired
// the deterministic tag-overlap heuristic runs instead.
type Proposer struct {
	db        *store.DB
	llm       agents.LLMProvider
	threshold float64
}

// NewProposer wires the proposal flow; llm may be nil.
func NewProposer(db *store.DB, llm agents.LLMProvider) *Proposer {
	return &Proposer{db: db, llm: llm, threshold: defaultProposalThreshold}
}

// RegisterHandler binds the goal_proposal task type. Exactly one variant
// is registered; the scheduler rejects doubles.
func (p *Proposer) RegisterHandler(s *scheduler.Service) error {
	return s.RegisterHandler(scheduler.TaskGoalProposal, p.HandleGoalProposal)
}

// HandleGoalProposal links a new memory into matching goals. Proposals
// are advisory: a quiet pass with no matches is success.
func (p *Proposer) HandleGoalProposal(ctx context.Context, tc *tenant.Context, task *store.PipelineTask) error {
	var meta struct {
		MemoryID string `mapstructure:"memory_id"`
	}
	if err := mapstructure.Decode(task.Metadata, &meta); err != nil {
		return fmt.Errorf("bad goal_proposal metadata: %w", err)
	}
	if meta.MemoryID == "" {
		return fmt.Errorf("goal_proposal task requires memory_id metadata")
	}

	return p.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		memory, err := p.db.Memories.GetByID(ctx, tx, meta.MemoryID)
		if err != nil {
			return err
		}
		candidates, err := p.candidateGoals(ctx, tx)
		if err != nil {
			return err
		}

		links := p.propose(ctx, memory, candidates)
		for _, link := range links {
			link.OrganizationID = tc.OrganizationID
			link.MemoryID = memory.ID
			link.LinkedBy = "auto"
			if err := p.db.Goals.UpsertLink(ctx, tx, link); err != nil {
				return err
			}
			if err := p.db.Goals.AppendActivity(ctx, tx, &store.GoalActivity{
				GoalID: link.GoalID, ActorID: tc.UserID, Action: "memory_linked",
				Details: map[string]any{
					"memory_id": memory.ID, "link_type": link.LinkType,
					"confidence": link.Confidence, "proposed": true,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// candidateGoals are the open goals a memory could attach to.
func (p *Proposer) candidateGoals(ctx context.Context, tx *sql.Tx) ([]*store.Goal, error) {
	active, err := p.db.Goals.ListGoals(ctx, tx, store.GoalFilter{Status: store.GoalActive})
	if err != nil {
		return nil, err
	}
	proposed, err := p.db.Goals.ListGoals(ctx, tx, store.GoalFilter{Status: store.GoalProposed})
	if err != nil {
		return nil, err
	}
	return append(active, proposed...), nil
}

// propose tries the LLM first and falls back to tag overlap. LLM output
// below the confidence threshold is silently discarded.
func (p *Proposer) propose(ctx context.Context, memory *store.Memory, goals []*store.Goal) []*store.GoalMemoryLink {
	if p.llm != nil {
		links, err := p.proposeLLM(ctx, memory, goals)
		if err == nil {
			return links
		}
		logger.GetLogger().Warn("llm goal proposal failed, falling back to tag overlap",
			"memory_id", memory.ID, "error", err)
	}
	return proposeByTagOverlap(memory, goals)
}

func (p *Proposer) proposeLLM(ctx context.Context, memory *store.Memory, goals []*store.Goal) ([]*store.GoalMemoryLink, error) {
	var sb strings.Builder
	for _, g := range goals {
		fmt.Fprintf(&sb, "- id=%s title=%q tags=%s\n", g.ID, g.Title, strings.Join(g.Tags, ","))
	}
	prompt := fmt.Sprintf(
		`Given this workplace note, decide which goals it relates to.
Answer as JSON {"links": [{"goal_id": ..., "link_type": "evidence"|"progress", "confidence": 0-1}]}.

Note title: %s
Note tags: %s
Goals:
%s`, memory.Title, strings.Join(memory.Tags, ","), sb.String())

	raw, err := p.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var out struct {
		Links []struct {
			GoalID     string  `json:"goal_id"`
			LinkType   string  `json:"link_type"`
			Confidence float64 `json:"confidence"`
		} `json:"links"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("llm returned non-JSON proposal: %w", err)
	}

	known := make(map[string]bool, len(goals))
	for _, g := range goals {
		known[g.ID] = true
	}
	var links []*store.GoalMemoryLink
	for _, l := range out.Links {
		if !known[l.GoalID] || l.Confidence < p.threshold {
			continue
		}
		linkType := l.LinkType
		if linkType != store.LinkProgress {
			linkType = store.LinkEvidence
		}
		links = append(links, &store.GoalMemoryLink{
			GoalID: l.GoalID, LinkType: linkType, Confidence: l.Confidence,
		})
	}
	return links, nil
}

// proposeByTagOverlap suggests links where memory and goal tags overlap:
// k shared tags give confidence min(1.0, 0.55 + 0.1·k).
func proposeByTagOverlap(memory *store.Memory, goals []*store.Goal) []*store.GoalMemoryLink {
	memoryTags := map[string]bool{}
	for _, t := range memory.Tags {
		memoryTags[strings.ToLower(t)] = true
	}
	if len(memoryTags) == 0 {
		return nil
	}

	linkType := store.LinkEvidence
	if memoryTags["progress"] || memoryTags["milestone"] {
		linkType = store.LinkProgress
	}

	var links []*store.GoalMemoryLink
	for _, g := range goals {
		k := 0
		for _, t := range g.Tags {
			if memoryTags[strings.ToLower(t)] {
				k++
			}
		}
		if k == 0 {
			continue
		}
		confidence := 0.55 + 0.1*float64(k)
		if confidence > 1.0 {
			confidence = 1.0
		}
		links = append(links, &store.GoalMemoryLink{
			GoalID: g.ID, LinkType: linkType, Confidence: confidence,
		})
	}
	return links
}
