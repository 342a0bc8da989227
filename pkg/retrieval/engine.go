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

// Package retrieval implements hybrid memory search: a vector leg and a
// lexical leg fetched in parallel, blended, permission-gated, decayed,
// feedback-adjusted, and finally ranked by activation. Every non-empty
// retrieval leaves an explanation row behind.
package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/embedder"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/observability"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/scheduler"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
	"github.com/memoros-io/memoros/pkg/vector"
)

// Blend weights for the hybrid raw score.
const (
	vectorWeight  = 0.7
	lexicalWeight = 0.3
)

// Engine runs searches. All collaborators are read-mostly; the only
// synchronous write is the explanation row.
type Engine struct {
	db       *store.DB
	kernel   *permissions.Kernel
	vectors  vector.Provider
	embedder embedder.Embedder
	queue    *scheduler.Service
	metrics  *observability.Metrics
	cfg      config.SearchConfig
	scorer   *Scorer
	now      func() time.Time
}

// New wires the engine. queue and metrics may be nil.
func New(db *store.DB, kernel *permissions.Kernel, vectors vector.Provider, emb embedder.Embedder,
	queue *scheduler.Service, metrics *observability.Metrics, cfg config.SearchConfig) *Engine {
	return &Engine{
		db: db, kernel: kernel, vectors: vectors, embedder: emb,
		queue: queue, metrics: metrics, cfg: cfg,
		scorer: NewScorer(), now: time.Now,
	}
}

// Request is one search.
type Request struct {
	Query     string    `json:"query" validate:"required"`
	Embedding []float32 `json:"embedding,omitempty"`
	TopK      int       `json:"top_k,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Hybrid    *bool     `json:"hybrid,omitempty"`

	// Context signals feeding the ctx component.
	ContextScope string `json:"context_scope,omitempty"`
	EpisodeID    string `json:"episode_id,omitempty"`
	GoalID       string `json:"goal_id,omitempty"`
}

// Provenance is the citation record attached to each result.
type Provenance struct {
	Kind          string         `json:"kind"`
	SourceType    string         `json:"source_type,omitempty"`
	SourceID      string         `json:"source_id"`
	SourceVersion string         `json:"source_version"`
	ContentHash   string         `json:"content_hash"`
	Title         string         `json:"title"`
	Excerpt       string         `json:"excerpt"`
	Score         float64        `json:"score"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Result is one ranked memory.
type Result struct {
	Memory     *store.Memory      `json:"memory"`
	Activation float64            `json:"activation"`
	Components map[string]float64 `json:"components"`
	HybridRaw  float64            `json:"hybrid_raw"`
	Provenance Provenance         `json:"provenance"`
}

// Response is the search outcome. Degraded names legs that failed and
// were dropped rather than failing the request.
type Response struct {
	Results  []Result `json:"results"`
	Mode     string   `json:"mode"`
	TopK     int      `json:"top_k"`
	Degraded []string `json:"degraded,omitempty"`
}

// candidate accumulates leg scores for one memory id.
type candidate struct {
	id       string
	vecScore float64
	lexScore float64
}

// Search executes one retrieval end to end.
func (e *Engine) Search(ctx context.Context, tc *tenant.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query is required: %w", apierror.ErrValidation)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	if topK > e.cfg.MaxTopK {
		topK = e.cfg.MaxTopK
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = e.cfg.DefaultMode
	case config.ModePerformance, config.ModeBalanced, config.ModeResearch:
	default:
		return nil, fmt.Errorf("unknown search mode %q: %w", mode, apierror.ErrValidation)
	}
	hybrid := req.Hybrid == nil || *req.Hybrid

	start := e.now()
	vecHits, lexHits, degraded, err := e.fetchLegs(ctx, tc, req, topK, hybrid)
	if err != nil {
		return nil, err
	}

	candidates := mergeCandidates(vecHits, lexHits)
	resp := &Response{Mode: mode, TopK: topK, Degraded: degraded}
	if len(candidates) == 0 {
		e.metrics.RecordRetrieval(ctx, mode, hybrid, e.now().Sub(start), 0)
		return resp, nil
	}

	results, err := e.rankAndExplain(ctx, tc, req, mode, topK, candidates)
	if err != nil {
		return nil, err
	}
	resp.Results = results

	e.enqueueTails(tc, results)
	e.metrics.RecordRetrieval(ctx, mode, hybrid, e.now().Sub(start), len(results))
	return resp, nil
}

// fetchLegs runs the vector and lexical legs in parallel. One failed leg
// degrades the search; both failing fails it.
func (e *Engine) fetchLegs(ctx context.Context, tc *tenant.Context, req Request, topK int, hybrid bool) (
	[]vector.Result, []store.LexicalHit, []string, error) {

	overfetch := 2 * topK
	var (
		vecHits []vector.Result
		lexHits []store.LexicalHit
		vecErr  error
		lexErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		emb := req.Embedding
		if len(emb) == 0 {
			var err error
			emb, err = e.embedder.Embed(gctx, req.Query)
			if err != nil {
				vecErr = fmt.Errorf("embed query: %w", err)
				return nil
			}
		}
		vecHits, vecErr = e.vectors.Search(gctx, emb, overfetch, vector.OrgFilter(tc.OrganizationID))
		return nil
	})
	if hybrid {
		g.Go(func() error {
			lexErr = e.db.WithTenantTx(gctx, tc, func(tx *sql.Tx) error {
				var err error
				lexHits, err = e.db.Memories.LexicalSearch(gctx, tx, tc.OrganizationID, req.Query, overfetch)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	var degraded []string
	if vecErr != nil {
		logger.GetLogger().Warn("vector leg failed, degrading to lexical",
			append(tc.LogAttrs(), "error", vecErr)...)
		degraded = append(degraded, "vector")
		vecHits = nil
	}
	if hybrid && lexErr != nil {
		logger.GetLogger().Warn("lexical leg failed, degrading to vector-only",
			append(tc.LogAttrs(), "error", lexErr)...)
		degraded = append(degraded, "lexical")
		lexHits = nil
	}
	if vecErr != nil && (!hybrid || lexErr != nil) {
		return nil, nil, nil, fmt.Errorf("all search legs failed: %w", apierror.ErrUnavailable)
	}
	return vecHits, lexHits, degraded, nil
}

// mergeCandidates unions leg hits with per-leg max normalization.
func mergeCandidates(vecHits []vector.Result, lexHits []store.LexicalHit) []*candidate {
	byID := map[string]*candidate{}
	ordered := []*candidate{}

	get := func(id string) *candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &candidate{id: id}
		byID[id] = c
		ordered = append(ordered, c)
		return c
	}

	var vecMax, lexMax float64
	for _, h := range vecHits {
		id, ok := h.Payload["memory_id"].(string)
		if !ok || id == "" {
			continue
		}
		c := get(id)
		c.vecScore = float64(h.Score)
		if c.vecScore > vecMax {
			vecMax = c.vecScore
		}
	}
	for _, h := range lexHits {
		c := get(h.MemoryID)
		c.lexScore = h.Rank
		if c.lexScore > lexMax {
			lexMax = c.lexScore
		}
	}
	for _, c := range ordered {
		if vecMax > 0 {
			c.vecScore /= vecMax
		}
		if lexMax > 0 {
			c.lexScore /= lexMax
		}
	}
	return ordered
}

// hybridRaw blends the normalized leg scores. With a single live leg the
// blend collapses to that leg's normalized score.
func hybridRaw(c *candidate, haveVec, haveLex bool) float64 {
	switch {
	case haveVec && haveLex:
		return vectorWeight*c.vecScore + lexicalWeight*c.lexScore
	case haveVec:
		return c.vecScore
	default:
		return c.lexScore
	}
}

// rankAndExplain gates, scores and orders the candidates inside one
// tenant transaction, appending the explanation row before commit.
func (e *Engine) rankAndExplain(ctx context.Context, tc *tenant.Context, req Request, mode string,
	topK int, candidates []*candidate) ([]Result, error) {

	haveVec, haveLex := false, false
	for _, c := range candidates {
		if c.vecScore > 0 {
			haveVec = true
		}
		if c.lexScore > 0 {
			haveLex = true
		}
	}

	var results []Result
	err := e.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		ids := make([]string, len(candidates))
		rawByID := map[string]float64{}
		for i, c := range candidates {
			ids[i] = c.id
			rawByID[c.id] = hybridRaw(c, haveVec, haveLex)
		}

		allowed, err := e.kernel.FilterMemoryIDs(ctx, tx, tc, ids, permissions.ActionRead)
		if err != nil {
			return err
		}
		if len(allowed) == 0 {
			return nil
		}

		memories, err := e.db.Memories.ListByIDs(ctx, tx, tc.OrganizationID, allowed)
		if err != nil {
			return err
		}
		states, err := e.db.Activation.GetMany(ctx, tx, allowed)
		if err != nil {
			return err
		}
		neighbor, err := e.db.Coactivation.MaxWeightWithin(ctx, tx, allowed)
		if err != nil {
			return err
		}
		evidence, err := e.db.Goals.EvidenceLinkCounts(ctx, tx, allowed)
		if err != nil {
			return err
		}

		var feedback map[string]*store.MemoryFeedback
		if e.cfg.FeedbackRerank.Enabled == nil || *e.cfg.FeedbackRerank.Enabled {
			since := e.now().Add(-e.cfg.FeedbackRerank.Window)
			feedback, err = e.db.Feedback.LatestRelevance(ctx, tx, tc.UserID, allowed, since)
			if err != nil {
				return err
			}
		}

		goalLinked := map[string]bool{}
		if req.GoalID != "" {
			links, err := e.db.Goals.ListLinks(ctx, tx, req.GoalID)
			if err != nil {
				return err
			}
			for _, l := range links {
				goalLinked[l.MemoryID] = true
			}
		}

		now := e.now()
		halfLife := e.cfg.HalfLifeDays(mode)
		decayOn := e.cfg.TemporalDecay.Enabled == nil || *e.cfg.TemporalDecay.Enabled

		for _, m := range memories {
			raw := rawByID[m.ID]
			if decayOn {
				raw *= temporalDecay(now, m, halfLife)
			}
			if fb, ok := feedback[m.ID]; ok {
				raw *= e.feedbackMultiplier(fb)
			}
			raw = clamp01(raw)

			state := states[m.ID]
			if state == nil {
				state = store.DefaultActivationState(m.OrganizationID, m.ID)
			}
			activation, components := e.scorer.Score(now, Input{
				HybridRaw:       raw,
				LastAccessedAt:  coalesceTime(state.LastAccessedAt, m.LastAccessedAt),
				AccessCount:     state.AccessCount,
				BaseImportance:  state.BaseImportance,
				Confidence:      state.Confidence,
				Contradicted:    state.Contradicted,
				RiskFactor:      state.RiskFactor,
				ScopeAffinity:   ScopeAffinity(req.ContextScope, m.Scope),
				EpisodeAffinity: episodeAffinity(req.EpisodeID, m),
				GoalAffinity:    goalAffinity(req.GoalID, goalLinked[m.ID]),
				EvidenceLinks:   evidence[m.ID],
				NeighborWeight:  neighbor[m.ID],
			})
			results = append(results, Result{
				Memory:     m,
				Activation: activation,
				Components: components,
				HybridRaw:  raw,
				Provenance: provenanceFor(m, activation),
			})
		}

		sort.SliceStable(results, func(i, j int) bool {
			if results[i].Activation != results[j].Activation {
				return results[i].Activation > results[j].Activation
			}
			if results[i].HybridRaw != results[j].HybridRaw {
				return results[i].HybridRaw > results[j].HybridRaw
			}
			return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
		})
		if len(results) > topK {
			results = results[:topK]
		}
		if len(results) == 0 {
			return nil
		}

		explanation := &store.RetrievalExplanation{
			OrganizationID: tc.OrganizationID,
			UserID:         tc.UserID,
			QueryHash:      QueryHash(req.Query),
			TopK:           topK,
		}
		for i, r := range results {
			explanation.Results = append(explanation.Results, store.ExplanationResult{
				MemoryID:   r.Memory.ID,
				Activation: r.Activation,
				Components: r.Components,
				Gating:     store.GatingInfo{Allowed: true, Reason: "read access granted"},
				Rank:       i + 1,
			})
		}
		return e.db.Explanations.Append(ctx, tx, explanation)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// enqueueTails fires the async bookkeeping: an access_update per returned
// memory and one coactivation_update over the result set.
func (e *Engine) enqueueTails(tc *tenant.Context, results []Result) {
	if e.queue == nil || len(results) == 0 {
		return
	}
	for _, r := range results {
		e.queue.EnqueueAsync(tc, scheduler.EnqueueRequest{
			TaskType: scheduler.TaskAccessUpdate,
			Metadata: map[string]any{
				"memory_ids": []string{r.Memory.ID},
				"user_id":    tc.UserID,
			},
		})
	}
	if len(results) >= 2 {
		co := make([]string, 0, len(results)-1)
		for _, r := range results[1:] {
			co = append(co, r.Memory.ID)
		}
		e.queue.EnqueueAsync(tc, scheduler.EnqueueRequest{
			TaskType: scheduler.TaskCoactivationUpdate,
			Metadata: map[string]any{
				"primary": results[0].Memory.ID,
				"co_ids":  co,
			},
		})
	}
}

// QueryHash is the stable identifier of a query text in explanations.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// temporalDecay is 0.5^(age_days/half_life). The reference time follows
// coalesce precedence: last access when set, else update, else create,
// even when a lower-precedence timestamp is more recent.
func temporalDecay(now time.Time, m *store.Memory, halfLifeDays float64) float64 {
	ref := m.UpdatedAt
	if ref.IsZero() {
		ref = m.CreatedAt
	}
	if m.LastAccessedAt != nil {
		ref = *m.LastAccessedAt
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

func (e *Engine) feedbackMultiplier(fb *store.MemoryFeedback) float64 {
	positive, ok := fb.Payload["positive"].(bool)
	if !ok {
		return 1
	}
	if positive {
		return e.cfg.FeedbackRerank.PositiveMultiplier
	}
	return e.cfg.FeedbackRerank.NegativeMultiplier
}

// episodeAffinity matches the request's episode against the memory's
// recorded episode metadata.
func episodeAffinity(episodeID string, m *store.Memory) float64 {
	if episodeID == "" {
		return AffinityAdjacent
	}
	if got, ok := m.Metadata["episode_id"].(string); ok {
		if got == episodeID {
			return AffinityExact
		}
		return AffinityUnrelated
	}
	return AffinityUnrelated
}

func goalAffinity(goalID string, linked bool) float64 {
	if goalID == "" {
		return AffinityAdjacent
	}
	if linked {
		return AffinityExact
	}
	return AffinityUnrelated
}

func provenanceFor(m *store.Memory, score float64) Provenance {
	return Provenance{
		Kind:          "memory",
		SourceType:    m.SourceType,
		SourceID:      m.ID,
		SourceVersion: m.UpdatedAt.UTC().Format(time.RFC3339),
		ContentHash:   m.ContentHash,
		Title:         m.Title,
		Excerpt:       m.ContentPreview,
		Score:         score,
		Meta:          map[string]any{"scope": m.Scope, "memory_type": m.MemoryType},
	}
}

func coalesceTime(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}
