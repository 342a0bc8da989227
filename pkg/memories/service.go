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

// Package memories is the memory lifecycle service: create with the
// metadata/vector dual write, partial update with diff logging, soft
// delete, explicit sharing and feedback intake. Retrieval lives in
// pkg/retrieval; this package owns the writes.
package memories

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/embedder"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/scheduler"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
	"github.com/memoros-io/memoros/pkg/vector"
)

// previewLimit bounds the stored content preview.
const previewLimit = 500

// Service orchestrates memory writes across the relational store, the
// vector index and the short-term cache tier.
type Service struct {
	db       *store.DB
	kernel   *permissions.Kernel
	vectors  vector.Provider
	embedder embedder.Embedder
	cache    *cache.Client
	queue    *scheduler.Service
	rec      *audit.Recorder
	cfg      config.AgentsConfig
	now      func() time.Time
}

// New wires the service. queue and rec may be nil in tests.
func New(db *store.DB, kernel *permissions.Kernel, vectors vector.Provider, emb embedder.Embedder,
	c *cache.Client, queue *scheduler.Service, rec *audit.Recorder, cfg config.AgentsConfig) *Service {
	return &Service{
		db: db, kernel: kernel, vectors: vectors, embedder: emb,
		cache: c, queue: queue, rec: rec, cfg: cfg, now: time.Now,
	}
}

// CreateRequest is the input for a new memory.
type CreateRequest struct {
	Title             string              `json:"title" validate:"required,max=500"`
	Content           string              `json:"content" validate:"required"`
	Scope             string              `json:"scope" validate:"required"`
	ScopeID           *string             `json:"scope_id,omitempty"`
	MemoryType        string              `json:"memory_type,omitempty"`
	Classification    string              `json:"classification,omitempty"`
	RequiredClearance int                 `json:"required_clearance,omitempty"`
	Tags              []string            `json:"tags,omitempty"`
	Entities          map[string][]string `json:"entities,omitempty"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
	SourceType        string              `json:"source_type,omitempty"`
}

// ContentHash is the deterministic hash of canonical content: trimmed,
// newline-normalized, sha256 hex.
func ContentHash(content string) string {
	canonical := strings.TrimSpace(strings.ReplaceAll(content, "\r\n", "\n"))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Preview truncates content to the stored preview length on a rune
// boundary.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit])
}

// Create verifies memory:create:<scope>, writes the metadata row, indexes
// the vector, and enqueues the enrichment pipeline. Short-term memories
// additionally park their full content in the cache tier with a TTL.
func (s *Service) Create(ctx context.Context, tc *tenant.Context, req CreateRequest) (*store.Memory, error) {
	if !store.ValidScope(req.Scope) {
		return nil, fmt.Errorf("unknown scope %q: %w", req.Scope, apierror.ErrValidation)
	}
	if req.Classification == "" {
		req.Classification = store.ClassInternal
	}
	if !store.ValidClassification(req.Classification) {
		return nil, fmt.Errorf("unknown classification %q: %w", req.Classification, apierror.ErrValidation)
	}
	if req.MemoryType == "" {
		req.MemoryType = store.MemoryLongTerm
	}
	if req.MemoryType != store.MemoryShortTerm && req.MemoryType != store.MemoryLongTerm {
		return nil, fmt.Errorf("unknown memory_type %q: %w", req.MemoryType, apierror.ErrValidation)
	}
	if req.RequiredClearance < 0 {
		return nil, fmt.Errorf("required_clearance must be non-negative: %w", apierror.ErrValidation)
	}
	if (req.Scope == store.ScopeTeam || req.Scope == store.ScopeDepartment || req.Scope == store.ScopeDivision) && req.ScopeID == nil {
		return nil, fmt.Errorf("scope %s requires scope_id: %w", req.Scope, apierror.ErrValidation)
	}

	m := &store.Memory{
		OrganizationID:    tc.OrganizationID,
		OwnerUserID:       tc.UserID,
		Scope:             req.Scope,
		ScopeID:           req.ScopeID,
		MemoryType:        req.MemoryType,
		Classification:    req.Classification,
		RequiredClearance: req.RequiredClearance,
		Title:             req.Title,
		ContentPreview:    Preview(req.Content),
		ContentHash:       ContentHash(req.Content),
		Tags:              req.Tags,
		Entities:          req.Entities,
		Metadata:          req.Metadata,
		SourceType:        req.SourceType,
		VectorID:          uuid.NewString(),
		EmbeddingModel:    s.embedder.Model(),
	}

	vec, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed memory content: %w", err)
	}

	err = s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		granted, err := s.kernel.HasPermission(ctx, tx, tc, "memory:create:"+req.Scope)
		if err != nil {
			return err
		}
		if !granted {
			s.rec.Record(ctx, tx, tc, audit.Event{
				Action: "memory.create", ResourceType: "memory",
				Outcome: audit.OutcomeDenied, Reason: "missing memory:create:" + req.Scope,
			})
			return fmt.Errorf("missing memory:create:%s: %w", req.Scope, apierror.ErrForbidden)
		}
		if err := s.db.Memories.Create(ctx, tx, m); err != nil {
			return err
		}
		s.rec.Record(ctx, tx, tc, audit.Event{
			Action: "memory.create", ResourceType: "memory", ResourceID: m.ID,
			Outcome: audit.OutcomeOK,
			Details: map[string]any{"scope": m.Scope, "memory_type": m.MemoryType},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Short-term content lives in the cache tier until promotion.
	if m.MemoryType == store.MemoryShortTerm {
		s.cache.SetJSON(ctx, cache.ShortTermKey(tc.OrganizationID, m.ID), req.Content, s.cfg.ShortTermTTL)
	}

	// The metadata commit is the read-your-writes boundary; index and
	// pipeline writes follow it. A vector failure degrades the memory to
	// lexical-only retrieval until the next reindex, never fails the
	// create.
	if err := s.vectors.Upsert(ctx, m.VectorID, vec, vector.Payload(m)); err != nil {
		logger.GetLogger().Warn("vector upsert failed, memory is lexical-only",
			append(tc.LogAttrs(), "memory_id", m.ID, "error", err)...)
	}

	s.enqueueEnrichment(tc, m.ID, req.Content)
	return m, nil
}

// enqueueEnrichment schedules one agent_run per enrichment agent.
func (s *Service) enqueueEnrichment(tc *tenant.Context, memoryID, content string) {
	if s.queue == nil {
		return
	}
	for _, agent := range []string{
		"classification", "metadata_extraction", "topic_modeling",
		"graph_linking", "pattern_detection",
	} {
		s.queue.EnqueueAsync(tc, scheduler.EnqueueRequest{
			TaskType:     scheduler.TaskAgentRun,
			EstimateText: content,
			Metadata:     map[string]any{"memory_id": memoryID, "agent": agent},
		})
	}
}

// Get returns one memory after a read check, and counts the access
// asynchronously.
func (s *Service) Get(ctx context.Context, tc *tenant.Context, id string) (*store.Memory, error) {
	var m *store.Memory
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		d, err := s.kernel.CheckMemoryAccess(ctx, tx, tc, id, permissions.ActionRead)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return denialError(d)
		}
		m, err = s.db.Memories.GetByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.queue != nil {
		s.queue.EnqueueAsync(tc, scheduler.EnqueueRequest{
			TaskType: scheduler.TaskAccessUpdate,
			Metadata: map[string]any{"memory_ids": []string{id}, "user_id": tc.UserID},
		})
	}
	return m, nil
}

// Content returns the full text of a memory: the short-term tier when the
// memory still lives there, else the stored preview.
func (s *Service) Content(ctx context.Context, tc *tenant.Context, m *store.Memory) string {
	if m.MemoryType == store.MemoryShortTerm {
		var content string
		if s.cache.GetJSON(ctx, cache.ShortTermKey(m.OrganizationID, m.ID), &content) {
			return content
		}
	}
	return m.ContentPreview
}

// List returns memories the caller may read, filter applied first, then
// the permission kernel per row.
func (s *Service) List(ctx context.Context, tc *tenant.Context, f store.MemoryFilter) ([]*store.Memory, error) {
	var out []*store.Memory
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		all, err := s.db.Memories.List(ctx, tx, f)
		if err != nil {
			return err
		}
		ids := make([]string, len(all))
		for i, m := range all {
			ids[i] = m.ID
		}
		allowed, err := s.kernel.FilterMemoryIDs(ctx, tx, tc, ids, permissions.ActionRead)
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(allowed))
		for _, id := range allowed {
			keep[id] = true
		}
		for _, m := range all {
			if keep[m.ID] {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

// UpdateRequest mirrors store.MemoryUpdate plus optional full content
// replacement, which recomputes the hash and reindexes the vector.
type UpdateRequest struct {
	Title          *string             `json:"title,omitempty"`
	Content        *string             `json:"content,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	Entities       map[string][]string `json:"entities,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	Scope          *string             `json:"scope,omitempty"`
	ScopeID        *string             `json:"scope_id,omitempty"`
	Classification *string             `json:"classification,omitempty"`
}

// Update applies a partial update after a write check, logging the field
// diff to the audit trail. Tag or classification changes re-upsert the
// vector payload; content changes reindex the embedding.
func (s *Service) Update(ctx context.Context, tc *tenant.Context, id string, req UpdateRequest) (*store.Memory, error) {
	if req.Scope != nil && !store.ValidScope(*req.Scope) {
		return nil, fmt.Errorf("unknown scope %q: %w", *req.Scope, apierror.ErrValidation)
	}
	if req.Classification != nil && !store.ValidClassification(*req.Classification) {
		return nil, fmt.Errorf("unknown classification %q: %w", *req.Classification, apierror.ErrValidation)
	}

	upd := &store.MemoryUpdate{
		Title:          req.Title,
		Tags:           req.Tags,
		Entities:       req.Entities,
		Metadata:       req.Metadata,
		Scope:          req.Scope,
		ScopeID:        req.ScopeID,
		Classification: req.Classification,
	}
	if req.Content != nil {
		preview := Preview(*req.Content)
		upd.ContentPreview = &preview
	}

	var updated *store.Memory
	var old *store.Memory
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		d, err := s.kernel.CheckMemoryAccess(ctx, tx, tc, id, permissions.ActionWrite)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return denialError(d)
		}
		old, err = s.db.Memories.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		updated, err = s.db.Memories.Update(ctx, tx, id, upd)
		if err != nil {
			return err
		}
		if req.Content != nil {
			if err := s.setContentHash(ctx, tx, id, updated, *req.Content); err != nil {
				return err
			}
		}
		s.rec.Record(ctx, tx, tc, audit.Event{
			Action: "memory.update", ResourceType: "memory", ResourceID: id,
			Outcome: audit.OutcomeOK, Details: diffFields(old, updated),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	contentChanged := req.Content != nil && updated.ContentHash != old.ContentHash
	payloadChanged := req.Tags != nil || req.Classification != nil || req.Scope != nil || req.ScopeID != nil
	if contentChanged {
		vec, err := s.embedder.Embed(ctx, *req.Content)
		if err != nil {
			logger.GetLogger().Warn("reindex embed failed", "memory_id", id, "error", err)
		} else if err := s.vectors.Upsert(ctx, updated.VectorID, vec, vector.Payload(updated)); err != nil {
			logger.GetLogger().Warn("vector reindex failed", "memory_id", id, "error", err)
		}
	} else if payloadChanged {
		// Payload-only change: re-embed the stored content so the upsert
		// carries a vector; the index has no payload-patch operation.
		vec, err := s.embedder.Embed(ctx, updated.ContentPreview)
		if err == nil {
			if err := s.vectors.Upsert(ctx, updated.VectorID, vec, vector.Payload(updated)); err != nil {
				logger.GetLogger().Warn("vector payload update failed", "memory_id", id, "error", err)
			}
		}
	}
	return updated, nil
}

func (s *Service) setContentHash(ctx context.Context, tx *sql.Tx, id string, m *store.Memory, content string) error {
	m.ContentHash = ContentHash(content)
	_, err := tx.ExecContext(ctx,
		`UPDATE memories SET content_hash = $2 WHERE id = $1`, id, m.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to update content hash: %w", err)
	}
	return nil
}

// Delete soft-deletes a memory after a delete check and removes its
// vector. Legal holds refuse with 409.
func (s *Service) Delete(ctx context.Context, tc *tenant.Context, id string) error {
	var vectorID string
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		d, err := s.kernel.CheckMemoryAccess(ctx, tx, tc, id, permissions.ActionDelete)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return denialError(d)
		}
		m, err := s.db.Memories.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		vectorID = m.VectorID
		if err := s.db.Memories.SoftDelete(ctx, tx, id); err != nil {
			return err
		}
		s.rec.Record(ctx, tx, tc, audit.Event{
			Action: "memory.delete", ResourceType: "memory", ResourceID: id,
			Outcome: audit.OutcomeOK,
		})
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.vectors.Delete(ctx, vectorID); err != nil {
		logger.GetLogger().Warn("vector delete failed", "memory_id", id, "error", err)
	}
	s.cache.Delete(ctx, cache.ShortTermKey(tc.OrganizationID, id))
	return nil
}

// ShareRequest grants explicit access on one memory.
type ShareRequest struct {
	ShareType  string     `json:"share_type" validate:"required,oneof=user team"`
	TargetID   string     `json:"target_id" validate:"required,uuid"`
	Permission string     `json:"permission" validate:"required,oneof=read comment edit"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Share creates a sharing grant after a share check and invalidates the
// target's cached permissions.
func (s *Service) Share(ctx context.Context, tc *tenant.Context, memoryID string, req ShareRequest) (*store.MemorySharing, error) {
	sh := &store.MemorySharing{
		MemoryID:   memoryID,
		ShareType:  req.ShareType,
		TargetID:   req.TargetID,
		Permission: req.Permission,
		ExpiresAt:  req.ExpiresAt,
		CreatedBy:  tc.UserID,
	}
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		d, err := s.kernel.CheckMemoryAccess(ctx, tx, tc, memoryID, permissions.ActionShare)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return denialError(d)
		}
		if err := s.db.Sharing.Create(ctx, tx, sh); err != nil {
			return err
		}
		s.rec.Record(ctx, tx, tc, audit.Event{
			Action: "memory.share", ResourceType: "memory", ResourceID: memoryID,
			Outcome: audit.OutcomeOK,
			Details: map[string]any{"share_type": req.ShareType, "target_id": req.TargetID, "permission": req.Permission},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if req.ShareType == "user" {
		s.kernel.Invalidate(ctx, tc.OrganizationID, req.TargetID)
	} else {
		s.kernel.InvalidateOrg(ctx, tc.OrganizationID)
	}
	return sh, nil
}

// FeedbackRequest is one relevance/quality signal on a memory.
type FeedbackRequest struct {
	FeedbackType string         `json:"feedback_type" validate:"required"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// SubmitFeedback records feedback after a read check; commenting on a
// memory requires seeing it, nothing more.
func (s *Service) SubmitFeedback(ctx context.Context, tc *tenant.Context, memoryID string, req FeedbackRequest) (*store.MemoryFeedback, error) {
	fb := &store.MemoryFeedback{
		OrganizationID: tc.OrganizationID,
		MemoryID:       memoryID,
		ActorID:        tc.UserID,
		FeedbackType:   req.FeedbackType,
		Payload:        req.Payload,
	}
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		d, err := s.kernel.CheckMemoryAccess(ctx, tx, tc, memoryID, permissions.ActionRead)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return denialError(d)
		}
		return s.db.Feedback.Create(ctx, tx, fb)
	})
	if err != nil {
		return nil, err
	}
	return fb, nil
}

// denialError maps a permission denial to the external error contract:
// cross-tenant and missing rows read as 404 so existence never leaks,
// everything else is 403.
func denialError(d permissions.Decision) error {
	switch d.Method {
	case permissions.MethodNotFound, permissions.MethodOrgIsolation:
		return apierror.ErrNotFound
	default:
		return fmt.Errorf("%s: %w", d.Reason, apierror.ErrForbidden)
	}
}

// diffFields records old→new values for changed fields.
func diffFields(old, updated *store.Memory) map[string]any {
	diff := map[string]any{}
	if old.Title != updated.Title {
		diff["title"] = map[string]any{"old": old.Title, "new": updated.Title}
	}
	if old.Scope != updated.Scope {
		diff["scope"] = map[string]any{"old": old.Scope, "new": updated.Scope}
	}
	if old.Classification != updated.Classification {
		diff["classification"] = map[string]any{"old": old.Classification, "new": updated.Classification}
	}
	if old.ContentPreview != updated.ContentPreview {
		diff["content"] = map[string]any{"old_hash": old.ContentHash, "new_hash": updated.ContentHash}
	}
	if !strings.EqualFold(strings.Join(old.Tags, ","), strings.Join(updated.Tags, ",")) {
		diff["tags"] = map[string]any{"old": old.Tags, "new": updated.Tags}
	}
	return diff
}
