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

// Package vector is the similarity index collaborator. One collection
// holds every memory vector; rows are partitioned by organization_id in
// the payload and every search carries an org filter. The index's
// internal algorithm is out of scope; only this surface matters.
package vector

import (
	"context"
	"time"

	"github.com/memoros-io/memoros/pkg/store"
)

// Result is one similarity hit.
type Result struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Provider is the index surface the retrieval engine and memory store
// depend on.
type Provider interface {
	Name() string

	// EnsureCollection creates the collection if absent.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert writes one vector with its payload.
	Upsert(ctx context.Context, id string, vec []float32, payload map[string]any) error

	// Search returns the topK nearest vectors matching the payload filter.
	Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes one vector.
	Delete(ctx context.Context, id string) error

	Close() error
}

// Payload builds the index payload for a memory. team_id is denormalized
// for team-scoped rows so the index-side filter can match it directly.
func Payload(m *store.Memory) map[string]any {
	p := map[string]any{
		"memory_id":       m.ID,
		"organization_id": m.OrganizationID,
		"owner_id":        m.OwnerUserID,
		"scope":           m.Scope,
		"tags":            m.Tags,
		"classification":  m.Classification,
		"memory_type":     m.MemoryType,
		"created_at":      m.CreatedAt.Format(time.RFC3339),
	}
	if m.ScopeID != nil {
		p["scope_id"] = *m.ScopeID
		if m.Scope == store.ScopeTeam {
			p["team_id"] = *m.ScopeID
		}
	}
	return p
}

// OrgFilter is the mandatory isolation filter on every search.
func OrgFilter(orgID string) map[string]any {
	return map[string]any{"organization_id": orgID}
}

// Disabled is the no-op provider used when the index is not configured;
// search degrades to lexical-only.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) EnsureCollection(context.Context, int) error { return nil }

func (Disabled) Upsert(context.Context, string, []float32, map[string]any) error { return nil }

func (Disabled) Search(context.Context, []float32, int, map[string]any) ([]Result, error) {
	return nil, nil
}

func (Disabled) Delete(context.Context, string) error { return nil }

func (Disabled) Close() error { return nil }

var _ Provider = Disabled{}
