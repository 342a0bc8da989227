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

// Package export renders a tenant's memories as a schema-versioned JSON
// document, per-memory Markdown, or a ZIP bundling both. Only memories
// the caller can read are included.
package export

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// SchemaVersion identifies the export document layout.
const SchemaVersion = "1"

// Formats accepted by Write.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatZip      = "zip"
)

// Document is the top-level export payload.
type Document struct {
	SchemaVersion  string    `json:"schema_version"`
	OrganizationID string    `json:"organization_id"`
	ExportedAt     time.Time `json:"exported_at"`
	Memories       []Item    `json:"memories"`
}

// Item is one exported memory.
type Item struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	ContentPreview string              `json:"content_preview"`
	MemoryType     string              `json:"memory_type"`
	Scope          string              `json:"scope"`
	Classification string              `json:"classification"`
	Tags           []string            `json:"tags,omitempty"`
	Entities       map[string][]string `json:"entities,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Exporter builds export documents under the permission kernel.
type Exporter struct {
	db          *store.DB
	kernel      *permissions.Kernel
	maxMemories int
	now         func() time.Time
}

func New(db *store.DB, kernel *permissions.Kernel, cfg config.ExportConfig) *Exporter {
	max := cfg.MaxMemories
	if max <= 0 {
		max = 10000
	}
	return &Exporter{db: db, kernel: kernel, maxMemories: max, now: time.Now}
}

// BuildDocument lists the tenant's memories, drops the ones the caller
// cannot read, and assembles the document. The configured export cap
// bounds the listing regardless of the caller's limit.
func (e *Exporter) BuildDocument(ctx context.Context, tc *tenant.Context, f store.MemoryFilter) (*Document, error) {
	if f.Limit <= 0 || f.Limit > e.maxMemories {
		f.Limit = e.maxMemories
	}
	doc := &Document{
		SchemaVersion:  SchemaVersion,
		OrganizationID: tc.OrganizationID,
		ExportedAt:     e.now().UTC(),
		Memories:       []Item{},
	}
	err := e.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		memories, err := e.db.Memories.List(ctx, tx, f)
		if err != nil {
			return err
		}
		if len(memories) == 0 {
			return nil
		}
		ids := make([]string, len(memories))
		for i, m := range memories {
			ids[i] = m.ID
		}
		allowed, err := e.kernel.FilterMemoryIDs(ctx, tx, tc, ids, permissions.ActionRead)
		if err != nil {
			return err
		}
		readable := make(map[string]bool, len(allowed))
		for _, id := range allowed {
			readable[id] = true
		}
		for _, m := range memories {
			if readable[m.ID] {
				doc.Memories = append(doc.Memories, toItem(m))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Write renders the document in the requested format.
func (e *Exporter) Write(w io.Writer, doc *Document, format string) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, doc)
	case FormatMarkdown:
		return WriteMarkdown(w, doc)
	case FormatZip:
		return WriteZip(w, doc)
	}
	return fmt.Errorf("unknown export format %q: %w", format, apierror.ErrValidation)
}

// WriteJSON emits the document as indented JSON.
func WriteJSON(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteMarkdown emits every memory as one concatenated Markdown stream.
func WriteMarkdown(w io.Writer, doc *Document) error {
	for i, m := range doc.Memories {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, RenderMarkdown(m)); err != nil {
			return err
		}
	}
	return nil
}

// RenderMarkdown renders one memory in a Logseq-compatible shape:
// properties block first, then the preview.
func RenderMarkdown(m Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", m.Title)
	fmt.Fprintf(&sb, "- id:: %s\n", m.ID)
	fmt.Fprintf(&sb, "- type:: %s\n", m.MemoryType)
	fmt.Fprintf(&sb, "- scope:: %s\n", m.Scope)
	fmt.Fprintf(&sb, "- classification:: %s\n", m.Classification)
	if len(m.Tags) > 0 {
		fmt.Fprintf(&sb, "- tags:: %s\n", strings.Join(m.Tags, ", "))
	}
	if len(m.Entities) > 0 {
		kinds := make([]string, 0, len(m.Entities))
		for k := range m.Entities {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&sb, "- %s:: %s\n", k, strings.Join(m.Entities[k], ", "))
		}
	}
	fmt.Fprintf(&sb, "- created:: %s\n", m.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "\n%s\n", m.ContentPreview)
	return sb.String()
}

// WriteZip bundles the JSON manifest with one Markdown file per memory
// under memories/<id>.md.
func WriteZip(w io.Writer, doc *Document) error {
	zw := zip.NewWriter(w)

	manifest, err := zw.Create("manifest.json")
	if err != nil {
		return err
	}
	if err := WriteJSON(manifest, doc); err != nil {
		return err
	}
	for _, m := range doc.Memories {
		f, err := zw.Create("memories/" + m.ID + ".md")
		if err != nil {
			return err
		}
		if _, err := io.WriteString(f, RenderMarkdown(m)); err != nil {
			return err
		}
	}
	return zw.Close()
}

func toItem(m *store.Memory) Item {
	return Item{
		ID:             m.ID,
		Title:          m.Title,
		ContentPreview: m.ContentPreview,
		MemoryType:     m.MemoryType,
		Scope:          m.Scope,
		Classification: m.Classification,
		Tags:           m.Tags,
		Entities:       m.Entities,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
