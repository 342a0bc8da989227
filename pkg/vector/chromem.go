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

package vector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/memoros-io/memoros/pkg/logger"
)

// ChromemProvider stores vectors embedded in-process with chromem-go.
// Single-process and memory-bound; meant for development and tests, not
// multi-instance deployments.
type ChromemProvider struct {
	db          *chromem.DB
	collection  string
	persistPath string

	mu  sync.Mutex
	col *chromem.Collection
}

// NewChromemProvider opens (or creates) an embedded index. path is a
// directory for gob persistence; empty keeps everything in memory.
func NewChromemProvider(path, collection string) (*ChromemProvider, error) {
	var db *chromem.DB
	if path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := path + "/vectors.gob"
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				logger.GetLogger().Warn("failed to load vector database, starting fresh",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemProvider{db: db, collection: collection, persistPath: path}, nil
}

func (p *ChromemProvider) Name() string { return "chromem" }

func (p *ChromemProvider) getCollection() (*chromem.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.col != nil {
		return p.col, nil
	}
	// Vectors arrive pre-computed; the embedding func must never run.
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chromem asked to embed; vectors are pre-computed")
	}
	col, err := p.db.GetOrCreateCollection(p.collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", p.collection, err)
	}
	p.col = col
	return col, nil
}

// EnsureCollection opens the collection; chromem creates it implicitly.
func (p *ChromemProvider) EnsureCollection(ctx context.Context, dimension int) error {
	_, err := p.getCollection()
	return err
}

// Upsert writes one document with a pre-computed embedding.
func (p *ChromemProvider) Upsert(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	col, err := p.getCollection()
	if err != nil {
		return err
	}
	// chromem metadata is string-valued
	meta := make(map[string]string, len(payload))
	for k, v := range payload {
		meta[k] = fmt.Sprint(v)
	}
	doc := chromem.Document{ID: id, Metadata: meta, Embedding: vec}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	p.persist()
	return nil
}

// Search runs a filtered similarity query over the embedded index.
func (p *ChromemProvider) Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := p.getCollection()
	if err != nil {
		return nil, err
	}
	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}
	hits, err := col.QueryEmbedding(ctx, vec, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query embedding: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		payload := make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			payload[k] = v
		}
		out = append(out, Result{ID: h.ID, Score: h.Similarity, Payload: payload})
	}
	return out, nil
}

// Delete removes one document.
func (p *ChromemProvider) Delete(ctx context.Context, id string) error {
	col, err := p.getCollection()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	p.persist()
	return nil
}

// Close flushes to disk when persistence is enabled.
func (p *ChromemProvider) Close() error {
	if p.persistPath == "" {
		return nil
	}
	if err := p.db.Export(p.persistPath+"/vectors.gob", false, ""); err != nil {
		return fmt.Errorf("failed to persist vector database: %w", err)
	}
	return nil
}

func (p *ChromemProvider) persist() {
	if p.persistPath == "" {
		return
	}
	if err := p.db.Export(p.persistPath+"/vectors.gob", false, ""); err != nil {
		logger.GetLogger().Warn("failed to persist vector database", "error", err)
	}
}

var _ Provider = (*ChromemProvider)(nil)
