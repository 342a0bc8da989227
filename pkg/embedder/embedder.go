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

// Package embedder turns memory text into vectors. The embedding model
// itself is an external collaborator; this package carries the contract,
// an HTTP client for a real service, and a deterministic hash embedder
// for development and tests.
package embedder

import (
	"context"
	"fmt"

	"github.com/memoros-io/memoros/pkg/config"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts one text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension of produced vectors.
	Dimension() int

	// Model name, recorded on each memory as embedding_model.
	Model() string

	Close() error
}

// New builds the configured embedder.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "hash":
		return NewHashEmbedder(cfg.Model, cfg.Dimension), nil
	case "http":
		return NewHTTPEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}
