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

package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// HashEmbedder derives a deterministic unit vector from token hashes.
// Identical text always embeds identically and token overlap produces
// cosine similarity, which is enough signal for tests and local
// development without a model server.
type HashEmbedder struct {
	model     string
	dimension int
}

// NewHashEmbedder builds a hash embedder of the given dimension.
func NewHashEmbedder(model string, dimension int) *HashEmbedder {
	return &HashEmbedder{model: model, dimension: dimension}
}

// Embed hashes each whitespace token into dimension buckets and
// normalizes the result to unit length.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		// four buckets per token spread the mass a little
		for i := 0; i < 4; i++ {
			idx := binary.BigEndian.Uint32(sum[i*8:]) % uint32(e.dimension)
			sign := float32(1)
			if sum[i*8+4]&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (e *HashEmbedder) Dimension() int { return e.dimension }

func (e *HashEmbedder) Model() string { return e.model }

func (e *HashEmbedder) Close() error { return nil }

var _ Embedder = (*HashEmbedder)(nil)
