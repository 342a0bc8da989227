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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder("hash-v1", 256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "postgres connection pool exhausted")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "postgres connection pool exhausted")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 256)
}

func TestHashEmbedderUnitNorm(t *testing.T) {
	e := NewHashEmbedder("hash-v1", 128)
	v, err := e.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dot(v, v), 1e-5)

	// empty text still yields a valid unit vector
	v, err = e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dot(v, v), 1e-5)
}

func TestHashEmbedderOverlapSimilarity(t *testing.T) {
	e := NewHashEmbedder("hash-v1", 512)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "redis cache eviction policy tuning")
	near, _ := e.Embed(ctx, "redis cache eviction latency")
	far, _ := e.Embed(ctx, "quarterly marketing budget review")

	assert.Greater(t, dot(base, near), dot(base, far))
}
