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

package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEdgeWeight(t *testing.T) {
	// weight = 1 - exp(-lambda * count), saturating toward 1
	assert.Equal(t, 0.0, EdgeWeight(0.1, 0))
	assert.InDelta(t, 0.0952, EdgeWeight(0.1, 1), 0.0001)
	assert.InDelta(t, 0.3935, EdgeWeight(0.1, 5), 0.0001)
	assert.InDelta(t, 0.6321, EdgeWeight(0.1, 10), 0.0001)

	// monotonic in count
	prev := -1.0
	for c := 0; c < 200; c += 7 {
		w := EdgeWeight(0.1, c)
		assert.Greater(t, w, prev)
		assert.Less(t, w, 1.0+1e-12)
		prev = w
	}

	// never quite reaches 1
	assert.Less(t, EdgeWeight(0.1, 10000), 1.0)
	assert.InDelta(t, 1.0, EdgeWeight(0.1, 10000), 1e-9)
	assert.False(t, math.IsNaN(EdgeWeight(0.1, 1<<30)))
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("beta", "alpha")
	assert.Equal(t, "alpha", a)
	assert.Equal(t, "beta", b)

	a, b = CanonicalPair("alpha", "beta")
	assert.Equal(t, "alpha", a)
	assert.Equal(t, "beta", b)
}
