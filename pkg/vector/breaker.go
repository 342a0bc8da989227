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
	"time"

	"github.com/sony/gobreaker"

	"github.com/memoros-io/memoros/pkg/logger"
)

// BreakerProvider wraps a Provider with a circuit breaker. While the
// breaker is open, Search returns the breaker error immediately so the
// retrieval engine can degrade to lexical-only without waiting on a dead
// index.
type BreakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps p. maxFailures consecutive failures open the circuit
// for openInterval.
func WithBreaker(p Provider, maxFailures int, openInterval time.Duration) *BreakerProvider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vector-index",
		Timeout: openInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.GetLogger().Warn("vector index breaker state change",
				"from", from.String(), "to", to.String())
		},
	})
	return &BreakerProvider{inner: p, cb: cb}
}

func (b *BreakerProvider) Name() string { return b.inner.Name() }

func (b *BreakerProvider) EnsureCollection(ctx context.Context, dimension int) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.EnsureCollection(ctx, dimension)
	})
	return err
}

func (b *BreakerProvider) Upsert(ctx context.Context, id string, vec []float32, payload map[string]any) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Upsert(ctx, id, vec, payload)
	})
	return err
}

func (b *BreakerProvider) Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Search(ctx, vec, topK, filter)
	})
	if err != nil {
		return nil, err
	}
	results, _ := out.([]Result)
	return results, nil
}

func (b *BreakerProvider) Delete(ctx context.Context, id string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Delete(ctx, id)
	})
	return err
}

func (b *BreakerProvider) Close() error { return b.inner.Close() }

var _ Provider = (*BreakerProvider)(nil)
