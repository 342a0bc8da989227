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

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/tenant"
)

func testLimiter(t *testing.T, cfg config.RateLimitConfig) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(cfg, c)
}

func TestCheckRequestQuota(t *testing.T) {
	cfg := config.RateLimitConfig{RequestsPerMinute: 3}
	cfg.SetDefaults()
	cfg.RequestsPerMinute = 3
	l := testLimiter(t, cfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res := l.CheckRequest(ctx, "user-1")
		assert.True(t, res.Allowed, "request %d within quota", i+1)
	}
	res := l.CheckRequest(ctx, "user-1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// A different user has their own window.
	assert.True(t, l.CheckRequest(ctx, "user-2").Allowed)
}

func TestCheckTaskEnqueueTokens(t *testing.T) {
	cfg := config.RateLimitConfig{OrgTasksPerHour: 100, OrgTokensPerHour: 1000}
	cfg.SetDefaults()
	cfg.OrgTokensPerHour = 1000
	l := testLimiter(t, cfg)

	ctx := context.Background()
	assert.True(t, l.CheckTaskEnqueue(ctx, "org-1", 600).Allowed)
	res := l.CheckTaskEnqueue(ctx, "org-1", 600)
	assert.False(t, res.Allowed, "second enqueue exceeds the token budget")
	// Counted tasks do not bleed into another org.
	assert.True(t, l.CheckTaskEnqueue(ctx, "org-2", 600).Allowed)
}

func TestLocalFallbackWithoutCache(t *testing.T) {
	cfg := config.RateLimitConfig{RequestsPerMinute: 2}
	cfg.SetDefaults()
	cfg.RequestsPerMinute = 2
	l := New(cfg, nil)

	ctx := context.Background()
	assert.True(t, l.CheckRequest(ctx, "u").Allowed)
	assert.True(t, l.CheckRequest(ctx, "u").Allowed)
	assert.False(t, l.CheckRequest(ctx, "u").Allowed)
}

func TestMiddleware(t *testing.T) {
	cfg := config.RateLimitConfig{RequestsPerMinute: 1}
	cfg.SetDefaults()
	cfg.RequestsPerMinute = 1
	l := testLimiter(t, cfg)

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	tc := &tenant.Context{UserID: "u", OrganizationID: "o"}

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(tenant.WithContext(req.Context(), tc)))
		return rec.Code
	}
	require.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}
