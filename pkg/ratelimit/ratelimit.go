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

// Package ratelimit enforces the per-user request quota and the per-org
// task quotas. Counters live in Redis so limits hold across instances;
// with the cache down each instance counts locally, which is looser but
// never blocks traffic on an outage. Over-quota requests get 429;
// over-quota task enqueues land as blocked(reason=quota) instead of
// entering the main queue.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// Result of one quota check.
type Result struct {
	Allowed   bool
	Limit     int
	Current   int64
	RetryAfter time.Duration
}

// Limiter runs windowed counters over the configured quotas.
type Limiter struct {
	cfg   config.RateLimitConfig
	cache *cache.Client
	now   func() time.Time

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	bucket int64
	count  int64
}

// New builds a limiter. cache may be nil; counting then stays local.
func New(cfg config.RateLimitConfig, c *cache.Client) *Limiter {
	return &Limiter{cfg: cfg, cache: c, now: time.Now, local: map[string]*localWindow{}}
}

// CheckRequest applies the per-user requests-per-minute quota.
func (l *Limiter) CheckRequest(ctx context.Context, userID string) Result {
	if !l.cfg.IsEnabled() || l.cfg.RequestsPerMinute <= 0 {
		return Result{Allowed: true}
	}
	return l.check(ctx, "rl:req:"+userID, 1, int64(l.cfg.RequestsPerMinute), time.Minute)
}

// CheckTaskEnqueue applies the per-org task-count and token quotas. The
// token budget is consumed by estimated_tokens at enqueue time.
func (l *Limiter) CheckTaskEnqueue(ctx context.Context, orgID string, estimatedTokens int) Result {
	if !l.cfg.IsEnabled() {
		return Result{Allowed: true}
	}
	if l.cfg.OrgTasksPerHour > 0 {
		r := l.check(ctx, "rl:tasks:"+orgID, 1, int64(l.cfg.OrgTasksPerHour), time.Hour)
		if !r.Allowed {
			return r
		}
	}
	if l.cfg.OrgTokensPerHour > 0 && estimatedTokens > 0 {
		r := l.check(ctx, "rl:tokens:"+orgID, int64(estimatedTokens), int64(l.cfg.OrgTokensPerHour), time.Hour)
		if !r.Allowed {
			return r
		}
	}
	return Result{Allowed: true}
}

func (l *Limiter) check(ctx context.Context, key string, delta, limit int64, window time.Duration) Result {
	count, ok := l.cache.IncrWindowBy(ctx, l.windowKey(key, window), delta, window)
	if !ok {
		count = l.incrLocal(key, delta, window)
	}
	if count > limit {
		return Result{
			Allowed:    false,
			Limit:      int(limit),
			Current:    count,
			RetryAfter: l.untilNextWindow(window),
		}
	}
	return Result{Allowed: true, Limit: int(limit), Current: count}
}

// windowKey buckets a key by window index so counters reset without
// cleanup work.
func (l *Limiter) windowKey(key string, window time.Duration) string {
	return fmt.Sprintf("%s:%d", key, l.now().UnixNano()/int64(window))
}

func (l *Limiter) untilNextWindow(window time.Duration) time.Duration {
	elapsed := time.Duration(l.now().UnixNano() % int64(window))
	return window - elapsed
}

func (l *Limiter) incrLocal(key string, delta int64, window time.Duration) int64 {
	bucket := l.now().UnixNano() / int64(window)
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.local[key]
	if w == nil || w.bucket != bucket {
		w = &localWindow{bucket: bucket}
		l.local[key] = w
	}
	w.count += delta
	return w.count
}

// Middleware applies the per-user request quota to authenticated routes.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc := tenant.FromContext(r.Context())
			if tc == nil || tc.System {
				next.ServeHTTP(w, r)
				return
			}
			res := l.CheckRequest(r.Context(), tc.UserID)
			if !res.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())+1))
				apierror.WriteError(w, r, fmt.Errorf(
					"request quota of %d per minute exhausted: %w",
					res.Limit, apierror.ErrQuotaExceeded))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
