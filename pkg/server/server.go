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

// Package server exposes the versioned HTTP API. Handlers stay thin:
// they decode, delegate to a service, and write the uniform response.
// Every error leaves through apierror.WriteError.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/auth"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/export"
	"github.com/memoros-io/memoros/pkg/goalgraph"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/maintenance"
	"github.com/memoros-io/memoros/pkg/memories"
	"github.com/memoros-io/memoros/pkg/observability"
	"github.com/memoros-io/memoros/pkg/permissions"
	"github.com/memoros-io/memoros/pkg/ratelimit"
	"github.com/memoros-io/memoros/pkg/retrieval"
	"github.com/memoros-io/memoros/pkg/rollout"
	"github.com/memoros-io/memoros/pkg/scheduler"
	"github.com/memoros-io/memoros/pkg/store"
)

// Deps carries every collaborator the HTTP layer talks to. Optional
// fields may be nil; their routes then return 503.
type Deps struct {
	Config   config.ServerConfig
	DB       *store.DB
	Tokens   *auth.Tokens
	Auth     *auth.Service
	Kernel   *permissions.Kernel
	Memories *memories.Service
	Search   *retrieval.Engine
	Goals    *goalgraph.Service
	Tasks    *scheduler.Service
	Rollout  *rollout.Manager
	Exporter *export.Exporter
	Workers  *maintenance.Workers
	Limiter  *ratelimit.Limiter
	Audit    *audit.Recorder
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
}

// Server is the memoros API server.
type Server struct {
	deps Deps
	http *http.Server
}

// New builds the server and its router.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		Handler:      s.Router(),
		ReadTimeout:  deps.Config.ReadTimeout,
		WriteTimeout: deps.Config.WriteTimeout,
	}
	return s
}

// Router assembles the middleware chain and the /api/v1 route tree.
// Health, metrics and the login flows are public; everything else runs
// behind bearer auth and the per-user rate limiter.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.deps.Config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.deps.Config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Justification"},
			AllowCredentials: true,
		}))
	}
	if s.deps.Metrics != nil {
		r.Use(observability.HTTPMiddleware(s.deps.Tracer, s.deps.Metrics))
	}
	if s.deps.Config.MaxBodyBytes > 0 {
		r.Use(bodyLimit(s.deps.Config.MaxBodyBytes))
	}

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/oidc/exchange", s.handleOIDCExchange)
			r.Post("/refresh", s.handleRefresh)

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware(s.deps.Tokens, s.deps.Auth))
				r.Get("/me", s.handleMe)
				r.Post("/switch-org", s.handleSwitchOrg)
				r.Post("/logout", s.handleLogout)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.deps.Tokens, s.deps.Auth))
			if s.deps.Limiter != nil {
				r.Use(ratelimit.Middleware(s.deps.Limiter))
			}

			r.Route("/memories", func(r chi.Router) {
				r.Post("/", s.handleMemoryCreate)
				r.Get("/", s.handleMemoryList)
				r.Post("/search", s.handleMemorySearch)
				r.Get("/export", s.handleMemoryExport)
				r.Get("/{id}", s.handleMemoryGet)
				r.Patch("/{id}", s.handleMemoryUpdate)
				r.Delete("/{id}", s.handleMemoryDelete)
				r.Post("/{id}/share", s.handleMemoryShare)
				r.Post("/{id}/relevance", s.handleMemoryRelevance)
			})

			r.Route("/memory-activation", func(r chi.Router) {
				r.Post("/retrieval-explanations", s.handleExplanationList)
				r.Get("/retrieval-explanations/{id}", s.handleExplanationGet)
			})

			r.Route("/coactivation", func(r chi.Router) {
				r.Get("/neighbors/{memory_id}", s.handleCoactivationNeighbors)
				r.Get("/neighbors/{memory_id}/details", s.handleCoactivationDetails)
			})

			r.Route("/goals", func(r chi.Router) {
				r.Post("/", s.handleGoalCreate)
				r.Get("/", s.handleGoalList)
				r.Get("/{id}", s.handleGoalGet)
				r.Put("/{id}/status", s.handleGoalSetStatus)
				r.Post("/{id}/nodes", s.handleGoalAddNode)
				r.Get("/{id}/nodes", s.handleGoalNodes)
				r.Put("/{id}/nodes/{node_id}/status", s.handleGoalNodeStatus)
				r.Post("/{id}/edges", s.handleGoalAddEdge)
				r.Post("/{id}/links", s.handleGoalLinkMemory)
				r.Get("/{id}/links", s.handleGoalLinks)
				r.Get("/{id}/progress", s.handleGoalProgress)
				r.Get("/{id}/blockers", s.handleGoalBlockers)
				r.Get("/{id}/activity", s.handleGoalActivity)
			})

			r.Route("/pipelines", func(r chi.Router) {
				r.Get("/", s.handleTaskList)
				r.Post("/", s.handleTaskEnqueue)
				r.Get("/stats", s.handleTaskStats)
				r.Get("/stats/history", s.handleTaskStatsHistory)
				r.Get("/dead-letters", s.handleTaskDeadLetters)
				r.Get("/export", s.handleTaskExport)
				r.Get("/{id}", s.handleTaskGet)
				r.Post("/{id}/cancel", s.handleTaskCancel)
				r.Post("/{id}/retry", s.handleTaskRetry)
				r.Put("/{id}/priority", s.handleTaskPriority)
				r.Get("/{id}/dependencies", s.handleTaskDependencies)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Post("/", s.handlePolicyCreate)
				r.Get("/", s.handlePolicyList)
				r.Get("/{id}", s.handlePolicyGet)
				r.Post("/{id}/canary", s.handlePolicyCanary)
				r.Post("/{id}/stage", s.handlePolicyStage)
				r.Post("/{id}/activate", s.handlePolicyActivate)
				r.Post("/{id}/rollback", s.handlePolicyRollback)
				r.Post("/{id}/evaluations", s.handlePolicyEvaluation)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole("admin", "owner"))
				r.Post("/roles", s.handleRoleCreate)
				r.Get("/roles", s.handleRoleList)
				r.Put("/roles/{id}/permissions", s.handleRolePermissions)
				r.Delete("/roles/{id}", s.handleRoleDelete)
				r.Put("/users/{id}/clearance", s.handleUserClearance)
				r.Put("/users/{id}/active", s.handleUserActive)
				r.Get("/settings", s.handleSettingsGet)
				r.Put("/settings", s.handleSettingsUpdate)
				r.Get("/audit-logs", s.handleAuditLogs)
				r.Get("/permissions/{memory_id}", s.handlePermissionsExplain)
				r.Get("/dashboard", s.handleDashboard)
				r.Post("/nightly-decay-refresh", s.handleNightlyRefresh)
				r.Post("/causal-hypotheses/refresh", s.handleHypothesesRefresh)
			})
		})
	})
	return r
}

// Start serves until ctx is cancelled, then drains connections within
// the configured grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.GetLogger().Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.deps.Config.ShutdownGrace)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
