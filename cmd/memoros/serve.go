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

package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoros-io/memoros/pkg/agents"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/auth"
	"github.com/memoros-io/memoros/pkg/cache"
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
	"github.com/memoros-io/memoros/pkg/server"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/vector"
	"github.com/memoros-io/memoros/pkg/webhook"

	embpkg "github.com/memoros-io/memoros/pkg/embedder"
)

// ServeCmd starts the API server with embedded pipeline workers.
type ServeCmd struct {
	Port      int  `help:"Override the configured listen port."`
	NoWorkers bool `name:"no-workers" help:"Serve the API without the embedded worker pool."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, closeCfg, err := loadConfig(context.Background(), cli)
	if err != nil {
		return err
	}
	defer closeCfg()
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := initLogging(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Server.Start(ctx)
	})
	if !c.NoWorkers {
		g.Go(func() error {
			return app.Scheduler.Run(ctx)
		})
		cron, err := app.Workers.StartNightly(ctx)
		if err != nil {
			return err
		}
		defer cron.Stop()
	}
	return g.Wait()
}

// WorkerCmd runs the pipeline workers and the nightly cycle without the
// API server.
type WorkerCmd struct{}

func (c *WorkerCmd) Run(cli *CLI) error {
	cfg, closeCfg, err := loadConfig(context.Background(), cli)
	if err != nil {
		return err
	}
	defer closeCfg()

	cleanup, err := initLogging(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	cron, err := app.Workers.StartNightly(ctx)
	if err != nil {
		return err
	}
	defer cron.Stop()

	return app.Scheduler.Run(ctx)
}

// App holds the wired service graph and the handles that need closing.
type App struct {
	Server    *server.Server
	Scheduler *scheduler.Service
	Workers   *maintenance.Workers

	db      *store.DB
	cache   *cache.Client
	vectors vector.Provider
	obs     *observability.Manager
}

// buildApp wires the whole service graph from configuration. Collaborator
// order matters: stores first, then the kernel and scheduler, then
// everything that registers task handlers.
func buildApp(ctx context.Context, cfg *config.Config) (*App, error) {
	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("observability init failed: %w", err)
	}
	metrics := obs.Metrics()
	tracer := obs.Tracer("memoros")

	db, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	c, err := cache.Open(ctx, cfg.Redis)
	if err != nil {
		// The cache tier is an accelerator; run degraded rather than
		// refuse to start.
		logger.GetLogger().Warn("cache unavailable, continuing without it", "error", err)
		c = nil
	}

	vec, err := vector.New(cfg.Vector)
	if err != nil {
		return nil, err
	}
	vectors := vector.WithBreaker(vec, cfg.Vector.BreakerMaxFailures, cfg.Vector.BreakerOpenInterval)

	emb, err := embpkg.New(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	if err := vectors.EnsureCollection(ctx, emb.Dimension()); err != nil {
		logger.GetLogger().Warn("vector collection check failed", "error", err)
	}

	rec := audit.NewRecorder(db.Audit)
	kernel := permissions.New(db, c, rec, metrics, 0)
	limiter := ratelimit.New(cfg.RateLimits, c)
	sched := scheduler.New(db, cfg.Scheduler, limiter, metrics, rec)

	var hook *webhook.Dispatcher
	if cfg.Webhooks.IsEnabled() {
		hook = webhook.New(db, cfg.Webhooks)
		sched.SetEventSink(hook)
	}

	var sink rollout.EventSink
	if hook != nil {
		sink = hook
	}
	rolloutMgr, err := rollout.New(db, rec, sink, cfg.Rollout)
	if err != nil {
		return nil, err
	}

	var llm agents.LLMProvider
	if cfg.Agents.Strategy == "llm" {
		llm = agents.NewOllamaProvider(cfg.Agents.LLMURL, cfg.Agents.Model)
	}
	runner := agents.NewRunner(db, c, metrics, cfg.Agents)
	if err := runner.RegisterDefaults(llm); err != nil {
		return nil, err
	}

	workers := maintenance.New(db, c, vectors, runner, rec, cfg.Workers, cfg.Agents)
	if err := workers.RegisterHandlers(sched); err != nil {
		return nil, err
	}
	if err := goalgraph.NewProposer(db, llm).RegisterHandler(sched); err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokens(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}
	authSvc, err := auth.NewService(ctx, db, tokens, c, cfg.Auth)
	if err != nil {
		return nil, err
	}

	srv := server.New(server.Deps{
		Config:   cfg.Server,
		DB:       db,
		Tokens:   tokens,
		Auth:     authSvc,
		Kernel:   kernel,
		Memories: memories.New(db, kernel, vectors, emb, c, sched, rec, cfg.Agents),
		Search:   retrieval.New(db, kernel, vectors, emb, sched, metrics, cfg.Search),
		Goals:    goalgraph.New(db, kernel, rec),
		Tasks:    sched,
		Rollout:  rolloutMgr,
		Exporter: export.New(db, kernel, cfg.Export),
		Workers:  workers,
		Limiter:  limiter,
		Audit:    rec,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	return &App{
		Server:    srv,
		Scheduler: sched,
		Workers:   workers,
		db:        db,
		cache:     c,
		vectors:   vectors,
		obs:       obs,
	}, nil
}

// Close releases connections in reverse dependency order.
func (a *App) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.obs != nil {
		_ = a.obs.Shutdown(shutdownCtx)
	}
}
