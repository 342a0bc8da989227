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

package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// maxBackoff caps the per-task retry delay.
const maxBackoff = time.Minute

// Run starts the worker pool plus the reconciler and blocks until ctx is
// cancelled. Each worker claims tasks org by org under a system tenant
// context, so row-level security stays in force for background work.
func (s *Service) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return s.workerLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return s.reconcileLoop(ctx)
	})
	return g.Wait()
}

func (s *Service) workerLoop(ctx context.Context, worker int) error {
	log := logger.GetLogger().With("worker", worker)
	for {
		worked, err := s.runOnce(ctx)
		if err != nil {
			log.Error("worker pass failed", "error", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.PollInterval):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

// runOnce claims and executes at most one task per org. Returns whether
// any work was done.
func (s *Service) runOnce(ctx context.Context) (bool, error) {
	orgIDs, err := s.activeOrgs(ctx)
	if err != nil {
		return false, err
	}
	worked := false
	for _, orgID := range orgIDs {
		tc := tenant.NewSystem(orgID)
		task, err := s.Dequeue(ctx, tc)
		if err != nil {
			logger.GetLogger().Error("dequeue failed", "org_id", orgID, "error", err)
			continue
		}
		if task == nil {
			continue
		}
		worked = true
		s.execute(ctx, tc, task)
	}
	return worked, nil
}

func (s *Service) activeOrgs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = s.db.Orgs.ListActiveOrganizationIDs(ctx, tx)
		return err
	})
	return ids, err
}

// execute runs one claimed task under its soft timeout and applies the
// completion transition.
func (s *Service) execute(ctx context.Context, tc *tenant.Context, task *store.PipelineTask) {
	log := logger.GetLogger().With(
		"task_id", task.ID, "task_type", task.TaskType,
		"org_id", task.OrganizationID, "attempt", task.Attempts)

	handler, ok := s.handler(task.TaskType)
	if !ok {
		status, err := s.MarkFailed(ctx, tc, task.ID, fmt.Sprintf("no handler for task type %q", task.TaskType))
		if err != nil {
			log.Error("failed to fail unhandled task", "error", err)
		}
		log.Warn("no handler registered", "status", status)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout(task))
	start := s.now()
	err := runWithRecover(runCtx, tc, task, handler)
	cancel()
	duration := s.now().Sub(start)

	if s.metrics != nil {
		status := store.TaskSucceeded
		if err != nil {
			status = store.TaskFailed
		}
		s.metrics.RecordTaskCompleted(ctx, task.TaskType, status, duration)
	}

	if err == nil {
		if mErr := s.MarkSucceeded(ctx, tc, task.ID, task.EstimatedTokens, int(duration.Milliseconds())); mErr != nil {
			log.Error("failed to mark task succeeded", "error", mErr)
		}
		task.Status = store.TaskSucceeded
		s.emit(ctx, tc, "task.succeeded", task)
		return
	}

	msg := err.Error()
	if runCtx.Err() == context.DeadlineExceeded {
		msg = "timeout"
	}
	status, mErr := s.MarkFailed(ctx, tc, task.ID, msg)
	if mErr != nil {
		log.Error("failed to mark task failed", "error", mErr)
		return
	}
	log.Warn("task execution failed", "error", err, "status", status)
	task.Status = status
	s.emit(ctx, tc, "task.failed", task)
	if status == store.TaskQueued {
		// The row is already eligible again; pausing here is the retry
		// backoff, since SLA ordering would otherwise reclaim it
		// immediately.
		select {
		case <-ctx.Done():
		case <-time.After(s.backoff(task.Attempts)):
		}
	}
}

func runWithRecover(ctx context.Context, tc *tenant.Context, task *store.PipelineTask, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return h(ctx, tc, task)
}

// taskTimeout is 5x the estimated latency, never below the configured
// floor.
func (s *Service) taskTimeout(task *store.PipelineTask) time.Duration {
	t := time.Duration(task.EstimatedLatencyMS) * time.Millisecond * 5
	if t < s.cfg.MinTaskTimeout {
		t = s.cfg.MinTaskTimeout
	}
	return t
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoffBase
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// reconcileLoop periodically requeues quota-blocked tasks and reaps
// running tasks that outlived their soft timeout (a crashed worker never
// got to mark them).
func (s *Service) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.reconcile(ctx); err != nil {
				logger.GetLogger().Error("queue reconcile failed", "error", err)
			}
		}
	}
}

func (s *Service) reconcile(ctx context.Context) error {
	orgIDs, err := s.activeOrgs(ctx)
	if err != nil {
		return err
	}
	for _, orgID := range orgIDs {
		tc := tenant.NewSystem(orgID)
		err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
			if _, err := s.db.Tasks.UnblockQuota(ctx, tx, orgID, 100); err != nil {
				return err
			}
			stale, err := s.db.Tasks.ListRunningOlderThan(ctx, tx, s.now().Add(-s.cfg.MinTaskTimeout), 100)
			if err != nil {
				return err
			}
			for _, task := range stale {
				if task.StartedAt == nil || s.now().Before(task.StartedAt.Add(s.taskTimeout(task))) {
					continue
				}
				if _, err := s.db.Tasks.MarkFailed(ctx, tx, task.ID, "timeout"); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			logger.GetLogger().Error("org reconcile failed", "org_id", orgID, "error", err)
		}
	}
	return nil
}
