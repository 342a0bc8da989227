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

// Package scheduler is the SLA-ordered durable task queue. Tasks enter
// queued (or blocked, when over quota or waiting on a dependency), workers
// claim them with SKIP LOCKED in SLA order, failures retry with
// exponential backoff until max_attempts and then quarantine in the
// dead-letter table.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/memoros-io/memoros/pkg/apierror"
	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/observability"
	"github.com/memoros-io/memoros/pkg/ratelimit"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// Well-known task types.
const (
	TaskAccessUpdate       = "access_update"
	TaskCoactivationUpdate = "coactivation_update"
	TaskAgentRun           = "agent_run"
	TaskGoalProposal       = "goal_proposal"
)

// SLA categories, derived from task type when the enqueue does not name
// one.
const (
	SLARealtime   = "realtime"
	SLAStandard   = "standard"
	SLABackground = "background"
)

// Handler executes one claimed task. A returned error counts as an
// execution failure and triggers the retry policy.
type Handler func(ctx context.Context, tc *tenant.Context, task *store.PipelineTask) error

// EventSink receives task lifecycle events after they commit. The
// outbound webhook dispatcher implements it; nil disables notification.
type EventSink interface {
	Emit(ctx context.Context, tc *tenant.Context, event string, payload map[string]any)
}

// EnqueueRequest describes one task to enqueue.
type EnqueueRequest struct {
	TaskType           string
	Priority           int
	SLADeadline        time.Time
	SLACategory        string
	EstimatedTokens    int
	EstimatedLatencyMS int
	// EstimateText, when set and EstimatedTokens is zero, is token-counted
	// with tiktoken to fill estimated_tokens.
	EstimateText   string
	BlocksOnTaskID *string
	MaxAttempts    int
	Metadata       map[string]any
}

// Service is the queue facade: enqueue with quota gating, lifecycle
// transitions, stats. The worker pool lives in worker.go.
type Service struct {
	db      *store.DB
	cfg     config.SchedulerConfig
	limiter *ratelimit.Limiter
	metrics *observability.Metrics
	rec     *audit.Recorder
	sink    EventSink
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
}

// New builds the scheduler service. limiter, metrics and rec may be nil.
func New(db *store.DB, cfg config.SchedulerConfig, limiter *ratelimit.Limiter, metrics *observability.Metrics, rec *audit.Recorder) *Service {
	return &Service{
		db:       db,
		cfg:      cfg,
		limiter:  limiter,
		metrics:  metrics,
		rec:      rec,
		now:      time.Now,
		handlers: map[string]Handler{},
	}
}

// SetEventSink installs the lifecycle event sink, called once at wiring
// time before workers start.
func (s *Service) SetEventSink(sink EventSink) {
	s.sink = sink
}

func (s *Service) emit(ctx context.Context, tc *tenant.Context, event string, task *store.PipelineTask) {
	if s.sink == nil || task == nil {
		return
	}
	s.sink.Emit(ctx, tc, event, map[string]any{
		"task_id":   task.ID,
		"task_type": task.TaskType,
		"status":    task.Status,
	})
}

// RegisterHandler binds a task type to its executor. Double registration
// is a wiring bug and fails loud.
func (s *Service) RegisterHandler(taskType string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[taskType]; exists {
		return fmt.Errorf("handler for task type %q already registered", taskType)
	}
	s.handlers[taskType] = h
	return nil
}

func (s *Service) handler(taskType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Enabled reports whether the queue accepts work.
func (s *Service) Enabled() bool {
	return s.cfg.IsEnabled()
}

// Enqueue inserts a task. Over-quota tasks are parked as
// blocked(reason=quota) so the main queue's ordering never starves other
// tenants. With the queue disabled this is a silent no-op returning nil.
func (s *Service) Enqueue(ctx context.Context, tc *tenant.Context, req EnqueueRequest) (*store.PipelineTask, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if req.TaskType == "" {
		return nil, fmt.Errorf("task_type is required: %w", apierror.ErrValidation)
	}

	task := &store.PipelineTask{
		OrganizationID:     tc.OrganizationID,
		TaskType:           req.TaskType,
		Status:             store.TaskQueued,
		Priority:           req.Priority,
		SLADeadline:        req.SLADeadline,
		SLACategory:        req.SLACategory,
		EstimatedTokens:    req.EstimatedTokens,
		EstimatedLatencyMS: req.EstimatedLatencyMS,
		BlocksOnTaskID:     req.BlocksOnTaskID,
		MaxAttempts:        req.MaxAttempts,
		Metadata:           req.Metadata,
		TraceID:            tc.TraceID,
	}
	if task.SLADeadline.IsZero() {
		task.SLADeadline = s.now().Add(s.slaWindow(req.TaskType))
	}
	if task.SLACategory == "" {
		task.SLACategory = deriveSLACategory(req.TaskType)
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	if task.EstimatedTokens == 0 && req.EstimateText != "" {
		task.EstimatedTokens = s.estimateTokens(req.EstimateText)
	}
	if req.BlocksOnTaskID != nil {
		task.Status = store.TaskBlocked
		task.BlockedReason = "dependency"
	} else if s.limiter != nil {
		if res := s.limiter.CheckTaskEnqueue(ctx, tc.OrganizationID, task.EstimatedTokens); !res.Allowed {
			task.Status = store.TaskBlocked
			task.BlockedReason = "quota"
			task.BlockedByQuota = true
		}
	}

	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		return s.db.Tasks.Insert(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordTaskEnqueued(ctx, task.TaskType)
	}
	s.emit(ctx, tc, "task.enqueued", task)
	return task, nil
}

// EnqueueAsync fires an enqueue on a background goroutine and swallows
// failures. The retrieval path's async tails use it; a dead queue must
// never fail a request.
func (s *Service) EnqueueAsync(tc *tenant.Context, req EnqueueRequest) {
	if !s.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.Enqueue(ctx, tc, req); err != nil {
			logger.GetLogger().Warn("async enqueue dropped",
				"task_type", req.TaskType, "org_id", tc.OrganizationID, "error", err)
		}
	}()
}

// slaWindow returns the deadline window for a task type.
func (s *Service) slaWindow(taskType string) time.Duration {
	if w, ok := s.cfg.SLADefaults[taskType]; ok {
		return w
	}
	return time.Hour
}

func deriveSLACategory(taskType string) string {
	switch taskType {
	case TaskAccessUpdate, TaskCoactivationUpdate:
		return SLABackground
	case TaskGoalProposal:
		return SLABackground
	case TaskAgentRun:
		return SLAStandard
	default:
		return SLAStandard
	}
}

// estimateTokens counts tokens with the cl100k_base encoding; a missing
// encoding falls back to a bytes/4 heuristic.
func (s *Service) estimateTokens(text string) int {
	s.encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.GetLogger().Warn("tiktoken encoding unavailable", "error", err)
			return
		}
		s.encoding = enc
	})
	if s.encoding == nil {
		return len(text) / 4
	}
	return len(s.encoding.Encode(text, nil, nil))
}

// Dequeue claims the next task for the caller's org in SLA order, or nil
// when the queue is empty.
func (s *Service) Dequeue(ctx context.Context, tc *tenant.Context) (*store.PipelineTask, error) {
	var task *store.PipelineTask
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		task, err = s.db.Tasks.Claim(ctx, tx, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// MarkSucceeded finishes a task and requeues anything blocked on it.
func (s *Service) MarkSucceeded(ctx context.Context, tc *tenant.Context, id string, actualTokens, durationMS int) error {
	return s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		if err := s.db.Tasks.MarkSucceeded(ctx, tx, id, actualTokens, durationMS); err != nil {
			return err
		}
		if _, err := s.db.Tasks.UnblockDependents(ctx, tx, id); err != nil {
			return err
		}
		return nil
	})
}

// MarkFailed applies the retry policy and returns the resulting status
// (queued for a retry, failed for exhaustion).
func (s *Service) MarkFailed(ctx context.Context, tc *tenant.Context, id, errMsg string) (string, error) {
	var status string
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		status, err = s.db.Tasks.MarkFailed(ctx, tx, id, errMsg)
		return err
	})
	return status, err
}

// Cancel aborts a queued, blocked or running task.
func (s *Service) Cancel(ctx context.Context, tc *tenant.Context, id string) error {
	return s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		if err := s.db.Tasks.Cancel(ctx, tx, id); err != nil {
			return err
		}
		if s.rec != nil {
			s.rec.Record(ctx, tx, tc, audit.Event{
				Action: "pipeline.cancel", ResourceType: "pipeline_task",
				ResourceID: id, Outcome: audit.OutcomeOK,
			})
		}
		return nil
	})
}

// Retry requeues a failed task from scratch.
func (s *Service) Retry(ctx context.Context, tc *tenant.Context, id string) error {
	return s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		return s.db.Tasks.Retry(ctx, tx, id)
	})
}

// SetPriority changes a queued task's priority.
func (s *Service) SetPriority(ctx context.Context, tc *tenant.Context, id string, priority int) error {
	return s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		return s.db.Tasks.SetPriority(ctx, tx, id, priority)
	})
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, tc *tenant.Context, id string) (*store.PipelineTask, error) {
	var task *store.PipelineTask
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		task, err = s.db.Tasks.Get(ctx, tx, id)
		return err
	})
	return task, err
}

// List returns tasks matching the filter.
func (s *Service) List(ctx context.Context, tc *tenant.Context, f store.TaskFilter) ([]*store.PipelineTask, error) {
	var tasks []*store.PipelineTask
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		tasks, err = s.db.Tasks.List(ctx, tx, f)
		return err
	})
	return tasks, err
}

// Dependencies returns the chain of tasks a task waits on.
func (s *Service) Dependencies(ctx context.Context, tc *tenant.Context, id string) ([]*store.PipelineTask, error) {
	var deps []*store.PipelineTask
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		deps, err = s.db.Tasks.ListDependencies(ctx, tx, id)
		return err
	})
	return deps, err
}

// Stats returns the per-org aggregate snapshot.
func (s *Service) Stats(ctx context.Context, tc *tenant.Context) (*store.QueueStats, error) {
	var stats *store.QueueStats
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		stats, err = s.db.Tasks.Stats(ctx, tx, s.now())
		return err
	})
	return stats, err
}

// StatsHistory returns the hourly completion series for the trailing
// window.
func (s *Service) StatsHistory(ctx context.Context, tc *tenant.Context, window time.Duration) ([]store.HourlyBucket, error) {
	var buckets []store.HourlyBucket
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		buckets, err = s.db.Tasks.StatsHistory(ctx, tx, s.now().Add(-window))
		return err
	})
	return buckets, err
}

// DeadLetters returns quarantined tasks.
func (s *Service) DeadLetters(ctx context.Context, tc *tenant.Context, limit int) ([]*store.DeadLetterTask, error) {
	var dls []*store.DeadLetterTask
	err := s.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		dls, err = s.db.Tasks.ListDeadLetters(ctx, tx, limit)
		return err
	})
	return dls, err
}
