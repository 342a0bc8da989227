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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records memoros domain metrics through an OTel meter backed by the
// Prometheus exporter. A zero-value Metrics (disabled config) is a safe no-op.
type Metrics struct {
	enabled bool

	retrievalDuration metric.Float64Histogram
	retrievalResults  metric.Int64Histogram
	permissionChecks  metric.Int64Counter
	permissionDenials metric.Int64Counter
	tasksEnqueued     metric.Int64Counter
	tasksCompleted    metric.Int64Counter
	taskDuration      metric.Float64Histogram
	queueDepth        metric.Int64UpDownCounter
	agentRuns         metric.Int64Counter
	agentDuration     metric.Float64Histogram
	cacheAccess       metric.Int64Counter
	httpRequests      metric.Int64Counter
	httpDuration      metric.Float64Histogram
}

// InitMetrics creates the meter provider and all instruments. With disabled
// config it returns a no-op Metrics.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("memoros")

	m := &Metrics{enabled: true}

	if m.retrievalDuration, err = meter.Float64Histogram(
		"memoros_retrieval_duration_seconds",
		metric.WithDescription("Memory retrieval duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}

	if m.retrievalResults, err = meter.Int64Histogram(
		"memoros_retrieval_results",
		metric.WithDescription("Result count per retrieval"),
	); err != nil {
		return nil, fmt.Errorf("failed to create retrieval results histogram: %w", err)
	}

	if m.permissionChecks, err = meter.Int64Counter(
		"memoros_permission_checks_total",
		metric.WithDescription("Total permission kernel decisions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create permission checks counter: %w", err)
	}

	if m.permissionDenials, err = meter.Int64Counter(
		"memoros_permission_denials_total",
		metric.WithDescription("Total denied permission decisions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create permission denials counter: %w", err)
	}

	if m.tasksEnqueued, err = meter.Int64Counter(
		"memoros_tasks_enqueued_total",
		metric.WithDescription("Total pipeline tasks enqueued"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks enqueued counter: %w", err)
	}

	if m.tasksCompleted, err = meter.Int64Counter(
		"memoros_tasks_completed_total",
		metric.WithDescription("Total pipeline tasks completed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks completed counter: %w", err)
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"memoros_task_duration_seconds",
		metric.WithDescription("Pipeline task execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	if m.queueDepth, err = meter.Int64UpDownCounter(
		"memoros_queue_depth",
		metric.WithDescription("Queued pipeline tasks"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queue depth counter: %w", err)
	}

	if m.agentRuns, err = meter.Int64Counter(
		"memoros_agent_runs_total",
		metric.WithDescription("Total agent runs by status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent runs counter: %w", err)
	}

	if m.agentDuration, err = meter.Float64Histogram(
		"memoros_agent_run_duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}

	if m.cacheAccess, err = meter.Int64Counter(
		"memoros_cache_access_total",
		metric.WithDescription("Cache lookups by kind and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache access counter: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(
		"memoros_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"memoros_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

// RecordRetrieval records one search request.
func (m *Metrics) RecordRetrieval(ctx context.Context, mode string, hybrid bool, duration time.Duration, results int) {
	if m == nil || !m.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("hybrid", hybrid),
	)
	m.retrievalDuration.Record(ctx, duration.Seconds(), attrs)
	m.retrievalResults.Record(ctx, int64(results), attrs)
}

// RecordPermissionDecision records one kernel decision.
func (m *Metrics) RecordPermissionDecision(ctx context.Context, action, method string, allowed bool) {
	if m == nil || !m.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("method", method),
	)
	m.permissionChecks.Add(ctx, 1, attrs)
	if !allowed {
		m.permissionDenials.Add(ctx, 1, attrs)
	}
}

// RecordTaskEnqueued records a queue insert.
func (m *Metrics) RecordTaskEnqueued(ctx context.Context, taskType string) {
	if m == nil || !m.enabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task_type", taskType))
	m.tasksEnqueued.Add(ctx, 1, attrs)
	m.queueDepth.Add(ctx, 1, attrs)
}

// RecordTaskCompleted records a terminal task transition.
func (m *Metrics) RecordTaskCompleted(ctx context.Context, taskType, status string, duration time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("task_type", taskType),
	))
	m.queueDepth.Add(ctx, -1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

// RecordAgentRun records one agent execution.
func (m *Metrics) RecordAgentRun(ctx context.Context, agent, status string, duration time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.agentRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	))
	m.agentDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("agent", agent),
	))
}

// RecordCacheAccess records a cache lookup outcome.
func (m *Metrics) RecordCacheAccess(ctx context.Context, kind string, hit bool) {
	if m == nil || !m.enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheAccess.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler exposes the Prometheus scrape endpoint. A disabled Metrics serves
// 503 so probes can tell metrics are off.
func (m *Metrics) Handler() http.Handler {
	if m == nil || !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.Handler()
}
