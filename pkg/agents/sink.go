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

package agents

import (
	"context"
	"time"

	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/store"
)

// Trajectory event types.
const (
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventRunResult  = "run_result"
)

// ToolEventSink records the run trajectory. Events emitted before the
// AgentRun row exists are buffered and flushed once Bind supplies the
// row id. Telemetry failures are logged and swallowed; they never abort
// the run.
type ToolEventSink struct {
	runs  *store.AgentRunStore
	runID string
	step  int
	buf   []*store.AgentRunEvent
	now   func() time.Time
}

// NewToolEventSink returns an unbound sink.
func NewToolEventSink(runs *store.AgentRunStore) *ToolEventSink {
	return &ToolEventSink{runs: runs, now: time.Now}
}

// Emit appends one event, buffering while unbound.
func (s *ToolEventSink) Emit(ctx context.Context, q store.DBTX, eventType, summary string, payload map[string]any) {
	if s == nil {
		return
	}
	ev := &store.AgentRunEvent{
		RunID:       s.runID,
		StepIndex:   s.step,
		EventType:   eventType,
		SummaryText: summary,
		Payload:     payload,
	}
	s.step++
	if s.runID == "" {
		s.buf = append(s.buf, ev)
		return
	}
	s.write(ctx, q, ev)
}

// Bind attaches the sink to a persisted run row and flushes the buffer.
func (s *ToolEventSink) Bind(ctx context.Context, q store.DBTX, runID string) {
	if s == nil || runID == "" {
		return
	}
	s.runID = runID
	for _, ev := range s.buf {
		ev.RunID = runID
		s.write(ctx, q, ev)
	}
	s.buf = nil
}

// Step wraps one external call with the tool_call / tool_result pair.
func (s *ToolEventSink) Step(ctx context.Context, q store.DBTX, tool string, fn func() error) error {
	s.Emit(ctx, q, EventToolCall, tool, map[string]any{"tool": tool})
	start := s.clock()
	err := fn()
	s.Emit(ctx, q, EventToolResult, tool, map[string]any{
		"tool":        tool,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return err
}

func (s *ToolEventSink) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *ToolEventSink) write(ctx context.Context, q store.DBTX, ev *store.AgentRunEvent) {
	if err := s.runs.AppendEvent(ctx, q, ev); err != nil {
		logger.GetLogger().Warn("trajectory event dropped",
			"run_id", ev.RunID, "event_type", ev.EventType, "error", err)
	}
}
