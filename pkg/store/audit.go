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
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditStore is the append-only audit trail. Rows are never updated or
// deleted through the application.
type AuditStore struct{}

// Append writes one audit event.
func (s *AuditStore) Append(ctx context.Context, q DBTX, e *AuditEvent) error {
	details, err := jsonArg(orEmptyMap(e.Details))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO audit_events (organization_id, actor_id, action, resource_type, resource_id,
			outcome, reason, trace_id, justification, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`
	err = q.QueryRowContext(ctx, query,
		e.OrganizationID, e.ActorID, e.Action, e.ResourceType, e.ResourceID,
		e.Outcome, e.Reason, e.TraceID, e.Justification, details,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// AuditFilter narrows List.
type AuditFilter struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// List returns audit events newest-first.
func (s *AuditStore) List(ctx context.Context, q DBTX, f AuditFilter) ([]*AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `
		SELECT id, organization_id, actor_id, action, resource_type, resource_id,
			outcome, reason, trace_id, justification, details, created_at
		FROM audit_events WHERE TRUE`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var out []*AuditEvent
	for rows.Next() {
		var (
			e       AuditEvent
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ActorID, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.Outcome, &e.Reason, &e.TraceID, &e.Justification,
			&details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if err := scanJSON(details, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
