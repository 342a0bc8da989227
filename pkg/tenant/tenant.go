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

// Package tenant carries the per-request tenant context: who is acting, in
// which organization, with which roles and clearance. The context is explicit
// (passed as a value, installed on every DB transaction as session variables)
// rather than hidden in goroutine-local state.
package tenant

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// SystemUserID marks background workers acting without a human principal.
// Row-level security still applies; the system actor only bypasses the
// scope check, never the org check.
const SystemUserID = "00000000-0000-0000-0000-000000000001"

// MaxClearanceLevel is the top of the clearance scale users can be
// assigned. System sessions run at this level so maintenance reaches
// clearance-restricted rows.
const MaxClearanceLevel = 5

// Context identifies the acting principal for one request or one background
// job. It travels alongside context.Context through every layer.
type Context struct {
	UserID         string
	OrganizationID string
	Roles          []string
	ClearanceLevel int
	TraceID        string
	// Justification is an optional operator-supplied reason recorded on
	// audit events for privileged operations.
	Justification string
	// System is true for maintenance workers running as the service actor.
	System bool
}

// NewSystem returns a tenant context for background work scoped to one org.
func NewSystem(orgID string) *Context {
	return &Context{
		UserID:         SystemUserID,
		OrganizationID: orgID,
		Roles:          []string{"system_admin"},
		ClearanceLevel: MaxClearanceLevel,
		TraceID:        uuid.NewString(),
		System:         true,
	}
}

// HasRole reports whether the context carries the named role.
func (tc *Context) HasRole(role string) bool {
	for _, r := range tc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the context carries an org- or system-admin role.
func (tc *Context) IsAdmin() bool {
	return tc.HasRole("org_admin") || tc.HasRole("system_admin")
}

// LogAttrs returns the standard log attributes for this context. Every log
// line emitted while handling a request should carry these.
func (tc *Context) LogAttrs() []any {
	return []any{
		slog.String("trace_id", tc.TraceID),
		slog.String("org_id", tc.OrganizationID),
		slog.String("user_id", tc.UserID),
	}
}

type contextKey string

const tenantContextKey contextKey = "memoros_tenant_context"

// WithContext attaches a tenant context to a context.Context.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// FromContext extracts the tenant context, or nil when absent.
func FromContext(ctx context.Context) *Context {
	if tc, ok := ctx.Value(tenantContextKey).(*Context); ok {
		return tc
	}
	return nil
}
