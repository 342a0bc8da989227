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
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx. Store
// methods take it so they run equally inside and outside a tenant
// transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)

// DB wraps the Postgres connection pool and the per-domain stores.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger

	Orgs         *OrgStore
	Memories     *MemoryStore
	Sharing      *SharingStore
	Activation   *ActivationStore
	Coactivation *CoactivationStore
	Explanations *ExplanationStore
	Feedback     *FeedbackStore
	Hypotheses   *HypothesisStore
	AgentRuns    *AgentRunStore
	Tasks        *TaskStore
	Goals        *GoalStore
	Policies     *PolicyStore
	Audit        *AuditStore
	Enrichment   *EnrichmentStore
}

// Open connects to Postgres through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	handle, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	handle.SetMaxOpenConns(cfg.MaxOpenConns)
	handle.SetMaxIdleConns(cfg.MaxIdleConns)
	handle.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := handle.PingContext(pingCtx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewDB(handle), nil
}

// NewDB wraps an existing handle. Used directly by tests with sqlmock.
func NewDB(handle *sql.DB) *DB {
	db := &DB{sql: handle, logger: logger.GetLogger()}
	db.Orgs = &OrgStore{}
	db.Memories = &MemoryStore{}
	db.Sharing = &SharingStore{}
	db.Activation = &ActivationStore{}
	db.Coactivation = &CoactivationStore{}
	db.Explanations = &ExplanationStore{}
	db.Feedback = &FeedbackStore{}
	db.Hypotheses = &HypothesisStore{}
	db.AgentRuns = &AgentRunStore{}
	db.Tasks = &TaskStore{}
	db.Goals = &GoalStore{}
	db.Policies = &PolicyStore{}
	db.Audit = &AuditStore{}
	db.Enrichment = &EnrichmentStore{}
	return db
}

// Handle exposes the raw pool for callers that manage their own statements.
func (db *DB) Handle() *sql.DB {
	return db.sql
}

// Close releases the pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Ping verifies connectivity, used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// WithTx runs fn inside a plain transaction with no tenant variables set.
// Only bootstrap paths (signup, login, migrations) use it; row-level
// security hides tenant rows from it unless the connection role bypasses
// RLS.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithTenantTx runs fn inside a transaction whose session variables carry
// the caller's tenant context. SET LOCAL scopes them to the transaction, so
// pooled connections never leak one tenant's identity into another's
// queries. Every tenant-scoped read and write must go through here.
func (db *DB) WithTenantTx(ctx context.Context, tc *tenant.Context, fn func(tx *sql.Tx) error) error {
	if tc == nil {
		return fmt.Errorf("tenant context is required")
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := setTenantVars(ctx, tx, tc); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// setTenantVars installs the session variables the RLS policies read.
// set_config with is_local=true is the parameterizable form of SET LOCAL.
func setTenantVars(ctx context.Context, tx *sql.Tx, tc *tenant.Context) error {
	const q = `SELECT
		set_config('app.current_org_id', $1, true),
		set_config('app.current_user_id', $2, true),
		set_config('app.current_roles', $3, true),
		set_config('app.current_clearance_level', $4, true)`
	_, err := tx.ExecContext(ctx, q,
		tc.OrganizationID,
		tc.UserID,
		strings.Join(tc.Roles, ","),
		fmt.Sprintf("%d", tc.ClearanceLevel),
	)
	if err != nil {
		return fmt.Errorf("failed to set tenant session variables: %w", err)
	}
	return nil
}
