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

	"github.com/memoros-io/memoros/pkg/apierror"
)

// SharingStore persists explicit per-memory share grants. Shares union with
// scope-and-role access; the stronger grant wins.
type SharingStore struct{}

// Create inserts a share grant. Re-sharing to the same target updates the
// permission and expiry.
func (s *SharingStore) Create(ctx context.Context, q DBTX, sh *MemorySharing) error {
	const query = `
		INSERT INTO memory_sharing (memory_id, share_type, target_id, permission, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (memory_id, share_type, target_id)
		DO UPDATE SET permission = EXCLUDED.permission, expires_at = EXCLUDED.expires_at
		RETURNING id, created_at`
	err := q.QueryRowContext(ctx, query,
		sh.MemoryID, sh.ShareType, sh.TargetID, sh.Permission, nullTime(sh.ExpiresAt), sh.CreatedBy,
	).Scan(&sh.ID, &sh.CreatedAt)
	if isForeignKeyViolation(err) {
		return apierror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// Delete removes a grant.
func (s *SharingStore) Delete(ctx context.Context, q DBTX, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM memory_sharing WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.ErrNotFound
	}
	return nil
}

// ListForMemory returns the non-expired grants on one memory.
func (s *SharingStore) ListForMemory(ctx context.Context, q DBTX, memoryID string, now time.Time) ([]*MemorySharing, error) {
	const query = `
		SELECT id, memory_id, share_type, target_id, permission, expires_at, created_by, created_at
		FROM memory_sharing
		WHERE memory_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, memoryID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	defer rows.Close()
	return scanShares(rows)
}

// ListForUser returns the non-expired grants reaching the user on one
// memory, directly or through a team. The access decision's share step
// reads it.
func (s *SharingStore) ListForUser(ctx context.Context, q DBTX, memoryID, userID string, now time.Time) ([]*MemorySharing, error) {
	const query = `
		SELECT ms.id, ms.memory_id, ms.share_type, ms.target_id, ms.permission, ms.expires_at, ms.created_by, ms.created_at
		FROM memory_sharing ms
		WHERE ms.memory_id = $1
		  AND (ms.expires_at IS NULL OR ms.expires_at > $3)
		  AND (
			(ms.share_type = 'user' AND ms.target_id = $2)
			OR (ms.share_type = 'team' AND ms.target_id IN (
				SELECT team_id FROM team_members WHERE user_id = $2))
		  )`
	rows, err := q.QueryContext(ctx, query, memoryID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list user shares: %w", err)
	}
	defer rows.Close()
	return scanShares(rows)
}

func scanShares(rows *sql.Rows) ([]*MemorySharing, error) {
	var out []*MemorySharing
	for rows.Next() {
		var (
			sh      MemorySharing
			expires sql.NullTime
		)
		if err := rows.Scan(&sh.ID, &sh.MemoryID, &sh.ShareType, &sh.TargetID,
			&sh.Permission, &expires, &sh.CreatedBy, &sh.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		sh.ExpiresAt = timePtr(expires)
		out = append(out, &sh)
	}
	return out, rows.Err()
}

// PermissionCovers reports whether a held share permission covers the
// requested action. Edit covers comment and read; comment covers read.
func PermissionCovers(held, action string) bool {
	switch held {
	case SharePermEdit:
		return action == SharePermRead || action == SharePermComment || action == SharePermEdit || action == "write"
	case SharePermComment:
		return action == SharePermRead || action == SharePermComment
	case SharePermRead:
		return action == SharePermRead
	}
	return false
}
