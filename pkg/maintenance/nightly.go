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

package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memoros-io/memoros/pkg/audit"
	"github.com/memoros-io/memoros/pkg/cache"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/store"
	"github.com/memoros-io/memoros/pkg/tenant"
)

// NightlyReport summarizes one org's nightly pass.
type NightlyReport struct {
	OrganizationID    string `json:"organization_id"`
	ActivationClamped int64  `json:"activation_clamped"`
	EdgesRenormalized int64  `json:"edges_renormalized"`
	EdgesPruned       int64  `json:"edges_pruned"`
	HypothesesTouched int    `json:"hypotheses_touched"`
	ShortTermExpired  int    `json:"short_term_expired"`
	RetentionExpired  int    `json:"retention_expired"`
	Purged            int    `json:"purged"`
}

// StartNightly schedules the nightly cycle and returns the cron handle.
// The caller stops it on shutdown.
func (w *Workers) StartNightly(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(w.cfg.NightlySchedule, func() {
		if _, err := w.RunNightly(ctx); err != nil {
			logger.GetLogger().Error("nightly maintenance failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bad nightly schedule %q: %w", w.cfg.NightlySchedule, err)
	}
	c.Start()
	return c, nil
}

// RunNightly runs decay, causal refresh and the reaper for every active
// org. One org failing does not stop the others.
func (w *Workers) RunNightly(ctx context.Context) ([]*NightlyReport, error) {
	var orgIDs []string
	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		orgIDs, err = w.db.Orgs.ListActiveOrganizationIDs(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var reports []*NightlyReport
	for _, orgID := range orgIDs {
		report, err := w.RunNightlyForOrg(ctx, tenant.NewSystem(orgID))
		if err != nil {
			logger.GetLogger().Error("nightly pass failed", "org_id", orgID, "error", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RunNightlyForOrg is one org's decay + causal refresh + reaper pass; the
// admin trigger endpoints call it directly.
func (w *Workers) RunNightlyForOrg(ctx context.Context, tc *tenant.Context) (*NightlyReport, error) {
	report := &NightlyReport{OrganizationID: tc.OrganizationID}
	now := w.now()

	var purgedVectors []string
	err := w.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error

		// Decay: clamp drifted activation fields, rewrite edge weights
		// from counts, drop weak stale edges.
		if report.ActivationClamped, err = w.db.Activation.ClampAll(ctx, tx, tc.OrganizationID); err != nil {
			return err
		}
		if report.EdgesRenormalized, err = w.db.Coactivation.RenormalizeWeights(ctx, tx, tc.OrganizationID, w.cfg.CoactivationLambda); err != nil {
			return err
		}
		staleBefore := now.AddDate(0, 0, -w.cfg.PruneOlderThanDays)
		if report.EdgesPruned, err = w.db.Coactivation.PruneStale(ctx, tx, tc.OrganizationID, w.cfg.PruneMinWeight, staleBefore); err != nil {
			return err
		}

		if report.HypothesesTouched, err = w.refreshHypotheses(ctx, tx, tc.OrganizationID); err != nil {
			return err
		}

		if report.ShortTermExpired, report.RetentionExpired, err = w.reapExpired(ctx, tx, tc.OrganizationID, now); err != nil {
			return err
		}
		retentionBefore := now.AddDate(0, 0, -w.cfg.RetentionDays)
		if purgedVectors, err = w.db.Memories.PurgeInactive(ctx, tx, retentionBefore, 0); err != nil {
			return err
		}
		report.Purged = len(purgedVectors)

		if w.rec != nil {
			w.rec.Record(ctx, tx, tc, audit.Event{
				Action: "maintenance.nightly", ResourceType: "organization",
				ResourceID: tc.OrganizationID, Outcome: audit.OutcomeOK,
				Details: map[string]any{
					"edges_pruned":       report.EdgesPruned,
					"hypotheses_touched": report.HypothesesTouched,
					"short_term_expired": report.ShortTermExpired,
					"retention_expired":  report.RetentionExpired,
					"purged":             report.Purged,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, vectorID := range purgedVectors {
		if w.vectors == nil || vectorID == "" {
			continue
		}
		if err := w.vectors.Delete(ctx, vectorID); err != nil {
			logger.GetLogger().Warn("vector cleanup failed",
				"vector_id", vectorID, "org_id", tc.OrganizationID, "error", err)
		}
	}
	return report, nil
}

// RefreshCausalHypotheses runs the hypothesis derivation for one org on
// demand, outside the nightly cycle.
func (w *Workers) RefreshCausalHypotheses(ctx context.Context, tc *tenant.Context) (int, error) {
	var touched int
	err := w.db.WithTenantTx(ctx, tc, func(tx *sql.Tx) error {
		var err error
		touched, err = w.refreshHypotheses(ctx, tx, tc.OrganizationID)
		return err
	})
	return touched, err
}

// refreshHypotheses derives correlates-hypotheses from the strongest
// co-activation edges. Upsert keeps max confidence and resurrects
// contested rows to proposed; rejected rows stay rejected.
func (w *Workers) refreshHypotheses(ctx context.Context, tx *sql.Tx, orgID string) (int, error) {
	edges, err := w.db.Coactivation.ListStrongest(ctx, tx, orgID, w.cfg.CausalMinEdgeWeight, w.cfg.CausalEdgeLimit)
	if err != nil {
		return 0, err
	}
	for _, e := range edges {
		h := &store.CausalHypothesis{
			OrganizationID:    orgID,
			Relation:          store.RelationCorrelates,
			EvidenceMemoryIDs: []string{e.MemoryA, e.MemoryB},
			Confidence:        e.EdgeWeight,
		}
		if err := w.db.Hypotheses.Upsert(ctx, tx, h); err != nil {
			return 0, err
		}
	}
	return len(edges), nil
}

// reapExpired soft-deletes unpromoted short-term memories past their TTL
// and active memories past the retention horizon. Legal holds are
// excluded at the query level.
func (w *Workers) reapExpired(ctx context.Context, tx *sql.Tx, orgID string, now time.Time) (shortTerm, retention int, err error) {
	stmBefore := now.Add(-w.agents.ShortTermTTL)
	stmIDs, err := w.db.Memories.ListExpiredShortTerm(ctx, tx, stmBefore, w.agents.PromotionThreshold, 0)
	if err != nil {
		return 0, 0, err
	}
	retBefore := now.AddDate(0, 0, -w.cfg.RetentionDays)
	retIDs, err := w.db.Memories.ListRetentionExpired(ctx, tx, retBefore, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range append(append([]string{}, stmIDs...), retIDs...) {
		if err := w.db.Memories.SoftDelete(ctx, tx, id); err != nil {
			return 0, 0, err
		}
	}
	for _, id := range stmIDs {
		w.cache.Delete(ctx, cache.ShortTermKey(orgID, id))
	}
	return len(stmIDs), len(retIDs), nil
}
