// Package janitor is JAN (spec §4.6): periodic, idempotent cleanup of
// everything ED/PT/TW accumulate over time. Grounded on the teacher's
// pkg/reconciler sweep-and-converge loop shape, generalized from
// desired-vs-actual container reconciliation into a set of independent,
// individually-idempotent GC passes bounded by an errgroup the way the
// teacher bounds its per-node reconcile fan-out.
package janitor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/store"
)

// Janitor runs the seven §4.6 GC operations.
type Janitor struct {
	Store  store.Store
	Config config.Config
}

// New builds a Janitor.
func New(s store.Store, cfg config.Config) *Janitor {
	return &Janitor{Store: s, Config: cfg}
}

// Run executes every operation. Each is independently idempotent: running
// Run twice in a row leaves RS in the same state as running it once
// (§8 "Running JAN twice in a row...").
func (j *Janitor) Run(ctx context.Context) error {
	defer metrics.JanitorCyclesTotal.Inc()

	ops := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"purge_old_jobs", j.purgeOldJobs},
		{"drop_stale_pending_patch_sets", j.dropStalePendingPatchSets},
		{"delete_unreferenced_patches", j.deleteUnreferencedPatches},
		{"archive_old_jobs", j.archiveOldJobs},
		{"purge_deleted_users_and_vms", j.purgeDeletedUsersAndVMs},
		{"sweep_staging", j.sweepStaging},
		{"delete_old_record_groups", j.deleteOldRecordGroups},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			if err := op.fn(gctx); err != nil {
				return fmt.Errorf("janitor: %s: %w", op.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
