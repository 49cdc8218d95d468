package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// jobDir is where a Job's per-Task artifacts (logs, screenshots, reports)
// live on disk, named by ID so it survives Job.Remarks changing.
func (j *Janitor) jobDir(id int64) string {
	return filepath.Join(j.Config.DataDir, "jobs", fmt.Sprint(id))
}

// purgeOldJobs deletes Jobs whose Ended predates JobPurgeDays: the on-disk
// artifact tree first, then the RS row (and its Steps/Tasks, which
// DeleteJob cascades). Deleting the tree before the row means a crash
// mid-purge leaves a live Job row whose directory is already gone, never an
// orphaned directory without its row — safe to re-run.
func (j *Janitor) purgeOldJobs(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -j.Config.JobPurgeDays)
	jobs, err := j.Store.ListJobs()
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, job := range jobs {
		job := job
		if !job.Status.Terminal() || job.Ended.IsZero() || job.Ended.After(cutoff) {
			continue
		}
		g.Go(func() error {
			if err := os.RemoveAll(j.jobDir(job.ID)); err != nil {
				return fmt.Errorf("remove job %d artifacts: %w", job.ID, err)
			}
			if err := j.Store.DeleteJob(job.ID); err != nil {
				return fmt.Errorf("delete job %d: %w", job.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// archiveOldJobs drops the artifact tree for terminal, not yet archived Jobs
// that ended more than JobArchiveDays ago (whatever their age relative to
// JobPurgeDays), leaving the RS row (marked Archived) so
// history and statistics stay queryable without the disk cost.
func (j *Janitor) archiveOldJobs(ctx context.Context) error {
	archiveCutoff := time.Now().AddDate(0, 0, -j.Config.JobArchiveDays)
	jobs, err := j.Store.ListJobs()
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, job := range jobs {
		job := job
		if job.Archived || !job.Status.Terminal() || job.Ended.IsZero() || job.Ended.After(archiveCutoff) {
			continue
		}
		g.Go(func() error {
			if err := os.RemoveAll(j.jobDir(job.ID)); err != nil {
				return fmt.Errorf("archive job %d: remove artifacts: %w", job.ID, err)
			}
			job.Archived = true
			if err := j.Store.SaveJob(job); err != nil {
				return fmt.Errorf("archive job %d: save: %w", job.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// deleteUnreferencedPatches removes Patches older than JobPurgeDays that no
// Job (purged or not) still points at via Job.Patch.
func (j *Janitor) deleteUnreferencedPatches(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -j.Config.JobPurgeDays)

	jobs, err := j.Store.ListJobs()
	if err != nil {
		return err
	}
	referenced := make(map[int64]bool, len(jobs))
	for _, job := range jobs {
		if job.Patch != nil {
			referenced[*job.Patch] = true
		}
	}

	patches, err := j.Store.ListPatches()
	if err != nil {
		return err
	}
	for _, p := range patches {
		if referenced[p.ID] || p.Received.After(cutoff) {
			continue
		}
		if err := j.Store.DeletePatch(p.ID); err != nil {
			return fmt.Errorf("delete patch %d: %w", p.ID, err)
		}
		wtlog.WithComponent("janitor").Debug().Int64("patch_id", p.ID).Msg("deleted unreferenced patch")
	}
	return nil
}
