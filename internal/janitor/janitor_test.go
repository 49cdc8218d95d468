package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
)

func newTestJanitor(t *testing.T) *Janitor {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.JobPurgeDays = 30
	cfg.JobArchiveDays = 7
	return New(s, cfg)
}

func TestPurgeOldJobsRemovesTreeAndRow(t *testing.T) {
	j := newTestJanitor(t)

	job := &types.Job{Status: types.JobCompleted, Ended: time.Now().AddDate(0, 0, -40)}
	require.NoError(t, j.Store.CreateJob(job))
	require.NoError(t, j.Store.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepBuild}))
	require.NoError(t, j.Store.CreateTask(&types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: "v1"}))

	dir := j.jobDir(job.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.log"), []byte("log"), 0o644))

	require.NoError(t, j.purgeOldJobs(context.Background()))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, err = j.Store.GetJob(job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// idempotent: a second pass finds nothing left to do.
	require.NoError(t, j.purgeOldJobs(context.Background()))
}

func TestPurgeOldJobsSkipsRecentJobs(t *testing.T) {
	j := newTestJanitor(t)

	job := &types.Job{Status: types.JobCompleted, Ended: time.Now()}
	require.NoError(t, j.Store.CreateJob(job))

	require.NoError(t, j.purgeOldJobs(context.Background()))

	got, err := j.Store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestArchiveOldJobsDropsArtifactsKeepsRow(t *testing.T) {
	j := newTestJanitor(t)

	job := &types.Job{Status: types.JobCompleted, Ended: time.Now().AddDate(0, 0, -10)}
	require.NoError(t, j.Store.CreateJob(job))

	dir := j.jobDir(job.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "screenshot.png"), []byte("x"), 0o644))

	require.NoError(t, j.archiveOldJobs(context.Background()))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	got, err := j.Store.GetJob(job.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	// idempotent: archiving an already-archived job is a no-op.
	require.NoError(t, j.archiveOldJobs(context.Background()))
}

func TestDropStalePendingPatchSetsDiscardsOldSeries(t *testing.T) {
	j := newTestJanitor(t)

	set := &types.PendingPatchSet{
		MsgID:    "abc@example.com",
		Received: time.Now().Add(-48 * time.Hour),
		Parts: map[int]*types.PendingPatchPart{
			1: {Index: 1},
			2: {Index: 2},
		},
	}
	require.NoError(t, j.Store.SavePendingPatchSet(set))

	require.NoError(t, j.dropStalePendingPatchSets(context.Background()))

	_, err := j.Store.GetPendingPatchSet(set.MsgID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDropStalePendingPatchSetsKeepsFreshSeries(t *testing.T) {
	j := newTestJanitor(t)

	set := &types.PendingPatchSet{
		MsgID:    "fresh@example.com",
		Received: time.Now(),
		Parts:    map[int]*types.PendingPatchPart{1: {Index: 1}},
	}
	require.NoError(t, j.Store.SavePendingPatchSet(set))

	require.NoError(t, j.dropStalePendingPatchSets(context.Background()))

	got, err := j.Store.GetPendingPatchSet(set.MsgID)
	require.NoError(t, err)
	assert.Equal(t, set.MsgID, got.MsgID)
}

func TestDeleteUnreferencedPatchesKeepsReferencedOnes(t *testing.T) {
	j := newTestJanitor(t)

	old := time.Now().AddDate(0, 0, -60)
	referenced := &types.Patch{MsgID: "kept@example.com", Received: old}
	orphan := &types.Patch{MsgID: "gone@example.com", Received: old}
	require.NoError(t, j.Store.CreatePatch(referenced))
	require.NoError(t, j.Store.CreatePatch(orphan))

	job := &types.Job{Status: types.JobCompleted, Ended: time.Now(), Patch: &referenced.ID}
	require.NoError(t, j.Store.CreateJob(job))

	require.NoError(t, j.deleteUnreferencedPatches(context.Background()))

	_, err := j.Store.GetPatch(referenced.ID)
	require.NoError(t, err)
	_, err = j.Store.GetPatch(orphan.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPurgeDeletedUsersAndVMsRespectsReferences(t *testing.T) {
	j := newTestJanitor(t)

	require.NoError(t, j.Store.CreateVM(&types.VM{Name: "referenced-vm", Role: types.RoleDeleted}))
	require.NoError(t, j.Store.CreateVM(&types.VM{Name: "orphan-vm", Role: types.RoleDeleted}))
	require.NoError(t, j.Store.CreateTask(&types.Task{JobID: 1, StepNo: 1, No: 1, VM: "referenced-vm"}))

	require.NoError(t, j.purgeDeletedUsersAndVMs(context.Background()))

	_, err := j.Store.GetVM("referenced-vm")
	require.NoError(t, err, "still referenced by a Task, must survive")
	_, err = j.Store.GetVM("orphan-vm")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepStagingRemovesAbandonedAndWarnsUnknown(t *testing.T) {
	j := newTestJanitor(t)

	stagingDir := filepath.Join(j.Config.DataDir, "staging")
	require.NoError(t, os.MkdirAll(stagingDir, 0o755))

	old := time.Now().Add(-48 * time.Hour)
	abandoned := filepath.Join(stagingDir, "websubmit-abc123")
	require.NoError(t, os.WriteFile(abandoned, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(abandoned, old, old))

	unknown := filepath.Join(stagingDir, "mystery-file")
	require.NoError(t, os.WriteFile(unknown, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(unknown, old, old))

	require.NoError(t, j.sweepStaging(context.Background()))

	_, err := os.Stat(abandoned)
	assert.True(t, os.IsNotExist(err), "abandoned websubmit upload must be removed")
	_, err = os.Stat(unknown)
	assert.NoError(t, err, "unknown file younger than the backstop age is only warned about")
}

func TestDeleteOldRecordGroups(t *testing.T) {
	j := newTestJanitor(t)

	require.NoError(t, j.Store.AppendRecordGroup(&types.RecordGroup{
		ID:        "old",
		Timestamp: time.Now().AddDate(0, 0, -40),
		Records:   []types.Record{{Type: types.RecordEngine, Name: "x", Value: "y"}},
	}))
	require.NoError(t, j.Store.AppendRecordGroup(&types.RecordGroup{
		ID:        "new",
		Timestamp: time.Now(),
		Records:   []types.Record{{Type: types.RecordEngine, Name: "x", Value: "y"}},
	}))

	require.NoError(t, j.deleteOldRecordGroups(context.Background()))

	groups, err := j.Store.ListRecordGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "new", groups[0].ID)
}

func TestRunIsIdempotent(t *testing.T) {
	j := newTestJanitor(t)

	require.NoError(t, j.Store.CreateJob(&types.Job{Status: types.JobRunning}))

	require.NoError(t, j.Run(context.Background()))
	jobsAfterFirst, err := j.Store.ListJobs()
	require.NoError(t, err)

	require.NoError(t, j.Run(context.Background()))
	jobsAfterSecond, err := j.Store.ListJobs()
	require.NoError(t, err)

	assert.Equal(t, len(jobsAfterFirst), len(jobsAfterSecond))
}
