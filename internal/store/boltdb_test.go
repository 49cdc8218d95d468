package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobCreateGetList(t *testing.T) {
	s := openTestStore(t)

	job := &types.Job{Priority: 3, User: "alexandre", Status: types.JobQueued}
	require.NoError(t, s.CreateJob(job))
	assert.NotZero(t, job.ID)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.User, got.User)

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDeleteJobCascades(t *testing.T) {
	s := openTestStore(t)

	job := &types.Job{Priority: 5, Status: types.JobQueued}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepBuild}))
	require.NoError(t, s.CreateTask(&types.Task{JobID: job.ID, StepNo: 1, No: 1, Status: types.TaskQueued}))

	require.NoError(t, s.DeleteJob(job.ID))

	_, err := s.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	steps, err := s.ListSteps(job.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	tasks, err := s.ListTasks(job.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCASVMStatusSucceedsOnMatch(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateVM(&types.VM{Name: "vm-win32-1", Status: types.VMIdle}))

	swapped, err := s.CASVMStatus("vm-win32-1", types.VMIdle, types.VMReverting)
	require.NoError(t, err)
	assert.True(t, swapped)

	vm, err := s.GetVM("vm-win32-1")
	require.NoError(t, err)
	assert.Equal(t, types.VMReverting, vm.Status)
}

func TestCASVMStatusFailsOnMismatchAndLeavesRowUnchanged(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateVM(&types.VM{Name: "vm-win64-1", Status: types.VMRunning}))

	swapped, err := s.CASVMStatus("vm-win64-1", types.VMIdle, types.VMReverting)
	require.NoError(t, err)
	assert.False(t, swapped)

	vm, err := s.GetVM("vm-win64-1")
	require.NoError(t, err)
	assert.Equal(t, types.VMRunning, vm.Status, "a failed CAS must not mutate the row")
}

func TestCASTaskStatus(t *testing.T) {
	s := openTestStore(t)
	key := types.TaskKey{JobID: 1, StepNo: 1, No: 1}
	require.NoError(t, s.CreateTask(&types.Task{JobID: 1, StepNo: 1, No: 1, Status: types.TaskQueued}))

	swapped, err := s.CASTaskStatus(key, types.TaskQueued, types.TaskRunning)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CASTaskStatus(key, types.TaskQueued, types.TaskCanceled)
	require.NoError(t, err)
	assert.False(t, swapped, "task is already running, queued->canceled must not apply")
}

func TestDeleteRecordGroupsBefore(t *testing.T) {
	s := openTestStore(t)
	old := &types.RecordGroup{ID: "old", Timestamp: time.Now().Add(-48 * time.Hour)}
	recent := &types.RecordGroup{ID: "recent", Timestamp: time.Now()}
	require.NoError(t, s.AppendRecordGroup(old))
	require.NoError(t, s.AppendRecordGroup(recent))

	n, err := s.DeleteRecordGroupsBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	groups, err := s.ListRecordGroups()
	require.NoError(t, err)
	assert.Len(t, groups, 1)
	assert.Equal(t, "recent", groups[0].ID)
}
