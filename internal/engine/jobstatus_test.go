package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/procsup"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
)

func TestUpdateJobStatusCompletesOnceAllTasksTerminal(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	job := &types.Job{Status: types.JobRunning}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepBuild}))
	require.NoError(t, s.CreateTask(&types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: "v1", Status: types.TaskCompleted}))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	e := New(s, testConfig(), broker, procsup.NewSpawner("/bin/true"), "/bin/true")
	require.NoError(t, e.updateJobStatus(job.ID))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.False(t, got.Ended.IsZero())

	select {
	case ev := <-sub:
		assert.Equal(t, events.JobCompleted, ev.Type)
	default:
		t.Fatal("expected a job.completed event")
	}
}

func TestUpdateJobStatusSetsBotErrorOnTaskBotError(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	job := &types.Job{Status: types.JobRunning}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepBuild}))
	require.NoError(t, s.CreateTask(&types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: "v1", Status: types.TaskBotError}))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	e := New(s, testConfig(), broker, procsup.NewSpawner("/bin/true"), "/bin/true")
	require.NoError(t, e.updateJobStatus(job.ID))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobBotError, got.Status)
}

// E2 (§8): a patch that fails to apply is a domain outcome, not a bot
// error — the build Task ends badpatch, its dependent suite Task is
// canceled, and the Job still reaches completed.
func TestUpdateJobStatusCompletesOnBadPatchWithCanceledDependent(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	job := &types.Job{Status: types.JobRunning}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepBuild}))
	require.NoError(t, s.CreateTask(&types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: "v1", Status: types.TaskBadPatch}))
	prev := 1
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 2, Type: types.StepSuite, PreviousNo: &prev}))
	require.NoError(t, s.CreateTask(&types.Task{JobID: job.ID, StepNo: 2, No: 1, VM: "v2", Status: types.TaskCanceled}))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	e := New(s, testConfig(), broker, procsup.NewSpawner("/bin/true"), "/bin/true")
	require.NoError(t, e.updateJobStatus(job.ID))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
}

func TestUpdateJobStatusLeavesRunningJobAlone(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	job := &types.Job{Status: types.JobRunning}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepBuild}))
	require.NoError(t, s.CreateTask(&types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: "v1", Status: types.TaskRunning}))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	e := New(s, testConfig(), broker, procsup.NewSpawner("/bin/true"), "/bin/true")
	require.NoError(t, e.updateJobStatus(job.ID))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)
}
