package taskworker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fgouget/wine-tools-sub001/internal/agentchan"
	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
)

type fakeDriver struct {
	poweredOn bool
}

func (f *fakeDriver) IsPoweredOn(ctx context.Context, vmName string) (bool, error) {
	return f.poweredOn, nil
}
func (f *fakeDriver) PowerOff(ctx context.Context, vmName string, force bool) error { return nil }
func (f *fakeDriver) CurrentSnapshotName(ctx context.Context, vmName string) (string, error) {
	return "clean", nil
}
func (f *fakeDriver) RevertToSnapshot(ctx context.Context, vmName, snapshot string) error {
	return nil
}
func (f *fakeDriver) CaptureScreenImage(ctx context.Context, vmName string) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

// scriptedAgent answers every Task.log read with a fixed payload, mimicking
// a guest whose build already finished and wrote a result line.
type scriptedAgent struct {
	taskLog []byte
}

func (a *scriptedAgent) Invoke(ctx context.Context, req *agentchan.Envelope) (*agentchan.Envelope, error) {
	switch req.Op {
	case "Ping", "SetTime", "SendFile":
		return a.ok(req.Op)
	case "Run":
		return a.payload("Run", &agentchan.RunResponse{PID: 1})
	case "Wait":
		return a.payload("Wait", &agentchan.WaitResponse{Done: true, ExitCode: 0})
	case "GetFile":
		return a.payload("GetFile", &agentchan.GetFileResponse{Data: a.taskLog})
	default:
		return a.err("unknown op")
	}
}

func (a *scriptedAgent) ok(op string) (*agentchan.Envelope, error) {
	switch op {
	case "Ping":
		return a.payload(op, &agentchan.PingResponse{})
	case "SetTime":
		return a.payload(op, &agentchan.SetTimeResponse{})
	default:
		return a.payload(op, &agentchan.SendFileResponse{})
	}
}

func (a *scriptedAgent) payload(op string, v interface{}) (*agentchan.Envelope, error) {
	data, err := agentchan.EncodePayload(v)
	if err != nil {
		return nil, err
	}
	return &agentchan.Envelope{Op: op, Payload: data}, nil
}

func (a *scriptedAgent) err(msg string) (*agentchan.Envelope, error) {
	data, _ := agentchan.EncodePayload(msg)
	return &agentchan.Envelope{Op: "error", Payload: data}, nil
}

// suiteAgent answers GetFile per remote path so a suite Task's Task.log and
// build.report can be told apart.
type suiteAgent struct {
	files map[string][]byte
}

func (a *suiteAgent) Invoke(ctx context.Context, req *agentchan.Envelope) (*agentchan.Envelope, error) {
	switch req.Op {
	case "Ping", "SetTime", "SendFile":
		return a.payload(req.Op, &agentchan.SendFileResponse{})
	case "Run":
		return a.payload("Run", &agentchan.RunResponse{PID: 1})
	case "Wait":
		return a.payload("Wait", &agentchan.WaitResponse{Done: true, ExitCode: 0})
	case "GetFile":
		var in agentchan.GetFileRequest
		_ = agentchan.DecodePayload(req.Payload, &in)
		return a.payload("GetFile", &agentchan.GetFileResponse{Data: a.files[in.RemotePath]})
	default:
		data, _ := agentchan.EncodePayload("unknown op")
		return &agentchan.Envelope{Op: "error", Payload: data}, nil
	}
}

func (a *suiteAgent) payload(op string, v interface{}) (*agentchan.Envelope, error) {
	data, err := agentchan.EncodePayload(v)
	if err != nil {
		return nil, err
	}
	return &agentchan.Envelope{Op: op, Payload: data}, nil
}

func dialSuite(t *testing.T, files map[string][]byte) func(ctx context.Context, vmName string) (*agentchan.Client, error) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	agentchan.RegisterServer(srv, &suiteAgent{files: files})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }
	return func(ctx context.Context, vmName string) (*agentchan.Client, error) {
		return agentchan.Dial(ctx, "bufnet", agentchan.WithContextDialer(dialer))
	}
}

func dialScripted(t *testing.T, taskLog []byte) func(ctx context.Context, vmName string) (*agentchan.Client, error) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	agentchan.RegisterServer(srv, &scriptedAgent{taskLog: taskLog})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }
	return func(ctx context.Context, vmName string) (*agentchan.Client, error) {
		return agentchan.Dial(ctx, "bufnet", agentchan.WithContextDialer(dialer))
	}
}

func setupJob(t *testing.T, s store.Store) types.TaskKey {
	t.Helper()
	job := &types.Job{Priority: 3, Status: types.JobRunning}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepBuild, FileType: types.FileNone}))
	task := &types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: "vm-build-1", Status: types.TaskRunning, Timeout: time.Minute}
	require.NoError(t, s.CreateTask(task))
	require.NoError(t, s.CreateVM(&types.VM{Name: "vm-build-1", Type: types.VMBuild, Status: types.VMRunning}))
	return task.Key()
}

func TestRunGoodPatchCompletes(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	key := setupJob(t, s)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	w := &Worker{
		Store:   s,
		Driver:  &fakeDriver{poweredOn: true},
		Config:  cfg,
		Connect: dialScripted(t, []byte("compiling\nok\n")),
	}

	outcome, err := w.Run(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, outcome.TaskStatus)
	assert.Equal(t, types.VMDirty, outcome.NextVMStatus)
}

func TestRunBadPatchCompletesWithBadPatchStatus(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	key := setupJob(t, s)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	w := &Worker{
		Store:   s,
		Driver:  &fakeDriver{poweredOn: true},
		Config:  cfg,
		Connect: dialScripted(t, []byte("applying\nbadpatch\n")),
	}

	outcome, err := w.Run(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, types.TaskBadPatch, outcome.TaskStatus)
}

func TestRunRequeuesWithoutChargeWhenVMNotRunning(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	key := setupJob(t, s)
	ok, err := s.CASVMStatus("vm-build-1", types.VMRunning, types.VMDirty)
	require.NoError(t, err)
	require.True(t, ok)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	w := &Worker{Store: s, Driver: &fakeDriver{poweredOn: true}, Config: cfg}

	outcome, err := w.Run(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, outcome.TaskStatus)

	task, err := s.GetTask(key)
	require.NoError(t, err)
	assert.Equal(t, 0, task.TestFailures)
}

// A suite Task that completes without timing out links its build.report
// into the per-VM latest/ directory for the notifier (§4.3 "Artifact rules").
func TestRunSuiteLinksLatestReport(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	job := &types.Job{Priority: 8, Status: types.JobRunning}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.CreateStep(&types.Step{JobID: job.ID, No: 1, Type: types.StepSuite, FileType: types.FileExe32}))
	task := &types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: "vm-win32-1", Status: types.TaskRunning, Timeout: time.Minute}
	require.NoError(t, s.CreateTask(task))
	require.NoError(t, s.CreateVM(&types.VM{Name: "vm-win32-1", Type: types.VMWin32, Status: types.VMRunning}))

	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	w := &Worker{
		Store:  s,
		Driver: &fakeDriver{poweredOn: true},
		Config: cfg,
		Connect: dialSuite(t, map[string][]byte{
			`C:\staging\Task.log`:     []byte("running suite\n"),
			`C:\staging\build.report`: []byte("user32:edit start\nuser32:edit done (0)\n"),
		}),
	}

	outcome, err := w.Run(context.Background(), task.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, outcome.TaskStatus)

	linked := filepath.Join(cfg.DataDir, "latest", "vm-win32-1_build.report")
	data, err := os.ReadFile(linked)
	require.NoError(t, err)
	assert.Contains(t, string(data), "user32:edit")
}
