// Package taskworker is the Task Worker (TW, spec §2.2/§4.3): one
// short-lived process per Task that prepares a VM, ships inputs, runs the
// workload, collects outputs and classifies the outcome. Build-VM and
// test-VM variants share this one skeleton, branching on Step.Type the way
// SPEC_FULL.md's design notes call for instead of duplicating per-type
// drivers, grounded on the teacher's worker.go container-lifecycle skeleton.
package taskworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fgouget/wine-tools-sub001/internal/agentchan"
	"github.com/fgouget/wine-tools-sub001/internal/classify"
	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/vmdriver"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// Worker runs a single Task to completion (or to a requeue decision).
type Worker struct {
	Store   store.Store
	Driver  vmdriver.Driver
	Config  config.Config
	Broker  *events.Broker
	Connect func(ctx context.Context, vmName string) (*agentchan.Client, error)
}

// Outcome is what Run decided to write to the Task/VM rows.
type Outcome struct {
	TaskStatus   types.TaskStatus
	TestFailures int
	NextVMStatus types.VMStatus
}

// Run drives (jobID, stepNo, taskNo) through its full lifecycle (§4.3).
func (w *Worker) Run(ctx context.Context, key types.TaskKey) (Outcome, error) {
	task, err := w.Store.GetTask(key)
	if err != nil {
		return Outcome{}, fmt.Errorf("taskworker: load task: %w", err)
	}
	step, err := w.Store.GetStep(key.JobID, key.StepNo)
	if err != nil {
		return Outcome{}, fmt.Errorf("taskworker: load step: %w", err)
	}
	vm, err := w.Store.GetVM(task.VM)
	if err != nil {
		return Outcome{}, fmt.Errorf("taskworker: load vm: %w", err)
	}

	logger := wtlog.WithJob(key.JobID, key.StepNo, key.No)

	// 1. Refuse to proceed unless the VM is actually running and powered on;
	// a scheduler-side race, not the test's fault, so no retry is charged.
	if vm.Status != types.VMRunning {
		logger.Warn().Str("vm_status", string(vm.Status)).Msg("vm not in running state, requeuing without charge")
		return w.requeue(task, vm.Status)
	}
	on, err := w.Driver.IsPoweredOn(ctx, vm.Name)
	if err != nil || !on {
		logger.Warn().Err(err).Msg("vm not powered on at task start, requeuing without charge")
		return w.requeue(task, types.VMDirty)
	}

	client, err := w.connect(ctx, vm.Name)
	if err != nil {
		return w.handleTransportFailure(ctx, task, vm, step, err)
	}
	defer client.Disconnect()

	// 2. best-effort set-time.
	setCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := client.SetTime(setCtx, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("set-time failed, continuing anyway")
	}
	cancel()

	taskDir := w.taskDir(key)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("taskworker: create task dir: %w", err)
	}

	// 3. Upload inputs.
	if err := w.uploadInputs(ctx, client, step, task); err != nil {
		return w.handleTransportFailure(ctx, task, vm, step, err)
	}

	// 4. Run and wait.
	deadline := time.Now().Add(task.Timeout + w.Config.TaskDeadlineSlack)
	pid, err := client.Run(ctx, w.driverCmdLine(step, task), `C:\staging`)
	if err != nil {
		return w.handleTransportFailure(ctx, task, vm, step, err)
	}

	exitCode, waitErr := client.Wait(ctx, pid, deadline, 15*time.Second)

	// 6. Capture a screen image unconditionally before tearing down.
	shotCtx, shotCancel := context.WithTimeout(ctx, 30*time.Second)
	image, shotErr := w.Driver.CaptureScreenImage(shotCtx, vm.Name)
	shotCancel()
	if shotErr != nil {
		logger.Warn().Err(shotErr).Msg("screenshot capture failed")
	} else if len(image) > 0 {
		_ = os.WriteFile(filepath.Join(taskDir, "screenshot.png"), image, 0o644)
	}

	if waitErr != nil {
		return w.handleWaitFailure(ctx, task, vm, step, waitErr)
	}

	// 5. Download outputs.
	logData, logErr := client.GetFile(ctx, `C:\staging\Task.log`)
	if logErr != nil {
		logData = nil
	} else {
		_ = os.WriteFile(filepath.Join(taskDir, "log"), logData, 0o644)
	}

	var reports [][]byte
	if step.Type == types.StepSuite {
		reports = w.downloadReports(ctx, client, taskDir)
	}

	outcome := w.classify(step, logData, reports, exitCode)
	if step.Type == types.StepSuite && outcome.status == types.TaskCompleted {
		w.linkLatestArtifacts(taskDir, vm.Name, reports)
	}
	return w.finish(task, vm, outcome)
}

func (w *Worker) connect(ctx context.Context, vmName string) (*agentchan.Client, error) {
	if w.Connect == nil {
		return nil, errors.New("taskworker: no agent connector configured")
	}
	return w.Connect(ctx, vmName)
}

func (w *Worker) taskDir(key types.TaskKey) string {
	return filepath.Join(w.Config.DataDir, "jobs",
		fmt.Sprintf("%d", key.JobID), fmt.Sprintf("%d", key.StepNo), fmt.Sprintf("%d", key.No))
}

func (w *Worker) uploadInputs(ctx context.Context, client *agentchan.Client, step *types.Step, task *types.Task) error {
	uploadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if step.FileType != types.FileNone && step.FileName != "" {
		data, err := os.ReadFile(step.FileName)
		if err != nil {
			return fmt.Errorf("read step input %s: %w", step.FileName, err)
		}
		if err := client.SendFile(uploadCtx, `C:\staging\input`, data); err != nil {
			return err
		}
	}
	return client.SendFileFromString(uploadCtx, `C:\staging\driver.cmd`, w.driverScript(step, task))
}

// driverScript generates the small command file the agent executes, the
// "generated driver script" referred to in §4.3 step 3.
func (w *Worker) driverScript(step *types.Step, task *types.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "@echo off\r\n")
	switch step.Type {
	case types.StepBuild, types.StepReconfig:
		fmt.Fprintf(&sb, "build.bat %s > Task.log 2>&1\r\n", task.CmdLineArg)
	default:
		fmt.Fprintf(&sb, "runtest.bat %s > Task.log 2>&1\r\n", task.CmdLineArg)
	}
	return sb.String()
}

func (w *Worker) driverCmdLine(step *types.Step, task *types.Task) string {
	return `C:\staging\driver.cmd`
}

func (w *Worker) downloadReports(ctx context.Context, client *agentchan.Client, taskDir string) [][]byte {
	names := []string{"build.report"}
	var out [][]byte
	for _, name := range names {
		getCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		data, err := client.GetFile(getCtx, `C:\staging\`+name)
		cancel()
		if err != nil {
			continue
		}
		_ = os.WriteFile(filepath.Join(taskDir, name), data, 0o644)
		out = append(out, data)
	}

	errCtx, errCancel := context.WithTimeout(ctx, 30*time.Second)
	if errData, err := client.GetFile(errCtx, `C:\staging\err`); err == nil && len(errData) > 0 {
		_ = os.WriteFile(filepath.Join(taskDir, "err"), errData, 0o644)
	}
	errCancel()

	return out
}

// linkLatestArtifacts implements §4.3's "Artifact rules": once a suite Task
// reaches completed without timing out, its *.report is linked into a
// per-VM "latest" directory for the notifier, with any err file linked
// beside it. Old links are removed first so a reader never sees a stale
// pairing of the two.
func (w *Worker) linkLatestArtifacts(taskDir, vmName string, reports [][]byte) {
	if len(reports) == 0 || len(reports[0]) == 0 {
		return
	}
	latestDir := filepath.Join(w.Config.DataDir, "latest")
	if err := os.MkdirAll(latestDir, 0o755); err != nil {
		return
	}

	reportLink := filepath.Join(latestDir, vmName+"_build.report")
	_ = os.Remove(reportLink)
	_ = os.Link(filepath.Join(taskDir, "build.report"), reportLink)

	errLink := filepath.Join(latestDir, vmName+"_build.err")
	_ = os.Remove(errLink)
	if errPath := filepath.Join(taskDir, "err"); fileExists(errPath) {
		_ = os.Link(errPath, errLink)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type classified struct {
	status       types.TaskStatus
	testFailures int
}

func (w *Worker) classify(step *types.Step, logData []byte, reports [][]byte, exitCode int32) classified {
	logOutcome := classify.ClassifyLog(logData, step.Type == types.StepBuild || step.Type == types.StepReconfig)

	if logOutcome.Definitive {
		failures := 0
		if logOutcome.Status == types.TaskCompleted {
			failures = w.countReportFailures(reports)
		}
		return classified{status: logOutcome.Status, testFailures: failures}
	}

	// Suite step with no build-style result line: classify purely off the
	// report contents.
	return classified{status: types.TaskCompleted, testFailures: w.countReportFailures(reports)}
}

func (w *Worker) countReportFailures(reports [][]byte) int {
	total := 0
	for _, r := range reports {
		parsed := classify.ParseReport(r, int(w.Config.MaxReportFileBytes))
		total += parsed.TotalFailed
		if parsed.Truncated || parsed.TimedOut {
			total++
		}
	}
	return total
}

// requeue sets the Task back to queued without charging a retry attempt and
// reports the VM status it observed (§4.3 point 1, §7 "VM lost").
func (w *Worker) requeue(task *types.Task, vmStatus types.VMStatus) (Outcome, error) {
	swapped, err := w.Store.CASTaskStatus(task.Key(), types.TaskRunning, types.TaskQueued)
	if err != nil {
		return Outcome{}, fmt.Errorf("taskworker: requeue cas: %w", err)
	}
	if !swapped {
		// already moved on (e.g. canceled); nothing to do.
		return Outcome{TaskStatus: types.TaskQueued}, nil
	}
	return Outcome{TaskStatus: types.TaskQueued, NextVMStatus: vmStatus}, nil
}

// handleTransportFailure implements §7's taxonomy for a failed agent-channel
// call: if the VM is still powered on it's a transient transport error
// (retry-eligible); if the hypervisor itself is unreachable, it's "VM lost"
// and the VM is quarantined without charging a retry.
func (w *Worker) handleTransportFailure(ctx context.Context, task *types.Task, vm *types.VM, step *types.Step, cause error) (Outcome, error) {
	logger := wtlog.WithJob(task.JobID, task.StepNo, task.No)

	if errors.Is(cause, vmdriver.ErrHostUnreachable) {
		logger.Error().Err(cause).Msg("hypervisor unreachable, VM lost")
		return w.finishRequeueAndQuarantine(task, types.VMOffline)
	}

	on, checkErr := w.Driver.IsPoweredOn(ctx, vm.Name)
	if checkErr != nil {
		logger.Error().Err(checkErr).Msg("could not confirm VM power state, treating as host down")
		return w.finishRequeueAndQuarantine(task, types.VMOffline)
	}
	if !on {
		// The test itself brought the host down: charge one failure, no retry.
		logger.Warn().Err(cause).Msg("VM powered off mid-task, attributing to test")
		return w.finish(task, vm, classified{status: types.TaskCompleted, testFailures: 1})
	}

	// VM still reachable: a transient transport error, retryable.
	if task.TestFailures+1 >= w.Config.MaxTaskTries {
		logger.Error().Err(cause).Msg("transport error, retries exhausted")
		return w.finish(task, vm, classified{status: types.TaskBotError})
	}
	return w.retry(task)
}

func (w *Worker) handleWaitFailure(ctx context.Context, task *types.Task, vm *types.VM, step *types.Step, cause error) (Outcome, error) {
	if agentchan.IsTimeout(cause) {
		if step.Type == types.StepBuild || step.Type == types.StepReconfig {
			return w.finish(task, vm, classified{status: types.TaskBadBuild})
		}
		return w.finish(task, vm, classified{status: types.TaskCompleted, testFailures: 1})
	}
	return w.handleTransportFailure(ctx, task, vm, step, cause)
}

func (w *Worker) retry(task *types.Task) (Outcome, error) {
	task.TestFailures++
	swapped, err := w.Store.CASTaskStatus(task.Key(), types.TaskRunning, types.TaskQueued)
	if err != nil {
		return Outcome{}, fmt.Errorf("taskworker: retry cas: %w", err)
	}
	task.Status = types.TaskQueued
	if saveErr := w.Store.SaveTask(task); saveErr != nil {
		return Outcome{}, fmt.Errorf("taskworker: save retry count: %w", saveErr)
	}
	metrics.TaskRetriesTotal.Inc()
	_ = swapped
	return Outcome{TaskStatus: types.TaskQueued, NextVMStatus: types.VMDirty}, nil
}

func (w *Worker) finishRequeueAndQuarantine(task *types.Task, vmStatus types.VMStatus) (Outcome, error) {
	if _, err := w.Store.CASTaskStatus(task.Key(), types.TaskRunning, types.TaskQueued); err != nil {
		return Outcome{}, fmt.Errorf("taskworker: quarantine requeue cas: %w", err)
	}
	if w.Broker != nil {
		w.Broker.Publish(&events.Event{Type: events.VMOffline, Metadata: map[string]string{"vm": task.VM}})
	}
	return Outcome{TaskStatus: types.TaskQueued, NextVMStatus: vmStatus}, nil
}

// finish writes the final Task row and reports the VM status TW leaves
// behind: dirty on a normal exit, offline when the Task ended in boterror.
func (w *Worker) finish(task *types.Task, vm *types.VM, c classified) (Outcome, error) {
	task.Status = c.status
	task.TestFailures = c.testFailures
	task.Ended = time.Now()
	if err := w.Store.SaveTask(task); err != nil {
		return Outcome{}, fmt.Errorf("taskworker: save final task: %w", err)
	}

	metrics.TaskOutcomesTotal.WithLabelValues(string(c.status)).Inc()

	if err := w.Store.AppendRecordGroup(&types.RecordGroup{
		ID:        uuid.NewString(),
		Timestamp: task.Ended,
		Records: []types.Record{{
			Type:  types.RecordTasks,
			Name:  fmt.Sprintf("%d/%d/%d", task.JobID, task.StepNo, task.No),
			Value: string(c.status),
		}},
	}); err != nil {
		wtlog.WithJob(task.JobID, task.StepNo, task.No).Warn().Err(err).Msg("failed to append task audit record")
	}

	next := types.VMDirty
	if c.status == types.TaskBotError {
		next = types.VMOffline
	}

	if w.Broker != nil {
		typ := events.TaskCompleted
		if c.status != types.TaskCompleted {
			typ = events.TaskFailed
		}
		w.Broker.Publish(&events.Event{Type: typ, Metadata: map[string]string{
			"job":  fmt.Sprintf("%d", task.JobID),
			"task": fmt.Sprintf("%d", task.No),
		}})
	}

	return Outcome{TaskStatus: c.status, TestFailures: c.testFailures, NextVMStatus: next}, nil
}
