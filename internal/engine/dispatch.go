package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// dispatchReadyTasks implements §4.1 points 4-7: compute ready Tasks,
// cancel Tasks whose predecessor Step failed, match each remaining Task to
// a compatible idle VM, claim it with a CAS, and spawn the revert that will
// eventually hand it to a TW.
func (e *Engine) dispatchReadyTasks(ctx context.Context) error {
	jobs, err := e.Store.ListJobs()
	if err != nil {
		return err
	}
	allTasks, err := e.Store.ListAllTasks()
	if err != nil {
		return err
	}
	vms, err := e.Store.ListVMs()
	if err != nil {
		return err
	}

	stepsByJob := make(map[int64][]*types.Step, len(jobs))
	for _, j := range jobs {
		steps, err := e.Store.ListSteps(j.ID)
		if err != nil {
			return fmt.Errorf("list steps for job %d: %w", j.ID, err)
		}
		stepsByJob[j.ID] = steps
	}

	ready, toCancel := computeReadyTasks(jobs, stepsByJob, allTasks)
	touchedJobs := map[int64]bool{}
	for _, t := range toCancel {
		t.Status = types.TaskCanceled
		t.Ended = time.Now()
		if err := e.Store.SaveTask(t); err != nil {
			wtlog.WithJob(t.JobID, t.StepNo, t.No).Warn().Err(err).Msg("failed to cancel task with failed predecessor")
			continue
		}
		touchedJobs[t.JobID] = true
	}
	for jobID := range touchedJobs {
		if err := e.updateJobStatus(jobID); err != nil {
			wtlog.WithComponent("engine").Warn().Err(err).Int64("job_id", jobID).Msg("failed to recompute job status after cancellation")
		}
	}

	vmByName := make(map[string]*types.VM, len(vms))
	for _, vm := range vms {
		vmByName[vm.Name] = vm
	}

	taken := map[string]bool{}
	for _, rt := range ready {
		if !e.reverts.TryAcquire(1) {
			continue
		}

		vm := vmForTask(vmByName, rt.step, rt.task, taken)
		if vm == nil {
			e.reverts.Release(1)
			continue
		}
		taken[vm.Name] = true

		if err := e.claimAndRevert(vm, rt.task); err != nil {
			e.reverts.Release(1)
			wtlog.WithVM(vm.Name).Error().Err(err).Msg("failed to claim VM for task")
			continue
		}
	}
	return nil
}

// claimAndRevert CASes vm idle->reverting and spawns VLW(revert) holding the
// revert permit until that child exits (§4.1 point 6). The task's VM
// assignment and eventual run are driven by the revert's success: when
// VLW(revert) exits having left the VM idle, handleExit hands it straight to
// a TW (§4.1 point 7) since it is the only place still holding the
// assignment once the exit has been reaped.
func (e *Engine) claimAndRevert(vm *types.VM, task *types.Task) error {
	ok, err := e.Store.CASVMStatus(vm.Name, types.VMIdle, types.VMReverting)
	if err != nil {
		return err
	}
	if !ok {
		return nil // lost the race to another dispatch cycle or actor
	}
	e.auditVMStatus(vm.Name, types.VMIdle, types.VMReverting)

	deadline := time.Now().Add(e.Config.RevertBudget)
	pid, err := e.Spawner.Spawn(string(kindRevert), vm.Name, "libvirt-tool", "revert", vm.Name)
	if err != nil {
		_, _ = e.Store.CASVMStatus(vm.Name, types.VMReverting, types.VMIdle)
		return err
	}
	if _, err := e.Store.CASVMOwner(vm.Name, nil, &pid, &deadline); err != nil {
		wtlog.WithVM(vm.Name).Warn().Err(err).Msg("failed to record revert ownership")
	}

	key := task.Key()
	e.mu.Lock()
	e.owned[vm.Name] = ownedChild{kind: kindRevert, pid: pid, task: &key, permit: e.reverts}
	e.mu.Unlock()
	return nil
}

// startTask implements §4.1 point 7: claim an idle VM a revert just finished
// into running and hand it to a freshly spawned TW. Called from handleExit's
// successful-revert branch, the only point that still holds the Task the VM
// was reverted for once the revert's exit has been reaped.
func (e *Engine) startTask(vm *types.VM, key types.TaskKey) error {
	ok, err := e.Store.CASVMStatus(vm.Name, types.VMIdle, types.VMRunning)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.auditVMStatus(vm.Name, types.VMIdle, types.VMRunning)

	task, err := e.Store.GetTask(key)
	if err != nil {
		_, _ = e.Store.CASVMStatus(vm.Name, types.VMRunning, types.VMIdle)
		return err
	}
	if ok, err := e.Store.CASTaskStatus(key, types.TaskQueued, types.TaskRunning); err != nil {
		_, _ = e.Store.CASVMStatus(vm.Name, types.VMRunning, types.VMIdle)
		return err
	} else if !ok {
		_, _ = e.Store.CASVMStatus(vm.Name, types.VMRunning, types.VMIdle)
		return nil
	}
	deadline := time.Now().Add(task.Timeout + e.Config.TaskDeadlineSlack)

	pid, err := e.Spawner.Spawn(string(kindTask), vm.Name, "task-worker",
		fmt.Sprintf("%d", key.JobID), fmt.Sprintf("%d", key.StepNo), fmt.Sprintf("%d", key.No))
	if err != nil {
		_, _ = e.Store.CASTaskStatus(key, types.TaskRunning, types.TaskQueued)
		_, _ = e.Store.CASVMStatus(vm.Name, types.VMRunning, types.VMIdle)
		return err
	}
	if _, err := e.Store.CASVMOwner(vm.Name, nil, &pid, &deadline); err != nil {
		wtlog.WithVM(vm.Name).Warn().Err(err).Msg("failed to record task ownership")
	}

	e.mu.Lock()
	e.owned[vm.Name] = ownedChild{kind: kindTask, pid: pid, task: &key, permit: e.running}
	e.mu.Unlock()
	return nil
}
