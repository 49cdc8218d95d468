package trigger

import (
	"fmt"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

// populations maps a §6 CLI selector to the VM predicate it targets.
var populations = map[string]func(vm *types.VM) bool{
	"base32": func(vm *types.VM) bool {
		return vm.Type == types.VMWin32 && vm.Role == types.RoleBase
	},
	"winetest32": func(vm *types.VM) bool {
		return vm.Type == types.VMWin32 && vm.Role == types.RoleWinetest
	},
	"all64": func(vm *types.VM) bool {
		return vm.Type == types.VMWin64 &&
			(vm.Role == types.RoleBase || vm.Role == types.RoleWinetest || vm.Role == types.RoleExtra)
	},
}

// composeJobFamily builds the reconfig Step (one Task on the base build VM)
// followed by one suite Step per selector, each carrying one Task per VM
// currently in that population, chained onto the reconfig Step via
// PreviousNo so no suite Task starts before the rebuild completes (§4.5).
//
// spec.md's reconfig/base-suite/extra-suite priorities (3/8/9) are
// Step-level, but this repo's Job carries a single Priority (§3); see
// DESIGN.md for the collapse to one Job at ReconfigPriority — correctness
// is unaffected since PreviousNo, not priority, gates the suite Steps.
func (t *Trigger) composeJobFamily(selectors []string) error {
	if len(selectors) == 0 {
		selectors = []string{"base32", "winetest32", "all64"}
	}

	vms, err := t.Store.ListVMs()
	if err != nil {
		return err
	}

	job := &types.Job{
		Priority:  t.Config.ReconfigPriority,
		Remarks:   "winetest update",
		Submitted: time.Now(),
		Status:    types.JobRunning,
	}
	if err := t.Store.CreateJob(job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	reconfigStep := &types.Step{JobID: job.ID, No: 1, Type: types.StepReconfig, FileType: types.FileNone}
	if err := t.Store.CreateStep(reconfigStep); err != nil {
		return fmt.Errorf("create reconfig step: %w", err)
	}
	for _, vm := range vms {
		if vm.Type == types.VMBuild && vm.Role == types.RoleBase {
			task := &types.Task{JobID: job.ID, StepNo: 1, No: 1, VM: vm.Name, Timeout: t.Config.RevertBudget, Status: types.TaskQueued}
			if err := t.Store.CreateTask(task); err != nil {
				return fmt.Errorf("create reconfig task: %w", err)
			}
			break
		}
	}

	stepNo := 2
	reconfigNo := 1
	for _, name := range selectors {
		match, ok := populations[name]
		if !ok {
			continue
		}

		step := &types.Step{JobID: job.ID, No: stepNo, PreviousNo: &reconfigNo, Type: types.StepSuite, FileType: types.FileExe32}
		if name == "all64" {
			step.FileType = types.FileExe64
		}
		if err := t.Store.CreateStep(step); err != nil {
			return fmt.Errorf("create suite step %s: %w", name, err)
		}

		taskNo := 1
		for _, vm := range vms {
			if !match(vm) {
				continue
			}
			task := &types.Task{JobID: job.ID, StepNo: stepNo, No: taskNo, VM: vm.Name, Timeout: t.Config.RevertBudget, Status: types.TaskQueued}
			if err := t.Store.CreateTask(task); err != nil {
				return fmt.Errorf("create suite task on %s: %w", vm.Name, err)
			}
			taskNo++
		}
		stepNo++
	}
	return nil
}
