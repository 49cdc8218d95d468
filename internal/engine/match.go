package engine

import (
	"sort"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

// readyTask pairs a Task with its Step for sorting and compatibility checks.
type readyTask struct {
	task *types.Task
	step *types.Step
	job  *types.Job
}

// computeReadyTasks implements §4.1 point 4: Tasks whose Status=queued,
// whose Job is not canceled, and whose Step's predecessor (if any) is a
// terminal, completed Step; a Step whose predecessor failed is immediately
// canceled rather than left queued. Results are sorted by (Job.Priority,
// Job.ID, Step.No, Task.No).
func computeReadyTasks(jobs []*types.Job, stepsByJob map[int64][]*types.Step, tasks []*types.Task) (ready []readyTask, toCancel []*types.Task) {
	jobByID := make(map[int64]*types.Job, len(jobs))
	for _, j := range jobs {
		jobByID[j.ID] = j
	}

	stepByKey := make(map[stepKey]*types.Step)
	for jobID, steps := range stepsByJob {
		for _, s := range steps {
			stepByKey[stepKey{jobID, s.No}] = s
		}
	}
	// Status of every step's most-advanced task, used to resolve PreviousNo.
	stepStatus := make(map[stepKey]types.TaskStatus)
	// Steps with at least one Task not yet terminal are not terminal themselves.
	stepPending := make(map[stepKey]bool)
	for _, t := range tasks {
		key := stepKey{t.JobID, t.StepNo}
		if prev, ok := stepStatus[key]; !ok || worseStatus(prev, t.Status) {
			stepStatus[key] = t.Status
		}
		if !t.Status.Terminal() {
			stepPending[key] = true
		}
	}

	for _, t := range tasks {
		if t.Status != types.TaskQueued {
			continue
		}
		job, ok := jobByID[t.JobID]
		if !ok || job.Status == types.JobCanceled {
			continue
		}
		step, ok := stepByKey[stepKey{t.JobID, t.StepNo}]
		if !ok {
			continue
		}
		if step.PreviousNo != nil {
			if stepPending[stepKey{t.JobID, *step.PreviousNo}] {
				continue
			}
			prevStatus, ok := stepStatus[stepKey{t.JobID, *step.PreviousNo}]
			if !ok {
				continue
			}
			if prevStatus != types.TaskCompleted {
				if types.TaskStatus(prevStatus).Terminal() {
					toCancel = append(toCancel, t)
				}
				continue
			}
		}
		ready = append(ready, readyTask{task: t, step: step, job: job})
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.job.Priority != b.job.Priority {
			return a.job.Priority < b.job.Priority
		}
		if a.task.JobID != b.task.JobID {
			return a.task.JobID < b.task.JobID
		}
		if a.task.StepNo != b.task.StepNo {
			return a.task.StepNo < b.task.StepNo
		}
		return a.task.No < b.task.No
	})
	return ready, toCancel
}

type stepKey struct {
	jobID int64
	no    int
}

// worseStatus reports whether candidate represents a "more advanced" or more
// definitive state than current for the purpose of summarizing a Step's
// progress from its Tasks (used only to resolve PreviousNo dependencies).
func worseStatus(current, candidate types.TaskStatus) bool {
	rank := func(s types.TaskStatus) int {
		switch s {
		case types.TaskQueued:
			return 0
		case types.TaskRunning:
			return 1
		case types.TaskCompleted:
			return 2
		case types.TaskBadPatch, types.TaskBadBuild, types.TaskBotError, types.TaskCanceled:
			return 3
		default:
			return 0
		}
	}
	return rank(candidate) > rank(current)
}

// compatibleType reports whether a VM of (vmType, role) can run step's
// workload (§4.1 point 5).
func compatibleType(step *types.Step, vmType types.VMType, role types.VMRole) bool {
	if role == types.RoleRetired || role == types.RoleDeleted {
		return false
	}
	switch step.Type {
	case types.StepBuild:
		return vmType == types.VMBuild && role == types.RoleBase
	case types.StepReconfig:
		return vmType == types.VMBuild && role == types.RoleBase
	case types.StepSuite, types.StepSingle:
		if step.FileType == types.FileExe64 {
			return vmType == types.VMWin64 && (role == types.RoleBase || role == types.RoleWinetest)
		}
		return (vmType == types.VMWin32 || vmType == types.VMWin64) &&
			(role == types.RoleBase || role == types.RoleWinetest)
	default:
		return false
	}
}

// vmForTask looks up a ready Task's pre-assigned VM (Tasks are created one
// per target VM at Job/Step composition time, per the real fleet population
// at submission — see §4.5's "a suite Step per eligible Windows VM"; unlike
// a generic work queue there is no pool to pick from). It returns nil if the
// VM is missing, not idle, already claimed this cycle, or the fleet has
// since reassigned it out of a compatible role (§4.1 point 5's Type/Role
// check is therefore a late revalidation, not a search).
func vmForTask(vmByName map[string]*types.VM, step *types.Step, task *types.Task, taken map[string]bool) *types.VM {
	vm, ok := vmByName[task.VM]
	if !ok || vm.Status != types.VMIdle || taken[vm.Name] {
		return nil
	}
	if !compatibleType(step, vm.Type, vm.Role) {
		return nil
	}
	return vm
}
