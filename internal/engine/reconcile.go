package engine

import (
	"context"

	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/fsm"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/procsup"
	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// Reconcile recomputes in-flight work after a restart: ED's own state
// (e.owned) is empty on a fresh process, so every VM with a ChildPid set is
// re-examined against the live process table. A dead pid is the "child
// crashed" transition of §4.1 point 1 applied retroactively. A live pid is
// only logged: its ChildPid stays on the VM row, but it is not entered into
// e.owned, holds no concurrency permit, and its exit is not reported through
// the Spawner's Exits channel.
func (e *Engine) Reconcile(ctx context.Context) error {
	vms, err := e.Store.ListVMs()
	if err != nil {
		return err
	}

	log := wtlog.WithComponent("engine")
	for _, vm := range vms {
		if vm.ChildPid == nil {
			continue
		}

		if procsup.IsAlive(*vm.ChildPid) {
			log.Info().Str("vm", vm.Name).Int32("pid", *vm.ChildPid).Msg("re-adopting live child after restart")
			continue
		}

		log.Warn().Str("vm", vm.Name).Int32("pid", *vm.ChildPid).Msg("owning child is dead, applying crash transition")
		_, _ = e.Store.CASVMOwner(vm.Name, vm.ChildPid, nil, nil)

		to, crashed := reconcileCrashTarget(vm.Status)
		if !crashed {
			continue
		}
		if fsm.Allowed(vm.Status, to, fsm.ActorED) {
			if ok, _ := e.Store.CASVMStatus(vm.Name, vm.Status, to); ok {
				e.auditVMStatus(vm.Name, vm.Status, to)
				if to == types.VMOffline {
					metrics.VMsQuarantined.Inc()
					e.publish(events.VMOffline, vm.Name, "owning child not found after restart")
				}
			}
		}
	}
	return nil
}

func reconcileCrashTarget(status types.VMStatus) (types.VMStatus, bool) {
	switch status {
	case types.VMReverting, types.VMSleeping:
		return types.VMOffline, true
	case types.VMRunning:
		return types.VMDirty, true
	default:
		return "", false
	}
}
