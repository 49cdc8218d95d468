package engine

import (
	"context"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/fsm"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// evictExpired kills any child whose ChildDeadline has passed and marks its
// VM offline (§4.1 point 2).
func (e *Engine) evictExpired(ctx context.Context) error {
	vms, err := e.Store.ListVMs()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, vm := range vms {
		if vm.ChildPid == nil || vm.ChildDeadline == nil || vm.ChildDeadline.After(now) {
			continue
		}

		log := wtlog.WithVM(vm.Name)
		log.Warn().Msg("child deadline exceeded, evicting")

		if err := e.Spawner.Kill(*vm.ChildPid); err != nil {
			log.Error().Err(err).Msg("failed to kill expired child")
		}

		e.mu.Lock()
		if oc, ok := e.owned[vm.Name]; ok {
			delete(e.owned, vm.Name)
			if oc.permit != nil {
				oc.permit.Release(1)
			}
		}
		e.mu.Unlock()

		_, _ = e.Store.CASVMOwner(vm.Name, vm.ChildPid, nil, nil)
		if fsm.Allowed(vm.Status, types.VMOffline, fsm.ActorED) {
			if ok, _ := e.Store.CASVMStatus(vm.Name, vm.Status, types.VMOffline); ok {
				e.auditVMStatus(vm.Name, vm.Status, types.VMOffline)
				metrics.VMsQuarantined.Inc()
				e.publish(events.VMOffline, vm.Name, "child deadline exceeded")
			}
		}
	}
	return nil
}
