package engine

import (
	"context"
	"fmt"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

// spawnProbes starts VLW(checkidle)/VLW(checkoff) for unowned dirty VMs and
// VLW(monitor) for unowned off/offline VMs, so a quarantined VM is
// continually re-checked for recovery (§4.1 point 3, §4.2 monitor edges).
func (e *Engine) spawnProbes(ctx context.Context) error {
	vms, err := e.Store.ListVMs()
	if err != nil {
		return err
	}

	for _, vm := range vms {
		if e.hasOwner(vm.Name) {
			continue
		}

		switch vm.Status {
		case types.VMDirty:
			kind := kindCheckIdle
			if vm.IdleSnapshot == "" {
				kind = kindCheckOff
			}
			if err := e.spawnVLW(kind, vm.Name); err != nil {
				return err
			}
		case types.VMOff, types.VMOffline:
			if err := e.spawnVLW(kindMonitor, vm.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) hasOwner(vmName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.owned[vmName]
	return ok
}

func (e *Engine) spawnVLW(kind childKind, vmName string) error {
	action := vlwAction(kind)
	pid, err := e.Spawner.Spawn(string(kind), vmName, "libvirt-tool", action, vmName)
	if err != nil {
		return fmt.Errorf("spawn %s for %s: %w", kind, vmName, err)
	}

	e.mu.Lock()
	e.owned[vmName] = ownedChild{kind: kind, pid: pid}
	e.mu.Unlock()
	return nil
}

func vlwAction(kind childKind) string {
	switch kind {
	case kindCheckIdle:
		return "checkidle"
	case kindCheckOff:
		return "checkoff"
	case kindRevert:
		return "revert"
	case kindMonitor:
		return "monitor"
	default:
		return ""
	}
}
