// Package vlw is the VM Lifecycle Worker (spec §2.2/§4.2): one short-lived
// process per VM-state transition, performing revert, poweroff, checkidle,
// checkoff or monitor. Grounded on the teacher's reconciler "observe actual
// state, CAS desired state" style (pkg/reconciler), condensed into a single
// action instead of a ticking loop since each invocation is its own process.
package vlw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/agentchan"
	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/fsm"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/vmdriver"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// Action names one of the five VLW invocations (§2.2).
type Action string

const (
	ActionRevert    Action = "revert"
	ActionPowerOff  Action = "poweroff"
	ActionCheckIdle Action = "checkidle"
	ActionCheckOff  Action = "checkoff"
	ActionMonitor   Action = "monitor"
)

// Worker runs one VLW action against one VM.
type Worker struct {
	Store   store.Store
	Driver  vmdriver.Driver
	Config  config.Config
	Broker  *events.Broker
	Connect func(ctx context.Context, vmName string) (*agentchan.Client, error)
}

// Run executes action against vmName and returns the terminal VM.Status it
// left behind. Every path writes a concrete status before returning, even on
// error, so ED never finds the VM wedged (§7).
func (w *Worker) Run(ctx context.Context, action Action, vmName string) (types.VMStatus, error) {
	logger := wtlog.WithVM(vmName)

	vm, err := w.Store.GetVM(vmName)
	if err != nil {
		return "", fmt.Errorf("vlw: load VM %s: %w", vmName, err)
	}

	switch action {
	case ActionCheckIdle:
		return w.checkIdle(ctx, vm)
	case ActionCheckOff:
		return w.checkOff(ctx, vm)
	case ActionRevert:
		return w.revert(ctx, vm)
	case ActionPowerOff:
		return w.powerOff(ctx, vm)
	case ActionMonitor:
		return w.monitor(ctx, vm)
	default:
		logger.Error().Str("action", string(action)).Msg("unknown VLW action")
		return "", fmt.Errorf("vlw: unknown action %q", action)
	}
}

// checkIdle moves a dirty VM to idle when it is already powered off with its
// current snapshot matching IdleSnapshot — the "nothing to do, it's already
// clean" fast path (§4.2).
func (w *Worker) checkIdle(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	on, err := w.Driver.IsPoweredOn(ctx, vm.Name)
	if err != nil {
		return w.toOffline(ctx, vm, fsm.ActorVLWCheckIdle, err)
	}
	if on {
		return vm.Status, nil // still running something, nothing to claim
	}

	snap, err := w.Driver.CurrentSnapshotName(ctx, vm.Name)
	if err != nil {
		return w.toOffline(ctx, vm, fsm.ActorVLWCheckIdle, err)
	}
	if snap != vm.IdleSnapshot {
		return vm.Status, nil // dirty remains dirty, checkoff will force it clean
	}

	return w.cas(vm, types.VMIdle, fsm.ActorVLWCheckIdle)
}

// checkOff forces a dirty VM to a clean off state regardless of its current
// snapshot, used when checkidle's fast path doesn't apply.
func (w *Worker) checkOff(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	if err := w.Driver.PowerOff(ctx, vm.Name, true); err != nil {
		return w.toOffline(ctx, vm, fsm.ActorVLWCheckOff, err)
	}
	return w.cas(vm, types.VMOff, fsm.ActorVLWCheckOff)
}

// powerOff force-powers-off a VM without changing its recorded status (the
// poweroff action; checkoff and ED's deadline eviction do not go through it).
func (w *Worker) powerOff(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	if err := w.Driver.PowerOff(ctx, vm.Name, true); err != nil {
		return vm.Status, fmt.Errorf("vlw: poweroff %s: %w", vm.Name, err)
	}
	return vm.Status, nil
}

// revert drives idle/off → reverting → sleeping → idle: power off, revert to
// the idle snapshot, then ping the agent channel until it answers within
// WaitForToolsInVM (§4.2's revert sequence). Any sub-step failure is fatal
// and moves the VM to offline.
func (w *Worker) revert(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RevertDuration)

	if err := w.Driver.PowerOff(ctx, vm.Name, true); err != nil {
		return w.toOffline(ctx, vm, fsm.ActorVLWRevert, err)
	}
	if err := w.Driver.RevertToSnapshot(ctx, vm.Name, vm.IdleSnapshot); err != nil {
		return w.toOffline(ctx, vm, fsm.ActorVLWRevert, err)
	}

	if !fsm.Allowed(vm.Status, types.VMSleeping, fsm.ActorVLWRevert) {
		return vm.Status, fmt.Errorf("vlw: %s->sleeping not allowed", vm.Status)
	}
	if _, err := w.Store.CASVMStatus(vm.Name, vm.Status, types.VMSleeping); err != nil {
		return "", fmt.Errorf("vlw: cas to sleeping: %w", err)
	}

	if err := w.waitForTools(ctx, vm.Name); err != nil {
		sleeping := *vm
		sleeping.Status = types.VMSleeping
		return w.toOffline(ctx, &sleeping, fsm.ActorVLWRevert, err)
	}

	time.Sleep(w.Config.SettlePause)

	swapped, err := w.Store.CASVMStatus(vm.Name, types.VMSleeping, types.VMIdle)
	if err != nil {
		return "", fmt.Errorf("vlw: cas sleeping->idle: %w", err)
	}
	if !swapped {
		return w.reread(vm.Name)
	}
	return types.VMIdle, nil
}

// waitForTools pings the agent channel until it answers, or the configured
// budget elapses.
func (w *Worker) waitForTools(ctx context.Context, vmName string) error {
	if w.Connect == nil {
		return errors.New("vlw: no agent connector configured")
	}
	deadline := time.Now().Add(w.Config.WaitForToolsInVM)
	for {
		client, err := w.Connect(ctx, vmName)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := client.Ping(pingCtx)
			cancel()
			client.Disconnect()
			if pingErr == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("vlw: agent channel did not answer within %s", w.Config.WaitForToolsInVM)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// monitor polls an off/offline VM's reachability: an off VM just keeps
// checking; an offline VM that responds again transitions back to off and
// triggers a recovery notification.
func (w *Worker) monitor(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	on, err := w.Driver.IsPoweredOn(ctx, vm.Name)
	if vm.Status == types.VMOff {
		if err != nil {
			return w.toOffline(ctx, vm, fsm.ActorVLWMonitor, err)
		}
		return types.VMOff, nil
	}

	// vm.Status == offline: look for a recovery signal.
	if err != nil || on {
		return types.VMOffline, nil // still unreachable or unexpectedly running
	}

	swapped, err := w.Store.CASVMStatus(vm.Name, types.VMOffline, types.VMOff)
	if err != nil {
		return "", fmt.Errorf("vlw: cas offline->off: %w", err)
	}
	if swapped {
		w.publish(events.VMRecovered, vm.Name, "vm recovered")
		wtlog.WithVM(vm.Name).Info().Msg("vm recovered from offline")
	}
	return types.VMOff, nil
}

func (w *Worker) cas(vm *types.VM, to types.VMStatus, actor fsm.Actor) (types.VMStatus, error) {
	if !fsm.Allowed(vm.Status, to, actor) {
		return vm.Status, fmt.Errorf("vlw: %s->%s not allowed for %s", vm.Status, to, actor)
	}
	swapped, err := w.Store.CASVMStatus(vm.Name, vm.Status, to)
	if err != nil {
		return "", fmt.Errorf("vlw: cas %s->%s: %w", vm.Status, to, err)
	}
	if !swapped {
		return w.reread(vm.Name)
	}
	return to, nil
}

// toOffline is the single path every VLW failure funnels through: it forces
// the VM to offline and fires the quarantine notification (§4.2, §7).
func (w *Worker) toOffline(ctx context.Context, vm *types.VM, actor fsm.Actor, cause error) (types.VMStatus, error) {
	wtlog.WithVM(vm.Name).Error().Err(cause).Str("actor", string(actor)).Msg("vlw action failed, quarantining VM")

	if fsm.Allowed(vm.Status, types.VMOffline, actor) {
		if _, err := w.Store.CASVMStatus(vm.Name, vm.Status, types.VMOffline); err != nil {
			return "", fmt.Errorf("vlw: cas ->offline: %w", err)
		}
	} else {
		// already offline, or a race moved it elsewhere; force-set via a
		// fresh read so the row never sticks in reverting/sleeping.
		current, rerr := w.Store.GetVM(vm.Name)
		if rerr == nil && current.Status != types.VMOffline {
			_, _ = w.Store.CASVMStatus(vm.Name, current.Status, types.VMOffline)
		}
	}

	metrics.VMsQuarantined.Inc()
	w.publish(events.VMOffline, vm.Name, cause.Error())
	return types.VMOffline, fmt.Errorf("vlw: %w", cause)
}

func (w *Worker) reread(vmName string) (types.VMStatus, error) {
	vm, err := w.Store.GetVM(vmName)
	if err != nil {
		return "", fmt.Errorf("vlw: re-read %s after failed CAS: %w", vmName, err)
	}
	return vm.Status, nil
}

func (w *Worker) publish(typ events.Type, vmName, msg string) {
	if w.Broker == nil {
		return
	}
	w.Broker.Publish(&events.Event{Type: typ, Message: msg, Metadata: map[string]string{"vm": vmName}})
}
