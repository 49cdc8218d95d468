// Package engine is the Engine/Dispatcher (ED, spec §4.1): the single
// long-running supervisor that keeps every VM owned by a live child while it
// is running/reverting/sleeping, and drains ready Tasks onto idle VMs.
// Grounded on the teacher's pkg/scheduler ticker-driven cycle and
// pkg/events.Broker wake-channel idiom, generalized from a 5-second poll
// into an event loop woken by child-exit, a timer, or an internal wake
// message, and from in-process workers into real child processes (a TW
// crash must never take ED down).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/fsm"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/procsup"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// childKind distinguishes the child processes ED spawns.
type childKind string

const (
	kindCheckIdle childKind = "vlw-checkidle"
	kindCheckOff  childKind = "vlw-checkoff"
	kindRevert    childKind = "vlw-revert"
	kindMonitor   childKind = "vlw-monitor"
	kindTask      childKind = "tw"
)

// ownedChild tracks one in-flight child ED spawned, keyed by VM name so a
// second probe is never spawned for a VM that already has one outstanding.
type ownedChild struct {
	kind   childKind
	pid    int32
	task   *types.TaskKey
	permit *semaphore.Weighted // non-nil for kinds that hold a concurrency slot
}

// Engine is ED. One instance per installation (§4.1 "exactly one supervisor
// per installation").
type Engine struct {
	Store   store.Store
	Config  config.Config
	Broker  *events.Broker
	Spawner *procsup.Spawner

	// Binary is the executable ED re-execs for VLW/TW subcommands, normally
	// os.Args[0].
	Binary string

	reverts *semaphore.Weighted
	running *semaphore.Weighted

	mu    sync.Mutex
	owned map[string]ownedChild
}

// New builds an Engine with the concurrency caps from cfg (§4.1 point 8).
// The spec's "per VM-host" grouping for reverts has no Host entity in the
// data model (§3), so both caps are enforced globally; see DESIGN.md.
func New(s store.Store, cfg config.Config, broker *events.Broker, spawner *procsup.Spawner, binary string) *Engine {
	return &Engine{
		Store:   s,
		Config:  cfg,
		Broker:  broker,
		Spawner: spawner,
		Binary:  binary,
		reverts: semaphore.NewWeighted(int64(maxInt(cfg.MaxConcurrentRevertsPerHost, 1))),
		running: semaphore.NewWeighted(int64(maxInt(cfg.MaxConcurrentRunningVMs, 1))),
		owned:   make(map[string]ownedChild),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run drives ED's main loop until ctx is canceled (§4.1 "Main loop").
func (e *Engine) Run(ctx context.Context) error {
	log := wtlog.WithComponent("engine")

	if err := e.Reconcile(ctx); err != nil {
		return fmt.Errorf("engine: reconcile on start: %w", err)
	}

	wake := e.Broker.Subscribe()
	defer e.Broker.Unsubscribe(wake)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		timer := metrics.NewTimer()
		if err := e.tick(ctx); err != nil {
			log.Error().Err(err).Msg("dispatch cycle failed")
		}
		timer.ObserveDuration(metrics.EngineSchedulingLatency)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ex := <-e.Spawner.Exits:
			e.handleExit(ex)
		case <-wake:
		case <-ticker.C:
		}
	}
}

// tick runs one dispatch cycle: reap, evict, classify-probe, dispatch
// (§4.1 points 1-7; point 8's caps are enforced inline by the permits).
func (e *Engine) tick(ctx context.Context) error {
	e.drainExits()

	if err := e.evictExpired(ctx); err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	if err := e.spawnProbes(ctx); err != nil {
		return fmt.Errorf("probes: %w", err)
	}
	if err := e.dispatchReadyTasks(ctx); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func (e *Engine) drainExits() {
	for {
		select {
		case ex := <-e.Spawner.Exits:
			e.handleExit(ex)
		default:
			return
		}
	}
}

// handleExit reaps one child's exit (§4.1 point 1). If the VM row's
// ChildPid still names this pid, the child died before completing its own
// transition and ED forces the crash transition itself.
func (e *Engine) handleExit(ex procsup.Exit) {
	e.mu.Lock()
	oc, ok := e.owned[ex.VM]
	if ok && oc.pid == ex.Pid {
		delete(e.owned, ex.VM)
	} else {
		ok = false
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	if oc.permit != nil {
		oc.permit.Release(1)
	}

	if oc.kind == kindTask && oc.task != nil {
		if err := e.updateJobStatus(oc.task.JobID); err != nil {
			wtlog.WithJob(oc.task.JobID, oc.task.StepNo, oc.task.No).Warn().Err(err).Msg("failed to recompute job status")
		}
	}

	vm, err := e.Store.GetVM(ex.VM)
	if err != nil {
		return
	}
	if vm.ChildPid != nil && *vm.ChildPid == ex.Pid {
		_, _ = e.Store.CASVMOwner(ex.VM, vm.ChildPid, nil, nil)
	}

	to, crashed := crashTarget(vm.Status, oc.kind)
	if crashed {
		if fsm.Allowed(vm.Status, to, fsm.ActorED) {
			if ok, _ := e.Store.CASVMStatus(ex.VM, vm.Status, to); ok {
				e.auditVMStatus(ex.VM, vm.Status, to)
				metrics.VMsQuarantined.Add(boolFloat(to == types.VMOffline))
				if to == types.VMOffline {
					e.publish(events.VMOffline, ex.VM, "child crashed mid-"+string(oc.kind))
				}
			}
		}
		return
	}

	// A successful revert leaves vm idle with oc.task still naming the Task
	// it was claimed for. This is the only point that still holds that
	// assignment once the exit has been reaped — a later tick's
	// dispatchReadyTasks has no way to tell "just reverted for this Task"
	// apart from "idle and available" — so the hand-off to a TW happens
	// here rather than in a separate pass (§4.1 point 7).
	if oc.kind == kindRevert && oc.task != nil && vm.Status == types.VMIdle {
		if !e.running.TryAcquire(1) {
			wtlog.WithVM(ex.VM).Warn().Msg("no running VM slot free after revert, task stays queued for the next cycle")
			return
		}
		if err := e.startTask(vm, *oc.task); err != nil {
			e.running.Release(1)
			wtlog.WithVM(ex.VM).Error().Err(err).Msg("failed to start task worker after revert")
		}
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// crashTarget reports the forced next status for a VM whose owning child
// died without reaching a terminal state for its action, and whether that
// condition actually holds (a clean exit already moved Status onward, in
// which case there is nothing to force).
func crashTarget(status types.VMStatus, kind childKind) (types.VMStatus, bool) {
	switch kind {
	case kindRevert:
		if status == types.VMReverting || status == types.VMSleeping {
			return types.VMOffline, true
		}
	case kindTask:
		if status == types.VMRunning {
			return types.VMDirty, true
		}
	}
	return "", false
}

func (e *Engine) publish(t events.Type, vm, msg string) {
	if e.Broker == nil {
		return
	}
	e.Broker.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"vm": vm},
	})
}
