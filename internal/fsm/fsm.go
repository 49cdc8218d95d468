// Package fsm holds the VM state transition table from spec §4.2 as a
// data-driven graph instead of scattering the legality checks across VLW/ED:
// callers ask Allowed before a CAS, and any edge not in the table is
// reported as not allowed. The table itself is not validated at init.
package fsm

import "github.com/fgouget/wine-tools-sub001/internal/types"

// Actor names the component allowed to drive a given transition.
type Actor string

const (
	ActorVLWCheckIdle Actor = "vlw:checkidle"
	ActorVLWCheckOff  Actor = "vlw:checkoff"
	ActorVLWRevert    Actor = "vlw:revert"
	ActorVLWSettle    Actor = "vlw:settle"
	ActorVLWMonitor   Actor = "vlw:monitor"
	ActorED           Actor = "ed:cas"
	ActorTW           Actor = "tw:exit"
	ActorAdmin        Actor = "admin"
)

// Transition is one edge of the VM state graph.
type Transition struct {
	From  types.VMStatus
	To    types.VMStatus
	Actor Actor
}

// Graph enumerates every legal (From, Actor) -> To edge in §4.2. init()
// indexes it once for Allowed; anything not listed here is illegal and
// Allowed returns false for it.
var Graph = []Transition{
	{From: types.VMDirty, To: types.VMIdle, Actor: ActorVLWCheckIdle},
	{From: types.VMDirty, To: types.VMOff, Actor: ActorVLWCheckOff},
	{From: types.VMDirty, To: types.VMOffline, Actor: ActorVLWCheckIdle},
	{From: types.VMDirty, To: types.VMOffline, Actor: ActorVLWCheckOff},
	{From: types.VMOff, To: types.VMOffline, Actor: ActorVLWMonitor},
	{From: types.VMIdle, To: types.VMReverting, Actor: ActorED},
	{From: types.VMOff, To: types.VMReverting, Actor: ActorED},
	{From: types.VMReverting, To: types.VMSleeping, Actor: ActorVLWRevert},
	{From: types.VMReverting, To: types.VMOffline, Actor: ActorVLWRevert},
	{From: types.VMSleeping, To: types.VMOffline, Actor: ActorVLWRevert},
	{From: types.VMSleeping, To: types.VMIdle, Actor: ActorVLWSettle},
	{From: types.VMIdle, To: types.VMRunning, Actor: ActorED},
	{From: types.VMOff, To: types.VMRunning, Actor: ActorED},
	{From: types.VMRunning, To: types.VMDirty, Actor: ActorTW},
	{From: types.VMRunning, To: types.VMOffline, Actor: ActorTW},
	{From: types.VMOff, To: types.VMOff, Actor: ActorVLWMonitor},
	{From: types.VMOffline, To: types.VMOff, Actor: ActorVLWMonitor},

	// ED's own crash-recovery transitions (§4.1 "Idempotence" / reap step):
	// a child that exited without itself completing its state transition
	// (killed, OOM, crash) leaves the VM row exactly as it was; ED forces it
	// onward rather than leaving it stuck claiming a dead owner.
	{From: types.VMRunning, To: types.VMDirty, Actor: ActorED},
	{From: types.VMRunning, To: types.VMOffline, Actor: ActorED},
	{From: types.VMReverting, To: types.VMOffline, Actor: ActorED},
	{From: types.VMSleeping, To: types.VMOffline, Actor: ActorED},
}

var byEdge map[edgeKey]bool

type edgeKey struct {
	from  types.VMStatus
	to    types.VMStatus
	actor Actor
}

func init() {
	byEdge = make(map[edgeKey]bool, len(Graph))
	for _, t := range Graph {
		byEdge[edgeKey{t.From, t.To, t.Actor}] = true
	}
	// "any -> maintenance" by admin is allowed from every state; add it here
	// rather than enumerating every From.
	for _, s := range []types.VMStatus{
		types.VMDirty, types.VMReverting, types.VMSleeping, types.VMIdle,
		types.VMRunning, types.VMOff, types.VMOffline, types.VMMaintenance,
	} {
		byEdge[edgeKey{s, types.VMMaintenance, ActorAdmin}] = true
	}
}

// Allowed reports whether actor may CAS a VM from `from` to `to`. ED and VLW
// callers must check this before attempting the transition; the store-level
// CAS only compares the current status with `from` and does not consult this
// table. A failed CAS
// attempt must never force-overwrite the row (§4.2 "a failed CAS means
// another actor won").
func Allowed(from, to types.VMStatus, actor Actor) bool {
	return byEdge[edgeKey{from, to, actor}]
}
