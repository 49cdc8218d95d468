package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fgouget/wine-tools-sub001/internal/types"
)

func TestAllowedLegalEdges(t *testing.T) {
	assert.True(t, Allowed(types.VMDirty, types.VMIdle, ActorVLWCheckIdle))
	assert.True(t, Allowed(types.VMIdle, types.VMReverting, ActorED))
	assert.True(t, Allowed(types.VMReverting, types.VMSleeping, ActorVLWRevert))
	assert.True(t, Allowed(types.VMSleeping, types.VMIdle, ActorVLWSettle))
	assert.True(t, Allowed(types.VMRunning, types.VMDirty, ActorTW))
	assert.True(t, Allowed(types.VMOffline, types.VMOff, ActorVLWMonitor))
}

func TestAllowedAdminMaintenanceFromAnyState(t *testing.T) {
	for _, s := range []types.VMStatus{types.VMDirty, types.VMIdle, types.VMRunning, types.VMOffline} {
		assert.True(t, Allowed(s, types.VMMaintenance, ActorAdmin))
	}
}

func TestDisallowedEdgesRejected(t *testing.T) {
	assert.False(t, Allowed(types.VMIdle, types.VMRunning, ActorVLWRevert))
	assert.False(t, Allowed(types.VMDirty, types.VMRunning, ActorED))
	assert.False(t, Allowed(types.VMMaintenance, types.VMIdle, ActorAdmin))
}
