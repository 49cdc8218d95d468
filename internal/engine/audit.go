package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// auditVMStatus appends a RecordGroup for a VM status transition ED just
// made (§3 "Appended by ED and workers; JAN deletes groups older than purge
// horizon"). Best-effort: a failure to write the audit trail must never
// block the transition that already landed.
func (e *Engine) auditVMStatus(name string, from, to types.VMStatus) {
	err := e.Store.AppendRecordGroup(&types.RecordGroup{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Records: []types.Record{{
			Type:  types.RecordVMStatus,
			Name:  name,
			Value: fmt.Sprintf("%s->%s", from, to),
		}},
	})
	if err != nil {
		wtlog.WithVM(name).Warn().Err(err).Msg("failed to append vm status audit record")
	}
}
