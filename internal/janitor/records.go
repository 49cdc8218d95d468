package janitor

import (
	"context"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// deleteOldRecordGroups drops audit RecordGroups older than JobPurgeDays;
// RS already exposes the bulk cutoff delete, so this is a thin wrapper.
func (j *Janitor) deleteOldRecordGroups(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -j.Config.JobPurgeDays)
	n, err := j.Store.DeleteRecordGroupsBefore(cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		wtlog.WithComponent("janitor").Debug().Int("count", n).Msg("deleted old record groups")
	}
	return nil
}
