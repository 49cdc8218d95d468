package janitor

import (
	"context"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// staleAge is how long a PendingPatchSet waits for its remaining parts
// before being abandoned (§4.6 point 2).
const staleAge = 24 * time.Hour

// dropStalePendingPatchSets abandons multi-part series whose most recently
// received part is more than a day old. The final part's Disposition is set
// on the loaded copy and the discard is logged; the set is then deleted with
// its parts, so that Disposition is not persisted and no author notification
// is produced.
func (j *Janitor) dropStalePendingPatchSets(ctx context.Context) error {
	sets, err := j.Store.ListPendingPatchSets()
	if err != nil {
		return err
	}

	log := wtlog.WithComponent("janitor")
	for _, set := range sets {
		if time.Since(set.Received) < staleAge {
			continue
		}

		var last *types.PendingPatchPart
		for _, part := range set.Parts {
			if last == nil || part.Index > last.Index {
				last = part
			}
		}
		if last != nil {
			last.Disposition = "Incomplete series, discarded"
			log.Warn().Str("msg_id", set.MsgID).Int("part", last.Index).
				Msg("discarding incomplete patch series")
		}

		if err := j.Store.DeletePendingPatchSet(set.MsgID); err != nil {
			return err
		}
	}
	return nil
}
