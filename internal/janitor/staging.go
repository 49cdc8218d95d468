package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// knownStagingPrefixes are the temp-file prefixes this repo's own code ever
// creates under DataDir/staging (trigger.writeAtomic's downloads and the
// web submission frontend's patch/exe uploads, out of core scope per §1 but
// still landing in this directory). Anything else is either an operator
// drop or a bug upstream; sweepStaging warns instead of silently eating it.
var knownStagingPrefixes = []string{"winetest-update-", "websubmit-"}

func isKnownStagingName(name string) bool {
	for _, prefix := range knownStagingPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// sweepStaging removes abandoned uploads. A recognized file older than a
// day is almost certainly an interrupted websubmit that will never be
// claimed, so it goes immediately; anything unrecognized only gets a
// warning until it crosses the much longer JobPurgeDays+7 backstop, so an
// operator has a window to notice before it's gone for good.
func (j *Janitor) sweepStaging(ctx context.Context) error {
	dir := filepath.Join(j.Config.DataDir, "staging")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	log := wtlog.WithComponent("janitor")
	abandonedCutoff := time.Now().Add(-24 * time.Hour)
	backstopCutoff := time.Now().AddDate(0, 0, -(j.Config.JobPurgeDays + 7))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		switch {
		case isKnownStagingName(entry.Name()) && info.ModTime().Before(abandonedCutoff):
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		case !isKnownStagingName(entry.Name()) && info.ModTime().Before(backstopCutoff):
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			log.Warn().Str("file", entry.Name()).Msg("deleted unrecognized staging file past backstop age")
		case !isKnownStagingName(entry.Name()):
			log.Warn().Str("file", entry.Name()).Msg("unrecognized staging file")
		}
	}
	return nil
}
