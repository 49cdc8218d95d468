package trigger

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// StagingWatcher watches DataDir/staging for newly dropped websubmit files
// between PT's own poll ticks, grounded on the teacher's am.ConfigWatcher
// fsnotify usage (generalized from a config-reload callback to an
// events.Broker publish so the janitor's staging sweep and any web-UI
// status page can react without re-polling the directory themselves).
type StagingWatcher struct {
	Broker *events.Broker

	watcher *fsnotify.Watcher
}

// Watch creates the underlying fsnotify watcher on dir and begins
// publishing events.StagingDropped whenever a new file is created there. It
// blocks until ctx is canceled.
func (sw *StagingWatcher) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	sw.watcher = w
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	log := wtlog.WithComponent("trigger")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if strings.Contains(ev.Name, "websubmit") && sw.Broker != nil {
				sw.Broker.Publish(&events.Event{
					Type:     events.StagingDropped,
					Message:  ev.Name,
					Metadata: map[string]string{"path": ev.Name},
				})
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("staging watcher error")
		}
	}
}
