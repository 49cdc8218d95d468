// Package trigger is the Periodic Trigger (PT, spec §4.5): it polls the
// upstream winetest build for updates and, on a new build, composes the
// reconfig+suite Job family that exercises it across the fleet. Grounded on
// the teacher's pkg/health.HTTPChecker for the conditional-GET client shape,
// generalized from a liveness probe into a conditional download.
package trigger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/fgouget/wine-tools-sub001/internal/config"
	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// recordLastModified is the RS Record name PT caches the upstream
// Last-Modified value under, keyed by RecordEngine (no dedicated record
// type exists for PT bookkeeping; it is a single scalar, not a per-Job
// audit trail).
const recordLastModified = "winetest.last_modified"

// Trigger drives PT's two responsibilities: the update check and the Job
// composition that follows a successful download.
type Trigger struct {
	Store  store.Store
	Config config.Config
	Client *http.Client

	// Limiter spaces out the network fetches of repeated CheckForUpdate
	// calls on this Trigger (a create=true call bypasses it); New sets its
	// interval from Config.PollInterval and minPollGap. Each
	// check-for-winetest-update run builds a fresh Trigger, so its first
	// call is never delayed.
	Limiter *rate.Limiter
}

// minPollGap floors the rate limiter below Config.PollInterval so a
// misconfigured near-zero poll interval still cannot hammer the upstream
// mirror, without making the limiter itself reproduce the full poll cadence
// (that cadence is the external scheduler's job, per §4.5/§6).
const minPollGap = 2 * time.Second

// New builds a Trigger with a client timeout generous enough for a full
// winetest executable download over a slow mirror, and a limiter that caps
// how often a conditional GET can actually reach the network.
func New(s store.Store, cfg config.Config) *Trigger {
	gap := cfg.PollInterval
	if gap <= 0 || gap > minPollGap {
		gap = minPollGap
	}
	return &Trigger{
		Store:   s,
		Config:  cfg,
		Client:  &http.Client{Timeout: 5 * time.Minute},
		Limiter: rate.NewLimiter(rate.Every(gap), 1),
	}
}

// CheckForUpdate performs the conditional GET against Config.WinetestURL. If
// the upstream has not changed since the cached Last-Modified it returns
// (false, nil) without touching RS. On a new build it stages the download,
// renames it into place atomically, and composes the reconfig+suite Job
// family for the given VM-population selectors (base32, winetest32, all64;
// empty means all three). Other selector names, "build" included, add no
// suite Step; the reconfig Step on the build VM is always composed.
// create forces the download and Job composition even if the upstream
// reports unchanged (the CLI's --create flag, for manual re-runs).
func (t *Trigger) CheckForUpdate(ctx context.Context, selectors []string, create bool) (bool, error) {
	log := wtlog.WithComponent("trigger")

	if !create && t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("trigger: rate limit wait: %w", err)
		}
	}

	cached, err := t.cachedLastModified()
	if err != nil {
		return false, fmt.Errorf("trigger: read cached mtime: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Config.WinetestURL, nil)
	if err != nil {
		return false, fmt.Errorf("trigger: build request: %w", err)
	}
	if cached != "" && !create {
		req.Header.Set("If-Modified-Since", cached)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("trigger: fetch %s: %w", t.Config.WinetestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		log.Debug().Msg("winetest build unchanged")
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("trigger: unexpected status %s fetching %s", resp.Status, t.Config.WinetestURL)
	}

	if err := t.writeAtomic(resp.Body); err != nil {
		return false, fmt.Errorf("trigger: write download: %w", err)
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if err := t.cacheLastModified(lm); err != nil {
			log.Warn().Err(err).Msg("failed to cache Last-Modified, next poll will re-download")
		}
	}

	log.Info().Msg("new winetest build downloaded, composing Job family")
	if err := t.composeJobFamily(selectors); err != nil {
		return true, fmt.Errorf("trigger: compose job family: %w", err)
	}
	return true, nil
}

func (t *Trigger) cachedLastModified() (string, error) {
	groups, err := t.Store.ListRecordGroups()
	if err != nil {
		return "", err
	}
	for i := len(groups) - 1; i >= 0; i-- {
		for _, r := range groups[i].Records {
			if r.Type == types.RecordEngine && r.Name == recordLastModified {
				return r.Value, nil
			}
		}
	}
	return "", nil
}

func (t *Trigger) cacheLastModified(value string) error {
	return t.Store.AppendRecordGroup(&types.RecordGroup{
		ID:        "trigger-" + value,
		Timestamp: time.Now(),
		Records: []types.Record{
			{Type: types.RecordEngine, Name: recordLastModified, Value: value},
		},
	})
}

// writeAtomic stages the download under DataDir/staging and renames it into
// DataDir/latest only once fully written, so a concurrent reconfig Task
// never observes a partial file (§6 "Persisted layout").
func (t *Trigger) writeAtomic(body io.Reader) error {
	latestDir := filepath.Join(t.Config.DataDir, "latest")
	stagingDir := filepath.Join(t.Config.DataDir, "staging")
	if err := os.MkdirAll(latestDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return err
	}

	staged, err := os.CreateTemp(stagingDir, "winetest-update-*")
	if err != nil {
		return err
	}
	defer os.Remove(staged.Name())

	if _, err := io.Copy(staged, body); err != nil {
		staged.Close()
		return err
	}
	if err := staged.Close(); err != nil {
		return err
	}

	target := filepath.Join(latestDir, "winetest-latest.exe")
	return os.Rename(staged.Name(), target)
}
