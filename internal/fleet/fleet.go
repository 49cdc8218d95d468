// Package fleet loads the static VM-fleet definition (SPEC_FULL.md Domain
// Stack: "vms.yaml describing each VM's Type/Role/IdleSnapshot") and
// reconciles it into the Record Store at engine bootstrap, grounded on the
// teacher's own YAML-defined declarative resource loading in
// pkg/config/yaml.go (cluster/node definitions read once at startup and
// upserted into storage).
package fleet

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fgouget/wine-tools-sub001/internal/store"
	"github.com/fgouget/wine-tools-sub001/internal/types"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

// Entry is one VM's declaration in the fleet file.
type Entry struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
	Role         string `yaml:"role"`
	SortOrder    int    `yaml:"sort_order"`
	IdleSnapshot string `yaml:"idle_snapshot"`
	Description  string `yaml:"description"`
	Details      string `yaml:"details"`
}

// Definition is the top-level shape of the fleet YAML file.
type Definition struct {
	VMs []Entry `yaml:"vms"`
}

// Load parses a fleet definition file.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("fleet: read %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("fleet: parse %s: %w", path, err)
	}
	return def, nil
}

// Reconcile upserts every Entry into RS as a VM row. A VM already present
// keeps its live Status/ChildPid/Errors (those belong to the state machine,
// not the static declaration) but has its Type/Role/SortOrder/IdleSnapshot/
// Description/Details refreshed from the file, so editing vms.yaml and
// re-running the engine (or the hot-reload watcher) is how an operator
// changes fleet metadata without touching RS by hand. VMs missing from the
// file are left alone: fleet retirement goes through Role=retired/deleted
// and the janitor (§4.6), not silent deletion on a stale or truncated file.
func Reconcile(s store.Store, def Definition) error {
	for _, e := range def.VMs {
		existing, err := s.GetVM(e.Name)
		if err == store.ErrNotFound {
			if err := s.CreateVM(&types.VM{
				Name:         e.Name,
				Type:         types.VMType(e.Type),
				Role:         types.VMRole(e.Role),
				SortOrder:    e.SortOrder,
				IdleSnapshot: e.IdleSnapshot,
				Status:       types.VMDirty,
				Description:  e.Description,
				Details:      e.Details,
			}); err != nil {
				return fmt.Errorf("fleet: create vm %s: %w", e.Name, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("fleet: load vm %s: %w", e.Name, err)
		}

		existing.Type = types.VMType(e.Type)
		existing.Role = types.VMRole(e.Role)
		existing.SortOrder = e.SortOrder
		existing.IdleSnapshot = e.IdleSnapshot
		existing.Description = e.Description
		existing.Details = e.Details
		if err := s.SaveVM(existing); err != nil {
			return fmt.Errorf("fleet: update vm %s: %w", e.Name, err)
		}
	}
	return nil
}

// Watch re-runs Load+Reconcile against path every time it is written,
// giving the engine a hot-reload without a restart (SPEC_FULL.md Domain
// Stack: "fsnotify... used by engine to hot-reload the VM fleet file"). It
// blocks until ctx is canceled.
func Watch(ctx context.Context, s store.Store, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		return fmt.Errorf("fleet: watch %s: %w", path, err)
	}

	log := wtlog.WithComponent("fleet")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) {
				continue
			}
			def, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Msg("fleet file reload failed, keeping previous definition")
				continue
			}
			if err := Reconcile(s, def); err != nil {
				log.Warn().Err(err).Msg("fleet reconcile failed")
				continue
			}
			log.Info().Int("vms", len(def.VMs)).Msg("fleet file reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("fleet watcher error")
		}
	}
}
