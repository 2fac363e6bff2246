// Package registry keeps the working directories created on behalf of each
// run, so they can be swept when the run ends or after a restart.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/CZERTAINLY/exttool/internal/model"
)

// Backend stores the registry in the form of run id -> directory locators.
type Backend interface {
	Save(ctx context.Context, runs map[string][]string) error
	// Load returns an empty map when nothing was saved yet.
	Load(ctx context.Context) (map[string][]string, error)
}

// Journal is a Backend which records every change as it happens.
type Journal interface {
	Backend
	Add(ctx context.Context, runID, dir string) error
	Remove(ctx context.Context, runID, dir string) error
}

// Deleter removes a working directory from its node.
type Deleter interface {
	Delete(ctx context.Context, dir model.Locator) error
}

type Registry struct {
	mx      sync.Mutex
	runs    map[string]map[model.LocatorKey]model.Locator
	backend Backend
}

// New returns an empty registry. A nil backend keeps the registry in
// memory only.
func New(backend Backend) *Registry {
	return &Registry{
		runs:    make(map[string]map[model.LocatorKey]model.Locator),
		backend: backend,
	}
}

// Remember adds dir to the set of runID. A Journal backend records it
// before it becomes visible.
func (r *Registry) Remember(ctx context.Context, runID string, dir model.Locator) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if j, ok := r.backend.(Journal); ok {
		if err := j.Add(ctx, runID, dir.String()); err != nil {
			return fmt.Errorf("journaling %s: %w", dir, err)
		}
	}
	set, ok := r.runs[runID]
	if !ok {
		set = make(map[model.LocatorKey]model.Locator)
		r.runs[runID] = set
	}
	set[dir.Key()] = dir
	slog.DebugContext(ctx, "directory remembered", "run_id", runID, "dir", dir.String())
	return nil
}

// Forget removes dir from the set of runID. The run disappears with its
// last directory.
func (r *Registry) Forget(ctx context.Context, runID string, dir model.Locator) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if set, ok := r.runs[runID]; ok {
		delete(set, dir.Key())
		if len(set) == 0 {
			delete(r.runs, runID)
		}
	}
	if j, ok := r.backend.(Journal); ok {
		if err := j.Remove(ctx, runID, dir.String()); err != nil {
			slog.WarnContext(ctx, "journal remove failed", "run_id", runID, "dir", dir.String(), "error", err)
		}
	}
}

// Dirs returns the directories of a run ordered by their string form.
func (r *Registry) Dirs(runID string) []model.Locator {
	r.mx.Lock()
	defer r.mx.Unlock()
	set := r.runs[runID]
	ret := make([]model.Locator, 0, len(set))
	for _, loc := range set {
		ret = append(ret, loc)
	}
	slices.SortFunc(ret, func(a, b model.Locator) int {
		return strings.Compare(a.String(), b.String())
	})
	return ret
}

// Runs returns the sorted ids of runs with at least one directory.
func (r *Registry) Runs() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ret = append(ret, id)
	}
	slices.Sort(ret)
	return ret
}

// DeleteRun deletes every directory of a run. All directories are
// attempted, the deleted ones are forgotten and the failures are returned
// together while their directories stay registered.
func (r *Registry) DeleteRun(ctx context.Context, runID string, d Deleter) error {
	var errs *multierror.Error
	for _, dir := range r.Dirs(runID) {
		if err := d.Delete(ctx, dir); err != nil {
			slog.ErrorContext(ctx, "deleting directory failed", "run_id", runID, "dir", dir.String(), "error", err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		r.Forget(ctx, runID, dir)
	}
	return errs.ErrorOrNil()
}

// Persist writes a snapshot of the registry to the backend. A Journal is
// rewritten under the registry lock, so no Remember or Forget falls between
// the snapshot and the write.
func (r *Registry) Persist(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	var err error
	var snapshot map[string][]string
	if _, ok := r.backend.(Journal); ok {
		r.mx.Lock()
		snapshot = r.snapshotLocked()
		err = r.backend.Save(ctx, snapshot)
		r.mx.Unlock()
	} else {
		snapshot = r.snapshot()
		err = r.backend.Save(ctx, snapshot)
	}
	if err != nil {
		return fmt.Errorf("persisting registry: %w", err)
	}
	slog.DebugContext(ctx, "registry persisted", "runs", len(snapshot))
	return nil
}

// Load replaces the in-memory registry by the backend content.
func (r *Registry) Load(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	saved, err := r.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	runs := make(map[string]map[model.LocatorKey]model.Locator, len(saved))
	for runID, dirs := range saved {
		for _, s := range dirs {
			loc, err := model.ParseLocator(s)
			if err != nil {
				return fmt.Errorf("loading registry: run %s: %w", runID, err)
			}
			set, ok := runs[runID]
			if !ok {
				set = make(map[model.LocatorKey]model.Locator)
				runs[runID] = set
			}
			set[loc.Key()] = loc
		}
	}
	r.mx.Lock()
	r.runs = runs
	r.mx.Unlock()
	slog.DebugContext(ctx, "registry loaded", "runs", len(runs))
	return nil
}

func (r *Registry) snapshot() map[string][]string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() map[string][]string {
	ret := make(map[string][]string, len(r.runs))
	for runID, set := range r.runs {
		dirs := make([]string, 0, len(set))
		for _, loc := range set {
			dirs = append(dirs, loc.String())
		}
		slices.Sort(dirs)
		ret[runID] = dirs
	}
	return ret
}

// validRunID rejects ids which would break the line format of the
// recovery file.
func validRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, " \t\r\n") {
		return fmt.Errorf("%w: %q", model.ErrInvalidRunID, runID)
	}
	return nil
}
