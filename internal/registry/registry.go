// Package registry holds the process-wide source snapshot with atomic
// reloads. Readers share the same snapshot; a reload swaps it wholesale and
// in-flight fetches finish against the descriptor they started with.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/periscope-sec/periscope/internal/config"
	"github.com/periscope-sec/periscope/internal/models"
)

// Registry provides a point-in-time snapshot of sources and atomic reloads.
type Registry struct {
	mu       sync.RWMutex
	snapshot []models.Source
	byID     map[string]models.Source
	path     string
	loadedAt time.Time
}

// New creates an empty registry. An empty registry is valid: the engine is a
// no-op until a reload provides sources.
func New() *Registry {
	return &Registry{byID: map[string]models.Source{}}
}

// Load reads the sources file at path and installs it as the first snapshot.
func Load(path string) (*Registry, error) {
	r := New()
	r.path = path
	sources, err := config.LoadSources(path)
	if err != nil {
		return nil, err
	}
	if err := r.Reload(sources); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current source list. The returned slice is shared by
// concurrent readers and must not be mutated.
func (r *Registry) Snapshot() []models.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Lookup returns the source with the given id from the current snapshot.
func (r *Registry) Lookup(id string) (models.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byID[id]
	return src, ok
}

// Reload validates and atomically installs a new snapshot. On any validation
// failure the previous snapshot is kept and a config error is returned; no
// partial updates.
func (r *Registry) Reload(sources []models.Source) error {
	byID := make(map[string]models.Source, len(sources))
	for _, src := range sources {
		if err := src.Validate(); err != nil {
			return models.NewError(models.ErrConfig, "reload", err)
		}
		if _, dup := byID[src.ID]; dup {
			return models.NewError(models.ErrConfig, "reload", fmt.Errorf("duplicate source id %q", src.ID))
		}
		byID[src.ID] = src
	}

	snapshot := make([]models.Source, len(sources))
	copy(snapshot, sources)

	r.mu.Lock()
	r.snapshot = snapshot
	r.byID = byID
	r.loadedAt = time.Now()
	r.mu.Unlock()

	log.Info().Int("sources", len(snapshot)).Msg("Source registry reloaded")
	return nil
}

// ReloadFromFile re-reads the configured sources file. Used by the SIGHUP
// and fsnotify paths; a bad file keeps the previous snapshot.
func (r *Registry) ReloadFromFile() error {
	if r.path == "" {
		return models.NewError(models.ErrConfig, "reload", fmt.Errorf("registry has no backing file"))
	}
	sources, err := config.LoadSources(r.path)
	if err != nil {
		return err
	}
	return r.Reload(sources)
}

// Watch reloads the registry when the backing file changes on disk or when a
// signal arrives on reloadCh. Rejected reloads are logged and the previous
// snapshot stays live. Blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, reloadCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create sources watcher: %w", err)
	}
	defer watcher.Close()

	if r.path != "" {
		if err := watcher.Add(r.path); err != nil {
			log.Warn().Err(err).Str("path", r.path).Msg("Sources file not watchable, reload via SIGHUP only")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reloadCh:
			if err := r.ReloadFromFile(); err != nil {
				log.Error().Err(err).Msg("Source reload rejected, keeping previous snapshot")
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.ReloadFromFile(); err != nil {
				log.Error().Err(err).Str("path", r.path).Msg("Source reload rejected, keeping previous snapshot")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Sources watcher error")
		}
	}
}
