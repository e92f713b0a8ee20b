package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/pkg/log"
)

// Config is one adapter definition from the adapter config file.
type Config struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	DisplayName     string          `json:"displayName,omitempty"`
	SubjectPrefixes []string        `json:"subjectPrefixes,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

type configFile struct {
	Adapters []Config `json:"adapters"`
}

// Factory builds an adapter from its config. One factory is registered
// per adapter type ("webhook", "telegram", ...).
type Factory func(cfg Config) (Adapter, error)

// configDebounce coalesces editor write bursts into one reconcile.
const configDebounce = 200 * time.Millisecond

// ConfigWatcher watches the adapter config JSON file and reconciles the
// registry on change: new definitions start, removed ones stop, and a
// material change to an existing definition restarts its adapter.
type ConfigWatcher struct {
	path      string
	registry  *Registry
	factories map[string]Factory
	logger    zerolog.Logger

	mu      sync.Mutex
	current map[string]Config

	stopCh chan struct{}
	done   sync.WaitGroup
}

// NewConfigWatcher creates a watcher over the config file at path.
func NewConfigWatcher(path string, registry *Registry, factories map[string]Factory) *ConfigWatcher {
	return &ConfigWatcher{
		path:      path,
		registry:  registry,
		factories: factories,
		current:   make(map[string]Config),
		logger:    log.Component("adapter-config"),
		stopCh:    make(chan struct{}),
	}
}

// Start loads the file once and begins watching it. A missing file is
// treated as an empty adapter set.
func (w *ConfigWatcher) Start() error {
	if err := w.reconcile(); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which a file-level watch loses track of.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.done.Add(1)
	go w.run(fsw)
	return nil
}

// Stop ends the watch loop. Adapters stay registered; StopAll on the
// registry is the owner's call.
func (w *ConfigWatcher) Stop() {
	close(w.stopCh)
	w.done.Wait()
}

func (w *ConfigWatcher) run(fsw *fsnotify.Watcher) {
	defer w.done.Done()
	defer fsw.Close()

	var debounce *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(configDebounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case <-trigger:
			if err := w.reconcile(); err != nil {
				w.logger.Error().Err(err).Msg("config reconcile failed")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (w *ConfigWatcher) reconcile() error {
	desired, err := w.load()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Removed adapters stop first so a reused id can start cleanly.
	for id := range w.current {
		if _, ok := desired[id]; !ok {
			w.registry.Unregister(id)
			delete(w.current, id)
		}
	}

	for id, cfg := range desired {
		prev, exists := w.current[id]
		if exists && reflect.DeepEqual(prev, cfg) {
			continue
		}
		if exists {
			// Material change: restart with the new config.
			w.registry.Unregister(id)
		}

		factory, ok := w.factories[cfg.Type]
		if !ok {
			w.logger.Error().Str("adapter_id", id).Str("type", cfg.Type).Msg("no factory for adapter type")
			continue
		}
		a, err := factory(cfg)
		if err != nil {
			w.logger.Error().Err(err).Str("adapter_id", id).Msg("failed to build adapter")
			continue
		}
		if err := w.registry.Register(a); err != nil {
			w.logger.Error().Err(err).Str("adapter_id", id).Msg("failed to register adapter")
			continue
		}
		w.current[id] = cfg
	}
	return nil
}

func (w *ConfigWatcher) load() (map[string]Config, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Config{}, nil
		}
		return nil, fmt.Errorf("failed to read adapter config: %w", err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse adapter config: %w", err)
	}

	out := make(map[string]Config, len(file.Adapters))
	for _, cfg := range file.Adapters {
		if cfg.ID == "" || cfg.Type == "" {
			w.logger.Warn().Str("adapter_id", cfg.ID).Msg("skipping adapter definition without id or type")
			continue
		}
		out[cfg.ID] = cfg
	}
	return out, nil
}
