package binding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/types"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 200 * time.Millisecond

type bindingsFile struct {
	Bindings []types.Binding `json:"bindings"`
}

// Store persists adapter bindings as a single JSON file and reloads it
// when edited externally.
type Store struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	bindings map[string]types.Binding // keyed by id

	stopCh chan struct{}
	done   sync.WaitGroup
	once   sync.Once
}

// NewStore opens the binding store at path, loading it if present.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		bindings: make(map[string]types.Binding),
		logger:   log.Component("binding-store"),
		stopCh:   make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch begins reloading the file on external edits.
func (s *Store) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create binding watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(s.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch binding directory: %w", err)
	}

	s.done.Add(1)
	go s.run(fsw)
	return nil
}

// Stop ends the reload watcher.
func (s *Store) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.done.Wait()
}

// Add inserts a binding, assigning an id when absent, and persists.
func (s *Store) Add(b types.Binding) (types.Binding, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.SessionStrategy == "" {
		b.SessionStrategy = types.SessionPerChat
	}

	s.mu.Lock()
	s.bindings[b.ID] = b
	s.mu.Unlock()

	return b, s.save()
}

// Remove deletes a binding by id and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	delete(s.bindings, id)
	s.mu.Unlock()
	return s.save()
}

// Get returns one binding by id.
func (s *Store) Get(id string) (types.Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	return b, ok
}

// List returns a snapshot of all bindings.
func (s *Store) List() []types.Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	return out
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read bindings: %w", err)
	}

	var file bindingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse bindings: %w", err)
	}

	next := make(map[string]types.Binding, len(file.Bindings))
	for _, b := range file.Bindings {
		if b.ID == "" {
			continue
		}
		next[b.ID] = b
	}

	s.mu.Lock()
	s.bindings = next
	s.mu.Unlock()
	return nil
}

// save rewrites the file atomically so readers never see a partial
// bindings list.
func (s *Store) save() error {
	s.mu.RLock()
	file := bindingsFile{Bindings: make([]types.Binding, 0, len(s.bindings))}
	for _, b := range s.bindings {
		file.Bindings = append(file.Bindings, b)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize bindings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create binding directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bindings-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write bindings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace bindings file: %w", err)
	}
	return nil
}

func (s *Store) run(fsw *fsnotify.Watcher) {
	defer s.done.Done()
	defer fsw.Close()

	var debounce *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case <-trigger:
			if err := s.load(); err != nil {
				s.logger.Error().Err(err).Msg("binding reload failed")
			} else {
				s.logger.Debug().Msg("bindings reloaded")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("binding watcher error")
		case <-s.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
