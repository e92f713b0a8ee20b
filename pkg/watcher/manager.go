package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/pkg/breaker"
	"github.com/dork-labs/relay/pkg/index"
	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/maildir"
	"github.com/dork-labs/relay/pkg/metrics"
	"github.com/dork-labs/relay/pkg/types"
)

// DefaultSweepInterval is how often each endpoint's new/ directory is
// rescanned. Native watchers may miss events under load; the sweep
// self-heals.
const DefaultSweepInterval = 5 * time.Second

// Manager runs one filesystem watcher per endpoint new/ directory and
// dispatches arriving envelopes to matching subscribers.
type Manager struct {
	store    *maildir.Store
	idx      *index.Index
	registry *Registry
	breaker  *breaker.Breaker
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]*endpointWatcher
	stopped   bool
}

type endpointWatcher struct {
	hash   string
	fsw    *fsnotify.Watcher
	wakeCh chan struct{}
	stopCh chan struct{}
	done   sync.WaitGroup
}

// NewManager creates a watcher manager. sweepInterval <= 0 selects the
// default.
func NewManager(store *maildir.Store, idx *index.Index, registry *Registry, brk *breaker.Breaker, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		store:     store,
		idx:       idx,
		registry:  registry,
		breaker:   brk,
		interval:  sweepInterval,
		endpoints: make(map[string]*endpointWatcher),
		logger:    log.Component("watcher"),
	}
}

// Watch starts (or restarts) the watcher for an endpoint's new/
// directory. Re-watching an already watched endpoint replaces its
// watcher, which doubles as the recovery path for a failed one.
func (m *Manager) Watch(endpointHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("watcher manager is stopped")
	}

	if old, ok := m.endpoints[endpointHash]; ok {
		m.stopWatcherLocked(old)
	}

	newDir := filepath.Join(m.store.EndpointPath(endpointHash), maildir.SubdirNew)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(newDir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", newDir, err)
	}

	ew := &endpointWatcher{
		hash:   endpointHash,
		fsw:    fsw,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	m.endpoints[endpointHash] = ew

	ew.done.Add(2)
	go m.eventLoop(ew)
	go m.deliverLoop(ew)

	m.logger.Debug().Str("endpoint_hash", endpointHash).Msg("watcher started")
	return nil
}

// Unwatch stops the watcher for an endpoint.
func (m *Manager) Unwatch(endpointHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ew, ok := m.endpoints[endpointHash]; ok {
		m.stopWatcherLocked(ew)
		delete(m.endpoints, endpointHash)
	}
}

// Stop closes every watcher. In-flight handlers run to completion; new
// events are suppressed.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	watchers := make([]*endpointWatcher, 0, len(m.endpoints))
	for _, ew := range m.endpoints {
		watchers = append(watchers, ew)
	}
	m.endpoints = make(map[string]*endpointWatcher)
	m.mu.Unlock()

	for _, ew := range watchers {
		close(ew.stopCh)
		ew.fsw.Close()
		ew.done.Wait()
	}
}

func (m *Manager) stopWatcherLocked(ew *endpointWatcher) {
	close(ew.stopCh)
	ew.fsw.Close()
	ew.done.Wait()
}

// eventLoop coalesces fsnotify events into wake signals for the deliver
// loop. The deliver loop always rescans the directory, so event
// contents only matter as a hint.
func (m *Manager) eventLoop(ew *endpointWatcher) {
	defer ew.done.Done()

	for {
		select {
		case ev, ok := <-ew.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			select {
			case ew.wakeCh <- struct{}{}:
			default:
			}
		case err, ok := <-ew.fsw.Errors:
			if !ok {
				return
			}
			// Log and continue; the sweep keeps delivery alive and the
			// next registration touch replaces the watcher.
			m.logger.Warn().Err(err).Str("endpoint_hash", ew.hash).Msg("watcher error")
		case <-ew.stopCh:
			return
		}
	}
}

// deliverLoop drains new/ on each wake signal and on the periodic sweep.
// Messages within one endpoint are surfaced in ULID order.
func (m *Manager) deliverLoop(ew *endpointWatcher) {
	defer ew.done.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial drain picks up anything that predates the watcher.
	m.drain(ew)

	for {
		select {
		case <-ew.wakeCh:
			m.drain(ew)
		case <-ticker.C:
			m.drain(ew)
		case <-ew.stopCh:
			return
		}
	}
}

func (m *Manager) drain(ew *endpointWatcher) {
	ids, err := m.store.ListNew(ew.hash)
	if err != nil {
		m.logger.Warn().Err(err).Str("endpoint_hash", ew.hash).Msg("failed to list mailbox")
		return
	}
	for _, id := range ids {
		select {
		case <-ew.stopCh:
			return
		default:
		}
		m.deliver(ew.hash, id)
	}
}

// deliver runs the claim -> handle -> complete/fail cycle for one
// message.
func (m *Manager) deliver(endpointHash, messageID string) {
	env := m.store.ReadEnvelope(endpointHash, maildir.SubdirNew, messageID)
	if env == nil {
		// Claimed by someone else between listing and reading, or
		// corrupt; either way nothing to do here.
		return
	}

	handlers := m.registry.Subscribers(env.Subject)
	if len(handlers) == 0 {
		// No subscriber yet: the message stays in new/ and is delivered
		// once a matching subscription appears.
		return
	}

	if err := m.store.Claim(endpointHash, messageID); err != nil {
		if !errors.Is(err, maildir.ErrNotFound) {
			m.logger.Warn().Err(err).Str("message_id", messageID).Msg("claim failed")
		}
		return
	}

	// Re-read from cur/: the claim owns the bytes now.
	if cur := m.store.ReadEnvelope(endpointHash, maildir.SubdirCur, messageID); cur != nil {
		env = cur
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v", r)
				}
			}()
			if err := h(env); err != nil {
				errCh <- err
			}
		}(h)
	}
	wg.Wait()
	close(errCh)

	var handlerErr error
	for err := range errCh {
		handlerErr = err
		break
	}

	if handlerErr != nil {
		metrics.HandlerFailuresTotal.Inc()
		metrics.DeadLettersTotal.Inc()
		if err := m.store.Fail(endpointHash, messageID, handlerErr.Error()); err != nil {
			m.logger.Error().Err(err).Str("message_id", messageID).Msg("failed to dead-letter message")
		}
		if _, err := m.idx.UpdateStatus(messageID, types.StatusFailed); err != nil {
			m.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to update index status")
		}
		m.breaker.RecordFailure(endpointHash)
		m.logger.Debug().Err(handlerErr).Str("message_id", messageID).Str("endpoint_hash", endpointHash).Msg("delivery failed")
		return
	}

	metrics.DeliveriesTotal.Inc()
	if err := m.store.Complete(endpointHash, messageID); err != nil {
		m.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to complete message")
	}
	if _, err := m.idx.UpdateStatus(messageID, types.StatusDelivered); err != nil {
		m.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to update index status")
	}
	m.breaker.RecordSuccess(endpointHash)
}
