package relay

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/pkg/access"
	"github.com/dork-labs/relay/pkg/adapter"
	"github.com/dork-labs/relay/pkg/breaker"
	"github.com/dork-labs/relay/pkg/budget"
	"github.com/dork-labs/relay/pkg/dlq"
	"github.com/dork-labs/relay/pkg/index"
	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/maildir"
	"github.com/dork-labs/relay/pkg/metrics"
	"github.com/dork-labs/relay/pkg/ratelimit"
	"github.com/dork-labs/relay/pkg/subject"
	"github.com/dork-labs/relay/pkg/types"
	"github.com/dork-labs/relay/pkg/watcher"
)

// TraceSpan is the per-publish record handed to an optional trace sink.
type TraceSpan struct {
	MessageID string
	Subject   string
	Status    string
	Metadata  map[string]any
}

// TraceSink receives one span per publish. Implementations must be fast;
// the relay calls it synchronously.
type TraceSink interface {
	InsertSpan(span TraceSpan) error
}

// Config holds relay configuration.
type Config struct {
	DataDir string

	// MaxMailboxSize is the per-endpoint pending-message cap enforced by
	// backpressure.
	MaxMailboxSize int

	// PressureWarningAt is the fill ratio at which a backpressure signal
	// is emitted (0 < ratio <= 1).
	PressureWarningAt float64

	// SweepInterval is how often watchers rescan new/ directories.
	SweepInterval time.Duration

	// JanitorInterval is how often expired index rows are removed.
	JanitorInterval time.Duration

	RateLimit ratelimit.Config
	Breaker   breaker.Config

	// TraceSink optionally records one span per publish.
	TraceSink TraceSink
}

// DefaultConfig returns a config with production defaults for dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:           dataDir,
		MaxMailboxSize:    1000,
		PressureWarningAt: 0.8,
		SweepInterval:     watcher.DefaultSweepInterval,
		JanitorInterval:   time.Minute,
		RateLimit:         ratelimit.DefaultConfig(),
		Breaker:           breaker.DefaultConfig(),
	}
}

// Relay is the embedded message bus: durable Maildir mailboxes, a
// derived SQLite index, watcher-driven push delivery, and the
// reliability envelope around publish.
type Relay struct {
	cfg Config

	store    *maildir.Store
	idx      *index.Index
	acl      *access.Controller
	limiter  *ratelimit.Limiter
	budgets  *budget.Evaluator
	breaker  *breaker.Breaker
	registry *watcher.Registry
	watchers *watcher.Manager
	adapters *adapter.Registry
	queue    *dlq.Queue
	signals  *signalBroker
	ids      *idGenerator
	logger   zerolog.Logger

	mu        sync.RWMutex
	endpoints map[string]types.Endpoint // keyed by subject
	stopped   bool

	janitorStop chan struct{}
	janitorDone sync.WaitGroup
}

// New opens a relay over cfg.DataDir. The derived index lives at
// {dataDir}/relay.db and is rebuilt lazily by RebuildIndex if needed.
func New(cfg Config) (*Relay, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.MaxMailboxSize <= 0 {
		cfg.MaxMailboxSize = 1000
	}
	if cfg.PressureWarningAt <= 0 || cfg.PressureWarningAt > 1 {
		cfg.PressureWarningAt = 0.8
	}

	store, err := maildir.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(filepath.Join(cfg.DataDir, "relay.db"))
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:         cfg,
		store:       store,
		idx:         idx,
		acl:         access.NewController(),
		limiter:     ratelimit.NewLimiter(cfg.RateLimit),
		budgets:     budget.NewEvaluator(),
		breaker:     breaker.NewBreaker(cfg.Breaker),
		registry:    watcher.NewRegistry(),
		signals:     newSignalBroker(),
		ids:         processIDs,
		endpoints:   make(map[string]types.Endpoint),
		logger:      log.Component("relay"),
		janitorStop: make(chan struct{}),
	}
	r.watchers = watcher.NewManager(store, idx, r.registry, r.breaker, cfg.SweepInterval)
	r.adapters = adapter.NewRegistry(r)
	r.queue = dlq.New(store, idx)

	if cfg.JanitorInterval > 0 {
		r.janitorDone.Add(1)
		go r.janitor()
	}

	r.signals.emit(SignalStarted, nil)
	r.logger.Info().Str("data_dir", cfg.DataDir).Msg("relay started")
	return r, nil
}

// RegisterEndpoint creates (or re-arms) the durable mailbox for a
// subject and starts its watcher. Idempotent: re-registering an
// existing endpoint restarts its watcher, which is also the recovery
// path for a failed one.
func (r *Relay) RegisterEndpoint(subj string) (types.Endpoint, error) {
	if err := subject.ValidatePattern(subj); err != nil {
		return types.Endpoint{}, err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return types.Endpoint{}, fmt.Errorf("relay is stopped")
	}
	ep, exists := r.endpoints[subj]
	if !exists {
		hash := maildir.HashSubject(subj)
		ep = types.Endpoint{
			Subject:      subj,
			Hash:         hash,
			MaildirPath:  r.store.EndpointPath(hash),
			RegisteredAt: time.Now().UTC(),
		}
		r.endpoints[subj] = ep
	}
	r.mu.Unlock()

	if err := r.store.EnsureEndpointDirs(ep.Hash); err != nil {
		return types.Endpoint{}, err
	}
	if err := r.watchers.Watch(ep.Hash); err != nil {
		return types.Endpoint{}, err
	}

	metrics.EndpointsRegistered.Set(float64(r.endpointCount()))
	r.logger.Debug().Str("subject", subj).Str("endpoint_hash", ep.Hash).Msg("endpoint registered")
	return ep, nil
}

// UnregisterEndpoint stops the endpoint's watcher and forgets it. The
// mailbox directory and its contents stay on disk.
func (r *Relay) UnregisterEndpoint(subj string) {
	r.mu.Lock()
	ep, ok := r.endpoints[subj]
	delete(r.endpoints, subj)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.watchers.Unwatch(ep.Hash)
	metrics.EndpointsRegistered.Set(float64(r.endpointCount()))
	r.logger.Debug().Str("subject", subj).Msg("endpoint unregistered")
}

// Endpoints returns a snapshot of registered endpoints.
func (r *Relay) Endpoints() []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// Subscribe registers a push handler for subjects matching pattern and
// returns the unsubscribe function. Subscriptions are process-local.
func (r *Relay) Subscribe(pattern string, handler watcher.Handler) (func(), error) {
	unsub, err := r.registry.Subscribe(pattern, handler)
	if err != nil {
		return nil, err
	}
	metrics.SubscriptionsActive.Set(float64(r.registry.Count()))
	return func() {
		unsub()
		metrics.SubscriptionsActive.Set(float64(r.registry.Count()))
	}, nil
}

// OnSignal registers an observer for non-message events (backpressure,
// lifecycle). Best effort, in-memory only.
func (r *Relay) OnSignal(pattern string, handler SignalHandler) (func(), error) {
	return r.signals.subscribe(pattern, handler)
}

// AddAccessRule inserts or replaces an access rule.
func (r *Relay) AddAccessRule(rule types.AccessRule) error {
	return r.acl.AddRule(rule)
}

// RemoveAccessRule deletes the rule keyed by (from, to).
func (r *Relay) RemoveAccessRule(from, to string) {
	r.acl.RemoveRule(from, to)
}

// ListAccessRules returns the rule table in evaluation order.
func (r *Relay) ListAccessRules() []types.AccessRule {
	return r.acl.ListRules()
}

// DeadLetterQueue exposes reject, list, and purge over dead letters.
func (r *Relay) DeadLetterQueue() *dlq.Queue {
	return r.queue
}

// Adapters exposes the adapter registry for registration and status.
func (r *Relay) Adapters() *adapter.Registry {
	return r.adapters
}

// Index exposes the derived message index for queries and metrics.
func (r *Relay) Index() *index.Index {
	return r.idx
}

// CircuitStates reports the circuit state per endpoint hash.
func (r *Relay) CircuitStates() map[string]breaker.State {
	return r.breaker.States()
}

// RebuildIndex re-derives the index from the Maildir tree.
func (r *Relay) RebuildIndex() error {
	r.mu.RLock()
	hashToSubject := make(map[string]string, len(r.endpoints))
	for subj, ep := range r.endpoints {
		hashToSubject[ep.Hash] = subj
	}
	r.mu.RUnlock()

	return r.idx.Rebuild(r.store, hashToSubject)
}

// Stop shuts the relay down: watchers close, adapters stop, pending
// index writes flush, the database closes. In-flight handlers complete;
// new watcher events are suppressed.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.signals.emit(SignalStopped, nil)

	close(r.janitorStop)
	r.janitorDone.Wait()

	r.watchers.Stop()
	r.adapters.StopAll()
	r.signals.stop()

	if err := r.idx.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to close index")
	}
	r.logger.Info().Msg("relay stopped")
}

func (r *Relay) endpointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// janitor periodically removes expired index rows.
func (r *Relay) janitor() {
	defer r.janitorDone.Done()

	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := r.idx.DeleteExpired(time.Now())
			if err != nil {
				r.logger.Warn().Err(err).Msg("failed to delete expired index rows")
			} else if n > 0 {
				r.logger.Debug().Int("rows", n).Msg("expired index rows removed")
			}
		case <-r.janitorStop:
			return
		}
	}
}
