package adapter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/metrics"
	"github.com/dork-labs/relay/pkg/types"
)

// Registry holds the running adapters and routes outbound deliveries to
// the one whose subject prefix matches.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	pub      Publisher
	started  bool
	logger   zerolog.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(pub Publisher) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		pub:      pub,
		logger:   log.Component("adapter"),
	}
}

// Register adds an adapter. If the registry is already started the
// adapter is started immediately.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	if _, exists := r.adapters[a.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("adapter %s already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	started := r.started
	r.mu.Unlock()

	if started {
		if err := a.Start(r.pub); err != nil {
			return fmt.Errorf("failed to start adapter %s: %w", a.ID(), err)
		}
	}
	r.logger.Info().Str("adapter_id", a.ID()).Msg("adapter registered")
	return nil
}

// Unregister stops and removes an adapter. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	a, ok := r.adapters[id]
	delete(r.adapters, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := a.Stop(); err != nil {
		r.logger.Warn().Err(err).Str("adapter_id", id).Msg("adapter stop failed")
	}
	r.logger.Info().Str("adapter_id", id).Msg("adapter unregistered")
}

// StartAll starts every registered adapter and marks the registry
// started so later registrations start on arrival.
func (r *Registry) StartAll() error {
	r.mu.Lock()
	r.started = true
	adapters := r.snapshotLocked()
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Start(r.pub); err != nil {
			return fmt.Errorf("failed to start adapter %s: %w", a.ID(), err)
		}
	}
	return nil
}

// StopAll stops every adapter. Errors are logged, not returned; shutdown
// proceeds regardless.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.started = false
	adapters := r.snapshotLocked()
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Stop(); err != nil {
			r.logger.Warn().Err(err).Str("adapter_id", a.ID()).Msg("adapter stop failed")
		}
	}
}

// Get returns an adapter by id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Match returns the adapter whose subject prefix covers the subject, or
// nil. A prefix matches the subject itself or any deeper subject under
// it.
func (r *Registry) Match(subj string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.adapters {
		for _, prefix := range a.SubjectPrefixes() {
			if subj == prefix || strings.HasPrefix(subj, prefix+".") {
				return a
			}
		}
	}
	return nil
}

// Dispatch delivers the envelope through the matching adapter, if any.
// A delivery failure is reflected in the result, never escalated to a
// dead letter here; that choice belongs to the caller.
func (r *Registry) Dispatch(subj string, env *types.Envelope, actx *types.AdapterContext) *types.DeliveryResult {
	a := r.Match(subj)
	if a == nil {
		return nil
	}

	timer := prometheus.NewTimer(metrics.AdapterDeliveryDuration.WithLabelValues(a.ID()))
	res := a.Deliver(subj, env, actx)
	timer.ObserveDuration()

	outcome := "success"
	if !res.Success {
		outcome = "failure"
		r.logger.Warn().Str("adapter_id", a.ID()).Str("subject", subj).Str("error", res.Error).Msg("adapter delivery failed")
	}
	metrics.AdapterDeliveriesTotal.WithLabelValues(a.ID(), outcome).Inc()
	return &res
}

// Statuses returns the status of every registered adapter keyed by id.
func (r *Registry) Statuses() map[string]types.AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.AdapterStatus, len(r.adapters))
	for id, a := range r.adapters {
		out[id] = a.Status()
	}
	return out
}

func (r *Registry) snapshotLocked() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
