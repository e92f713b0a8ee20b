package watcher

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dork-labs/relay/pkg/subject"
	"github.com/dork-labs/relay/pkg/types"
)

// Handler processes one delivered envelope. A non-nil error marks the
// delivery failed and dead-letters the message.
type Handler func(env *types.Envelope) error

type subscription struct {
	id        string
	pattern   string
	handler   Handler
	createdAt time.Time
}

// Registry is the in-memory pattern -> handler table. Subscriptions are
// process-local and lost on restart; consumers re-register at startup.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*subscription)}
}

// Subscribe registers a handler for a pattern and returns the function
// that removes it.
func (r *Registry) Subscribe(pattern string, handler Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:        uuid.NewString(),
		pattern:   pattern,
		handler:   handler,
		createdAt: time.Now(),
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, sub.id)
		r.mu.Unlock()
	}, nil
}

// Subscribers returns the handlers whose patterns match the subject.
func (r *Registry) Subscribers(subj string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, sub := range r.subs {
		if subject.Match(sub.pattern, subj) {
			out = append(out, sub.handler)
		}
	}
	return out
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
