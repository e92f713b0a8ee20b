package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dork-labs/relay/pkg/subject"
	"github.com/dork-labs/relay/pkg/types"
)

// Reserved signal subjects.
const (
	// SignalBackpressurePrefix + endpoint hash carries mailbox pressure
	// warnings.
	SignalBackpressurePrefix = "relay.system.backpressure"

	// SignalStarted is emitted once the relay is ready.
	SignalStarted = "relay.system.lifecycle.started"

	// SignalStopped is emitted as the relay shuts down.
	SignalStopped = "relay.system.lifecycle.stopped"
)

// SignalHandler observes one non-message event.
type SignalHandler func(sig types.Signal)

type signalSub struct {
	pattern string
	ch      chan types.Signal
}

// signalBroker fans out in-memory, best-effort signals. Slow observers
// drop signals rather than blocking the publish path.
type signalBroker struct {
	mu     sync.RWMutex
	subs   map[string]*signalSub
	stopCh chan struct{}
	once   sync.Once
}

func newSignalBroker() *signalBroker {
	return &signalBroker{
		subs:   make(map[string]*signalSub),
		stopCh: make(chan struct{}),
	}
}

// subscribe registers a handler for signal subjects matching pattern and
// returns the removal function.
func (b *signalBroker) subscribe(pattern string, handler SignalHandler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := &signalSub{pattern: pattern, ch: make(chan types.Signal, 16)}
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case sig, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(sig)
			case <-b.stopCh:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}, nil
}

// emit broadcasts a signal to every matching observer without blocking.
func (b *signalBroker) emit(subj string, data map[string]any) {
	sig := types.Signal{Subject: subj, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !subject.Match(sub.pattern, subj) {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
			// Observer buffer full; signals are best effort.
		}
	}
}

func (b *signalBroker) stop() {
	b.once.Do(func() { close(b.stopCh) })
}
