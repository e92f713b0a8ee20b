package binding

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/types"
	"github.com/dork-labs/relay/pkg/watcher"
)

// inboundPattern is the subject space the router consumes.
const inboundPattern = "relay.human.>"

// Bus is the slice of the relay the router depends on.
type Bus interface {
	Subscribe(pattern string, handler watcher.Handler) (func(), error)
	Publish(subject string, payload any, opts types.PublishOptions) (*types.PublishResult, error)
}

// SessionFactory creates agent sessions on demand.
type SessionFactory interface {
	CreateSession(agentDir string) (string, error)
}

// inbound is a parsed relay.human subject.
type inbound struct {
	adapterID   string
	chatID      string
	channelType string
}

// Router resolves inbound human-channel envelopes to agent sessions and
// republishes them onto relay.agent.{sessionId}.
type Router struct {
	bus      Bus
	store    *Store
	sessions *SessionMap
	factory  SessionFactory
	logger   zerolog.Logger

	// inflight deduplicates concurrent session creation per key.
	mu       sync.Mutex
	inflight map[string]*inflightCreate

	unsub func()
}

type inflightCreate struct {
	done      chan struct{}
	sessionID string
	err       error
}

// NewRouter creates a binding router.
func NewRouter(bus Bus, store *Store, sessions *SessionMap, factory SessionFactory) *Router {
	return &Router{
		bus:      bus,
		store:    store,
		sessions: sessions,
		factory:  factory,
		inflight: make(map[string]*inflightCreate),
		logger:   log.Component("binding-router"),
	}
}

// Start subscribes the router to relay.human.>.
func (r *Router) Start() error {
	unsub, err := r.bus.Subscribe(inboundPattern, r.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe binding router: %w", err)
	}
	r.unsub = unsub
	return nil
}

// Stop removes the router's subscription.
func (r *Router) Stop() {
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}

// handle routes one inbound envelope.
func (r *Router) handle(env *types.Envelope) error {
	in, err := parseSubject(env.Subject)
	if err != nil {
		return err
	}

	binding, ok := r.resolveBinding(in)
	if !ok {
		return fmt.Errorf("no binding for adapter %s", in.adapterID)
	}

	sessionID, err := r.resolveSession(binding, in, env)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	_, err = r.bus.Publish("relay.agent."+sessionID, env.Payload, types.PublishOptions{
		From:    env.From,
		ReplyTo: env.ReplyTo,
		Budget:  &env.Budget,
	})
	if err != nil {
		return fmt.Errorf("failed to republish to session %s: %w", sessionID, err)
	}

	r.logger.Debug().
		Str("adapter_id", in.adapterID).
		Str("chat_id", in.chatID).
		Str("session_id", sessionID).
		Msg("inbound message routed")
	return nil
}

// parseSubject splits relay.human.{platform}.[group.]{chatId}.
func parseSubject(subj string) (inbound, error) {
	toks := strings.Split(subj, ".")
	if len(toks) < 4 || toks[0] != "relay" || toks[1] != "human" {
		return inbound{}, fmt.Errorf("not an inbound human subject: %s", subj)
	}

	in := inbound{adapterID: toks[2]}
	rest := toks[3:]
	if rest[0] == "group" && len(rest) > 1 {
		in.channelType = "group"
		rest = rest[1:]
	}
	in.chatID = strings.Join(rest, ".")
	return in, nil
}

// resolveBinding picks the most specific binding for the inbound
// message. Scoring: adapter+chat+channel 7, adapter+chat 5,
// adapter+channel 3, adapter only 1; any explicit field mismatch
// eliminates the binding.
func (r *Router) resolveBinding(in inbound) (types.Binding, bool) {
	var best types.Binding
	bestScore := 0

	for _, b := range r.store.List() {
		score := scoreBinding(b, in)
		if score > bestScore {
			best = b
			bestScore = score
		}
	}
	return best, bestScore > 0
}

func scoreBinding(b types.Binding, in inbound) int {
	if b.AdapterID != in.adapterID {
		return 0
	}
	if b.ChatID != "" && b.ChatID != in.chatID {
		return 0
	}
	if b.ChannelType != "" && b.ChannelType != in.channelType {
		return 0
	}

	switch {
	case b.ChatID != "" && b.ChannelType != "":
		return 7
	case b.ChatID != "":
		return 5
	case b.ChannelType != "":
		return 3
	default:
		return 1
	}
}

// resolveSession derives the session key from the binding's strategy and
// returns the cached session for it, creating one through the factory
// when absent. Concurrent creations for one key share a single factory
// call.
func (r *Router) resolveSession(b types.Binding, in inbound, env *types.Envelope) (string, error) {
	key, cacheable := sessionKeyFor(b, in, env)
	if !cacheable {
		// Stateless bindings get a fresh session every time.
		return r.factory.CreateSession(b.AgentDir)
	}

	if id, ok := r.sessions.Get(key); ok {
		return id, nil
	}

	r.mu.Lock()
	if fl, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		<-fl.done
		return fl.sessionID, fl.err
	}
	fl := &inflightCreate{done: make(chan struct{})}
	r.inflight[key] = fl
	r.mu.Unlock()

	// Re-check under the in-flight guard: a racer may have persisted
	// the session between our Get and taking the slot.
	if id, ok := r.sessions.Get(key); ok {
		fl.sessionID = id
	} else {
		fl.sessionID, fl.err = r.factory.CreateSession(b.AgentDir)
		if fl.err == nil {
			if err := r.sessions.Put(key, fl.sessionID, b.ID); err != nil {
				r.logger.Warn().Err(err).Str("session_key", key).Msg("failed to persist session mapping")
			}
		}
	}

	close(fl.done)
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()

	return fl.sessionID, fl.err
}

// sessionKeyFor derives the cache key for a binding and inbound
// context. A per-user binding falls back to the chat id when the
// payload carries no user id, degrading to per-chat behavior.
func sessionKeyFor(b types.Binding, in inbound, env *types.Envelope) (string, bool) {
	switch b.SessionStrategy {
	case types.SessionStateless:
		return "", false
	case types.SessionPerUser:
		user := userIDFrom(env)
		if user == "" {
			user = in.chatID
		}
		return b.ID + ":user:" + user, true
	default: // per-chat
		chat := in.chatID
		if chat == "" {
			chat = "default"
		}
		return b.ID + ":chat:" + chat, true
	}
}

func userIDFrom(env *types.Envelope) string {
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return ""
	}
	return payload.UserID
}

// CleanupOrphans removes session-map entries whose binding no longer
// exists in the store.
func (r *Router) CleanupOrphans() (int, error) {
	active := make(map[string]bool)
	for _, b := range r.store.List() {
		active[b.ID] = true
	}
	return r.sessions.RemoveOrphans(active)
}
