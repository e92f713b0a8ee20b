package binding

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dork-labs/relay/pkg/types"
	"github.com/dork-labs/relay/pkg/watcher"
)

type fakeBus struct {
	mu        sync.Mutex
	published []struct {
		Subject string
		Opts    types.PublishOptions
	}
	handler watcher.Handler
}

func (b *fakeBus) Subscribe(pattern string, handler watcher.Handler) (func(), error) {
	b.handler = handler
	return func() { b.handler = nil }, nil
}

func (b *fakeBus) Publish(subject string, payload any, opts types.PublishOptions) (*types.PublishResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, struct {
		Subject string
		Opts    types.PublishOptions
	}{subject, opts})
	return &types.PublishResult{MessageID: "m", DeliveredTo: 1}, nil
}

func (b *fakeBus) last() (string, types.PublishOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.published[len(b.published)-1]
	return p.Subject, p.Opts
}

type fakeFactory struct {
	mu      sync.Mutex
	calls   atomic.Int32
	block   chan struct{}
	nextID  int
	perDirs []string
}

func (f *fakeFactory) CreateSession(agentDir string) (string, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.perDirs = append(f.perDirs, agentDir)
	return fmt.Sprintf("sess-%d", f.nextID), nil
}

func newTestRouter(t *testing.T, bindings ...types.Binding) (*Router, *fakeBus, *fakeFactory, *Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := NewStore(filepath.Join(dir, "bindings.json"))
	require.NoError(t, err)
	for _, b := range bindings {
		_, err := store.Add(b)
		require.NoError(t, err)
	}

	sessions, err := OpenSessionMap(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	bus := &fakeBus{}
	factory := &fakeFactory{}
	router := NewRouter(bus, store, sessions, factory)
	require.NoError(t, router.Start())
	t.Cleanup(router.Stop)

	return router, bus, factory, store
}

func humanEnvelope(subj string, payload string) *types.Envelope {
	return &types.Envelope{
		ID:        "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Subject:   subj,
		From:      subj,
		ReplyTo:   subj,
		CreatedAt: time.Now().UTC(),
		Budget:    types.Budget{HopCount: 1, MaxHops: 5, AncestorChain: []string{"sys"}, TTL: time.Now().Add(time.Hour).UnixMilli(), CallBudgetRemaining: 4},
		Payload:   json.RawMessage(payload),
	}
}

// TestParseSubject tests inbound subject parsing
func TestParseSubject(t *testing.T) {
	tests := []struct {
		subj    string
		want    inbound
		wantErr bool
	}{
		{subj: "relay.human.telegram.c42", want: inbound{adapterID: "telegram", chatID: "c42"}},
		{subj: "relay.human.telegram.group.c42", want: inbound{adapterID: "telegram", chatID: "c42", channelType: "group"}},
		{subj: "relay.human.webhook.gh.main", want: inbound{adapterID: "webhook", chatID: "gh.main"}},
		{subj: "relay.agent.alice", wantErr: true},
		{subj: "relay.human.telegram", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.subj, func(t *testing.T) {
			got, err := parseSubject(tt.subj)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestBindingScoring tests most-specific-first binding selection
func TestBindingScoring(t *testing.T) {
	generic := types.Binding{AdapterID: "telegram", AgentDir: "/a/generic", SessionStrategy: types.SessionPerChat}
	byChat := types.Binding{AdapterID: "telegram", ChatID: "c42", AgentDir: "/a/chat", SessionStrategy: types.SessionPerChat}
	byChannel := types.Binding{AdapterID: "telegram", ChannelType: "group", AgentDir: "/a/group", SessionStrategy: types.SessionPerChat}
	exact := types.Binding{AdapterID: "telegram", ChatID: "c42", ChannelType: "group", AgentDir: "/a/exact", SessionStrategy: types.SessionPerChat}

	router, _, _, _ := newTestRouter(t, generic, byChat, byChannel, exact)

	b, ok := router.resolveBinding(inbound{adapterID: "telegram", chatID: "c42", channelType: "group"})
	require.True(t, ok)
	assert.Equal(t, "/a/exact", b.AgentDir)

	b, ok = router.resolveBinding(inbound{adapterID: "telegram", chatID: "c42"})
	require.True(t, ok)
	assert.Equal(t, "/a/chat", b.AgentDir)

	b, ok = router.resolveBinding(inbound{adapterID: "telegram", chatID: "other", channelType: "group"})
	require.True(t, ok)
	assert.Equal(t, "/a/group", b.AgentDir)

	b, ok = router.resolveBinding(inbound{adapterID: "telegram", chatID: "other"})
	require.True(t, ok)
	assert.Equal(t, "/a/generic", b.AgentDir)

	_, ok = router.resolveBinding(inbound{adapterID: "discord", chatID: "c42"})
	assert.False(t, ok)
}

// TestRouteReusesSession tests per-chat session caching and republish
func TestRouteReusesSession(t *testing.T) {
	binding := types.Binding{AdapterID: "telegram", AgentDir: "/agents/a", SessionStrategy: types.SessionPerChat}
	_, bus, factory, _ := newTestRouter(t, binding)

	env := humanEnvelope("relay.human.telegram.c42", `{"text":"hello"}`)
	require.NoError(t, bus.handler(env))
	require.NoError(t, bus.handler(env))

	assert.Equal(t, int32(1), factory.calls.Load())

	subj, opts := bus.last()
	assert.Equal(t, "relay.agent.sess-1", subj)
	assert.Equal(t, env.From, opts.From)
	assert.Equal(t, env.ReplyTo, opts.ReplyTo)
	require.NotNil(t, opts.Budget)
	assert.Equal(t, env.Budget.HopCount, opts.Budget.HopCount)

	// A different chat gets its own session.
	require.NoError(t, bus.handler(humanEnvelope("relay.human.telegram.c43", `{}`)))
	assert.Equal(t, int32(2), factory.calls.Load())
}

// TestPerUserFallsBackToChat tests the per-user strategy user-id fallback
func TestPerUserFallsBackToChat(t *testing.T) {
	binding := types.Binding{AdapterID: "telegram", AgentDir: "/agents/a", SessionStrategy: types.SessionPerUser}
	_, bus, factory, _ := newTestRouter(t, binding)

	// With a user id, sessions key by user across chats.
	require.NoError(t, bus.handler(humanEnvelope("relay.human.telegram.c1", `{"userId":"u9"}`)))
	require.NoError(t, bus.handler(humanEnvelope("relay.human.telegram.c2", `{"userId":"u9"}`)))
	assert.Equal(t, int32(1), factory.calls.Load())

	// Without one, the chat id stands in.
	require.NoError(t, bus.handler(humanEnvelope("relay.human.telegram.c3", `{}`)))
	require.NoError(t, bus.handler(humanEnvelope("relay.human.telegram.c3", `{}`)))
	assert.Equal(t, int32(2), factory.calls.Load())
}

// TestStatelessAlwaysCreates tests the stateless strategy
func TestStatelessAlwaysCreates(t *testing.T) {
	binding := types.Binding{AdapterID: "telegram", AgentDir: "/agents/a", SessionStrategy: types.SessionStateless}
	_, bus, factory, _ := newTestRouter(t, binding)

	env := humanEnvelope("relay.human.telegram.c1", `{}`)
	require.NoError(t, bus.handler(env))
	require.NoError(t, bus.handler(env))
	assert.Equal(t, int32(2), factory.calls.Load())
}

// TestConcurrentCreationDeduplicated tests the in-flight promise table
func TestConcurrentCreationDeduplicated(t *testing.T) {
	binding := types.Binding{AdapterID: "telegram", AgentDir: "/agents/a", SessionStrategy: types.SessionPerChat}
	_, bus, factory, _ := newTestRouter(t, binding)

	factory.block = make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.handler(humanEnvelope("relay.human.telegram.c1", `{}`))
		}()
	}

	// Let the racers pile up behind the single in-flight creation.
	time.Sleep(100 * time.Millisecond)
	close(factory.block)
	wg.Wait()

	assert.Equal(t, int32(1), factory.calls.Load())

	subjects := map[string]bool{}
	bus.mu.Lock()
	for _, p := range bus.published {
		subjects[p.Subject] = true
	}
	bus.mu.Unlock()
	assert.Len(t, subjects, 1)
}

// TestSessionMapEviction tests the oldest-first cap
func TestSessionMapEviction(t *testing.T) {
	sessions, err := OpenSessionMap(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer sessions.Close()
	sessions.cap = 3

	for i := 0; i < 5; i++ {
		require.NoError(t, sessions.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("s%d", i), "b1"))
	}

	assert.Equal(t, 3, sessions.Len())
	_, ok := sessions.Get("k0")
	assert.False(t, ok)
	_, ok = sessions.Get("k1")
	assert.False(t, ok)
	id, ok := sessions.Get("k4")
	assert.True(t, ok)
	assert.Equal(t, "s4", id)
}

// TestCleanupOrphans tests session-map pruning against active bindings
func TestCleanupOrphans(t *testing.T) {
	binding := types.Binding{AdapterID: "telegram", AgentDir: "/agents/a", SessionStrategy: types.SessionPerChat}
	router, bus, _, store := newTestRouter(t, binding)

	require.NoError(t, bus.handler(humanEnvelope("relay.human.telegram.c1", `{}`)))
	assert.Equal(t, 1, router.sessions.Len())

	// Removing the binding orphans its sessions.
	for _, b := range store.List() {
		require.NoError(t, store.Remove(b.ID))
	}

	removed, err := router.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, router.sessions.Len())
}

// TestStorePersistAndReload tests the JSON file round trip
func TestStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bindings.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	b, err := store.Add(types.Binding{AdapterID: "telegram", AgentDir: "/agents/a"})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, types.SessionPerChat, b.SessionStrategy)

	// A fresh store over the same file sees the binding.
	store2, err := NewStore(path)
	require.NoError(t, err)
	got, ok := store2.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, "/agents/a", got.AgentDir)
}
