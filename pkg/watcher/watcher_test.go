package watcher

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dork-labs/relay/pkg/breaker"
	"github.com/dork-labs/relay/pkg/index"
	"github.com/dork-labs/relay/pkg/maildir"
	"github.com/dork-labs/relay/pkg/types"
)

type fixture struct {
	store    *maildir.Store
	idx      *index.Index
	registry *Registry
	breaker  *breaker.Breaker
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := maildir.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	ix, err := index.Open(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	reg := NewRegistry()
	brk := breaker.NewBreaker(breaker.DefaultConfig())
	mgr := NewManager(store, ix, reg, brk, 100*time.Millisecond)
	t.Cleanup(mgr.Stop)

	return &fixture{store: store, idx: ix, registry: reg, breaker: brk, manager: mgr}
}

func (f *fixture) publish(t *testing.T, subject string) *types.Envelope {
	t.Helper()
	hash := maildir.HashSubject(subject)
	env := &types.Envelope{
		ID:        ulid.Make().String(),
		Subject:   subject,
		From:      "sys",
		CreatedAt: time.Now().UTC(),
		Budget:    types.Budget{MaxHops: 5, TTL: time.Now().Add(time.Hour).UnixMilli(), CallBudgetRemaining: 5},
		Payload:   json.RawMessage(`{"msg":"hi"}`),
	}
	if err := f.store.EnsureEndpointDirs(hash); err != nil {
		t.Fatalf("EnsureEndpointDirs() error: %v", err)
	}
	if err := f.store.Write(hash, env); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := f.idx.Insert(types.MessageRow{
		ID: env.ID, Subject: subject, EndpointHash: hash, Sender: "sys",
		Status: types.StatusPending, CreatedAt: env.CreatedAt,
	}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	return env
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestDeliverToSubscriber tests the happy-path watch -> claim -> complete cycle
func TestDeliverToSubscriber(t *testing.T) {
	f := newFixture(t)
	subject := "relay.agent.alice"
	hash := maildir.HashSubject(subject)

	var got atomic.Pointer[types.Envelope]
	unsub, err := f.registry.Subscribe("relay.agent.*", func(env *types.Envelope) error {
		got.Store(env)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer unsub()

	_ = f.store.EnsureEndpointDirs(hash)
	if err := f.manager.Watch(hash); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	env := f.publish(t, subject)

	waitFor(t, 3*time.Second, func() bool { return got.Load() != nil })
	if got.Load().ID != env.ID {
		t.Errorf("delivered id = %s, want %s", got.Load().ID, env.ID)
	}

	waitFor(t, 3*time.Second, func() bool {
		newIDs, _ := f.store.ListNew(hash)
		curIDs, _ := f.store.ListCurrent(hash)
		return len(newIDs) == 0 && len(curIDs) == 0
	})

	rows, _ := f.idx.GetByEndpoint(hash)
	if len(rows) != 1 || rows[0].Status != types.StatusDelivered {
		t.Errorf("index row = %+v", rows)
	}
}

// TestNoSubscriberLeavesMessage tests that unmatched messages stay in new/
func TestNoSubscriberLeavesMessage(t *testing.T) {
	f := newFixture(t)
	subject := "relay.agent.alice"
	hash := maildir.HashSubject(subject)

	_ = f.store.EnsureEndpointDirs(hash)
	_ = f.manager.Watch(hash)

	env := f.publish(t, subject)

	// Give the watcher a couple of sweep cycles.
	time.Sleep(300 * time.Millisecond)
	ids, _ := f.store.ListNew(hash)
	if len(ids) != 1 || ids[0] != env.ID {
		t.Fatalf("message should remain in new/, got %v", ids)
	}

	// A late subscription picks it up via the sweep.
	var delivered atomic.Bool
	unsub, _ := f.registry.Subscribe(subject, func(*types.Envelope) error {
		delivered.Store(true)
		return nil
	})
	defer unsub()

	waitFor(t, 3*time.Second, func() bool { return delivered.Load() })
}

// TestHandlerFailureDeadLetters tests the fail path and breaker tick
func TestHandlerFailureDeadLetters(t *testing.T) {
	f := newFixture(t)
	subject := "relay.agent.alice"
	hash := maildir.HashSubject(subject)

	unsub, _ := f.registry.Subscribe(subject, func(*types.Envelope) error {
		return errors.New("boom")
	})
	defer unsub()

	_ = f.store.EnsureEndpointDirs(hash)
	_ = f.manager.Watch(hash)

	env := f.publish(t, subject)

	waitFor(t, 3*time.Second, func() bool {
		ids, _ := f.store.ListFailed(hash)
		return len(ids) == 1
	})

	dl, err := f.store.ReadDeadLetter(hash, env.ID)
	if err != nil {
		t.Fatalf("ReadDeadLetter() error: %v", err)
	}
	if dl.Reason != "boom" {
		t.Errorf("reason = %q, want boom", dl.Reason)
	}

	rows, _ := f.idx.GetByEndpoint(hash)
	if len(rows) != 1 || rows[0].Status != types.StatusFailed {
		t.Errorf("index row = %+v", rows)
	}
}

// TestDeliveryOrder tests ULID-ordered surfacing within one endpoint
func TestDeliveryOrder(t *testing.T) {
	f := newFixture(t)
	subject := "relay.agent.alice"
	hash := maildir.HashSubject(subject)

	var mu sync.Mutex
	var order []string
	unsub, _ := f.registry.Subscribe(subject, func(env *types.Envelope) error {
		mu.Lock()
		order = append(order, env.ID)
		mu.Unlock()
		return nil
	})
	defer unsub()

	// Write before watching so the initial drain sees them all at once.
	var want []string
	for i := 0; i < 5; i++ {
		env := f.publish(t, subject)
		want = append(want, env.ID)
	}

	_ = f.manager.Watch(hash)

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(want)
	})

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", order, want)
		}
	}
}

// TestClaimRaceBetweenManagers tests that double watching delivers once
func TestClaimRaceBetweenManagers(t *testing.T) {
	f := newFixture(t)
	subject := "relay.agent.alice"
	hash := maildir.HashSubject(subject)

	var count atomic.Int32
	unsub, _ := f.registry.Subscribe(subject, func(*types.Envelope) error {
		count.Add(1)
		return nil
	})
	defer unsub()

	// A second manager over the same store and registry races the first.
	other := NewManager(f.store, f.idx, f.registry, f.breaker, 50*time.Millisecond)
	defer other.Stop()

	_ = f.store.EnsureEndpointDirs(hash)
	_ = f.manager.Watch(hash)
	_ = other.Watch(hash)

	f.publish(t, subject)

	waitFor(t, 3*time.Second, func() bool { return count.Load() >= 1 })
	// Allow the losing claimer a chance to double-deliver if broken.
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

// TestRegistryPatternDispatch tests subscriber matching independence
func TestRegistryPatternDispatch(t *testing.T) {
	reg := NewRegistry()

	calls := map[string]*atomic.Int32{"a": {}, "b": {}}
	unsubA, _ := reg.Subscribe("relay.agent.*", func(*types.Envelope) error {
		calls["a"].Add(1)
		return nil
	})
	defer unsubA()
	unsubB, _ := reg.Subscribe("relay.human.>", func(*types.Envelope) error {
		calls["b"].Add(1)
		return nil
	})
	defer unsubB()

	if n := len(reg.Subscribers("relay.agent.alice")); n != 1 {
		t.Errorf("agent subscribers = %d, want 1", n)
	}
	if n := len(reg.Subscribers("relay.human.telegram.c1")); n != 1 {
		t.Errorf("human subscribers = %d, want 1", n)
	}
	if n := len(reg.Subscribers("relay.system.x")); n != 0 {
		t.Errorf("system subscribers = %d, want 0", n)
	}

	unsubA()
	if n := len(reg.Subscribers("relay.agent.alice")); n != 0 {
		t.Errorf("after unsubscribe = %d, want 0", n)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
}
