package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/notify-relay/fanout/memorybus"
)

type fakeMember struct {
	id string

	mu     sync.Mutex
	events []Event
	closed bool
	notify chan struct{}
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id, notify: make(chan struct{}, 1024)}
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Deliver(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("closed")
	}
	m.events = append(m.events, ev)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *fakeMember) received() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *fakeMember) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := m.received(); len(got) >= n {
			return got
		}
		select {
		case <-m.notify:
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %d events, got %d", m.id, n, len(m.received()))
		}
	}
}

func TestRoomName(t *testing.T) {
	if got := RoomName("42"); got != "user:42" {
		t.Fatalf("RoomName: got %q", got)
	}
}

func TestBroadcast_DeliversOncePerMember(t *testing.T) {
	ctx := context.Background()
	r := New()

	a, b := newFakeMember("a"), newFakeMember("b")
	other := newFakeMember("other")
	for _, j := range []struct {
		m   *fakeMember
		uid string
	}{{a, "u1"}, {b, "u1"}, {other, "u2"}} {
		if err := r.Join(ctx, j.m, j.uid); err != nil {
			t.Fatalf("join %s: %v", j.m.id, err)
		}
	}

	if err := r.Broadcast(ctx, "u1", "getNotification", json.RawMessage(`{"id":"n1"}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, m := range []*fakeMember{a, b} {
		got := m.received()
		if len(got) != 1 {
			t.Fatalf("%s: want exactly 1 event, got %d", m.id, len(got))
		}
		if got[0].Name != "getNotification" || string(got[0].Data) != `{"id":"n1"}` {
			t.Fatalf("%s: unexpected event %+v", m.id, got[0])
		}
	}
	if n := len(other.received()); n != 0 {
		t.Fatalf("member of another room received %d events", n)
	}
}

func TestBroadcast_EmptyRoomIsNoop(t *testing.T) {
	r := New()
	if err := r.Broadcast(context.Background(), "offline", "getNotification", map[string]string{"id": "n1"}); err != nil {
		t.Fatalf("broadcast to empty room should not fail: %v", err)
	}
	if s := r.Stats(); s.Rooms != 0 {
		t.Fatalf("broadcast must not create rooms, got %+v", s)
	}

	// A member joining afterwards does not receive the earlier broadcast.
	m := newFakeMember("late")
	if err := r.Join(context.Background(), m, "offline"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if n := len(m.received()); n != 0 {
		t.Fatalf("late joiner received %d replayed events", n)
	}
}

func TestBroadcast_EncodesValues(t *testing.T) {
	ctx := context.Background()
	r := New()
	m := newFakeMember("a")
	_ = r.Join(ctx, m, "u1")

	if err := r.Broadcast(ctx, "u1", "notificationsMarkedRead", []string{"n1", "n2"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := r.Broadcast(ctx, "u1", "raw", []byte("not json")); err == nil {
		t.Fatalf("expected error for invalid JSON bytes")
	}

	got := m.received()
	if len(got) != 1 || string(got[0].Data) != `["n1","n2"]` {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestJoin_IdempotentAndSingleRoom(t *testing.T) {
	ctx := context.Background()
	r := New()
	m := newFakeMember("a")

	if err := r.Join(ctx, m, "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.Join(ctx, m, "u1"); err != nil {
		t.Fatalf("repeat join should be a no-op: %v", err)
	}
	if err := r.Join(ctx, m, "u2"); !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("want ErrRoomMismatch, got %v", err)
	}
	if err := r.Join(ctx, newFakeMember("b"), ""); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("want ErrEmptyUserID, got %v", err)
	}

	_ = r.Broadcast(ctx, "u1", "e", nil)
	if n := len(m.received()); n != 1 {
		t.Fatalf("double join must not double deliver: got %d", n)
	}
	if n, _ := r.Members(ctx, "u2"); n != 0 {
		t.Fatalf("member leaked into another user's room")
	}
}

func TestLeave_DiscardsEmptyRoom(t *testing.T) {
	ctx := context.Background()
	r := New()
	a, b := newFakeMember("a"), newFakeMember("b")
	_ = r.Join(ctx, a, "u1")
	_ = r.Join(ctx, b, "u1")

	r.Leave(ctx, a)
	if s := r.Stats(); s.Rooms != 1 || s.Members != 1 {
		t.Fatalf("after first leave: %+v", s)
	}
	r.Leave(ctx, a) // not joined anymore: no-op
	r.Leave(ctx, b)
	if s := r.Stats(); s.Rooms != 0 || s.Members != 0 {
		t.Fatalf("empty room must be discarded: %+v", s)
	}

	_ = r.Broadcast(ctx, "u1", "e", nil)
	if len(a.received())+len(b.received()) != 0 {
		t.Fatalf("members that left received events")
	}
}

func TestRegistry_ConcurrentLifecycles(t *testing.T) {
	ctx := context.Background()
	r := New()

	const users, perUser = 20, 10
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for s := 0; s < perUser; s++ {
			wg.Add(1)
			go func(u, s int) {
				defer wg.Done()
				uid := fmt.Sprintf("u%d", u)
				m := newFakeMember(fmt.Sprintf("%s-s%d", uid, s))
				if err := r.Join(ctx, m, uid); err != nil {
					t.Errorf("join: %v", err)
					return
				}
				_ = r.Broadcast(ctx, uid, "e", s)
				if s%2 == 0 {
					r.Leave(ctx, m)
				}
			}(u, s)
		}
	}
	wg.Wait()

	s := r.Stats()
	if s.Members != users*perUser/2 {
		t.Fatalf("want %d members, got %+v", users*perUser/2, s)
	}
	if s.Rooms != users {
		t.Fatalf("want %d rooms, got %+v", users, s)
	}
}

func TestRegistry_ClusteredDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memorybus.New()
	defer bus.Close()

	r1 := New(WithBus(bus), WithInstanceID("instance-1"))
	r2 := New(WithBus(bus), WithInstanceID("instance-2"))
	for _, r := range []*Registry{r1, r2} {
		if err := r.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer r.Close()
	}

	local := newFakeMember("on-1")
	remote := newFakeMember("on-2")
	if err := r1.Join(ctx, local, "u2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r2.Join(ctx, remote, "u2"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if n, err := r1.Members(ctx, "u2"); err != nil || n != 2 {
		t.Fatalf("cluster-wide members: want 2, got %d (%v)", n, err)
	}

	if err := r1.Broadcast(ctx, "u2", "getNotification", json.RawMessage(`{"id":"n9"}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	got := remote.waitFor(t, 1)
	if got[0].Name != "getNotification" || string(got[0].Data) != `{"id":"n9"}` {
		t.Fatalf("remote member got %+v", got[0])
	}

	// The originating instance must not deliver its own message twice.
	time.Sleep(100 * time.Millisecond)
	if n := len(local.received()); n != 1 {
		t.Fatalf("local member: want 1 delivery, got %d", n)
	}

	r2.Leave(ctx, remote)
	if n, _ := r1.Members(ctx, "u2"); n != 1 {
		t.Fatalf("leave must be mirrored: want 1, got %d", n)
	}
}

func TestRegistry_OrderPreservedAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memorybus.New()
	defer bus.Close()

	r1 := New(WithBus(bus))
	r2 := New(WithBus(bus))
	if err := r2.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r2.Close()

	m := newFakeMember("s")
	_ = r2.Join(ctx, m, "u1")

	const n = 25
	for i := 0; i < n; i++ {
		if err := r1.Broadcast(ctx, "u1", fmt.Sprintf("e%d", i), i); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}

	got := m.waitFor(t, n)
	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("e%d", i); got[i].Name != want {
			t.Fatalf("event %d: got %s want %s", i, got[i].Name, want)
		}
	}
}

func TestRegistry_PublishFailureIsReported(t *testing.T) {
	bus := memorybus.New()
	r := New(WithBus(bus))
	m := newFakeMember("s")
	_ = r.Join(context.Background(), m, "u1")
	_ = bus.Close()

	err := r.Broadcast(context.Background(), "u1", "e", nil)
	if err == nil {
		t.Fatalf("expected publish error after bus close")
	}
	// Local members were still served.
	if n := len(m.received()); n != 1 {
		t.Fatalf("local delivery: want 1, got %d", n)
	}
}
