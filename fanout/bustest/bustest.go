package bustest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/notify-relay/fanout"
)

// BusFactory is a function that creates a new bus instance for testing.
type BusFactory func(t *testing.T) fanout.Bus

// RunBusTests runs the complete bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishReachesAllSubscribers", func(t *testing.T) {
		testPublishReachesAllSubscribers(t, factory)
	})
	t.Run("OrderPreservedForSinglePublisher", func(t *testing.T) {
		testOrderPreservedForSinglePublisher(t, factory)
	})
	t.Run("NoReplayForLateSubscriber", func(t *testing.T) {
		testNoReplayForLateSubscriber(t, factory)
	})
	t.Run("SubscriptionCloseStopsDelivery", func(t *testing.T) {
		testSubscriptionCloseStopsDelivery(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("MembershipLifecycle", func(t *testing.T) {
		testMembershipLifecycle(t, factory)
	})
	t.Run("MembershipRoomIsolation", func(t *testing.T) {
		testMembershipRoomIsolation(t, factory)
	})
}

type collector struct {
	mu   sync.Mutex
	msgs []fanout.Message
	cond chan struct{}
}

func newCollector() *collector {
	return &collector{cond: make(chan struct{}, 1024)}
}

func (c *collector) handle(ctx context.Context, msg fanout.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.cond <- struct{}{}:
	default:
	}
}

func (c *collector) waitFor(t *testing.T, n int) []fanout.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]fanout.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.cond:
		case <-deadline:
			c.mu.Lock()
			got := len(c.msgs)
			c.mu.Unlock()
			t.Fatalf("timed out waiting for %d messages, got %d", n, got)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func msg(room, event string, data any) fanout.Message {
	b, _ := json.Marshal(data)
	return fanout.Message{Origin: "test-origin", Room: room, Event: event, Data: b}
}

func testPublishReachesAllSubscribers(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, c2 := newCollector(), newCollector()
	s1, err := b.Subscribe(ctx, c1.handle)
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	defer s1.Close()
	s2, err := b.Subscribe(ctx, c2.handle)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	defer s2.Close()

	if err := b.Publish(ctx, msg("user:u1", "getNotification", map[string]string{"id": "n1"})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, c := range []*collector{c1, c2} {
		got := c.waitFor(t, 1)
		m := got[0]
		if m.Room != "user:u1" || m.Event != "getNotification" || m.Origin != "test-origin" {
			t.Fatalf("subscriber %d: unexpected message %+v", i+1, m)
		}
		var data map[string]string
		if err := json.Unmarshal(m.Data, &data); err != nil {
			t.Fatalf("subscriber %d: decode data: %v", i+1, err)
		}
		if data["id"] != "n1" {
			t.Fatalf("subscriber %d: payload mismatch: %v", i+1, data)
		}
	}
}

func testOrderPreservedForSinglePublisher(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	sub, err := b.Subscribe(ctx, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, msg("user:order", fmt.Sprintf("e%d", i), i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := c.waitFor(t, n)
	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("e%d", i); got[i].Event != want {
			t.Fatalf("message %d out of order: got %s want %s", i, got[i].Event, want)
		}
	}
}

func testNoReplayForLateSubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Publish(ctx, msg("user:late", "before", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := newCollector()
	sub, err := b.Subscribe(ctx, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, msg("user:late", "after", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := c.waitFor(t, 1)
	if got[0].Event != "after" {
		t.Fatalf("late subscriber received replayed message %q", got[0].Event)
	}
}

func testSubscriptionCloseStopsDelivery(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	sub, err := b.Subscribe(ctx, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Closing twice is allowed.
	_ = sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not report Done after Close")
	}

	if err := b.Publish(ctx, msg("user:closed", "e", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := c.count(); n != 0 {
		t.Fatalf("closed subscription received %d messages", n)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	subCtx, cancelSub := context.WithCancel(context.Background())
	sub, err := b.Subscribe(subCtx, newCollector().handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	cancelSub()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after context cancellation")
	}
}

func testMembershipLifecycle(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	room := "user:presence"

	if n, err := b.CountMembers(ctx, room); err != nil || n != 0 {
		t.Fatalf("empty room: want 0, got %d (%v)", n, err)
	}

	for _, id := range []string{"s1", "s2", "s1"} {
		if err := b.AddMember(ctx, room, id); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if n, err := b.CountMembers(ctx, room); err != nil || n != 2 {
		t.Fatalf("after adds: want 2 (idempotent add), got %d (%v)", n, err)
	}

	if err := b.RemoveMember(ctx, room, "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := b.RemoveMember(ctx, room, "never-added"); err != nil {
		t.Fatalf("remove absent member should not fail: %v", err)
	}
	if n, err := b.CountMembers(ctx, room); err != nil || n != 1 {
		t.Fatalf("after remove: want 1, got %d (%v)", n, err)
	}

	if err := b.RemoveMember(ctx, room, "s2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, err := b.CountMembers(ctx, room); err != nil || n != 0 {
		t.Fatalf("after removing all: want 0, got %d (%v)", n, err)
	}
}

func testMembershipRoomIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.AddMember(ctx, "user:a", "s1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddMember(ctx, "user:b", "s2"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddMember(ctx, "user:b", "s3"); err != nil {
		t.Fatalf("add: %v", err)
	}

	if n, _ := b.CountMembers(ctx, "user:a"); n != 1 {
		t.Fatalf("user:a: want 1, got %d", n)
	}
	if n, _ := b.CountMembers(ctx, "user:b"); n != 2 {
		t.Fatalf("user:b: want 2, got %d", n)
	}
}
