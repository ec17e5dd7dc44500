// Package memorybus provides an in-memory implementation of fanout.Bus using
// Go channels for delivery. Several rooms.Registry values sharing one Bus
// behave like relay instances sharing a message bus, which makes it suitable
// for tests and single-process deployments. State is never shared across
// processes.
package memorybus

import (
	"context"
	"sync"

	"github.com/ggoodman/notify-relay/fanout"
)

const defaultBuffer = 1024

// Bus implements fanout.Bus with in-process channels and maps.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	members     map[string]map[string]struct{}
	closed      bool
	buffer      int
}

// subscription represents an active handler registration.
type subscription struct {
	bus     *Bus
	ch      chan fanout.Message
	handler fanout.Handler
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscription buffer size. Messages published to a
// subscription whose buffer is full are dropped.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates a new memory-based bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[*subscription]struct{}),
		members:     make(map[string]map[string]struct{}),
		buffer:      defaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements fanout.Bus.Publish
func (b *Bus) Publish(ctx context.Context, msg fanout.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg.Data = append([]byte(nil), msg.Data...)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fanout.ErrClosed
	}

	for sub := range b.subscribers {
		select {
		case sub.ch <- msg:
		case <-sub.stop:
		default:
			// Subscriber is not keeping up; drop rather than block the publisher.
		}
	}

	return nil
}

// Subscribe implements fanout.Bus.Subscribe
func (b *Bus) Subscribe(ctx context.Context, handler fanout.Handler) (fanout.Subscription, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sub := &subscription{
		bus:     b,
		ch:      make(chan fanout.Message, b.buffer),
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fanout.ErrClosed
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx)

	return sub, nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.Close()

	for {
		select {
		case msg := <-s.ch:
			s.handler(ctx, msg)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close implements fanout.Subscription.Close
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
		close(s.stop)
	})
	return nil
}

// Done implements fanout.Subscription.Done
func (s *subscription) Done() <-chan struct{} { return s.done }

// AddMember implements fanout.Bus.AddMember
func (b *Bus) AddMember(ctx context.Context, room, memberID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fanout.ErrClosed
	}

	set, ok := b.members[room]
	if !ok {
		set = make(map[string]struct{})
		b.members[room] = set
	}
	set[memberID] = struct{}{}

	return nil
}

// RemoveMember implements fanout.Bus.RemoveMember
func (b *Bus) RemoveMember(ctx context.Context, room, memberID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.members[room]; ok {
		delete(set, memberID)
		if len(set) == 0 {
			delete(b.members, room)
		}
	}

	return nil
}

// CountMembers implements fanout.Bus.CountMembers
func (b *Bus) CountMembers(ctx context.Context, room string) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.members[room]), nil
}

// Close implements fanout.Bus.Close. Active subscriptions are stopped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.members = make(map[string]map[string]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	return nil
}

// Compile-time interface checks
var (
	_ fanout.Bus          = (*Bus)(nil)
	_ fanout.Subscription = (*subscription)(nil)
)
