package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/notify-relay/fanout"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "notify-relay:"

// Config for the Redis-backed bus. Defaults can be loaded via envdecode.
type Config struct {
	// URL like "redis://:password@localhost:6379/0". ENV: REDIS_URL
	URL string `env:"REDIS_URL"`
	// KeyPrefix for all keys and channels. ENV: REDIS_KEY_PREFIX
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=notify-relay:"`
	// Client overrides URL when set. The bus does not close a caller-supplied client.
	Client redis.UniversalClient
}

// Bus is a Redis Pub/Sub based implementation of fanout.Bus.
type Bus struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string

	mu     sync.Mutex
	owned  map[string]map[string]struct{} // room -> members added through this bus
	subs   map[*subscription]struct{}
	closed bool
}

// New connects to Redis and verifies reachability with PING.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := cfg.Client
	owns := false
	if client == nil {
		if cfg.URL == "" {
			return nil, errors.New("redis url is required")
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		owns = true
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if owns {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Bus{
		client:     client,
		ownsClient: owns,
		keyPrefix:  prefix,
		owned:      make(map[string]map[string]struct{}),
		subs:       make(map[*subscription]struct{}),
	}, nil
}

// NewFromEnv builds a Bus using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// --- Key helpers ---

func (b *Bus) channel() string           { return b.keyPrefix + "events" }
func (b *Bus) roomKey(room string) string { return b.keyPrefix + "room:" + room }

// --- Broadcast via Pub/Sub ---

// Publish implements fanout.Bus.Publish
func (b *Bus) Publish(ctx context.Context, msg fanout.Message) error {
	if b.isClosed() {
		return fanout.ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel(), err)
	}

	return nil
}

type subscription struct {
	bus    *Bus
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Subscribe implements fanout.Bus.Subscribe
func (b *Bus) Subscribe(ctx context.Context, handler fanout.Handler) (fanout.Subscription, error) {
	if b.isClosed() {
		return nil, fanout.ErrClosed
	}

	ps := b.client.Subscribe(ctx, b.channel())
	// Wait for the subscription confirmation so callers observe every message
	// published after Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel(), err)
	}

	sub := &subscription{bus: b, pubsub: ps, done: make(chan struct{})}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx, handler)

	return sub, nil
}

func (s *subscription) run(ctx context.Context, handler fanout.Handler) {
	defer close(s.done)
	defer s.Close()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg fanout.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				// Skip malformed message and continue with the next one
				continue
			}
			handler(ctx, msg)
		}
	}
}

// Close implements fanout.Subscription.Close
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}

// Done implements fanout.Subscription.Done
func (s *subscription) Done() <-chan struct{} { return s.done }

// --- Presence via sets ---

// AddMember implements fanout.Bus.AddMember
func (b *Bus) AddMember(ctx context.Context, room, memberID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fanout.ErrClosed
	}
	set, ok := b.owned[room]
	if !ok {
		set = make(map[string]struct{})
		b.owned[room] = set
	}
	set[memberID] = struct{}{}
	b.mu.Unlock()

	if err := b.client.SAdd(ctx, b.roomKey(room), memberID).Err(); err != nil {
		return fmt.Errorf("failed to add member to %s: %w", room, err)
	}
	return nil
}

// RemoveMember implements fanout.Bus.RemoveMember
func (b *Bus) RemoveMember(ctx context.Context, room, memberID string) error {
	b.mu.Lock()
	if set, ok := b.owned[room]; ok {
		delete(set, memberID)
		if len(set) == 0 {
			delete(b.owned, room)
		}
	}
	b.mu.Unlock()

	// Removal must survive the caller's context being canceled on disconnect.
	c := context.WithoutCancel(ctx)
	if err := b.client.SRem(c, b.roomKey(room), memberID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to remove member from %s: %w", room, err)
	}
	return nil
}

// CountMembers implements fanout.Bus.CountMembers
func (b *Bus) CountMembers(ctx context.Context, room string) (int, error) {
	n, err := b.client.SCard(ctx, b.roomKey(room)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count members of %s: %w", room, err)
	}
	return int(n), nil
}

// Close stops subscriptions, removes presence added through this bus and
// closes the Redis client if the bus created it.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	owned := b.owned
	b.owned = make(map[string]map[string]struct{})
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for room, set := range owned {
		members := make([]any, 0, len(set))
		for id := range set {
			members = append(members, id)
		}
		_ = b.client.SRem(ctx, b.roomKey(room), members...).Err()
	}

	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Interface compliance
var (
	_ fanout.Bus          = (*Bus)(nil)
	_ fanout.Subscription = (*subscription)(nil)
)
