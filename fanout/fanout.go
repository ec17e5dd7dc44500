package fanout

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a Bus after Close.
var ErrClosed = errors.New("fanout: bus closed")

// Message is a room-scoped event as it travels between relay instances.
type Message struct {
	// Origin identifies the publishing relay instance so it can skip its own
	// messages when they come back around.
	Origin string `json:"origin"`
	// Room is the target room name, e.g. "user:42".
	Room string `json:"room"`
	// Event is the outbound event name delivered to sessions.
	Event string `json:"event"`
	// Data is the already-encoded event payload, forwarded verbatim.
	Data json.RawMessage `json:"data"`
}

// Handler receives messages from a Subscription. Calls are sequential for a
// given subscription, in the order the bus delivered them.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active registration of a Handler on a Bus.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
	// Done is closed once the subscription stops delivering, whether due to
	// Close, context cancellation, or the bus shutting down.
	Done() <-chan struct{}
}

// Bus mirrors room broadcasts and room presence across relay instances.
//
// Delivery semantics are those of the underlying transport: the relay adds no
// deduplication or reordering. Implementations must preserve publish order for
// messages from a single publisher to a single subscriber.
type Bus interface {
	// Publish sends msg to every active subscription, including ones held by
	// the publishing instance.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers handler and returns once the subscription is active,
	// so that messages published after Subscribe returns are observed.
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)

	// AddMember records memberID as present in room. Idempotent.
	AddMember(ctx context.Context, room, memberID string) error
	// RemoveMember removes memberID from room. Removing an absent member is not an error.
	RemoveMember(ctx context.Context, room, memberID string) error
	// CountMembers reports how many members are present in room across all instances.
	CountMembers(ctx context.Context, room string) (int, error)

	// Close releases resources held by the bus.
	Close() error
}
