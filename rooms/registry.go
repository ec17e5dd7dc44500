package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/notify-relay/fanout"
	"github.com/ggoodman/notify-relay/internal/logctx"
	"github.com/google/uuid"
)

// RoomPrefix is prepended to a user identifier to form its room name.
const RoomPrefix = "user:"

// Events broadcast to rooms.
const (
	EventGetNotification         = "getNotification"
	EventNotificationsMarkedRead = "notificationsMarkedRead"
)

var (
	// ErrRoomMismatch is returned when a member that already joined one room
	// attempts to join another.
	ErrRoomMismatch = errors.New("rooms: member already belongs to a different room")
	// ErrEmptyUserID is returned when joining with an empty user identifier.
	ErrEmptyUserID = errors.New("rooms: empty user id")
)

// RoomName returns the room that holds the sessions of userID.
func RoomName(userID string) string { return RoomPrefix + userID }

// Event is a named payload delivered to every member of a room.
type Event struct {
	Name string
	Data json.RawMessage
}

// Member is a live session that can be placed in a room.
type Member interface {
	// ID returns the session identifier, unique for the process lifetime.
	ID() string
	// Deliver hands ev to the session. It must not block; an error means the
	// event was not accepted (session closing or too slow) and is not retried.
	Deliver(ev Event) error
}

// Stats is a point-in-time view of local membership.
type Stats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"sessions"`
}

// Registry owns synchronized access to the room index.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member // room -> member id -> member
	roomsOf map[string]string            // member id -> room

	bus        fanout.Bus
	instanceID string
	log        *slog.Logger

	subMu sync.Mutex
	sub   fanout.Subscription
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus mirrors membership and broadcasts through b.
func WithBus(b fanout.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithInstanceID overrides the generated instance identifier used to tag
// published messages.
func WithInstanceID(id string) Option {
	return func(r *Registry) {
		if id != "" {
			r.instanceID = id
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		rooms:      make(map[string]map[string]Member),
		roomsOf:    make(map[string]string),
		instanceID: uuid.NewString(),
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID returns the identifier this registry tags published messages with.
func (r *Registry) InstanceID() string { return r.instanceID }

// Clustered reports whether the registry is attached to a fan-out bus.
func (r *Registry) Clustered() bool { return r.bus != nil }

// Start subscribes to the bus so broadcasts from other instances reach local
// members. It is a no-op in single-instance mode. The subscription lives
// until ctx is canceled or Close is called.
func (r *Registry) Start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub != nil {
		return nil
	}

	sub, err := r.bus.Subscribe(ctx, r.handleRemote)
	if err != nil {
		return fmt.Errorf("subscribe to fan-out bus: %w", err)
	}
	r.sub = sub

	return nil
}

// Close stops the bus subscription. Local membership is left untouched; the
// owner of the sessions is responsible for closing them.
func (r *Registry) Close() error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}

func (r *Registry) handleRemote(ctx context.Context, msg fanout.Message) {
	if msg.Origin == r.instanceID {
		return
	}
	r.deliverLocal(ctx, msg.Room, Event{Name: msg.Event, Data: msg.Data})
}

// Join places m in the room of userID. Joining the same room again is a
// no-op; joining a different room returns ErrRoomMismatch.
func (r *Registry) Join(ctx context.Context, m Member, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	room := RoomName(userID)
	id := m.ID()

	r.mu.Lock()
	if existing, ok := r.roomsOf[id]; ok {
		r.mu.Unlock()
		if existing != room {
			return fmt.Errorf("%w: %s is in %s", ErrRoomMismatch, id, existing)
		}
		return nil
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Member)
		r.rooms[room] = members
	}
	members[id] = m
	r.roomsOf[id] = room
	r.mu.Unlock()

	if r.bus != nil {
		if err := r.bus.AddMember(ctx, room, id); err != nil {
			r.log.WarnContext(ctx, "rooms.join.presence.fail", slog.String("room", room), slog.String("err", err.Error()))
		}
	}

	return nil
}

// Leave removes m from its room, discarding the room when it becomes empty.
// Leaving when not joined is a no-op.
func (r *Registry) Leave(ctx context.Context, m Member) {
	id := m.ID()

	r.mu.Lock()
	room, ok := r.roomsOf[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.roomsOf, id)
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()

	if r.bus != nil {
		if err := r.bus.RemoveMember(ctx, room, id); err != nil {
			r.log.WarnContext(ctx, "rooms.leave.presence.fail", slog.String("room", room), slog.String("err", err.Error()))
		}
	}
}

// Broadcast delivers payload under event to every session in userID's room,
// on this instance and, when clustered, on every other instance. A room with
// no members is not an error.
//
// payload may be a json.RawMessage, which is forwarded verbatim, or any value
// encodable with encoding/json.
func (r *Registry) Broadcast(ctx context.Context, userID, event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	room := RoomName(userID)

	r.deliverLocal(ctx, room, Event{Name: event, Data: data})

	if r.bus == nil {
		return nil
	}

	if err := r.bus.Publish(ctx, fanout.Message{Origin: r.instanceID, Room: room, Event: event, Data: data}); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, room, err)
	}

	return nil
}

func (r *Registry) deliverLocal(ctx context.Context, room string, ev Event) {
	r.mu.RLock()
	members := make([]Member, 0, len(r.rooms[room]))
	for _, m := range r.rooms[room] {
		members = append(members, m)
	}
	r.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	ctx = logctx.WithEventData(ctx, &logctx.EventData{Name: ev.Name, Room: room})
	for _, m := range members {
		if err := m.Deliver(ev); err != nil {
			r.log.DebugContext(ctx, "rooms.deliver.drop", slog.String("member", m.ID()), slog.String("err", err.Error()))
		}
	}
}

// Members reports how many sessions userID has. When clustered the count
// spans all instances sharing the bus.
func (r *Registry) Members(ctx context.Context, userID string) (int, error) {
	room := RoomName(userID)
	if r.bus != nil {
		return r.bus.CountMembers(ctx, room)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room]), nil
}

// Stats returns counts of local rooms and members.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Rooms: len(r.rooms), Members: len(r.roomsOf)}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if v == nil {
			return json.RawMessage("null"), nil
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload bytes are not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
