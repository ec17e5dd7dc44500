// Package rooms implements the membership registry: the mapping from a user
// identifier to the set of that user's live sessions, and room-scoped
// broadcast over it.
//
// Every authenticated session joins exactly one room, "user:<user id>", for
// its lifetime. Rooms are created on first join and discarded when the last
// member leaves. Broadcasting to an empty room is a silent no-op: the user may
// simply be offline and nothing is queued for later.
//
// # Multi-instance
//
// When constructed WithBus, the registry mirrors membership into the bus'
// presence sets and publishes every broadcast on the bus. Broadcasts are
// delivered to local members directly, and messages arriving from other
// instances are delivered to the local members of the target room. Messages a
// registry published itself are recognized by their origin and skipped, so a
// local member never receives a broadcast twice.
package rooms
