// Package redisbus implements fanout.Bus on Redis so that several relay
// instances can share room broadcasts and room presence.
//
// Design Notes
//   - Broadcasts: PUBLISH on a single channel "<prefix>events"; every instance
//     holds one SUBSCRIBE on it. At-most-once, publish order per connection.
//   - Presence: one set per room at "<prefix>room:<room>" (SADD / SREM / SCARD).
//   - Close removes the members this instance added, best-effort. A crashed
//     instance leaves its members behind until they are removed by hand or the
//     keys are flushed.
//
// Example:
//
//	bus, err := redisbus.New(ctx, redisbus.Config{URL: "redis://localhost:6379/0"})
//	if err != nil { /* fall back to single-instance mode */ }
//	defer bus.Close()
package redisbus
