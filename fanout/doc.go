// Package fanout defines the cross-instance message bus used to share room
// broadcasts and room presence between relay processes.
//
// Implementations
//
//	memorybus : in-process bus for tests and single-binary multi-registry setups
//	redisbus  : Redis Pub/Sub for broadcasts plus Redis sets for presence
//
// A rooms.Registry configured with a Bus publishes every broadcast it performs
// and delivers messages published by other instances to its own local
// sessions. Without a Bus the registry operates in single-instance mode.
//
// The bustest package contains a conformance suite that every implementation
// runs from its own tests.
package fanout
