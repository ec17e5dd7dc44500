// Package gateway terminates client websocket connections.
//
// A connection is authenticated once, during the HTTP upgrade, from a token
// carried in an Authorization header, a "token" query parameter or a session
// cookie. Failed handshakes are answered with HTTP 401 and never reach the
// room registry. Authenticated connections become Sessions joined to the
// room of their user, after which they receive every event broadcast to
// that room.
//
// Frames in both directions are JSON objects of the form
//
//	{"event": "<name>", "data": <any JSON>}
//
// The only inbound event is "markAsRead" (also accepted as "mark-as-read")
// carrying a list of notification IDs. Each session handles its inbound
// events sequentially on a dedicated goroutine: the IDs are recorded with
// the configured readstate.Store on a best-effort basis and then broadcast
// back to every session of the same user as "notificationsMarkedRead".
package gateway
