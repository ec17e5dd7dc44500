// Package ingest is the trusted HTTP surface through which upstream
// services push events to connected users.
//
// Every request must carry the shared key in the X-Internal-Key header. The
// key is checked before routing, so a request with a bad key receives the
// same 401 whether or not its path exists.
//
//	POST /v1/notify            {"receiverId": "...", "payload": {...}}
//	POST /v1/notify-read       {"userId": "...", "ids": ["...", ...]}
//	GET  /v1/presence/{userId}
//
// Successful deliveries answer {"ok":true} and never reveal whether the
// user had any live sessions. Presence is reported only by the dedicated
// presence route.
package ingest
