// Package auth provides the authentication primitives used by the connection
// gateway. An Authenticator verifies an opaque signed token presented during
// the websocket handshake and returns a UserInfo carrying the stable user
// identifier (the token's subject).
//
// The gateway extracts the token from the handshake request (bearer header,
// query parameter or session cookie) and maps the sentinel errors onto
// handshake rejections.
//
// # Errors
//
// ErrMissingToken signals that no token was presented. ErrInvalidToken signals
// that a token was presented but failed verification. Both wrap
// ErrUnauthorized so callers that only care about the umbrella condition can
// use errors.Is(err, auth.ErrUnauthorized).
//
// Example:
//
//	ui, err := authn.CheckAuthentication(ctx, tok)
//	switch {
//	case errors.Is(err, auth.ErrMissingToken): // reject: no credential
//	case errors.Is(err, auth.ErrInvalidToken): // reject: bad credential
//	}
//	room := rooms.RoomName(ui.UserID())
package auth
