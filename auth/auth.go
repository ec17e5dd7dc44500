package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrMissingToken is returned when no credential was presented at all.
var ErrMissingToken = fmt.Errorf("%w: missing token", ErrUnauthorized)

// ErrInvalidToken is returned for a credential that was presented but could
// not be verified (bad signature, expired, malformed, or missing subject).
var ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates tokens and returns associated user info.
// It returns an error wrapping ErrMissingToken or ErrInvalidToken on failure.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
