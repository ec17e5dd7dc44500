package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/notify-relay/auth"
)

// Static is a test authenticator that maps literal tokens to user IDs.
// Unknown tokens are rejected with auth.ErrInvalidToken.
type Static struct {
	tokens map[string]string
}

// NewStatic creates a Static authenticator from a token -> user ID map.
func NewStatic(tokens map[string]string) *Static {
	s := &Static{tokens: make(map[string]string, len(tokens))}
	for tok, uid := range tokens {
		s.tokens[tok] = uid
	}
	return s
}

// CheckAuthentication implements auth.Authenticator.
func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrMissingToken
	}
	uid, ok := s.tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown test token", auth.ErrInvalidToken)
	}
	return &userInfo{userID: uid}, nil
}

type userInfo struct {
	userID string
}

func (u *userInfo) UserID() string { return u.userID }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.userID})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*Static)(nil)
