package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/ggoodman/notify-relay/auth"
	"github.com/golang-jwt/jwt/v5"
)

var (
	hmacAlgs       = []string{"HS256", "HS384", "HS512"}
	asymmetricAlgs = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}
)

// Config controls validation behavior for handshake tokens.
//
// Secret is the shared HMAC key the identity provider signs with. JWKSURL,
// when set, additionally admits asymmetrically signed tokens whose keys are
// published at that URL. At least one of the two is required.
type Config struct {
	Secret  []byte
	JWKSURL string
	// Issuer, when non-empty, must match the iss claim exactly.
	Issuer string
	// ExpectedAudiences, when non-empty, must intersect the aud claim.
	ExpectedAudiences []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with a safe clock-skew default.
func DefaultConfig() *Config {
	return &Config{Leeway: 30 * time.Second}
}

// userInfo is the concrete auth.UserInfo for validated tokens.
type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator verifies signed tokens against process-wide key material.
// It holds no mutable state after construction and is safe for concurrent use.
type Authenticator struct {
	cfg     Config
	algs    []string
	jwks    keyfunc.Keyfunc
	keyfunc jwt.Keyfunc
}

// New constructs an Authenticator. When cfg.JWKSURL is set the key set is
// fetched and refreshed in the background for the lifetime of ctx.
func New(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(cfg.Secret) == 0 && cfg.JWKSURL == "" {
		return nil, errors.New("secret or jwks url is required")
	}

	a := &Authenticator{cfg: *cfg}
	if len(cfg.Secret) > 0 {
		a.algs = append(a.algs, hmacAlgs...)
	}
	if cfg.JWKSURL != "" {
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("jwks init failed: %w", err)
		}
		a.jwks = kf
		a.algs = append(a.algs, asymmetricAlgs...)
	}

	a.keyfunc = func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if !slices.Contains(a.algs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
			return a.cfg.Secret, nil
		}
		return a.jwks.Keyfunc(t)
	}

	return a, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.algs),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrInvalidToken)
	}

	if len(a.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrInvalidToken)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrInvalidToken)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var _ auth.Authenticator = (*Authenticator)(nil)
