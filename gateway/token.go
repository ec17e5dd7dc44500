package gateway

import (
	"net/http"
	"strings"
)

// DefaultCookieNames are consulted, in order, when the handshake carries no
// explicit credential.
var DefaultCookieNames = []string{"next-auth.session-token", "__Secure-next-auth.session-token"}

// TokenFromRequest extracts the handshake token. An explicit credential wins:
// an "Authorization: Bearer" header, then the "token" query parameter. If
// neither is present the named cookies are tried in order and the first one
// present wins. An empty result means no token was supplied.
func TokenFromRequest(r *http.Request, cookieNames []string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				return tok
			}
		}
	}

	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}

	for _, name := range cookieNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}

	return ""
}
