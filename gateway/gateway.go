package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/notify-relay/auth"
	"github.com/ggoodman/notify-relay/readstate"
	"github.com/ggoodman/notify-relay/rooms"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultSendBuffer   = 64
	defaultStoreTimeout = 5 * time.Second
)

var _ http.Handler = (*Gateway)(nil)

// Gateway accepts websocket connections, authenticates them during the
// handshake and places each resulting Session in its user's room.
type Gateway struct {
	authn auth.Authenticator
	rooms *rooms.Registry
	store readstate.Store
	log   *slog.Logger

	cookieNames    []string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	sendBuffer     int
	storeTimeout   time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithReadStateStore sets the store used to persist mark-as-read events.
func WithReadStateStore(s readstate.Store) Option {
	return func(g *Gateway) {
		if s != nil {
			g.store = s
		}
	}
}

// WithAllowedOrigins restricts the Origin header of upgrade requests. Entries
// may be full origins ("https://app.example.com") or bare hosts. With no
// entries only same-host and loopback origins are accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(g *Gateway) {
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			g.allowedOrigins[o] = true
			if parsed, err := url.Parse(o); err == nil && parsed.Host != "" {
				g.allowedHosts[parsed.Host] = true
			} else {
				g.allowedHosts[o] = true
			}
		}
	}
}

// WithCookieNames sets the cookies consulted for a token when the handshake
// carries no explicit credential.
func WithCookieNames(names ...string) Option {
	return func(g *Gateway) {
		g.cookieNames = names
	}
}

// WithReadStateTimeout bounds each store call. Zero disables the bound.
func WithReadStateTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.storeTimeout = d
	}
}

// WithSendBuffer sets the number of outbound frames buffered per session.
func WithSendBuffer(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.sendBuffer = n
		}
	}
}

// New returns a Gateway that verifies handshakes with authn and joins
// sessions into reg.
func New(authn auth.Authenticator, reg *rooms.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		authn:          authn,
		rooms:          reg,
		log:            slog.New(slog.DiscardHandler),
		cookieNames:    DefaultCookieNames,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		sendBuffer:     defaultSendBuffer,
		storeTimeout:   defaultStoreTimeout,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = readstate.Nop{Log: g.log}
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin is checked before authentication in ServeHTTP.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return g
}

// SessionCount returns the number of live sessions on this gateway.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !websocket.IsWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	if !g.checkOrigin(r) {
		g.log.WarnContext(ctx, "gateway.handshake.origin.reject", slog.String("origin", r.Header.Get("Origin")))
		writeJSONError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	sess := newSession(g, uuid.NewString())

	var (
		userInfo auth.UserInfo
		err      error
	)
	tok := TokenFromRequest(r, g.cookieNames)
	if tok == "" {
		err = auth.ErrMissingToken
	} else {
		userInfo, err = g.authn.CheckAuthentication(ctx, tok)
	}
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			g.log.ErrorContext(ctx, "gateway.handshake.auth.error", slog.String("err", err.Error()))
			err = auth.ErrInvalidToken
		}
		g.log.InfoContext(ctx, "gateway.handshake.auth.reject", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, unauthorizedMessage(err))
		return
	}

	// Sessions outlive the upgrade request.
	sessCtx := context.WithoutCancel(ctx)
	if !sess.authenticate(sessCtx, userInfo.UserID()) {
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}

	if !g.track(sess) {
		writeJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		g.untrack(sess)
		g.log.WarnContext(sess.ctx, "gateway.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	sess.conn = conn

	if err := g.rooms.Join(sess.ctx, sess, sess.userID); err != nil {
		g.log.ErrorContext(sess.ctx, "gateway.join.fail", slog.String("err", err.Error()))
		g.untrack(sess)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	select {
	case <-sess.done:
		// Closed by Shutdown while the handshake was in flight.
		g.rooms.Leave(sess.ctx, sess)
		_ = conn.Close()
		return
	default:
	}

	connected, _ := json.Marshal(ConnectedPayload{SessionID: sess.id})
	if err := sess.Deliver(rooms.Event{Name: EventConnected, Data: connected}); err != nil {
		g.log.WarnContext(sess.ctx, "gateway.connected.fail", slog.String("err", err.Error()))
	}

	g.log.InfoContext(sess.ctx, "gateway.session.open", slog.String("remote_addr", r.RemoteAddr))

	go sess.writePump()
	go sess.worker()
	go sess.readPump()
}

// Shutdown closes every live session with a going-away close frame and
// refuses new ones. It returns once all sessions have closed or ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	live := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()

	for _, s := range live {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.SessionCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s.id] = s
	return true
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return g.allowedOrigins[origin]
	}

	if len(g.allowedOrigins) > 0 {
		return g.allowedOrigins[origin] || g.allowedHosts[parsed.Host]
	}

	if parsed.Host == r.Host {
		return true
	}

	return isLoopback(parsed.Hostname())
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, auth.ErrMissingToken) {
		return auth.ErrMissingToken.Error()
	}
	return auth.ErrInvalidToken.Error()
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}
