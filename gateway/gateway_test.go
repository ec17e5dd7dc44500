package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/notify-relay/auth/authtest"
	"github.com/ggoodman/notify-relay/readstate"
	"github.com/ggoodman/notify-relay/rooms"
	"github.com/gorilla/websocket"
)

type recordingStore struct {
	mu    sync.Mutex
	calls []markCall
}

type markCall struct {
	userID string
	ids    []string
}

func (s *recordingStore) MarkRead(_ context.Context, userID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, markCall{userID: userID, ids: append([]string(nil), ids...)})
	return nil
}

func (s *recordingStore) snapshot() []markCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]markCall(nil), s.calls...)
}

type harness struct {
	srv   *httptest.Server
	gw    *Gateway
	reg   *rooms.Registry
	authn *authtest.Static
	store *recordingStore
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		reg: rooms.New(rooms.WithLogger(testLogger(t))),
		authn: authtest.NewStatic(map[string]string{
			"tok-alice":   "alice",
			"tok-alice-2": "alice",
			"tok-bob":     "bob",
		}),
		store: &recordingStore{},
	}
	opts = append([]Option{WithLogger(testLogger(t)), WithReadStateStore(h.store)}, opts...)
	h.gw = New(h.authn, h.reg, opts...)
	h.srv = httptest.NewServer(h.gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.gw.Shutdown(ctx)
		h.srv.Close()
	})
	return h
}

func (h *harness) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/socket"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial connects with token and consumes the connected frame.
func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL("token="+token), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", token, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })

	f := readFrame(t, conn)
	if f.Event != EventConnected {
		t.Fatalf("first frame: want %q, got %q", EventConnected, f.Event)
	}
	var cp ConnectedPayload
	if err := json.Unmarshal(f.Data, &cp); err != nil || cp.SessionID == "" {
		t.Fatalf("connected payload %s: %v", f.Data, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
	var ne interface{ Timeout() bool }
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(Frame{Event: event, Data: raw})
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitForMembers(t *testing.T, reg *rooms.Registry, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := reg.Members(context.Background(), userID)
		if err != nil {
			t.Fatal(err)
		}
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("members of %s: want %d, got %d", userID, want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshakeRejectsBadTokens(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		query   string
		message string
	}{
		{name: "missing token", query: "", message: "unauthorized: missing token"},
		{name: "unknown token", query: "token=nope", message: "unauthorized: invalid token"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(tc.query), nil)
			if err == nil {
				t.Fatal("expected handshake to fail")
			}
			if resp == nil {
				t.Fatalf("expected HTTP response, got %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status: want 401, got %d", resp.StatusCode)
			}
			var body errorBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Code != http.StatusUnauthorized || body.Error.Message != tc.message {
				t.Fatalf("body: got %+v", body)
			}
		})
	}

	if st := h.reg.Stats(); st.Rooms != 0 || st.Members != 0 {
		t.Fatalf("rejected handshakes joined rooms: %+v", st)
	}
}

func TestNonUpgradeRequestRejected(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/socket?token=tok-alice")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: want 400, got %d", resp.StatusCode)
	}
}

func TestBroadcastReachesEverySessionOfUser(t *testing.T) {
	h := newHarness(t)

	a1 := h.dial(t, "tok-alice")
	a2 := h.dial(t, "tok-alice-2")
	b := h.dial(t, "tok-bob")
	waitForMembers(t, h.reg, "alice", 2)

	payload := json.RawMessage(`{"id":"n1","title":"hi"}`)
	if err := h.reg.Broadcast(context.Background(), "alice", EventGetNotification, payload); err != nil {
		t.Fatal(err)
	}

	for i, conn := range []*websocket.Conn{a1, a2} {
		f := readFrame(t, conn)
		if f.Event != EventGetNotification {
			t.Fatalf("session %d: event %q", i, f.Event)
		}
		if string(f.Data) != string(payload) {
			t.Fatalf("session %d: data %s", i, f.Data)
		}
	}
	expectNoFrame(t, b, 100*time.Millisecond)
}

func TestMarkAsReadConvergesAllSessions(t *testing.T) {
	for _, event := range []string{EventMarkAsRead, EventMarkAsReadAlias} {
		t.Run(event, func(t *testing.T) {
			h := newHarness(t)

			a1 := h.dial(t, "tok-alice")
			a2 := h.dial(t, "tok-alice-2")
			waitForMembers(t, h.reg, "alice", 2)

			writeFrame(t, a1, event, []string{"n1", "n2"})

			for i, conn := range []*websocket.Conn{a1, a2} {
				f := readFrame(t, conn)
				if f.Event != EventNotificationsMarkedRead {
					t.Fatalf("session %d: event %q", i, f.Event)
				}
				var ids []string
				if err := json.Unmarshal(f.Data, &ids); err != nil {
					t.Fatal(err)
				}
				if strings.Join(ids, ",") != "n1,n2" {
					t.Fatalf("session %d: ids %v", i, ids)
				}
			}

			calls := h.store.snapshot()
			if len(calls) != 1 || calls[0].userID != "alice" || strings.Join(calls[0].ids, ",") != "n1,n2" {
				t.Fatalf("store calls: %+v", calls)
			}
		})
	}
}

func TestMarkAsReadIgnoresInvalidPayloads(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "tok-alice")

	writeFrame(t, a, EventMarkAsRead, []string{})
	writeFrame(t, a, EventMarkAsRead, "n1")
	writeFrame(t, a, EventMarkAsRead, map[string]string{"id": "n1"})
	writeFrame(t, a, "somethingElse", []string{"n1"})
	if err := a.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	expectNoFrame(t, a, 150*time.Millisecond)
	if calls := h.store.snapshot(); len(calls) != 0 {
		t.Fatalf("store called for ignored frames: %+v", calls)
	}
}

func TestMarkAsReadBroadcastsWhenStoreFails(t *testing.T) {
	failing := readstate.StoreFunc(func(context.Context, string, []string) error {
		return errors.New("db down")
	})
	h := newHarness(t, WithReadStateStore(failing))

	a := h.dial(t, "tok-alice")
	writeFrame(t, a, EventMarkAsRead, []string{"n1"})

	f := readFrame(t, a)
	if f.Event != EventNotificationsMarkedRead {
		t.Fatalf("event %q", f.Event)
	}
}

func TestMarkAsReadQueuedBeforeCloseStillConverges(t *testing.T) {
	var stored atomic.Int32
	slow := readstate.StoreFunc(func(ctx context.Context, _ string, _ []string) error {
		time.Sleep(50 * time.Millisecond)
		stored.Add(1)
		return nil
	})
	h := newHarness(t, WithReadStateStore(slow))

	other := h.dial(t, "tok-alice-2")
	for round := 0; round < 5; round++ {
		marker := h.dial(t, "tok-alice")
		waitForMembers(t, h.reg, "alice", 2)

		writeFrame(t, marker, EventMarkAsRead, []string{fmt.Sprintf("r%d-a", round)})
		writeFrame(t, marker, EventMarkAsRead, []string{fmt.Sprintf("r%d-b", round)})
		_ = marker.Close()

		for _, want := range []string{fmt.Sprintf("r%d-a", round), fmt.Sprintf("r%d-b", round)} {
			f := readFrame(t, other)
			if f.Event != EventNotificationsMarkedRead {
				t.Fatalf("round %d: event %q", round, f.Event)
			}
			var ids []string
			if err := json.Unmarshal(f.Data, &ids); err != nil {
				t.Fatal(err)
			}
			if len(ids) != 1 || ids[0] != want {
				t.Fatalf("round %d: want [%s], got %v", round, want, ids)
			}
		}
		waitForMembers(t, h.reg, "alice", 1)
	}

	if got := stored.Load(); got != 10 {
		t.Fatalf("store calls: want 10, got %d", got)
	}
}

func TestRepeatedMarkAsReadBroadcastsEachTime(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "tok-alice")

	writeFrame(t, a, EventMarkAsRead, []string{"n1"})
	writeFrame(t, a, EventMarkAsRead, []string{"n1"})

	for i := 0; i < 2; i++ {
		if f := readFrame(t, a); f.Event != EventNotificationsMarkedRead {
			t.Fatalf("frame %d: event %q", i, f.Event)
		}
	}
	if calls := h.store.snapshot(); len(calls) != 2 {
		t.Fatalf("store calls: want 2, got %d", len(calls))
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	h := newHarness(t)

	a1 := h.dial(t, "tok-alice")
	a2 := h.dial(t, "tok-alice-2")
	waitForMembers(t, h.reg, "alice", 2)

	_ = a1.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	_ = a1.Close()
	waitForMembers(t, h.reg, "alice", 1)

	if err := h.reg.Broadcast(context.Background(), "alice", EventGetNotification, map[string]string{"id": "n1"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, a2); f.Event != EventGetNotification {
		t.Fatalf("event %q", f.Event)
	}

	_ = a2.Close()
	waitForMembers(t, h.reg, "alice", 0)
	if st := h.reg.Stats(); st.Rooms != 0 {
		t.Fatalf("empty room not discarded: %+v", st)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "tok-alice")
	waitForMembers(t, h.reg, "alice", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("want going-away close, got %v", err)
	}
	waitForMembers(t, h.reg, "alice", 0)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	reg := rooms.New()
	gw := New(authtest.NewStatic(nil), reg, WithSendBuffer(1))
	s := newSession(gw, "s1")
	if !s.authenticate(context.Background(), "alice") {
		t.Fatal("authenticate failed")
	}
	if err := reg.Join(context.Background(), s, "alice"); err != nil {
		t.Fatal(err)
	}

	if err := s.Deliver(rooms.Event{Name: EventGetNotification, Data: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	if err := s.Deliver(rooms.Event{Name: EventGetNotification, Data: json.RawMessage(`2`)}); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("second deliver: want ErrSlowConsumer, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state: want closed, got %s", s.State())
	}
	if err := s.Deliver(rooms.Event{Name: EventGetNotification}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("deliver after close: want ErrSessionClosed, got %v", err)
	}
	if n, _ := reg.Members(context.Background(), "alice"); n != 0 {
		t.Fatalf("closed session still a member")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    bool
	}{
		{name: "no origin header", host: "relay.test", want: true},
		{name: "same host", host: "relay.test", origin: "https://relay.test", want: true},
		{name: "loopback", host: "relay.test", origin: "http://localhost:3000", want: true},
		{name: "foreign without allow-list", host: "relay.test", origin: "https://evil.test", want: false},
		{name: "allow-listed origin", allowed: []string{"https://app.test"}, host: "relay.test", origin: "https://app.test", want: true},
		{name: "allow-listed bare host", allowed: []string{"app.test:8443"}, host: "relay.test", origin: "https://app.test:8443", want: true},
		{name: "not allow-listed", allowed: []string{"https://app.test"}, host: "relay.test", origin: "http://localhost:3000", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := New(authtest.NewStatic(nil), rooms.New(), WithAllowedOrigins(tc.allowed...))
			r := httptest.NewRequest(http.MethodGet, "http://"+tc.host+"/socket", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := gw.checkOrigin(r); got != tc.want {
				t.Fatalf("checkOrigin: want %v, got %v", tc.want, got)
			}
		})
	}
}

func TestForbiddenOriginRejectedBeforeAuth(t *testing.T) {
	h := newHarness(t, WithAllowedOrigins("https://app.test"))

	hdr := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), hdr)
	if err == nil || resp == nil {
		t.Fatalf("expected rejection, got %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: want 403, got %d", resp.StatusCode)
	}
}

func TestTokenFromRequest(t *testing.T) {
	cookies := DefaultCookieNames

	tests := []struct {
		name    string
		header  string
		query   string
		cookies map[string]string
		want    string
	}{
		{name: "none"},
		{name: "bearer header", header: "Bearer h", query: "token=q", want: "h"},
		{name: "lowercase scheme", header: "bearer h", want: "h"},
		{name: "non-bearer header falls through", header: "Basic xyz", query: "token=q", want: "q"},
		{name: "query over cookie", query: "token=q", cookies: map[string]string{"next-auth.session-token": "c"}, want: "q"},
		{name: "first cookie wins", cookies: map[string]string{"next-auth.session-token": "c1", "__Secure-next-auth.session-token": "c2"}, want: "c1"},
		{name: "secure cookie", cookies: map[string]string{"__Secure-next-auth.session-token": "c2"}, want: "c2"},
		{name: "unrelated cookie", cookies: map[string]string{"other": "x"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/socket?"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			for name, value := range tc.cookies {
				r.AddCookie(&http.Cookie{Name: name, Value: value})
			}
			if got := TokenFromRequest(r, cookies); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		raw  string
		ok   bool
		ids  []string
		name string
	}{
		{name: "mark", raw: `{"event":"markAsRead","data":["a","b"]}`, ok: true, ids: []string{"a", "b"}},
		{name: "alias", raw: `{"event":"mark-as-read","data":["a"]}`, ok: true, ids: []string{"a"}},
		{name: "empty list", raw: `{"event":"markAsRead","data":[]}`},
		{name: "no data", raw: `{"event":"markAsRead"}`},
		{name: "mixed types", raw: `{"event":"markAsRead","data":["a",1]}`},
		{name: "unknown", raw: `{"event":"ping","data":["a"]}`},
		{name: "garbage", raw: `nope`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in, _, ok := decodeInbound([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok: want %v, got %v", tc.ok, ok)
			}
			if ok && strings.Join(in.ids, ",") != strings.Join(tc.ids, ",") {
				t.Fatalf("ids: want %v, got %v", tc.ids, in.ids)
			}
		})
	}
}

// testLogger buffers log output and dumps it only when the test fails, so
// session goroutines may keep logging after the test returns.
func testLogger(t *testing.T) *slog.Logger {
	w := &logBuffer{}
	t.Cleanup(func() {
		if t.Failed() {
			t.Log(w.String())
		}
	})
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ readstate.Store = (*recordingStore)(nil)
