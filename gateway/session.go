package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/notify-relay/internal/logctx"
	"github.com/ggoodman/notify-relay/rooms"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	inboundBuffer  = 16
)

var (
	// ErrSessionClosed is returned when delivering to a session that has closed.
	ErrSessionClosed = errors.New("gateway: session closed")
	// ErrSlowConsumer is returned when a session's send buffer is full. The
	// session is closed as a consequence.
	ErrSlowConsumer = errors.New("gateway: session send buffer full")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one live client connection. Its user ID is fixed once the
// handshake token has been verified and never changes afterwards.
type Session struct {
	id     string
	userID string
	state  atomic.Int32

	gw      *Gateway
	conn    *websocket.Conn
	send    chan []byte
	inbound chan inbound
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	ctx context.Context
	log *slog.Logger
}

func newSession(gw *Gateway, id string) *Session {
	return &Session{
		id:      id,
		gw:      gw,
		send:    make(chan []byte, gw.sendBuffer),
		inbound: make(chan inbound, inboundBuffer),
		done:    make(chan struct{}),
		log:     gw.log,
	}
}

// ID implements rooms.Member.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user. Empty before authentication.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// authenticate moves a connecting session to authenticated. It only succeeds once.
func (s *Session) authenticate(ctx context.Context, userID string) bool {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return false
	}
	s.userID = userID
	s.ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.id,
		UserID:    userID,
		Room:      rooms.RoomName(userID),
	})
	return true
}

// Deliver implements rooms.Member. It never blocks: a full send buffer closes
// the session.
func (s *Session) Deliver(ev rooms.Event) error {
	frame, err := encodeFrame(ev.Name, ev.Data)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.close(websocket.ClosePolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

// close terminates the session exactly once, whatever the cause, and removes
// it from its room.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		s.closeCode = code
		s.closeReason = reason
		close(s.done)

		if prev == StateAuthenticated {
			s.gw.rooms.Leave(context.WithoutCancel(s.ctx), s)
			s.log.InfoContext(s.ctx, "gateway.session.closed", slog.String("reason", reason))
		}
		s.gw.untrack(s)
	})
}

func (s *Session) readPump() {
	// The worker drains whatever was queued before it sees the close.
	defer close(s.inbound)
	defer s.close(websocket.CloseNormalClosure, "read loop ended")

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			reason := "client disconnected"
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				reason = "transport error: " + err.Error()
			}
			s.close(websocket.CloseNormalClosure, reason)
			return
		}

		in, event, ok := decodeInbound(data)
		if !ok {
			s.log.DebugContext(s.ctx, "gateway.inbound.ignored", slog.String("event", event))
			continue
		}

		// Blocks while the queue is full, pushing back on the client.
		s.inbound <- in
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// worker processes inbound client events one at a time, in arrival order.
// Every event the read loop accepted is handled, including those still queued
// when the session closes.
func (s *Session) worker() {
	for in := range s.inbound {
		s.handle(in)
	}
}

func (s *Session) handle(in inbound) {
	switch in.kind {
	case inboundMarkAsRead:
		s.markAsRead(in.ids)
	}
}

func (s *Session) markAsRead(ids []string) {
	// The store update outlives the session: a client that marks and then
	// disconnects still converges its other sessions.
	ctx := context.WithoutCancel(s.ctx)

	storeCtx := ctx
	if s.gw.storeTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, s.gw.storeTimeout)
		defer cancel()
	}

	if err := s.gw.store.MarkRead(storeCtx, s.userID, ids); err != nil {
		s.log.WarnContext(ctx, "gateway.mark_read.store.fail", slog.Int("ids", len(ids)), slog.String("err", err.Error()))
	}

	if err := s.gw.rooms.Broadcast(ctx, s.userID, EventNotificationsMarkedRead, ids); err != nil {
		s.log.ErrorContext(ctx, "gateway.mark_read.broadcast.fail", slog.String("err", err.Error()))
	}
}
