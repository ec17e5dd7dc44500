package ingest

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/notify-relay/rooms"
)

// KeyHeader carries the shared ingestion key.
const KeyHeader = "X-Internal-Key"

const defaultMaxBodyBytes = 1 << 20

// ErrValidation marks a request body that was rejected before any side effect.
var ErrValidation = errors.New("validation failed")

var jsonMediaType = contenttype.NewMediaType("application/json")

var _ http.Handler = (*Handler)(nil)

// Handler serves the ingestion routes.
type Handler struct {
	key          []byte
	rooms        *rooms.Registry
	log          *slog.Logger
	maxBodyBytes int64
	mux          *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMaxBodyBytes caps the request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// New returns a Handler that accepts requests bearing key and broadcasts
// through reg. key must not be empty.
func New(key string, reg *rooms.Registry, opts ...Option) (*Handler, error) {
	if key == "" {
		return nil, errors.New("ingest: empty key")
	}
	if reg == nil {
		return nil, errors.New("ingest: nil registry")
	}

	h := &Handler{
		key:          []byte(key),
		rooms:        reg,
		log:          slog.New(slog.DiscardHandler),
		maxBodyBytes: defaultMaxBodyBytes,
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST /v1/notify", h.handleNotify)
	h.mux.HandleFunc("POST /v1/notify-read", h.handleNotifyRead)
	h.mux.HandleFunc("GET /v1/presence/{userId}", h.handlePresence)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.ErrorContext(r.Context(), "ingest.panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			writeError(w, http.StatusInternalServerError, "internal")
		}
	}()

	if !h.authorized(r) {
		h.log.WarnContext(r.Context(), "ingest.unauthorized")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authorized(r *http.Request) bool {
	got := r.Header.Get(KeyHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), h.key) == 1
}

type notifyRequest struct {
	ReceiverID string          `json:"receiverId"`
	Payload    json.RawMessage `json:"payload"`
}

func (req *notifyRequest) validate() error {
	if req.ReceiverID == "" {
		return fmt.Errorf("%w: receiverId required", ErrValidation)
	}
	if isEmptyPayload(req.Payload) {
		return fmt.Errorf("%w: payload required", ErrValidation)
	}
	return nil
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	const rejection = "missing receiverId/payload"

	var req notifyRequest
	if err := h.decode(w, r, &req); err != nil {
		h.reject(w, r, rejection, err)
		return
	}
	if err := req.validate(); err != nil {
		h.reject(w, r, rejection, err)
		return
	}

	if err := h.rooms.Broadcast(r.Context(), req.ReceiverID, rooms.EventGetNotification, req.Payload); err != nil {
		h.log.ErrorContext(r.Context(), "ingest.notify.broadcast.fail", slog.String("receiver_id", req.ReceiverID), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	h.log.DebugContext(r.Context(), "ingest.notify", slog.String("receiver_id", req.ReceiverID))
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type notifyReadRequest struct {
	UserID string          `json:"userId"`
	IDs    json.RawMessage `json:"ids"`
}

func (req *notifyReadRequest) validate() ([]string, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId required", ErrValidation)
	}
	trimmed := bytes.TrimSpace(req.IDs)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: ids must be a list", ErrValidation)
	}
	ids := []string{}
	if err := json.Unmarshal(trimmed, &ids); err != nil {
		return nil, fmt.Errorf("%w: ids must be a list of strings: %w", ErrValidation, err)
	}
	return ids, nil
}

func (h *Handler) handleNotifyRead(w http.ResponseWriter, r *http.Request) {
	const rejection = "bad payload"

	var req notifyReadRequest
	if err := h.decode(w, r, &req); err != nil {
		h.reject(w, r, rejection, err)
		return
	}
	ids, err := req.validate()
	if err != nil {
		h.reject(w, r, rejection, err)
		return
	}

	// An empty list is forwarded as is: the caller is trusted.
	if err := h.rooms.Broadcast(r.Context(), req.UserID, rooms.EventNotificationsMarkedRead, ids); err != nil {
		h.log.ErrorContext(r.Context(), "ingest.notify_read.broadcast.fail", slog.String("user_id", req.UserID), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	h.log.DebugContext(r.Context(), "ingest.notify_read", slog.String("user_id", req.UserID), slog.Int("ids", len(ids)))
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type presenceResponse struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	Sessions int    `json:"sessions"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}

	n, err := h.rooms.Members(r.Context(), userID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "ingest.presence.fail", slog.String("user_id", userID), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	writeJSON(w, http.StatusOK, presenceResponse{UserID: userID, Online: n > 0, Sessions: n})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return fmt.Errorf("%w: content type must be application/json", ErrValidation)
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %w", ErrValidation, err)
	}
	return nil
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.log.InfoContext(r.Context(), "ingest.rejected", slog.String("err", err.Error()))
	writeError(w, http.StatusBadRequest, message)
}

// isEmptyPayload reports whether raw is absent or a JSON value treated as
// "nothing to deliver": null, false, zero or the empty string.
func isEmptyPayload(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return true
	}
	switch string(v) {
	case "null", "false", `""`:
		return true
	}
	if v[0] == '-' || (v[0] >= '0' && v[0] <= '9') {
		f, err := strconv.ParseFloat(string(v), 64)
		return err == nil && f == 0
	}
	return false
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
