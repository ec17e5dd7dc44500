package logctx

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions. An incoming
// value is reused so IDs can be correlated with the caller's logs.
const RequestIDHeader = "X-Request-Id"

// Middleware attaches RequestData to every request context and echoes the
// request ID in the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := WithRequestData(r.Context(), &RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
