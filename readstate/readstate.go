// Package readstate defines the upstream storage collaborator that records
// notifications as read when a client marks them so over its live
// connection. The relay treats every call as best-effort.
package readstate

import (
	"context"
	"log/slog"
)

// Store marks the notifications identified by ids as read, restricted to
// notifications owned by userID.
type Store interface {
	MarkRead(ctx context.Context, userID string, ids []string) error
}

// Nop is a Store that records nothing. It is used when no storage is configured.
type Nop struct {
	Log *slog.Logger
}

// MarkRead implements Store.
func (n Nop) MarkRead(ctx context.Context, userID string, ids []string) error {
	if n.Log != nil {
		n.Log.DebugContext(ctx, "readstate.nop", slog.String("user_id", userID), slog.Int("ids", len(ids)))
	}
	return nil
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, userID string, ids []string) error

// MarkRead implements Store.
func (f StoreFunc) MarkRead(ctx context.Context, userID string, ids []string) error {
	return f(ctx, userID, ids)
}

var (
	_ Store = Nop{}
	_ Store = StoreFunc(nil)
)
