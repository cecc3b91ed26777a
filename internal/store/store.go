// Package store keeps the room membership and per-connection metadata that
// signaling handlers consult. Two backends share one contract: in-process maps
// for a single instance, Redis when multiple relay instances share state.
package store

import (
	"context"
	"time"
)

// Metadata is what the relay remembers about an authenticated connection.
type Metadata struct {
	UserID string
	// Room is the room the connection currently belongs to, or "" before any
	// join.
	Room           string
	LastVerifiedAt time.Time
}

// Store is the relay's view of shared signaling state.
//
// The memory backend never fails; the Redis backend surfaces I/O errors.
// Callers must treat an ambiguous partial failure as fatal for the connection,
// since membership invariants cannot be confirmed afterwards.
type Store interface {
	// Join records conn's membership in room under userID, removing it from
	// any previously joined room as part of the same logical operation.
	Join(ctx context.Context, connID, room, userID string) error

	// Verify reports whether room has at least one member.
	Verify(ctx context.Context, room string) (bool, error)

	// Members returns the current member connection IDs of room, unordered.
	Members(ctx context.Context, room string) ([]string, error)

	// Metadata returns the stored metadata for conn, or ok=false if none.
	Metadata(ctx context.Context, connID string) (md Metadata, ok bool, err error)

	// SetMetadata stores metadata for conn, replacing any previous value.
	SetMetadata(ctx context.Context, connID string, md Metadata) error

	// RemoveFromRoom drops conn from room's membership without touching its
	// metadata. Used when pruning members whose delivery failed.
	RemoveFromRoom(ctx context.Context, room, connID string) error

	// RemoveConnection drops conn from whatever room its metadata names and
	// deletes the metadata. Idempotent, and a no-op for unknown connections.
	RemoveConnection(ctx context.Context, connID string) error
}
