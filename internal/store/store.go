// Package store persists conversation snapshots. A snapshot is taken whenever
// a session stops voluntarily and after every context compaction, so a
// conversation survives process restarts and can be inspected later.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voxloop/voxloop/internal/transcript"
)

// ErrNotFound is returned by Load when no snapshot exists for the given id.
var ErrNotFound = errors.New("store: snapshot not found")

// Snapshot capture reasons.
const (
	ReasonStop       = "stop"
	ReasonCompaction = "compaction"
)

// Snapshot is one persisted conversation state.
type Snapshot struct {
	// ID uniquely identifies the snapshot. Assigned by Save when empty.
	ID string

	// SessionID groups snapshots belonging to the same engine session.
	SessionID string

	// Reason records why the snapshot was taken, one of the Reason constants.
	Reason string

	// Summary is the carry-over summary produced by compaction, if any.
	Summary string

	// Turns is the transcript log at capture time.
	Turns []transcript.Turn

	// CreatedAt is the capture timestamp. Assigned by Save when zero.
	CreatedAt time.Time
}

// Store persists and retrieves snapshots. Implementations are safe for
// concurrent use.
type Store interface {
	// Save persists snap and returns its id.
	Save(ctx context.Context, snap Snapshot) (string, error)

	// Load returns the snapshot with the given id, or [ErrNotFound].
	Load(ctx context.Context, id string) (Snapshot, error)

	// List returns snapshots for sessionID, newest first, capped at limit
	// when limit is positive.
	List(ctx context.Context, sessionID string, limit int) ([]Snapshot, error)
}
