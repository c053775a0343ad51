// Package checkpoint defines durable conversation state storage. A
// checkpoint is an opaque snapshot of a thread's full message list,
// appended under a monotonically increasing sequence number. A parallel
// writes table records individual messages as they are produced inside
// a turn, so a crash mid-turn loses at most the message being written.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint: thread not found")

// ThreadInfo summarizes one thread for listing.
type ThreadInfo struct {
	ThreadID  string
	UpdatedAt time.Time
}

// Store persists thread snapshots and intra-turn writes. Snapshots are
// append-only; the latest sequence number wins. Implementations must be
// safe for concurrent use.
type Store interface {
	// SaveSnapshot appends a new snapshot for the thread and returns
	// its sequence number.
	SaveSnapshot(ctx context.Context, threadID string, snapshot []byte) (int64, error)

	// LoadLatest returns the most recent snapshot for the thread, or
	// ErrNotFound when the thread has never been checkpointed.
	LoadLatest(ctx context.Context, threadID string) ([]byte, int64, error)

	// AppendWrite records a single intra-turn payload for the thread.
	AppendWrite(ctx context.Context, threadID string, payload []byte) error

	// ListThreads returns every thread whose id starts with prefix,
	// most recently updated first.
	ListThreads(ctx context.Context, prefix string) ([]ThreadInfo, error)

	// Delete removes all snapshots and writes for one thread.
	Delete(ctx context.Context, threadID string) error

	// DeletePrefix removes every thread whose id starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Close releases the backing resources.
	Close() error
}
