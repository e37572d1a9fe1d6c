package sync

import "context"

// Drainer runs drain passes. *SyncEngine implements it; the connectivity
// monitor depends on this interface so it can be driven by a stub in tests.
type Drainer interface {
	// Drain replays the queued entries present when it starts.
	Drain(ctx context.Context) (*DrainResult, error)

	// HasEntriesAfter reports whether entries were enqueued after seq.
	HasEntriesAfter(ctx context.Context, seq int64) (bool, error)

	// Pending returns the number of queued entries.
	Pending(ctx context.Context) (int, error)
}

var _ Drainer = (*SyncEngine)(nil)
