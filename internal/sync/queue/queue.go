// Package queue provides the durable FIFO of write intents made while the
// remote was unreachable.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/telemetry"
)

// DefaultMaxRetries is the retry cap used when none is configured.
const DefaultMaxRetries = 10

// Store persists queue entries. *db.Repository implements it.
type Store interface {
	InsertQueueEntry(ctx context.Context, e *models.QueueEntry) error
	ListQueueEntries(ctx context.Context) ([]*models.QueueEntry, error)
	CountQueueEntries(ctx context.Context) (int, error)
	CountQueueEntriesAfter(ctx context.Context, seq int64) (int, error)
	CountQueueByKind(ctx context.Context) (map[models.OpKind]int, error)
	UpdateQueueRetry(ctx context.Context, seq int64, retries int, lastErr string) error
	DeleteQueueEntry(ctx context.Context, seq int64) error
	MoveToDeadLetter(ctx context.Context, e *models.QueueEntry, failedAt int64) error
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, seq int64) (*models.QueueEntry, error)
}

// Stats summarizes the queue for status displays.
type Stats struct {
	Total       int                   `json:"total"`
	ByKind      map[models.OpKind]int `json:"by_kind"`
	DeadLetters int                   `json:"dead_letters"`
	Spilled     int                   `json:"spilled"`
}

// SyncQueue is the durable FIFO of write intents. Entries are replayed in
// enqueue order; a failing entry is retried on later drains until it reaches
// the retry cap and is moved to the dead-letter partition.
type SyncQueue struct {
	store      Store
	maxRetries int
	metrics    *telemetry.Metrics
	now        func() time.Time
	log        *logging.Logger

	mu    sync.Mutex
	spill []*models.QueueEntry
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithMetrics records queue depth and dead letters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *SyncQueue) { q.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

// NewSyncQueue creates a SyncQueue over store. maxRetries <= 0 selects
// DefaultMaxRetries.
func NewSyncQueue(store Store, maxRetries int, opts ...Option) *SyncQueue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	q := &SyncQueue{
		store:      store,
		maxRetries: maxRetries,
		now:        time.Now,
		log:        logging.Get().Named("sync_queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxRetries returns the retry cap.
func (q *SyncQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends a write intent. payload is stored as JSON.
//
// Enqueue never loses an intent: when the store rejects the write the entry
// is kept in memory, the storage error is returned so the caller can warn the
// user, and the entry is persisted ahead of the next one once the store
// recovers.
func (q *SyncQueue) Enqueue(ctx context.Context, kind models.OpKind, recordID string, payload interface{}) (*models.QueueEntry, error) {
	if !kind.Valid() {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown queue entry kind %q", kind))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "queue payload is not serializable", err)
	}

	entry := &models.QueueEntry{
		Kind:       kind,
		RecordID:   recordID,
		Payload:    data,
		EnqueuedAt: q.now().UnixMilli(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.flushSpillLocked(ctx); err != nil {
		q.spill = append(q.spill, entry)
		q.log.Error("Enqueue deferred, store unavailable", err, map[string]interface{}{
			"kind": string(kind), "record_id": recordID, "spilled": len(q.spill),
		})
		return entry, err
	}
	if err := q.store.InsertQueueEntry(ctx, entry); err != nil {
		q.spill = append(q.spill, entry)
		q.log.Error("Enqueue deferred, store unavailable", err, map[string]interface{}{
			"kind": string(kind), "record_id": recordID, "spilled": len(q.spill),
		})
		return entry, err
	}

	q.log.Debug("Enqueued", map[string]interface{}{"kind": string(kind), "seq": entry.Seq, "record_id": recordID})
	q.updateDepth(ctx)
	return entry, nil
}

// flushSpillLocked persists spilled entries in order. q.mu must be held.
func (q *SyncQueue) flushSpillLocked(ctx context.Context) error {
	for len(q.spill) > 0 {
		if err := q.store.InsertQueueEntry(ctx, q.spill[0]); err != nil {
			return err
		}
		q.spill = q.spill[1:]
	}
	return nil
}

// Snapshot returns the persisted entries in replay order. Entries enqueued
// after the call are not part of the snapshot.
func (q *SyncQueue) Snapshot(ctx context.Context) ([]*models.QueueEntry, error) {
	q.mu.Lock()
	if err := q.flushSpillLocked(ctx); err != nil {
		q.log.Warn("Spilled entries still not persisted", map[string]interface{}{"spilled": len(q.spill), "error": err.Error()})
	}
	q.mu.Unlock()

	return q.store.ListQueueEntries(ctx)
}

// Complete removes a replayed entry.
func (q *SyncQueue) Complete(ctx context.Context, seq int64) error {
	if err := q.store.DeleteQueueEntry(ctx, seq); err != nil {
		return err
	}
	q.updateDepth(ctx)
	return nil
}

// Failed records a failed replay of e. It reports whether the entry reached
// the retry cap and was moved to the dead-letter partition.
func (q *SyncQueue) Failed(ctx context.Context, e *models.QueueEntry, cause error) (bool, error) {
	e.Retries++
	if cause != nil {
		e.LastError = cause.Error()
	}

	if e.Retries >= q.maxRetries {
		if err := q.store.MoveToDeadLetter(ctx, e, q.now().UnixMilli()); err != nil {
			return false, err
		}
		q.log.ErrorWithCode("Entry moved to dead letter", errors.CodeOf(cause), cause, map[string]interface{}{
			"seq": e.Seq, "kind": string(e.Kind), "record_id": e.RecordID, "retries": e.Retries,
		})
		q.updateDepth(ctx)
		return true, nil
	}

	if err := q.store.UpdateQueueRetry(ctx, e.Seq, e.Retries, e.LastError); err != nil {
		return false, err
	}
	q.log.Warn("Replay failed, will retry", map[string]interface{}{
		"seq": e.Seq, "kind": string(e.Kind), "retries": e.Retries, "max_retries": q.maxRetries, "error": e.LastError,
	})
	return false, nil
}

// Len returns the number of queued entries, spilled ones included.
func (q *SyncQueue) Len(ctx context.Context) (int, error) {
	n, err := q.store.CountQueueEntries(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return n + len(q.spill), nil
}

// HasEntriesAfter reports whether anything was enqueued after seq.
func (q *SyncQueue) HasEntriesAfter(ctx context.Context, seq int64) (bool, error) {
	n, err := q.store.CountQueueEntriesAfter(ctx, seq)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return n > 0 || len(q.spill) > 0, nil
}

// Stats returns queue statistics.
func (q *SyncQueue) Stats(ctx context.Context) (*Stats, error) {
	byKind, err := q.store.CountQueueByKind(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := q.store.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByKind: byKind, DeadLetters: len(dead)}
	for _, n := range byKind {
		stats.Total += n
	}
	q.mu.Lock()
	stats.Spilled = len(q.spill)
	q.mu.Unlock()
	stats.Total += stats.Spilled
	return stats, nil
}

// DeadLetters lists entries that exhausted their retries.
func (q *SyncQueue) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx)
}

// Requeue moves a dead letter back to the tail of the queue.
func (q *SyncQueue) Requeue(ctx context.Context, seq int64) (*models.QueueEntry, error) {
	e, err := q.store.RequeueDeadLetter(ctx, seq)
	if err != nil {
		return nil, err
	}
	q.log.Info("Dead letter requeued", map[string]interface{}{"old_seq": seq, "seq": e.Seq, "kind": string(e.Kind)})
	q.updateDepth(ctx)
	return e, nil
}

func (q *SyncQueue) updateDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.store.CountQueueEntries(ctx); err == nil {
		q.metrics.SetQueueDepth(n)
	}
}
