package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `seq, kind, record_id, payload, enqueued_at, retries, last_error`

// InsertQueueEntry appends an entry and fills in its sequence number.
func (r *Repository) InsertQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_queue (kind, record_id, payload, enqueued_at, retries, last_error) VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.RecordID, string(e.Payload), e.EnqueuedAt, e.Retries, e.LastError)
	if err != nil {
		return storageErr("failed to enqueue", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr("failed to read queue sequence", err)
	}
	e.Seq = seq
	return nil
}

func scanQueueEntry(s rowScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var kind, payload string
	if err := s.Scan(&e.Seq, &kind, &e.RecordID, &payload, &e.EnqueuedAt, &e.Retries, &e.LastError); err != nil {
		return nil, err
	}
	e.Kind = models.OpKind(kind)
	e.Payload = []byte(payload)
	return &e, nil
}

// ListQueueEntries returns all queued entries in replay order.
func (r *Repository) ListQueueEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY seq`)
	if err != nil {
		return nil, storageErr("failed to list queue", err)
	}
	defer rows.Close()

	var out []*models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, storageErr("failed to scan queue entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list queue", err)
	}
	return out, nil
}

// GetQueueEntry returns a queued entry by sequence number.
func (r *Repository) GetQueueEntry(ctx context.Context, seq int64) (*models.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE seq = ?`, seq)
	e, err := scanQueueEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("queue entry %d not found", seq))
	}
	if err != nil {
		return nil, storageErr("failed to get queue entry", err)
	}
	return e, nil
}

// CountQueueEntries returns the queue length.
func (r *Repository) CountQueueEntries(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, storageErr("failed to count queue", err)
	}
	return n, nil
}

// CountQueueEntriesAfter returns how many entries have a sequence number
// greater than seq.
func (r *Repository) CountQueueEntriesAfter(ctx context.Context, seq int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE seq > ?`, seq).Scan(&n); err != nil {
		return 0, storageErr("failed to count queue", err)
	}
	return n, nil
}

// CountQueueByKind returns queue length per kind.
func (r *Repository) CountQueueByKind(ctx context.Context) (map[models.OpKind]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM sync_queue GROUP BY kind`)
	if err != nil {
		return nil, storageErr("failed to count queue", err)
	}
	defer rows.Close()

	out := make(map[models.OpKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, storageErr("failed to count queue", err)
		}
		out[models.OpKind(kind)] = n
	}
	return out, rows.Err()
}

// UpdateQueueRetry records a failed replay attempt.
func (r *Repository) UpdateQueueRetry(ctx context.Context, seq int64, retries int, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET retries = ?, last_error = ? WHERE seq = ?`, retries, lastErr, seq)
	if err != nil {
		return storageErr("failed to update queue entry", err)
	}
	return nil
}

// DeleteQueueEntry removes a queued entry.
func (r *Repository) DeleteQueueEntry(ctx context.Context, seq int64) error {
	return deleteQueueEntry(ctx, r.db, seq)
}

// DeleteQueueEntry removes a queued entry inside the transaction.
func (t *Tx) DeleteQueueEntry(ctx context.Context, seq int64) error {
	return deleteQueueEntry(ctx, t.tx, seq)
}

func deleteQueueEntry(ctx context.Context, q querier, seq int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq); err != nil {
		return storageErr("failed to delete queue entry", err)
	}
	return nil
}

// CountEntriesForRecord returns how many queued or dead-lettered entries
// still reference recordID.
func (t *Tx) CountEntriesForRecord(ctx context.Context, recordID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM sync_queue WHERE record_id = ?) +
		       (SELECT COUNT(*) FROM dead_letter WHERE record_id = ?)`, recordID, recordID).Scan(&n)
	if err != nil {
		return 0, storageErr("failed to count record entries", err)
	}
	return n, nil
}

// =====================================================
// Dead Letter Operations
// =====================================================

// MoveToDeadLetter moves a queue entry to the dead-letter partition. The
// stored row is copied, so a record re-keyed since e was read keeps its new
// id; retries and last error are taken from e.
func (r *Repository) MoveToDeadLetter(ctx context.Context, e *models.QueueEntry, failedAt int64) error {
	return r.InTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO dead_letter (`+queueColumns+`, failed_at)
			SELECT seq, kind, record_id, payload, enqueued_at, ?, ?, ? FROM sync_queue WHERE seq = ?`,
			e.Retries, e.LastError, failedAt, e.Seq)
		if err != nil {
			return storageErr("failed to dead-letter entry", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrNotFound, fmt.Sprintf("queue entry %d not found", e.Seq))
		}
		return tx.DeleteQueueEntry(ctx, e.Seq)
	})
}

// ListDeadLetters returns dead-lettered entries, oldest first.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+queueColumns+`, failed_at FROM dead_letter ORDER BY seq`)
	if err != nil {
		return nil, storageErr("failed to list dead letters", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		var d models.DeadLetter
		var kind, payload string
		if err := rows.Scan(&d.Seq, &kind, &d.RecordID, &payload, &d.EnqueuedAt, &d.Retries, &d.LastError, &d.FailedAt); err != nil {
			return nil, storageErr("failed to scan dead letter", err)
		}
		d.Kind = models.OpKind(kind)
		d.Payload = []byte(payload)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RequeueDeadLetter moves a dead letter back to the tail of the queue with
// its retry counter reset, and returns the new queue entry.
func (r *Repository) RequeueDeadLetter(ctx context.Context, seq int64) (*models.QueueEntry, error) {
	var requeued *models.QueueEntry
	err := r.InTx(ctx, func(tx *Tx) error {
		row := tx.tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM dead_letter WHERE seq = ?`, seq)
		e, err := scanQueueEntry(row)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.New(errors.ErrNotFound, fmt.Sprintf("dead letter %d not found", seq))
		}
		if err != nil {
			return storageErr("failed to read dead letter", err)
		}
		res, err := tx.tx.ExecContext(ctx,
			`INSERT INTO sync_queue (kind, record_id, payload, enqueued_at, retries, last_error) VALUES (?, ?, ?, ?, 0, '')`,
			string(e.Kind), e.RecordID, string(e.Payload), e.EnqueuedAt)
		if err != nil {
			return storageErr("failed to requeue dead letter", err)
		}
		if e.Seq, err = res.LastInsertId(); err != nil {
			return storageErr("failed to read queue sequence", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE seq = ?`, seq); err != nil {
			return storageErr("failed to delete dead letter", err)
		}
		e.Retries = 0
		e.LastError = ""
		requeued = e
		return nil
	})
	return requeued, err
}
