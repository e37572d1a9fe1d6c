package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nf-motors/vehicle-eval/backend/internal/db"
	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/images"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/queue"
	"github.com/nf-motors/vehicle-eval/backend/internal/telemetry"
)

// DrainResult reports one drain pass.
type DrainResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Replayed     int           `json:"replayed"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Remaining    int           `json:"remaining"`
	// MaxSeq is the last sequence number included in the pass.
	MaxSeq int64 `json:"max_seq"`
}

// Summary phrases the result for users.
func (r *DrainResult) Summary() string {
	return fmt.Sprintf("sync complete: %d succeeded, %d failed", r.Replayed, r.Failed)
}

// SyncEngine replays the sync queue against the remote gateway.
type SyncEngine struct {
	repo    *db.Repository
	queue   *queue.SyncQueue
	images  *images.Cache
	gateway RemoteGateway
	metrics *telemetry.Metrics
	log     *logging.Logger

	running atomic.Bool

	mu         gosync.Mutex
	lastResult *DrainResult
}

// NewSyncEngine creates a SyncEngine.
func NewSyncEngine(repo *db.Repository, q *queue.SyncQueue, cache *images.Cache, gateway RemoteGateway, metrics *telemetry.Metrics) *SyncEngine {
	return &SyncEngine{
		repo:    repo,
		queue:   q,
		images:  cache,
		gateway: gateway,
		metrics: metrics,
		log:     logging.Get().Named("sync_engine"),
	}
}

// LastResult returns the result of the most recent drain, or nil.
func (e *SyncEngine) LastResult() *DrainResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// HasEntriesAfter reports whether entries were enqueued after seq.
func (e *SyncEngine) HasEntriesAfter(ctx context.Context, seq int64) (bool, error) {
	return e.queue.HasEntriesAfter(ctx, seq)
}

// Pending returns the number of queued entries.
func (e *SyncEngine) Pending(ctx context.Context) (int, error) {
	return e.queue.Len(ctx)
}

// Drain replays the entries queued when the pass starts, in enqueue order.
// A failing entry is left in the queue with its retry counter incremented
// and the pass continues with the next one. Entries enqueued during the pass
// wait for the next one.
//
// Drain only returns an error when the pass could not start: another pass is
// running or the queue could not be read.
func (e *SyncEngine) Drain(ctx context.Context) (*DrainResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrSyncRunning, "a drain is already running")
	}
	defer e.running.Store(false)

	result := &DrainResult{StartTime: time.Now()}
	entries, err := e.queue.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncFailed, "failed to read sync queue", err)
	}

	e.log.Info("Drain started", map[string]interface{}{"queued": len(entries)})

	// remap follows identifiers the remote reassigned earlier in this pass.
	remap := make(map[string]string)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		result.MaxSeq = entry.Seq
		if id, ok := remap[entry.RecordID]; ok {
			entry.RecordID = id
		}

		err := e.replay(ctx, entry, remap)
		if err == nil {
			result.Replayed++
			e.metrics.ObserveReplay(string(entry.Kind), telemetry.OutcomeSuccess)
			continue
		}

		result.Failed++
		dead, qerr := e.queue.Failed(ctx, entry, err)
		switch {
		case qerr != nil:
			e.log.Error("Failed to record replay failure", qerr, map[string]interface{}{"seq": entry.Seq})
			e.metrics.ObserveReplay(string(entry.Kind), telemetry.OutcomeFailure)
		case dead:
			result.DeadLettered++
			e.metrics.ObserveReplay(string(entry.Kind), telemetry.OutcomeDeadLetter)
		default:
			e.metrics.ObserveReplay(string(entry.Kind), telemetry.OutcomeFailure)
		}
	}

	if n, err := e.queue.Len(ctx); err == nil {
		result.Remaining = n
		e.metrics.SetQueueDepth(n)
	}
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	e.metrics.ObserveDrain(result.Duration)

	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()

	e.log.Info("Drain finished", map[string]interface{}{
		"replayed":      result.Replayed,
		"failed":        result.Failed,
		"dead_lettered": result.DeadLettered,
		"remaining":     result.Remaining,
		"duration_ms":   result.Duration.Milliseconds(),
	})
	return result, nil
}

func (e *SyncEngine) replay(ctx context.Context, entry *models.QueueEntry, remap map[string]string) error {
	switch entry.Kind {
	case models.OpCreate, models.OpUpdate:
		return e.replayUpsert(ctx, entry, remap)
	case models.OpDelete:
		return e.replayDelete(ctx, entry, remap)
	case models.OpLogActivity:
		return e.replayActivity(ctx, entry)
	default:
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown queue entry kind %q", entry.Kind))
	}
}

func (e *SyncEngine) replayUpsert(ctx context.Context, entry *models.QueueEntry, remap map[string]string) error {
	var rec models.Record
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		return errors.Wrap(errors.ErrInvalid, "corrupt record payload", err)
	}
	if rec.ID == "" {
		rec.ID = entry.RecordID
	}
	if id, ok := remap[rec.ID]; ok {
		rec.ID = id
	}

	// URLs merged by earlier replays are not part of an older snapshot.
	if local, err := e.repo.GetRecord(ctx, rec.ID); err == nil {
		rec.MergeImageURLs(local.ImageURLs()...)
	} else if !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	urls, failed, err := e.uploadImages(ctx, &rec)
	if err != nil {
		return err
	}
	rec.MergeImageURLs(urls...)

	remote, err := e.gateway.UpsertRecord(ctx, &rec)
	if err != nil {
		return err
	}
	newID := rec.ID
	if remote != nil && remote.ID != "" {
		newID = remote.ID
	}
	// With images still missing the entry stays queued so the next pass
	// retries them; the upsert is repeated by id and cannot duplicate.
	if err := e.settle(ctx, entry, failed == 0, rec.ID, newID, rec.ImageURLs()); err != nil {
		return err
	}
	if newID != rec.ID {
		remap[rec.ID] = newID
		e.log.Info("Record re-keyed", map[string]interface{}{"from": rec.ID, "to": newID})
	}
	if failed > 0 {
		return errors.New(errors.ErrRemoteUnavailable, fmt.Sprintf("%d image(s) of record %s not uploaded", failed, newID))
	}
	return nil
}

// uploadImages uploads the unsynced images of rec one at a time and returns
// the URLs of every uploaded image of the record and the number of uploads
// that failed. A failed upload does not stop the others.
func (e *SyncEngine) uploadImages(ctx context.Context, rec *models.Record) ([]string, int, error) {
	imgs, err := e.images.GetByRecord(ctx, rec.ID)
	if err != nil {
		return nil, 0, err
	}

	var urls []string
	failed := 0
	for _, img := range imgs {
		if img.Synced {
			urls = append(urls, img.RemoteURL)
			continue
		}
		data, err := img.Decode()
		if err != nil {
			e.log.Error("Pending image is corrupt", err, map[string]interface{}{"image_id": img.ID, "record_id": rec.ID})
			e.metrics.ObserveImageUpload(telemetry.OutcomeFailure)
			failed++
			continue
		}
		key := images.RemoteKey(rec.OwnerID, rec.ID, img, data)
		url, err := e.gateway.UploadBinary(ctx, key, data, img.MIMEType)
		if err != nil {
			e.log.Warn("Image upload failed", map[string]interface{}{
				"image_id": img.ID, "record_id": rec.ID, "error": err.Error(),
			})
			e.metrics.ObserveImageUpload(telemetry.OutcomeFailure)
			failed++
			continue
		}
		e.metrics.ObserveImageUpload(telemetry.OutcomeSuccess)
		if err := e.images.MarkSynced(ctx, img.ID, url); err != nil {
			return nil, failed, err
		}
		urls = append(urls, url)
	}
	return urls, failed, nil
}

func (e *SyncEngine) replayDelete(ctx context.Context, entry *models.QueueEntry, remap map[string]string) error {
	var p models.DeletePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return errors.Wrap(errors.ErrInvalid, "corrupt delete payload", err)
	}
	if p.ID == "" {
		p.ID = entry.RecordID
	}
	if id, ok := remap[p.ID]; ok {
		p.ID = id
	}
	if p.DeletedAt == 0 {
		p.DeletedAt = entry.EnqueuedAt
	}

	if err := e.gateway.SoftDeleteRecord(ctx, p.ID, p.DeletedAt); err != nil {
		return err
	}
	return e.settle(ctx, entry, true, p.ID, p.ID, nil)
}

// settle commits a remote write: a complete entry leaves the queue, the local
// record moves to newID and is marked confirmed once no entry references it,
// and uploaded images merged into it are dropped. Router writes to either id
// wait until it is done.
func (e *SyncEngine) settle(ctx context.Context, entry *models.QueueEntry, complete bool, oldID, newID string, urls []string) error {
	unlock := e.repo.LockRecords(oldID, newID)
	defer unlock()
	return e.repo.InTx(ctx, func(tx *db.Tx) error {
		if complete {
			if err := tx.DeleteQueueEntry(ctx, entry.Seq); err != nil {
				return err
			}
		}
		if err := tx.RekeyRecord(ctx, oldID, newID); err != nil {
			return err
		}

		local, err := tx.GetRecord(ctx, newID)
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		local.MergeImageURLs(urls...)

		pending, err := tx.CountEntriesForRecord(ctx, newID)
		if err != nil {
			return err
		}
		if pending == 0 {
			local.PendingLocalWrite = false
			local.ConfirmedSynced = true
		}
		if err := tx.PutRecord(ctx, local); err != nil {
			return err
		}
		_, err = tx.DeleteSyncedPendingImages(ctx, newID)
		return err
	})
}

// replayActivity delivers an activity log entry. Delivery is best effort: a
// remote failure is logged and the entry is dropped.
func (e *SyncEngine) replayActivity(ctx context.Context, entry *models.QueueEntry) error {
	var a models.Activity
	if err := json.Unmarshal(entry.Payload, &a); err != nil {
		e.log.Warn("Dropping corrupt activity entry", map[string]interface{}{"seq": entry.Seq, "error": err.Error()})
		return e.queue.Complete(ctx, entry.Seq)
	}

	if err := e.gateway.InsertLogEntry(ctx, &a); err != nil {
		e.log.Warn("Activity log not delivered", map[string]interface{}{
			"seq": entry.Seq, "activity_type": a.Type, "error": err.Error(),
		})
		return e.queue.Complete(ctx, entry.Seq)
	}

	return e.repo.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.DeleteQueueEntry(ctx, entry.Seq); err != nil {
			return err
		}
		if a.ID == 0 {
			return nil
		}
		return tx.MarkActivitySynced(ctx, a.ID)
	})
}
