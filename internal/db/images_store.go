package db

import (
	"context"

	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// =====================================================
// Pending Image Operations
// =====================================================

const imageColumns = `id, record_id, file_name, mime_type, size, data, captured_at, synced, remote_url`

// InsertPendingImage stores an image and fills in its id.
func (r *Repository) InsertPendingImage(ctx context.Context, img *models.PendingImage) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO pending_images (record_id, file_name, mime_type, size, data, captured_at, synced, remote_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		img.RecordID, img.FileName, img.MIMEType, img.Size, img.Encoded, img.CapturedAt, img.Synced, img.RemoteURL)
	if err != nil {
		return storageErr("failed to save pending image", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("failed to read pending image id", err)
	}
	img.ID = id
	return nil
}

// ListPendingImages returns the images attached to recordID in capture order.
func (r *Repository) ListPendingImages(ctx context.Context, recordID string) ([]*models.PendingImage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM pending_images WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, storageErr("failed to list pending images", err)
	}
	defer rows.Close()

	var out []*models.PendingImage
	for rows.Next() {
		var img models.PendingImage
		if err := rows.Scan(&img.ID, &img.RecordID, &img.FileName, &img.MIMEType, &img.Size,
			&img.Encoded, &img.CapturedAt, &img.Synced, &img.RemoteURL); err != nil {
			return nil, storageErr("failed to scan pending image", err)
		}
		out = append(out, &img)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list pending images", err)
	}
	return out, nil
}

// MarkPendingImageSynced records the remote URL of an uploaded image.
func (r *Repository) MarkPendingImageSynced(ctx context.Context, id int64, remoteURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_images SET synced = 1, remote_url = ? WHERE id = ?`, remoteURL, id)
	if err != nil {
		return storageErr("failed to mark pending image synced", err)
	}
	return nil
}

// DeleteSyncedPendingImages removes the uploaded images of recordID and
// returns how many were removed.
func (r *Repository) DeleteSyncedPendingImages(ctx context.Context, recordID string) (int, error) {
	return deleteSyncedImages(ctx, r.db, recordID)
}

// DeleteSyncedPendingImages removes the uploaded images of recordID inside
// the transaction.
func (t *Tx) DeleteSyncedPendingImages(ctx context.Context, recordID string) (int, error) {
	return deleteSyncedImages(ctx, t.tx, recordID)
}

func deleteSyncedImages(ctx context.Context, q querier, recordID string) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM pending_images WHERE record_id = ? AND synced = 1`, recordID)
	if err != nil {
		return 0, storageErr("failed to delete synced images", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPendingImages returns how many images are still waiting for upload.
func (r *Repository) CountPendingImages(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_images WHERE synced = 0`).Scan(&n); err != nil {
		return 0, storageErr("failed to count pending images", err)
	}
	return n, nil
}
