// Package images provides the pending image cache: binary attachments that
// are held locally until their record can be synced.
package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// DefaultMaxBytes caps a single image when no limit is configured.
const DefaultMaxBytes = 16 << 20

// Store persists pending images. *db.Repository implements it.
type Store interface {
	InsertPendingImage(ctx context.Context, img *models.PendingImage) error
	ListPendingImages(ctx context.Context, recordID string) ([]*models.PendingImage, error)
	MarkPendingImageSynced(ctx context.Context, id int64, remoteURL string) error
	DeleteSyncedPendingImages(ctx context.Context, recordID string) (int, error)
	CountPendingImages(ctx context.Context) (int, error)
}

// Cache holds images captured for records whose writes are not yet
// confirmed by the remote.
type Cache struct {
	store    Store
	maxBytes int64
	now      func() time.Time
	log      *logging.Logger
}

// NewCache creates a Cache. maxBytes <= 0 selects DefaultMaxBytes.
func NewCache(store Store, maxBytes int64) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		store:    store,
		maxBytes: maxBytes,
		now:      time.Now,
		log:      logging.Get().Named("image_cache"),
	}
}

// MaxBytes returns the size limit of a single image.
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// Save stores data for recordID. An empty mimeType is sniffed from the
// content. Empty payloads are accepted and round-trip as empty.
func (c *Cache) Save(ctx context.Context, recordID, fileName, mimeType string, data []byte) (*models.PendingImage, error) {
	if recordID == "" {
		return nil, errors.New(errors.ErrInvalid, "image must belong to a record")
	}
	if int64(len(data)) > c.maxBytes {
		return nil, errors.New(errors.ErrImageTooLarge,
			fmt.Sprintf("image is %d bytes, limit is %d", len(data), c.maxBytes))
	}
	img := Describe(recordID, fileName, mimeType, data, c.now().UnixMilli())
	if err := c.store.InsertPendingImage(ctx, img); err != nil {
		return nil, err
	}
	c.log.Debug("Image cached", map[string]interface{}{
		"record_id": recordID, "image_id": img.ID, "mime": img.MIMEType, "size": img.Size,
	})
	return img, nil
}

// Describe builds the pending image for data without storing it. An empty
// mimeType is sniffed from the content and an empty fileName is derived
// from the content hash.
func Describe(recordID, fileName, mimeType string, data []byte, capturedAt int64) *models.PendingImage {
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	if fileName == "" {
		fileName = CalculateHash(data)[:16] + extension(mimeType, "")
	}
	return &models.PendingImage{
		RecordID:   recordID,
		FileName:   filepath.Base(fileName),
		MIMEType:   mimeType,
		Size:       int64(len(data)),
		Encoded:    models.EncodeImage(data),
		CapturedAt: capturedAt,
	}
}

// GetByRecord returns the images of recordID in capture order.
func (c *Cache) GetByRecord(ctx context.Context, recordID string) ([]*models.PendingImage, error) {
	return c.store.ListPendingImages(ctx, recordID)
}

// MarkSynced records that image id was uploaded to url.
func (c *Cache) MarkSynced(ctx context.Context, id int64, url string) error {
	return c.store.MarkPendingImageSynced(ctx, id, url)
}

// DeleteSyncedByRecord removes the uploaded images of recordID.
func (c *Cache) DeleteSyncedByRecord(ctx context.Context, recordID string) (int, error) {
	return c.store.DeleteSyncedPendingImages(ctx, recordID)
}

// Count returns how many images still await upload.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.store.CountPendingImages(ctx)
}

// CalculateHash returns the hex SHA-256 of data.
func CalculateHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// RemoteKey returns the object key an image is uploaded under:
// <owner>/<record>/<hash>.<ext>. The key depends only on the content, so a
// retried upload overwrites the same object instead of adding a new one.
func RemoteKey(ownerID, recordID string, img *models.PendingImage, data []byte) string {
	name := CalculateHash(data)[:16] + extension(img.MIMEType, img.FileName)
	return path.Join(ownerID, recordID, name)
}

func extension(mimeType, fileName string) string {
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" {
		return ext
	}
	return ".bin"
}
