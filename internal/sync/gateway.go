// Package sync replays the offline write queue against the remote store and
// reconciles the confirmed results back into the local store.
package sync

import (
	"context"

	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// RemoteGateway is the authoritative remote store. Exactly one
// implementation is chosen at startup.
type RemoteGateway interface {
	// UpsertRecord inserts or merges rec by its id and returns the stored
	// row. The returned id may differ from rec.ID when the remote assigns
	// its own identifier.
	UpsertRecord(ctx context.Context, rec *models.Record) (*models.Record, error)

	// SoftDeleteRecord flags the record deleted.
	SoftDeleteRecord(ctx context.Context, id string, deletedAt int64) error

	// PurgeRecord removes the record permanently.
	PurgeRecord(ctx context.Context, id string) error

	// UploadBinary stores data under key and returns its public URL.
	UploadBinary(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// InsertLogEntry appends an activity log row.
	InsertLogEntry(ctx context.Context, a *models.Activity) error

	// ListRecords returns the owner's live records.
	ListRecords(ctx context.Context, ownerID string) ([]*models.Record, error)

	// GetUser returns the profile of userID.
	GetUser(ctx context.Context, userID string) (*models.User, error)

	// Ping checks that the remote is reachable.
	Ping(ctx context.Context) error
}
