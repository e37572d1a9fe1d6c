// Package conflict decides which copy of a record to keep when a remote
// listing refreshes the local cache.
package conflict

import (
	"time"

	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyLocalPendingWins keeps a local record with an
	// unreplayed write and otherwise falls back to last write wins.
	ResolutionStrategyLocalPendingWins ResolutionStrategy = "local_pending_wins"
	ResolutionStrategyLastWriteWins    ResolutionStrategy = "last_write_wins"
)

// Resolutions recorded in results.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
)

// Resolver handles conflicts between cached and remote records.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a Resolver. An empty strategy selects
// ResolutionStrategyLocalPendingWins.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = ResolutionStrategyLocalPendingWins
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a record present both locally and remotely with differing
// content.
type Conflict struct {
	RecordID   string
	Local      *models.Record
	Remote     *models.Record
	DetectedAt int64
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner     *models.Record
	Loser      *models.Record
	Strategy   ResolutionStrategy
	Resolution string
}

// DetectConflict reports whether local and remote disagree. Records with
// different ids never conflict.
func (r *Resolver) DetectConflict(local, remote *models.Record) (*Conflict, bool) {
	if local == nil || remote == nil || local.ID != remote.ID {
		return nil, false
	}
	if !local.PendingLocalWrite && local.UpdatedAt == remote.UpdatedAt && local.Deleted == remote.Deleted {
		return nil, false
	}
	return &Conflict{
		RecordID:   local.ID,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now().UnixMilli(),
	}, true
}

// Resolve picks the copy to keep.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrRecordIDMismatch
	}

	localWins := c.Local.UpdatedAt > c.Remote.UpdatedAt
	if r.strategy == ResolutionStrategyLocalPendingWins && c.Local.PendingLocalWrite {
		localWins = true
	}

	result := &ResolveResult{Strategy: r.strategy}
	if localWins {
		result.Winner, result.Loser, result.Resolution = c.Local, c.Remote, ResolutionLocalWins
	} else {
		result.Winner, result.Loser, result.Resolution = c.Remote, c.Local, ResolutionRemoteWins
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"record_id":        c.RecordID,
		"strategy":         string(r.strategy),
		"resolution":       result.Resolution,
		"local_pending":    c.Local.PendingLocalWrite,
		"local_timestamp":  c.Local.UpdatedAt,
		"remote_timestamp": c.Remote.UpdatedAt,
	})
	return result, nil
}

// Merge combines a remote listing with the cached records and returns the
// records the cache should store. Cached records absent from the listing
// are left alone.
func (r *Resolver) Merge(local, remote []*models.Record) []*models.Record {
	byID := make(map[string]*models.Record, len(local))
	for _, rec := range local {
		byID[rec.ID] = rec
	}

	out := make([]*models.Record, 0, len(remote))
	for _, rem := range remote {
		loc, ok := byID[rem.ID]
		if !ok {
			out = append(out, rem)
			continue
		}
		c, conflicting := r.DetectConflict(loc, rem)
		if !conflicting {
			out = append(out, rem)
			continue
		}
		result, err := r.Resolve(c)
		if err != nil {
			continue
		}
		if result.Resolution == ResolutionRemoteWins {
			out = append(out, rem)
		}
	}
	return out
}

// Errors
var (
	ErrInvalidConflict  = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrRecordIDMismatch = &ConflictError{Message: "record ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
