// Package models provides data model definitions for the vehicle evaluation
// backend.
package models

import (
	"fmt"
	"time"
)

// AttrImages is the attribute holding the remote URLs of a record's images.
const AttrImages = "images"

// reserved keys are owned by Record fields and never stored in Attributes.
var reserved = map[string]bool{
	"id":                  true,
	"user_id":             true,
	"created_at":          true,
	"updated_at":          true,
	"deleted":             true,
	"pending_local_write": true,
	"confirmed_synced":    true,
}

// Record is a vehicle entry. Timestamps are unix milliseconds.
type Record struct {
	ID                string         `db:"id" json:"id"`
	OwnerID           string         `db:"user_id" json:"user_id"`
	CreatedAt         int64          `db:"created_at" json:"created_at"`
	UpdatedAt         int64          `db:"updated_at" json:"updated_at"`
	Deleted           bool           `db:"deleted" json:"deleted"`
	PendingLocalWrite bool           `db:"pending_local_write" json:"pending_local_write"`
	ConfirmedSynced   bool           `db:"confirmed_synced" json:"confirmed_synced"`
	Attributes        map[string]any `db:"attributes" json:"attributes,omitempty"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "vehicles"
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Clone returns a copy whose attribute map can be modified independently.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		if k == AttrImages {
			c.Attributes[k] = r.ImageURLs()
			continue
		}
		c.Attributes[k] = v
	}
	return &c
}

// ApplyPatch merges patch into the attributes. Keys owned by Record fields
// are ignored.
func (r *Record) ApplyPatch(patch map[string]any) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if reserved[k] {
			continue
		}
		r.Attributes[k] = v
	}
}

// ImageURLs returns the remote image URLs stored on the record.
func (r *Record) ImageURLs() []string {
	switch v := r.Attributes[AttrImages].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, u := range v {
			if s, ok := u.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// MergeImageURLs appends urls not already present, keeping order. It reports
// whether the record changed.
func (r *Record) MergeImageURLs(urls ...string) bool {
	existing := r.ImageURLs()
	seen := make(map[string]bool, len(existing))
	for _, u := range existing {
		seen[u] = true
	}
	changed := false
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		existing = append(existing, u)
		changed = true
	}
	if changed {
		if r.Attributes == nil {
			r.Attributes = make(map[string]any)
		}
		r.Attributes[AttrImages] = existing
	}
	return changed
}

// RemotePayload flattens the record into the row shape stored remotely.
// Local bookkeeping flags are not part of it.
func (r *Record) RemotePayload() map[string]any {
	out := make(map[string]any, len(r.Attributes)+5)
	for k, v := range r.Attributes {
		out[k] = v
	}
	out["id"] = r.ID
	out["user_id"] = r.OwnerID
	out["created_at"] = r.CreatedAtTime().UTC().Format(time.RFC3339Nano)
	out["updated_at"] = r.UpdatedAtTime().UTC().Format(time.RFC3339Nano)
	out["deleted"] = r.Deleted
	return out
}

// RecordFromRemote converts a remote row into a confirmed Record.
func RecordFromRemote(row map[string]any) (*Record, error) {
	id, _ := row["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("remote row has no id")
	}
	rec := &Record{
		ID:              id,
		ConfirmedSynced: true,
		Attributes:      make(map[string]any),
	}
	rec.OwnerID, _ = row["user_id"].(string)
	rec.Deleted, _ = row["deleted"].(bool)

	var err error
	if rec.CreatedAt, err = parseMillis(row["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseMillis(row["updated_at"]); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	for k, v := range row {
		if !reserved[k] {
			rec.Attributes[k] = v
		}
	}
	return rec, nil
}

func parseMillis(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		if t == "" {
			return 0, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, err
		}
		return ts.UnixMilli(), nil
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
