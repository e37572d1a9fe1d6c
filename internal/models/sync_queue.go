package models

import "encoding/json"

// OpKind is the kind of write intent recorded in the sync queue.
type OpKind string

const (
	OpCreate      OpKind = "create"
	OpUpdate      OpKind = "update"
	OpDelete      OpKind = "delete"
	OpLogActivity OpKind = "log_activity"
)

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpLogActivity:
		return true
	}
	return false
}

// QueueEntry is one durable write intent. Seq orders replay.
type QueueEntry struct {
	Seq        int64           `db:"seq" json:"seq"`
	Kind       OpKind          `db:"kind" json:"kind"`
	RecordID   string          `db:"record_id" json:"recordId,omitempty"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueuedAt"`
	Retries    int             `db:"retries" json:"retries"`
	LastError  string          `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// DeadLetter is a queue entry that exhausted its retries.
type DeadLetter struct {
	QueueEntry
	FailedAt int64 `db:"failed_at" json:"failedAt"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letter"
}

// DeletePayload is the payload of an OpDelete entry.
type DeletePayload struct {
	ID        string `json:"id"`
	DeletedAt int64  `json:"deleted_at"`
}
