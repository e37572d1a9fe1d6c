package models

import "encoding/base64"

// PendingImage is an image attached to a record that has not been uploaded
// yet, or was uploaded but not yet merged into its record.
type PendingImage struct {
	ID         int64  `db:"id" json:"id"`
	RecordID   string `db:"record_id" json:"record_id"`
	FileName   string `db:"file_name" json:"file_name"`
	MIMEType   string `db:"mime_type" json:"mime_type"`
	Size       int64  `db:"size" json:"size"`
	Encoded    string `db:"data" json:"-"`
	CapturedAt int64  `db:"captured_at" json:"captured_at"`
	Synced     bool   `db:"synced" json:"synced"`
	RemoteURL  string `db:"remote_url" json:"remote_url,omitempty"`
}

// TableName returns the table name for PendingImage.
func (PendingImage) TableName() string {
	return "pending_images"
}

// EncodeImage returns the text form images are persisted in.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode returns the original image bytes.
func (p *PendingImage) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Encoded)
}
