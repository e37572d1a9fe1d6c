package models

import "time"

// Activity is a user action log entry. Remote delivery is best effort.
type Activity struct {
	ID        int64          `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"user_id"`
	Type      string         `db:"activity_type" json:"activity_type"`
	Details   map[string]any `db:"details" json:"details,omitempty"`
	CreatedAt int64          `db:"created_at" json:"created_at"`
	Synced    bool           `db:"synced" json:"synced"`
}

// TableName returns the table name for Activity.
func (Activity) TableName() string {
	return "activities"
}

// RemotePayload returns the remote activity_logs row.
func (a *Activity) RemotePayload() map[string]any {
	return map[string]any{
		"user_id":       a.UserID,
		"activity_type": a.Type,
		"details":       a.Details,
		"created_at":    time.UnixMilli(a.CreatedAt).UTC().Format(time.RFC3339Nano),
	}
}

// User is a cached user profile.
type User struct {
	ID          string `db:"id" json:"id"`
	Email       string `db:"email" json:"email"`
	DisplayName string `db:"display_name" json:"display_name,omitempty"`
	Role        string `db:"role" json:"role,omitempty"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Session identifies the user a write is made on behalf of.
type Session struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	User        *User  `json:"user,omitempty"`
}

// Expired reports whether the session has a known expiry in the past.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.UnixMilli() >= s.ExpiresAt
}
