package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// settingSession is the settings key holding the last known session.
const settingSession = "offline_session"

// DefaultActivityLimit is the page size of ListActivities when limit <= 0.
const DefaultActivityLimit = 50

// =====================================================
// User Operations
// =====================================================

// PutUser inserts or replaces a cached user profile.
func (r *Repository) PutUser(ctx context.Context, u *models.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, role, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		u.ID, u.Email, u.DisplayName, u.Role, u.UpdatedAt)
	if err != nil {
		return storageErr("failed to put user", err)
	}
	return nil
}

// GetUser retrieves a cached user profile.
func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, role, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("user %s not found", id))
	}
	if err != nil {
		return nil, storageErr("failed to get user", err)
	}
	return &u, nil
}

// SaveSession caches the session, and its user profile when present, so the
// app keeps working for the same user while offline.
func (r *Repository) SaveSession(ctx context.Context, s *models.Session) error {
	if s.User != nil {
		if err := r.PutUser(ctx, s.User); err != nil {
			return err
		}
	}
	if r.sealer != nil && s.AccessToken != "" {
		sealed, err := r.sealer.Seal(s.AccessToken)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "failed to seal session token", err)
		}
		copied := *s
		copied.AccessToken = sealed
		s = &copied
	}
	return r.SetSetting(ctx, settingSession, s)
}

// SetTokenSealer makes SaveSession and LoadSession encrypt the session
// token. Sessions cached before the sealer was set load without a token.
func (r *Repository) SetTokenSealer(s TokenSealer) {
	r.sealer = s
}

// LoadSession returns the cached session, or ErrNotFound.
func (r *Repository) LoadSession(ctx context.Context) (*models.Session, error) {
	var s models.Session
	found, err := r.GetSetting(ctx, settingSession, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New(errors.ErrNotFound, "no cached session")
	}
	if r.sealer != nil && s.AccessToken != "" {
		token, err := r.sealer.Open(s.AccessToken)
		if err != nil {
			// The user id still identifies the owner offline.
			token = ""
		}
		s.AccessToken = token
	}
	return &s, nil
}

// ClearSession removes the cached session.
func (r *Repository) ClearSession(ctx context.Context) error {
	return r.DeleteSetting(ctx, settingSession)
}

// =====================================================
// Settings Operations
// =====================================================

// SetSetting stores value as JSON under key.
func (r *Repository) SetSetting(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "setting is not serializable", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), models.NowMillis())
	if err != nil {
		return storageErr("failed to set setting", err)
	}
	return nil
}

// GetSetting decodes the value stored under key into dst. It reports false,
// leaving dst untouched, when the key is absent, so callers pre-fill dst with
// their default.
func (r *Repository) GetSetting(ctx context.Context, key string, dst interface{}) (bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("failed to get setting", err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, storageErr(fmt.Sprintf("setting %s is corrupt", key), err)
	}
	return true, nil
}

// DeleteSetting removes key.
func (r *Repository) DeleteSetting(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return storageErr("failed to delete setting", err)
	}
	return nil
}

// =====================================================
// Activity Operations
// =====================================================

// AddActivity stores an activity and fills in its id.
func (r *Repository) AddActivity(ctx context.Context, a *models.Activity) error {
	details := a.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "activity details are not serializable", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO activities (user_id, activity_type, details, created_at, synced) VALUES (?, ?, ?, ?, ?)`,
		a.UserID, a.Type, string(data), a.CreatedAt, a.Synced)
	if err != nil {
		return storageErr("failed to add activity", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return storageErr("failed to read activity id", err)
	}
	return nil
}

// ListActivities returns the user's most recent activities, newest first.
func (r *Repository) ListActivities(ctx context.Context, userID string, limit int) ([]*models.Activity, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, activity_type, details, created_at, synced FROM activities
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, storageErr("failed to list activities", err)
	}
	defer rows.Close()

	var out []*models.Activity
	for rows.Next() {
		var a models.Activity
		var details string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &details, &a.CreatedAt, &a.Synced); err != nil {
			return nil, storageErr("failed to scan activity", err)
		}
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			return nil, storageErr("activity details are corrupt", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// MarkActivitySynced flags an activity as delivered.
func (r *Repository) MarkActivitySynced(ctx context.Context, id int64) error {
	return markActivitySynced(ctx, r.db, id)
}

// MarkActivitySynced flags an activity as delivered inside the transaction.
func (t *Tx) MarkActivitySynced(ctx context.Context, id int64) error {
	return markActivitySynced(ctx, t.tx, id)
}

func markActivitySynced(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE activities SET synced = 1 WHERE id = ?`, id); err != nil {
		return storageErr("failed to mark activity synced", err)
	}
	return nil
}

// PruneActivities keeps only the newest keep synced activities per store and
// returns how many were removed. Unsynced activities are never pruned.
func (r *Repository) PruneActivities(ctx context.Context, keep int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM activities WHERE synced = 1 AND id NOT IN (
			SELECT id FROM activities ORDER BY created_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, storageErr("failed to prune activities", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
