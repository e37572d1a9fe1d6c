// Package router is the facade application code reads and writes records
// through. Each call goes to the remote when the connectivity monitor says it
// is reachable and falls back to the local store and sync queue otherwise.
package router

import (
	"context"
	"fmt"

	"github.com/nf-motors/vehicle-eval/backend/internal/db"
	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/conflict"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/images"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/monitor"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/queue"
	"github.com/nf-motors/vehicle-eval/backend/internal/uuid"
)

// Connectivity is the part of the connectivity monitor the router consults.
// *monitor.Monitor implements it.
type Connectivity interface {
	Mode() monitor.Mode
	ReportRemoteFailure(err error)
	RequestDrain()
}

var _ Connectivity = (*monitor.Monitor)(nil)

// Router routes record operations between the remote and the local store.
type Router struct {
	repo     *db.Repository
	queue    *queue.SyncQueue
	images   *images.Cache
	gateway  sync.RemoteGateway
	conn     Connectivity
	resolver *conflict.Resolver
	newID    uuid.Generator
	log      *logging.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithIDGenerator sets how local identifiers are minted.
func WithIDGenerator(g uuid.Generator) Option {
	return func(r *Router) { r.newID = g }
}

// WithResolver replaces the cache refresh resolver.
func WithResolver(res *conflict.Resolver) Option {
	return func(r *Router) { r.resolver = res }
}

// New creates a Router.
func New(repo *db.Repository, q *queue.SyncQueue, cache *images.Cache, gateway sync.RemoteGateway, conn Connectivity, opts ...Option) *Router {
	r := &Router{
		repo:     repo,
		queue:    q,
		images:   cache,
		gateway:  gateway,
		conn:     conn,
		resolver: conflict.NewResolver(conflict.ResolutionStrategyLocalPendingWins),
		newID:    uuid.NewLocal,
		log:      logging.Get().Named("write_router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AttachResult describes an attached image. URL is set when the image was
// uploaded directly; Image is set when it was cached for a later drain.
type AttachResult struct {
	Record *models.Record       `json:"record"`
	Image  *models.PendingImage `json:"image,omitempty"`
	URL    string               `json:"url,omitempty"`
}

func checkSession(s *models.Session) error {
	if s == nil || s.UserID == "" {
		return errors.New(errors.ErrInvalid, "a session with a user is required")
	}
	return nil
}

func (r *Router) connected() bool {
	return r.conn.Mode() == monitor.ModeConnected
}

// remoteFailed logs a failed remote call and reports transient failures to
// the monitor.
func (r *Router) remoteFailed(op string, err error) {
	r.log.Warn("Remote write failed, saving locally", map[string]interface{}{
		"operation": op,
		"code":      string(errors.CodeOf(err)),
		"error":     err.Error(),
	})
	r.conn.ReportRemoteFailure(err)
}

// CreateRecord creates a record for the session user. attrs may carry an
// "id"; otherwise a local identifier is minted.
func (r *Router) CreateRecord(ctx context.Context, s *models.Session, attrs map[string]any) (*models.Record, error) {
	if err := checkSession(s); err != nil {
		return nil, err
	}
	now := models.NowMillis()
	rec := &models.Record{
		OwnerID:   s.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.ApplyPatch(attrs)
	if id, ok := attrs["id"].(string); ok && id != "" {
		rec.ID = id
	} else {
		rec.ID = r.newID()
	}

	if r.connected() {
		remote, err := r.gateway.UpsertRecord(ctx, rec)
		if err == nil {
			return r.storeConfirmed(ctx, rec.ID, remote)
		}
		r.remoteFailed("create", err)
	}
	return r.writeLocal(ctx, models.OpCreate, rec, rec, false)
}

// UpdateRecord applies patch to the record.
func (r *Router) UpdateRecord(ctx context.Context, s *models.Session, id string, patch map[string]any) (*models.Record, error) {
	if err := checkSession(s); err != nil {
		return nil, err
	}
	connected := r.connected()
	current, unlock, err := r.lockOwned(ctx, s, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec := current.Clone()
	rec.ApplyPatch(patch)
	rec.UpdatedAt = models.NowMillis()

	if connected && !current.PendingLocalWrite {
		remote, err := r.gateway.UpsertRecord(ctx, rec)
		if err == nil {
			return r.storeConfirmed(ctx, rec.ID, remote)
		}
		r.remoteFailed("update", err)
	}
	return r.writeLocal(ctx, models.OpUpdate, rec, rec, connected && current.PendingLocalWrite)
}

// DeleteRecord soft-deletes the record.
func (r *Router) DeleteRecord(ctx context.Context, s *models.Session, id string) error {
	if err := checkSession(s); err != nil {
		return err
	}
	connected := r.connected()
	current, unlock, err := r.lockOwned(ctx, s, id)
	if err != nil {
		return err
	}
	defer unlock()

	rec := current.Clone()
	rec.Deleted = true
	rec.UpdatedAt = models.NowMillis()

	if connected && !current.PendingLocalWrite {
		err := r.gateway.SoftDeleteRecord(ctx, rec.ID, rec.UpdatedAt)
		if err == nil {
			rec.PendingLocalWrite = false
			rec.ConfirmedSynced = true
			return r.repo.PutRecord(ctx, rec)
		}
		r.remoteFailed("delete", err)
	}
	_, err = r.writeLocal(ctx, models.OpDelete, rec, &models.DeletePayload{ID: rec.ID, DeletedAt: rec.UpdatedAt},
		connected && current.PendingLocalWrite)
	return err
}

// GetRecord returns a live record of the session user from the local store.
// A local id the remote has since replaced finds the record under its new id.
func (r *Router) GetRecord(ctx context.Context, s *models.Session, id string) (*models.Record, error) {
	if err := checkSession(s); err != nil {
		return nil, err
	}
	resolved, err := r.repo.ResolveRecordID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.owned(ctx, s, resolved)
}

// ListOptions narrows a record listing. The zero value lists every live
// record.
type ListOptions struct {
	// Pending, when set, keeps only records whose pending flag matches.
	Pending *bool
	// UpdatedSince keeps records updated at or after this unix ms time.
	UpdatedSince int64
}

func (o ListOptions) filters(ownerID string) []db.Filter {
	filters := []db.Filter{&db.OwnerFilter{OwnerID: ownerID}, &db.DeletedFilter{Deleted: false}}
	if o.Pending != nil {
		filters = append(filters, &db.PendingFilter{Pending: *o.Pending})
	}
	if o.UpdatedSince > 0 {
		filters = append(filters, &db.UpdatedSinceFilter{Since: o.UpdatedSince})
	}
	return filters
}

// ListRecords returns the session user's live records matching opts, newest
// first. When connected the cache is refreshed from the remote listing
// first; records with pending local writes are kept over their remote copy.
// Listing only pending records reads the cache alone.
func (r *Router) ListRecords(ctx context.Context, s *models.Session, opts ListOptions) ([]*models.Record, error) {
	if err := checkSession(s); err != nil {
		return nil, err
	}
	if opts.UpdatedSince < 0 {
		return nil, errors.New(errors.ErrInvalid, "updated_since must not be negative")
	}
	localOnly := opts.Pending != nil && *opts.Pending
	if !localOnly && r.connected() {
		if err := r.refresh(ctx, s.UserID); err != nil {
			r.log.Warn("Serving cached records", map[string]interface{}{"error": err.Error()})
			r.conn.ReportRemoteFailure(err)
		}
	}
	return r.repo.ListRecords(ctx, opts.filters(s.UserID)...)
}

func (r *Router) refresh(ctx context.Context, ownerID string) error {
	remote, err := r.gateway.ListRecords(ctx, ownerID)
	if err != nil {
		return err
	}
	local, err := r.repo.ListRecords(ctx, &db.OwnerFilter{OwnerID: ownerID})
	if err != nil {
		return err
	}
	return r.repo.SaveRecordsFromRemote(ctx, r.resolver.Merge(local, remote))
}

// AttachImage attaches an image to a record. A confirmed record gets the
// image uploaded at once when connected; otherwise the image is cached and
// an update is queued so the next drain uploads it.
func (r *Router) AttachImage(ctx context.Context, s *models.Session, recordID, fileName, mimeType string, data []byte) (*AttachResult, error) {
	if err := checkSession(s); err != nil {
		return nil, err
	}
	if int64(len(data)) > r.images.MaxBytes() {
		return nil, errors.New(errors.ErrImageTooLarge,
			fmt.Sprintf("image is %d bytes, limit is %d", len(data), r.images.MaxBytes()))
	}
	connected := r.connected()
	current, unlock, err := r.lockOwned(ctx, s, recordID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if connected && current.ConfirmedSynced && !current.PendingLocalWrite {
		result, err := r.uploadDirect(ctx, current, fileName, mimeType, data)
		if err == nil {
			return result, nil
		}
		r.remoteFailed("attach_image", err)
	}

	img, err := r.images.Save(ctx, current.ID, fileName, mimeType, data)
	if err != nil {
		return nil, err
	}
	rec := current.Clone()
	rec.UpdatedAt = models.NowMillis()
	rec, err = r.writeLocal(ctx, models.OpUpdate, rec, rec, connected && current.PendingLocalWrite)
	return &AttachResult{Record: rec, Image: img}, err
}

func (r *Router) uploadDirect(ctx context.Context, current *models.Record, fileName, mimeType string, data []byte) (*AttachResult, error) {
	img := images.Describe(current.ID, fileName, mimeType, data, models.NowMillis())
	url, err := r.gateway.UploadBinary(ctx, images.RemoteKey(current.OwnerID, current.ID, img, data), data, img.MIMEType)
	if err != nil {
		return nil, err
	}

	rec := current.Clone()
	rec.MergeImageURLs(url)
	rec.UpdatedAt = models.NowMillis()
	remote, err := r.gateway.UpsertRecord(ctx, rec)
	if err != nil {
		// The object is stored; the queued update carries its URL.
		r.remoteFailed("attach_image", err)
		rec, err = r.writeLocal(ctx, models.OpUpdate, rec, rec, false)
		return &AttachResult{Record: rec, URL: url}, err
	}
	stored, err := r.storeConfirmed(ctx, rec.ID, remote)
	if err != nil {
		return nil, err
	}
	return &AttachResult{Record: stored, URL: url}, nil
}

// LogActivity stores an activity for the session user. When connected it is
// also sent to the remote, best effort; otherwise it is queued.
func (r *Router) LogActivity(ctx context.Context, s *models.Session, activityType string, details map[string]any) (*models.Activity, error) {
	if err := checkSession(s); err != nil {
		return nil, err
	}
	if activityType == "" {
		return nil, errors.New(errors.ErrInvalid, "activity type is required")
	}
	a := &models.Activity{
		UserID:    s.UserID,
		Type:      activityType,
		Details:   details,
		CreatedAt: models.NowMillis(),
	}
	if err := r.repo.AddActivity(ctx, a); err != nil {
		return nil, err
	}

	if r.connected() {
		err := r.gateway.InsertLogEntry(ctx, a)
		if err == nil {
			a.Synced = true
			if err := r.repo.MarkActivitySynced(ctx, a.ID); err != nil {
				r.log.Warn("Failed to mark activity synced", map[string]interface{}{"activity_id": a.ID, "error": err.Error()})
			}
			return a, nil
		}
		r.log.Debug("Activity not delivered, queueing", map[string]interface{}{"activity_type": a.Type, "error": err.Error()})
	}
	if _, err := r.queue.Enqueue(ctx, models.OpLogActivity, "", a); err != nil {
		return a, err
	}
	return a, nil
}

// PurgeRecord hard-deletes a record remotely and then locally. It requires
// a reachable remote.
func (r *Router) PurgeRecord(ctx context.Context, s *models.Session, id string) error {
	if err := checkSession(s); err != nil {
		return err
	}
	if !r.connected() {
		return errors.New(errors.ErrOffline, "purging requires a connection to the server")
	}
	resolved, err := r.repo.ResolveRecordID(ctx, id)
	if err != nil {
		return err
	}
	unlock := r.repo.LockRecords(resolved)
	defer unlock()

	rec, err := r.repo.GetRecord(ctx, resolved)
	if err != nil {
		return err
	}
	if rec.OwnerID != s.UserID {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("record %s not found", id))
	}
	if rec.PendingLocalWrite {
		return errors.New(errors.ErrInvalid, "record has unsynced changes")
	}
	if err := r.gateway.PurgeRecord(ctx, rec.ID); err != nil {
		r.conn.ReportRemoteFailure(err)
		return err
	}
	return r.repo.PurgeRecord(ctx, rec.ID)
}

// CurrentSession returns the session to act under. When connected the
// user's profile is fetched and cached; otherwise the cached session is
// returned.
func (r *Router) CurrentSession(ctx context.Context, s *models.Session) (*models.Session, error) {
	if s == nil {
		return r.repo.LoadSession(ctx)
	}
	if err := checkSession(s); err != nil {
		return nil, err
	}
	if r.connected() {
		u, err := r.gateway.GetUser(ctx, s.UserID)
		if err == nil {
			fresh := *s
			fresh.User = u
			if err := r.repo.SaveSession(ctx, &fresh); err != nil {
				return nil, err
			}
			return &fresh, nil
		}
		r.conn.ReportRemoteFailure(err)
	}
	cached, err := r.repo.LoadSession(ctx)
	if err == nil && cached.UserID == s.UserID {
		return cached, nil
	}
	if errors.Is(err, errors.ErrNotFound) || err == nil {
		return s, nil
	}
	return nil, err
}

// owned returns the live record id of the session user.
func (r *Router) owned(ctx context.Context, s *models.Session, id string) (*models.Record, error) {
	rec, err := r.repo.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != s.UserID || rec.Deleted {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("record %s not found", id))
	}
	return rec, nil
}

// lockOwned locks the session user's live record id and returns it. id is
// first resolved through re-keying, so a write addressed to a local id the
// remote has replaced lands on the server id. The caller must call unlock
// once its write is stored.
func (r *Router) lockOwned(ctx context.Context, s *models.Session, id string) (*models.Record, func(), error) {
	for {
		resolved, err := r.repo.ResolveRecordID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		unlock := r.repo.LockRecords(resolved)

		// A drain may have re-keyed the record while we waited for the lock.
		again, err := r.repo.ResolveRecordID(ctx, resolved)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if again != resolved {
			unlock()
			id = again
			continue
		}

		rec, err := r.owned(ctx, s, resolved)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		return rec, unlock, nil
	}
}

// storeConfirmed caches a record the remote accepted, moving it to the
// identifier the remote returned.
func (r *Router) storeConfirmed(ctx context.Context, localID string, remote *models.Record) (*models.Record, error) {
	rec := remote.Clone()
	rec.PendingLocalWrite = false
	rec.ConfirmedSynced = true
	err := r.repo.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.RekeyRecord(ctx, localID, rec.ID); err != nil {
			return err
		}
		return tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// writeLocal stores rec as pending and queues payload. drain asks the
// monitor to replay at once, for records written locally only because an
// older write is still queued. The intent is queued even when storing the
// record fails; rec is returned with the error either way.
func (r *Router) writeLocal(ctx context.Context, kind models.OpKind, rec *models.Record, payload interface{}, drain bool) (*models.Record, error) {
	rec.PendingLocalWrite = true
	rec.ConfirmedSynced = false
	putErr := r.repo.PutRecord(ctx, rec)
	if putErr != nil {
		r.log.ErrorWithCode("Failed to store record locally", errors.CodeOf(putErr), putErr,
			map[string]interface{}{"record_id": rec.ID, "kind": string(kind)})
	}
	if _, err := r.queue.Enqueue(ctx, kind, rec.ID, payload); err != nil {
		return rec, err
	}
	if putErr != nil {
		return rec, putErr
	}
	if drain {
		r.conn.RequestDrain()
	}
	return rec, nil
}
