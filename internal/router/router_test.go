package router

import (
	"context"
	"strings"
	gosync "sync"
	"testing"

	"github.com/nf-motors/vehicle-eval/backend/internal/db"
	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/images"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/monitor"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/queue"
	"github.com/nf-motors/vehicle-eval/backend/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeConn struct {
	mu       gosync.Mutex
	mode     monitor.Mode
	failures []error
	drains   int
}

func (c *fakeConn) Mode() monitor.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *fakeConn) ReportRemoteFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

func (c *fakeConn) RequestDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drains++
}

func (c *fakeConn) set(mode monitor.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

type testEnv struct {
	repo    *db.Repository
	queue   *queue.SyncQueue
	gateway *sync.MockGateway
	conn    *fakeConn
	router  *Router
}

var session = &models.Session{UserID: "user-1"}

func setupRouter(t *testing.T, mode monitor.Mode) *testEnv {
	t.Helper()
	database, err := db.OpenFile(":memory:")
	if err != nil {
		t.Fatalf("OpenFile() failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	env := &testEnv{
		repo:    repo,
		queue:   queue.NewSyncQueue(repo, 0),
		gateway: sync.NewMockGateway(),
		conn:    &fakeConn{mode: mode},
	}
	env.router = New(repo, env.queue, images.NewCache(repo, 1<<20), env.gateway, env.conn,
		WithIDGenerator(uuid.Sequence()))
	return env
}

func (env *testEnv) queued(t *testing.T) []*models.QueueEntry {
	t.Helper()
	entries, err := env.queue.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	return entries
}

// =====================================================
// Create Tests
// =====================================================

// TestCreateRecord_offline verifies an offline create is stored and queued.
func TestCreateRecord_offline(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)

	rec, err := env.router.CreateRecord(context.Background(), session, map[string]any{"id": nil, "name": "X"})
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	if rec.ID != "local-1" || !rec.PendingLocalWrite || rec.ConfirmedSynced {
		t.Errorf("CreateRecord() = %+v", rec)
	}

	entries := env.queued(t)
	if len(entries) != 1 || entries[0].Kind != models.OpCreate || entries[0].RecordID != "local-1" {
		t.Errorf("queue = %+v, want one create for local-1", entries)
	}
	if env.gateway.RecordCount() != 0 {
		t.Error("offline create reached the remote")
	}
	if env.conn.drains != 0 {
		t.Errorf("drains requested = %d, want 0", env.conn.drains)
	}
}

// TestCreateRecord_connected verifies a direct create is cached under the
// remote id.
func TestCreateRecord_connected(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	env.gateway.IDs["local-1"] = "srv-42"
	ctx := context.Background()

	rec, err := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	if rec.ID != "srv-42" || !rec.ConfirmedSynced || rec.PendingLocalWrite {
		t.Errorf("CreateRecord() = %+v", rec)
	}
	if _, err := env.repo.GetRecord(ctx, "srv-42"); err != nil {
		t.Errorf("GetRecord(srv-42) failed: %v", err)
	}
	if n, _ := env.repo.CountRecords(ctx); n != 1 {
		t.Errorf("CountRecords() = %d, want 1", n)
	}
	if len(env.queued(t)) != 0 {
		t.Error("direct create was queued")
	}
}

// TestCreateRecord_remoteFailure verifies a failed remote write falls back to
// the queue and is reported.
func TestCreateRecord_remoteFailure(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	env.gateway.SetFailRecord("local-1", errors.New(errors.ErrRemoteUnavailable, "timeout"))

	rec, err := env.router.CreateRecord(context.Background(), session, map[string]any{"name": "X"})
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	if !rec.PendingLocalWrite {
		t.Error("record not marked pending")
	}
	if len(env.queued(t)) != 1 {
		t.Error("create not queued")
	}
	if len(env.conn.failures) != 1 {
		t.Errorf("failures reported = %d, want 1", len(env.conn.failures))
	}
}

// TestCreateRecord_noSession verifies a session is required.
func TestCreateRecord_noSession(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)

	for _, s := range []*models.Session{nil, {}} {
		if _, err := env.router.CreateRecord(context.Background(), s, nil); !errors.Is(err, errors.ErrInvalid) {
			t.Errorf("CreateRecord(%v) error = %v, want INVALID_INPUT", s, err)
		}
	}
}

// =====================================================
// Update and Delete Tests
// =====================================================

// TestUpdateRecord_pendingUsesQueue verifies a pending record is never
// written directly, even when connected.
func TestUpdateRecord_pendingUsesQueue(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	env.conn.set(monitor.ModeConnected)

	updated, err := env.router.UpdateRecord(ctx, session, rec.ID, map[string]any{"name": "Y"})
	if err != nil {
		t.Fatalf("UpdateRecord() failed: %v", err)
	}
	if updated.Attributes["name"] != "Y" || !updated.PendingLocalWrite {
		t.Errorf("UpdateRecord() = %+v", updated)
	}
	if calls := env.gateway.Calls(); len(calls) != 0 {
		t.Errorf("remote calls = %v, want none", calls)
	}
	entries := env.queued(t)
	if len(entries) != 2 || entries[1].Kind != models.OpUpdate {
		t.Errorf("queue = %+v, want create then update", entries)
	}
	if env.conn.drains != 1 {
		t.Errorf("drains requested = %d, want 1", env.conn.drains)
	}
}

// TestUpdateRecord_connected verifies a confirmed record is updated remotely.
func TestUpdateRecord_connected(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	updated, err := env.router.UpdateRecord(ctx, session, rec.ID, map[string]any{"status": "sold"})
	if err != nil {
		t.Fatalf("UpdateRecord() failed: %v", err)
	}
	if !updated.ConfirmedSynced || updated.Attributes["name"] != "X" {
		t.Errorf("UpdateRecord() = %+v", updated)
	}
	remote, ok := env.gateway.Record(rec.ID)
	if !ok || remote.Attributes["status"] != "sold" {
		t.Errorf("remote record = %+v", remote)
	}
}

// TestDeleteRecord_offline verifies soft-deleted records leave listings and
// the delete is queued.
func TestDeleteRecord_offline(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	if err := env.router.DeleteRecord(ctx, session, rec.ID); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}

	list, err := env.router.ListRecords(ctx, session, ListOptions{})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ListRecords() = %d records, want 0", len(list))
	}
	stored, err := env.repo.GetRecord(ctx, rec.ID)
	if err != nil || !stored.Deleted {
		t.Errorf("stored record = %+v, %v; want soft-deleted", stored, err)
	}
	entries := env.queued(t)
	if len(entries) != 2 || entries[1].Kind != models.OpDelete {
		t.Errorf("queue = %+v, want create then delete", entries)
	}
	if _, err := env.router.GetRecord(ctx, session, rec.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetRecord() error = %v, want NOT_FOUND", err)
	}
}

// TestDeleteRecord_connected verifies a direct soft delete.
func TestDeleteRecord_connected(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	if err := env.router.DeleteRecord(ctx, session, rec.ID); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}
	remote, _ := env.gateway.Record(rec.ID)
	if remote == nil || !remote.Deleted {
		t.Errorf("remote record = %+v, want deleted", remote)
	}
	if len(env.queued(t)) != 0 {
		t.Error("direct delete was queued")
	}
}

// TestGetRecord_otherOwner verifies records of other users are hidden.
func TestGetRecord_otherOwner(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	other := &models.Session{UserID: "user-2"}
	if _, err := env.router.GetRecord(ctx, other, rec.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetRecord() error = %v, want NOT_FOUND", err)
	}
	if _, err := env.router.UpdateRecord(ctx, other, rec.ID, nil); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("UpdateRecord() error = %v, want NOT_FOUND", err)
	}
}

// =====================================================
// List Tests
// =====================================================

// TestListRecords_refresh verifies the remote listing refreshes the cache
// without replacing pending local writes.
func TestListRecords_refresh(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	ctx := context.Background()

	remoteOnly := &models.Record{ID: "srv-7", OwnerID: "user-1", CreatedAt: 1, UpdatedAt: 1, Attributes: map[string]any{"name": "remote"}}
	shared := &models.Record{ID: "srv-8", OwnerID: "user-1", CreatedAt: 2, UpdatedAt: 500, Attributes: map[string]any{"name": "remote edit"}}
	for _, rec := range []*models.Record{remoteOnly, shared} {
		if _, err := env.gateway.UpsertRecord(ctx, rec); err != nil {
			t.Fatalf("UpsertRecord() failed: %v", err)
		}
	}

	local := &models.Record{ID: "srv-8", OwnerID: "user-1", CreatedAt: 2, UpdatedAt: 100,
		PendingLocalWrite: true, Attributes: map[string]any{"name": "local edit"}}
	if err := env.repo.PutRecord(ctx, local); err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}

	list, err := env.router.ListRecords(ctx, session, ListOptions{})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListRecords() = %d records, want 2", len(list))
	}
	byID := map[string]*models.Record{}
	for _, rec := range list {
		byID[rec.ID] = rec
	}
	if byID["srv-8"].Attributes["name"] != "local edit" || !byID["srv-8"].PendingLocalWrite {
		t.Errorf("pending record replaced: %+v", byID["srv-8"])
	}
	if byID["srv-7"] == nil || !byID["srv-7"].ConfirmedSynced {
		t.Errorf("remote record not cached: %+v", byID["srv-7"])
	}
}

// TestListRecords_remoteDown verifies the cache is served when the listing
// fails.
func TestListRecords_remoteDown(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()
	env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})

	env.conn.set(monitor.ModeConnected)
	env.gateway.SetPingErr(errors.New(errors.ErrRemoteUnavailable, "down"))

	list, err := env.router.ListRecords(ctx, session, ListOptions{})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListRecords() = %d records, want 1", len(list))
	}
	if len(env.conn.failures) != 1 {
		t.Errorf("failures reported = %d, want 1", len(env.conn.failures))
	}
}

// TestListRecords_options verifies listings narrowed by pending state and
// update time.
func TestListRecords_options(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()
	stored := []*models.Record{
		{ID: "local-1", OwnerID: "user-1", CreatedAt: 100, UpdatedAt: 100, PendingLocalWrite: true, Attributes: map[string]any{}},
		{ID: "srv-1", OwnerID: "user-1", CreatedAt: 200, UpdatedAt: 200, ConfirmedSynced: true, Attributes: map[string]any{}},
		{ID: "srv-2", OwnerID: "user-1", CreatedAt: 300, UpdatedAt: 300, ConfirmedSynced: true, Deleted: true, Attributes: map[string]any{}},
	}
	for _, rec := range stored {
		if err := env.repo.PutRecord(ctx, rec); err != nil {
			t.Fatalf("PutRecord() failed: %v", err)
		}
	}
	yes, no := true, false

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all", ListOptions{}, []string{"srv-1", "local-1"}},
		{"pending", ListOptions{Pending: &yes}, []string{"local-1"}},
		{"synced", ListOptions{Pending: &no}, []string{"srv-1"}},
		{"updated since", ListOptions{UpdatedSince: 150}, []string{"srv-1"}},
		{"pending and updated since", ListOptions{Pending: &yes, UpdatedSince: 150}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := env.router.ListRecords(ctx, session, tt.opts)
			if err != nil {
				t.Fatalf("ListRecords() failed: %v", err)
			}
			var got []string
			for _, rec := range list {
				got = append(got, rec.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ListRecords() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := env.router.ListRecords(ctx, session, ListOptions{UpdatedSince: -1}); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("negative UpdatedSince error = %v, want INVALID", err)
	}
}

// TestListRecords_pendingSkipsRefresh verifies the pending listing is served
// from the cache even when connected.
func TestListRecords_pendingSkipsRefresh(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	yes := true

	if _, err := env.router.ListRecords(context.Background(), session, ListOptions{Pending: &yes}); err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if calls := env.gateway.Calls(); len(calls) != 0 {
		t.Errorf("remote calls = %v, want none", calls)
	}
}

// =====================================================
// Image Tests
// =====================================================

// TestAttachImage_offline verifies images are cached and an update queued.
func TestAttachImage_offline(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	result, err := env.router.AttachImage(ctx, session, rec.ID, "front.jpg", "image/jpeg", []byte("\xff\xd8\xff\xe0"))
	if err != nil {
		t.Fatalf("AttachImage() failed: %v", err)
	}
	if result.Image == nil || result.URL != "" {
		t.Errorf("AttachImage() = %+v, want a cached image", result)
	}
	entries := env.queued(t)
	if len(entries) != 2 || entries[1].Kind != models.OpUpdate {
		t.Errorf("queue = %+v, want create then update", entries)
	}
}

// TestAttachImage_connected verifies confirmed records upload directly.
func TestAttachImage_connected(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	env.gateway.IDs["local-1"] = "srv-42"
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	data := []byte("\xff\xd8\xff\xe0 jpeg body")
	result, err := env.router.AttachImage(ctx, session, rec.ID, "front.jpg", "image/jpeg", data)
	if err != nil {
		t.Fatalf("AttachImage() failed: %v", err)
	}
	if !strings.HasPrefix(result.URL, "https://storage.example/user-1/srv-42/") {
		t.Errorf("URL = %q", result.URL)
	}
	if urls := result.Record.ImageURLs(); len(urls) != 1 || urls[0] != result.URL {
		t.Errorf("ImageURLs() = %v", urls)
	}
	remote, _ := env.gateway.Record("srv-42")
	if urls := remote.ImageURLs(); len(urls) != 1 {
		t.Errorf("remote ImageURLs() = %v", urls)
	}
	if len(env.queued(t)) != 0 {
		t.Error("direct attach was queued")
	}
}

// TestAttachImage_tooLarge verifies the size limit.
func TestAttachImage_tooLarge(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})
	if _, err := env.router.AttachImage(ctx, session, rec.ID, "", "", make([]byte, 2<<20)); !errors.Is(err, errors.ErrImageTooLarge) {
		t.Errorf("AttachImage() error = %v, want IMAGE_TOO_LARGE", err)
	}
}

// =====================================================
// Activity, Purge and Session Tests
// =====================================================

// TestLogActivity verifies delivery when connected and queueing otherwise.
func TestLogActivity(t *testing.T) {
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()

	offline, err := env.router.LogActivity(ctx, session, "vehicle_created", map[string]any{"name": "X"})
	if err != nil {
		t.Fatalf("LogActivity() failed: %v", err)
	}
	if offline.Synced {
		t.Error("offline activity marked synced")
	}
	if entries := env.queued(t); len(entries) != 1 || entries[0].Kind != models.OpLogActivity {
		t.Errorf("queue = %+v, want one log_activity", entries)
	}

	env.conn.set(monitor.ModeConnected)
	online, err := env.router.LogActivity(ctx, session, "vehicle_updated", nil)
	if err != nil {
		t.Fatalf("LogActivity() failed: %v", err)
	}
	if !online.Synced || len(env.gateway.Logs()) != 1 {
		t.Errorf("activity = %+v, remote logs = %d", online, len(env.gateway.Logs()))
	}

	stored, err := env.repo.ListActivities(ctx, "user-1", 0)
	if err != nil || len(stored) != 2 {
		t.Fatalf("ListActivities() = %d, %v; want 2", len(stored), err)
	}
	if _, err := env.router.LogActivity(ctx, session, "", nil); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("LogActivity(no type) error = %v, want INVALID_INPUT", err)
	}
}

// TestPurgeRecord verifies purging needs a connection.
func TestPurgeRecord(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	ctx := context.Background()

	rec, _ := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"})

	env.conn.set(monitor.ModeOffline)
	if err := env.router.PurgeRecord(ctx, session, rec.ID); !errors.Is(err, errors.ErrOffline) {
		t.Fatalf("PurgeRecord() offline error = %v, want OFFLINE", err)
	}

	env.conn.set(monitor.ModeConnected)
	if err := env.router.PurgeRecord(ctx, session, rec.ID); err != nil {
		t.Fatalf("PurgeRecord() failed: %v", err)
	}
	if _, err := env.repo.GetRecord(ctx, rec.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetRecord() error = %v, want NOT_FOUND", err)
	}
	if env.gateway.RecordCount() != 0 {
		t.Error("remote record not purged")
	}
}

// TestCurrentSession verifies the remote profile is cached for offline use.
func TestCurrentSession(t *testing.T) {
	env := setupRouter(t, monitor.ModeConnected)
	ctx := context.Background()
	env.gateway.PutUser(&models.User{ID: "user-1", Email: "ana@example.test", DisplayName: "Ana"})

	s, err := env.router.CurrentSession(ctx, &models.Session{UserID: "user-1", AccessToken: "tok"})
	if err != nil {
		t.Fatalf("CurrentSession() failed: %v", err)
	}
	if s.User == nil || s.User.Email != "ana@example.test" {
		t.Errorf("CurrentSession() = %+v", s)
	}

	env.conn.set(monitor.ModeOffline)
	cached, err := env.router.CurrentSession(ctx, nil)
	if err != nil {
		t.Fatalf("CurrentSession(nil) failed: %v", err)
	}
	if cached.UserID != "user-1" || cached.AccessToken != "tok" || cached.User == nil {
		t.Errorf("cached session = %+v", cached)
	}
}

// =====================================================
// Re-keying Tests
// =====================================================

// drainingConn runs drain the first time the router reads the mode, as when
// the monitor reconnects just as a write arrives.
type drainingConn struct {
	fakeConn
	once  gosync.Once
	drain func()
}

func (c *drainingConn) Mode() monitor.Mode {
	c.once.Do(c.drain)
	return c.fakeConn.Mode()
}

// rekeyEnv stores an offline create for local-1 and returns a router whose
// first mode read drains it, re-keying local-1 to srv-1.
func rekeyEnv(t *testing.T, async bool) (*testEnv, *Router, *gosync.WaitGroup) {
	t.Helper()
	env := setupRouter(t, monitor.ModeOffline)
	ctx := context.Background()
	if _, err := env.router.CreateRecord(ctx, session, map[string]any{"name": "X"}); err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	env.gateway.IDs["local-1"] = "srv-1"

	cache := images.NewCache(env.repo, 1<<20)
	engine := sync.NewSyncEngine(env.repo, env.queue, cache, env.gateway, nil)
	var wg gosync.WaitGroup
	drain := func() {
		if _, err := engine.Drain(ctx); err != nil {
			t.Errorf("Drain() failed: %v", err)
		}
	}
	conn := &drainingConn{fakeConn: fakeConn{mode: monitor.ModeOffline}}
	conn.drain = drain
	if async {
		conn.drain = func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				drain()
			}()
		}
	}
	r := New(env.repo, env.queue, cache, env.gateway, conn, WithIDGenerator(uuid.Sequence()))
	return env, r, &wg
}

func liveRecords(t *testing.T, env *testEnv) []*models.Record {
	t.Helper()
	recs, err := env.repo.ListRecordsByOwner(context.Background(), session.UserID)
	if err != nil {
		t.Fatalf("ListRecordsByOwner() failed: %v", err)
	}
	return recs
}

// TestUpdateRecord_rekeyedDuringWrite verifies an update addressed to a local
// id the drain replaces mid-call lands on the server id.
func TestUpdateRecord_rekeyedDuringWrite(t *testing.T) {
	env, r, _ := rekeyEnv(t, false)
	ctx := context.Background()

	updated, err := r.UpdateRecord(ctx, session, "local-1", map[string]any{"name": "Y"})
	if err != nil {
		t.Fatalf("UpdateRecord() failed: %v", err)
	}
	if updated.ID != "srv-1" || updated.Attributes["name"] != "Y" || !updated.PendingLocalWrite {
		t.Errorf("UpdateRecord() = %+v", updated)
	}

	recs := liveRecords(t, env)
	if len(recs) != 1 || recs[0].ID != "srv-1" || recs[0].Attributes["name"] != "Y" {
		t.Fatalf("live records = %+v, want srv-1 named Y only", recs)
	}
	entries := env.queued(t)
	if len(entries) != 1 || entries[0].Kind != models.OpUpdate || entries[0].RecordID != "srv-1" {
		t.Errorf("queue = %+v, want one update for srv-1", entries)
	}
}

// TestUpdateRecord_concurrentDrain verifies an update racing a drain leaves a
// single record whichever runs first.
func TestUpdateRecord_concurrentDrain(t *testing.T) {
	env, r, wg := rekeyEnv(t, true)
	ctx := context.Background()

	_, err := r.UpdateRecord(ctx, session, "local-1", map[string]any{"name": "Y"})
	wg.Wait()
	if err != nil {
		t.Fatalf("UpdateRecord() failed: %v", err)
	}

	recs := liveRecords(t, env)
	if len(recs) != 1 || recs[0].ID != "srv-1" || recs[0].Attributes["name"] != "Y" {
		t.Fatalf("live records = %+v, want srv-1 named Y only", recs)
	}
	for _, e := range env.queued(t) {
		if e.RecordID != "srv-1" {
			t.Errorf("queued %s for %s, want srv-1", e.Kind, e.RecordID)
		}
	}
}

// TestDeleteRecord_rekeyed verifies a delete by the old local id removes the
// re-keyed record.
func TestDeleteRecord_rekeyed(t *testing.T) {
	env, r, _ := rekeyEnv(t, false)
	ctx := context.Background()

	if err := r.DeleteRecord(ctx, session, "local-1"); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}
	if recs := liveRecords(t, env); len(recs) != 0 {
		t.Errorf("live records = %+v, want none", recs)
	}
	entries := env.queued(t)
	if len(entries) != 1 || entries[0].Kind != models.OpDelete || entries[0].RecordID != "srv-1" {
		t.Errorf("queue = %+v, want one delete for srv-1", entries)
	}
}

// TestAttachImage_rekeyed verifies an image attached by the old local id is
// kept for the re-keyed record.
func TestAttachImage_rekeyed(t *testing.T) {
	env, r, _ := rekeyEnv(t, false)
	ctx := context.Background()

	if _, err := r.AttachImage(ctx, session, "local-1", "a.jpg", "image/jpeg", []byte("jpeg")); err != nil {
		t.Fatalf("AttachImage() failed: %v", err)
	}
	pending, err := env.repo.ListPendingImages(ctx, "srv-1")
	if err != nil {
		t.Fatalf("ListPendingImages() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending images for srv-1 = %d, want 1", len(pending))
	}
	if rec, err := r.GetRecord(ctx, session, "local-1"); err != nil || rec.ID != "srv-1" {
		t.Errorf("GetRecord(local-1) = %+v, %v, want srv-1", rec, err)
	}
}
