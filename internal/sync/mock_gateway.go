package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/uuid"
)

// MockGateway is an in-memory RemoteGateway for tests and offline demos.
// Records with a local identifier are assigned "srv-<n>" identifiers on
// their first upsert; later upserts of the same local id resolve to the same
// remote record.
type MockGateway struct {
	mu gosync.Mutex

	records map[string]*models.Record
	aliases map[string]string
	objects map[string][]byte
	logs    []*models.Activity
	users   map[string]*models.User
	calls   []string
	nextID  int

	// IDs pins the remote id assigned to a local id.
	IDs map[string]string
	// FailRecords makes upserts and deletes of the given ids fail.
	FailRecords map[string]error
	// FailUploads makes every binary upload fail.
	FailUploads error
	// FailUploadKeys makes uploads whose key contains the given record id fail.
	FailUploadKeys map[string]error
	// FailLogs makes every log insert fail.
	FailLogs error
	// PingErr is returned by Ping.
	PingErr error
	// Delays slows calls for the given record ids.
	Delays map[string]time.Duration
}

// NewMockGateway creates an empty MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		records:        make(map[string]*models.Record),
		aliases:        make(map[string]string),
		objects:        make(map[string][]byte),
		users:          make(map[string]*models.User),
		IDs:            make(map[string]string),
		FailRecords:    make(map[string]error),
		FailUploadKeys: make(map[string]error),
		Delays:         make(map[string]time.Duration),
	}
}

func (m *MockGateway) wait(ctx context.Context, id string) error {
	m.mu.Lock()
	d := m.Delays[id]
	m.mu.Unlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrRemoteUnavailable, "request cancelled", ctx.Err())
	}
}

// UpsertRecord implements RemoteGateway.
func (m *MockGateway) UpsertRecord(ctx context.Context, rec *models.Record) (*models.Record, error) {
	if err := m.wait(ctx, rec.ID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "upsert:"+rec.ID)
	if err := m.FailRecords[rec.ID]; err != nil {
		return nil, err
	}

	id := m.resolve(rec.ID)
	stored := rec.Clone()
	stored.ID = id
	stored.PendingLocalWrite = false
	stored.ConfirmedSynced = true
	if existing, ok := m.records[id]; ok {
		existing.ApplyPatch(stored.Attributes)
		existing.OwnerID = stored.OwnerID
		existing.UpdatedAt = stored.UpdatedAt
		existing.Deleted = stored.Deleted
		stored = existing
	}
	m.records[id] = stored
	return stored.Clone(), nil
}

// resolve maps a local id to its remote id. m.mu must be held.
func (m *MockGateway) resolve(id string) string {
	if alias, ok := m.aliases[id]; ok {
		return alias
	}
	if !uuid.IsLocal(id) {
		return id
	}
	alias, ok := m.IDs[id]
	if !ok {
		m.nextID++
		alias = fmt.Sprintf("srv-%d", m.nextID)
	}
	m.aliases[id] = alias
	return alias
}

// SoftDeleteRecord implements RemoteGateway.
func (m *MockGateway) SoftDeleteRecord(ctx context.Context, id string, deletedAt int64) error {
	if err := m.wait(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "delete:"+id)
	if err := m.FailRecords[id]; err != nil {
		return err
	}
	rec, ok := m.records[m.resolve(id)]
	if !ok {
		return errors.New(errors.ErrRemoteRejected, fmt.Sprintf("record %s does not exist remotely", id))
	}
	rec.Deleted = true
	rec.UpdatedAt = deletedAt
	return nil
}

// PurgeRecord implements RemoteGateway.
func (m *MockGateway) PurgeRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "purge:"+id)
	if err := m.FailRecords[id]; err != nil {
		return err
	}
	delete(m.records, m.resolve(id))
	return nil
}

// UploadBinary implements RemoteGateway.
func (m *MockGateway) UploadBinary(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "upload:"+key)
	if m.FailUploads != nil {
		return "", m.FailUploads
	}
	for id, err := range m.FailUploadKeys {
		if containsSegment(key, id) {
			return "", err
		}
	}
	m.objects[key] = append([]byte(nil), data...)
	return "https://storage.example/" + key, nil
}

func containsSegment(key, seg string) bool {
	for _, part := range strings.Split(key, "/") {
		if part == seg {
			return true
		}
	}
	return false
}

// InsertLogEntry implements RemoteGateway.
func (m *MockGateway) InsertLogEntry(ctx context.Context, a *models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "log:"+a.Type)
	if m.FailLogs != nil {
		return m.FailLogs
	}
	cp := *a
	m.logs = append(m.logs, &cp)
	return nil
}

// ListRecords implements RemoteGateway.
func (m *MockGateway) ListRecords(ctx context.Context, ownerID string) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PingErr != nil {
		return nil, m.PingErr
	}
	var out []*models.Record
	for _, rec := range m.records {
		if rec.OwnerID == ownerID && !rec.Deleted {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// GetUser implements RemoteGateway.
func (m *MockGateway) GetUser(ctx context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PingErr != nil {
		return nil, m.PingErr
	}
	u, ok := m.users[userID]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("user %s not found", userID))
	}
	cp := *u
	return &cp, nil
}

// Ping implements RemoteGateway.
func (m *MockGateway) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// SetPingErr changes the reachability of the mock.
func (m *MockGateway) SetPingErr(err error) {
	m.mu.Lock()
	m.PingErr = err
	m.mu.Unlock()
}

// SetFailRecord makes calls for id fail with err; a nil err clears it.
func (m *MockGateway) SetFailRecord(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.FailRecords, id)
		return
	}
	m.FailRecords[id] = err
}

// PutUser stores a remote user profile.
func (m *MockGateway) PutUser(u *models.User) {
	m.mu.Lock()
	cp := *u
	m.users[u.ID] = &cp
	m.mu.Unlock()
}

// Record returns the remote copy of id.
func (m *MockGateway) Record(id string) (*models.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// RecordCount returns how many remote records exist, deleted ones included.
func (m *MockGateway) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Object returns an uploaded object.
func (m *MockGateway) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Logs returns the inserted activity logs.
func (m *MockGateway) Logs() []*models.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Activity(nil), m.logs...)
}

// Calls returns the gateway calls made so far, in order.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
