package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides the store partitions: records, users, activities,
// settings, the sync queue, pending images and dead letters.
type Repository struct {
	db *sql.DB

	// Prepared statements for hot read paths, created on first use.
	stmtCache sync.Map // map[string]*sql.Stmt

	sealer TokenSealer

	locks recordLocks
}

// TokenSealer encrypts the cached session token at rest.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Tx exposes the operations that must commit together during reconciliation.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("failed to commit transaction", err)
	}
	return nil
}

func storageErr(msg string, err error) error {
	return errors.Wrap(errors.ErrStorage, msg, err)
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `id, user_id, created_at, updated_at, deleted, pending_local_write, confirmed_synced, attributes`

// PutRecord inserts or replaces a record by id.
func (r *Repository) PutRecord(ctx context.Context, rec *models.Record) error {
	return putRecord(ctx, r.db, rec)
}

// PutRecord inserts or replaces a record by id inside the transaction.
func (t *Tx) PutRecord(ctx context.Context, rec *models.Record) error {
	return putRecord(ctx, t.tx, rec)
}

func putRecord(ctx context.Context, q querier, rec *models.Record) error {
	if rec.ID == "" {
		return errors.New(errors.ErrInvalid, "record id is required")
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "record attributes are not serializable", err)
	}

	query := `
	INSERT INTO vehicles (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		deleted = excluded.deleted,
		pending_local_write = excluded.pending_local_write,
		confirmed_synced = excluded.confirmed_synced,
		attributes = excluded.attributes
	`
	_, err = q.ExecContext(ctx, query, rec.ID, rec.OwnerID, rec.CreatedAt, rec.UpdatedAt,
		rec.Deleted, rec.PendingLocalWrite, rec.ConfirmedSynced, string(data))
	if err != nil {
		return storageErr("failed to put record", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s rowScanner) (*models.Record, error) {
	var rec models.Record
	var attrs string
	if err := s.Scan(&rec.ID, &rec.OwnerID, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.Deleted, &rec.PendingLocalWrite, &rec.ConfirmedSynced, &attrs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("record %s has corrupt attributes: %w", rec.ID, err)
	}
	return &rec, nil
}

// GetRecord retrieves a record by id, including soft-deleted records.
func (r *Repository) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM vehicles WHERE id = ?`)
	if err != nil {
		return nil, storageErr("failed to get record", err)
	}
	return getRecord(stmt.QueryRowContext(ctx, id), id)
}

// GetRecord retrieves a record by id inside the transaction.
func (t *Tx) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM vehicles WHERE id = ?`, id)
	return getRecord(row, id)
}

func getRecord(row *sql.Row, id string) (*models.Record, error) {
	rec, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("record %s not found", id))
	}
	if err != nil {
		return nil, storageErr("failed to get record", err)
	}
	return rec, nil
}

// ListRecords returns records matching filters, newest first.
func (r *Repository) ListRecords(ctx context.Context, filters ...Filter) ([]*models.Record, error) {
	where, args, err := BuildWhere(filters...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid record filter", err)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM vehicles`+where+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, storageErr("failed to list records", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("failed to scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list records", err)
	}
	return out, nil
}

// SaveRecordsFromRemote stores records fetched from the remote as confirmed
// in one transaction. Callers decide beforehand which cached records the
// listing may replace.
func (r *Repository) SaveRecordsFromRemote(ctx context.Context, recs []*models.Record) error {
	return r.InTx(ctx, func(tx *Tx) error {
		for _, rec := range recs {
			c := rec.Clone()
			c.PendingLocalWrite = false
			c.ConfirmedSynced = true
			if err := tx.PutRecord(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRecordsByOwner returns the owner's live records, newest first.
// Soft-deleted records are retained in the store but never listed.
func (r *Repository) ListRecordsByOwner(ctx context.Context, ownerID string) ([]*models.Record, error) {
	return r.ListRecords(ctx, &OwnerFilter{OwnerID: ownerID}, &DeletedFilter{Deleted: false})
}

// PurgeRecord hard-deletes a record and its pending images. Callers must only
// purge after the remote confirmed the purge.
func (r *Repository) PurgeRecord(ctx context.Context, id string) error {
	return r.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM pending_images WHERE record_id = ?`, id); err != nil {
			return storageErr("failed to purge record images", err)
		}
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM vehicles WHERE id = ?`, id)
		if err != nil {
			return storageErr("failed to purge record", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrNotFound, fmt.Sprintf("record %s not found", id))
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM record_aliases WHERE new_id = ?`, id); err != nil {
			return storageErr("failed to purge record aliases", err)
		}
		return nil
	})
}

// RekeyRecord moves a record from oldID to newID. Pending images, queued
// entries and dead letters referencing oldID follow it, and oldID is kept as
// an alias of newID. A row already stored under newID is replaced, unless
// there is no row under oldID.
func (t *Tx) RekeyRecord(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	stmts := []struct {
		query string
		args  []interface{}
	}{
		{`DELETE FROM record_aliases WHERE old_id = ?`, []interface{}{newID}},
		{`UPDATE record_aliases SET new_id = ? WHERE new_id = ?`, []interface{}{newID, oldID}},
		{`INSERT INTO record_aliases (old_id, new_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(old_id) DO UPDATE SET new_id = excluded.new_id`, []interface{}{oldID, newID, models.NowMillis()}},
		{`DELETE FROM vehicles WHERE id = ? AND EXISTS (SELECT 1 FROM vehicles WHERE id = ?)`, []interface{}{newID, oldID}},
		{`UPDATE vehicles SET id = ? WHERE id = ?`, []interface{}{newID, oldID}},
		{`UPDATE pending_images SET record_id = ? WHERE record_id = ?`, []interface{}{newID, oldID}},
		{`UPDATE sync_queue SET record_id = ?, payload = json_set(payload, '$.id', ?) WHERE record_id = ?`, []interface{}{newID, newID, oldID}},
		{`UPDATE dead_letter SET record_id = ?, payload = json_set(payload, '$.id', ?) WHERE record_id = ?`, []interface{}{newID, newID, oldID}},
	}
	for _, s := range stmts {
		if _, err := t.tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return storageErr("failed to re-key record", err)
		}
	}
	return nil
}

// ResolveRecordID returns the identifier a record is stored under now: the
// server id when id is a re-keyed local id, id itself otherwise.
func (r *Repository) ResolveRecordID(ctx context.Context, id string) (string, error) {
	var newID string
	err := r.db.QueryRowContext(ctx, `SELECT new_id FROM record_aliases WHERE old_id = ?`, id).Scan(&newID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return "", storageErr("failed to resolve record id", err)
	}
	return newID, nil
}

// CountRecords returns the number of stored records, deleted ones included.
func (r *Repository) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicles`).Scan(&n); err != nil {
		return 0, storageErr("failed to count records", err)
	}
	return n, nil
}
