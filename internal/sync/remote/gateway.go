// Package remote implements the remote gateway over a PostgREST-style HTTP
// API and an S3-compatible object store.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"

	"github.com/nf-motors/vehicle-eval/backend/internal/config"
	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
)

const (
	restPrefix   = "/rest/v1/"
	usersTable   = "users"
	maxErrorBody = 4 << 10
)

// Gateway talks to the hosted REST backend. Binary uploads go to the
// object store.
type Gateway struct {
	baseURL       string
	apiKey        string
	recordsTable  string
	activityTable string
	probePath     string
	retries       uint64

	client  *http.Client
	objects ObjectStore
	log     *logging.Logger
}

var _ sync.RemoteGateway = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithRetries sets how often idempotent calls are retried after a transient
// failure.
func WithRetries(n uint64) Option {
	return func(g *Gateway) { g.retries = n }
}

// NewGateway creates a Gateway for cfg. objects may be nil, in which case
// uploads fail as unavailable.
func NewGateway(cfg config.RemoteConfig, objects ObjectStore, opts ...Option) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.ErrConfig, "remote url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "remote url is invalid", err)
	}
	g := &Gateway{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		apiKey:        cfg.APIKey,
		recordsTable:  orDefault(cfg.RecordsTable, models.Record{}.TableName()),
		activityTable: orDefault(cfg.ActivityTable, "activity_logs"),
		probePath:     orDefault(cfg.ProbePath, restPrefix),
		retries:       2,
		client:        &http.Client{Timeout: 30 * time.Second},
		objects:       objects,
		log:           logging.Get().Named("remote_gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// UpsertRecord inserts rec or merges it into the row with the same id.
func (g *Gateway) UpsertRecord(ctx context.Context, rec *models.Record) (*models.Record, error) {
	q := url.Values{"on_conflict": {"id"}}
	var rows []map[string]any
	err := g.retry(ctx, func() error {
		return g.do(ctx, http.MethodPost, g.recordsTable, q, rec.RemotePayload(),
			"resolution=merge-duplicates,return=representation", &rows)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return rec.Clone(), nil
	}
	stored, err := models.RecordFromRemote(rows[0])
	if err != nil {
		return nil, errors.Wrap(errors.ErrRemoteRejected, "remote returned an unreadable record", err)
	}
	return stored, nil
}

// SoftDeleteRecord flags the record deleted.
func (g *Gateway) SoftDeleteRecord(ctx context.Context, id string, deletedAt int64) error {
	body := map[string]any{
		"deleted":    true,
		"updated_at": time.UnixMilli(deletedAt).UTC().Format(time.RFC3339Nano),
	}
	return g.retry(ctx, func() error {
		return g.do(ctx, http.MethodPatch, g.recordsTable, eq("id", id), body, "return=minimal", nil)
	})
}

// PurgeRecord deletes the row.
func (g *Gateway) PurgeRecord(ctx context.Context, id string) error {
	return g.retry(ctx, func() error {
		return g.do(ctx, http.MethodDelete, g.recordsTable, eq("id", id), nil, "return=minimal", nil)
	})
}

// InsertLogEntry appends an activity row. It is not retried.
func (g *Gateway) InsertLogEntry(ctx context.Context, a *models.Activity) error {
	return g.do(ctx, http.MethodPost, g.activityTable, nil, a.RemotePayload(), "return=minimal", nil)
}

// ListRecords returns the owner's live records, newest first.
func (g *Gateway) ListRecords(ctx context.Context, ownerID string) ([]*models.Record, error) {
	q := eq("user_id", ownerID)
	q.Set("deleted", "eq.false")
	q.Set("order", "created_at.desc")

	var rows []map[string]any
	if err := g.retry(ctx, func() error {
		return g.do(ctx, http.MethodGet, g.recordsTable, q, nil, "", &rows)
	}); err != nil {
		return nil, err
	}

	out := make([]*models.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := models.RecordFromRemote(row)
		if err != nil {
			g.log.Warn("Skipping unreadable remote record", map[string]interface{}{"error": err.Error()})
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetUser returns the profile of userID.
func (g *Gateway) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var rows []struct {
		ID          string `json:"id"`
		Email       string `json:"email"`
		DisplayName string `json:"full_name"`
		Role        string `json:"role"`
	}
	if err := g.retry(ctx, func() error {
		return g.do(ctx, http.MethodGet, usersTable, eq("id", userID), nil, "", &rows)
	}); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("user %s not found", userID))
	}
	r := rows[0]
	return &models.User{ID: r.ID, Email: r.Email, DisplayName: r.DisplayName, Role: r.Role, UpdatedAt: models.NowMillis()}, nil
}

// UploadBinary stores data in the object store.
func (g *Gateway) UploadBinary(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if g.objects == nil {
		return "", errors.New(errors.ErrRemoteUnavailable, "no object store configured")
	}
	var u string
	err := g.retry(ctx, func() error {
		var err error
		u, err = g.objects.Put(ctx, key, data, contentType)
		return err
	})
	return u, err
}

// Ping sends a HEAD request to the probe path. Any 2xx, and the 400 the
// REST root answers without a table, count as reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.baseURL+g.probePath, nil)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to build probe request", err)
	}
	g.setHeaders(req, "")

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteUnavailable, "remote unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusBadRequest {
		return nil
	}
	return errors.New(errors.ErrRemoteUnavailable, fmt.Sprintf("probe answered %s", resp.Status))
}

// retry runs op again after transient failures. Rejections end it at once.
func (g *Gateway) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, g.retries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (g *Gateway) setHeaders(req *http.Request, prefer string) {
	if g.apiKey != "" {
		req.Header.Set("apikey", g.apiKey)
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
}

func (g *Gateway) do(ctx context.Context, method, table string, query url.Values, body any, prefer string, out any) error {
	u := g.baseURL + restPrefix + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "request body is not serializable", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	g.setHeaders(req, prefer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteUnavailable, fmt.Sprintf("%s %s failed", method, table), err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, method, table); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return errors.Wrap(errors.ErrRemoteRejected, "failed to decode response", err)
	}
	return nil
}

// statusError maps HTTP failures: 5xx and 429 are transient, other 4xx are
// rejections.
func statusError(resp *http.Response, method, table string) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := fmt.Sprintf("%s %s: %s %s", method, table, resp.Status, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return errors.New(errors.ErrRemoteUnavailable, text)
	}
	return errors.New(errors.ErrRemoteRejected, text)
}

func eq(column, value string) url.Values {
	return url.Values{column: {"eq." + value}}
}
