package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/router"
)

// imageField is the multipart field holding an uploaded image.
const imageField = "file"

// RecordsHandler exposes the write router over REST.
type RecordsHandler struct {
	router   *router.Router
	maxImage int64
}

// NewRecordsHandler creates a RecordsHandler. Image uploads larger than
// maxImage are rejected before they reach the router.
func NewRecordsHandler(r *router.Router, maxImage int64) *RecordsHandler {
	return &RecordsHandler{router: r, maxImage: maxImage}
}

// session resolves the acting session, falling back to the cached one.
func (h *RecordsHandler) session(ctx context.Context, r *http.Request) (*models.Session, error) {
	if s := sessionFrom(r); s != nil {
		return s, nil
	}
	cached, err := h.router.CurrentSession(ctx, nil)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, errors.New(errors.ErrInvalid, "no user given and no cached session")
	}
	return cached, err
}

// GetSession handles GET /api/session.
func (h *RecordsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}
	s, err = h.router.CurrentSession(ctx, s)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListRecords handles GET /api/records. Optional query parameters:
// pending=true|false and updated_since=<unix ms>.
func (h *RecordsHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := h.router.ListRecords(ctx, s, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": recs,
		"total": len(recs),
	})
}

func listOptions(r *http.Request) (router.ListOptions, error) {
	var opts router.ListOptions
	q := r.URL.Query()
	if v := q.Get("pending"); v != "" {
		pending, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.Wrap(errors.ErrInvalid, "pending must be true or false", err)
		}
		opts.Pending = &pending
	}
	if v := q.Get("updated_since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, errors.Wrap(errors.ErrInvalid, "updated_since must be unix milliseconds", err)
		}
		opts.UpdatedSince = since
	}
	return opts, nil
}

// CreateRecord handles POST /api/records. The body is the attribute map.
func (h *RecordsHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var attrs map[string]any
	if err := decodeBody(r, &attrs); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.router.CreateRecord(ctx, s, attrs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /api/records/{id}.
func (h *RecordsHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.router.GetRecord(ctx, s, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PATCH /api/records/{id}.
func (h *RecordsHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch map[string]any
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.router.UpdateRecord(ctx, s, r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/records/{id}. With purge=true the record
// is removed for good, which needs a connection.
func (h *RecordsHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if r.URL.Query().Get("purge") == "true" {
		err = h.router.PurgeRecord(ctx, s, id)
	} else {
		err = h.router.DeleteRecord(ctx, s, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttachImage handles POST /api/records/{id}/images as a multipart upload.
func (h *RecordsHandler) AttachImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	file, header, err := r.FormFile(imageField)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "multipart field \"file\" is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxImage+1))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "failed to read upload", err))
		return
	}

	// Generic part types are sniffed from the content instead.
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}
	result, err := h.router.AttachImage(ctx, s, r.PathValue("id"), header.Filename, mimeType, data)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Image != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

type activityRequest struct {
	Type    string         `json:"activity_type"`
	Details map[string]any `json:"details"`
}

// LogActivity handles POST /api/activities.
func (h *RecordsHandler) LogActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.session(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req activityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.router.LogActivity(ctx, s, req.Type, req.Details)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}
