package handlers

import (
	"net/http"
	"strconv"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/monitor"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/queue"
)

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	monitor *monitor.Monitor
	queue   *queue.SyncQueue
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(m *monitor.Monitor, q *queue.SyncQueue) *SyncHandler {
	return &SyncHandler{monitor: m, queue: q}
}

// StatusResponse is the body of GET /api/sync/status.
type StatusResponse struct {
	monitor.Status
	Queue *queue.Stats `json:"queue"`
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: h.monitor.Status(), Queue: stats})
}

// TriggerSync handles POST /api/sync/now. It waits for the drain and
// returns its result.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.monitor.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":  result,
		"message": result.Summary(),
	})
}

// ListDeadLetters handles GET /api/sync/dead-letters.
func (h *SyncHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.queue.DeadLetters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if letters == nil {
		letters = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": letters,
		"total": len(letters),
	})
}

// RequeueDeadLetter handles POST /api/sync/dead-letters/{seq}/requeue.
func (h *SyncHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "seq must be an integer", err))
		return
	}
	entry, err := h.queue.Requeue(r.Context(), seq)
	if err != nil {
		writeError(w, err)
		return
	}
	h.monitor.RequestDrain()
	writeJSON(w, http.StatusOK, entry)
}

type networkRequest struct {
	Online *bool `json:"online"`
}

// SetNetwork handles POST /api/network, the host's online/offline signal.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Online == nil {
		writeError(w, errors.New(errors.ErrInvalid, "online is required"))
		return
	}
	logging.Debug("Network signal received", map[string]interface{}{"online": *req.Online})
	h.monitor.SetNetwork(*req.Online)
	writeJSON(w, http.StatusOK, h.monitor.Status())
}
