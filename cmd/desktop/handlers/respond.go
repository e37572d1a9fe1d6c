// Package handlers provides the REST API handlers of the local agent.
package handlers

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
)

// UserHeader carries the acting user id on agent requests.
const UserHeader = "X-User-ID"

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps err to a status code by its error code.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	body := ErrorBody{Code: code, Message: err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		body.Message = appErr.Message
	}

	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{"code": string(code)})
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func statusOf(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrImageTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.ErrSyncRunning:
		return http.StatusConflict
	case errors.ErrOffline, errors.ErrRemoteUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrRemoteRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

// sessionFrom builds the acting session from the request. The owner query
// parameter wins over the header; the bearer token is carried along.
func sessionFrom(r *http.Request) *models.Session {
	userID := r.URL.Query().Get("owner")
	if userID == "" {
		userID = r.Header.Get(UserHeader)
	}
	if userID == "" {
		return nil
	}
	s := &models.Session{UserID: userID}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		s.AccessToken = token
	}
	return s
}
