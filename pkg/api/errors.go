package api

import (
	"encoding/json"
	"net/http"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/store"
)

// lockRetryAfter is the Retry-After hint, in seconds, sent with a lock
// timeout.
const lockRetryAfter = "1"

// StatusCode maps an error to its HTTP status. Unclassified errors are
// internal server errors.
//
// A lock timeout shares 409 with a real conflict. Clients tell them apart
// by the "error" field of the body ("LockTimeoutError" or "ConflictError"),
// and only a lock timeout carries Retry-After.
func StatusCode(err error) int {
	switch store.CodeOf(err) {
	case store.ErrValidation:
		return http.StatusBadRequest
	case store.ErrAuthorization:
		return http.StatusForbidden
	case store.ErrNotFound:
		return http.StatusNotFound
	case store.ErrConflict, store.ErrLockTimeout:
		return http.StatusConflict
	case store.ErrIntegrity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debug("%s %s: %v", r.Method, r.URL.Path, err)
	}

	code := store.CodeOf(err)
	if code == store.ErrLockTimeout {
		w.Header().Set("Retry-After", lockRetryAfter)
	}

	body := errorBody{Error: code.String(), Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to encode response: %v", err)
	}
}
