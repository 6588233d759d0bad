// Package output writes the HTTP response bodies the dispatcher and read
// handlers produce (spec.md §6): success is the bare variant response type,
// failure is {error, trace?}. Grounded on the teacher's internal/output
// writer functions, corrected for a bug observed in the teacher's pack
// (internal/api/respond.go called a WriteJSONErrorWithData function that
// internal/output/json.go never defined) by keeping this package small and
// internally consistent rather than carrying that mismatch forward.
package output

import (
	"encoding/json"
	"net/http"

	"github.com/chis/corectl/internal/apperr"
)

// errorBody is the wire shape of a failed request (spec.md §6).
type errorBody struct {
	Error string `json:"error"`
	Trace string `json:"trace,omitempty"`
}

// WriteJSON writes data as the bare JSON response body with status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps err to an HTTP status via its apperr.Kind (falling back to
// 500) and writes {error, trace?}.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := apperr.As(err); ok {
		switch kind {
		case apperr.KindPermissionDenied:
			status = http.StatusForbidden
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindBusy:
			status = http.StatusConflict
		case apperr.KindPreconditionFailed:
			status = http.StatusPreconditionFailed
		case apperr.KindInvalidRequest:
			status = http.StatusBadRequest
		case apperr.KindTransport, apperr.KindStore, apperr.KindInternal:
			status = http.StatusBadGateway
			if kind != apperr.KindTransport {
				status = http.StatusInternalServerError
			}
		}
	}
	WriteJSON(w, status, errorBody{Error: err.Error()})
}
