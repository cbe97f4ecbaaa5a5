package api

import (
	"encoding/json"
	"errors"
	"net/http"

	mederrors "medidash/internal/errors"
)

// ErrorResponse represents an HTTP error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := ErrorResponse{
		Error: err.Error(),
		Code:  string(mederrors.Internal),
	}

	// If it's a MediError, include the stable code and details
	var me *mederrors.MediError
	if errors.As(err, &me) {
		resp.Code = string(me.Code)
		resp.Details = me.Details
	}

	json.NewEncoder(w).Encode(resp)
}

// WriteMediError writes an error with automatic status code mapping.
// Busy responses carry a Retry-After hint so clients back off briefly.
func WriteMediError(w http.ResponseWriter, err error) {
	code := mederrors.CodeOf(err)
	if code == mederrors.Busy {
		w.Header().Set("Retry-After", "1")
	}
	WriteError(w, err, MapErrorToStatus(code))
}

// MapErrorToStatus maps taxonomy error codes to HTTP status codes
func MapErrorToStatus(code mederrors.ErrorCode) int {
	switch code {
	case mederrors.Validation:
		return http.StatusBadRequest // 400
	case mederrors.NotFound:
		return http.StatusNotFound // 404
	case mederrors.Conflict:
		return http.StatusConflict // 409
	case mederrors.Busy:
		return http.StatusConflict // 409
	case mederrors.IO:
		return http.StatusInternalServerError // 500
	case mederrors.StorageUnavailable:
		return http.StatusServiceUnavailable // 503
	case mederrors.Internal:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// BadRequest writes a 400 Bad Request error
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, mederrors.Validationf("%s", message), http.StatusBadRequest)
}

// NotFoundError writes a 404 Not Found error
func NotFoundError(w http.ResponseWriter, message string) {
	WriteError(w, mederrors.NotFoundf("%s", message), http.StatusNotFound)
}

// MethodNotAllowed writes a 405 Method Not Allowed error
func MethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, mederrors.Validationf("method not allowed"), http.StatusMethodNotAllowed)
}

// InternalError writes a 500 Internal Server Error
func InternalError(w http.ResponseWriter, message string, err error) {
	WriteError(w, mederrors.Internalf(err, "%s", message), http.StatusInternalServerError)
}
