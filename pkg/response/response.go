// Package response provides JSON response and error helpers shared by the gateway and risk engine.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/mb6226/iranvault/pkg/errors"
)

// RequestIDFromRequest extracts request ID from headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// WriteError writes err with the HTTP status mapped from its code.
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes a structured error built from code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}

// WriteStatusError writes a structured error with an explicit status.
func WriteStatusError(w http.ResponseWriter, r *http.Request, status int, code commonerrors.Code, message string) {
	if w == nil {
		return
	}
	payload := *commonerrors.NewWithDefault(code, message)
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, status, &payload)
}

// WriteJSON writes payload as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
